package mcp

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

type contextKey int

const principalKey contextKey = iota

// getPrincipal extracts the authenticated caller from context.
func getPrincipal(ctx context.Context) string {
	v, _ := ctx.Value(principalKey).(string)
	return v
}

// TokenResolver resolves the caller behind a bearer token.
type TokenResolver interface {
	ResolvePrincipal(ctx context.Context, token string) (string, error)
}

// ErrInvalidToken is returned for unknown bearer tokens.
var ErrInvalidToken = errors.New("invalid token")

// StaticToken accepts exactly one shared token.
type StaticToken struct {
	Token     string
	Principal string
}

func (s StaticToken) ResolvePrincipal(_ context.Context, token string) (string, error) {
	if s.Token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.Token)) != 1 {
		return "", ErrInvalidToken
	}
	if s.Principal == "" {
		return "operator", nil
	}
	return s.Principal, nil
}

// authMiddleware implements bearer token authentication as MCP middleware.
func authMiddleware(resolver TokenResolver) sdkmcp.Middleware {
	return func(next sdkmcp.MethodHandler) sdkmcp.MethodHandler {
		return func(ctx context.Context, method string, req sdkmcp.Request) (sdkmcp.Result, error) {
			// Skip auth for protocol methods
			if method == "initialize" || method == "ping" || strings.HasPrefix(method, "notifications/") {
				return next(ctx, method, req)
			}

			extra := req.GetExtra()
			if extra == nil || extra.Header == nil {
				return nil, fmt.Errorf("unauthorized: missing headers")
			}

			auth := extra.Header.Get("Authorization")
			token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			if token == "" {
				return nil, fmt.Errorf("unauthorized: missing bearer token")
			}
			if resolver == nil {
				return nil, fmt.Errorf("unauthorized: %w", ErrInvalidToken)
			}

			principal, err := resolver.ResolvePrincipal(ctx, token)
			if err != nil {
				return nil, fmt.Errorf("unauthorized: %w", err)
			}

			ctx = context.WithValue(ctx, principalKey, principal)
			return next(ctx, method, req)
		}
	}
}

// noAuthMiddleware injects a fixed principal when auth is disabled.
func noAuthMiddleware(principal string) sdkmcp.Middleware {
	return func(next sdkmcp.MethodHandler) sdkmcp.MethodHandler {
		return func(ctx context.Context, method string, req sdkmcp.Request) (sdkmcp.Result, error) {
			ctx = context.WithValue(ctx, principalKey, principal)
			return next(ctx, method, req)
		}
	}
}
