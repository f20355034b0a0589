package mcp

import (
	"context"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ganot/tabsync/internal/device"
	"github.com/ganot/tabsync/internal/domain/session"
)

const defaultListLimit = 100

type listSessionsInput struct {
	UserID string `json:"user_id,omitempty" jsonschema:"only records of this user"`
	Active *bool  `json:"active,omitempty" jsonschema:"only active or only closed records"`
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum number of records, default 100"`
}

type listSessionsOutput struct {
	Sessions []sessionView `json:"sessions"`
}

type getSessionInput struct {
	ID string `json:"id" jsonschema:"record id"`
}

type userInput struct {
	UserID string `json:"user_id" jsonschema:"user id"`
}

type pruneInput struct {
	UserID string `json:"user_id" jsonschema:"user id"`
	Keep   string `json:"keep,omitempty" jsonschema:"record id to leave untouched, usually the live one"`
}

// sessionView is the wire form of a record with RFC 3339 timestamps.
type sessionView struct {
	ID              string      `json:"id"`
	DeviceID        string      `json:"device_id"`
	UserID          string      `json:"user_id"`
	Start           string      `json:"start"`
	LastUpdated     string      `json:"last_updated"`
	DurationSeconds int64       `json:"duration_seconds"`
	Active          bool        `json:"active"`
	DeviceMeta      device.Meta `json:"device_meta"`
}

func toView(rec session.Record) sessionView {
	return sessionView{
		ID:              rec.ID,
		DeviceID:        rec.DeviceID,
		UserID:          rec.UserID,
		Start:           rec.Start.UTC().Format(time.RFC3339),
		LastUpdated:     rec.LastUpdated.UTC().Format(time.RFC3339),
		DurationSeconds: rec.DurationSeconds,
		Active:          rec.Active,
		DeviceMeta:      rec.DeviceMeta,
	}
}

func registerTools(server *sdkmcp.Server, sessions SessionService) {
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "list_sessions",
		Description: "List recorded sessions, newest first",
	}, func(ctx context.Context, _ *sdkmcp.CallToolRequest, in listSessionsInput) (*sdkmcp.CallToolResult, listSessionsOutput, error) {
		limit := in.Limit
		if limit <= 0 {
			limit = defaultListLimit
		}
		records, err := sessions.List(ctx, session.Filter{UserID: in.UserID, Active: in.Active, Limit: limit})
		if err != nil {
			return nil, listSessionsOutput{}, toolError(err)
		}
		out := listSessionsOutput{Sessions: make([]sessionView, 0, len(records))}
		for _, rec := range records {
			out.Sessions = append(out.Sessions, toView(rec))
		}
		return nil, out, nil
	})

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "get_session",
		Description: "Get one recorded session by id",
	}, func(ctx context.Context, _ *sdkmcp.CallToolRequest, in getSessionInput) (*sdkmcp.CallToolResult, sessionView, error) {
		rec, err := sessions.Get(ctx, in.ID)
		if err != nil {
			return nil, sessionView{}, toolError(err)
		}
		return nil, toView(*rec), nil
	})

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "session_summary",
		Description: "Count a user's sessions and total their recorded seconds",
	}, func(ctx context.Context, _ *sdkmcp.CallToolRequest, in userInput) (*sdkmcp.CallToolResult, session.Summary, error) {
		summary, err := sessions.Summarize(ctx, in.UserID)
		if err != nil {
			return nil, session.Summary{}, toolError(err)
		}
		return nil, *summary, nil
	})

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "prune_sessions",
		Description: "Close a user's abandoned sessions and delete expired ones",
	}, func(ctx context.Context, _ *sdkmcp.CallToolRequest, in pruneInput) (*sdkmcp.CallToolResult, session.PruneResult, error) {
		result, err := sessions.Prune(ctx, in.UserID, in.Keep)
		if err != nil {
			return nil, session.PruneResult{}, toolError(err)
		}
		return nil, result, nil
	})
}

// toolError prefers the mapped API error so clients see a stable code.
func toolError(err error) error {
	if apiErr := MapError(err); apiErr != nil {
		return apiErr
	}
	return err
}
