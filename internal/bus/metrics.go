package bus

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// PromTransport counts posted messages per type.
type PromTransport struct {
	Transport
	msgCounter *prometheus.CounterVec
}

func (p *PromTransport) Post(msg Message) error {
	p.msgCounter.WithLabelValues(string(msg.Type)).Inc()
	return p.Transport.Post(msg)
}

// NewPromTransport wraps t with a message counter registered on reg. A nil
// registerer disables metrics and returns t unchanged.
func NewPromTransport(t Transport, reg prometheus.Registerer) Transport {
	if reg == nil {
		return t
	}
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tabsync",
		Subsystem: "bus",
		Name:      "messages_total",
		Help:      "Number of messages posted to other tabs",
	}, []string{"message_type"})
	if err := reg.Register(counter); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return t
		}
		counter = already.ExistingCollector.(*prometheus.CounterVec)
	}
	return &PromTransport{Transport: t, msgCounter: counter}
}
