package quic

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/TheusHen/devlink/devlink/crypto"
	"github.com/TheusHen/devlink/devlink/transfer"
)

// Failure reasons used as the "reason" label.
const (
	reasonSecurity      = "security"
	reasonUndecryptable = "undecryptable"
	reasonFragment      = "fragment"
	reasonSession       = "session"
	reasonIO            = "io"
)

// Metrics counts envelopes moving through connections.
type Metrics struct {
	sent     prometheus.Counter
	received prometheus.Counter
	failures *prometheus.CounterVec
}

// NewMetrics creates the envelope counters and registers them on reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devlink",
			Name:      "envelopes_sent_total",
			Help:      "Envelopes written to a stream.",
		}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devlink",
			Name:      "envelopes_received_total",
			Help:      "Envelopes read and verified.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devlink",
			Name:      "envelope_failures_total",
			Help:      "Envelopes that could not be read, by reason.",
		}, []string{"reason"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.sent, m.received, m.failures} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func failureReason(err error) string {
	switch {
	case crypto.IsSecurityError(err):
		return reasonSecurity
	case errors.Is(err, crypto.ErrUndecryptable):
		return reasonUndecryptable
	case errors.Is(err, ErrSessionMismatch), errors.Is(err, ErrReflected):
		return reasonSession
	case errors.Is(err, transfer.ErrFragmentMismatch),
		errors.Is(err, transfer.ErrTooManyPending),
		errors.Is(err, transfer.ErrMessageTooLarge),
		errors.Is(err, transfer.ErrDecompressionFailed):
		return reasonFragment
	default:
		return reasonIO
	}
}

func (m *Metrics) fail(err error) {
	m.failures.WithLabelValues(failureReason(err)).Inc()
}
