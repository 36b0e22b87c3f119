package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Options configures collector registration.
type Options struct {
	Registerer prometheus.Registerer
	Namespace  string
}

// Metrics holds the counters for OTP and token outcomes. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	OTPSent           prometheus.Counter
	OTPVerifications  *prometheus.CounterVec
	TokensIssued      *prometheus.CounterVec
	TokenValidations  *prometheus.CounterVec
	TokensRevoked     prometheus.Counter
	BlacklistFailOpen prometheus.Counter
}

func New(opts Options) (*Metrics, error) {
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "phoneauth"
	}

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		OTPSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "otp",
			Name:      "sent_total",
			Help:      "Total number of OTP challenges generated.",
		}),
		OTPVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "otp",
			Name:      "verifications_total",
			Help:      "OTP verification attempts partitioned by result.",
		}, []string{"result"}),
		TokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "token",
			Name:      "issued_total",
			Help:      "Tokens issued partitioned by type.",
		}, []string{"type"}),
		TokenValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "token",
			Name:      "validations_total",
			Help:      "Token validations partitioned by result.",
		}, []string{"result"}),
		TokensRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "token",
			Name:      "revoked_total",
			Help:      "Tokens written to the blacklist.",
		}),
		BlacklistFailOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "token",
			Name:      "blacklist_fail_open_total",
			Help:      "Validations that skipped the blacklist because the cache was unreachable.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.OTPSent, m.OTPVerifications, m.TokensIssued,
		m.TokenValidations, m.TokensRevoked, m.BlacklistFailOpen,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}

	return m, nil
}

func (m *Metrics) IncOTPSent() {
	if m == nil {
		return
	}
	m.OTPSent.Inc()
}

// ObserveVerification records one verification with result such as
// "success", "locked", "already_used" or "invalid".
func (m *Metrics) ObserveVerification(result string) {
	if m == nil {
		return
	}
	m.OTPVerifications.WithLabelValues(result).Inc()
}

func (m *Metrics) IncTokenIssued(tokenType string) {
	if m == nil {
		return
	}
	m.TokensIssued.WithLabelValues(tokenType).Inc()
}

func (m *Metrics) ObserveValidation(valid bool) {
	if m == nil {
		return
	}
	result := "invalid"
	if valid {
		result = "valid"
	}
	m.TokenValidations.WithLabelValues(result).Inc()
}

func (m *Metrics) IncRevoked() {
	if m == nil {
		return
	}
	m.TokensRevoked.Inc()
}

func (m *Metrics) IncBlacklistFailOpen() {
	if m == nil {
		return
	}
	m.BlacklistFailOpen.Inc()
}
