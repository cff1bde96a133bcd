package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LoginAttempts counts login outcomes by principal type.
	// type: adult|child, outcome: success|invalid|throttled|error.
	LoginAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_login_attempts_total",
		Help: "Login attempts by principal type and outcome.",
	}, []string{"type", "outcome"})

	TokensIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_tokens_issued_total",
		Help: "Session tokens issued by principal type.",
	}, []string{"type"})

	ResetRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_reset_requests_total",
		Help: "Password reset requests received.",
	})

	MailSendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_mail_send_failures_total",
		Help: "Outbound email deliveries that failed.",
	})
)
