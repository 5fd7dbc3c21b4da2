// Package metrics exposes prometheus counters for authorization outcomes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "trading_signer"

const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeReplayed = "replayed"
	OutcomePending  = "pending_approval"
)

// Recorder is safe for concurrent use. A nil *Recorder records nothing.
type Recorder struct {
	signTotal        *prometheus.CounterVec
	signDuration     *prometheus.HistogramVec
	policyViolations *prometheus.CounterVec
	executionsTotal  *prometheus.CounterVec
	proposalsTotal   *prometheus.CounterVec
	auditAppends     *prometheus.CounterVec
}

// New registers the collectors on reg; pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		signTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signer_sign_total",
			Help:      "Signing attempts by signer kind and outcome",
		}, []string{"signer", "outcome"}),
		signDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "signer_sign_duration_seconds",
			Help:      "Duration of signing calls by signer kind",
			Buckets:   prometheus.DefBuckets,
		}, []string{"signer"}),
		policyViolations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_violations_total",
			Help:      "Rejected requests by policy violation code",
		}, []string{"code"}),
		executionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Executed actions by action and outcome",
		}, []string{"action", "outcome"}),
		proposalsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposals_total",
			Help:      "Execution proposal lifecycle events",
		}, []string{"event"}),
		auditAppends: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_appends_total",
			Help:      "Audit ledger appends by recorded outcome",
		}, []string{"ok"}),
	}
}

func (r *Recorder) ObserveSign(signer string, started time.Time, err error) {
	if r == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	r.signTotal.WithLabelValues(signer, outcome).Inc()
	r.signDuration.WithLabelValues(signer).Observe(time.Since(started).Seconds())
}

func (r *Recorder) PolicyViolation(code string) {
	if r == nil {
		return
	}
	r.policyViolations.WithLabelValues(code).Inc()
}

func (r *Recorder) Execution(action, outcome string) {
	if r == nil {
		return
	}
	r.executionsTotal.WithLabelValues(action, outcome).Inc()
}

func (r *Recorder) Proposal(event string) {
	if r == nil {
		return
	}
	r.proposalsTotal.WithLabelValues(event).Inc()
}

func (r *Recorder) AuditAppend(ok bool) {
	if r == nil {
		return
	}
	label := "false"
	if ok {
		label = "true"
	}
	r.auditAppends.WithLabelValues(label).Inc()
}
