package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is what the dispatcher and engines report to. A nil Recorder is
// never passed around, use Noop instead.
type Recorder interface {
	IncSubmission(strategy string)
	IncSubmissionFailure(strategy string)
	IncUserOpPolled(status string)
	IncTransactionStatus(status string)
}

// WalletMetrics contains instrumented metrics for the submission pipeline
type WalletMetrics struct {
	numSubmissions       *prometheus.CounterVec
	numSubmissionFailure *prometheus.CounterVec
	numUserOpPolled      *prometheus.CounterVec
	numTxStatus          *prometheus.CounterVec
}

const apNamespace = "ap_wallet"

func NewWalletMetrics(reg prometheus.Registerer) *WalletMetrics {
	return &WalletMetrics{
		numSubmissions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "num_submissions_total",
				Help:      "The number of transaction submissions dispatched, by strategy",
			}, []string{"strategy"}),

		numSubmissionFailure: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "num_submission_failures_total",
				Help:      "The number of submissions rejected by the engine before a hash was known, by strategy",
			}, []string{"strategy"}),

		numUserOpPolled: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "num_user_operation_polls_total",
				Help:      "The number of user operation receipt polls, by outcome",
			}, []string{"status"}),

		numTxStatus: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "num_transaction_status_total",
				Help:      "The number of transaction status transitions, by new status",
			}, []string{"status"}),
	}
}

func (m *WalletMetrics) IncSubmission(strategy string) {
	m.numSubmissions.WithLabelValues(strategy).Inc()
}

func (m *WalletMetrics) IncSubmissionFailure(strategy string) {
	m.numSubmissionFailure.WithLabelValues(strategy).Inc()
}

func (m *WalletMetrics) IncUserOpPolled(status string) {
	m.numUserOpPolled.WithLabelValues(status).Inc()
}

func (m *WalletMetrics) IncTransactionStatus(status string) {
	m.numTxStatus.WithLabelValues(status).Inc()
}

type noop struct{}

func (noop) IncSubmission(string)        {}
func (noop) IncSubmissionFailure(string) {}
func (noop) IncUserOpPolled(string)      {}
func (noop) IncTransactionStatus(string) {}

// Noop discards all measurements
var Noop Recorder = noop{}

// OrNoop returns r, or Noop when r is nil
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return Noop
	}
	return r
}
