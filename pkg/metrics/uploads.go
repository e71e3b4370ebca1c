package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// UploadMetrics collects upload admission, queue, and governor metrics.
// A nil *UploadMetrics is valid and records nothing.
type UploadMetrics struct {
	enqueued      prometheus.Counter
	rejections    *prometheus.CounterVec
	outcomes      *prometheus.CounterVec
	bytesSent     *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
	usedSlots     *prometheus.GaugeVec
	grantedBytes  *prometheus.CounterVec
	refundedBytes *prometheus.CounterVec
	governorWaits prometheus.Histogram
	activeUploads prometheus.Gauge
}

// NewUploadMetrics creates the upload collectors on the process registry.
// Returns nil when metrics are disabled.
func NewUploadMetrics() *UploadMetrics {
	if !IsEnabled() {
		return nil
	}
	reg := GetRegistry()

	return &UploadMetrics{
		enqueued: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "soulseekd_uploads_enqueued_total",
			Help: "Upload requests accepted by admission",
		}),
		rejections: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "soulseekd_uploads_rejected_total",
			Help: "Upload requests rejected by admission, by reason",
		}, []string{"reason"}),
		outcomes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "soulseekd_uploads_completed_total",
			Help: "Uploads reaching a terminal state, by outcome",
		}, []string{"outcome"}),
		bytesSent: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "soulseekd_uploads_bytes_total",
			Help: "Bytes transferred to peers, by group",
		}, []string{"group"}),
		queueDepth: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "soulseekd_queue_depth",
			Help: "Uploads waiting or in progress, by group",
		}, []string{"group"}),
		usedSlots: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "soulseekd_queue_used_slots",
			Help: "Upload slots currently held, by group",
		}, []string{"group"}),
		grantedBytes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "soulseekd_governor_granted_bytes_total",
			Help: "Bytes granted by the governor, by group",
		}, []string{"group"}),
		refundedBytes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "soulseekd_governor_refunded_bytes_total",
			Help: "Bytes returned unused to the governor, by group",
		}, []string{"group"}),
		governorWaits: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "soulseekd_governor_wait_seconds",
			Help:    "Time spent waiting for governor tokens",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		activeUploads: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "soulseekd_uploads_active",
			Help: "Lifecycle tasks currently running",
		}),
	}
}

// RecordEnqueued counts an accepted upload request.
func (m *UploadMetrics) RecordEnqueued() {
	if m == nil {
		return
	}
	m.enqueued.Inc()
}

// RecordRejection counts a rejected upload request.
func (m *UploadMetrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

// RecordOutcome counts a terminal upload state.
func (m *UploadMetrics) RecordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
}

// RecordBytesSent accumulates transferred bytes for a group.
func (m *UploadMetrics) RecordBytesSent(group string, n int64) {
	if m == nil {
		return
	}
	m.bytesSent.WithLabelValues(group).Add(float64(n))
}

// SetQueueDepth publishes the per-group queue depth.
func (m *UploadMetrics) SetQueueDepth(group string, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(group).Set(float64(n))
}

// SetUsedSlots publishes the per-group held slot count.
func (m *UploadMetrics) SetUsedSlots(group string, n int) {
	if m == nil {
		return
	}
	m.usedSlots.WithLabelValues(group).Set(float64(n))
}

// RecordGrant accumulates governor token grants for a group.
func (m *UploadMetrics) RecordGrant(group string, n int) {
	if m == nil {
		return
	}
	m.grantedBytes.WithLabelValues(group).Add(float64(n))
}

// RecordRefund accumulates governor token refunds for a group.
func (m *UploadMetrics) RecordRefund(group string, n int) {
	if m == nil {
		return
	}
	m.refundedBytes.WithLabelValues(group).Add(float64(n))
}

// ObserveGovernorWait records how long an acquire blocked.
func (m *UploadMetrics) ObserveGovernorWait(seconds float64) {
	if m == nil {
		return
	}
	m.governorWaits.Observe(seconds)
}

// UploadStarted increments the active lifecycle task gauge.
func (m *UploadMetrics) UploadStarted() {
	if m == nil {
		return
	}
	m.activeUploads.Inc()
}

// UploadFinished decrements the active lifecycle task gauge.
func (m *UploadMetrics) UploadFinished() {
	if m == nil {
		return
	}
	m.activeUploads.Dec()
}
