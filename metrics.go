package vylog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// vylogMetrics is one struct of pre-registered collectors, built once at
// construction time via promauto.
type vylogMetrics struct {
	recordsWritten          prometheus.Counter
	bytesWritten            prometheus.Counter
	txCommits               prometheus.Counter
	txAborts                *prometheus.CounterVec
	rotations               prometheus.Counter
	recoveryRecordsReplayed prometheus.Counter
	recoveryDuration        prometheus.Histogram
	lastRotationAgeSeconds  prometheus.Gauge
}

func newVylogMetrics(reg prometheus.Registerer) *vylogMetrics {
	return &vylogMetrics{
		recordsWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "vylog_records_written",
			Help: "vylog_records_written counts the number of structural records" +
				" successfully committed to the journal.",
		}),
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "vylog_bytes_written",
			Help: "vylog_bytes_written counts the encoded payload bytes written," +
				" excluding frame headers.",
		}),
		txCommits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "vylog_tx_commits",
			Help: "vylog_tx_commits counts successful TxCommit/TxTryCommit calls.",
		}),
		txAborts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "vylog_tx_aborts",
				Help: "vylog_tx_aborts counts failed transaction commits, labeled by reason.",
			},
			[]string{"reason"},
		),
		rotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "vylog_rotations",
			Help: "vylog_rotations counts how many times the journal has been rotated.",
		}),
		recoveryRecordsReplayed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "vylog_recovery_records_replayed",
			Help: "vylog_recovery_records_replayed counts records applied while" +
				" rebuilding the in-memory model on recovery.",
		}),
		recoveryDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name: "vylog_recovery_duration_seconds",
			Help: "vylog_recovery_duration_seconds observes how long a full" +
				" recovery scan of a journal takes.",
		}),
		lastRotationAgeSeconds: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "vylog_last_rotation_age_seconds",
			Help: "vylog_last_rotation_age_seconds is set each time rotation" +
				" completes and describes how long the prior journal lived.",
		}),
	}
}
