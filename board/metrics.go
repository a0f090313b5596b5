package board

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	ThreadsCreated       prometheus.Counter
	RepliesCreated       prometheus.Counter
	ModerationActions    *prometheus.CounterVec
	MediaReleaseFailures prometheus.Counter
}

// NewMetrics registers the board counters with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ThreadsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "msgboard_threads_created_total",
			Help: "Total number of threads created",
		}),
		RepliesCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "msgboard_replies_created_total",
			Help: "Total number of replies created",
		}),
		ModerationActions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "msgboard_moderation_actions_total",
			Help: "Total number of moderation actions applied",
		}, []string{"action"}),
		MediaReleaseFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "msgboard_media_release_failures_total",
			Help: "Media files that could not be deleted after their thread was removed",
		}),
	}
}
