package pagination

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for fetch sessions.
var (
	fetchSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetch_sessions_total",
		Help: "Total fetch sessions by result",
	}, []string{"result"}) // "complete", "first_page", "too_many_skipped", "cancelled"

	fetchSessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fetch_session_duration_seconds",
		Help:    "Fetch session duration in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	fetchPagesSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fetch_pages_skipped_total",
		Help: "Total pages given up on",
	})

	fetchInflightPages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fetch_inflight_pages",
		Help: "Page requests currently in flight",
	})

	fetchWavesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fetch_waves_total",
		Help: "Total waves scheduled",
	})

	fetchWaveSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fetch_wave_size",
		Help:    "Cursors per wave",
		Buckets: []float64{1, 2, 4, 6, 8, 10},
	})
)
