package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "liveview_active_sessions",
		Help: "Number of signaling sessions held by the registry",
	})

	SessionsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "liveview_sessions_started_total",
		Help: "Total number of signaling sessions started",
	})

	SessionStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "liveview_session_state_transitions_total",
		Help: "Signaling session state transitions",
	}, []string{"state"})

	SessionFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "liveview_session_failures_total",
		Help: "Total number of failed signaling sessions",
	}, []string{"kind"}) // "network" | "protocol" | "state" | "other"

	MediaErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "liveview_media_errors_total",
		Help: "Inbound media conditions reported without failing the session",
	})

	StaleResultsDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "liveview_stale_results_discarded_total",
		Help: "Network results that arrived after their session closed",
	}, []string{"op"})

	NegotiationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "liveview_negotiation_seconds",
		Help:    "Time from session start to Connected",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
	})

	TracksBoundTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "liveview_tracks_bound_total",
		Help: "Inbound tracks bound to a display sink",
	}, []string{"kind"})

	SinkPacketsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "liveview_sink_packets_total",
		Help: "RTP packets read by display sinks",
	})

	SinkBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "liveview_sink_bytes_total",
		Help: "RTP payload bytes read by display sinks",
	})

	StatusSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "liveview_status_subscribers",
		Help: "Connected status websocket subscribers",
	})

	ActiveWatchers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "liveview_active_watchers",
		Help: "Browser connections receiving forwarded media",
	})

	FloorPlanFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "liveview_floorplan_fetches_total",
		Help: "Floor-plan image fetch attempts",
	}, []string{"result"}) // "ok" | "unchanged" | "error"

	ConfigReloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "liveview_config_reloads_total",
		Help: "Number of configuration reloads",
	})
)
