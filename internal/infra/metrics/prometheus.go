package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsAssignedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "framecache_jobs_assigned_total",
		Help: "Total number of extraction jobs handed to workers",
	})

	JobsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "framecache_jobs_finished_total",
		Help: "Total number of extraction jobs finished, by status",
	}, []string{"status"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "framecache_job_duration_seconds",
		Help:    "Time from job assignment to result, by status",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"status"})

	ExtractRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "framecache_extract_rejected_total",
		Help: "Extraction requests not scheduled immediately, by reason",
	}, []string{"reason"})

	ExtractQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "framecache_extract_queue_length",
		Help: "Extraction requests waiting for idle workers",
	})

	StaleResultsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "framecache_stale_results_total",
		Help: "Frame results discarded because a newer source was loaded",
	})

	WorkerErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "framecache_worker_errors_total",
		Help: "Workers that became permanently errored",
	})

	WorkersByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "framecache_workers",
		Help: "Number of decode workers in each lifecycle state",
	}, []string{"state"})

	UnknownMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "framecache_unknown_messages_total",
		Help: "Worker messages with an unrecognised type",
	})

	FramesCachedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "framecache_frames_cached_total",
		Help: "Frames written to the cache, by origin",
	}, []string{"origin"})

	CacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "framecache_cache_entries",
		Help: "Frames currently held in the cache",
	})

	CacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "framecache_cache_bytes",
		Help: "Encoded bytes currently held in the cache",
	})

	CacheEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "framecache_cache_evictions_total",
		Help: "Frames evicted to stay within the byte budget",
	})

	PlaybackLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "framecache_playback_lookups_total",
		Help: "Cache lookups made by the playback view, by result",
	}, []string{"result"})

	RendersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "framecache_renders_total",
		Help: "Frames drawn by the playback view, by origin",
	}, []string{"origin"})

	SeekDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "framecache_live_seek_duration_seconds",
		Help:    "Time for the live decoder to complete a seek",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	EventSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "framecache_event_subscribers",
		Help: "Websocket clients subscribed to session events",
	})

	EventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "framecache_events_dropped_total",
		Help: "Events not delivered to a subscriber whose buffer was full",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "framecache_http_requests_total",
		Help: "Control API requests, by route and status code",
	}, []string{"route", "code"})

	PrefetchStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "framecache_prefetch_stage_duration_seconds",
		Help:    "Duration of each prefetch stage",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"stage"})
)
