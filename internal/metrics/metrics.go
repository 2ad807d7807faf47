package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Experiment counters and histograms. Per-subsystem series carry the
// hardware subsystem id ("miob", "mo", "nu_lock", ...) as a label.

var (
	// Runlevel controller
	ControllerTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jokarus",
		Subsystem: "controller",
		Name:      "ticks_total",
		Help:      "Total runlevel controller ticks",
	})

	ControllerTickLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "jokarus",
		Subsystem: "controller",
		Name:      "tick_duration_seconds",
		Help:      "Controller tick resolution duration",
		Buckets:   []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025},
	})

	ControllerLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "jokarus",
		Subsystem: "controller",
		Name:      "runlevel",
		Help:      "Current runlevel as its ordinal (0=undefined .. 7=balanced)",
	})

	ControllerTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jokarus",
		Subsystem: "controller",
		Name:      "transitions_total",
		Help:      "Total runlevel transitions",
	}, []string{"from", "to"})

	ControllerDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jokarus",
		Subsystem: "controller",
		Name:      "decisions_total",
		Help:      "Total tick decisions by outcome",
	}, []string{"decision"})

	ControllerPrelockRetries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "jokarus",
		Subsystem: "controller",
		Name:      "prelock_retries",
		Help:      "Consecutive failed lock acquisition attempts",
	})

	// Actuation
	ActuationCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jokarus",
		Subsystem: "actuation",
		Name:      "commands_total",
		Help:      "Total commands dispatched to hardware",
	}, []string{"target", "action"})

	ActuationAcksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jokarus",
		Subsystem: "actuation",
		Name:      "acks_total",
		Help:      "Total command acknowledgements received",
	}, []string{"target"})

	ActuationTimeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jokarus",
		Subsystem: "actuation",
		Name:      "timeouts_total",
		Help:      "Total commands that missed their acknowledgement deadline",
	}, []string{"target"})

	ActuationPendingCommands = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "jokarus",
		Subsystem: "actuation",
		Name:      "pending_commands",
		Help:      "Commands dispatched and not yet acknowledged",
	})

	ActuationAckLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "jokarus",
		Subsystem: "actuation",
		Name:      "ack_duration_seconds",
		Help:      "Dispatch-to-acknowledgement round trip",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"target"})

	// Subsystem health
	HealthReportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jokarus",
		Subsystem: "health",
		Name:      "reports_total",
		Help:      "Total readings accepted per subsystem",
	}, []string{"subsystem"})

	HealthFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jokarus",
		Subsystem: "health",
		Name:      "failures_total",
		Help:      "Total failed poll attempts per subsystem",
	}, []string{"subsystem"})

	HealthPollLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "jokarus",
		Subsystem: "health",
		Name:      "poll_duration_seconds",
		Help:      "Hardware poll round trip per subsystem",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"subsystem"})

	HostCPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "jokarus",
		Subsystem: "host",
		Name:      "cpu_percent",
		Help:      "Payload computer CPU utilisation",
	})

	HostMemoryPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "jokarus",
		Subsystem: "host",
		Name:      "memory_percent",
		Help:      "Payload computer memory utilisation",
	})

	// Correlator
	CorrelatorRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jokarus",
		Subsystem: "correlator",
		Name:      "runs_total",
		Help:      "Total spectrum correlation runs",
	})

	CorrelatorErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jokarus",
		Subsystem: "correlator",
		Name:      "errors_total",
		Help:      "Total correlation runs rejected by kind",
	}, []string{"kind"})

	CorrelatorConfidence = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "jokarus",
		Subsystem: "correlator",
		Name:      "confidence",
		Help:      "Confidence of the latest successful correlation",
	})

	CorrelatorOffset = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "jokarus",
		Subsystem: "correlator",
		Name:      "offset_samples",
		Help:      "Offset of the latest successful correlation in reference samples",
	})

	CorrelatorRunLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "jokarus",
		Subsystem: "correlator",
		Name:      "run_duration_seconds",
		Help:      "Spectrum correlation duration",
		Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	})

	// Flight signal wires
	FlightEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jokarus",
		Subsystem: "flight",
		Name:      "events_total",
		Help:      "Total flight wire edges decoded",
	}, []string{"line"})

	// Telemetry fan-out
	TelemetryFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jokarus",
		Subsystem: "telemetry",
		Name:      "frames_total",
		Help:      "Total telemetry frames published",
	}, []string{"kind"})

	TelemetryClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "jokarus",
		Subsystem: "telemetry",
		Name:      "clients_connected",
		Help:      "Currently connected telemetry websocket clients",
	})

	TelemetryDroppedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jokarus",
		Subsystem: "telemetry",
		Name:      "dropped_frames_total",
		Help:      "Frames dropped because a client buffer was full",
	}, []string{"kind"})

	DownlinkPublishesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jokarus",
		Subsystem: "downlink",
		Name:      "publishes_total",
		Help:      "Total frames handed to the MQTT downlink",
	}, []string{"kind"})

	DownlinkErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jokarus",
		Subsystem: "downlink",
		Name:      "errors_total",
		Help:      "Total MQTT publish failures",
	})

	RecorderFramesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jokarus",
		Subsystem: "recorder",
		Name:      "frames_written_total",
		Help:      "Total frames appended to the flight recording",
	})

	RecorderBytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jokarus",
		Subsystem: "recorder",
		Name:      "bytes_written_total",
		Help:      "Total compressed bytes appended to the flight recording",
	})

	// Subsystem transport
	TransportReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jokarus",
		Subsystem: "transport",
		Name:      "reconnects_total",
		Help:      "Total websocket reconnects per hardware endpoint",
	}, []string{"subsystem"})

	TransportReadErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jokarus",
		Subsystem: "transport",
		Name:      "read_errors_total",
		Help:      "Total websocket read errors per hardware endpoint",
	}, []string{"subsystem"})

	// Operator API
	OperatorRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jokarus",
		Subsystem: "operator",
		Name:      "requests_total",
		Help:      "Total operator API requests",
	}, []string{"route", "status"})

	OperatorRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jokarus",
		Subsystem: "operator",
		Name:      "rate_limited_total",
		Help:      "Total operator API requests rejected by the rate limiter",
	})

	// Mission profile
	ProfileReloadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jokarus",
		Subsystem: "profile",
		Name:      "reloads_total",
		Help:      "Total mission profile reloads applied",
	})

	ProfileReloadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jokarus",
		Subsystem: "profile",
		Name:      "reload_errors_total",
		Help:      "Total mission profile reloads rejected",
	})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jokarus",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts delivered per channel and type",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jokarus",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts suppressed by the cooldown window",
	}, []string{"channel", "type"})

	AlertSendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jokarus",
		Subsystem: "alert",
		Name:      "send_errors_total",
		Help:      "Total alert delivery failures",
	})

	// Circuit breaker
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "jokarus",
		Subsystem: "circuitbreaker",
		Name:      "state",
		Help:      "Breaker state (0=closed, 1=half-open, 2=open)",
	}, []string{"name"})

	CircuitBreakerTripsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jokarus",
		Subsystem: "circuitbreaker",
		Name:      "trips_total",
		Help:      "Total breaker open transitions",
	}, []string{"name"})
)
