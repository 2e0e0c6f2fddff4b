package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const namespace = "surveycron"

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	logger zerolog.Logger

	// Scheduler metrics
	ticksTotal      prometheus.Counter
	tickErrorsTotal prometheus.Counter
	claimedTotal    prometheus.Counter
	tickDuration    prometheus.Histogram
	tickDrift       prometheus.Histogram
	dueRecordsSeen  prometheus.Histogram

	// Lease metrics
	claimAttemptsTotal *prometheus.CounterVec
	releasesTotal      *prometheus.CounterVec
	leaseLostTotal     prometheus.Counter

	// Executor metrics
	firingOutcomesTotal *prometheus.CounterVec
	deliveryDuration    *prometheus.HistogramVec
	firingsInFlight     prometheus.Gauge

	// EventBus metrics
	bufferSize      prometheus.Gauge
	emitErrorsTotal prometheus.Counter

	// Sweeper / leadership
	leasesSweptTotal prometheus.Counter
	isLeader         prometheus.Gauge
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink
// whose unregistered collectors still accept updates.
func NewPrometheusSink(reg prometheus.Registerer, logger zerolog.Logger) *PrometheusSink {
	s := &PrometheusSink{logger: logger}
	s.initSchedulerMetrics(reg)
	s.initLeaseMetrics(reg)
	s.initExecutorMetrics(reg)
	s.initEventBusMetrics(reg)
	s.initSweeperMetrics(reg)
	return s
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "ticks_total",
		Help: "Total number of scheduler polls processed.",
	})
	s.tickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "tick_errors_total",
		Help: "Total number of scheduler polls aborted by a store error.",
	})
	s.claimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "claimed_total",
		Help: "Total number of due records claimed and handed to workers.",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "tick_duration_seconds",
		Help:    "Duration of each scheduler poll in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
	s.tickDrift = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "tick_drift_seconds",
		Help:    "Difference between actual poll time and expected interval in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})
	s.dueRecordsSeen = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "due_records",
		Help:    "Number of due records returned per poll.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	s.register(reg, s.ticksTotal, "scheduler_ticks_total")
	s.register(reg, s.tickErrorsTotal, "scheduler_tick_errors_total")
	s.register(reg, s.claimedTotal, "scheduler_claimed_total")
	s.register(reg, s.tickDuration, "scheduler_tick_duration_seconds")
	s.register(reg, s.tickDrift, "scheduler_tick_drift_seconds")
	s.register(reg, s.dueRecordsSeen, "scheduler_due_records")
}

func (s *PrometheusSink) initLeaseMetrics(reg prometheus.Registerer) {
	s.claimAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "lease", Name: "claim_attempts_total",
		Help: "Lease claim attempts by result.",
	}, []string{"result"})
	s.releasesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "lease", Name: "releases_total",
		Help: "Lease releases by result.",
	}, []string{"result"})
	s.leaseLostTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "lease", Name: "lost_on_advance_total",
		Help: "Firings whose advancing write failed because the lease was taken over.",
	})

	s.register(reg, s.claimAttemptsTotal, "lease_claim_attempts_total")
	s.register(reg, s.releasesTotal, "lease_releases_total")
	s.register(reg, s.leaseLostTotal, "lease_lost_on_advance_total")
}

func (s *PrometheusSink) initExecutorMetrics(reg prometheus.Registerer) {
	s.firingOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "executor", Name: "firing_outcomes_total",
		Help: "Firing outcomes by reason.",
	}, []string{"reason"})
	s.deliveryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "executor", Name: "delivery_duration_seconds",
		Help:    "Survey delivery latency in seconds by status class.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"status_class"})
	s.firingsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "executor", Name: "firings_in_flight",
		Help: "Number of firings currently executing.",
	})

	s.register(reg, s.firingOutcomesTotal, "executor_firing_outcomes_total")
	s.register(reg, s.deliveryDuration, "executor_delivery_duration_seconds")
	s.register(reg, s.firingsInFlight, "executor_firings_in_flight")
}

func (s *PrometheusSink) initEventBusMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "eventbus", Name: "buffer_size",
		Help: "Current number of claimed firings waiting for a worker.",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "eventbus", Name: "emit_errors_total",
		Help: "Total number of emit errors (buffer full).",
	})

	s.register(reg, s.bufferSize, "eventbus_buffer_size")
	s.register(reg, s.emitErrorsTotal, "eventbus_emit_errors_total")
}

func (s *PrometheusSink) initSweeperMetrics(reg prometheus.Registerer) {
	s.leasesSweptTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "sweeper", Name: "expired_leases_swept_total",
		Help: "Total number of stale leases cleared by the sweeper.",
	})
	s.isLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "sweeper", Name: "is_leader",
		Help: "1 if this instance currently holds the sweeper leadership lock.",
	})

	s.register(reg, s.leasesSweptTotal, "sweeper_expired_leases_swept_total")
	s.register(reg, s.isLeader, "sweeper_is_leader")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.logger.Warn().Err(err).Str("metric", name).Msg("metrics: register failed")
	}
}

// Scheduler metrics implementation

func (s *PrometheusSink) TickStarted() {
	s.ticksTotal.Inc()
}

func (s *PrometheusSink) TickCompleted(duration time.Duration, claimed int, err error) {
	s.tickDuration.Observe(duration.Seconds())
	s.claimedTotal.Add(float64(claimed))
	if err != nil {
		s.tickErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) TickDrift(drift time.Duration) {
	d := drift.Seconds()
	if d < 0 {
		d = -d
	}
	s.tickDrift.Observe(d)
}

func (s *PrometheusSink) DueRecordsSeen(count int) {
	s.dueRecordsSeen.Observe(float64(count))
}

// Lease metrics implementation

func (s *PrometheusSink) ClaimAttempt(result string) {
	s.claimAttemptsTotal.WithLabelValues(result).Inc()
}

func (s *PrometheusSink) LeaseReleased(result string) {
	s.releasesTotal.WithLabelValues(result).Inc()
}

func (s *PrometheusSink) LeaseLostOnAdvance() {
	s.leaseLostTotal.Inc()
}

// Executor metrics implementation

func (s *PrometheusSink) FiringOutcome(reason string) {
	s.firingOutcomesTotal.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) DeliveryCompleted(statusClass string, duration time.Duration) {
	s.deliveryDuration.WithLabelValues(statusClass).Observe(duration.Seconds())
}

func (s *PrometheusSink) FiringsInFlightIncr() {
	s.firingsInFlight.Inc()
}

func (s *PrometheusSink) FiringsInFlightDecr() {
	s.firingsInFlight.Dec()
}

// EventBus metrics implementation

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}

// Sweeper metrics implementation

func (s *PrometheusSink) ExpiredLeasesSwept(count int) {
	s.leasesSweptTotal.Add(float64(count))
}

func (s *PrometheusSink) LeaderStatus(isLeader bool) {
	if isLeader {
		s.isLeader.Set(1)
		return
	}
	s.isLeader.Set(0)
}
