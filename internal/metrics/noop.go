package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) TickStarted()                                                 {}
func (n *NoopSink) TickCompleted(duration time.Duration, claimed int, err error) {}
func (n *NoopSink) TickDrift(drift time.Duration)                                {}
func (n *NoopSink) DueRecordsSeen(count int)                                     {}
func (n *NoopSink) ClaimAttempt(result string)                                   {}
func (n *NoopSink) LeaseReleased(result string)                                  {}
func (n *NoopSink) LeaseLostOnAdvance()                                          {}
func (n *NoopSink) FiringOutcome(reason string)                                  {}
func (n *NoopSink) DeliveryCompleted(statusClass string, duration time.Duration) {}
func (n *NoopSink) FiringsInFlightIncr()                                         {}
func (n *NoopSink) FiringsInFlightDecr()                                         {}
func (n *NoopSink) BufferSizeUpdate(size int)                                    {}
func (n *NoopSink) EmitError()                                                   {}
func (n *NoopSink) ExpiredLeasesSwept(count int)                                 {}
func (n *NoopSink) LeaderStatus(isLeader bool)                                   {}
