package metrics

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/djlord-it/surveycron/internal/circuitbreaker"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
type Sink interface {
	// Scheduler metrics
	TickStarted()
	TickCompleted(duration time.Duration, claimed int, err error)
	TickDrift(drift time.Duration)
	DueRecordsSeen(count int)

	// Lease metrics
	ClaimAttempt(result string)
	LeaseReleased(result string)
	LeaseLostOnAdvance()

	// Executor metrics
	FiringOutcome(reason string)
	DeliveryCompleted(statusClass string, duration time.Duration)
	FiringsInFlightIncr()
	FiringsInFlightDecr()

	// EventBus metrics
	BufferSizeUpdate(size int)
	EmitError()

	// Sweeper / leadership
	ExpiredLeasesSwept(count int)
	LeaderStatus(isLeader bool)
}

// Result constants for ClaimAttempt.
const (
	ClaimClaimed       = "claimed"
	ClaimAlreadyLeased = "already_leased"
	ClaimError         = "error"
)

// Result constants for LeaseReleased.
const (
	ReleaseOK        = "released"
	ReleaseNotHolder = "not_holder"
	ReleaseError     = "error"
)

// StatusClass constants for DeliveryCompleted.
const (
	StatusClass2xx             = "2xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassCircuitOpen     = "circuit_open"
	StatusClassOtherError      = "other_error"
)

// ClassifyStatus maps a delivery's HTTP status and error to a status class.
// Transport-level errors win over the status code.
func ClassifyStatus(statusCode int, err error) string {
	if err != nil {
		var netErr net.Error
		var opErr *net.OpError
		var dnsErr *net.DNSError
		switch {
		case errors.Is(err, circuitbreaker.ErrCircuitOpen):
			return StatusClassCircuitOpen
		case errors.Is(err, context.DeadlineExceeded),
			errors.As(err, &netErr) && netErr.Timeout():
			return StatusClassTimeout
		case errors.As(err, &dnsErr),
			errors.As(err, &opErr) && opErr.Op == "dial":
			return StatusClassConnectionError
		}
		if statusCode == 0 {
			return StatusClassOtherError
		}
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusClass2xx
	case statusCode >= 400 && statusCode < 500:
		return StatusClass4xx
	case statusCode >= 500:
		return StatusClass5xx
	default:
		return StatusClassOtherError
	}
}
