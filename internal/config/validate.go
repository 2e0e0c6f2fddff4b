package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/djlord-it/surveycron/internal/logx"
)

// ValidationError names the variable at fault.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidationErrors collects every problem found in one pass so an operator
// can fix them together.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return ""
	case 1:
		return e[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d validation errors:", len(e))
	for _, v := range e {
		b.WriteString("\n  - ")
		b.WriteString(v.Error())
	}
	return b.String()
}

type checker struct {
	errs ValidationErrors
}

func (c *checker) failf(field, format string, args ...any) {
	c.errs = append(c.errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate returns nil or ValidationErrors.
func Validate(cfg Config) error {
	var c checker

	if cfg.DatabaseURL == "" {
		c.failf("DATABASE_URL", "required")
	}

	durs := c.durations(cfg)
	lease, okLease := durs["LEASE_DURATION"]
	timeout, okTimeout := durs["DELIVERY_TIMEOUT"]
	if okLease && okTimeout && timeout >= lease {
		// A delivery still running when the lease ends could race a second firing.
		c.failf("DELIVERY_TIMEOUT", "must be shorter than LEASE_DURATION (%s >= %s)", timeout, lease)
	}

	if cfg.WorkerCount < 1 {
		c.failf("WORKER_COUNT", "must be at least 1")
	}
	if cfg.LogFormat != "" && !logx.ValidFormat(cfg.LogFormat) {
		c.failf("LOG_FORMAT", "must be 'console' or 'json', got %q", cfg.LogFormat)
	}
	if cfg.CircuitBreakerThreshold < 0 {
		c.failf("CIRCUIT_BREAKER_THRESHOLD", "must not be negative")
	}

	if len(c.errs) == 0 {
		return nil
	}
	return c.errs
}

// durations parses every set duration variable. Unset ones were defaulted by
// Load and are skipped.
func (c *checker) durations(cfg Config) map[string]time.Duration {
	out := make(map[string]time.Duration)
	for _, d := range cfg.durations() {
		if d.str == "" {
			continue
		}
		v, err := time.ParseDuration(d.str)
		switch {
		case err != nil:
			c.failf(d.env, "invalid duration: %v", err)
		case v <= 0:
			c.failf(d.env, "must be positive")
		default:
			out[d.env] = v
		}
	}
	return out
}
