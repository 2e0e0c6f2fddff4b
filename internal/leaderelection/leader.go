// Package leaderelection picks one process to run singleton duties using a
// Postgres session-scoped advisory lock.
//
// The lock lives as long as a dedicated connection. There is no TTL and no
// renewal: if the connection dies, Postgres drops the lock server-side (when
// depends on TCP keepalive). The heartbeat only notices local connection
// death so the leader stops its duties promptly.
//
// Only the lease sweeper runs under the leader. Firing does not: every
// process polls and claims, and record leases arbitrate.
package leaderelection

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"
)

const (
	lockQuery   = "SELECT pg_try_advisory_lock($1)"
	unlockQuery = "SELECT pg_advisory_unlock($1)"

	unlockTimeout = 5 * time.Second
)

// loss says why a term of leadership ended.
type loss string

const (
	lossNone     loss = ""          // never became leader
	lossShutdown loss = "shutdown"  // ctx cancelled
	lossConn     loss = "conn_lost" // heartbeat failed
)

// MetricsSink is the subset of metrics the elector reports.
type MetricsSink interface {
	LeaderStatus(isLeader bool)
}

type Elector struct {
	db                *sql.DB
	lockKey           int64
	retryInterval     time.Duration // follower: pause between lock attempts
	heartbeatInterval time.Duration // leader: pause between pings
	onElected         func(ctx context.Context)
	onDemoted         func()
	metrics           MetricsSink // optional, nil = disabled
	logger            zerolog.Logger
}

// New creates an Elector.
//
// onElected runs in its own goroutine once the lock is taken; its context is
// cancelled when leadership ends. onDemoted runs synchronously after that and
// must block until the duties have stopped.
func New(
	db *sql.DB,
	lockKey int64,
	retryInterval, heartbeatInterval time.Duration,
	onElected func(ctx context.Context),
	onDemoted func(),
) *Elector {
	return &Elector{
		db:                db,
		lockKey:           lockKey,
		retryInterval:     retryInterval,
		heartbeatInterval: heartbeatInterval,
		onElected:         onElected,
		onDemoted:         onDemoted,
		logger:            zerolog.Nop(),
	}
}

func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

func (e *Elector) WithLogger(logger zerolog.Logger) *Elector {
	e.logger = logger
	return e
}

// Run campaigns for leadership until ctx is cancelled.
func (e *Elector) Run(ctx context.Context) {
	e.logger.Info().
		Int64("lock_key", e.lockKey).
		Dur("retry", e.retryInterval).
		Dur("heartbeat", e.heartbeatInterval).
		Msg("leader: campaigning")

	retry := time.NewTimer(0)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("leader: stopped campaigning")
			return
		case <-retry.C:
		}

		if reason := e.campaign(ctx); reason == lossConn {
			e.logger.Warn().Str("reason", string(reason)).Dur("retry_in", e.retryInterval).Msg("leader: lost leadership")
		}
		retry.Reset(e.retryInterval)
	}
}

// campaign makes one attempt at the lock and, if it wins, leads until the
// term ends.
func (e *Elector) campaign(ctx context.Context) loss {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("leader: no dedicated connection")
		return lossNone
	}
	defer conn.Close()

	won, err := e.acquire(ctx, conn)
	if err != nil {
		e.logger.Warn().Err(err).Msg("leader: lock attempt failed")
		return lossNone
	}
	if !won {
		e.logger.Debug().Int64("lock_key", e.lockKey).Msg("leader: another instance leads")
		return lossNone
	}

	e.logger.Info().Int64("lock_key", e.lockKey).Msg("leader: elected")
	e.report(true)

	termCtx, endTerm := context.WithCancel(ctx)
	go e.onElected(termCtx)
	reason := e.lead(ctx, conn)
	endTerm()
	e.onDemoted()
	e.report(false)

	// Close hands the connection back to the pool, where the session lock
	// would survive; a clean shutdown has to drop it first.
	if reason == lossShutdown {
		e.resign(conn)
	}
	e.logger.Info().Str("reason", string(reason)).Msg("leader: term ended")
	return reason
}

func (e *Elector) acquire(ctx context.Context, conn *sql.Conn) (bool, error) {
	var won bool
	err := conn.QueryRowContext(ctx, lockQuery, e.lockKey).Scan(&won)
	return won, err
}

// lead pings the dedicated connection until ctx ends or a ping fails.
func (e *Elector) lead(ctx context.Context, conn *sql.Conn) loss {
	heartbeat := time.NewTicker(e.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return lossShutdown
		case <-heartbeat.C:
		}
		if err := conn.PingContext(ctx); err != nil {
			if ctx.Err() != nil {
				return lossShutdown
			}
			e.logger.Error().Err(err).Msg("leader: heartbeat failed")
			return lossConn
		}
	}
}

func (e *Elector) resign(conn *sql.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
	defer cancel()

	var released bool
	if err := conn.QueryRowContext(ctx, unlockQuery, e.lockKey).Scan(&released); err != nil {
		e.logger.Warn().Err(err).Msg("leader: unlock failed, lock ends with the session")
		return
	}
	if !released {
		e.logger.Warn().Int64("lock_key", e.lockKey).Msg("leader: unlock found no lock held")
	}
}

func (e *Elector) report(isLeader bool) {
	if e.metrics != nil {
		e.metrics.LeaderStatus(isLeader)
	}
}
