package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/djlord-it/surveycron/internal/config"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

// exitError carries a process exit code through cobra's error return.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

const envHelp = `Environment Variables:
  DATABASE_URL                PostgreSQL connection string (required)
  REDIS_ADDR                  Redis address for outcome analytics (optional)
  HTTP_ADDR                   HTTP server address (default: ":8080", falls back to PORT)

  TICK_INTERVAL               Poll interval (default: "30s")
  POLL_BATCH_SIZE             Max due records fetched per poll (default: "100")
  LEASE_DURATION              Lease taken on a claimed record (default: "2m")
  DELIVERY_TIMEOUT            Bound on one survey delivery, must be < LEASE_DURATION (default: "30s")
  WORKER_COUNT                Concurrent firings per process (default: "4")
  WORKER_ID                   Lease holder id (default: generated)
  WORKER_DRAIN_TIMEOUT        Time to drain claimed firings on shutdown (default: "30s")
  EVENTBUS_BUFFER_SIZE        Claimed firings buffered between poll and workers (default: "100")

  DB_OP_TIMEOUT               Database operation timeout (default: "5s")
  DB_MAX_OPEN_CONNS           Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS           Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME        Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME       Max connection idle time (default: "5m")
  HTTP_SHUTDOWN_TIMEOUT       Graceful HTTP shutdown timeout (default: "10s")

  METRICS_ENABLED             Enable Prometheus metrics (default: "false")
  METRICS_PATH                Metrics endpoint path (default: "/metrics")
  METRICS_PORT                Metrics server port (default: "9090")

  SWEEP_ENABLED               Clear stale lease fields on the leader (default: "true")
  SWEEP_INTERVAL              How often to sweep (default: "5m")
  SWEEP_BATCH_SIZE            Max leases cleared per sweep (default: "100")
  LEADER_LOCK_KEY             Advisory lock key shared by all instances (default: "728380")
  LEADER_RETRY_INTERVAL       Follower lock retry interval (default: "5s")
  LEADER_HEARTBEAT_INTERVAL   Leader connection ping interval (default: "2s")

  DELIVERY_URL                Survey gateway endpoint (empty: surveys are logged)
  DELIVERY_SECRET             HMAC-SHA256 signing secret for the gateway
  DELIVERY_RATE_PER_SEC       Outbound request rate limit (default: "0", unlimited)
  CIRCUIT_BREAKER_THRESHOLD   Consecutive failures before opening, 0 disables (default: "5")
  CIRCUIT_BREAKER_COOLDOWN    Time before a half-open probe (default: "2m")

  LOG_LEVEL                   debug, info, warn, error (default: "info")
  LOG_FORMAT                  console or json (default: "json")`

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the CLI and maps the outcome to a process exit code.
func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)

	err := root.Execute()
	if err == nil {
		return exitSuccess
	}
	fmt.Fprintln(stderr, err)

	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitRuntimeError
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:   "surveycron",
		Short: "surveycron - recurring patient survey scheduler",
		Long: `surveycron fires patient surveys on cron schedules.

Every process polls the schedule store for due records, claims them with a
lease and delivers the survey; any number of processes may share one database.

` + envHelp,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				return withCode(exitInvalidConfig, err)
			}
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file read before the environment")

	root.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newValidateCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
	return root
}

func newServeCmd() *cobra.Command {
	var skipMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API, scheduler, workers and lease sweeper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadValidConfig()
			if err != nil {
				return err
			}
			return runServe(cfg, serveOptions{api: true, sweeper: cfg.SweepEnabled, migrate: !skipMigrate})
		},
	}
	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not apply the schema on startup")
	return cmd
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the scheduler and workers only (horizontal scale-out)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadValidConfig()
			if err != nil {
				return err
			}
			return runServe(cfg, serveOptions{})
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration (no connections made)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if err := config.Validate(cfg); err != nil {
				return withCode(exitInvalidConfig, err)
			}
			for _, w := range cfg.Warnings {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration valid")
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print effective configuration as JSON (secrets masked)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.Load().MaskedJSON()
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "surveycron version %s (commit: %s)\n", version, commit)
		},
	}
}

func loadValidConfig() (config.Config, error) {
	cfg := config.Load()
	if err := config.Validate(cfg); err != nil {
		return cfg, withCode(exitInvalidConfig, fmt.Errorf("configuration error: %w", err))
	}
	return cfg, nil
}
