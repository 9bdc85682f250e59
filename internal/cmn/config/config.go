package config

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Config holds the resolved configuration for all jobmon services. Sections
// irrelevant to the loading service keep their zero values.
type Config struct {
	Core        Core
	HTTP        HTTP
	DB          DB
	Server      Server
	Heartbeat   Heartbeat
	Distributor Distributor
	Swarm       Swarm
	Reaper      Reaper
	Telemetry   Telemetry
	Paths       Paths

	// Warnings collects non-fatal problems found while loading.
	Warnings []string
}

// Core holds settings that apply to every service.
type Core struct {
	Debug     bool
	LogFormat string // "text" or "json"
	Quiet     bool
}

// HTTP configures the client-side requester used by swarm, distributor,
// worker nodes, and the CLI.
type HTTP struct {
	// ServiceURL is the base URL of the jobmon server, e.g. "http://localhost:8070".
	ServiceURL string
	// RequestTimeout bounds a single HTTP request.
	RequestTimeout time.Duration
	// RetriesTimeout bounds the total time spent retrying a request that
	// fails with a retryable status (connection errors, 5xx, 423).
	RetriesTimeout time.Duration
	// RetryInitialInterval seeds the exponential backoff between retries.
	RetryInitialInterval time.Duration
	// RetryMaxInterval caps the backoff between retries.
	RetryMaxInterval time.Duration
}

// DB configures the relational state store.
type DB struct {
	// URI is the database connection string. Schemes "postgres://" and
	// "postgresql://" select the postgres dialect; everything else is
	// treated as a sqlite path.
	URI             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// AutoMigrate applies pending schema migrations at startup.
	AutoMigrate bool
}

// Server configures the HTTP API service.
type Server struct {
	Host string
	Port int
	// UpdateStatusMaxIDs rejects bulk task status updates larger than this.
	UpdateStatusMaxIDs int
}

// Addr returns the host:port the server binds to.
func (s Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Heartbeat configures liveness reporting. A reporter is considered lost when
// now exceeds its report_by_date, which is set to interval * buffer ahead on
// every heartbeat.
type Heartbeat struct {
	WorkflowRunInterval  time.Duration
	TaskInstanceInterval time.Duration
	ReportByBuffer       float64
}

// WorkflowRunReportBy returns the report-by increment for workflow runs.
func (h Heartbeat) WorkflowRunReportBy() time.Duration {
	return time.Duration(float64(h.WorkflowRunInterval) * h.ReportByBuffer)
}

// TaskInstanceReportBy returns the report-by increment for task instances.
func (h Heartbeat) TaskInstanceReportBy() time.Duration {
	return time.Duration(float64(h.TaskInstanceInterval) * h.ReportByBuffer)
}

// Distributor configures the task instance distributor service.
type Distributor struct {
	// PollInterval is the pause between distributor work loops.
	PollInterval time.Duration
	// TickBudget bounds how long one loop iteration may spend executing
	// queued commands before yielding.
	TickBudget time.Duration
	// StartupTimeout bounds how long a parent waits for the spawned
	// distributor process to report alive on stderr.
	StartupTimeout time.Duration
	// StateDir is locked on startup so two distributors do not share
	// submission state for the same cluster.
	StateDir string
}

// Swarm configures the per-workflow-run orchestrator.
type Swarm struct {
	// SyncInterval is the pause between status synchronization rounds.
	SyncInterval time.Duration
	// WorkflowTimeout aborts a workflow run that exceeds this wall time.
	// Zero means no timeout.
	WorkflowTimeout time.Duration
}

// Reaper configures the lost workflow run reaper.
type Reaper struct {
	PollInterval time.Duration
	// InconsistencyStep is the id-range width for each status repair sweep.
	InconsistencyStep int64
	// MaintenanceSchedule is a cron expression for status repair sweeps.
	// Empty disables scheduled repair.
	MaintenanceSchedule string
	Slack               SlackConfig
}

// SlackConfig configures optional reaper notifications.
type SlackConfig struct {
	Token   string
	Channel string
}

// Enabled reports whether notifications are configured.
func (s SlackConfig) Enabled() bool {
	return s.Token != "" && s.Channel != ""
}

// Telemetry configures metrics and tracing.
type Telemetry struct {
	OTLP OTLPConfig
}

// OTLPConfig configures the optional OpenTelemetry trace exporter.
type OTLPConfig struct {
	Enabled  bool
	Endpoint string
	// Protocol selects the exporter transport: "grpc" or "http".
	Protocol string
	Insecure bool
	Headers  map[string]string
	Timeout  time.Duration
}

// Paths holds filesystem locations resolved at load time.
type Paths struct {
	DataDir        string
	LogDir         string
	ConfigFileUsed string
}

// Validate checks cross-field constraints that viper cannot express.
// Sections left at zero values (not loaded for this service) are skipped.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Heartbeat.ReportByBuffer != 0 && c.Heartbeat.ReportByBuffer < 1.0 {
		return fmt.Errorf("heartbeat report-by buffer must be >= 1.0, got %v", c.Heartbeat.ReportByBuffer)
	}
	if c.Telemetry.OTLP.Enabled {
		switch c.Telemetry.OTLP.Protocol {
		case "grpc", "http":
		default:
			return fmt.Errorf("invalid otlp protocol: %q", c.Telemetry.OTLP.Protocol)
		}
	}
	return nil
}
