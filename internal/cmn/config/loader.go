package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/jobmon-org/jobmon/internal/build"
)

// Service represents the type of service that is loading configuration.
// The loader only validates and defaults the sections the service needs.
type Service int

const (
	// ServiceNone indicates no specific service - loads all configuration.
	// Use this for CLI commands or when full configuration is needed.
	ServiceNone Service = iota

	// ServiceServer is the HTTP API server backed by the state store.
	ServiceServer

	// ServiceDistributor is the task instance distributor.
	ServiceDistributor

	// ServiceSwarm is the client-side workflow run orchestrator.
	ServiceSwarm

	// ServiceReaper is the lost workflow run reaper.
	ServiceReaper

	// ServiceWorkerNode is the per-task-instance worker shim.
	ServiceWorkerNode
)

// ConfigSection represents a specific section of the configuration using bit flags.
type ConfigSection uint16

const (
	// SectionNone means "always load regardless of service type".
	SectionNone        ConfigSection = 0
	SectionHTTP        ConfigSection = 1 << iota // 2
	SectionDB                                    // 4
	SectionServer                                // 8
	SectionHeartbeat                             // 16
	SectionDistributor                           // 32
	SectionSwarm                                 // 64
	SectionReaper                                // 128
	SectionTelemetry                             // 256

	// SectionAll combines all sections (useful for ServiceNone/CLI)
	SectionAll = SectionHTTP | SectionDB | SectionServer | SectionHeartbeat | SectionDistributor | SectionSwarm | SectionReaper | SectionTelemetry
)

// serviceRequirements maps services to their required config sections.
var serviceRequirements = map[Service]ConfigSection{
	ServiceNone:        SectionAll,
	ServiceServer:      SectionDB | SectionServer | SectionHeartbeat | SectionTelemetry,
	ServiceDistributor: SectionHTTP | SectionHeartbeat | SectionDistributor,
	ServiceSwarm:       SectionHTTP | SectionHeartbeat | SectionSwarm | SectionDistributor,
	ServiceReaper:      SectionHTTP | SectionReaper,
	ServiceWorkerNode:  SectionHTTP | SectionHeartbeat,
}

// ConfigLoader reads and merges configuration from file, environment,
// and defaults.
type ConfigLoader struct {
	v          *viper.Viper
	configFile string
	envFile    string
	homeDir    string
	service    Service
	warnings   []string
}

// ConfigLoaderOption defines a functional option for configuring a ConfigLoader.
type ConfigLoaderOption func(*ConfigLoader)

// WithConfigFile returns a ConfigLoaderOption that sets the configuration file path.
func WithConfigFile(configFile string) ConfigLoaderOption {
	return func(l *ConfigLoader) {
		l.configFile = configFile
	}
}

// WithEnvFile returns a ConfigLoaderOption that loads a dotenv file before
// reading environment overrides.
func WithEnvFile(envFile string) ConfigLoaderOption {
	return func(l *ConfigLoader) {
		l.envFile = envFile
	}
}

// WithHomeDir overrides the application home directory used for default paths.
func WithHomeDir(dir string) ConfigLoaderOption {
	return func(l *ConfigLoader) {
		l.homeDir = dir
	}
}

// WithService sets the service type, determining which configuration sections
// are validated.
func WithService(service Service) ConfigLoaderOption {
	return func(l *ConfigLoader) {
		l.service = service
	}
}

// requires checks if the loader's service requires the given config section.
func (l *ConfigLoader) requires(section ConfigSection) bool {
	req, ok := serviceRequirements[l.service]
	if !ok {
		req = SectionAll
	}
	return req&section != 0
}

// NewConfigLoader creates a ConfigLoader with the given viper instance and options.
func NewConfigLoader(v *viper.Viper, options ...ConfigLoaderOption) *ConfigLoader {
	loader := &ConfigLoader{v: v}
	for _, opt := range options {
		opt(loader)
	}
	return loader
}

// Load reads configuration files, applies defaults and environment overrides,
// and returns a validated Config instance.
func (l *ConfigLoader) Load() (*Config, error) {
	homeDir := l.homeDir
	if homeDir == "" {
		if env := os.Getenv(strings.ToUpper(build.Slug) + "_HOME"); env != "" {
			homeDir = env
		} else {
			homeDir = filepath.Join(xdg.DataHome, build.Slug)
		}
	}

	if l.envFile != "" {
		if err := godotenv.Load(l.envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", l.envFile, err)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		// Best effort; existing environment variables win.
		if err := godotenv.Load(".env"); err != nil {
			l.warnings = append(l.warnings, fmt.Sprintf("Failed to load .env: %v", err))
		}
	}

	l.setDefaults(homeDir)

	// JOBMON__SECTION__KEY environment overrides, e.g. JOBMON__DB__URI.
	l.v.SetEnvPrefix(strings.ToUpper(build.Slug) + "_")
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(filepath.Join(xdg.ConfigHome, build.Slug))
		l.v.AddConfigPath(homeDir)
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var def Definition
	if err := l.v.Unmarshal(&def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg, err := l.buildConfig(def, homeDir)
	if err != nil {
		return nil, fmt.Errorf("failed to build config: %w", err)
	}

	cfg.Paths.ConfigFileUsed = l.v.ConfigFileUsed()
	cfg.Warnings = l.warnings

	return cfg, nil
}

func (l *ConfigLoader) setDefaults(homeDir string) {
	// Core
	l.v.SetDefault("core.logformat", "text")

	// HTTP
	l.v.SetDefault("http.serviceurl", "http://localhost:8070")
	l.v.SetDefault("http.requesttimeout", "20s")
	l.v.SetDefault("http.retriestimeout", "2m")
	l.v.SetDefault("http.retryinitialinterval", "100ms")
	l.v.SetDefault("http.retrymaxinterval", "10s")

	// DB
	l.v.SetDefault("db.uri", filepath.Join(homeDir, "jobmon.db"))
	l.v.SetDefault("db.maxopenconns", 25)
	l.v.SetDefault("db.maxidleconns", 5)
	l.v.SetDefault("db.connmaxlifetime", "30m")
	l.v.SetDefault("db.automigrate", true)

	// Server
	l.v.SetDefault("server.host", "localhost")
	l.v.SetDefault("server.port", 8070)
	l.v.SetDefault("server.updatestatusmaxids", 10000)

	// Heartbeat
	l.v.SetDefault("heartbeat.workflowruninterval", "30s")
	l.v.SetDefault("heartbeat.taskinstanceinterval", "90s")
	l.v.SetDefault("heartbeat.reportbybuffer", 3.1)

	// Distributor
	l.v.SetDefault("distributor.pollinterval", "10s")
	l.v.SetDefault("distributor.tickbudget", "5s")
	l.v.SetDefault("distributor.startuptimeout", "30s")
	l.v.SetDefault("distributor.statedir", filepath.Join(homeDir, "distributor"))

	// Swarm
	l.v.SetDefault("swarm.syncinterval", "5s")

	// Reaper
	l.v.SetDefault("reaper.pollinterval", "10m")
	l.v.SetDefault("reaper.inconsistencystep", 2500)

	// Telemetry
	l.v.SetDefault("telemetry.otlp.protocol", "grpc")
}

// Definition is the raw shape unmarshalled by viper before validation.
type Definition struct {
	Core struct {
		Debug     bool   `mapstructure:"debug"`
		LogFormat string `mapstructure:"logformat"`
		Quiet     bool   `mapstructure:"quiet"`
	} `mapstructure:"core"`
	HTTP struct {
		ServiceURL           string `mapstructure:"serviceurl"`
		RequestTimeout       string `mapstructure:"requesttimeout"`
		RetriesTimeout       string `mapstructure:"retriestimeout"`
		RetryInitialInterval string `mapstructure:"retryinitialinterval"`
		RetryMaxInterval     string `mapstructure:"retrymaxinterval"`
	} `mapstructure:"http"`
	DB struct {
		URI             string `mapstructure:"uri"`
		MaxOpenConns    int    `mapstructure:"maxopenconns"`
		MaxIdleConns    int    `mapstructure:"maxidleconns"`
		ConnMaxLifetime string `mapstructure:"connmaxlifetime"`
		AutoMigrate     bool   `mapstructure:"automigrate"`
	} `mapstructure:"db"`
	Server struct {
		Host               string `mapstructure:"host"`
		Port               int    `mapstructure:"port"`
		UpdateStatusMaxIDs int    `mapstructure:"updatestatusmaxids"`
	} `mapstructure:"server"`
	Heartbeat struct {
		WorkflowRunInterval  string  `mapstructure:"workflowruninterval"`
		TaskInstanceInterval string  `mapstructure:"taskinstanceinterval"`
		ReportByBuffer       float64 `mapstructure:"reportbybuffer"`
	} `mapstructure:"heartbeat"`
	Distributor struct {
		PollInterval   string `mapstructure:"pollinterval"`
		TickBudget     string `mapstructure:"tickbudget"`
		StartupTimeout string `mapstructure:"startuptimeout"`
		StateDir       string `mapstructure:"statedir"`
	} `mapstructure:"distributor"`
	Swarm struct {
		SyncInterval    string `mapstructure:"syncinterval"`
		WorkflowTimeout string `mapstructure:"workflowtimeout"`
	} `mapstructure:"swarm"`
	Reaper struct {
		PollInterval        string `mapstructure:"pollinterval"`
		InconsistencyStep   int64  `mapstructure:"inconsistencystep"`
		MaintenanceSchedule string `mapstructure:"maintenanceschedule"`
		Slack               struct {
			Token   string `mapstructure:"token"`
			Channel string `mapstructure:"channel"`
		} `mapstructure:"slack"`
	} `mapstructure:"reaper"`
	Telemetry struct {
		OTLP struct {
			Enabled  bool              `mapstructure:"enabled"`
			Endpoint string            `mapstructure:"endpoint"`
			Protocol string            `mapstructure:"protocol"`
			Insecure bool              `mapstructure:"insecure"`
			Headers  map[string]string `mapstructure:"headers"`
			Timeout  time.Duration     `mapstructure:"timeout"`
		} `mapstructure:"otlp"`
	} `mapstructure:"telemetry"`
	Paths struct {
		DataDir string `mapstructure:"datadir"`
		LogDir  string `mapstructure:"logdir"`
	} `mapstructure:"paths"`
}

// parseDuration parses a duration string, returning zero and adding a warning
// if invalid.
func (l *ConfigLoader) parseDuration(fieldName, value string) time.Duration {
	if value == "" {
		return 0
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		l.warnings = append(l.warnings, fmt.Sprintf("Invalid %s value: %s", fieldName, value))
		return 0
	}
	return duration
}

func (l *ConfigLoader) buildConfig(def Definition, homeDir string) (*Config, error) {
	cfg := &Config{}

	cfg.Core = Core{
		Debug:     def.Core.Debug,
		LogFormat: def.Core.LogFormat,
		Quiet:     def.Core.Quiet,
	}

	if l.requires(SectionHTTP) {
		cfg.HTTP = HTTP{
			ServiceURL:           strings.TrimRight(def.HTTP.ServiceURL, "/"),
			RequestTimeout:       l.parseDuration("http.requesttimeout", def.HTTP.RequestTimeout),
			RetriesTimeout:       l.parseDuration("http.retriestimeout", def.HTTP.RetriesTimeout),
			RetryInitialInterval: l.parseDuration("http.retryinitialinterval", def.HTTP.RetryInitialInterval),
			RetryMaxInterval:     l.parseDuration("http.retrymaxinterval", def.HTTP.RetryMaxInterval),
		}
	}

	if l.requires(SectionDB) {
		cfg.DB = DB{
			URI:             def.DB.URI,
			MaxOpenConns:    def.DB.MaxOpenConns,
			MaxIdleConns:    def.DB.MaxIdleConns,
			ConnMaxLifetime: l.parseDuration("db.connmaxlifetime", def.DB.ConnMaxLifetime),
			AutoMigrate:     def.DB.AutoMigrate,
		}
	}

	if l.requires(SectionServer) {
		cfg.Server = Server{
			Host:               def.Server.Host,
			Port:               def.Server.Port,
			UpdateStatusMaxIDs: def.Server.UpdateStatusMaxIDs,
		}
	}

	if l.requires(SectionHeartbeat) {
		cfg.Heartbeat = Heartbeat{
			WorkflowRunInterval:  l.parseDuration("heartbeat.workflowruninterval", def.Heartbeat.WorkflowRunInterval),
			TaskInstanceInterval: l.parseDuration("heartbeat.taskinstanceinterval", def.Heartbeat.TaskInstanceInterval),
			ReportByBuffer:       def.Heartbeat.ReportByBuffer,
		}
	}

	if l.requires(SectionDistributor) {
		cfg.Distributor = Distributor{
			PollInterval:   l.parseDuration("distributor.pollinterval", def.Distributor.PollInterval),
			TickBudget:     l.parseDuration("distributor.tickbudget", def.Distributor.TickBudget),
			StartupTimeout: l.parseDuration("distributor.startuptimeout", def.Distributor.StartupTimeout),
			StateDir:       def.Distributor.StateDir,
		}
	}

	if l.requires(SectionSwarm) {
		cfg.Swarm = Swarm{
			SyncInterval:    l.parseDuration("swarm.syncinterval", def.Swarm.SyncInterval),
			WorkflowTimeout: l.parseDuration("swarm.workflowtimeout", def.Swarm.WorkflowTimeout),
		}
	}

	if l.requires(SectionReaper) {
		cfg.Reaper = Reaper{
			PollInterval:        l.parseDuration("reaper.pollinterval", def.Reaper.PollInterval),
			InconsistencyStep:   def.Reaper.InconsistencyStep,
			MaintenanceSchedule: def.Reaper.MaintenanceSchedule,
			Slack: SlackConfig{
				Token:   def.Reaper.Slack.Token,
				Channel: def.Reaper.Slack.Channel,
			},
		}
	}

	if l.requires(SectionTelemetry) {
		cfg.Telemetry = Telemetry{
			OTLP: OTLPConfig{
				Enabled:  def.Telemetry.OTLP.Enabled,
				Endpoint: def.Telemetry.OTLP.Endpoint,
				Protocol: def.Telemetry.OTLP.Protocol,
				Insecure: def.Telemetry.OTLP.Insecure,
				Headers:  def.Telemetry.OTLP.Headers,
				Timeout:  def.Telemetry.OTLP.Timeout,
			},
		}
	}

	cfg.Paths.DataDir = def.Paths.DataDir
	if cfg.Paths.DataDir == "" {
		cfg.Paths.DataDir = homeDir
	}
	cfg.Paths.LogDir = def.Paths.LogDir
	if cfg.Paths.LogDir == "" {
		cfg.Paths.LogDir = filepath.Join(cfg.Paths.DataDir, "logs")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Load is a convenience wrapper creating a fresh viper instance per call.
func Load(options ...ConfigLoaderOption) (*Config, error) {
	return NewConfigLoader(viper.New(), options...).Load()
}
