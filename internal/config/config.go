// Package config loads application configuration from the environment.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
)

// Module provides the application Config.
var Module = fx.Module("config",
	fx.Provide(Load),
)

// Config is the full application configuration.
type Config struct {
	Environment string
	HTTP        HTTPConfig
	Database    DatabaseConfig
	Scheduler   SchedulerConfig
	Tracing     TracingConfig
	Provisioner ProvisionerConfig
}

// ProvisionerConfig points at the sibling provisioning service driven by the
// internal-API processors.
type ProvisionerConfig struct {
	BaseURL string
	APIKey  string
}

// HTTPConfig configures the gin server.
type HTTPConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig configures the PostgreSQL pool.
type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

// SchedulerConfig controls the billing worker loops.
type SchedulerConfig struct {
	PollInterval  time.Duration
	BatchSize     int
	StuckDeadline time.Duration
}

// TracingConfig configures the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled          bool
	ServiceName      string
	ServiceVersion   string
	ExporterEndpoint string
	ExporterProtocol string
	SamplingRatio    float64
}

// Load reads configuration from MERCAT_* environment variables.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("mercat")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("environment", "development")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "30s")
	v.SetDefault("http.shutdown_timeout", "10s")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "mercat")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "mercat")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.max_open_conns", 25)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("scheduler.poll_interval", "1m")
	v.SetDefault("scheduler.batch_size", 100)
	v.SetDefault("scheduler.stuck_deadline", "2h")
	v.SetDefault("provisioner.base_url", "http://localhost:8081")
	v.SetDefault("provisioner.api_key", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "mercat")
	v.SetDefault("tracing.service_version", "dev")
	v.SetDefault("tracing.exporter_endpoint", "localhost:4317")
	v.SetDefault("tracing.exporter_protocol", "grpc")
	v.SetDefault("tracing.sampling_ratio", 1.0)

	cfg := Config{
		Environment: v.GetString("environment"),
		HTTP: HTTPConfig{
			Addr:            v.GetString("http.addr"),
			ReadTimeout:     v.GetDuration("http.read_timeout"),
			WriteTimeout:    v.GetDuration("http.write_timeout"),
			ShutdownTimeout: v.GetDuration("http.shutdown_timeout"),
		},
		Database: DatabaseConfig{
			Host:         v.GetString("db.host"),
			Port:         v.GetInt("db.port"),
			User:         v.GetString("db.user"),
			Password:     v.GetString("db.password"),
			Name:         v.GetString("db.name"),
			SSLMode:      v.GetString("db.sslmode"),
			MaxOpenConns: v.GetInt("db.max_open_conns"),
			MaxIdleConns: v.GetInt("db.max_idle_conns"),
		},
		Scheduler: SchedulerConfig{
			PollInterval:  v.GetDuration("scheduler.poll_interval"),
			BatchSize:     v.GetInt("scheduler.batch_size"),
			StuckDeadline: v.GetDuration("scheduler.stuck_deadline"),
		},
		Provisioner: ProvisionerConfig{
			BaseURL: v.GetString("provisioner.base_url"),
			APIKey:  v.GetString("provisioner.api_key"),
		},
		Tracing: TracingConfig{
			Enabled:          v.GetBool("tracing.enabled"),
			ServiceName:      v.GetString("tracing.service_name"),
			ServiceVersion:   v.GetString("tracing.service_version"),
			ExporterEndpoint: v.GetString("tracing.exporter_endpoint"),
			ExporterProtocol: v.GetString("tracing.exporter_protocol"),
			SamplingRatio:    v.GetFloat64("tracing.sampling_ratio"),
		},
	}
	return cfg, nil
}

// IsProduction reports whether the app runs in the production environment.
func (c Config) IsProduction() bool {
	return c.Environment == "production"
}
