package config

import (
	"runtime"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig      `yaml:"store" mapstructure:"store"`
	Pipeline  PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Network   NetworkConfig    `yaml:"network" mapstructure:"network"`
	Ingest    IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Metrics   MetricsConfig    `yaml:"metrics" mapstructure:"metrics"`
	Server    ServerConfig     `yaml:"server" mapstructure:"server"`
	Telemetry TelemetryConfig  `yaml:"telemetry" mapstructure:"telemetry"`
	Monitor   MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log       LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// PipelineConfig configures the boundary worker pool and its recovery knobs.
type PipelineConfig struct {
	Workers        int         `yaml:"workers" mapstructure:"workers"`
	StaleAfterSecs int         `yaml:"stale_after_secs" mapstructure:"stale_after_secs"`
	HeartbeatSecs  int         `yaml:"heartbeat_secs" mapstructure:"heartbeat_secs"`
	ClaimsPerSec   float64     `yaml:"claims_per_sec" mapstructure:"claims_per_sec"`
	Retry          RetryConfig `yaml:"retry" mapstructure:"retry"`
}

// RetryConfig bounds the retry budget for transient I/O failures.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	Jitter           float64 `yaml:"jitter" mapstructure:"jitter"`
}

// NetworkConfig configures the street network cleaner.
type NetworkConfig struct {
	ToleranceM  float64  `yaml:"tolerance_m" mapstructure:"tolerance_m"`
	DropClasses []string `yaml:"drop_classes" mapstructure:"drop_classes"`
	DropFlags   []string `yaml:"drop_flags" mapstructure:"drop_flags"`
	SRID        int      `yaml:"srid" mapstructure:"srid"`
}

// IngestConfig configures raw dataset ingestion.
type IngestConfig struct {
	BufferM float64  `yaml:"buffer_m" mapstructure:"buffer_m"`
	TempDir string   `yaml:"temp_dir" mapstructure:"temp_dir"`
	S3      S3Config `yaml:"s3" mapstructure:"s3"`
}

// S3Config configures object storage access for s3:// sources.
type S3Config struct {
	Region    string `yaml:"region" mapstructure:"region"`
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	PathStyle bool   `yaml:"path_style" mapstructure:"path_style"`
}

// MetricsConfig configures the metric families.
type MetricsConfig struct {
	BufferM    map[string]float64 `yaml:"buffer_m" mapstructure:"buffer_m"`
	Centrality CentralityConfig   `yaml:"centrality" mapstructure:"centrality"`
	LandUse    LandUseConfig      `yaml:"landuse" mapstructure:"landuse"`
	GreenSpace GreenSpaceConfig   `yaml:"greenspace" mapstructure:"greenspace"`
	Morphology MorphologyConfig   `yaml:"morphology" mapstructure:"morphology"`
	Places     PlacesConfig       `yaml:"places" mapstructure:"places"`
	Population PopulationConfig   `yaml:"population" mapstructure:"population"`
}

// CentralityConfig holds the network distance cutoffs for centrality.
type CentralityConfig struct {
	Distances []float64 `yaml:"distances" mapstructure:"distances"`
}

// LandUseConfig holds the radius for land-use mix.
type LandUseConfig struct {
	DistanceM float64 `yaml:"distance_m" mapstructure:"distance_m"`
}

// GreenSpaceConfig lists the land-use classes counted as green space.
type GreenSpaceConfig struct {
	Classes []string `yaml:"classes" mapstructure:"classes"`
}

// MorphologyConfig holds the radii for building morphology.
type MorphologyConfig struct {
	Distances []float64 `yaml:"distances" mapstructure:"distances"`
}

// PlacesConfig configures place accessibility. Places whose category is
// listed in Exclude are ignored.
type PlacesConfig struct {
	Distances []float64 `yaml:"distances" mapstructure:"distances"`
	Exclude   []string  `yaml:"exclude" mapstructure:"exclude"`
}

// PopulationConfig configures population interpolation.
type PopulationConfig struct {
	Neighbors int `yaml:"neighbors" mapstructure:"neighbors"`
}

// ServerConfig configures the status server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
	// CORSOrigins lists the origins allowed to read the status API.
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// TelemetryConfig configures Prometheus textfile export.
type TelemetryConfig struct {
	Textfile string `yaml:"textfile" mapstructure:"textfile"`
}

// MonitoringConfig configures the catalog health checker run by serve.
type MonitoringConfig struct {
	CheckIntervalSecs    int      `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	Stages               []string `yaml:"stages" mapstructure:"stages"`
	FailureRateThreshold float64  `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	WebhookURL           string   `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// WorkerCount returns the configured pool size, defaulting to the number of CPUs.
func (p PipelineConfig) WorkerCount() int {
	if p.Workers > 0 {
		return p.Workers
	}
	return runtime.NumCPU()
}

// StaleAfter returns the heartbeat timeout after which an in-progress claim is abandoned.
func (p PipelineConfig) StaleAfter() time.Duration {
	return time.Duration(p.StaleAfterSecs) * time.Second
}

// HeartbeatInterval returns how often a worker refreshes its claim.
func (p PipelineConfig) HeartbeatInterval() time.Duration {
	return time.Duration(p.HeartbeatSecs) * time.Second
}

// BufferFor returns the context buffer for a metric category, falling back to
// the "default" entry.
func (m MetricsConfig) BufferFor(category string) float64 {
	if v, ok := m.BufferM[category]; ok {
		return v
	}
	return m.BufferM["default"]
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("NETMETRICS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "netmetrics.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("pipeline.workers", 0)
	v.SetDefault("pipeline.stale_after_secs", 900)
	v.SetDefault("pipeline.heartbeat_secs", 60)
	v.SetDefault("pipeline.claims_per_sec", 0)
	v.SetDefault("pipeline.retry.max_attempts", 3)
	v.SetDefault("pipeline.retry.initial_backoff_ms", 500)
	v.SetDefault("pipeline.retry.max_backoff_ms", 30000)
	v.SetDefault("pipeline.retry.multiplier", 2.0)
	v.SetDefault("pipeline.retry.jitter", 0.25)
	v.SetDefault("network.tolerance_m", 1.0)
	v.SetDefault("network.drop_classes", []string{"motorway", "parkingAisle"})
	v.SetDefault("network.drop_flags", []string{"is_tunnel"})
	v.SetDefault("network.srid", 3035)
	v.SetDefault("ingest.buffer_m", 10000)
	v.SetDefault("ingest.temp_dir", "/tmp/netmetrics")
	v.SetDefault("ingest.s3.region", "us-east-1")
	v.SetDefault("metrics.buffer_m", map[string]float64{
		"default":    2000,
		"centrality": 2000,
		"greenspace": 2000,
		"landuse":    2000,
		"morphology": 1500,
		"places":     1500,
		"population": 500,
	})
	v.SetDefault("metrics.centrality.distances", []float64{500, 1000, 2000})
	v.SetDefault("metrics.landuse.distance_m", 500)
	v.SetDefault("metrics.greenspace.classes", []string{"14100", "14200", "31000", "32000"})
	v.SetDefault("metrics.morphology.distances", []float64{100, 500, 1500})
	v.SetDefault("metrics.places.distances", []float64{100, 500, 1500})
	v.SetDefault("metrics.places.exclude", []string{"structure_and_geography", "mass_media"})
	v.SetDefault("metrics.population.neighbors", 4)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.stages", []string{"ingest:network", "clean"})
	v.SetDefault("monitoring.failure_rate_threshold", 0.10)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

// Validate checks that the settings required by a command family are present
// and within range. Modes: "store", "pipeline", "serve".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "store":
		errs = append(errs, c.validateStore()...)
	case "pipeline":
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validatePipeline()...)
	case "serve":
		errs = append(errs, c.validateStore()...)
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	var errs []string
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	default:
		errs = append(errs, "store.driver must be postgres or sqlite")
	}
	return errs
}

func (c *Config) validatePipeline() []string {
	var errs []string
	if c.Pipeline.Workers < 0 || c.Pipeline.Workers > 256 {
		errs = append(errs, "pipeline.workers must be between 0 and 256")
	}
	if c.Pipeline.StaleAfterSecs <= 0 {
		errs = append(errs, "pipeline.stale_after_secs must be > 0")
	}
	if c.Pipeline.HeartbeatSecs <= 0 || c.Pipeline.HeartbeatSecs >= c.Pipeline.StaleAfterSecs {
		errs = append(errs, "pipeline.heartbeat_secs must be > 0 and below stale_after_secs")
	}
	if c.Pipeline.Retry.MaxAttempts < 1 {
		errs = append(errs, "pipeline.retry.max_attempts must be >= 1")
	}
	if c.Network.ToleranceM <= 0 {
		errs = append(errs, "network.tolerance_m must be > 0")
	}
	return errs
}
