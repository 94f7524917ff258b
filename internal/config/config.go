package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/obsrvr-mirror/internal/codec"
	"github.com/withObsrvr/obsrvr-mirror/internal/partition"
	"github.com/withObsrvr/obsrvr-mirror/internal/storage"
	"github.com/withObsrvr/obsrvr-mirror/internal/transfer"
)

// EnvConfigPath names the environment variable holding the YAML config path.
const EnvConfigPath = "MIRROR_CONFIG"

type Config struct {
	Run        RunConfig        `yaml:"run"`
	Source     SourceConfig     `yaml:"source"`
	Sink       SinkConfig       `yaml:"sink"`
	Lists      ListsConfig      `yaml:"lists"`
	Transfer   TransferConfig   `yaml:"transfer"`
	Perf       PerfConfig       `yaml:"perf"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Report     ReportConfig     `yaml:"report"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type RunConfig struct {
	ID string `yaml:"id"`
}

type SourceConfig struct {
	Storage storage.StorageConfig `yaml:"storage"`
	// Prefix restricts the listing; it is stripped to form job keys.
	Prefix string `yaml:"prefix"`
}

type SinkConfig struct {
	Type        string                `yaml:"type"` // "hdfs" | "mftp"
	Workers     int                   `yaml:"workers"`
	Storage     storage.StorageConfig `yaml:"storage"`
	Hosts       []HostConfig          `yaml:"hosts"`
	Compression CompressionConfig     `yaml:"compression"`
}

// HostConfig is one MFTP destination and the store it is reached through.
type HostConfig struct {
	ID             string                `yaml:"id"`
	FreeSpaceBytes int64                 `yaml:"free_space_bytes"`
	Storage        storage.StorageConfig `yaml:"storage"`
}

type CompressionConfig struct {
	Enabled bool   `yaml:"enabled"`
	Codec   string `yaml:"codec"`
}

type ListsConfig struct {
	IncludeFile string `yaml:"include_file"`
	ExcludeFile string `yaml:"exclude_file"`
	Include     string `yaml:"include"` // comma separated
	Exclude     string `yaml:"exclude"`
}

type TransferConfig struct {
	BufferSize        int    `yaml:"buffer_size"`
	ProgressThreshold int64  `yaml:"progress_threshold"`
	Digest            string `yaml:"digest"`
	RetryAttempts     int    `yaml:"retry_attempts"`
	RetryBackoffMS    int    `yaml:"retry_backoff_ms"`
}

type PerfConfig struct {
	MaxInFlightBatches int `yaml:"max_in_flight_batches"`
}

type CheckpointConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type CatalogConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	Namespace   string `yaml:"namespace"`
}

type ReportConfig struct {
	Enabled bool                  `yaml:"enabled"`
	Storage storage.StorageConfig `yaml:"storage"`
	Prefix  string                `yaml:"prefix"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Source: SourceConfig{
			Storage: storage.StorageConfig{Backend: "local", LocalDir: "./data/in"},
		},
		Sink: SinkConfig{
			Type:    "hdfs",
			Storage: storage.StorageConfig{Backend: "local", LocalDir: "./data/out"},
		},
		Transfer: TransferConfig{
			BufferSize:        transfer.DefaultBufferSize,
			ProgressThreshold: transfer.DefaultProgressThreshold,
			Digest:            string(transfer.MD5),
			RetryAttempts:     3,
			RetryBackoffMS:    500,
		},
		Perf:       PerfConfig{MaxInFlightBatches: 4},
		Checkpoint: CheckpointConfig{Dir: "./checkpoints"},
		Catalog:    CatalogConfig{Namespace: "mainnet"},
		Report:     ReportConfig{Prefix: "_reports/"},
		Metrics:    MetricsConfig{Addr: ":9090"},
		Logging:    LoggingConfig{Format: "text", Level: "info"},
	}
}

// MustLoad loads configuration from $MIRROR_CONFIG and the environment and
// exits on failure.
func MustLoad() Config {
	log.Println("[config] loading")

	cfg, err := Load(os.Getenv(EnvConfigPath))
	if err != nil {
		log.Fatalf("[config] %v", err)
	}
	return cfg
}

// Load reads the YAML file at path (optional), applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if cfg.Run.ID == "" {
		cfg.Run.ID = uuid.NewString()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Run.ID = getenvDefault("RUN_ID", cfg.Run.ID)

	applyStorageEnv("SOURCE", &cfg.Source.Storage)
	cfg.Source.Prefix = getenvDefault("SOURCE_LIST_PREFIX", cfg.Source.Prefix)

	cfg.Sink.Type = getenvDefault("SINK_TYPE", cfg.Sink.Type)
	cfg.Sink.Workers = getenvInt("SINK_WORKERS", cfg.Sink.Workers)
	applyStorageEnv("SINK", &cfg.Sink.Storage)
	if v := os.Getenv("SINK_COMPRESSION"); v != "" {
		cfg.Sink.Compression.Enabled = v != "none"
		if cfg.Sink.Compression.Enabled {
			cfg.Sink.Compression.Codec = v
		}
	}

	cfg.Lists.IncludeFile = getenvDefault("INCLUDE_FILE", cfg.Lists.IncludeFile)
	cfg.Lists.ExcludeFile = getenvDefault("EXCLUDE_FILE", cfg.Lists.ExcludeFile)
	cfg.Lists.Include = getenvDefault("INCLUDE", cfg.Lists.Include)
	cfg.Lists.Exclude = getenvDefault("EXCLUDE", cfg.Lists.Exclude)

	cfg.Transfer.BufferSize = getenvInt("TRANSFER_BUFFER_SIZE", cfg.Transfer.BufferSize)
	cfg.Transfer.ProgressThreshold = int64(getenvInt("PROGRESS_THRESHOLD", int(cfg.Transfer.ProgressThreshold)))
	cfg.Transfer.Digest = getenvDefault("DIGEST_ALGORITHM", cfg.Transfer.Digest)
	cfg.Transfer.RetryAttempts = getenvInt("RETRY_ATTEMPTS", cfg.Transfer.RetryAttempts)
	cfg.Transfer.RetryBackoffMS = getenvInt("RETRY_BACKOFF_MS", cfg.Transfer.RetryBackoffMS)

	cfg.Perf.MaxInFlightBatches = getenvInt("MAX_IN_FLIGHT_BATCHES", cfg.Perf.MaxInFlightBatches)

	if v := os.Getenv("CHECKPOINT_ENABLED"); v != "" {
		cfg.Checkpoint.Enabled = v == "true"
	}
	cfg.Checkpoint.Dir = getenvDefault("CHECKPOINT_DIR", cfg.Checkpoint.Dir)

	cfg.Catalog.PostgresDSN = getenvDefault("CATALOG_DSN", cfg.Catalog.PostgresDSN)
	cfg.Catalog.Namespace = getenvDefault("CATALOG_NAMESPACE", cfg.Catalog.Namespace)

	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true"
	}
	cfg.Metrics.Addr = getenvDefault("METRICS_ADDR", cfg.Metrics.Addr)

	cfg.Logging.Format = getenvDefault("LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.Level = getenvDefault("LOG_LEVEL", cfg.Logging.Level)
}

func applyStorageEnv(prefix string, sc *storage.StorageConfig) {
	sc.Backend = getenvDefault(prefix+"_BACKEND", sc.Backend)
	sc.Bucket = getenvDefault(prefix+"_BUCKET", sc.Bucket)
	sc.Prefix = getenvDefault(prefix+"_PREFIX", sc.Prefix)
	sc.LocalDir = getenvDefault(prefix+"_LOCAL_DIR", sc.LocalDir)
	sc.Endpoint = getenvDefault(prefix+"_ENDPOINT", sc.Endpoint)
	sc.Region = getenvDefault(prefix+"_REGION", sc.Region)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error

	if c.Source.Storage.Backend == "" {
		errs = append(errs, errors.New("source.storage.backend is required"))
	}
	if c.Sink.Workers < 0 {
		errs = append(errs, fmt.Errorf("sink.workers must be >= 0, got %d", c.Sink.Workers))
	}

	if partition.ParseSinkType(c.Sink.Type) == partition.SinkMFTP {
		if len(c.Sink.Hosts) == 0 {
			errs = append(errs, errors.New("sink.hosts is required for mftp sinks"))
		}
		seen := make(map[string]bool, len(c.Sink.Hosts))
		for i, h := range c.Sink.Hosts {
			switch {
			case h.ID == "":
				errs = append(errs, fmt.Errorf("sink.hosts[%d].id is required", i))
			case seen[h.ID]:
				errs = append(errs, fmt.Errorf("sink.hosts[%d].id %q is duplicated", i, h.ID))
			}
			seen[h.ID] = true
			if h.FreeSpaceBytes < 0 {
				errs = append(errs, fmt.Errorf("sink.hosts[%d].free_space_bytes must be >= 0", i))
			}
			if h.Storage.Backend == "" {
				errs = append(errs, fmt.Errorf("sink.hosts[%d].storage.backend is required", i))
			}
		}
	} else if c.Sink.Storage.Backend == "" {
		errs = append(errs, errors.New("sink.storage.backend is required"))
	}

	if c.Sink.Compression.Enabled {
		if _, err := codec.New(c.Sink.Compression.Codec); err != nil {
			errs = append(errs, fmt.Errorf("sink.compression.codec: %w", err))
		}
	}

	if _, err := transfer.ParseAlgorithm(c.Transfer.Digest); err != nil {
		errs = append(errs, fmt.Errorf("transfer.digest: %w", err))
	}
	if c.Transfer.BufferSize < 0 {
		errs = append(errs, errors.New("transfer.buffer_size must be >= 0"))
	}
	if c.Transfer.ProgressThreshold < 0 {
		errs = append(errs, errors.New("transfer.progress_threshold must be >= 0"))
	}
	if c.Transfer.RetryAttempts < 0 {
		errs = append(errs, errors.New("transfer.retry_attempts must be >= 0"))
	}
	if c.Perf.MaxInFlightBatches < 1 {
		errs = append(errs, fmt.Errorf("perf.max_in_flight_batches must be >= 1, got %d", c.Perf.MaxInFlightBatches))
	}
	if c.Checkpoint.Enabled && c.Checkpoint.Dir == "" {
		errs = append(errs, errors.New("checkpoint.dir is required when checkpointing is enabled"))
	}
	if c.Report.Enabled && c.Report.Storage.Backend == "" {
		errs = append(errs, errors.New("report.storage.backend is required when the report is enabled"))
	}

	return errors.Join(errs...)
}

// HostDescriptors returns the configured MFTP hosts in file order.
func (c SinkConfig) HostDescriptors() []partition.HostDescriptor {
	hosts := make([]partition.HostDescriptor, len(c.Hosts))
	for i, h := range c.Hosts {
		hosts[i] = partition.HostDescriptor{ID: h.ID, FreeSpaceBytes: h.FreeSpaceBytes}
	}
	return hosts
}

// Host returns the configuration for host id.
func (c SinkConfig) Host(id string) (HostConfig, bool) {
	for _, h := range c.Hosts {
		if h.ID == id {
			return h, true
		}
	}
	return HostConfig{}, false
}

// CodecName returns the output codec, empty when compression is off.
func (c CompressionConfig) CodecName() string {
	if !c.Enabled {
		return codec.None
	}
	return strings.ToLower(c.Codec)
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
		log.Printf("[config] ignoring non-integer %s=%q", key, v)
	}
	return def
}
