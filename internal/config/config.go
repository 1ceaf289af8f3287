// Package config provides configuration management for contimgd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config represents the daemon configuration.
type Config struct {
	Service  ServiceConfig  `toml:"service"`
	Ingest   IngestConfig   `toml:"ingest"`
	Staging  StagingConfig  `toml:"staging"`
	Convert  ConvertConfig  `toml:"convert"`
	Queue    QueueConfig    `toml:"queue"`
	Registry RegistryConfig `toml:"registry"`
	Publish  PublishConfig  `toml:"publish"`
	API      APIConfig      `toml:"api"`
	Logging  LoggingConfig  `toml:"logging"`
}

// ServiceConfig contains process-level settings.
type ServiceConfig struct {
	DataDir         string `toml:"data_dir"`
	PIDFile         string `toml:"pid_file"`
	ShutdownTimeout int    `toml:"shutdown_timeout_seconds"`
}

// IngestConfig controls the file watcher and subband grouper (C2/C3).
type IngestConfig struct {
	InputDir          string `toml:"input_dir"`
	SettleIntervalMs  int    `toml:"settle_interval_ms"`
	ExpectedSubbands  int    `toml:"expected_subbands"`
	MinViableSubbands int    `toml:"min_viable_subbands"`
	GroupTimeoutS     int    `toml:"group_timeout_seconds"`
	QueueHighWater    int    `toml:"queue_high_water"`
	QueueLowWater     int    `toml:"queue_low_water"`
}

// StagingConfig controls scratch allocation and finalization (C1).
type StagingConfig struct {
	ScratchDir     string `toml:"scratch_dir"`
	TmpfsPath      string `toml:"tmpfs_path"`
	StageToTmpfs   bool   `toml:"stage_to_tmpfs"`
	OutputDir      string `toml:"output_dir"`
	SweepAgeHours  int    `toml:"sweep_age_hours"`
	TmpfsMinFreePc int    `toml:"tmpfs_min_free_pct"`
}

// ConvertConfig controls the conversion orchestrator (C4).
type ConvertConfig struct {
	WriterStrategy        string `toml:"writer_strategy"` // "parallel_subband" (default) or "monolithic"
	MaxWorkers            int    `toml:"max_workers"`
	ConcurrentConversions int    `toml:"concurrent_conversions"`
	ConcatTimeoutS        int    `toml:"concat_timeout_seconds"`
	MergeSPWs             bool   `toml:"merge_spws"`
	StripSigmaSpectrum    bool   `toml:"strip_sigma_spectrum"`
	SubbandTool           string `toml:"subband_tool_path"`
	ConcatTool            string `toml:"concat_tool_path"`
}

// QueueConfig controls the durable work queue and job runner (C5).
type QueueConfig struct {
	DBPath          string `toml:"db_path"`
	LeaseSeconds    int    `toml:"lease_seconds"`
	StaleSeconds    int    `toml:"stale_seconds"`
	GracePeriodS    int    `toml:"grace_period_seconds"`
	LogFlushLines   int    `toml:"log_flush_lines"`
	LogFlushMs      int    `toml:"log_flush_interval_ms"`
	MaxRetries      int    `toml:"max_retries"`
	SweepIntervalS  int    `toml:"sweep_interval_seconds"`
}

// RegistryConfig controls the artifact/product registry (C6).
type RegistryConfig struct {
	DBPath string `toml:"db_path"`
}

// PublishConfig controls the publish/recovery monitor (C7).
type PublishConfig struct {
	SweepIntervalS    int `toml:"sweep_interval_seconds"`
	StalledAfterS     int `toml:"stalled_after_seconds"`
	MaxPublishRetries int `toml:"max_publish_retries"`
}

// APIConfig contains external-interface settings (C8).
type APIConfig struct {
	Enabled        bool     `toml:"enabled"`
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	APIKey         string   `toml:"api_key"`
	AllowedOrigins []string `toml:"allowed_origins"`
	RequestTimeout int      `toml:"request_timeout_seconds"`
	MetricsEnabled bool     `toml:"metrics_enabled"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string      `toml:"level"`
	Format     string      `toml:"format"`
	Output     StringSlice `toml:"output"`
	TimeFormat string      `toml:"time_format"`
	MaxSizeMB  int         `toml:"max_size_mb"`
	MaxBackups int         `toml:"max_backups"`
	MaxAgeDays int         `toml:"max_age_days"`
	Compress   bool        `toml:"compress"`
}

// StringSlice is a custom type that can unmarshal from either a string or []string.
type StringSlice []string

// UnmarshalTOML implements toml.Unmarshaler for flexible config parsing.
func (s *StringSlice) UnmarshalTOML(data interface{}) error {
	switch v := data.(type) {
	case string:
		*s = []string{v}
	case []interface{}:
		result := make([]string, len(v))
		for i, item := range v {
			str, ok := item.(string)
			if !ok {
				return fmt.Errorf("expected string in array, got %T", item)
			}
			result[i] = str
		}
		*s = result
	default:
		return fmt.Errorf("expected string or array, got %T", data)
	}
	return nil
}

// DefaultConfig returns the default configuration with all values set.
// CONTIMG_HOST and CONTIMG_PORT can override the API bind address.
func DefaultConfig() *Config {
	dataDir := DefaultDataDir()

	host := "127.0.0.1"
	if envHost := os.Getenv("CONTIMG_HOST"); envHost != "" {
		host = envHost
	}

	port := 8620
	if envPort := os.Getenv("CONTIMG_PORT"); envPort != "" {
		if p, err := strconv.Atoi(envPort); err == nil {
			port = p
		}
	}

	return &Config{
		Service: ServiceConfig{
			DataDir:         dataDir,
			PIDFile:         filepath.Join(dataDir, "contimgd.pid"),
			ShutdownTimeout: 30,
		},
		Ingest: IngestConfig{
			InputDir:          filepath.Join(dataDir, "incoming"),
			SettleIntervalMs:  500,
			ExpectedSubbands:  16,
			MinViableSubbands: 16,
			GroupTimeoutS:     300,
			QueueHighWater:    200,
			QueueLowWater:     50,
		},
		Staging: StagingConfig{
			ScratchDir:     filepath.Join(dataDir, "scratch"),
			TmpfsPath:      "/dev/shm/contimg",
			StageToTmpfs:   false,
			OutputDir:      filepath.Join(dataDir, "ms"),
			SweepAgeHours:  24,
			TmpfsMinFreePc: 20,
		},
		Convert: ConvertConfig{
			WriterStrategy:        "parallel_subband",
			MaxWorkers:            4,
			ConcurrentConversions: 2,
			ConcatTimeoutS:        300,
			MergeSPWs:             false,
			StripSigmaSpectrum:    false,
			SubbandTool:           "dsa110-subband-convert",
			ConcatTool:            "dsa110-ms-concat",
		},
		Queue: QueueConfig{
			DBPath:         filepath.Join(dataDir, "ingest.db"),
			LeaseSeconds:   120,
			StaleSeconds:   600,
			GracePeriodS:   30,
			LogFlushLines:  200,
			LogFlushMs:     1000,
			MaxRetries:     3,
			SweepIntervalS: 30,
		},
		Registry: RegistryConfig{
			DBPath: filepath.Join(dataDir, "products.db"),
		},
		Publish: PublishConfig{
			SweepIntervalS:    60,
			StalledAfterS:     600,
			MaxPublishRetries: 5,
		},
		API: APIConfig{
			Enabled:        true,
			Host:           host,
			Port:           port,
			APIKey:         "",
			AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
			RequestTimeout: 60,
			MetricsEnabled: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     StringSlice{"file"},
			TimeFormat: "15:04:05.000",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

// DefaultDataDir returns the default data directory based on OS.
func DefaultDataDir() string {
	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "contimgd")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", "contimgd")
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "contimgd")
	default: // linux and others
		xdgData := os.Getenv("XDG_DATA_HOME")
		if xdgData != "" {
			return filepath.Join(xdgData, "contimgd")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".contimgd")
	}
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultDataDir(), "config.toml")
}

// Load loads configuration from a file, merging with defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	if _, err := toml.Decode(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.expandPaths()

	return cfg, nil
}

// LoadFromString loads configuration from a TOML string, merging with defaults.
func LoadFromString(tomlStr string) (*Config, error) {
	cfg := DefaultConfig()

	expanded := os.ExpandEnv(tomlStr)

	if _, err := toml.Decode(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parse config string: %w", err)
	}

	cfg.expandPaths()
	return cfg, nil
}

// expandPaths expands tilde in path fields.
func (c *Config) expandPaths() {
	home, _ := os.UserHomeDir()

	expandTilde := func(path string) string {
		if strings.HasPrefix(path, "~/") {
			return filepath.Join(home, path[2:])
		}
		return path
	}

	c.Service.DataDir = expandTilde(c.Service.DataDir)
	c.Service.PIDFile = expandTilde(c.Service.PIDFile)
	c.Ingest.InputDir = expandTilde(c.Ingest.InputDir)
	c.Staging.ScratchDir = expandTilde(c.Staging.ScratchDir)
	c.Staging.OutputDir = expandTilde(c.Staging.OutputDir)
	c.Queue.DBPath = expandTilde(c.Queue.DBPath)
	c.Registry.DBPath = expandTilde(c.Registry.DBPath)
}

// Save saves the configuration to a file in TOML format.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	return nil
}

// WriteExampleConfig writes an example config file with comments.
func WriteExampleConfig(path string) error {
	example := `# contimgd configuration file
# All values shown are defaults - uncomment and modify as needed

[service]
# Directory for service data (queue db, registry db, logs, pid)
# data_dir = "~/.contimgd"
shutdown_timeout_seconds = 30

[ingest]
# Directory watched for incoming subband files
# input_dir = "~/.contimgd/incoming"
settle_interval_ms = 500
expected_subbands = 16
min_viable_subbands = 16
group_timeout_seconds = 300
queue_high_water = 200
queue_low_water = 50

[staging]
# scratch_dir = "~/.contimgd/scratch"
tmpfs_path = "/dev/shm/contimg"
stage_to_tmpfs = false
# output_dir = "~/.contimgd/ms"
sweep_age_hours = 24
tmpfs_min_free_pct = 20

[convert]
writer_strategy = "parallel_subband"
max_workers = 4
concurrent_conversions = 2
concat_timeout_seconds = 300
merge_spws = false
strip_sigma_spectrum = false
subband_tool_path = "dsa110-subband-convert"
concat_tool_path = "dsa110-ms-concat"

[queue]
# db_path = "~/.contimgd/ingest.db"
lease_seconds = 120
stale_seconds = 600
grace_period_seconds = 30
log_flush_lines = 200
log_flush_interval_ms = 1000
max_retries = 3
sweep_interval_seconds = 30

[registry]
# db_path = "~/.contimgd/products.db"

[publish]
sweep_interval_seconds = 60
stalled_after_seconds = 600
max_publish_retries = 5

[api]
enabled = true
host = "127.0.0.1"
port = 8620
api_key = ""
allowed_origins = ["http://localhost:*", "http://127.0.0.1:*"]
request_timeout_seconds = 60
metrics_enabled = true

[logging]
level = "info"
format = "text"
output = ["file"]
time_format = "15:04:05.000"
max_size_mb = 100
max_backups = 5
max_age_days = 30
compress = true
`

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	return os.WriteFile(path, []byte(example), 0644)
}

// Address returns the full address string for the API server.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// LogPath returns the path to the service log file.
func (c *Config) LogPath() string {
	return filepath.Join(c.Service.DataDir, "logs", "contimgd.log")
}

// PIDPath returns the path to the PID file.
func (c *Config) PIDPath() string {
	if c.Service.PIDFile != "" {
		return c.Service.PIDFile
	}
	return filepath.Join(c.Service.DataDir, "contimgd.pid")
}

// EnsureDirectories creates all necessary directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Service.DataDir,
		filepath.Dir(c.LogPath()),
		c.Staging.ScratchDir,
		c.Staging.OutputDir,
		filepath.Join(c.Staging.OutputDir, "science"),
		filepath.Join(c.Staging.OutputDir, "calibrators"),
		filepath.Join(c.Staging.OutputDir, "failed"),
		filepath.Dir(c.Queue.DBPath),
		filepath.Dir(c.Registry.DBPath),
	}

	if !filepath.IsAbs(c.Ingest.InputDir) || strings.HasPrefix(c.Ingest.InputDir, c.Service.DataDir) {
		dirs = append(dirs, c.Ingest.InputDir)
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.API.Port)
	}

	if c.Service.ShutdownTimeout < 1 {
		return fmt.Errorf("shutdown_timeout_seconds must be at least 1")
	}

	if c.Convert.MaxWorkers < 1 {
		return fmt.Errorf("convert.max_workers must be at least 1")
	}

	if c.Convert.ConcurrentConversions < 1 {
		return fmt.Errorf("convert.concurrent_conversions must be at least 1")
	}

	if c.Convert.WriterStrategy != "parallel_subband" && c.Convert.WriterStrategy != "monolithic" {
		return fmt.Errorf("convert.writer_strategy must be parallel_subband or monolithic, got %q", c.Convert.WriterStrategy)
	}

	if c.Ingest.ExpectedSubbands < 1 {
		return fmt.Errorf("ingest.expected_subbands must be at least 1")
	}

	if c.Ingest.MinViableSubbands < 1 || c.Ingest.MinViableSubbands > c.Ingest.ExpectedSubbands {
		return fmt.Errorf("ingest.min_viable_subbands must be between 1 and expected_subbands (%d)", c.Ingest.ExpectedSubbands)
	}

	if c.Ingest.QueueLowWater >= c.Ingest.QueueHighWater {
		return fmt.Errorf("ingest.queue_low_water must be less than queue_high_water")
	}

	if c.Queue.LeaseSeconds < 1 {
		return fmt.Errorf("queue.lease_seconds must be at least 1")
	}

	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c

	clone.API.AllowedOrigins = make([]string, len(c.API.AllowedOrigins))
	copy(clone.API.AllowedOrigins, c.API.AllowedOrigins)

	clone.Logging.Output = make(StringSlice, len(c.Logging.Output))
	copy(clone.Logging.Output, c.Logging.Output)

	return &clone
}
