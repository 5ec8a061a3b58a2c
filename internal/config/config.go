package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"sensorsync/internal/timestamp"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Source     Source     `yaml:"source"`
	Checkpoint Checkpoint `yaml:"checkpoint"`
	Sync       Sync       `yaml:"sync"`
	Publisher  Publisher  `yaml:"publisher"`
	Metrics    Metrics    `yaml:"metrics"`
	LogLevel   string     `yaml:"log_level"`
}

// Source locates the append-only measurement log
type Source struct {
	Path string `yaml:"path"`
}

// Checkpoint configures checkpoint persistence
type Checkpoint struct {
	Backend string `yaml:"backend"` // file or sqlite
	Path    string `yaml:"path"`
	Name    string `yaml:"name"`    // row key for the sqlite backend
	Default string `yaml:"default"` // used until the first publish
}

// Sync configures the polling loop
type Sync struct {
	Interval       time.Duration `yaml:"interval"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	Retries        int           `yaml:"retries"`
	RetryBackoffMs int           `yaml:"retry_backoff_ms"`
	StagingDir     string        `yaml:"staging_dir"` // s3 publisher only; git stages inside the clone
}

// Publisher selects and configures the destination
type Publisher struct {
	Type      string   `yaml:"type"` // git or s3
	Folder    string   `yaml:"folder"`
	IndexFile string   `yaml:"index_file"` // empty disables the batch index
	Git       GitRepo  `yaml:"git"`
	S3        S3Config `yaml:"s3"`
}

// GitRepo represents the destination repository clone
type GitRepo struct {
	RepoPath    string `yaml:"repo_path"`
	Remote      string `yaml:"remote"`
	Branch      string `yaml:"branch"`
	AuthorName  string `yaml:"author_name"`
	AuthorEmail string `yaml:"author_email"`
}

// S3Config represents S3-compatible storage configuration
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
}

// Metrics configures the Prometheus endpoint
type Metrics struct {
	Listen string `yaml:"listen"` // empty disables the endpoint
}

// Publisher types
const (
	PublisherGit = "git"
	PublisherS3  = "s3"
)

// Checkpoint backends
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Environment variables read after the optional .env file
const (
	EnvS3Endpoint  = "SENSORSYNC_S3_ENDPOINT"
	EnvS3AccessKey = "SENSORSYNC_S3_ACCESS_KEY"
	EnvS3SecretKey = "SENSORSYNC_S3_SECRET_KEY"
	EnvLogLevel    = "SENSORSYNC_LOG_LEVEL"
)

// Default returns the configuration used before any file, env or flag
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Source: Source{
			Path: "sensor_data.csv",
		},
		Checkpoint: Checkpoint{
			Backend: BackendFile,
			Path:    "last_value_sent.txt",
			Name:    "sensor_data",
			Default: "2025-01-06 00:00:00",
		},
		Sync: Sync{
			Interval:       5 * time.Minute,
			PublishTimeout: 2 * time.Minute,
			Retries:        1,
			RetryBackoffMs: 500,
			StagingDir:     "staging",
		},
		Publisher: Publisher{
			Type:   PublisherGit,
			Folder: "data",
			Git: GitRepo{
				RepoPath: "Sawcrate0.github.io",
				Remote:   "origin",
				Branch:   "main",
			},
			S3: S3Config{
				Secure: true,
			},
		},
		Metrics: Metrics{
			Listen: ":8080",
		},
	}
}

// BindFlags defines the command line overrides on flags
func BindFlags(flags *pflag.FlagSet) {
	flags.String("env-file", ".env", "dotenv file with SENSORSYNC_* variables")

	flags.String("source", "sensor_data.csv", "Append-only sensor log (CSV)")

	flags.String("checkpoint", "last_value_sent.txt", "Checkpoint file or database")
	flags.String("checkpoint-backend", BackendFile, "Checkpoint backend (file/sqlite)")
	flags.String("default-checkpoint", "2025-01-06 00:00:00", "Checkpoint used before the first publish")

	flags.Duration("interval", 5*time.Minute, "Polling interval (at least 1m)")
	flags.Duration("publish-timeout", 2*time.Minute, "Timeout for each remote publish step")
	flags.Int("retries", 1, "Publish attempts per cycle")
	flags.Int("retry-backoff-ms", 500, "Initial retry backoff in milliseconds")
	flags.String("staging-dir", "staging", "Local staging directory for the s3 publisher")

	flags.String("publisher", PublisherGit, "Destination type (git/s3)")
	flags.String("data-folder", "data", "Destination folder for batch files")
	flags.String("index-file", "", "Batch index file name (empty disables the index)")

	flags.String("repo", "Sawcrate0.github.io", "Local clone of the destination repository")
	flags.String("remote", "origin", "Git remote")
	flags.String("branch", "main", "Git branch")

	flags.String("s3-endpoint", "", "S3 endpoint")
	flags.String("s3-access-key", "", "S3 access key")
	flags.String("s3-secret-key", "", "S3 secret key")
	flags.Bool("s3-secure", true, "Use HTTPS for S3")
	flags.String("bucket", "", "S3 bucket")
	flags.String("prefix", "", "S3 key prefix")

	flags.String("metrics-listen", ":8080", "Metrics listen address (empty disables)")
	flags.String("log-level", "info", "Log level (debug/info/warn/error)")
}

// Load loads configuration from file, environment and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	envFile := ".env"
	if flags != nil && flags.Changed("env-file") {
		envFile, _ = flags.GetString("env-file")
	}
	if err := loadFromEnv(cfg, envFile); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	// Override with command line flags
	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromEnv(cfg *Config, envFile string) error {
	if envFile != "" {
		// Existing environment variables win over the file
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	if v := os.Getenv(EnvS3Endpoint); v != "" {
		cfg.Publisher.S3.Endpoint = v
	}
	if v := os.Getenv(EnvS3AccessKey); v != "" {
		cfg.Publisher.S3.AccessKey = v
	}
	if v := os.Getenv(EnvS3SecretKey); v != "" {
		cfg.Publisher.S3.SecretKey = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	return nil
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags.Changed("source") {
		cfg.Source.Path, _ = flags.GetString("source")
	}

	if flags.Changed("checkpoint") {
		cfg.Checkpoint.Path, _ = flags.GetString("checkpoint")
	}
	if flags.Changed("checkpoint-backend") {
		cfg.Checkpoint.Backend, _ = flags.GetString("checkpoint-backend")
	}
	if flags.Changed("default-checkpoint") {
		cfg.Checkpoint.Default, _ = flags.GetString("default-checkpoint")
	}

	if flags.Changed("interval") {
		cfg.Sync.Interval, _ = flags.GetDuration("interval")
	}
	if flags.Changed("publish-timeout") {
		cfg.Sync.PublishTimeout, _ = flags.GetDuration("publish-timeout")
	}
	if flags.Changed("retries") {
		cfg.Sync.Retries, _ = flags.GetInt("retries")
	}
	if flags.Changed("retry-backoff-ms") {
		cfg.Sync.RetryBackoffMs, _ = flags.GetInt("retry-backoff-ms")
	}
	if flags.Changed("staging-dir") {
		cfg.Sync.StagingDir, _ = flags.GetString("staging-dir")
	}

	if flags.Changed("publisher") {
		cfg.Publisher.Type, _ = flags.GetString("publisher")
	}
	if flags.Changed("data-folder") {
		cfg.Publisher.Folder, _ = flags.GetString("data-folder")
	}
	if flags.Changed("index-file") {
		cfg.Publisher.IndexFile, _ = flags.GetString("index-file")
	}

	if flags.Changed("repo") {
		cfg.Publisher.Git.RepoPath, _ = flags.GetString("repo")
	}
	if flags.Changed("remote") {
		cfg.Publisher.Git.Remote, _ = flags.GetString("remote")
	}
	if flags.Changed("branch") {
		cfg.Publisher.Git.Branch, _ = flags.GetString("branch")
	}

	if flags.Changed("s3-endpoint") {
		cfg.Publisher.S3.Endpoint, _ = flags.GetString("s3-endpoint")
	}
	if flags.Changed("s3-access-key") {
		cfg.Publisher.S3.AccessKey, _ = flags.GetString("s3-access-key")
	}
	if flags.Changed("s3-secret-key") {
		cfg.Publisher.S3.SecretKey, _ = flags.GetString("s3-secret-key")
	}
	if flags.Changed("s3-secure") {
		cfg.Publisher.S3.Secure, _ = flags.GetBool("s3-secure")
	}
	if flags.Changed("bucket") {
		cfg.Publisher.S3.Bucket, _ = flags.GetString("bucket")
	}
	if flags.Changed("prefix") {
		cfg.Publisher.S3.Prefix, _ = flags.GetString("prefix")
	}

	if flags.Changed("metrics-listen") {
		cfg.Metrics.Listen, _ = flags.GetString("metrics-listen")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}

	return nil
}

// DefaultCheckpoint parses the configured default checkpoint
func (c *Config) DefaultCheckpoint() (time.Time, error) {
	return timestamp.Parse(c.Checkpoint.Default)
}

func (c *Config) validate() error {
	if c.Source.Path == "" {
		return fmt.Errorf("source path is required")
	}

	switch c.Checkpoint.Backend {
	case BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("unknown checkpoint backend %q", c.Checkpoint.Backend)
	}
	if c.Checkpoint.Path == "" {
		return fmt.Errorf("checkpoint path is required")
	}
	if _, err := c.DefaultCheckpoint(); err != nil {
		return fmt.Errorf("default checkpoint %q: %w", c.Checkpoint.Default, err)
	}

	// Batch names have minute resolution; faster cycles could reuse a name
	if c.Sync.Interval < time.Minute {
		return fmt.Errorf("interval must be at least 1m, got %s", c.Sync.Interval)
	}
	if c.Sync.PublishTimeout < 0 {
		return fmt.Errorf("publish timeout must not be negative")
	}
	if c.Sync.Retries <= 0 {
		return fmt.Errorf("retries must be positive")
	}
	if c.Sync.RetryBackoffMs < 0 {
		return fmt.Errorf("retry backoff must not be negative")
	}

	switch c.Publisher.Type {
	case PublisherGit:
		if c.Publisher.Git.RepoPath == "" {
			return fmt.Errorf("git repository path is required")
		}
		if c.Publisher.Git.Remote == "" || c.Publisher.Git.Branch == "" {
			return fmt.Errorf("git remote and branch are required")
		}
	case PublisherS3:
		if c.Publisher.S3.Endpoint == "" {
			return fmt.Errorf("s3 endpoint is required")
		}
		if c.Publisher.S3.AccessKey == "" {
			return fmt.Errorf("s3 access key is required")
		}
		if c.Publisher.S3.SecretKey == "" {
			return fmt.Errorf("s3 secret key is required")
		}
		if c.Publisher.S3.Bucket == "" {
			return fmt.Errorf("bucket is required")
		}
		if c.Sync.StagingDir == "" {
			return fmt.Errorf("staging dir is required for the s3 publisher")
		}
	default:
		return fmt.Errorf("unknown publisher type %q", c.Publisher.Type)
	}

	return nil
}
