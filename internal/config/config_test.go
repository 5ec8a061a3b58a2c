package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	// Keep tests away from a .env in the working directory
	all := append([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env")}, args...)
	if err := flags.Parse(all); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return flags
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", newFlags(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Source.Path != "sensor_data.csv" {
		t.Errorf("source = %q", cfg.Source.Path)
	}
	if cfg.Checkpoint.Path != "last_value_sent.txt" || cfg.Checkpoint.Backend != BackendFile {
		t.Errorf("checkpoint = %+v", cfg.Checkpoint)
	}
	if cfg.Sync.Interval != 5*time.Minute {
		t.Errorf("interval = %s", cfg.Sync.Interval)
	}
	if cfg.Publisher.Type != PublisherGit || cfg.Publisher.Folder != "data" {
		t.Errorf("publisher = %+v", cfg.Publisher)
	}

	def, err := cfg.DefaultCheckpoint()
	if err != nil {
		t.Fatalf("DefaultCheckpoint: %v", err)
	}
	want := time.Date(2025, 1, 6, 0, 0, 0, 0, time.Local)
	if !def.Equal(want) {
		t.Errorf("default checkpoint = %v, want %v", def, want)
	}
}

func TestLoad_FileThenFlags(t *testing.T) {
	path := writeFile(t, "config.yaml", `
log_level: debug
source:
  path: /var/lib/sensors/log.csv
sync:
  interval: 10m
  retries: 3
publisher:
  type: git
  folder: readings
  git:
    repo_path: /srv/site
    branch: pages
`)

	cfg, err := Load(path, newFlags(t, "--branch", "main", "--retries", "4"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
	if cfg.Source.Path != "/var/lib/sensors/log.csv" {
		t.Errorf("source = %q", cfg.Source.Path)
	}
	if cfg.Sync.Interval != 10*time.Minute {
		t.Errorf("interval = %s", cfg.Sync.Interval)
	}
	if cfg.Sync.Retries != 4 {
		t.Errorf("retries = %d, flag should win", cfg.Sync.Retries)
	}
	if cfg.Publisher.Git.RepoPath != "/srv/site" || cfg.Publisher.Git.Branch != "main" {
		t.Errorf("git = %+v", cfg.Publisher.Git)
	}
	if cfg.Publisher.Git.Remote != "origin" {
		t.Errorf("remote = %q, want default kept", cfg.Publisher.Git.Remote)
	}
	if cfg.Publisher.Folder != "readings" {
		t.Errorf("folder = %q", cfg.Publisher.Folder)
	}
}

func TestLoad_EnvFileSuppliesSecrets(t *testing.T) {
	t.Setenv(EnvS3AccessKey, "")
	t.Setenv(EnvS3SecretKey, "")
	os.Unsetenv(EnvS3AccessKey)
	os.Unsetenv(EnvS3SecretKey)

	envFile := writeFile(t, ".env", "SENSORSYNC_S3_ACCESS_KEY=from-file\nSENSORSYNC_S3_SECRET_KEY=secret\n")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	err := flags.Parse([]string{
		"--env-file", envFile,
		"--publisher", "s3",
		"--s3-endpoint", "localhost:9000",
		"--bucket", "sensors",
	})
	if err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := Load("", flags)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Publisher.S3.AccessKey != "from-file" || cfg.Publisher.S3.SecretKey != "secret" {
		t.Errorf("s3 credentials = %q/%q", cfg.Publisher.S3.AccessKey, cfg.Publisher.S3.SecretKey)
	}
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	t.Setenv(EnvLogLevel, "warn")
	path := writeFile(t, "config.yaml", "log_level: debug\n")

	cfg, err := Load(path, newFlags(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("log level = %q, want env value", cfg.LogLevel)
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"short interval", []string{"--interval", "30s"}, "interval"},
		{"unknown publisher", []string{"--publisher", "ftp"}, "unknown publisher"},
		{"unknown backend", []string{"--checkpoint-backend", "redis"}, "checkpoint backend"},
		{"bad default", []string{"--default-checkpoint", "yesterday"}, "default checkpoint"},
		{"zero retries", []string{"--retries", "0"}, "retries"},
		{"s3 without endpoint", []string{"--publisher", "s3"}, "s3 endpoint"},
		{"empty source", []string{"--source", ""}, "source path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load("", newFlags(t, tt.args...))
			if err == nil {
				t.Fatal("Load succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad_MissingConfigFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), newFlags(t)); err == nil {
		t.Fatal("Load succeeded with a missing config file")
	}
}
