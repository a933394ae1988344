package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/swarm-coordinator/internal/coordinator"
)

// Config represents the complete configuration file.
// Durations are Go duration strings ("30s", "5m"); zero values fall back to
// the component defaults.
type Config struct {
	Coordinator struct {
		CallTimeout time.Duration `yaml:"call_timeout"`
	} `yaml:"coordinator"`

	Scheduler struct {
		PollInterval time.Duration `yaml:"poll_interval"`
		MaxAttempts  int           `yaml:"max_attempts"`
	} `yaml:"scheduler"`

	Janitor struct {
		SyncInterval time.Duration `yaml:"sync_interval"`
	} `yaml:"janitor"`

	Breaker struct {
		Threshold  time.Duration `yaml:"threshold"`
		Capability string        `yaml:"capability"`
		Tool       string        `yaml:"tool"`
	} `yaml:"breaker"`

	Checkpoint struct {
		Dir string `yaml:"dir"`
	} `yaml:"checkpoint"`

	Workers []WorkerEntry `yaml:"workers"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Admin struct {
		Addr string `yaml:"addr"`
	} `yaml:"admin"`

	WorkerServer struct {
		Listen    string          `yaml:"listen"`
		NodeID    string          `yaml:"node_id"`
		Corpus    string          `yaml:"corpus"`
		CorpusDir string          `yaml:"corpus_dir"`
		Software  map[string]bool `yaml:"software"`
	} `yaml:"worker_server"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// WorkerEntry is one element of the workers list.
type WorkerEntry struct {
	NodeID        string          `yaml:"node_id"`
	Transport     string          `yaml:"transport"`
	Address       string          `yaml:"address"`
	FuzzContainer string          `yaml:"fuzz_container"`
	Software      map[string]bool `yaml:"software"`
	Corpus        string          `yaml:"corpus"`
	CorpusDir     string          `yaml:"corpus_dir"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return &cfg, nil
}

// coordinatorConfig maps the file layout onto coordinator.Config.
func (c *Config) coordinatorConfig() coordinator.Config {
	out := coordinator.Config{
		CallTimeout:         c.Coordinator.CallTimeout,
		PollInterval:        c.Scheduler.PollInterval,
		MaxAttempts:         c.Scheduler.MaxAttempts,
		SyncInterval:        c.Janitor.SyncInterval,
		StagnationThreshold: c.Breaker.Threshold,
		BreakthroughTool:    c.Breaker.Tool,
		BreakthroughTag:     c.Breaker.Capability,
		CheckpointDir:       c.Checkpoint.Dir,
	}
	for _, w := range c.Workers {
		out.Workers = append(out.Workers, coordinator.WorkerConfig{
			NodeID:        w.NodeID,
			Transport:     w.Transport,
			Address:       w.Address,
			FuzzContainer: w.FuzzContainer,
			Software:      w.Software,
			Corpus:        w.Corpus,
			CorpusDir:     w.CorpusDir,
		})
	}
	return out
}

// newLogger builds the process logger from the log section.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}
