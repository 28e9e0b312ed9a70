package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Log        LogConfig
	Server     ServerConfig
	Storage    StorageConfig
	LLM        LLMConfig
	Retrieval  RetrievalConfig
	Scheduler  SchedulerConfig
	Worker     WorkerConfig
	Tracing    TracingConfig
	Notify     NotifyConfig
	Ollama     OllamaConfig
	OpenRouter OpenRouterConfig
	API        APIConfig
}

type LogConfig struct {
	Level string
}

type ServerConfig struct {
	Port int
	// Workspace is used by requests that do not name one.
	Workspace string
}

type StorageConfig struct {
	DataDir string
}

// LLMConfig holds the fallback model settings used when neither the agent
// nor the workspace configures one.
type LLMConfig struct {
	Provider   string
	Model      string
	Parameters string
}

type RetrievalConfig struct {
	LimitPerType  int
	MaxTotalChars int
}

type SchedulerConfig struct {
	Enabled      bool
	PollInterval time.Duration
}

type WorkerConfig struct {
	PollInterval time.Duration
}

type TracingConfig struct {
	Exporter string
}

type NotifyConfig struct {
	WebhookURL string
}

type OllamaConfig struct {
	BaseURL string
}

type OpenRouterConfig struct {
	APIKey string
}

type APIConfig struct {
	Token string
}

func defaults() Config {
	return Config{
		Log:     LogConfig{Level: "info"},
		Server:  ServerConfig{Port: 4100, Workspace: "default"},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		LLM: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1",
		},
		Retrieval: RetrievalConfig{LimitPerType: 8, MaxTotalChars: 12000},
		Scheduler: SchedulerConfig{Enabled: true, PollInterval: 30 * time.Second},
		Worker:    WorkerConfig{PollInterval: 2 * time.Second},
		Tracing:   TracingConfig{Exporter: "none"},
		Ollama:    OllamaConfig{BaseURL: "http://localhost:11434"},
	}
}

// Load reads configuration from the YAML config file, GROUNDED_* environment
// variables and the secrets file, in increasing order of precedence for
// non-secret keys. Secrets come from the environment first and the secrets
// file second.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), fileSecrets{path: secretsFilePath()})
}

// secretReader abstracts the secrets file for testing.
type secretReader interface {
	Get(name string) (string, error)
}

func loadWith(b ConfigBackend, sec secretReader) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg) != "" {
			continue
		}
		if v, err := sec.Get(s.key); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.LLM.Provider == "openrouter" && c.OpenRouter.APIKey == "" {
		return fmt.Errorf("missing required config: OpenRouter API key. " +
			"Set it via environment variable GROUNDED_OPENROUTER_API_KEY")
	}
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be positive, got %s", c.Scheduler.PollInterval)
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval must be positive, got %s", c.Worker.PollInterval)
	}
	switch c.Tracing.Exporter {
	case "", "none", "stdout":
	default:
		return fmt.Errorf("tracing.exporter must be none or stdout, got %q", c.Tracing.Exporter)
	}
	return nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "grounded-data"
		}
	}
	return filepath.Join(dir, "grounded")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "grounded", "config.yaml")
}
