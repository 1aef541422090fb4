package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	LLM      LLMConfig      `toml:"llm"`
	Agent    AgentConfig    `toml:"agent"`
	Limits   LimitsConfig   `toml:"limits"`
	Journal  JournalConfig  `toml:"journal"`
	Observer ObserverConfig `toml:"observer"`
	Log      LogConfig      `toml:"log"`
}

type LLMConfig struct {
	Provider    string   `toml:"provider"`
	Model       string   `toml:"model"`
	APIKey      string   `toml:"api_key"`
	BaseURL     string   `toml:"base_url"`
	Temperature *float64 `toml:"temperature"`
	TopP        *float64 `toml:"top_p"`
	MaxTokens   int      `toml:"max_tokens"`
	Stop        []string `toml:"stop"`
	Seed        *int     `toml:"seed"`
	Streaming   bool     `toml:"streaming"`
}

type AgentConfig struct {
	Name             string   `toml:"name"`
	SystemPrompt     string   `toml:"system_prompt"`
	MaxDepth         int      `toml:"max_depth"`
	SupersedeTimeout Duration `toml:"supersede_timeout"`
	FeedCapacity     int      `toml:"feed_capacity"`
	Workspace        string   `toml:"workspace"`
	WatchInterval    Duration `toml:"watch_interval"`
}

type LimitsConfig struct {
	RPM            int      `toml:"rpm"`
	TPM            int      `toml:"tpm"`
	RetryAttempts  int      `toml:"retry_attempts"`
	RetryBaseDelay Duration `toml:"retry_base_delay"`
	RetryTimeout   Duration `toml:"retry_timeout"`
}

type JournalConfig struct {
	// Path of the SQLite journal. Empty disables the journal.
	Path string `toml:"path"`
}

type ObserverConfig struct {
	Enabled     bool                       `toml:"enabled"`
	ServiceName string                     `toml:"service_name"`
	Pricing     map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

type LogConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text or json
}

// Duration is a time.Duration written as a Go duration string ("5s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		LLM: LLMConfig{Provider: "openai", Model: "gpt-4o-mini"},
		Agent: AgentConfig{
			Name:             "confluence",
			SystemPrompt:     "You are a helpful assistant. Use tools when they help, and keep answers short.",
			MaxDepth:         10,
			SupersedeTimeout: Duration{5 * time.Second},
			Workspace:        ".",
			WatchInterval:    Duration{time.Second},
		},
		Limits: LimitsConfig{
			RetryAttempts:  3,
			RetryBaseDelay: Duration{time.Second},
		},
		Journal:  JournalConfig{Path: "confluence.db"},
		Observer: ObserverConfig{ServiceName: "confluence"},
		Log:      LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads config: defaults -> TOML file -> .env -> env vars (env wins).
// A missing TOML or .env file is not an error; a malformed one is.
// An empty path means "confluence.toml".
func Load(path string, envFiles ...string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = "confluence.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: %s: %w", path, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("config: %w", err)
	}

	// .env only fills variables that are not already set.
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("config: %s: %w", f, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv applies CONFLUENCE_* overrides.
func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"CONFLUENCE_LLM_PROVIDER":  &cfg.LLM.Provider,
		"CONFLUENCE_LLM_MODEL":     &cfg.LLM.Model,
		"CONFLUENCE_LLM_API_KEY":   &cfg.LLM.APIKey,
		"CONFLUENCE_LLM_BASE_URL":  &cfg.LLM.BaseURL,
		"CONFLUENCE_SYSTEM_PROMPT": &cfg.Agent.SystemPrompt,
		"CONFLUENCE_WORKSPACE":     &cfg.Agent.Workspace,
		"CONFLUENCE_JOURNAL_PATH":  &cfg.Journal.Path,
		"CONFLUENCE_LOG_LEVEL":     &cfg.Log.Level,
		"CONFLUENCE_LOG_FORMAT":    &cfg.Log.Format,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"CONFLUENCE_MAX_DEPTH":      &cfg.Agent.MaxDepth,
		"CONFLUENCE_RPM":            &cfg.Limits.RPM,
		"CONFLUENCE_TPM":            &cfg.Limits.TPM,
		"CONFLUENCE_RETRY_ATTEMPTS": &cfg.Limits.RetryAttempts,
	}
	for key, dst := range ints {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = n
	}

	if v := os.Getenv("CONFLUENCE_LLM_STREAMING"); v != "" {
		cfg.LLM.Streaming = v == "true" || v == "1"
	}
	if v := os.Getenv("CONFLUENCE_OBSERVER_ENABLED"); v != "" {
		cfg.Observer.Enabled = v == "true" || v == "1"
	}
	return nil
}

// Logger builds the process logger writing to w.
func (c LogConfig) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
