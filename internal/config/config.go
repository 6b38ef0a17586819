// Package config loads the daemon configuration from a YAML file with
// environment overrides. Precedence: env > file > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the root configuration for the deja daemon.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Transport TransportConfig `koanf:"transport"`
	Model     ModelConfig     `koanf:"model"`
	Storage   StorageConfig   `koanf:"storage"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Bot       BotConfig       `koanf:"bot"`
	Log       LogConfig       `koanf:"log"`
}

// ServerConfig controls the local HTTP API.
type ServerConfig struct {
	Bind  string `koanf:"bind"`
	Port  int    `koanf:"port"`
	Token string `koanf:"token"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Bind, s.Port)
}

// TransportConfig points at the chat bridge used to deliver replies.
type TransportConfig struct {
	BaseURL     string        `koanf:"base_url"`
	Token       string        `koanf:"token"`
	SendTimeout time.Duration `koanf:"send_timeout"`
}

// ModelConfig names the Ollama endpoint and the models used by the pipeline.
type ModelConfig struct {
	BaseURL     string `koanf:"base_url"`
	ChatModel   string `koanf:"chat_model"`
	VisionModel string `koanf:"vision_model"`
	EmbedModel  string `koanf:"embed_model"`
}

// StorageConfig locates the SQLite database, the vector index and the
// attachment tree shared with the bridge.
type StorageConfig struct {
	DataDir         string `koanf:"data_dir"`
	AttachmentsRoot string `koanf:"attachments_root"`
}

// DBPath returns the SQLite database path under the data directory.
func (s StorageConfig) DBPath() string {
	return filepath.Join(s.DataDir, "deja.db")
}

// VectorPath returns the on-disk vector index path under the data directory.
func (s StorageConfig) VectorPath() string {
	return filepath.Join(s.DataDir, "vectors")
}

// PipelineConfig tunes the background workers and the decision gate.
type PipelineConfig struct {
	Workers            int           `koanf:"workers"`
	PollInterval       time.Duration `koanf:"poll_interval"`
	TopK               int           `koanf:"top_k"`
	MaxAttempts        int           `koanf:"max_attempts"`
	QuoteThreshold     float64       `koanf:"quote_threshold"`
	Stage1Images       int           `koanf:"stage1_images"`
	CaseImages         int           `koanf:"case_images"`
	MaxImageBytes      int64         `koanf:"max_image_bytes"`
	MaxTotalImageBytes int64         `koanf:"max_total_image_bytes"`
}

// BotConfig describes how the bot recognizes itself in group chats.
type BotConfig struct {
	Name     string   `koanf:"name"`
	Aliases  []string `koanf:"aliases"`
	HashSalt string   `koanf:"hash_salt"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level string `koanf:"level"`
}

// Default returns the built-in configuration. File and environment
// values are layered on top of it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 8632,
		},
		Transport: TransportConfig{
			SendTimeout: 30 * time.Second,
		},
		Model: ModelConfig{
			BaseURL:     "http://localhost:11434",
			ChatModel:   "qwen3:8b",
			VisionModel: "qwen2.5vl:7b",
			EmbedModel:  "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Pipeline: PipelineConfig{
			Workers:            4,
			PollInterval:       500 * time.Millisecond,
			TopK:               8,
			MaxAttempts:        5,
			QuoteThreshold:     0.35,
			Stage1Images:       2,
			CaseImages:         2,
			MaxImageBytes:      1 << 20,
			MaxTotalImageBytes: 4 << 20,
		},
		Bot: BotConfig{
			Name: "deja",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks the invariants the daemon depends on. It is called
// after all layers are merged.
func (c Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Model.BaseURL == "" {
		return fmt.Errorf("model.base_url is required")
	}
	if c.Model.ChatModel == "" || c.Model.EmbedModel == "" {
		return fmt.Errorf("model.chat_model and model.embed_model are required")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be at least 1, got %d", c.Pipeline.Workers)
	}
	if c.Pipeline.TopK < 1 {
		return fmt.Errorf("pipeline.top_k must be at least 1, got %d", c.Pipeline.TopK)
	}
	if c.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("pipeline.max_attempts must be at least 1, got %d", c.Pipeline.MaxAttempts)
	}
	if c.Pipeline.QuoteThreshold < 0 || c.Pipeline.QuoteThreshold > 1 {
		return fmt.Errorf("pipeline.quote_threshold must be within [0,1], got %g", c.Pipeline.QuoteThreshold)
	}
	if c.Pipeline.MaxImageBytes < 1 || c.Pipeline.MaxTotalImageBytes < c.Pipeline.MaxImageBytes {
		return fmt.Errorf("image byte budgets are inconsistent")
	}
	if c.Bot.Name == "" {
		return fmt.Errorf("bot.name is required")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	return nil
}

// Normalize fills derived values that depend on other fields.
func (c *Config) Normalize() {
	if c.Storage.AttachmentsRoot == "" {
		c.Storage.AttachmentsRoot = filepath.Join(c.Storage.DataDir, "attachments")
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "deja")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "deja-data"
	}
	return filepath.Join(home, ".local", "share", "deja")
}

// DefaultPath returns the config file location used when --config is not set.
func DefaultPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "deja", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "deja", "config.yaml")
}
