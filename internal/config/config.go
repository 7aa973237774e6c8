// Package config loads the gateway configuration with flags > env > file > defaults precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config is built once at startup and handed to each component by value.
type Config struct {
	Server         ServerConfig    `yaml:"server"`
	Model          ModelConfig     `yaml:"model"`
	Inference      InferenceConfig `yaml:"inference"`
	Retrieval      RetrievalConfig `yaml:"retrieval"`
	Prompt         PromptConfig    `yaml:"prompt"`
	Log            LogConfig       `yaml:"log"`
	RequestTimeout time.Duration   `yaml:"request_timeout"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
	// MaxBodyBytes caps request bodies; 0 means no limit.
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// Addr returns host:port for http.Server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ModelConfig is the model identity advertised on /v1/models
type ModelConfig struct {
	ID      string `yaml:"id"`
	OwnedBy string `yaml:"owned_by"`
}

// InferenceConfig points at the OpenAI-compatible inference engine
type InferenceConfig struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	Model        string        `yaml:"model"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	Temperature  *float32      `yaml:"temperature,omitempty"`
	MaxTokens    *int          `yaml:"max_tokens,omitempty"`
}

// RetrievalConfig configures the vector index and the retriever
type RetrievalConfig struct {
	Enabled          bool    `yaml:"enabled"`
	IndexPath        string  `yaml:"index_path"`
	EmbeddingModel   string  `yaml:"embedding_model"`
	EmbeddingBaseURL string  `yaml:"embedding_base_url"`
	TopK             int     `yaml:"top_k"`
	MinScore         float64 `yaml:"min_score"`
}

// PromptConfig configures prompt assembly
type PromptConfig struct {
	SystemPreamble string `yaml:"system_preamble"`
	BudgetChars    int    `yaml:"budget_chars"`
}

// LogConfig configures the conversation log and the process logger
type LogConfig struct {
	Path  string `yaml:"path"`
	Level string `yaml:"level"`
}

const DefaultSystemPreamble = "You are a helpful local assistant. Answer using the retrieved context " +
	"when it is relevant, and say so when you do not know."

// Default returns a Config with every field set to a usable value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8000,
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimitBurst:  10,
			MaxBodyBytes:    8 << 20,
		},
		Model: ModelConfig{
			ID:      "localbrain",
			OwnedBy: "localbrain",
		},
		Inference: InferenceConfig{
			BaseURL:      "http://127.0.0.1:1234/v1",
			APIKey:       "lm-studio",
			Model:        "local-model",
			Timeout:      120 * time.Second,
			MaxAttempts:  2,
			RetryBackoff: 500 * time.Millisecond,
		},
		Retrieval: RetrievalConfig{
			Enabled:        true,
			IndexPath:      "data/index.db",
			EmbeddingModel: "text-embedding-nomic-embed-text-v1.5",
			TopK:           8,
		},
		Prompt: PromptConfig{
			SystemPreamble: DefaultSystemPreamble,
			BudgetChars:    24000,
		},
		Log: LogConfig{
			Path:  "data/conversations.jsonl",
			Level: "info",
		},
		RequestTimeout: 180 * time.Second,
	}
}

// LoadConfig loads configuration from a YAML file on top of the defaults
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadYAML(path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load merges defaults, the YAML file at path (optional), .env, LOCALBRAIN_*
// environment variables and any flags changed on fs (fs may be nil).
func Load(path string, fs *flag.FlagSet) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	}

	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if fs != nil {
		if err := cfg.applyFlags(fs); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"LOCALBRAIN_HOST":             &c.Server.Host,
		"LOCALBRAIN_MODEL_ID":         &c.Model.ID,
		"LOCALBRAIN_ENGINE_URL":       &c.Inference.BaseURL,
		"LOCALBRAIN_ENGINE_MODEL":     &c.Inference.Model,
		"LOCALBRAIN_INDEX_PATH":       &c.Retrieval.IndexPath,
		"LOCALBRAIN_EMBEDDING_MODEL":  &c.Retrieval.EmbeddingModel,
		"LOCALBRAIN_EMBEDDING_URL":    &c.Retrieval.EmbeddingBaseURL,
		"LOCALBRAIN_CONVERSATION_LOG": &c.Log.Path,
		"LOCALBRAIN_LOG_LEVEL":        &c.Log.Level,
		"LOCALBRAIN_SYSTEM_PREAMBLE":  &c.Prompt.SystemPreamble,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("LOCALBRAIN_ENGINE_API_KEY"); v != "" {
		c.Inference.APIKey = v
	} else if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Inference.APIKey = v
	}

	if v := os.Getenv("LOCALBRAIN_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LOCALBRAIN_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("LOCALBRAIN_TOP_K"); v != "" {
		k, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LOCALBRAIN_TOP_K: %w", err)
		}
		c.Retrieval.TopK = k
	}
	if v := os.Getenv("LOCALBRAIN_RAG_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LOCALBRAIN_RAG_ENABLED: %w", err)
		}
		c.Retrieval.Enabled = enabled
	}
	if v := os.Getenv("LOCALBRAIN_REQUEST_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("LOCALBRAIN_REQUEST_TIMEOUT: %w", err)
		}
		c.RequestTimeout = d
	}
	return nil
}

// RegisterFlags adds the overridable settings to fs. Only flags the user sets
// take effect in Load.
func RegisterFlags(fs *flag.FlagSet) {
	fs.String("host", "", "Listen host")
	fs.Int("port", 0, "Listen port")
	fs.String("engine-url", "", "Inference engine base URL (OpenAI-compatible, including /v1)")
	fs.String("engine-model", "", "Model name sent to the inference engine")
	fs.String("model-id", "", "Model id advertised on /v1/models")
	fs.String("index-path", "", "Vector index database path")
	fs.String("conversation-log", "", "Conversation log path (JSON Lines)")
	fs.String("log-level", "", "Log level (debug, info, warn, error)")
	fs.Int("top-k", 0, "Number of passages to retrieve")
	fs.Bool("no-rag", false, "Disable retrieval")
	fs.Duration("request-timeout", 0, "Per-request deadline")
}

func (c *Config) applyFlags(fs *flag.FlagSet) error {
	strs := map[string]*string{
		"host":             &c.Server.Host,
		"engine-url":       &c.Inference.BaseURL,
		"engine-model":     &c.Inference.Model,
		"model-id":         &c.Model.ID,
		"index-path":       &c.Retrieval.IndexPath,
		"conversation-log": &c.Log.Path,
		"log-level":        &c.Log.Level,
	}
	for name, dst := range strs {
		if !changed(fs, name) {
			continue
		}
		v, err := fs.GetString(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	if changed(fs, "port") {
		v, err := fs.GetInt("port")
		if err != nil {
			return err
		}
		c.Server.Port = v
	}
	if changed(fs, "top-k") {
		v, err := fs.GetInt("top-k")
		if err != nil {
			return err
		}
		c.Retrieval.TopK = v
	}
	if changed(fs, "no-rag") {
		v, err := fs.GetBool("no-rag")
		if err != nil {
			return err
		}
		c.Retrieval.Enabled = !v
	}
	if changed(fs, "request-timeout") {
		v, err := fs.GetDuration("request-timeout")
		if err != nil {
			return err
		}
		c.RequestTimeout = v
	}
	return nil
}

func changed(fs *flag.FlagSet, name string) bool {
	f := fs.Lookup(name)
	return f != nil && f.Changed
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxBodyBytes < 0 {
		errs = append(errs, errors.New("server.max_body_bytes must not be negative"))
	}
	if strings.TrimSpace(c.Model.ID) == "" {
		errs = append(errs, errors.New("model.id is required"))
	}
	if strings.TrimSpace(c.Inference.BaseURL) == "" {
		errs = append(errs, errors.New("inference.base_url is required"))
	}
	if c.Inference.MaxAttempts < 1 {
		errs = append(errs, errors.New("inference.max_attempts must be at least 1"))
	}
	if c.Inference.Timeout <= 0 {
		errs = append(errs, errors.New("inference.timeout must be positive"))
	}
	if c.Retrieval.TopK < 0 {
		errs = append(errs, errors.New("retrieval.top_k must not be negative"))
	}
	if c.Retrieval.Enabled && c.Retrieval.IndexPath == "" {
		errs = append(errs, errors.New("retrieval.index_path is required when retrieval is enabled"))
	}
	if c.Prompt.BudgetChars <= 0 {
		errs = append(errs, errors.New("prompt.budget_chars must be positive"))
	}
	if c.Log.Path == "" {
		errs = append(errs, errors.New("log.path is required"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request_timeout must be positive"))
	}
	return errors.Join(errs...)
}
