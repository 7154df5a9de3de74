// Package config loads and validates the relay configuration file and
// writes credential changes back to it.
package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for relay.
type Config struct {
	Version       int                 `yaml:"version"`
	Discord       DiscordConfig       `yaml:"discord"`
	Provider      ProviderConfig      `yaml:"provider"`
	Completion    CompletionConfig    `yaml:"completion"`
	Delivery      DeliveryConfig      `yaml:"delivery"`
	Attachments   AttachmentsConfig   `yaml:"attachments"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// DiscordConfig configures the bot connection.
type DiscordConfig struct {
	Token    string `yaml:"token"`
	ClientID string `yaml:"client_id"`

	// TypingInterval is how often the typing indicator is refreshed.
	TypingInterval time.Duration `yaml:"typing_interval"`

	// MaxConcurrent caps exchanges running at once. Zero means no cap.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// ProviderConfig configures the LLM provider and its credential pool.
type ProviderConfig struct {
	// Name is "openai" or "anthropic".
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`

	Keys []string `yaml:"keys"`
	// KeysFile, when set, holds one key per line and replaces Keys.
	// Relative paths are resolved against the config file.
	KeysFile string `yaml:"keys_file"`

	Model            string   `yaml:"model"`
	Temperature      *float64 `yaml:"temperature"`
	TopP             *float64 `yaml:"top_p"`
	FrequencyPenalty *float64 `yaml:"frequency_penalty"`
	PresencePenalty  *float64 `yaml:"presence_penalty"`
	MaxTokens        int      `yaml:"max_tokens"`
	Stream           bool     `yaml:"stream"`

	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
}

// CompletionConfig shapes what is sent to the provider.
type CompletionConfig struct {
	SystemMessage   string  `yaml:"system_message"`
	ShapeRatio      float64 `yaml:"shape_ratio"`
	MinOutputTokens int     `yaml:"min_output_tokens"`

	// HistoryBudget bounds the reply-chain walk. Zero derives it from
	// shape_ratio and max_tokens.
	HistoryBudget int `yaml:"history_budget"`

	// LengthUnit is "chars" or "tokens".
	LengthUnit string `yaml:"length_unit"`
	Encoding   string `yaml:"encoding"`

	// FailureMessage is the only thing users see when a request fails.
	FailureMessage string `yaml:"failure_message"`
}

// DeliveryConfig controls how replies are written to the channel.
type DeliveryConfig struct {
	MaxInlineLength int           `yaml:"max_inline_length"`
	AttachmentName  string        `yaml:"attachment_name"`
	MinEditInterval time.Duration `yaml:"min_edit_interval"`
}

// AttachmentsConfig controls attachment inlining.
type AttachmentsConfig struct {
	Enabled   bool  `yaml:"enabled"`
	MaxSize   int64 `yaml:"max_size"`
	CacheSize int   `yaml:"cache_size"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// File enables rotating file output in addition to stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	// MetricsAddr serves /metrics when set.
	MetricsAddr string        `yaml:"metrics_addr"`
	Tracing     TracingConfig `yaml:"tracing"`
}

// TracingConfig configures the OTLP exporter.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	ServiceName string  `yaml:"service_name"`
}

func float(v float64) *float64 { return &v }

// Default returns the configuration used for settings a file leaves out.
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		Discord: DiscordConfig{
			TypingInterval: 10 * time.Second,
		},
		Provider: ProviderConfig{
			Name:             "openai",
			Model:            "gpt-4o-mini",
			Temperature:      float(0.6),
			FrequencyPenalty: float(0.6),
			MaxTokens:        4096,
			Stream:           true,
			AttemptTimeout:   60 * time.Second,
			MaxAttempts:      5,
		},
		Completion: CompletionConfig{
			SystemMessage:   "You are a helpful assistant.",
			ShapeRatio:      0.75,
			MinOutputTokens: 256,
			LengthUnit:      "chars",
			Encoding:        "cl100k_base",
			FailureMessage:  "Something went wrong on my side. Please try again in a bit.",
		},
		Delivery: DeliveryConfig{
			MaxInlineLength: 2000,
			AttachmentName:  "message.txt",
			MinEditInterval: time.Second,
		},
		Attachments: AttachmentsConfig{
			Enabled:   true,
			MaxSize:   100 * 1024,
			CacheSize: 256,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				SampleRatio: 1,
				ServiceName: "relay",
			},
		},
	}
}

// Load reads path, expands environment variables, merges the result over
// Default and validates it. Keys from provider.keys_file are loaded too.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read is Load without validation, for tools that edit a partial config.
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if cfg.Provider.KeysFile != "" {
		cfg.Provider.KeysFile = resolvePath(path, cfg.Provider.KeysFile)
		keys, err := ReadKeysFile(cfg.Provider.KeysFile)
		if err != nil {
			return nil, err
		}
		cfg.Provider.Keys = keys
	}
	return cfg, nil
}

// Parse decodes YAML over Default without validating. Unknown fields are
// rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	expanded := os.ExpandEnv(string(data))

	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Provider.Keys = compactKeys(cfg.Provider.Keys)
	return cfg, nil
}

// Validate rejects unusable settings and derives dependent defaults.
func (c *Config) Validate() error {
	var errs []error

	if err := ValidateVersion(c.Version); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.Discord.Token) == "" {
		errs = append(errs, errors.New("discord.token is required"))
	}
	if c.Discord.TypingInterval <= 0 {
		errs = append(errs, errors.New("discord.typing_interval must be positive"))
	}
	if c.Discord.MaxConcurrent < 0 {
		errs = append(errs, errors.New("discord.max_concurrent must not be negative"))
	}

	switch c.Provider.Name {
	case "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("provider.name %q must be openai or anthropic", c.Provider.Name))
	}
	if c.Provider.Model == "" {
		errs = append(errs, errors.New("provider.model is required"))
	}
	if c.Provider.MaxTokens <= 0 {
		errs = append(errs, errors.New("provider.max_tokens must be positive"))
	}
	if c.Provider.MaxAttempts <= 0 {
		errs = append(errs, errors.New("provider.max_attempts must be positive"))
	}
	if c.Provider.AttemptTimeout < 0 {
		errs = append(errs, errors.New("provider.attempt_timeout must not be negative"))
	}

	if c.Completion.ShapeRatio <= 0 || c.Completion.ShapeRatio > 1 {
		errs = append(errs, fmt.Errorf("completion.shape_ratio %v must be in (0, 1]", c.Completion.ShapeRatio))
	}
	if c.Completion.MinOutputTokens < 0 {
		errs = append(errs, errors.New("completion.min_output_tokens must not be negative"))
	}
	if c.Completion.HistoryBudget < 0 {
		errs = append(errs, errors.New("completion.history_budget must not be negative"))
	}
	if c.Completion.HistoryBudget == 0 {
		c.Completion.HistoryBudget = int(c.Completion.ShapeRatio * float64(c.Provider.MaxTokens))
	}
	switch c.Completion.LengthUnit {
	case "chars", "tokens":
	default:
		errs = append(errs, fmt.Errorf("completion.length_unit %q must be chars or tokens", c.Completion.LengthUnit))
	}
	if strings.TrimSpace(c.Completion.FailureMessage) == "" {
		errs = append(errs, errors.New("completion.failure_message is required"))
	}

	if c.Delivery.MaxInlineLength <= 0 {
		errs = append(errs, errors.New("delivery.max_inline_length must be positive"))
	}
	if c.Delivery.AttachmentName == "" {
		errs = append(errs, errors.New("delivery.attachment_name is required"))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is invalid", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be json or text", c.Logging.Format))
	}

	if r := c.Observability.Tracing.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("observability.tracing.sample_ratio %v must be in [0, 1]", r))
	}

	return errors.Join(errs...)
}

// ReadKeysFile reads one key per line, skipping blanks and # comments.
func ReadKeysFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keys file: %w", err)
	}
	var keys []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, line)
	}
	return keys, scanner.Err()
}

func compactKeys(keys []string) []string {
	out := keys[:0]
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

func resolvePath(configPath, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(configPath), p)
}
