package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/MrWong99/parley/internal/stage"
	"github.com/MrWong99/parley/pkg/provider/live"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the live transports shipped with parley.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = []string{"gemini-live", "genai", "openai-realtime"}

// apiKeyEnv maps transport names to the environment variable consulted when
// provider.api_key is empty.
var apiKeyEnv = map[string]string{
	"gemini-live":     "GEMINI_API_KEY",
	"genai":           "GEMINI_API_KEY",
	"openai-realtime": "OPENAI_API_KEY",
}

// Load reads the YAML configuration file at path and returns a validated [Config]
// with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every empty field of cfg with its default and resolves
// the API key from the environment when none is configured.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Provider.Name == "" {
		cfg.Provider.Name = "gemini-live"
	}
	if cfg.Provider.APIKey == "" {
		if env, ok := apiKeyEnv[cfg.Provider.Name]; ok {
			cfg.Provider.APIKey = os.Getenv(env)
		}
	}
	if cfg.Provider.Model == "" && strings.HasPrefix(apiKeyEnv[cfg.Provider.Name], "GEMINI") {
		cfg.Provider.Model = DefaultGeminiModel
	}

	c := &cfg.Conversation
	if c.Language == "" {
		c.Language = DefaultLanguage
	}
	if c.Voice == "" {
		c.Voice = DefaultVoice
	}
	if len(c.Stages) == 0 {
		c.Stages = slices.Clone(stage.DefaultNames)
	}

	if cfg.Audio.Backend == "" {
		cfg.Audio.Backend = BackendPortAudio
	}
	if cfg.Audio.OutputFramesPerBuffer == 0 {
		cfg.Audio.OutputFramesPerBuffer = DefaultOutputFramesPerBuffer
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Provider
	if cfg.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	} else if !slices.Contains(ValidProviderNames, cfg.Provider.Name) {
		slog.Warn("unknown provider name; it must be registered before startup",
			"name", cfg.Provider.Name,
			"known", ValidProviderNames,
		)
	}
	if cfg.Provider.APIKey == "" {
		slog.Warn("no API key configured; the remote service will likely reject the connection",
			"provider", cfg.Provider.Name,
			"env", apiKeyEnv[cfg.Provider.Name],
		)
	}

	// Conversation
	c := cfg.Conversation
	if c.Language != "" && !live.ValidLanguage(c.Language) {
		errs = append(errs, fmt.Errorf("conversation.language %q is invalid; valid values: %s", c.Language, strings.Join(live.Languages, ", ")))
	}
	if len(c.Stages) > 0 {
		if err := stage.Validate(c.Stages); err != nil {
			errs = append(errs, fmt.Errorf("conversation.stages: %w", err))
		}
	}
	if c.AutoAdvanceAfter != nil && *c.AutoAdvanceAfter < 0 {
		errs = append(errs, fmt.Errorf("conversation.auto_advance_after %s must not be negative", *c.AutoAdvanceAfter))
	}

	// Audio
	if cfg.Audio.Backend != "" && !cfg.Audio.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("audio.backend %q is invalid; valid values: portaudio, none", cfg.Audio.Backend))
	}
	if cfg.Audio.OutputFramesPerBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.output_frames_per_buffer %d must not be negative", cfg.Audio.OutputFramesPerBuffer))
	}

	return errors.Join(errs...)
}
