// Package config provides the configuration schema, loader, hot-reload watcher
// and transport registry for the parley voice client.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to the matching [slog.Level]. Unknown levels map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// AudioBackend selects the local audio device implementation.
type AudioBackend string

const (
	// BackendPortAudio uses the default PortAudio microphone and speaker.
	BackendPortAudio AudioBackend = "portaudio"

	// BackendNone plays into a silent wall-clock timeline and has no
	// microphone. Useful for headless deployments and CI.
	BackendNone AudioBackend = "none"
)

// IsValid reports whether b is a recognised backend.
func (b AudioBackend) IsValid() bool {
	return b == BackendPortAudio || b == BackendNone
}

// Defaults applied by [ApplyDefaults] when the corresponding field is empty.
const (
	DefaultListenAddr            = ":8080"
	DefaultLanguage              = "en-US"
	DefaultVoice                 = "Orus"
	DefaultGeminiModel           = "gemini-2.5-flash-preview-native-audio-dialog"
	DefaultAutoAdvanceAfter      = 60 * time.Second
	DefaultOutputFramesPerBuffer = 512
)

// Config is the root configuration structure.
type Config struct {
	// Server holds HTTP listener and logging settings.
	Server ServerConfig `yaml:"server"`

	// Provider selects the live transport and its credentials.
	Provider ProviderEntry `yaml:"provider"`

	// Conversation holds the session defaults and the stage checklist.
	Conversation ConversationConfig `yaml:"conversation"`

	// Audio selects the local device backend.
	Audio AudioConfig `yaml:"audio"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address for the control API (e.g., ":8080").
	// Set to "-" to disable the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls log verbosity. Defaults to "info" when empty.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// HTTPEnabled reports whether the control API should be served.
func (s ServerConfig) HTTPEnabled() bool {
	return s.ListenAddr != "" && s.ListenAddr != "-"
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProviderEntry names the live transport and carries its settings.
type ProviderEntry struct {
	// Name is the registered transport name (e.g., "gemini-live").
	Name string `yaml:"name"`

	// APIKey authenticates against the remote service. When empty it is
	// read from the environment (see [ApplyDefaults]).
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the service endpoint.
	BaseURL string `yaml:"base_url"`

	// Model is the realtime model identifier.
	Model string `yaml:"model"`

	// Options holds transport-specific settings such as "transcription".
	Options map[string]any `yaml:"options"`
}

// BoolOption returns the boolean option key, or def when absent or not a bool.
func (e ProviderEntry) BoolOption(key string, def bool) bool {
	if v, ok := e.Options[key].(bool); ok {
		return v
	}
	return def
}

// StringOption returns the string option key, or "" when absent.
func (e ProviderEntry) StringOption(key string) string {
	v, _ := e.Options[key].(string)
	return v
}

// ConversationConfig holds what a session is opened with.
type ConversationConfig struct {
	// Language is the default BCP-47 speech language.
	Language string `yaml:"language"`

	// Voice is the default prebuilt voice name.
	Voice string `yaml:"voice"`

	// Instructions is an optional system instruction sent on open.
	Instructions string `yaml:"instructions"`

	// Stages is the ordered checklist shown to the agent.
	Stages []string `yaml:"stages"`

	// AutoAdvanceAfter is how long capture must dwell on the first stage
	// before it advances on its own. Zero disables the automatic trigger;
	// nil means the default.
	AutoAdvanceAfter *time.Duration `yaml:"auto_advance_after"`

	// AutoOpen opens a session as soon as the client starts.
	AutoOpen bool `yaml:"auto_open"`
}

// AutoAdvance returns the effective dwell duration.
func (c ConversationConfig) AutoAdvance() time.Duration {
	if c.AutoAdvanceAfter == nil {
		return DefaultAutoAdvanceAfter
	}
	return *c.AutoAdvanceAfter
}

// AudioConfig selects and tunes the local device.
type AudioConfig struct {
	Backend AudioBackend `yaml:"backend"`

	// OutputFramesPerBuffer is the speaker callback size in frames.
	OutputFramesPerBuffer int `yaml:"output_frames_per_buffer"`
}
