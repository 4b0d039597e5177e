package config_test

import (
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/mock"
	"github.com/MrWong99/parley/pkg/provider/live"
	livemock "github.com/MrWong99/parley/pkg/provider/live/mock"
)

const validYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
provider:
  name: openai-realtime
  api_key: sk-test
  model: gpt-realtime
  options:
    transcription: true
conversation:
  language: hi-IN
  voice: Puck
  instructions: Be brief.
  stages: [Hello, Goodbye]
  auto_advance_after: 30s
  auto_open: true
audio:
  backend: none
  output_frames_per_buffer: 256
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Provider.Name != "openai-realtime" || cfg.Provider.APIKey != "sk-test" || cfg.Provider.Model != "gpt-realtime" {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	if !cfg.Provider.BoolOption("transcription", false) {
		t.Error("options.transcription not decoded")
	}
	c := cfg.Conversation
	if c.Language != "hi-IN" || c.Voice != "Puck" || c.Instructions != "Be brief." || !c.AutoOpen {
		t.Errorf("conversation = %+v", c)
	}
	if len(c.Stages) != 2 || c.Stages[1] != "Goodbye" {
		t.Errorf("stages = %v", c.Stages)
	}
	if c.AutoAdvance() != 30*time.Second {
		t.Errorf("AutoAdvance = %v, want 30s", c.AutoAdvance())
	}
	if cfg.Audio.Backend != config.BackendNone || cfg.Audio.OutputFramesPerBuffer != 256 {
		t.Errorf("audio = %+v", cfg.Audio)
	}
}

func TestLoadFromReader_EmptyYieldsDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" || cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Provider.Name != "gemini-live" || cfg.Provider.Model != config.DefaultGeminiModel {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	c := cfg.Conversation
	if c.Language != "en-US" || c.Voice != "Orus" {
		t.Errorf("language/voice = %q/%q", c.Language, c.Voice)
	}
	want := []string{"Greeting", "Payment Process", "NBFCs", "RCA & KYC Docs"}
	if strings.Join(c.Stages, "|") != strings.Join(want, "|") {
		t.Errorf("stages = %v, want %v", c.Stages, want)
	}
	if c.AutoAdvance() != time.Minute {
		t.Errorf("AutoAdvance = %v, want 1m", c.AutoAdvance())
	}
	if cfg.Audio.Backend != config.BackendPortAudio || cfg.Audio.OutputFramesPerBuffer != 512 {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	if !cfg.Server.HTTPEnabled() {
		t.Error("HTTP disabled by default")
	}
}

func TestAutoAdvance_ZeroDisables(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("conversation:\n  auto_advance_after: 0s\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.Conversation.AutoAdvance(); got != 0 {
		t.Errorf("AutoAdvance = %v, want 0", got)
	}
}

func TestServerConfig_HTTPEnabled(t *testing.T) {
	t.Parallel()
	tests := []struct {
		addr string
		want bool
	}{
		{":8080", true},
		{"127.0.0.1:0", true},
		{"-", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := (config.ServerConfig{ListenAddr: tt.addr}).HTTPEnabled(); got != tt.want {
			t.Errorf("HTTPEnabled(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestProviderEntry_Options(t *testing.T) {
	t.Parallel()
	e := config.ProviderEntry{Options: map[string]any{
		"transcription":  false,
		"vertex_project": "proj",
		"bogus":          42,
	}}
	if e.BoolOption("transcription", true) {
		t.Error("explicit false ignored")
	}
	if !e.BoolOption("missing", true) {
		t.Error("default not returned for missing key")
	}
	if !e.BoolOption("bogus", true) {
		t.Error("default not returned for non-bool value")
	}
	if got := e.StringOption("vertex_project"); got != "proj" {
		t.Errorf("StringOption = %q", got)
	}
	if got := e.StringOption("bogus"); got != "" {
		t.Errorf("StringOption(non-string) = %q", got)
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("trace").IsValid() {
		t.Error("trace should be invalid")
	}
}

// ── Registry ──────────────────────────────────────────────────────────────────

func TestRegistry_UnknownLive(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	_, err := r.CreateLive(config.ProviderEntry{Name: "nonexistent"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistry_UnknownAudio(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	_, err := r.CreateAudio(config.AudioConfig{Backend: config.BackendNone})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistry_RegisteredLive(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	want := &livemock.Provider{}
	var got config.ProviderEntry
	r.RegisterLive("fake", func(e config.ProviderEntry) (live.Provider, error) {
		got = e
		return want, nil
	})

	p, err := r.CreateLive(config.ProviderEntry{Name: "fake", APIKey: "k"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != want {
		t.Error("factory result not returned")
	}
	if got.APIKey != "k" {
		t.Errorf("factory received %+v", got)
	}
	if names := r.LiveNames(); len(names) != 1 || names[0] != "fake" {
		t.Errorf("LiveNames = %v", names)
	}
}

func TestRegistry_RegisteredAudio(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	type device struct {
		*mock.Input
		*mock.Output
	}
	r.RegisterAudio(config.BackendNone, func(cfg config.AudioConfig) (audio.Device, error) {
		return device{&mock.Input{}, &mock.Output{}}, nil
	})
	d, err := r.CreateAudio(config.AudioConfig{Backend: config.BackendNone})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d == nil {
		t.Fatal("nil device")
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	boom := errors.New("no credentials")
	r.RegisterLive("fail", func(config.ProviderEntry) (live.Provider, error) {
		return nil, boom
	})
	if _, err := r.CreateLive(config.ProviderEntry{Name: "fail"}); !errors.Is(err, boom) {
		t.Errorf("expected factory error, got %v", err)
	}
}

func TestLogLevel_SlogLevel(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := in.SlogLevel(); got != want {
			t.Errorf("%q.SlogLevel() = %v, want %v", in, got, want)
		}
	}
}
