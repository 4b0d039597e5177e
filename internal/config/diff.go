package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// DefaultsChanged is true when the default language or voice changed.
	// These apply to the next session opened; a live session keeps its own.
	DefaultsChanged bool
	NewLanguage     string
	NewVoice        string

	// RestartRequired lists changed fields that only take effect after the
	// client is restarted.
	RestartRequired []string
}

// Empty reports whether d carries no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.DefaultsChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oc, nc := old.Conversation, new.Conversation
	if oc.Language != nc.Language || oc.Voice != nc.Voice {
		d.DefaultsChanged = true
		d.NewLanguage = nc.Language
		d.NewVoice = nc.Voice
	}

	restart := func(field string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, field)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.tls", !reflect.DeepEqual(old.Server.TLS, new.Server.TLS))
	restart("provider", !reflect.DeepEqual(old.Provider, new.Provider))
	restart("conversation.instructions", oc.Instructions != nc.Instructions)
	restart("conversation.stages", !slices.Equal(oc.Stages, nc.Stages))
	restart("conversation.auto_advance_after", oc.AutoAdvance() != nc.AutoAdvance())
	restart("audio", old.Audio != new.Audio)

	return d
}
