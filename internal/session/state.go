package session

import (
	"fmt"
	"time"
)

// Status is the lifecycle status of the live session.
type Status int

const (
	// StatusIdle means no session has been opened yet.
	StatusIdle Status = iota
	// StatusConnecting means a channel is being established.
	StatusConnecting
	// StatusOpen means the channel is established and carrying traffic.
	StatusOpen
	// StatusClosed means the channel was closed locally or remotely.
	StatusClosed
	// StatusErrored means the channel reported an error. Only Reset recovers.
	StatusErrored
)

// String returns the lower-case name of s.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusClosed:
		return "closed"
	case StatusErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler so JSON state carries names.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	for v := StatusIdle; v <= StatusErrored; v++ {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("session: unknown status %q", b)
}

// Status messages published on state changes.
const (
	msgRequestingMic = "Requesting microphone access..."
	msgMicGranted    = "Microphone access granted. Starting capture..."
	msgRecording     = "Recording... Capturing PCM chunks."
	msgStopping      = "Stopping recording..."
	msgStopped       = "Recording stopped. Click Start to begin again."
	msgOpened        = "Opened"
	msgCleared       = "Session cleared."
	msgClosed        = "Session closed."
	msgConnecting    = "Connecting..."
)

// Profile is the login-time selection for a session. Language and voice are
// fixed for the lifetime of the session opened with it.
type Profile struct {
	UserName string `json:"user_name,omitempty"`
	Language string `json:"language,omitempty"`
	Voice    string `json:"voice,omitempty"`
}

// merge fills empty fields of p from defaults.
func (p Profile) merge(defaults Profile) Profile {
	if p.UserName == "" {
		p.UserName = defaults.UserName
	}
	if p.Language == "" {
		p.Language = defaults.Language
	}
	if p.Voice == "" {
		p.Voice = defaults.Voice
	}
	return p
}

// Transcript is the most recent transcription delivered by the channel.
type Transcript struct {
	// Role is "user" for input transcription and "agent" for output.
	Role string `json:"role"`
	Text string `json:"text"`
}

// State is an immutable snapshot of everything the UI observes.
type State struct {
	SessionID      string      `json:"session_id,omitempty"`
	Status         Status      `json:"status"`
	Profile        Profile     `json:"profile"`
	Recording      bool        `json:"recording"`
	StatusMessage  string      `json:"status_message"`
	ErrorMessage   string      `json:"error_message,omitempty"`
	StageIndex     int         `json:"stage_index"`
	StageNames     []string    `json:"stage_names"`
	LastTranscript *Transcript `json:"last_transcript,omitempty"`
	UserTranscript string      `json:"user_transcript,omitempty"` // latest user text, kept when the agent answers
	OpenedAt       time.Time   `json:"opened_at,omitzero"`
}

// Display returns the single line the UI shows: the error when one is set,
// otherwise the status message.
func (s State) Display() string {
	if s.ErrorMessage != "" {
		return "Error: " + s.ErrorMessage
	}
	return s.StatusMessage
}

// clone returns a copy of s that shares no slices with the original.
func (s State) clone() State {
	s.StageNames = append([]string(nil), s.StageNames...)
	if s.LastTranscript != nil {
		t := *s.LastTranscript
		s.LastTranscript = &t
	}
	return s
}
