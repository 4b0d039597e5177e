package app

import (
	"context"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/timeline"
)

// Headless is the "none" audio backend: playback renders into a silent
// timeline advanced by the wall clock and there is no microphone.
type Headless struct {
	*timeline.Timeline
	framesPerTick int
}

var (
	_ audio.Device = (*Headless)(nil)
	_ Driver       = (*Headless)(nil)
)

// NewHeadless returns a headless device ticking cfg.OutputFramesPerBuffer
// frames at a time.
func NewHeadless(cfg config.AudioConfig) *Headless {
	frames := cfg.OutputFramesPerBuffer
	if frames <= 0 {
		frames = config.DefaultOutputFramesPerBuffer
	}
	return &Headless{
		Timeline:      timeline.New(timeline.WithSampleRate(audio.OutputSampleRate)),
		framesPerTick: frames,
	}
}

// Open implements [audio.Input]. There is never an input device.
func (h *Headless) Open(audio.Format, int, func([]float32)) (audio.Stream, error) {
	return nil, audio.ErrNoInputDevice
}

// Run advances the playback clock until ctx is cancelled.
func (h *Headless) Run(ctx context.Context) error {
	return h.Timeline.Run(ctx, h.framesPerTick)
}
