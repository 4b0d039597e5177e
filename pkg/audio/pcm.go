package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrMalformedFragment is returned by [DecodeFragment] when an inbound
// fragment cannot be interpreted as int16 PCM in the requested layout.
var ErrMalformedFragment = errors.New("audio: malformed fragment")

// PCMMIMEType returns the MIME type announcing raw int16 PCM at rate Hz.
func PCMMIMEType(rate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(rate)
}

// ParseRate extracts the "rate" parameter from a PCM MIME type such as
// "audio/pcm;rate=24000". ok is false when no valid rate is present.
func ParseRate(mime string) (rate int, ok bool) {
	_, params, found := strings.Cut(mime, ";")
	if !found {
		return 0, false
	}
	for _, p := range strings.Split(params, ";") {
		k, v, found := strings.Cut(strings.TrimSpace(p), "=")
		if !found || !strings.EqualFold(strings.TrimSpace(k), "rate") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n <= 0 {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// EncodeChunk converts one chunk of mono float samples captured at
// [InputSampleRate] into a wire-ready [Blob]. Samples outside [-1, 1] are
// clamped rather than wrapped.
func EncodeChunk(samples []float32) Blob {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(floatToInt16(s)))
	}
	return Blob{MIMEType: PCMMIMEType(InputSampleRate), Data: data}
}

// DecodeFragment converts an inbound int16 little-endian PCM fragment into a
// playable [Buffer] in the target format. Interleaved multi-channel data is
// split per channel. If the fragment's MIME type announces a rate different
// from target.SampleRate, the samples are resampled to the target rate.
//
// A fragment that is empty, has an odd byte count, or does not divide evenly
// into target.Channels yields [ErrMalformedFragment].
func DecodeFragment(frag Blob, target Format) (*Buffer, error) {
	if target.SampleRate <= 0 || target.Channels <= 0 {
		return nil, fmt.Errorf("audio: invalid target format %s", target)
	}
	if len(frag.Data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedFragment)
	}
	if len(frag.Data)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte count %d", ErrMalformedFragment, len(frag.Data))
	}
	samples := len(frag.Data) / 2
	if samples%target.Channels != 0 {
		return nil, fmt.Errorf("%w: %d samples do not divide into %d channels", ErrMalformedFragment, samples, target.Channels)
	}

	frames := samples / target.Channels
	buf := &Buffer{
		SampleRate: target.SampleRate,
		Channels:   make([][]float32, target.Channels),
	}
	for ch := range buf.Channels {
		buf.Channels[ch] = make([]float32, frames)
	}
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(frag.Data[i*2:]))
		buf.Channels[i%target.Channels][i/target.Channels] = float32(v) / 32768.0
	}

	if rate, ok := ParseRate(frag.MIMEType); ok && rate != target.SampleRate {
		buf.SampleRate = rate
		buf = Resample(buf, target.SampleRate)
	}
	return buf, nil
}

// floatToInt16 scales a [-1, 1] sample to the int16 range with clamping.
func floatToInt16(s float32) int16 {
	v := math.Round(float64(s) * 32768.0)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
