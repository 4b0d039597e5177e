package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// stretchedLen is the sample count of n samples moved from srcRate to dstRate.
func stretchedLen(n, srcRate, dstRate int) int {
	return int(int64(n) * int64(dstRate) / int64(srcRate))
}

// stretch fills dst by linear interpolation over the n source samples
// returned by at. The last source sample is held past the end.
func stretch(dst []float64, n int, at func(int) float64) {
	if len(dst) == 0 || n == 0 {
		return
	}
	step := float64(n) / float64(len(dst))
	for i := range dst {
		pos := float64(i) * step
		k := int(pos)
		a := at(k)
		b := a
		if k+1 < n {
			b = at(k + 1)
		}
		w := pos - float64(k)
		dst[i] = a + (b-a)*w
	}
}

// Resample converts buf to dstRate, one channel at a time. buf itself is
// returned when no conversion is needed or a rate is not positive.
func Resample(buf *Buffer, dstRate int) *Buffer {
	if buf == nil || buf.SampleRate <= 0 || dstRate <= 0 || buf.SampleRate == dstRate {
		return buf
	}
	out := &Buffer{SampleRate: dstRate, Channels: make([][]float32, len(buf.Channels))}
	for c, src := range buf.Channels {
		tmp := make([]float64, stretchedLen(len(src), buf.SampleRate, dstRate))
		stretch(tmp, len(src), func(i int) float64 { return float64(src[i]) })
		ch := make([]float32, len(tmp))
		for i, v := range tmp {
			ch[i] = float32(v)
		}
		out.Channels[c] = ch
	}
	return out
}

// Downmix folds every channel of buf into one by averaging. Mono input is
// returned as is.
func Downmix(buf *Buffer) []float32 {
	if buf.NumChannels() < 2 {
		if buf.NumChannels() == 0 {
			return nil
		}
		return buf.Channels[0]
	}
	mono := make([]float32, buf.Frames())
	scale := 1 / float32(buf.NumChannels())
	for _, ch := range buf.Channels {
		for i, s := range ch {
			mono[i] += s * scale
		}
	}
	return mono
}

// ResampleMono16 converts little-endian 16-bit mono PCM between rates. pcm is
// returned untouched when the rates match, a rate is not positive or there
// is less than one sample.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	n := len(pcm) / 2
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || n == 0 {
		return pcm
	}
	tmp := make([]float64, stretchedLen(n, srcRate, dstRate))
	if len(tmp) == 0 {
		return nil
	}
	stretch(tmp, n, func(i int) float64 {
		return float64(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	})
	out := make([]byte, 2*len(tmp))
	for i, v := range tmp {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(math.Round(v))))
	}
	return out
}

func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}
