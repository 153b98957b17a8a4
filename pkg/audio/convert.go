package audio

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// Format describes the sample rate and channel count of a sample stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "48000Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// FormatConverter converts interleaved float batches from a device format to
// the 16 kHz mono pipeline format. It logs a warning on the first format
// mismatch. Resampling is linear and carries interpolation state across
// calls, so splitting a stream into batches does not change the output.
//
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Source Format

	// Target defaults to InputSampleRate mono when left zero.
	Target Format

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once

	pos     float64
	last    float32
	started bool
}

// NewFormatConverter returns a converter from src to the pipeline format.
func NewFormatConverter(src Format) *FormatConverter {
	return &FormatConverter{
		Source: src,
		Target: Format{SampleRate: InputSampleRate, Channels: 1},
	}
}

// Convert downmixes then resamples one batch. If the source format already
// matches the target, samples is returned unchanged (zero allocation).
func (c *FormatConverter) Convert(samples []float32) []float32 {
	target := c.Target
	if target.SampleRate <= 0 {
		target.SampleRate = InputSampleRate
	}
	if target.Channels <= 0 {
		target.Channels = 1
	}
	channels := max(c.Source.Channels, 1)

	if len(samples)%channels != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio format converter: batch is not a whole number of frames, truncating",
				"samples", len(samples),
				"channels", channels,
			)
		})
		samples = samples[:len(samples)-len(samples)%channels]
	}

	if c.Source.SampleRate == target.SampleRate && channels == target.Channels {
		return samples
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(c.Source.SampleRate, channels),
			"to", formatString(target.SampleRate, target.Channels),
		)
	})

	mono := samples
	if channels > 1 {
		mono = DownmixInterleaved(samples, channels)
	}
	if c.Source.SampleRate <= 0 || c.Source.SampleRate == target.SampleRate {
		return mono
	}
	return c.resample(mono, c.Source.SampleRate, target.SampleRate)
}

// resample performs stateful linear interpolation. Positions are measured in
// input samples; index -1 refers to the last sample of the previous batch.
func (c *FormatConverter) resample(in []float32, srcRate, dstRate int) []float32 {
	n := len(in)
	if n == 0 {
		return nil
	}
	at := func(i int) float32 {
		if i < 0 {
			return c.last
		}
		return in[i]
	}

	step := float64(srcRate) / float64(dstRate)
	t := c.pos
	if !c.started {
		t = 0
		c.started = true
	}

	out := make([]float32, 0, int(float64(n)/step)+1)
	for {
		i := int(math.Floor(t))
		if i+1 >= n {
			break
		}
		frac := float32(t - float64(i))
		out = append(out, at(i)*(1-frac)+at(i+1)*frac)
		t += step
	}

	c.pos = t - float64(n)
	c.last = in[n-1]
	return out
}

// DownmixInterleaved averages interleaved multi-channel samples to mono.
func DownmixInterleaved(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += samples[i*channels+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// StereoToMono averages beep-style stereo sample pairs into dst, which is
// grown as needed and returned.
func StereoToMono(samples [][2]float64, dst []float32) []float32 {
	dst = dst[:0]
	for _, s := range samples {
		dst = append(dst, float32((s[0]+s[1])/2))
	}
	return dst
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
