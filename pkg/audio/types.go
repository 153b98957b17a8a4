package audio

import "time"

const (
	// FrameSize is the number of samples in every outbound [Frame].
	FrameSize = 4096

	// InputSampleRate is the rate, in Hz, of the mono samples delivered by a
	// [Source] and transmitted to the remote service.
	InputSampleRate = 16000

	// OutputSampleRate is the rate, in Hz, of the PCM audio returned by the
	// remote service. It is independent of [InputSampleRate].
	OutputSampleRate = 24000

	// PCMMIMEType tags every [Chunk] sent on the wire.
	PCMMIMEType = "audio/pcm"
)

// Frame is a fixed-length batch of floating-point samples in [-1, 1],
// produced by an [Accumulator]. A frame is never modified after it has been
// emitted.
type Frame []float32

// Duration returns the playback length of f at [InputSampleRate].
func (f Frame) Duration() time.Duration {
	return time.Duration(len(f)) * time.Second / InputSampleRate
}

// Chunk is an encoded frame ready for transmission: 16-bit signed
// little-endian PCM paired with its MIME type. Chunks are built per frame,
// sent once and discarded.
type Chunk struct {
	// Data holds the raw PCM16LE bytes.
	Data []byte

	// MIMEType is always [PCMMIMEType] for chunks built by [EncodeFrame].
	MIMEType string
}

// Text returns the text-safe transport encoding of the chunk data.
func (c Chunk) Text() string {
	return ToTextSafe(c.Data)
}

// EncodeFrame converts f to a PCM16LE [Chunk].
func EncodeFrame(f Frame) Chunk {
	return Chunk{
		Data:     FloatToPCM16(f),
		MIMEType: PCMMIMEType,
	}
}
