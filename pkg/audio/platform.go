// Package audio defines the sample types, codecs and capture/playback
// contracts of the livebridge audio pipeline.
//
// The data flow is
//
//	Source → Accumulator → EncodeFrame → (wire) → PCM16ToFloat → Sink
//
// A [Source] delivers 16 kHz mono float batches. An [Accumulator] re-chunks
// them into [Frame] values of [FrameSize] samples, which [EncodeFrame] turns
// into PCM16LE [Chunk] values for transmission. Audio returned by the remote
// service is handed to a [Sink] as raw PCM16LE bytes at [OutputSampleRate].
//
// Platform-specific adapters live in sub-packages: audio/media taps an
// already available media stream, audio/mic captures the default input
// device, and audio/playback schedules decoded buffers on the speaker.
package audio

import "errors"

var (
	// ErrPermissionDenied is returned by [Source.Start] when the platform
	// refuses access to the capture device.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrNoAudioSource is returned by [Source.Start] when the media to tap is
	// absent or exposes no audio track.
	ErrNoAudioSource = errors.New("audio: no audio source")

	// ErrCaptureFailed wraps every other acquisition failure.
	ErrCaptureFailed = errors.New("audio: capture failed")
)

// Source produces a continuous stream of sample batches.
//
// Implementations must be safe for concurrent use of Start and Stop.
type Source interface {
	// Start acquires the capture device and begins calling deliver with
	// consecutive batches of 16 kHz mono samples in [-1, 1]. deliver is always
	// called from a single goroutine and must not block.
	//
	// Start returns [ErrPermissionDenied], [ErrNoAudioSource] or an error
	// wrapping [ErrCaptureFailed] when acquisition fails; no device is held in
	// that case.
	Start(deliver func(samples []float32)) error

	// Stop releases the capture device. When Stop returns, deliver is no
	// longer called. Stop is a no-op on a source that was never started,
	// failed to start, or is already stopped.
	Stop() error
}

// Finite is implemented by sources that run out, such as a media file.
type Finite interface {
	// Ended is closed once the source has delivered its last batch. It is
	// not closed by Stop.
	Ended() <-chan struct{}
}

// Sink plays raw PCM16LE mono audio at [OutputSampleRate].
type Sink interface {
	// Play schedules pcm for immediate playback.
	Play(pcm []byte) error

	// Close silences anything still playing and releases the sink.
	// It is safe to call Close more than once.
	Close() error
}
