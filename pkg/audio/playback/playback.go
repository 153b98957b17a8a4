// Package playback schedules audio received from a live session on the
// local speaker using beep.
//
// Every [Sink.Play] call decodes one PCM16LE payload into its own
// [beep.Buffer] and starts it immediately. Buffers are not stitched
// together: if scheduling latency varies, consecutive buffers may overlap or
// leave a short gap.
package playback

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/speaker"

	"github.com/MrWong99/livebridge/pkg/audio"
)

// ErrClosed is returned by [Sink.Play] after [Sink.Close].
var ErrClosed = errors.New("playback: sink closed")

// resampleQuality is the beep.Resample quality used when the speaker runs
// at a rate other than the payload rate.
const resampleQuality = 4

// Scheduler starts streamers on an output device. The speaker package is the
// production implementation; tests substitute a fake.
type Scheduler interface {
	// SampleRate is the rate the device mixes at.
	SampleRate() beep.SampleRate

	// Play starts s right away, mixed with whatever is already playing.
	Play(s beep.Streamer)

	// Lock and Unlock guard streamers that are being played.
	Lock()
	Unlock()
}

var (
	speakerOnce sync.Once
	speakerRate beep.SampleRate
	speakerErr  error
)

type speakerScheduler struct{}

func (speakerScheduler) SampleRate() beep.SampleRate { return speakerRate }
func (speakerScheduler) Play(s beep.Streamer)        { speaker.Play(s) }
func (speakerScheduler) Lock()                       { speaker.Lock() }
func (speakerScheduler) Unlock()                     { speaker.Unlock() }

// Speaker returns the process-wide speaker scheduler. The device is opened on
// the first call with rate and a buffer of the given length; later calls
// reuse it whatever their arguments.
func Speaker(rate int, buffer time.Duration) (Scheduler, error) {
	speakerOnce.Do(func() {
		sr := beep.SampleRate(rate)
		if err := speaker.Init(sr, sr.N(buffer)); err != nil {
			speakerErr = fmt.Errorf("playback: init speaker: %w", err)
			return
		}
		speakerRate = sr
	})
	if speakerErr != nil {
		return nil, speakerErr
	}
	return speakerScheduler{}, nil
}

// Option configures a [Sink].
type Option func(*Sink)

// WithSampleRate sets the rate of the PCM payloads. Default:
// [audio.OutputSampleRate].
func WithSampleRate(rate int) Option {
	return func(s *Sink) {
		if rate > 0 {
			s.rate = beep.SampleRate(rate)
		}
	}
}

// Sink implements [audio.Sink] on top of a [Scheduler].
type Sink struct {
	sched Scheduler
	rate  beep.SampleRate

	mu      sync.Mutex
	closed  bool
	playing map[*beep.Ctrl]struct{}
}

var _ audio.Sink = (*Sink)(nil)

// New returns a sink that plays on sched.
func New(sched Scheduler, opts ...Option) *Sink {
	s := &Sink{
		sched:   sched,
		rate:    beep.SampleRate(audio.OutputSampleRate),
		playing: make(map[*beep.Ctrl]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Play implements [audio.Sink].
func (s *Sink) Play(pcm []byte) error {
	samples := audio.PCM16ToFloat(pcm)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if len(samples) == 0 {
		s.mu.Unlock()
		return nil
	}

	buf := beep.NewBuffer(beep.Format{SampleRate: s.rate, NumChannels: 1, Precision: 2})
	buf.Append(monoStreamer(samples))

	var st beep.Streamer = buf.Streamer(0, buf.Len())
	if dev := s.sched.SampleRate(); dev != 0 && dev != s.rate {
		st = beep.Resample(resampleQuality, s.rate, dev, st)
	}

	ctrl := &beep.Ctrl{Streamer: st}
	s.playing[ctrl] = struct{}{}
	s.mu.Unlock()

	// The scheduler takes its own lock in Play, and finished callbacks run
	// under that lock before taking s.mu, so s.mu must not be held here. A
	// Close that lands first has already cleared ctrl, which then ends at
	// once.
	s.sched.Play(beep.Seq(ctrl, beep.Callback(func() { s.finished(ctrl) })))
	return nil
}

// Playing reports how many buffers are scheduled and not yet finished.
func (s *Sink) Playing() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.playing)
}

// Close implements [audio.Sink]. Buffers still playing are silenced.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ctrls := make([]*beep.Ctrl, 0, len(s.playing))
	for c := range s.playing {
		ctrls = append(ctrls, c)
	}
	clear(s.playing)
	s.mu.Unlock()

	// The scheduler lock is taken without s.mu held: finished callbacks run
	// under the scheduler lock and take s.mu.
	s.sched.Lock()
	for _, c := range ctrls {
		c.Streamer = nil
	}
	s.sched.Unlock()
	return nil
}

func (s *Sink) finished(c *beep.Ctrl) {
	s.mu.Lock()
	delete(s.playing, c)
	s.mu.Unlock()
}

// monoStreamer streams samples on both channels once.
func monoStreamer(samples []float32) beep.Streamer {
	pos := 0
	return beep.StreamerFunc(func(out [][2]float64) (int, bool) {
		if pos >= len(samples) {
			return 0, false
		}
		n := copy32(out, samples[pos:])
		pos += n
		return n, true
	})
}

func copy32(out [][2]float64, in []float32) int {
	n := min(len(out), len(in))
	for i := range n {
		v := float64(in[i])
		out[i] = [2]float64{v, v}
	}
	return n
}
