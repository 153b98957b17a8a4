package playback_test

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/gopxl/beep"

	"github.com/MrWong99/livebridge/pkg/audio/playback"
)

// fakeScheduler records every started streamer instead of opening a device.
// Like the beep speaker, one mutex guards both Play and the mixer pull.
type fakeScheduler struct {
	rate beep.SampleRate

	mu   sync.Mutex
	play []beep.Streamer
}

func (f *fakeScheduler) SampleRate() beep.SampleRate { return f.rate }
func (f *fakeScheduler) Lock()                       { f.mu.Lock() }
func (f *fakeScheduler) Unlock()                     { f.mu.Unlock() }

func (f *fakeScheduler) Play(s beep.Streamer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.play = append(f.play, s)
}

func (f *fakeScheduler) started() []beep.Streamer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]beep.Streamer(nil), f.play...)
}

// mix pulls one buffer from every started streamer under the scheduler lock
// and forgets the ones that finished, as the speaker mixer does.
func (f *fakeScheduler) mix(buf [][2]float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.play[:0]
	for _, s := range f.play {
		if _, ok := s.Stream(buf); ok {
			kept = append(kept, s)
		}
	}
	f.play = kept
}

// drain pulls s to completion the way the speaker mixer would, holding the
// scheduler lock for each pull.
func (f *fakeScheduler) drain(s beep.Streamer) [][2]float64 {
	var out [][2]float64
	buf := make([][2]float64, 64)
	for {
		f.Lock()
		n, ok := s.Stream(buf)
		f.Unlock()
		out = append(out, buf[:n]...)
		if !ok {
			return out
		}
	}
}

func pcm(values ...int16) []byte {
	b := make([]byte, 0, 2*len(values))
	for _, v := range values {
		b = append(b, byte(uint16(v)), byte(uint16(v)>>8))
	}
	return b
}

func TestSink_PlayDecodesAndSchedules(t *testing.T) {
	t.Parallel()
	sched := &fakeScheduler{rate: 24000}
	sink := playback.New(sched)

	if err := sink.Play(pcm(16384, -32768, 0)); err != nil {
		t.Fatalf("Play: %v", err)
	}
	started := sched.started()
	if len(started) != 1 {
		t.Fatalf("scheduled %d streamers, want 1", len(started))
	}
	if got := sink.Playing(); got != 1 {
		t.Errorf("Playing() = %d, want 1", got)
	}

	got := sched.drain(started[0])
	want := []float64{0.5, -1, 0}
	if len(got) != len(want) {
		t.Fatalf("drained %d samples, want %d", len(got), len(want))
	}
	for i, w := range want {
		for ch := range 2 {
			if math.Abs(got[i][ch]-w) > 1e-3 {
				t.Errorf("sample %d channel %d = %v, want %v", i, ch, got[i][ch], w)
			}
		}
	}
	if got := sink.Playing(); got != 0 {
		t.Errorf("Playing() after drain = %d, want 0", got)
	}
}

func TestSink_EachPlayIsIndependent(t *testing.T) {
	t.Parallel()
	sched := &fakeScheduler{rate: 24000}
	sink := playback.New(sched)

	for range 3 {
		if err := sink.Play(pcm(1, 2, 3, 4)); err != nil {
			t.Fatalf("Play: %v", err)
		}
	}
	if got := len(sched.started()); got != 3 {
		t.Errorf("scheduled %d streamers, want 3", got)
	}
}

func TestSink_EmptyPayloadIsNoop(t *testing.T) {
	t.Parallel()
	sched := &fakeScheduler{rate: 24000}
	sink := playback.New(sched)

	for _, p := range [][]byte{nil, {}, {0x7f}} {
		if err := sink.Play(p); err != nil {
			t.Errorf("Play(%v): %v", p, err)
		}
	}
	if got := len(sched.started()); got != 0 {
		t.Errorf("scheduled %d streamers, want 0", got)
	}
}

func TestSink_CloseSilencesAndRejects(t *testing.T) {
	t.Parallel()
	sched := &fakeScheduler{rate: 24000}
	sink := playback.New(sched)

	if err := sink.Play(pcm(make([]int16, 480)...)); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	if got := sched.drain(sched.started()[0]); len(got) != 0 {
		t.Errorf("silenced buffer produced %d samples", len(got))
	}
	if err := sink.Play(pcm(1)); !errors.Is(err, playback.ErrClosed) {
		t.Errorf("Play after Close = %v, want ErrClosed", err)
	}
	if got := sink.Playing(); got != 0 {
		t.Errorf("Playing() after Close = %d, want 0", got)
	}
}

func TestSink_ResamplesToDeviceRate(t *testing.T) {
	t.Parallel()
	sched := &fakeScheduler{rate: 48000}
	sink := playback.New(sched, playback.WithSampleRate(24000))

	samples := make([]int16, 2400)
	for i := range samples {
		samples[i] = int16(8000 * math.Sin(float64(i)/10))
	}
	if err := sink.Play(pcm(samples...)); err != nil {
		t.Fatalf("Play: %v", err)
	}

	got := len(sched.drain(sched.started()[0]))
	if got < 4700 || got > 4810 {
		t.Errorf("resampled length = %d, want about 4800", got)
	}
}

func TestSink_PlayWhileMixing(t *testing.T) {
	t.Parallel()
	sched := &fakeScheduler{rate: 24000}
	sink := playback.New(sched)

	stop := make(chan struct{})
	mixed := make(chan struct{})
	go func() {
		defer close(mixed)
		buf := make([][2]float64, 2)
		for {
			select {
			case <-stop:
				return
			default:
				sched.mix(buf)
			}
		}
	}()

	done := make(chan error, 1)
	go func() {
		for range 20000 {
			if err := sink.Play(pcm(1, 2)); err != nil {
				done <- err
				return
			}
		}
		done <- sink.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Play: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Play deadlocked against the mixer")
	}
	close(stop)
	<-mixed
}
