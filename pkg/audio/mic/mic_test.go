package mic_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/livebridge/pkg/audio"
	"github.com/MrWong99/livebridge/pkg/audio/mic"
)

type fakeStream struct {
	startErr error
	started  bool
	stopped  bool
	closed   bool
}

func (s *fakeStream) Start() error { s.started = true; return s.startErr }
func (s *fakeStream) Stop() error  { s.stopped = true; return nil }
func (s *fakeStream) Close() error { s.closed = true; return nil }

// fakeOpener answers Open calls from a queue of results and records the
// requested rates and callbacks.
type fakeOpener struct {
	mu        sync.Mutex
	initErr   error
	openErrs  []error
	stream    *fakeStream
	rate      float64
	rates     []float64
	callbacks []func([]float32)
	inits     int
	terms     int
}

func (o *fakeOpener) Init() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.initErr != nil {
		return o.initErr
	}
	o.inits++
	return nil
}

func (o *fakeOpener) Terminate() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.terms++
	return nil
}

func (o *fakeOpener) DefaultRate() (float64, error) { return o.rate, nil }

func (o *fakeOpener) Open(rate float64, _ int, cb func([]float32)) (mic.Stream, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rates = append(o.rates, rate)
	if len(o.openErrs) > 0 {
		err := o.openErrs[0]
		o.openErrs = o.openErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	o.callbacks = append(o.callbacks, cb)
	return o.stream, nil
}

func TestSource_OpensAtPipelineRate(t *testing.T) {
	t.Parallel()
	op := &fakeOpener{stream: &fakeStream{}}
	src := mic.New(mic.WithOpener(op), mic.WithFramesPerBuffer(160))

	var got [][]float32
	if err := src.Start(func(s []float32) { got = append(got, s) }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(op.rates) != 1 || op.rates[0] != audio.InputSampleRate {
		t.Fatalf("opened at %v, want [%d]", op.rates, audio.InputSampleRate)
	}

	in := []float32{0.1, 0.2, 0.3}
	op.callbacks[0](in)
	in[0] = 9 // the device reuses its buffer
	if len(got) != 1 || got[0][0] != 0.1 {
		t.Errorf("delivered %v, want a copy of the device buffer", got)
	}

	if err := src.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !op.stream.stopped || !op.stream.closed {
		t.Error("Stop did not stop and close the stream")
	}
	if op.inits != 1 || op.terms != 1 {
		t.Errorf("inits=%d terms=%d, want 1 and 1", op.inits, op.terms)
	}
	if err := src.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if op.terms != 1 {
		t.Errorf("second Stop terminated again")
	}
}

func TestSource_FallsBackToDeviceRate(t *testing.T) {
	t.Parallel()
	op := &fakeOpener{
		stream:   &fakeStream{},
		rate:     48000,
		openErrs: []error{portaudio.InvalidSampleRate},
	}
	src := mic.New(mic.WithOpener(op))

	var delivered int
	if err := src.Start(func(s []float32) { delivered += len(s) }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { src.Stop() })

	if len(op.rates) != 2 || op.rates[1] != 48000 {
		t.Fatalf("opened at %v, want fallback to 48000", op.rates)
	}
	op.callbacks[0](make([]float32, 4800))
	if delivered < 1590 || delivered > 1610 {
		t.Errorf("delivered %d samples for 100 ms at 48 kHz, want about 1600", delivered)
	}
}

func TestSource_ErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		op   *fakeOpener
		want error
	}{
		{
			name: "device unavailable",
			op:   &fakeOpener{stream: &fakeStream{}, openErrs: []error{portaudio.DeviceUnavailable}},
			want: audio.ErrPermissionDenied,
		},
		{
			name: "permission text",
			op:   &fakeOpener{stream: &fakeStream{}, openErrs: []error{errors.New("Permission denied by user")}},
			want: audio.ErrPermissionDenied,
		},
		{
			name: "invalid device",
			op:   &fakeOpener{stream: &fakeStream{}, openErrs: []error{portaudio.InvalidDevice}},
			want: audio.ErrNoAudioSource,
		},
		{
			name: "init failure",
			op:   &fakeOpener{initErr: portaudio.InternalError},
			want: audio.ErrCaptureFailed,
		},
		{
			name: "start failure",
			op:   &fakeOpener{stream: &fakeStream{startErr: portaudio.TimedOut}},
			want: audio.ErrCaptureFailed,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			src := mic.New(mic.WithOpener(tc.op))
			err := src.Start(func([]float32) {})
			if !errors.Is(err, tc.want) {
				t.Fatalf("Start = %v, want %v", err, tc.want)
			}
			if tc.op.inits != tc.op.terms {
				t.Errorf("inits=%d terms=%d after failed Start", tc.op.inits, tc.op.terms)
			}
			if err := src.Stop(); err != nil {
				t.Errorf("Stop after failed Start: %v", err)
			}
		})
	}
}
