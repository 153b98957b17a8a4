package audio_test

import (
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/MrWong99/livebridge/pkg/audio"
)

func TestAccumulator_SingleLargePush(t *testing.T) {
	var frames []audio.Frame
	acc := audio.NewAccumulator(audio.FrameSize, func(f audio.Frame) {
		frames = append(frames, f)
	})

	in := make([]float32, 10000)
	for i := range in {
		in[i] = 0.5
	}
	acc.Push(in)

	if len(frames) != 2 {
		t.Fatalf("frames emitted = %d; want 2", len(frames))
	}
	for i, f := range frames {
		if len(f) != audio.FrameSize {
			t.Errorf("frame %d has %d samples; want %d", i, len(f), audio.FrameSize)
		}
	}
	if got := len(acc.Remainder()); got != 1808 {
		t.Errorf("remainder = %d; want 1808", got)
	}
}

func TestAccumulator_DefaultSize(t *testing.T) {
	acc := audio.NewAccumulator(0, nil)
	if acc.Size() != audio.FrameSize {
		t.Errorf("Size() = %d; want %d", acc.Size(), audio.FrameSize)
	}
	// A nil emit callback must not panic when a frame completes.
	acc.Push(make([]float32, audio.FrameSize+1))
	if len(acc.Remainder()) != 1 {
		t.Errorf("remainder = %d; want 1", len(acc.Remainder()))
	}
}

func TestAccumulator_FramesAreCopies(t *testing.T) {
	var frames []audio.Frame
	acc := audio.NewAccumulator(4, func(f audio.Frame) { frames = append(frames, f) })

	acc.Push([]float32{1, 2, 3, 4})
	acc.Push([]float32{5, 6, 7, 8})

	want := []audio.Frame{{1, 2, 3, 4}, {5, 6, 7, 8}}
	if diff := cmp.Diff(want, frames); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}
}

func TestAccumulator_ExactMultiple(t *testing.T) {
	count := 0
	acc := audio.NewAccumulator(128, func(audio.Frame) { count++ })
	acc.Push(make([]float32, 128*3))
	if count != 3 {
		t.Errorf("frames = %d; want 3", count)
	}
	if len(acc.Remainder()) != 0 {
		t.Errorf("remainder = %d; want 0", len(acc.Remainder()))
	}
}

// TestAccumulator_Lossless checks that emitted frames followed by the
// remainder always reconstruct the input, for arbitrary batch sizes.
func TestAccumulator_Lossless(t *testing.T) {
	r := rand.New(rand.NewPCG(42, 7))

	for _, size := range []int{1, 3, 128, audio.FrameSize} {
		var emitted []float32
		acc := audio.NewAccumulator(size, func(f audio.Frame) {
			if len(f) != size {
				t.Fatalf("short frame: %d samples; want %d", len(f), size)
			}
			emitted = append(emitted, f...)
		})

		var input []float32
		next := float32(0)
		for range 200 {
			batch := make([]float32, r.IntN(3*size+2))
			for i := range batch {
				batch[i] = next
				next++
			}
			input = append(input, batch...)
			acc.Push(batch)

			got := append(append([]float32(nil), emitted...), acc.Remainder()...)
			if diff := cmp.Diff(input, got); diff != "" {
				t.Fatalf("size %d: reconstruction mismatch (-input +got):\n%s", size, diff)
			}
		}
	}
}
