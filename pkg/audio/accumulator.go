package audio

// Accumulator re-chunks an unbounded sequence of sample batches into
// fixed-size [Frame] values. Partial frames are carried across calls to
// [Accumulator.Push]; no sample is ever dropped or duplicated.
//
// An Accumulator is not safe for concurrent use. It is meant to be fed by the
// single goroutine a [Source] delivers on.
type Accumulator struct {
	buf  []float32
	n    int
	emit func(Frame)
}

// NewAccumulator returns an Accumulator emitting frames of size samples to
// emit. A size <= 0 selects [FrameSize].
func NewAccumulator(size int, emit func(Frame)) *Accumulator {
	if size <= 0 {
		size = FrameSize
	}
	return &Accumulator{
		buf:  make([]float32, size),
		emit: emit,
	}
}

// Size returns the frame length in samples.
func (a *Accumulator) Size() int { return len(a.buf) }

// Push appends samples. Whenever the buffer fills, a copy of it is passed to
// the emit callback and filling resumes at the start of the buffer. Push never
// blocks on its own; it is as fast as the emit callback.
func (a *Accumulator) Push(samples []float32) {
	for len(samples) > 0 {
		n := copy(a.buf[a.n:], samples)
		a.n += n
		samples = samples[n:]

		if a.n == len(a.buf) {
			frame := make(Frame, len(a.buf))
			copy(frame, a.buf)
			a.n = 0
			if a.emit != nil {
				a.emit(frame)
			}
		}
	}
}

// Remainder returns a copy of the samples buffered toward the next frame.
func (a *Accumulator) Remainder() []float32 {
	out := make([]float32, a.n)
	copy(out, a.buf[:a.n])
	return out
}
