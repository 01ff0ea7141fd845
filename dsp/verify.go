package dsp

import (
	"fmt"
	"math"
	"runtime"
)

// DefaultTolerance is the largest absolute difference between engine output
// and the direct reference that Verify accepts.
const DefaultTolerance = 0.01

// Verifier checks engine output against direct convolution. It keeps its
// own circular history of NumHistoryBlocks input blocks per channel.
//
// Verify must be called after each successful Process and before the next
// one: the outgoing kernel of a finished switch is released on the next
// Process call.
type Verifier struct {
	engine    *Engine
	blockSize int
	blocks    int
	tolerance float64
	workers   int

	hist    [][]float32
	ref     []float32
	fadeRef []float32
}

// NewVerifier creates a verifier for e. A non-positive tolerance selects
// DefaultTolerance.
func NewVerifier(e *Engine, tolerance float64) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	cfg := e.Config()

	v := &Verifier{
		engine:    e,
		blockSize: cfg.BlockSize,
		blocks:    cfg.NumHistoryBlocks(),
		tolerance: tolerance,
		workers:   runtime.GOMAXPROCS(0),
		hist:      make([][]float32, cfg.Channels),
		ref:       make([]float32, cfg.BlockSize),
		fadeRef:   make([]float32, cfg.BlockSize),
	}

	for ch := range v.hist {
		v.hist[ch] = make([]float32, v.blocks*cfg.BlockSize)
	}

	return v
}

// Tolerance returns the accepted absolute error.
func (v *Verifier) Tolerance() float64 {
	return v.tolerance
}

// Reset clears the history. The engine clears its own on round 0, so calling
// Reset after Engine.Reset is optional.
func (v *Verifier) Reset() {
	for _, h := range v.hist {
		clear(h)
	}
}

// Verify records the block in that was just processed and compares out with
// the direct convolution selected by the engine's last BlockReport. It
// returns a *MismatchError for the first sample outside the tolerance.
func (v *Verifier) Verify(in, out [][]float32) error {
	if len(in) != len(v.hist) || len(out) != len(v.hist) {
		return fmt.Errorf("%w: got %d/%d channels, want %d", ErrInvalidBlock, len(in), len(out), len(v.hist))
	}

	rep := v.engine.LastReport()
	if rep.Round == 0 {
		v.Reset()
	}

	writePos := int(rep.Round % uint64(v.blocks))

	for ch := range v.hist {
		copy(v.hist[ch][writePos*v.blockSize:(writePos+1)*v.blockSize], in[ch])

		if err := v.reference(ch, rep, writePos); err != nil {
			return err
		}

		for i, got := range out[ch][:v.blockSize] {
			want := v.ref[i]
			if d := math.Abs(float64(got) - float64(want)); d > v.tolerance || math.IsNaN(d) {
				return &MismatchError{
					Round:     rep.Round,
					Channel:   ch,
					Sample:    i,
					Stage:     rep.Stage,
					Reference: float64(want),
					Got:       float64(got),
					Tolerance: v.tolerance,
				}
			}
		}
	}

	return nil
}

func (v *Verifier) reference(ch int, rep BlockReport, writePos int) error {
	conv := func(dst []float32, slot int) error {
		return DirectConvParallel(dst, v.hist[ch], writePos, v.blockSize,
			v.engine.Kernel(slot, ch), v.blocks, v.workers)
	}

	switch rep.Stage {
	case StageHead:
		return conv(v.ref, rep.Previous)
	case StageCrossfade:
		if err := conv(v.fadeRef, rep.Previous); err != nil {
			return err
		}

		if err := conv(v.ref, rep.Active); err != nil {
			return err
		}

		Crossfade(v.ref, v.fadeRef, v.ref)

		return nil
	default:
		return conv(v.ref, rep.Active)
	}
}
