package dsp

import (
	"context"
	"math"
	"testing"
)

// signalBlock fills a deterministic two-sine block per channel starting at
// absolute sample offset.
func signalBlock(buf [][]float32, offset int) {
	for ch := range buf {
		for i := range buf[ch] {
			n := float64(offset + i)
			buf[ch][i] = float32(0.6*math.Sin(n*2*math.Pi*440/48000+float64(ch)) +
				0.3*math.Sin(n*2*math.Pi*1100/48000))
		}
	}
}

func makeBlock(channels, size int) [][]float32 {
	buf := make([][]float32, channels)
	for ch := range buf {
		buf[ch] = make([]float32, size)
	}

	return buf
}

func newTestEngine(t testing.TB, cfg Config) *Engine {
	t.Helper()

	e, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	return e
}

// runBlock processes and verifies one block.
func runBlock(t *testing.T, e *Engine, v *Verifier, block int, in, out [][]float32) BlockReport {
	t.Helper()

	signalBlock(in, block*e.Config().BlockSize)

	if err := e.Process(context.Background(), in, out); err != nil {
		t.Fatalf("block %d: Process failed: %v", block, err)
	}

	if err := v.Verify(in, out); err != nil {
		t.Fatalf("block %d: %v", block, err)
	}

	return e.LastReport()
}
