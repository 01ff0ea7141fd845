package dsp

import (
	"math"
	"math/rand"
)

// DecayKernel returns channels kernels of n taps: uniform noise under an
// exponential envelope that falls by 60 dB over the kernel. The taps are
// deterministic for a seed and differ per channel.
func DecayKernel(seed int64, channels, n int) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	decay := math.Log(1000) / float64(n)

	taps := make([][]float32, channels)
	for ch := range taps {
		taps[ch] = make([]float32, n)
		for i := range n {
			taps[ch][i] = float32((rng.Float64()*2 - 1) * 0.05 * math.Exp(-decay*float64(i)))
		}
	}

	return taps
}
