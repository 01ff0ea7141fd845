package dsp

import "fmt"

// partitionCount returns the number of blockSize partitions covering n taps.
func partitionCount(n, blockSize int) int {
	return (n + blockSize - 1) / blockSize
}

// partitionKernel pre-computes the spectra of the blockSize partitions of taps.
//
// Each partition is zero-padded to 2*blockSize with the taps in the right
// half. Convolving a [previous, current] input window with such a frame
// leaves the linear convolution of the current block in the first half of
// the inverse transform, without wrap-around.
func partitionKernel(b backend, taps []float32, blockSize int) ([]spectrum, error) {
	count := partitionCount(len(taps), blockSize)
	parts := make([]spectrum, count)
	frame := make([]float32, 2*blockSize)

	for p := range parts {
		clear(frame)

		start := p * blockSize
		end := min(start+blockSize, len(taps))
		copy(frame[blockSize:], taps[start:end])

		parts[p] = b.newSpectrum()
		if err := b.forward(&parts[p], frame); err != nil {
			return nil, fmt.Errorf("failed to compute spectrum of partition %d: %w", p, err)
		}
	}

	return parts, nil
}
