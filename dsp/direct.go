package dsp

import (
	"fmt"

	"golang.org/x/sync/errgroup"
)

// DirectConv computes one output block by direct time-domain convolution.
//
// inHistory is a circular buffer of numHistoryBlocks input blocks; block
// writePos holds the most recent input. out[b] is the sum over c of
// hist[(writePos*blockSize + b - c) mod H] * kernel[c], accumulated in
// float64. The kernel must fit into the history: len(kernel) <=
// (numHistoryBlocks-1)*blockSize + 1.
func DirectConv(out, inHistory []float32, writePos, blockSize int, kernel []float32, numHistoryBlocks int) {
	directRange(out, inHistory, writePos, blockSize, kernel, numHistoryBlocks, 0, len(out))
}

func directRange(out, hist []float32, writePos, blockSize int, kernel []float32, numHistoryBlocks, from, to int) {
	h := numHistoryBlocks * blockSize
	base := writePos * blockSize

	for b := from; b < to; b++ {
		var sum float64

		pos := base + b
		for c, k := range kernel {
			idx := pos - c
			if idx < 0 {
				idx += h * ((-idx + h - 1) / h)
			}

			sum += float64(hist[idx%h]) * float64(k)
		}

		out[b] = float32(sum)
	}
}

// DirectConvParallel is DirectConv with the output block split across at
// most workers goroutines.
func DirectConvParallel(out, inHistory []float32, writePos, blockSize int, kernel []float32, numHistoryBlocks, workers int) error {
	if len(inHistory) < numHistoryBlocks*blockSize {
		return fmt.Errorf("%w: history holds %d samples, need %d",
			ErrInvalidBlock, len(inHistory), numHistoryBlocks*blockSize)
	}

	if workers <= 1 || len(out) < 2*workers {
		DirectConv(out, inHistory, writePos, blockSize, kernel, numHistoryBlocks)
		return nil
	}

	var g errgroup.Group

	chunk := (len(out) + workers - 1) / workers
	for from := 0; from < len(out); from += chunk {
		to := min(from+chunk, len(out))

		g.Go(func() error {
			directRange(out, inHistory, writePos, blockSize, kernel, numHistoryBlocks, from, to)
			return nil
		})
	}

	return g.Wait()
}
