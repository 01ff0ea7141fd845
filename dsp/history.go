package dsp

import "fmt"

// channelHistory is the streaming state one BufferSet keeps for one channel:
// the time-domain input window and the frequency-domain delay line (FDL)
// holding the spectra of the last len(fdl) windows.
type channelHistory struct {
	blockSize int
	window    []float32 // [previous block, current block]
	fdl       []spectrum
	head      int    // fdl index of the newest spectrum
	round     uint64 // blocks pushed
	acc       spectrum
	frame     []float32
}

func newChannelHistory(b backend, blockSize, partitions int) *channelHistory {
	h := &channelHistory{
		blockSize: blockSize,
		window:    make([]float32, 2*blockSize),
		fdl:       make([]spectrum, partitions),
		acc:       b.newSpectrum(),
		frame:     make([]float32, 2*blockSize),
	}

	for i := range h.fdl {
		h.fdl[i] = b.newSpectrum()
	}

	return h
}

// push slides the window by one block and transforms it into the delay line.
func (h *channelHistory) push(b backend, in []float32) error {
	copy(h.window, h.window[h.blockSize:])
	copy(h.window[h.blockSize:], in)

	h.head = (h.head + 1) % len(h.fdl)
	if err := b.forward(&h.fdl[h.head], h.window); err != nil {
		return fmt.Errorf("forward transform failed: %w", err)
	}

	h.round++

	return nil
}

// compute writes the current block of the convolution with the partitioned
// kernel parts into out.
func (h *channelHistory) compute(b backend, parts []spectrum, out []float32) error {
	b.zero(&h.acc)

	n := min(len(parts), len(h.fdl))
	for p := range n {
		idx := (h.head - p + len(h.fdl)) % len(h.fdl)
		b.mulAcc(&h.acc, &h.fdl[idx], &parts[p])
	}

	if err := b.inverse(h.frame, &h.acc); err != nil {
		return fmt.Errorf("inverse transform failed: %w", err)
	}

	copy(out, h.frame[:h.blockSize])

	return nil
}

// primeFrom copies src's window, delay line and round so that h continues
// the same input stream. Kernels are not involved.
func (h *channelHistory) primeFrom(b backend, src *channelHistory) {
	copy(h.window, src.window)

	for i := range h.fdl {
		b.copySpectrum(&h.fdl[i], &src.fdl[i])
	}

	h.head = src.head
	h.round = src.round
}

func (h *channelHistory) reset(b backend) {
	clear(h.window)

	for i := range h.fdl {
		b.zero(&h.fdl[i])
	}

	h.head = 0
	h.round = 0
}
