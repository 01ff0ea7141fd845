package dsp

import (
	"fmt"
	"sync"
)

// SlotState is the lifecycle state of a BufferSet.
//
//	Idle -> Uploading -> Ready -> Active -> Draining -> Idle
type SlotState int

// Slot states.
const (
	SlotIdle SlotState = iota
	SlotUploading
	SlotReady
	SlotActive
	SlotDraining
)

func (s SlotState) String() string {
	switch s {
	case SlotIdle:
		return "idle"
	case SlotUploading:
		return "uploading"
	case SlotReady:
		return "ready"
	case SlotActive:
		return "active"
	case SlotDraining:
		return "draining"
	default:
		return fmt.Sprintf("slot(%d)", int(s))
	}
}

// BufferSet is one kernel slot: per-channel taps and their partition
// spectra, the eoUpload flag and the streaming history the engine keeps for
// this kernel. Every field is guarded by mu except history, which only the
// engine touches while the slot is Active or Draining.
type BufferSet struct {
	mu sync.Mutex

	index    int
	state    SlotState
	eoUpload bool
	epoch    uint64 // bumped on every Idle -> Uploading and on Abort
	seq      uint64 // commit order among Ready slots
	name     string

	taps     [][]float32 // [channel] kernel taps, immutable once Ready
	staging  [][]float32 // [channel] client-mapped buffers
	parts    [][]spectrum
	uploaded []bool

	history []*channelHistory
}

func newBufferSet(index int, backends []backend, blockSize, partitions, maxKernelLen int) *BufferSet {
	channels := len(backends)

	bs := &BufferSet{
		index:    index,
		taps:     make([][]float32, channels),
		staging:  make([][]float32, channels),
		parts:    make([][]spectrum, channels),
		uploaded: make([]bool, channels),
		history:  make([]*channelHistory, channels),
	}

	for ch, b := range backends {
		bs.staging[ch] = make([]float32, maxKernelLen)
		bs.history[ch] = newChannelHistory(b, blockSize, partitions)
	}

	return bs
}

// Index returns the slot number.
func (bs *BufferSet) Index() int {
	return bs.index
}

// State returns the current state.
func (bs *BufferSet) State() SlotState {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	return bs.state
}

// Name returns the name of the kernel set held by the slot.
func (bs *BufferSet) Name() string {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	return bs.name
}

// kernel returns the taps of channel ch. The slice must not be modified.
func (bs *BufferSet) kernel(ch int) []float32 {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	return bs.taps[ch]
}

// beginUploadLocked moves an Idle slot to Uploading. An Uploading slot
// accepts further channels unchanged.
func (bs *BufferSet) beginUploadLocked() error {
	switch bs.state {
	case SlotIdle:
		bs.state = SlotUploading
		bs.epoch++
		bs.name = ""

		for ch := range bs.uploaded {
			bs.uploaded[ch] = false
			bs.taps[ch] = nil
			bs.parts[ch] = nil
		}

		return nil
	case SlotUploading:
		return nil
	default:
		return fmt.Errorf("%w: slot %d is %v", ErrSlotBusy, bs.index, bs.state)
	}
}

func (bs *BufferSet) completeLocked() bool {
	for _, ok := range bs.uploaded {
		if !ok {
			return false
		}
	}

	return true
}

// retireLocked returns a Draining slot to Idle and clears eoUpload.
func (bs *BufferSet) retireLocked() {
	bs.state = SlotIdle
	bs.eoUpload = false
}
