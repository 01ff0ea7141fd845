package dsp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// UploadStrategy selects how kernel taps reach a slot.
type UploadStrategy int

// Upload strategies.
const (
	// UploadHostPtr makes the slot alias the caller's taps. The caller must
	// not modify them while the slot holds the kernel.
	UploadHostPtr UploadStrategy = iota
	// UploadClient hands the caller the slot's staging buffer through Map.
	UploadClient
	// UploadDevice copies taps into the slot and transforms each channel as
	// soon as it arrives.
	UploadDevice
	// UploadLib copies taps and transforms all channels in parallel on Commit.
	UploadLib
)

func (s UploadStrategy) String() string {
	switch s {
	case UploadHostPtr:
		return "host-ptr"
	case UploadClient:
		return "client"
	case UploadDevice:
		return "device"
	case UploadLib:
		return "lib"
	default:
		return fmt.Sprintf("upload(%d)", int(s))
	}
}

// ParseUploadStrategy maps a strategy name to an UploadStrategy.
func ParseUploadStrategy(s string) (UploadStrategy, error) {
	for _, st := range []UploadStrategy{UploadHostPtr, UploadClient, UploadDevice, UploadLib} {
		if strings.EqualFold(s, st.String()) {
			return st, nil
		}
	}

	return 0, fmt.Errorf("%w: unknown upload strategy %q", ErrInvalidConfig, s)
}

// UploaderConfig configures an Uploader.
type UploaderConfig struct {
	Strategy  UploadStrategy
	QueueSize int // pending kernel sets accepted by Submit
	Logger    *slog.Logger
}

// DefaultUploaderConfig returns a device-strategy uploader with a short queue.
func DefaultUploaderConfig() UploaderConfig {
	return UploaderConfig{Strategy: UploadDevice, QueueSize: 4}
}

// KernelSet is one kernel per engine channel.
type KernelSet struct {
	Name string
	Taps [][]float32
}

// UploadStats counts uploader activity.
type UploadStats struct {
	Submitted uint64
	Loaded    uint64
	Failed    uint64
	Dropped   uint64 // Submit calls rejected with ErrQueueFull
}

// Uploader moves kernel sets into idle engine slots and commits them. It
// runs either as its own goroutine (Run) or cooperatively inside the audio
// loop (Step).
//
// UploadKernel, Map, Unmap and Commit for one slot must come from a single
// goroutine; different slots may be filled concurrently.
type Uploader struct {
	engine *Engine
	cfg    UploaderConfig
	log    *slog.Logger

	backends []backend
	xform    []sync.Mutex // guards backends[ch]

	// mu and idle park loaders until the engine retires a slot.
	// Lock order: mu, then BufferSet.mu.
	mu   sync.Mutex
	idle *sync.Cond

	requests chan KernelSet
	pending  *KernelSet // Step only

	submitted atomic.Uint64
	loaded    atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewUploader creates an uploader feeding e.
func NewUploader(e *Engine, cfg UploaderConfig) (*Uploader, error) {
	if cfg.Strategy < UploadHostPtr || cfg.Strategy > UploadLib {
		return nil, fmt.Errorf("%w: upload strategy %v", ErrInvalidConfig, cfg.Strategy)
	}

	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}

	if cfg.Logger == nil {
		cfg.Logger = e.log
	}

	ecfg := e.Config()

	u := &Uploader{
		engine:   e,
		cfg:      cfg,
		log:      cfg.Logger,
		backends: make([]backend, ecfg.Channels),
		xform:    make([]sync.Mutex, ecfg.Channels),
		requests: make(chan KernelSet, cfg.QueueSize),
	}
	u.idle = sync.NewCond(&u.mu)

	for ch := range u.backends {
		b, err := newBackend(ecfg.Transform, 2*ecfg.BlockSize)
		if err != nil {
			return nil, err
		}

		u.backends[ch] = b
	}

	e.OnRetire(u.wake)

	return u, nil
}

// Strategy returns the configured upload strategy.
func (u *Uploader) Strategy() UploadStrategy {
	return u.cfg.Strategy
}

func (u *Uploader) wake() {
	u.mu.Lock()
	u.idle.Broadcast()
	u.mu.Unlock()
}

func (u *Uploader) slot(i int) (*BufferSet, error) {
	if i < 0 || i >= len(u.engine.slots) {
		return nil, fmt.Errorf("%w: no slot %d", ErrSlotBusy, i)
	}

	return u.engine.slots[i], nil
}

func (u *Uploader) partition(ch int, taps []float32) ([]spectrum, error) {
	u.xform[ch].Lock()
	defer u.xform[ch].Unlock()

	return partitionKernel(u.backends[ch], taps, u.engine.cfg.BlockSize)
}

// UploadKernel stores taps as the kernel of channel ch in slot. An Idle slot
// moves to Uploading; an Uploading slot accepts further channels. Any other
// state is rejected with ErrSlotBusy.
func (u *Uploader) UploadKernel(slot, ch int, taps []float32) error {
	if u.cfg.Strategy == UploadClient {
		buf, err := u.Map(slot, ch, len(taps))
		if err != nil {
			return err
		}

		copy(buf, taps)

		return u.Unmap(slot, ch, len(taps))
	}

	if err := u.engine.validateTaps(ch, taps); err != nil {
		return err
	}

	bs, err := u.slot(slot)
	if err != nil {
		return err
	}

	bs.mu.Lock()
	if err := bs.beginUploadLocked(); err != nil {
		bs.mu.Unlock()
		return err
	}

	epoch := bs.epoch

	if u.cfg.Strategy == UploadHostPtr {
		bs.taps[ch] = taps
		bs.parts[ch] = nil
		bs.uploaded[ch] = true
		bs.mu.Unlock()

		return nil
	}
	bs.mu.Unlock()

	owned := append([]float32(nil), taps...)

	var parts []spectrum
	if u.cfg.Strategy == UploadDevice {
		if parts, err = u.partition(ch, owned); err != nil {
			return err
		}
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.epoch != epoch || bs.state != SlotUploading {
		return fmt.Errorf("%w: slot %d", ErrUploadAborted, slot)
	}

	bs.taps[ch] = owned
	bs.parts[ch] = parts
	bs.uploaded[ch] = true

	return nil
}

// Map returns the staging buffer for n taps of channel ch in slot, moving
// an Idle slot to Uploading. The caller fills it and calls Unmap.
func (u *Uploader) Map(slot, ch, n int) ([]float32, error) {
	switch {
	case ch < 0 || ch >= u.engine.cfg.Channels:
		return nil, fmt.Errorf("%w: channel %d", ErrInvalidBlock, ch)
	case n <= 0:
		return nil, fmt.Errorf("%w: channel %d has no taps", ErrInvalidBlock, ch)
	case n > u.engine.cfg.MaxKernelLen:
		return nil, fmt.Errorf("%w: %d taps, max %d", ErrKernelTooLong, n, u.engine.cfg.MaxKernelLen)
	}

	bs, err := u.slot(slot)
	if err != nil {
		return nil, err
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()

	if err := bs.beginUploadLocked(); err != nil {
		return nil, err
	}

	bs.uploaded[ch] = false

	return bs.staging[ch][:n], nil
}

// Unmap marks the first n staged taps of channel ch as uploaded.
func (u *Uploader) Unmap(slot, ch, n int) error {
	bs, err := u.slot(slot)
	if err != nil {
		return err
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.state != SlotUploading {
		return fmt.Errorf("%w: slot %d is %v", ErrUploadAborted, slot, bs.state)
	}

	if ch < 0 || ch >= len(bs.staging) || n <= 0 || n > len(bs.staging[ch]) {
		return fmt.Errorf("%w: unmap of %d taps on channel %d", ErrInvalidBlock, n, ch)
	}

	bs.taps[ch] = bs.staging[ch][:n]
	bs.parts[ch] = nil
	bs.uploaded[ch] = true

	return nil
}

// Commit finishes the partition spectra of every channel, sets eoUpload and
// moves the slot to Ready. The engine switches to it on a later block.
func (u *Uploader) Commit(slot int) error {
	bs, err := u.slot(slot)
	if err != nil {
		return err
	}

	bs.mu.Lock()
	if bs.state != SlotUploading {
		state := bs.state
		bs.mu.Unlock()

		return fmt.Errorf("%w: commit of slot %d in state %v", ErrSlotBusy, slot, state)
	}

	if !bs.completeLocked() {
		bs.mu.Unlock()
		return fmt.Errorf("%w: slot %d", ErrIncompleteUpload, slot)
	}

	epoch := bs.epoch
	taps := append([][]float32(nil), bs.taps...)
	parts := append([][]spectrum(nil), bs.parts...)
	bs.mu.Unlock()

	if err := u.finish(taps, parts); err != nil {
		return err
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.epoch != epoch || bs.state != SlotUploading {
		return fmt.Errorf("%w: slot %d", ErrUploadAborted, slot)
	}

	copy(bs.parts, parts)
	u.engine.markReadyLocked(bs)

	u.log.Debug("kernel committed", "slot", slot, "name", bs.name, "strategy", u.cfg.Strategy)

	return nil
}

// finish fills the missing spectra in parts.
func (u *Uploader) finish(taps [][]float32, parts [][]spectrum) error {
	if u.cfg.Strategy == UploadLib {
		var g errgroup.Group

		for ch := range parts {
			if parts[ch] != nil {
				continue
			}

			g.Go(func() error {
				p, err := u.partition(ch, taps[ch])
				parts[ch] = p

				return err
			})
		}

		return g.Wait()
	}

	for ch := range parts {
		if parts[ch] != nil {
			continue
		}

		p, err := u.partition(ch, taps[ch])
		if err != nil {
			return err
		}

		parts[ch] = p
	}

	return nil
}

// Abort returns an Uploading slot to Idle.
func (u *Uploader) Abort(slot int) error {
	bs, err := u.slot(slot)
	if err != nil {
		return err
	}

	bs.mu.Lock()
	if bs.state != SlotUploading {
		state := bs.state
		bs.mu.Unlock()

		return fmt.Errorf("%w: abort of slot %d in state %v", ErrSlotBusy, slot, state)
	}

	bs.state = SlotIdle
	bs.epoch++
	bs.mu.Unlock()

	u.wake()

	return nil
}

// claim moves the first Idle slot to Uploading. Callers hold u.mu.
func (u *Uploader) claim(name string) int {
	for i, bs := range u.engine.slots {
		bs.mu.Lock()
		if bs.state == SlotIdle {
			_ = bs.beginUploadLocked()
			bs.name = name
			bs.mu.Unlock()

			return i
		}
		bs.mu.Unlock()
	}

	return -1
}

// acquire waits for an Idle slot and claims it.
func (u *Uploader) acquire(ctx context.Context, name string) (int, error) {
	stop := context.AfterFunc(ctx, u.wake)
	defer stop()

	u.mu.Lock()
	defer u.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return -1, err
		}

		if slot := u.claim(name); slot >= 0 {
			return slot, nil
		}

		u.idle.Wait()
	}
}

// Load waits for an Idle slot, uploads every channel of set and commits it.
// It returns the slot used.
func (u *Uploader) Load(ctx context.Context, set KernelSet) (int, error) {
	if err := u.engine.validateSet(set.Taps); err != nil {
		u.failed.Add(1)
		return -1, err
	}

	slot, err := u.acquire(ctx, set.Name)
	if err != nil {
		return -1, err
	}

	if err := u.fill(slot, set); err != nil {
		u.failed.Add(1)
		return -1, err
	}

	return slot, nil
}

// fill uploads and commits set into a claimed slot, aborting on failure.
func (u *Uploader) fill(slot int, set KernelSet) error {
	for ch, taps := range set.Taps {
		if err := u.UploadKernel(slot, ch, taps); err != nil {
			_ = u.Abort(slot)
			return fmt.Errorf("upload of %q channel %d: %w", set.Name, ch, err)
		}
	}

	if err := u.Commit(slot); err != nil {
		_ = u.Abort(slot)
		return fmt.Errorf("commit of %q: %w", set.Name, err)
	}

	u.loaded.Add(1)
	u.log.Info("kernel set loaded", "name", set.Name, "slot", slot)

	return nil
}

// Submit queues set for Run or Step without blocking. It returns
// ErrQueueFull when the queue has no room.
func (u *Uploader) Submit(set KernelSet) error {
	if err := u.engine.validateSet(set.Taps); err != nil {
		return err
	}

	select {
	case u.requests <- set:
		u.submitted.Add(1)
		return nil
	default:
		u.dropped.Add(1)
		return ErrQueueFull
	}
}

// Step performs at most one queued upload without blocking. A request that
// finds no Idle slot stays pending for the next call. It reports whether a
// kernel set was committed.
func (u *Uploader) Step(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	if u.pending == nil {
		select {
		case set := <-u.requests:
			u.pending = &set
		default:
			return false, nil
		}
	}

	u.mu.Lock()
	slot := u.claim(u.pending.Name)
	u.mu.Unlock()

	if slot < 0 {
		return false, nil
	}

	set := *u.pending
	u.pending = nil

	if err := u.fill(slot, set); err != nil {
		u.failed.Add(1)
		return false, err
	}

	return true, nil
}

// Run serves Submit requests until ctx is cancelled. Failed uploads are
// logged and skipped.
func (u *Uploader) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case set := <-u.requests:
			if _, err := u.Load(ctx, set); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}

				u.log.Warn("kernel upload failed", "name", set.Name, "error", err)
			}
		}
	}
}

// Stats returns the upload counters.
func (u *Uploader) Stats() UploadStats {
	return UploadStats{
		Submitted: u.submitted.Load(),
		Loaded:    u.loaded.Load(),
		Failed:    u.failed.Load(),
		Dropped:   u.dropped.Load(),
	}
}
