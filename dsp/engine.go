package dsp

import (
	"context"
	"fmt"
	"log/slog"
	"math/bits"
	"strings"
	"sync"
	"sync/atomic"

	"graal-conv/internal/compute"
)

// AlgorithmKind selects how kernel switches are blended.
type AlgorithmKind int

// Switch algorithms.
const (
	// AlgorithmUniform evaluates both kernels on the switch block and
	// crossfades them.
	AlgorithmUniform AlgorithmKind = iota
	// AlgorithmHeadTail spreads a switch over two blocks: the head block
	// emits the outgoing kernel while the incoming set is primed, the tail
	// block crossfades.
	AlgorithmHeadTail
)

func (a AlgorithmKind) String() string {
	switch a {
	case AlgorithmUniform:
		return "uniform"
	case AlgorithmHeadTail:
		return "head-tail"
	default:
		return fmt.Sprintf("algorithm(%d)", int(a))
	}
}

// ParseAlgorithm maps "uniform" or "head-tail" to an AlgorithmKind.
func ParseAlgorithm(s string) (AlgorithmKind, error) {
	switch strings.ToLower(s) {
	case "uniform":
		return AlgorithmUniform, nil
	case "head-tail", "headtail":
		return AlgorithmHeadTail, nil
	default:
		return 0, fmt.Errorf("%w: unknown algorithm %q", ErrInvalidConfig, s)
	}
}

// SwitchState tracks a kernel switch in progress.
type SwitchState int

// Switch states.
const (
	SwitchIdle SwitchState = iota
	SwitchHead
	SwitchTail
)

func (s SwitchState) String() string {
	switch s {
	case SwitchIdle:
		return "idle"
	case SwitchHead:
		return "head"
	case SwitchTail:
		return "tail"
	default:
		return fmt.Sprintf("switch(%d)", int(s))
	}
}

// Stage is what a processed block contained.
type Stage int

// Block stages.
const (
	// StageSteady blocks use the active kernel only.
	StageSteady Stage = iota
	// StageHead blocks emit the outgoing kernel only.
	StageHead
	// StageCrossfade blocks ramp from the outgoing to the incoming kernel.
	StageCrossfade
)

func (s Stage) String() string {
	switch s {
	case StageSteady:
		return "steady"
	case StageHead:
		return "head"
	case StageCrossfade:
		return "crossfade"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

type blockPlan struct {
	stage       Stage
	primeBefore bool // prime the incoming history before pushing the block
}

// algorithm decides the blocks of a switch. It is chosen once in NewEngine.
type algorithm interface {
	start() SwitchState
	plan(s SwitchState) blockPlan
}

type uniformAlgorithm struct{}

func (uniformAlgorithm) start() SwitchState { return SwitchTail }

func (uniformAlgorithm) plan(s SwitchState) blockPlan {
	if s == SwitchTail {
		return blockPlan{stage: StageCrossfade, primeBefore: true}
	}

	return blockPlan{stage: StageSteady}
}

type headTailAlgorithm struct{}

func (headTailAlgorithm) start() SwitchState { return SwitchHead }

func (headTailAlgorithm) plan(s SwitchState) blockPlan {
	switch s {
	case SwitchHead:
		return blockPlan{stage: StageHead}
	case SwitchTail:
		return blockPlan{stage: StageCrossfade}
	default:
		return blockPlan{stage: StageSteady}
	}
}

// Config configures an Engine.
type Config struct {
	BlockSize    int // samples per channel per block, power of two
	Channels     int
	MaxKernelLen int // longest kernel any slot may hold
	Slots        int // number of BufferSets, at least 2
	Algorithm    AlgorithmKind
	Transform    Transform

	// Queue receives the per-channel work. Nil creates a private queue on
	// the host CPU. Its depth must cover Channels.
	Queue  *compute.Queue
	Logger *slog.Logger
}

// DefaultConfig returns a stereo configuration for one-second kernels at 48 kHz.
func DefaultConfig() Config {
	return Config{
		BlockSize:    256,
		Channels:     2,
		MaxKernelLen: 48000,
		Slots:        2,
		Algorithm:    AlgorithmUniform,
		Transform:    TransformFFT,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.BlockSize < 16 || bits.OnesCount(uint(c.BlockSize)) != 1:
		return fmt.Errorf("%w: block size %d is not a power of two >= 16", ErrInvalidConfig, c.BlockSize)
	case c.Channels < 1:
		return fmt.Errorf("%w: %d channels", ErrInvalidConfig, c.Channels)
	case c.MaxKernelLen < 1:
		return fmt.Errorf("%w: max kernel length %d", ErrInvalidConfig, c.MaxKernelLen)
	case c.Slots < 2:
		return fmt.Errorf("%w: %d slots, need at least 2", ErrInvalidConfig, c.Slots)
	case c.Algorithm != AlgorithmUniform && c.Algorithm != AlgorithmHeadTail:
		return fmt.Errorf("%w: algorithm %v", ErrInvalidConfig, c.Algorithm)
	case c.Transform != TransformFFT && c.Transform != TransformFHT:
		return fmt.Errorf("%w: transform %v", ErrInvalidConfig, c.Transform)
	case c.Queue != nil && c.Queue.Depth() < c.Channels:
		return fmt.Errorf("%w: queue depth %d below %d channels", ErrInvalidConfig, c.Queue.Depth(), c.Channels)
	}

	return nil
}

// NumPartitions returns ceil(MaxKernelLen / BlockSize).
func (c Config) NumPartitions() int {
	return partitionCount(c.MaxKernelLen, c.BlockSize)
}

// NumHistoryBlocks returns the number of input blocks a direct convolution
// of the longest kernel needs: the current block plus NumPartitions.
func (c Config) NumHistoryBlocks() int {
	return c.NumPartitions() + 1
}

// BlockReport describes the last processed block.
type BlockReport struct {
	Round    uint64 // engine block index, starting at 0
	Stage    Stage
	Active   int // slot whose kernel is the incoming (or only) kernel
	Previous int // outgoing slot during a switch, -1 otherwise
}

// Status is a snapshot of the engine state.
type Status struct {
	Algorithm  AlgorithmKind
	Transform  Transform
	Active     int
	Previous   int
	ActiveName string
	Switch     SwitchState
	Slots      []SlotState
	Blocks     uint64
	Switches   uint64
	Rejected   uint64
}

// Engine is a uniformly partitioned overlap-save convolver with a
// frequency-domain delay line and N-buffered kernel slots. It adds no
// latency: each output block depends on input up to and including the
// block just processed.
type Engine struct {
	cfg      Config
	algo     algorithm
	queue    *compute.Queue
	log      *slog.Logger
	backends []backend // one per channel, used only under busy
	slots    []*BufferSet

	busy     sync.Mutex
	active   int
	previous int
	retire   int // Draining slot returned to Idle at the next Process
	sw       SwitchState
	blocks   uint64
	switches uint64
	fade     [][]float32 // outgoing kernel output during a crossfade

	commitSeq atomic.Uint64
	rejected  atomic.Uint64

	statusMu sync.RWMutex
	status   Status
	report   BlockReport

	hooksMu  sync.Mutex
	onRetire []func()
}

// NewEngine creates an engine with all slots Idle.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	queue := cfg.Queue
	if queue == nil {
		dev, err := compute.Select("cpu")
		if err != nil {
			return nil, err
		}

		queue, err = compute.NewQueue(dev, cfg.Channels)
		if err != nil {
			return nil, err
		}
	}

	e := &Engine{
		cfg:      cfg,
		queue:    queue,
		log:      cfg.Logger,
		backends: make([]backend, cfg.Channels),
		active:   -1,
		previous: -1,
		retire:   -1,
		fade:     make([][]float32, cfg.Channels),
	}

	switch cfg.Algorithm {
	case AlgorithmHeadTail:
		e.algo = headTailAlgorithm{}
	default:
		e.algo = uniformAlgorithm{}
	}

	for ch := range e.backends {
		b, err := newBackend(cfg.Transform, 2*cfg.BlockSize)
		if err != nil {
			return nil, err
		}

		e.backends[ch] = b
		e.fade[ch] = make([]float32, cfg.BlockSize)
	}

	partitions := cfg.NumPartitions()

	e.slots = make([]*BufferSet, cfg.Slots)
	for i := range e.slots {
		e.slots[i] = newBufferSet(i, e.backends, cfg.BlockSize, partitions, cfg.MaxKernelLen)
	}

	e.publish()

	e.log.Debug("engine created",
		"block", cfg.BlockSize,
		"channels", cfg.Channels,
		"partitions", partitions,
		"slots", cfg.Slots,
		"algorithm", cfg.Algorithm,
		"transform", cfg.Transform,
		"device", queue.Device().Name)

	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Slot returns BufferSet i.
func (e *Engine) Slot(i int) *BufferSet {
	return e.slots[i]
}

// OnRetire registers fn to run whenever a slot returns to Idle.
func (e *Engine) OnRetire(fn func()) {
	e.hooksMu.Lock()
	e.onRetire = append(e.onRetire, fn)
	e.hooksMu.Unlock()
}

func (e *Engine) notifyRetire() {
	e.hooksMu.Lock()
	hooks := append([]func(){}, e.onRetire...)
	e.hooksMu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

func (e *Engine) checkBlock(in, out [][]float32) error {
	if len(in) != e.cfg.Channels || len(out) != e.cfg.Channels {
		return fmt.Errorf("%w: got %d/%d channels, want %d", ErrInvalidBlock, len(in), len(out), e.cfg.Channels)
	}

	for ch := range in {
		if len(in[ch]) != e.cfg.BlockSize || len(out[ch]) < e.cfg.BlockSize {
			return fmt.Errorf("%w: channel %d has %d/%d samples, want %d",
				ErrInvalidBlock, ch, len(in[ch]), len(out[ch]), e.cfg.BlockSize)
		}
	}

	return nil
}

// Process convolves one block of every channel against the active kernel
// and performs any pending kernel switch. It returns ErrInputFull without
// consuming the block when another Process call or the compute queue is
// busy, and ErrNoKernel when no kernel has been committed yet.
func (e *Engine) Process(ctx context.Context, in, out [][]float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := e.checkBlock(in, out); err != nil {
		return err
	}

	if !e.busy.TryLock() {
		e.rejected.Add(1)
		return ErrInputFull
	}
	defer e.busy.Unlock()

	if !e.queue.TryReserve(e.cfg.Channels) {
		e.rejected.Add(1)
		return ErrInputFull
	}
	defer e.queue.Release(e.cfg.Channels)

	if e.retirePending() {
		e.notifyRetire()
	}

	plan, err := e.schedule()
	if err != nil {
		return err
	}

	cur := e.slots[e.active]

	var prev *BufferSet
	if e.previous >= 0 {
		prev = e.slots[e.previous]
	}

	// A block is either applied to every channel or the engine is unusable,
	// so cancellation is only honoured before dispatch.
	err = e.queue.Dispatch(context.WithoutCancel(ctx), e.cfg.Channels, func(ch int) error {
		return e.processChannel(ch, plan, cur, prev, in[ch], out[ch][:e.cfg.BlockSize])
	})
	if err != nil {
		return fmt.Errorf("block %d: %w", e.blocks, err)
	}

	e.finishBlock(plan)

	return nil
}

func (e *Engine) processChannel(ch int, plan blockPlan, cur, prev *BufferSet, in, out []float32) error {
	b := e.backends[ch]
	hc := cur.history[ch]

	switch plan.stage {
	case StageHead:
		hp := prev.history[ch]
		if err := hp.push(b, in); err != nil {
			return err
		}

		if err := hp.compute(b, prev.parts[ch], out); err != nil {
			return err
		}

		hc.primeFrom(b, hp)

		return nil

	case StageCrossfade:
		hp := prev.history[ch]
		if plan.primeBefore {
			hc.primeFrom(b, hp)
		}

		if err := hp.push(b, in); err != nil {
			return err
		}

		if err := hc.push(b, in); err != nil {
			return err
		}

		if err := hp.compute(b, prev.parts[ch], e.fade[ch]); err != nil {
			return err
		}

		if err := hc.compute(b, cur.parts[ch], out); err != nil {
			return err
		}

		Crossfade(out, e.fade[ch], out)

		return nil

	default:
		if err := hc.push(b, in); err != nil {
			return err
		}

		return hc.compute(b, cur.parts[ch], out)
	}
}

// Crossfade ramps linearly from prev to next over one block:
// dst[i] = prev[i]*(n-i)/n + next[i]*i/n. The outgoing output carries the
// falling weight, so the block starts on prev and hands over to next at the
// block boundary; weighting prev by i/n would end the block on the old kernel
// and step at the next one. dst may alias either input.
func Crossfade(dst, prev, next []float32) {
	n := len(dst)
	inv := 1 / float64(n)

	for i := range dst {
		w := float64(i) * inv
		dst[i] = float32(float64(prev[i])*(1-w) + float64(next[i])*w)
	}
}

// retirePending returns the slot drained by the last completed switch to Idle.
func (e *Engine) retirePending() bool {
	if e.retire < 0 {
		return false
	}

	bs := e.slots[e.retire]
	bs.mu.Lock()
	bs.retireLocked()
	bs.mu.Unlock()

	e.log.Debug("slot retired", "slot", e.retire)

	if e.previous == e.retire {
		e.previous = -1
	}

	e.retire = -1

	return true
}

// findReady returns the Ready slot committed first, or -1.
func (e *Engine) findReady() int {
	best := -1

	var bestSeq uint64

	for i, bs := range e.slots {
		bs.mu.Lock()
		if bs.state == SlotReady && bs.eoUpload && (best < 0 || bs.seq < bestSeq) {
			best, bestSeq = i, bs.seq
		}
		bs.mu.Unlock()
	}

	return best
}

func (e *Engine) setState(i int, s SlotState) {
	bs := e.slots[i]
	bs.mu.Lock()
	bs.state = s
	bs.mu.Unlock()
}

func (e *Engine) schedule() (blockPlan, error) {
	if e.sw == SwitchIdle {
		if next := e.findReady(); next >= 0 {
			if e.active < 0 {
				for ch, h := range e.slots[next].history {
					h.reset(e.backends[ch])
				}

				e.setState(next, SlotActive)
				e.active = next
				e.log.Info("kernel activated", "slot", next, "name", e.slots[next].Name())
			} else {
				e.setState(e.active, SlotDraining)
				e.setState(next, SlotActive)
				e.previous, e.active = e.active, next
				e.sw = e.algo.start()
				e.switches++
				e.log.Info("kernel switch",
					"from", e.previous, "to", next,
					"name", e.slots[next].Name(),
					"algorithm", e.cfg.Algorithm,
					"block", e.blocks)
			}
		}
	}

	if e.active < 0 {
		return blockPlan{}, ErrNoKernel
	}

	if e.sw == SwitchIdle {
		return blockPlan{stage: StageSteady}, nil
	}

	return e.algo.plan(e.sw), nil
}

func (e *Engine) finishBlock(plan blockPlan) {
	report := BlockReport{Round: e.blocks, Stage: plan.stage, Active: e.active, Previous: -1}
	if plan.stage != StageSteady {
		report.Previous = e.previous
	}

	e.blocks++

	switch e.sw {
	case SwitchHead:
		e.sw = SwitchTail
	case SwitchTail:
		e.sw = SwitchIdle
		e.retire = e.previous
	}

	e.statusMu.Lock()
	e.report = report
	e.statusMu.Unlock()

	e.publish()
}

// publish refreshes the status snapshot. Callers hold busy or are the
// constructor.
func (e *Engine) publish() {
	st := Status{
		Algorithm: e.cfg.Algorithm,
		Transform: e.cfg.Transform,
		Active:    e.active,
		Previous:  e.previous,
		Switch:    e.sw,
		Slots:     make([]SlotState, len(e.slots)),
		Blocks:    e.blocks,
		Switches:  e.switches,
	}

	for i, bs := range e.slots {
		st.Slots[i] = bs.State()
	}

	if e.active >= 0 {
		st.ActiveName = e.slots[e.active].Name()
	}

	e.statusMu.Lock()
	e.status = st
	e.statusMu.Unlock()
}

// Status returns a snapshot of the engine state. Slot states reflect the
// last processed block.
func (e *Engine) Status() Status {
	e.statusMu.RLock()
	st := e.status
	st.Slots = append([]SlotState(nil), e.status.Slots...)
	e.statusMu.RUnlock()

	st.Rejected = e.rejected.Load()

	return st
}

// LastReport describes the most recently processed block.
func (e *Engine) LastReport() BlockReport {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()

	return e.report
}

// Round returns the number of blocks the active kernel's history of channel
// ch has advanced. It is continuous across kernel switches.
func (e *Engine) Round(ch int) uint64 {
	e.busy.Lock()
	defer e.busy.Unlock()

	if e.active < 0 {
		return 0
	}

	return e.slots[e.active].history[ch].round
}

// Kernel returns the taps of channel ch held by slot. Kernels of the slots
// named in LastReport stay valid until the next Process call.
func (e *Engine) Kernel(slot, ch int) []float32 {
	return e.slots[slot].kernel(ch)
}

// SetKernels synchronously loads taps into an Idle slot and commits it. The
// kernel takes effect on the next Process call, through a switch if another
// kernel is active.
func (e *Engine) SetKernels(name string, taps [][]float32) (int, error) {
	e.busy.Lock()
	defer e.busy.Unlock()

	if err := e.validateSet(taps); err != nil {
		return -1, err
	}

	slot := -1

	for i, bs := range e.slots {
		bs.mu.Lock()
		if bs.state == SlotIdle {
			_ = bs.beginUploadLocked()
			slot = i
		}
		bs.mu.Unlock()

		if slot >= 0 {
			break
		}
	}

	if slot < 0 {
		return -1, fmt.Errorf("%w: no idle slot", ErrSlotBusy)
	}

	bs := e.slots[slot]
	parts := make([][]spectrum, len(taps))
	owned := make([][]float32, len(taps))

	for ch := range taps {
		owned[ch] = append([]float32(nil), taps[ch]...)

		p, err := partitionKernel(e.backends[ch], owned[ch], e.cfg.BlockSize)
		if err != nil {
			bs.mu.Lock()
			bs.state = SlotIdle
			bs.mu.Unlock()

			return -1, err
		}

		parts[ch] = p
	}

	bs.mu.Lock()
	for ch := range taps {
		bs.taps[ch] = owned[ch]
		bs.parts[ch] = parts[ch]
		bs.uploaded[ch] = true
	}

	bs.name = name
	e.markReadyLocked(bs)
	bs.mu.Unlock()

	e.publish()

	return slot, nil
}

func (e *Engine) validateSet(taps [][]float32) error {
	if len(taps) != e.cfg.Channels {
		return fmt.Errorf("%w: %d kernel channels for %d engine channels", ErrInvalidBlock, len(taps), e.cfg.Channels)
	}

	for ch := range taps {
		if err := e.validateTaps(ch, taps[ch]); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) validateTaps(ch int, taps []float32) error {
	if ch < 0 || ch >= e.cfg.Channels {
		return fmt.Errorf("%w: channel %d", ErrInvalidBlock, ch)
	}

	if len(taps) == 0 {
		return fmt.Errorf("%w: channel %d has no taps", ErrInvalidBlock, ch)
	}

	if len(taps) > e.cfg.MaxKernelLen {
		return fmt.Errorf("%w: %d taps, max %d", ErrKernelTooLong, len(taps), e.cfg.MaxKernelLen)
	}

	return nil
}

func (e *Engine) markReadyLocked(bs *BufferSet) {
	bs.eoUpload = true
	bs.state = SlotReady
	bs.seq = e.commitSeq.Add(1)
}

// Reset clears the streaming history, abandons a switch in progress in
// favour of the incoming kernel and restarts the block count.
func (e *Engine) Reset() {
	e.busy.Lock()
	defer e.busy.Unlock()

	retired := e.retirePending()

	if e.sw != SwitchIdle && e.previous >= 0 {
		e.retire = e.previous
		e.retirePending()

		retired = true
	}

	e.sw = SwitchIdle
	e.previous = -1
	e.blocks = 0

	if e.active >= 0 {
		for ch, h := range e.slots[e.active].history {
			h.reset(e.backends[ch])
		}
	}

	e.statusMu.Lock()
	e.report = BlockReport{Active: e.active, Previous: -1}
	e.statusMu.Unlock()

	e.publish()

	if retired {
		e.notifyRetire()
	}
}
