// Package pump drives convolution engines at a fixed block size: it pulls
// blocks from its sources, convolves each source with its own engine, sums
// the results into a stereo bed and hands interleaved int16 PCM to the
// output ring buffer and the session recorder.
package pump

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"graal-conv/dsp"
	"graal-conv/internal/compute"
	"graal-conv/pkg/fifo"
)

// Errors.
var (
	ErrInvalidConfig = errors.New("pump: invalid configuration")
	ErrUnknownSource = errors.New("pump: unknown source")
	ErrUnknownKernel = errors.New("pump: unknown kernel set")
)

// BedChannels is the channel count of the mixed output.
const BedChannels = 2

// SourceConfig describes one input and the kernel sets it can be switched to.
type SourceConfig struct {
	Name    string
	Source  Source
	Kernels []dsp.KernelSet
	Initial int // index into Kernels loaded before the first block
}

// Config configures a Pump.
type Config struct {
	BlockSize  int
	SampleRate int

	// Engine is the template for every source engine. BlockSize, Channels,
	// Queue and Logger are filled in per source.
	Engine dsp.Config
	Upload dsp.UploaderConfig
	Device compute.Device

	// SingleThread runs kernel uploads inside the block loop instead of one
	// goroutine per source.
	SingleThread bool
	// Verify checks every block against direct convolution. Slow.
	Verify          bool
	VerifyTolerance float64

	Sources []SourceConfig

	// Mic replaces source 0 while ducking. It holds interleaved int16 frames
	// of MicChannels channels.
	Mic         *fifo.RingBuffer
	MicChannels int

	// Output receives interleaved int16 stereo frames. Nil discards them.
	Output *fifo.RingBuffer
	// RecordPath, when set, receives the whole session as a 16-bit WAV file
	// at shutdown.
	RecordPath string

	RetryWait       time.Duration // pause before retrying a busy engine
	ShutdownTimeout time.Duration // bound on waiting for upload goroutines

	Logger *slog.Logger
}

// DefaultConfig returns a 48 kHz configuration with 256-sample blocks and
// the host CPU as compute device.
func DefaultConfig() Config {
	dev, _ := compute.Select("cpu")

	return Config{
		BlockSize:       256,
		SampleRate:      48000,
		Engine:          dsp.DefaultConfig(),
		Upload:          dsp.DefaultUploaderConfig(),
		Device:          dev,
		MicChannels:     1,
		RetryWait:       200 * time.Microsecond,
		ShutdownTimeout: 2 * time.Second,
	}
}

type source struct {
	name     string
	src      Source
	kernels  []dsp.KernelSet
	engine   *dsp.Engine
	uploader *dsp.Uploader
	verifier *dsp.Verifier
	in, out  [][]float32
	done     atomic.Bool
}

// Pump runs the processing loop. Step and Run must not be called
// concurrently; the control methods are safe from any goroutine.
type Pump struct {
	cfg     Config
	log     *slog.Logger
	queue   *compute.Queue
	sources []*source
	mic     *CaptureSource
	mixer   *mixer
	rec     *recorder

	running  atomic.Bool
	duck     atomic.Bool
	duckGain atomic.Uint64 // math.Float64bits
	blocks   atomic.Uint64
	retries  atomic.Uint64
	dropped  atomic.Uint64 // output bytes refused by a full output buffer
}

// New builds one engine and uploader per source and loads the initial
// kernel sets.
func New(cfg Config) (*Pump, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.BlockSize <= 0 || cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: block size %d, sample rate %d", ErrInvalidConfig, cfg.BlockSize, cfg.SampleRate)
	}

	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("%w: no sources", ErrInvalidConfig)
	}

	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 200 * time.Microsecond
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 2 * time.Second
	}

	depth := 0
	for _, sc := range cfg.Sources {
		depth += sc.Source.Channels()
	}

	queue, err := compute.NewQueue(cfg.Device, depth)
	if err != nil {
		return nil, err
	}

	p := &Pump{
		cfg:   cfg,
		log:   cfg.Logger,
		queue: queue,
		mixer: newMixer(cfg.BlockSize),
	}
	p.running.Store(true)
	p.SetDuck(false, 0.25)

	if cfg.RecordPath != "" {
		p.rec = &recorder{}
	}

	if cfg.Mic != nil {
		if cfg.MicChannels < 1 {
			return nil, fmt.Errorf("%w: %d mic channels", ErrInvalidConfig, cfg.MicChannels)
		}

		p.mic = NewCaptureSource(cfg.Mic, cfg.MicChannels, false)
	}

	for i, sc := range cfg.Sources {
		s, err := p.newSource(i, sc)
		if err != nil {
			return nil, fmt.Errorf("source %d (%s): %w", i, sc.Name, err)
		}

		p.sources = append(p.sources, s)
	}

	return p, nil
}

func (p *Pump) newSource(i int, sc SourceConfig) (*source, error) {
	if sc.Initial < 0 || sc.Initial >= len(sc.Kernels) {
		return nil, fmt.Errorf("%w: initial kernel %d of %d", ErrUnknownKernel, sc.Initial, len(sc.Kernels))
	}

	channels := sc.Source.Channels()

	ecfg := p.cfg.Engine
	ecfg.BlockSize = p.cfg.BlockSize
	ecfg.Channels = channels
	ecfg.Queue = p.queue
	ecfg.Logger = p.log.With("source", i)

	for _, k := range sc.Kernels {
		for _, taps := range k.Taps {
			ecfg.MaxKernelLen = max(ecfg.MaxKernelLen, len(taps))
		}
	}

	e, err := dsp.NewEngine(ecfg)
	if err != nil {
		return nil, err
	}

	ucfg := p.cfg.Upload
	ucfg.Logger = ecfg.Logger

	u, err := dsp.NewUploader(e, ucfg)
	if err != nil {
		return nil, err
	}

	initial := sc.Kernels[sc.Initial]
	if _, err := e.SetKernels(initial.Name, initial.Taps); err != nil {
		return nil, fmt.Errorf("initial kernel %q: %w", initial.Name, err)
	}

	s := &source{
		name:     sc.Name,
		src:      sc.Source,
		kernels:  sc.Kernels,
		engine:   e,
		uploader: u,
		in:       makePlanar(channels, p.cfg.BlockSize),
		out:      makePlanar(channels, p.cfg.BlockSize),
	}

	if p.cfg.Verify {
		s.verifier = dsp.NewVerifier(e, p.cfg.VerifyTolerance)
	}

	return s, nil
}

func makePlanar(channels, size int) [][]float32 {
	buf := make([][]float32, channels)
	for ch := range buf {
		buf[ch] = make([]float32, size)
	}

	return buf
}

// RequestKernel queues a switch of source to its kernel set index. The
// switch happens once the upload has committed and a block has run.
func (p *Pump) RequestKernel(source, index int) error {
	if source < 0 || source >= len(p.sources) {
		return fmt.Errorf("%w: %d", ErrUnknownSource, source)
	}

	s := p.sources[source]
	if index < 0 || index >= len(s.kernels) {
		return fmt.Errorf("%w: %d for source %d", ErrUnknownKernel, index, source)
	}

	if err := s.uploader.Submit(s.kernels[index]); err != nil {
		return err
	}

	p.log.Info("kernel switch requested", "source", source, "kernel", s.kernels[index].Name)

	return nil
}

// SetDuck enables or disables ducking. While enabled, source 0 plays the
// microphone and the other sources are scaled by gain.
func (p *Pump) SetDuck(enabled bool, gain float64) {
	gain = min(max(gain, 0), 1)
	p.duckGain.Store(floatBits(gain))
	p.duck.Store(enabled)
}

// Stop makes Run return after the current block.
func (p *Pump) Stop() {
	p.running.Store(false)
}

// Step processes one block. It returns io.EOF after the block in which the
// last source ended.
func (p *Pump) Step(ctx context.Context) error {
	if p.cfg.SingleThread {
		for i, s := range p.sources {
			if _, err := s.uploader.Step(ctx); err != nil && ctx.Err() == nil {
				p.log.Warn("kernel upload failed", "source", i, "error", err)
			}
		}
	}

	if err := p.readInputs(ctx); err != nil {
		return err
	}

	if err := p.process(ctx); err != nil {
		return err
	}

	p.mixer.reset()

	duck := p.duck.Load()
	gain := floatFrom(p.duckGain.Load())

	for i, s := range p.sources {
		g := 1.0
		if duck && i > 0 {
			g = gain
		}

		p.mixer.add(s.out, g)
	}

	pcmOut := p.mixer.finish()

	if p.rec != nil {
		p.rec.append(pcmOut)
	}

	if p.cfg.Output != nil {
		raw := p.mixer.bytes()

		n, err := fifo.WriteFull(ctx, p.cfg.Output, raw)
		if err != nil {
			p.dropped.Add(uint64(len(raw) - n))
			return err
		}
	}

	p.blocks.Add(1)

	for _, s := range p.sources {
		if !s.done.Load() {
			return nil
		}
	}

	return io.EOF
}

func (p *Pump) readInputs(ctx context.Context) error {
	for i, s := range p.sources {
		if i == 0 && p.mic != nil && p.duck.Load() {
			if err := p.mic.ReadBlock(ctx, s.in); err != nil {
				return err
			}

			continue
		}

		if s.done.Load() {
			for ch := range s.in {
				clear(s.in[ch])
			}

			continue
		}

		err := s.src.ReadBlock(ctx, s.in)
		switch {
		case errors.Is(err, io.EOF):
			s.done.Store(true)
			p.log.Info("source ended", "source", i, "name", s.name)
		case err != nil:
			return fmt.Errorf("source %d: %w", i, err)
		}
	}

	// Drain the microphone while it is not in use so it stays current.
	if p.mic != nil && !p.duck.Load() {
		p.mic.Discard()
	}

	return nil
}

func (p *Pump) process(ctx context.Context) error {
	if len(p.sources) == 1 {
		return p.processSource(ctx, p.sources[0])
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range p.sources {
		g.Go(func() error { return p.processSource(gctx, s) })
	}

	return g.Wait()
}

// processSource runs one engine, retrying while it reports ErrInputFull.
func (p *Pump) processSource(ctx context.Context, s *source) error {
	timer := time.NewTimer(p.cfg.RetryWait)
	defer timer.Stop()

	for {
		err := s.engine.Process(ctx, s.in, s.out)
		if !errors.Is(err, dsp.ErrInputFull) {
			if err != nil {
				return fmt.Errorf("%s: %w", s.name, err)
			}

			break
		}

		p.retries.Add(1)
		timer.Reset(p.cfg.RetryWait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	if s.verifier != nil {
		if err := s.verifier.Verify(s.in, s.out); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}

	return nil
}

// Run processes blocks until ctx is done, Stop is called or every source
// has ended. Upload goroutines are given ShutdownTimeout to finish; the
// session recording is written last.
func (p *Pump) Run(ctx context.Context) error {
	upCtx, cancelUploads := context.WithCancel(ctx)
	defer cancelUploads()

	var uploads errgroup.Group

	if !p.cfg.SingleThread {
		for _, s := range p.sources {
			uploads.Go(func() error {
				if err := s.uploader.Run(upCtx); err != nil && upCtx.Err() == nil {
					return err
				}

				return nil
			})
		}
	}

	p.log.Info("pump started",
		"sources", len(p.sources),
		"block", p.cfg.BlockSize,
		"rate", p.cfg.SampleRate,
		"singleThread", p.cfg.SingleThread)

	var runErr error

	for p.running.Load() {
		if err := p.Step(ctx); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				runErr = err
			}

			break
		}
	}

	cancelUploads()

	done := make(chan error, 1)
	go func() { done <- uploads.Wait() }()

	select {
	case err := <-done:
		if err != nil && runErr == nil {
			runErr = err
		}
	case <-time.After(p.cfg.ShutdownTimeout):
		p.log.Warn("upload goroutines did not stop in time", "timeout", p.cfg.ShutdownTimeout)
	}

	if err := p.writeRecording(); err != nil && runErr == nil {
		runErr = err
	}

	p.log.Info("pump stopped", "blocks", p.blocks.Load(), "retries", p.retries.Load())

	return runErr
}

func (p *Pump) writeRecording() error {
	if p.rec == nil {
		return nil
	}

	if err := p.rec.writeFile(p.cfg.RecordPath, p.cfg.SampleRate); err != nil {
		return fmt.Errorf("session recording: %w", err)
	}

	p.log.Info("session recorded", "path", p.cfg.RecordPath, "frames", p.rec.frames())

	return nil
}
