// Command conv-bench drives convolution engines with procedural kernels and
// reports per-block processing time, optionally checking every block against
// direct convolution.
//
// Usage:
//
//	conv-bench [options]
//
// Exit status is 0 on success, 255 on a bad argument and 1 when processing
// or verification fails.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"graal-conv/dsp"
	"graal-conv/internal/compute"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitBadArg  = 255
)

var errBadArg = errors.New("bad argument")

type options struct {
	block        int
	rate         int
	loops        int
	instances    int
	channels     int
	kernel       int
	algo         dsp.AlgorithmKind
	transform    dsp.Transform
	upload       dsp.UploadStrategy
	verify       bool
	tolerance    float64
	singleThread bool
	switchEvery  int
	device       compute.Device
	seed         int64
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func parseArgs(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("conv-bench", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		opts                         options
		algo, transform, up, devName string
	)

	fs.IntVar(&opts.block, "block", 256, "Block size in samples (power of two)")
	fs.IntVar(&opts.rate, "rate", 48000, "Sample rate in Hz, used for the real-time factor")
	fs.IntVar(&opts.loops, "loops", 1000, "Blocks processed per instance")
	fs.IntVar(&opts.instances, "instances", 1, "Engines running concurrently")
	fs.IntVar(&opts.channels, "channels", 2, "Channels per engine")
	fs.IntVar(&opts.kernel, "kernel", 48000, "Kernel length in taps")
	fs.StringVar(&algo, "algo", "uniform", "Switch algorithm (uniform, head-tail)")
	fs.StringVar(&transform, "transform", "fft", "Transform backend (fft, fht)")
	fs.StringVar(&up, "upload", "device", "Kernel upload strategy (host-ptr, client, device, lib)")
	fs.BoolVar(&opts.verify, "verify", false, "Check every block against direct convolution")
	fs.Float64Var(&opts.tolerance, "tolerance", dsp.DefaultTolerance, "Verification tolerance")
	fs.BoolVar(&opts.singleThread, "single-thread", false, "Run kernel uploads inside the block loop")
	fs.IntVar(&opts.switchEvery, "switch-every", 0, "Request a kernel switch every N blocks (0 disables)")
	fs.StringVar(&devName, "device", "cpu", "Compute device (cpu, gpu)")
	fs.Int64Var(&opts.seed, "seed", 1, "Seed for kernels and input noise")

	if err := fs.Parse(args); err != nil {
		return opts, fmt.Errorf("%w: %w", errBadArg, err)
	}

	if fs.NArg() > 0 {
		return opts, fmt.Errorf("%w: unexpected arguments %v", errBadArg, fs.Args())
	}

	var err error

	if opts.algo, err = dsp.ParseAlgorithm(algo); err != nil {
		return opts, fmt.Errorf("%w: %w", errBadArg, err)
	}

	if opts.transform, err = dsp.ParseTransform(transform); err != nil {
		return opts, fmt.Errorf("%w: %w", errBadArg, err)
	}

	if opts.upload, err = dsp.ParseUploadStrategy(up); err != nil {
		return opts, fmt.Errorf("%w: %w", errBadArg, err)
	}

	if opts.device, err = compute.Select(devName); err != nil {
		return opts, fmt.Errorf("%w: %w", errBadArg, err)
	}

	switch {
	case opts.loops <= 0, opts.instances <= 0, opts.channels <= 0, opts.kernel <= 0, opts.rate <= 0:
		return opts, fmt.Errorf("%w: loops, instances, channels, kernel and rate must be positive", errBadArg)
	case opts.switchEvery < 0:
		return opts, fmt.Errorf("%w: negative -switch-every", errBadArg)
	}

	return opts, nil
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}

	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitBadArg
	}

	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	results, err := bench(context.Background(), opts, log)
	if err != nil {
		var mismatch *dsp.MismatchError
		if errors.As(err, &mismatch) {
			fmt.Fprintf(stderr, "Verification failed: %v\n", err)
		} else {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}

		if errors.Is(err, dsp.ErrInvalidConfig) || errors.Is(err, compute.ErrDeviceUnavailable) {
			return exitBadArg
		}

		return exitFailure
	}

	report(stdout, opts, results)

	return exitOK
}

// result holds the measurements of one instance.
type result struct {
	times    []float64 // seconds per block
	retries  int
	switches uint64
	uploads  dsp.UploadStats
}

type instance struct {
	engine   *dsp.Engine
	uploader *dsp.Uploader
	verifier *dsp.Verifier
	sets     []dsp.KernelSet
	in, out  [][]float32
	noise    uint64
}

func bench(ctx context.Context, opts options, log *slog.Logger) ([]result, error) {
	queue, err := compute.NewQueue(opts.device, opts.instances*opts.channels)
	if err != nil {
		return nil, err
	}

	instances := make([]*instance, opts.instances)
	for i := range instances {
		if instances[i], err = newInstance(ctx, opts, i, queue, log); err != nil {
			return nil, fmt.Errorf("instance %d: %w", i, err)
		}
	}

	results := make([]result, opts.instances)

	g, gctx := errgroup.WithContext(ctx)
	for i, inst := range instances {
		g.Go(func() error {
			res, err := inst.run(gctx, opts)
			if err != nil {
				return fmt.Errorf("instance %d: %w", i, err)
			}

			results[i] = res

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

func newInstance(ctx context.Context, opts options, idx int, queue *compute.Queue, log *slog.Logger) (*instance, error) {
	cfg := dsp.DefaultConfig()
	cfg.BlockSize = opts.block
	cfg.Channels = opts.channels
	cfg.MaxKernelLen = opts.kernel
	cfg.Algorithm = opts.algo
	cfg.Transform = opts.transform
	cfg.Queue = queue
	cfg.Logger = log.With("instance", idx)

	e, err := dsp.NewEngine(cfg)
	if err != nil {
		return nil, err
	}

	ucfg := dsp.DefaultUploaderConfig()
	ucfg.Strategy = opts.upload
	ucfg.Logger = cfg.Logger

	u, err := dsp.NewUploader(e, ucfg)
	if err != nil {
		return nil, err
	}

	seed := opts.seed + int64(idx)*2
	inst := &instance{
		engine:   e,
		uploader: u,
		sets: []dsp.KernelSet{
			{Name: "a", Taps: dsp.DecayKernel(seed, opts.channels, opts.kernel)},
			{Name: "b", Taps: dsp.DecayKernel(seed+1, opts.channels, opts.kernel)},
		},
		in:    makePlanar(opts.channels, opts.block),
		out:   makePlanar(opts.channels, opts.block),
		noise: uint64(seed)*0x9E3779B97F4A7C15 | 1,
	}

	if opts.verify {
		inst.verifier = dsp.NewVerifier(e, opts.tolerance)
	}

	if _, err := u.Load(ctx, inst.sets[0]); err != nil {
		return nil, err
	}

	return inst, nil
}

func (inst *instance) run(ctx context.Context, opts options) (result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var uploads errgroup.Group

	if !opts.singleThread {
		uploads.Go(func() error {
			if err := inst.uploader.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}

			return nil
		})
	}

	res := result{times: make([]float64, 0, opts.loops)}
	next := 1

	for i := range opts.loops {
		if opts.switchEvery > 0 && i > 0 && i%opts.switchEvery == 0 {
			if err := inst.uploader.Submit(inst.sets[next]); err == nil {
				next = 1 - next
			}
		}

		if opts.singleThread {
			if _, err := inst.uploader.Step(ctx); err != nil {
				cancel()
				return res, err
			}
		}

		inst.fill()

		start := time.Now()

		retries, err := inst.process(ctx)
		if err != nil {
			cancel()
			return res, fmt.Errorf("block %d: %w", i, err)
		}

		res.times = append(res.times, time.Since(start).Seconds())
		res.retries += retries

		if inst.verifier != nil {
			if err := inst.verifier.Verify(inst.in, inst.out); err != nil {
				cancel()
				return res, err
			}
		}
	}

	cancel()

	if err := uploads.Wait(); err != nil {
		return res, err
	}

	res.switches = inst.engine.Status().Switches
	res.uploads = inst.uploader.Stats()

	return res, nil
}

// process runs one block, yielding while the shared queue is saturated.
func (inst *instance) process(ctx context.Context) (int, error) {
	for retries := 0; ; retries++ {
		err := inst.engine.Process(ctx, inst.in, inst.out)
		if !errors.Is(err, dsp.ErrInputFull) {
			return retries, err
		}

		select {
		case <-ctx.Done():
			return retries, ctx.Err()
		case <-time.After(50 * time.Microsecond):
		}
	}
}

// fill writes uniform noise in [-0.5, 0.5) from a xorshift generator.
func (inst *instance) fill() {
	for ch := range inst.in {
		for i := range inst.in[ch] {
			inst.noise ^= inst.noise << 13
			inst.noise ^= inst.noise >> 7
			inst.noise ^= inst.noise << 17
			inst.in[ch][i] = float32(inst.noise>>40)/float32(1<<24) - 0.5
		}
	}
}

func makePlanar(channels, size int) [][]float32 {
	buf := make([][]float32, channels)
	for ch := range buf {
		buf[ch] = make([]float32, size)
	}

	return buf
}

func report(w io.Writer, opts options, results []result) {
	budget := float64(opts.block) / float64(opts.rate)

	fmt.Fprintf(w, "block %d, %d Hz, kernel %d taps, %d channels, %s/%s, upload %s, single-thread %v, verify %v\n",
		opts.block, opts.rate, opts.kernel, opts.channels, opts.algo, opts.transform, opts.upload, opts.singleThread, opts.verify)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "instance\tmean µs\tstddev µs\tp99 µs\tmax µs\trealtime x\tswitches\tuploads\tretries\t")

	for i, r := range results {
		mean, std := stat.MeanStdDev(r.times, nil)

		sorted := append([]float64(nil), r.times...)
		sort.Float64s(sorted)
		p99 := stat.Quantile(0.99, stat.Empirical, sorted, nil)

		rt := math.Inf(1)
		if mean > 0 {
			rt = budget / mean
		}

		fmt.Fprintf(tw, "%d\t%.1f\t%.1f\t%.1f\t%.1f\t%.1f\t%d\t%d\t%d\t\n",
			i, mean*1e6, std*1e6, p99*1e6, floats.Max(r.times)*1e6, rt, r.switches, r.uploads.Loaded, r.retries)
	}

	_ = tw.Flush()
}
