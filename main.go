// Command graal-conv runs the real-time convolution pump on file or tone
// sources, with a terminal UI and a browser control surface for switching
// kernels and ducking.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"graal-conv/dsp"
	"graal-conv/internal/compute"
	"graal-conv/pkg/fifo"
	"graal-conv/pkg/pcm"
	"graal-conv/pump"
	"graal-conv/web"
)

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

type options struct {
	block        int
	rate         int
	kernels      stringList
	inputs       stringList
	mic          string
	algo         string
	transform    string
	upload       string
	device       string
	singleThread bool
	verify       bool
	record       string
	port         int
	noWeb        bool
	noBrowser    bool
	noTUI        bool
	logFile      string
}

func parseFlags() options {
	var o options

	flag.IntVar(&o.block, "block", 256, "Block size in samples (power of two)")
	flag.IntVar(&o.rate, "rate", 48000, "Sample rate in Hz")
	flag.Var(&o.kernels, "kernel", "Kernel file (.wav impulse response or .kbank), repeatable")
	flag.Var(&o.inputs, "input", "Input WAV file, one source per flag (default: test tone)")
	flag.StringVar(&o.mic, "mic", "", "WAV file played as the live microphone while ducking (default: tone)")
	flag.StringVar(&o.algo, "algo", "uniform", "Switch algorithm (uniform, head-tail)")
	flag.StringVar(&o.transform, "transform", "fft", "Transform backend (fft, fht)")
	flag.StringVar(&o.upload, "upload", "device", "Kernel upload strategy (host-ptr, client, device, lib)")
	flag.StringVar(&o.device, "device", "cpu", "Compute device (cpu, gpu)")
	flag.BoolVar(&o.singleThread, "single-thread", false, "Run kernel uploads inside the block loop")
	flag.BoolVar(&o.verify, "verify", false, "Verify every block against direct convolution (slow)")
	flag.StringVar(&o.record, "record", "", "Write the session to this WAV file on exit")
	flag.IntVar(&o.port, "port", 8080, "Web server port")
	flag.BoolVar(&o.noWeb, "no-web", false, "Disable web server")
	flag.BoolVar(&o.noBrowser, "no-browser", false, "Don't auto-open browser")
	flag.BoolVar(&o.noTUI, "no-tui", false, "Disable interactive TUI")
	flag.StringVar(&o.logFile, "log", "graal-conv.log", "Log file path")

	flag.Usage = func() {
		//nolint:forbidigo // CLI help output
		fmt.Fprintln(os.Stderr, "graal-conv: real-time partitioned convolution\n\nUsage: graal-conv [options]\n\nExamples:")
		//nolint:forbidigo // CLI help output
		fmt.Fprintln(os.Stderr, "  graal-conv -kernel hall.wav -kernel plate.wav -input music.wav")
		//nolint:forbidigo // CLI help output
		fmt.Fprintln(os.Stderr, "  graal-conv -kernel library.kbank -algo head-tail -transform fht -record out.wav\n\nOptions:")
		flag.PrintDefaults()
	}

	flag.Parse()

	return o
}

func main() {
	opts := parseFlags()

	file, err := os.OpenFile(opts.logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o666)
	if err != nil {
		//nolint:forbidigo // error output before logging is initialized
		fmt.Printf("Failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer file.Close()

	slog.SetDefault(slog.New(slog.NewTextHandler(file, nil)))
	slog.Info("Starting graal-conv", "args", os.Args)

	if err := run(opts); err != nil {
		slog.Error("graal-conv failed", "error", err)
		//nolint:forbidigo // critical error output to user
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

// buildConfig turns the options into a pump configuration with one source
// per input, and opens the source that feeds the simulated microphone.
func buildConfig(opts options) (pump.Config, pump.Source, error) {
	cfg := pump.DefaultConfig()
	cfg.BlockSize = opts.block
	cfg.SampleRate = opts.rate
	cfg.SingleThread = opts.singleThread
	cfg.Verify = opts.verify
	cfg.RecordPath = opts.record

	var err error

	if cfg.Engine.Algorithm, err = dsp.ParseAlgorithm(opts.algo); err != nil {
		return cfg, nil, err
	}

	if cfg.Engine.Transform, err = dsp.ParseTransform(opts.transform); err != nil {
		return cfg, nil, err
	}

	if cfg.Upload.Strategy, err = dsp.ParseUploadStrategy(opts.upload); err != nil {
		return cfg, nil, err
	}

	if cfg.Device, err = compute.Select(opts.device); err != nil {
		return cfg, nil, err
	}

	kernels, err := loadKernels(opts.kernels, opts.rate)
	if err != nil {
		return cfg, nil, err
	}

	slog.Info("Kernels loaded", "sets", len(kernels), "maxLen", maxKernelLen(kernels))

	if len(opts.inputs) == 0 {
		cfg.Sources = []pump.SourceConfig{{
			Name:    "tone",
			Source:  pump.NewToneSource(2, 220, float64(opts.rate), 0.25),
			Kernels: fitChannels(kernels, 2),
		}}
	}

	for _, path := range opts.inputs {
		src, err := pump.OpenWAV(path, opts.rate, true)
		if err != nil {
			return cfg, nil, err
		}

		cfg.Sources = append(cfg.Sources, pump.SourceConfig{
			Name:    path,
			Source:  src,
			Kernels: fitChannels(kernels, src.Channels()),
		})
	}

	var mic pump.Source = pump.NewToneSource(1, 660, float64(opts.rate), 0.3)
	if opts.mic != "" {
		if mic, err = pump.OpenWAV(opts.mic, opts.rate, true); err != nil {
			return cfg, nil, err
		}
	}

	cfg.MicChannels = mic.Channels()
	cfg.Mic = fifo.New(8 * 2 * cfg.MicChannels * opts.block)
	cfg.Output = fifo.New(4 * 2 * pump.BedChannels * opts.block)

	return cfg, mic, nil
}

func run(opts options) error {
	cfg, micSrc, err := buildConfig(opts)
	if err != nil {
		return err
	}

	p, err := pump.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	blockTime := time.Duration(opts.block) * time.Second / time.Duration(opts.rate)

	wg.Add(2)

	go func() {
		defer wg.Done()
		feedCapture(ctx, micSrc, cfg.Mic, opts.block, blockTime)
	}()

	go func() {
		defer wg.Done()
		playback(ctx, cfg.Output, opts.block, blockTime)
	}()

	var webServer *web.Server
	if !opts.noWeb {
		webServer = startWeb(p, opts)
	}

	uiCtx, cancelUI := context.WithCancel(ctx)
	defer cancelUI()

	pumpDone := make(chan error, 1)
	go func() {
		pumpDone <- p.Run(ctx)
		cancelUI()
	}()

	var runErr error

	if opts.noTUI {
		//nolint:forbidigo // headless mode startup message
		fmt.Println("graal-conv running headless. Log file:", opts.logFile)
		//nolint:forbidigo // headless mode startup message
		fmt.Println("Press Ctrl+C to exit.")

		runErr = <-pumpDone
	} else {
		runTUI(uiCtx, p)
		slog.Info("TUI exited, stopping pump")
		p.Stop()

		runErr = <-pumpDone
	}

	stop()
	wg.Wait()

	if webServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := webServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Web server shutdown error", "error", err)
		}
	}

	if opts.record != "" && runErr == nil {
		//nolint:forbidigo // user-facing result
		fmt.Println("Session recorded to", opts.record)
	}

	return runErr
}

func startWeb(p *pump.Pump, opts options) *web.Server {
	s := web.NewServer(p, opts.port)

	go func() {
		if err := s.Start(); err != nil {
			slog.Error("Web server error", "error", err)
		}
	}()

	if !opts.noBrowser {
		go func() {
			time.Sleep(200 * time.Millisecond)

			if err := web.OpenBrowser(fmt.Sprintf("http://localhost:%d", opts.port)); err != nil {
				slog.Error("Failed to open browser", "error", err)
			}
		}()
	}

	//nolint:forbidigo // startup message
	fmt.Printf("Web UI available at http://localhost:%d\n", opts.port)

	return s
}

// feedCapture stands in for a capture device: it writes one block of src
// into rb every period as interleaved int16.
func feedCapture(ctx context.Context, src pump.Source, rb *fifo.RingBuffer, block int, period time.Duration) {
	planar := make([][]float32, src.Channels())
	for ch := range planar {
		planar[ch] = make([]float32, block)
	}

	inter := make([]float32, block*len(planar))
	ints := make([]int16, len(inter))
	raw := make([]byte, 2*len(ints))
	frame := 2 * len(planar)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := src.ReadBlock(ctx, planar); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("capture source failed", "error", err)
			return
		}

		if err := pcm.Interleave(inter, planar); err != nil {
			slog.Warn("capture interleave failed", "error", err)
			return
		}

		pcm.Float32ToInt16(ints, inter)
		pcm.Int16ToBytes(raw, ints)

		// Surplus frames are lost, as on a device overrun. Only whole frames
		// go in so the reader stays aligned.
		free := min(rb.Free(), len(raw))
		rb.Write(raw[:free-free%frame])
	}
}

// playback stands in for an output device: it consumes one block of
// interleaved stereo int16 from rb every period.
func playback(ctx context.Context, rb *fifo.RingBuffer, block int, period time.Duration) {
	buf := make([]byte, 2*pump.BedChannels*block)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var underruns int

	for {
		select {
		case <-ctx.Done():
			slog.Info("playback stopped", "underruns", underruns)
			return
		case <-ticker.C:
		}

		if n := rb.Read(buf); n < len(buf) {
			underruns++
		}
	}
}
