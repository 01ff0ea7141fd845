package pump

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"graal-conv/dsp"
	"graal-conv/internal/wavio"
	"graal-conv/pkg/fifo"
	"graal-conv/pkg/pcm"
)

func delta(channels int, gain float32) dsp.KernelSet {
	taps := make([][]float32, channels)
	for ch := range taps {
		taps[ch] = []float32{gain}
	}

	return dsp.KernelSet{Name: "delta", Taps: taps}
}

// quantized returns planar samples that survive an int16 round trip.
func quantized(channels, frames int, freq float64) [][]float32 {
	out := make([][]float32, channels)
	for ch := range out {
		out[ch] = make([]float32, frames)
		for i := range out[ch] {
			v := math.Round(0.4 * math.Sin(2*math.Pi*freq*float64(i)/48000+float64(ch)) * 32768)
			out[ch][i] = float32(v / 32768)
		}
	}

	return out
}

func testConfig(block int, sources ...SourceConfig) Config {
	cfg := DefaultConfig()
	cfg.BlockSize = block
	cfg.Engine.MaxKernelLen = 1
	cfg.SingleThread = true
	cfg.Sources = sources

	return cfg
}

func newTestPump(t *testing.T, cfg Config) *Pump {
	t.Helper()

	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	return p
}

func fileSource(t *testing.T, samples [][]float32, loop bool) *FileSource {
	t.Helper()

	src, err := NewFileSource(samples, loop)
	if err != nil {
		t.Fatal(err)
	}

	return src
}

// TestIdentityRecording runs a stereo file through a unit kernel and checks
// that the recording reproduces it exactly.
func TestIdentityRecording(t *testing.T) {
	t.Parallel()

	const block = 64

	input := quantized(2, 10*block+17, 440)
	cfg := testConfig(block, SourceConfig{
		Name:    "file",
		Source:  fileSource(t, input, false),
		Kernels: []dsp.KernelSet{delta(2, 1)},
	})
	cfg.RecordPath = filepath.Join(t.TempDir(), "session.wav")
	cfg.Verify = true

	p := newTestPump(t, cfg)
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if st := p.Status(); st.Blocks != 11 || !st.Sources[0].Ended {
		t.Errorf("status %+v", st)
	}

	clip, err := wavio.ReadFile(cfg.RecordPath)
	if err != nil {
		t.Fatal(err)
	}

	if clip.SampleRate != 48000 || clip.NumChannels != 2 || clip.Frames() != 11*block {
		t.Fatalf("recording %d Hz, %d channels, %d frames", clip.SampleRate, clip.NumChannels, clip.Frames())
	}

	got, err := clip.Planar()
	if err != nil {
		t.Fatal(err)
	}

	for ch := range input {
		for i, want := range input[ch] {
			if got[ch][i] != want {
				t.Fatalf("ch %d frame %d: got %f, want %f", ch, i, got[ch][i], want)
			}
		}

		for i := len(input[ch]); i < clip.Frames(); i++ {
			if got[ch][i] != 0 {
				t.Fatalf("ch %d frame %d after end: %f", ch, i, got[ch][i])
			}
		}
	}
}

// TestMixAndDuck sums two sources into the bed and checks ducking.
func TestMixAndDuck(t *testing.T) {
	t.Parallel()

	const block = 32

	mono := [][]float32{make([]float32, block)}
	stereo := [][]float32{make([]float32, block), make([]float32, block)}

	for i := range block {
		mono[0][i] = 0.25
		stereo[0][i] = 0.125
		stereo[1][i] = -0.125
	}

	mic := fifo.New(4096)
	cfg := testConfig(block,
		SourceConfig{Name: "voice", Source: fileSource(t, mono, true), Kernels: []dsp.KernelSet{delta(1, 1)}},
		SourceConfig{Name: "music", Source: fileSource(t, stereo, true), Kernels: []dsp.KernelSet{delta(2, 1)}},
	)
	cfg.Mic = mic
	cfg.Output = fifo.New(1 << 16)

	p := newTestPump(t, cfg)
	ctx := context.Background()

	readBed := func() [][]float32 {
		raw := make([]byte, 2*BedChannels*block)
		if n := cfg.Output.Read(raw); n != len(raw) {
			t.Fatalf("output held %d bytes, want %d", n, len(raw))
		}

		ints := make([]int16, BedChannels*block)
		pcm.BytesToInt16(ints, raw)

		inter := make([]float32, len(ints))
		pcm.Int16ToFloat32(inter, ints)

		bed := makePlanar(BedChannels, block)
		if err := pcm.Deinterleave(bed, inter); err != nil {
			t.Fatal(err)
		}

		return bed
	}

	if err := p.Step(ctx); err != nil {
		t.Fatal(err)
	}

	bed := readBed()
	if bed[0][5] != 0.375 || bed[1][5] != 0.125 {
		t.Errorf("mixed bed = %f / %f, want 0.375 / 0.125", bed[0][5], bed[1][5])
	}

	// Ducked: the mono mic replaces the voice, music at half gain.
	p.SetDuck(true, 0.5)

	frames := make([]int16, block)
	for i := range frames {
		frames[i] = -8192
	}

	raw := make([]byte, 2*block)
	pcm.Int16ToBytes(raw, frames)
	mic.Write(raw)

	if err := p.Step(ctx); err != nil {
		t.Fatal(err)
	}

	bed = readBed()
	if bed[0][5] != -0.1875 || bed[1][5] != -0.3125 {
		t.Errorf("ducked bed = %f / %f, want -0.1875 / -0.3125", bed[0][5], bed[1][5])
	}

	st := p.Status()
	if !st.Duck || st.DuckGain != 0.5 {
		t.Errorf("status duck %v gain %f", st.Duck, st.DuckGain)
	}

	if len(st.Meters) != BedChannels || math.Abs(st.Meters[1].Peak-0.3125) > 1e-6 || math.Abs(st.Meters[1].RMS-0.3125) > 1e-6 {
		t.Errorf("meters %+v", st.Meters)
	}

	if got := p.Kernels(1); len(got) != 1 || got[0].Channels != 2 || got[0].Length != 1 {
		t.Errorf("Kernels(1) = %+v", got)
	}
}

func TestRequestKernelSingleThread(t *testing.T) {
	t.Parallel()

	const block = 32

	half := delta(1, 0.5)
	half.Name = "half"

	cfg := testConfig(block, SourceConfig{
		Name:    "tone",
		Source:  NewToneSource(1, 1000, 48000, 0.5),
		Kernels: []dsp.KernelSet{delta(1, 1), half},
	})
	cfg.Engine.Algorithm = dsp.AlgorithmHeadTail
	cfg.Verify = true

	p := newTestPump(t, cfg)
	ctx := context.Background()

	if err := p.RequestKernel(0, 2); !errors.Is(err, ErrUnknownKernel) {
		t.Errorf("RequestKernel(0, 2) = %v, want ErrUnknownKernel", err)
	}

	if err := p.RequestKernel(1, 0); !errors.Is(err, ErrUnknownSource) {
		t.Errorf("RequestKernel(1, 0) = %v, want ErrUnknownSource", err)
	}

	if err := p.RequestKernel(0, 1); err != nil {
		t.Fatal(err)
	}

	for range 5 {
		if err := p.Step(ctx); err != nil {
			t.Fatal(err)
		}
	}

	st := p.Status().Sources[0]
	if st.Active != "half" || st.Engine.Switches != 1 || st.Uploads.Loaded != 1 {
		t.Errorf("source status %+v", st)
	}
}

func TestRunMultiThreaded(t *testing.T) {
	t.Parallel()

	const block = 32

	second := delta(2, -1)
	second.Name = "inverted"

	cfg := testConfig(block, SourceConfig{
		Name:    "tone",
		Source:  NewToneSource(2, 440, 48000, 0.5),
		Kernels: []dsp.KernelSet{delta(2, 1), second},
	})
	cfg.SingleThread = false

	p := newTestPump(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	if err := p.RequestKernel(0, 1); err != nil {
		t.Fatal(err)
	}

	for p.Status().Sources[0].Active != "inverted" {
		if ctx.Err() != nil {
			t.Fatal("switch never happened")
		}

		time.Sleep(time.Millisecond)
	}

	p.Stop()

	if err := <-done; err != nil {
		t.Fatalf("Run = %v", err)
	}
}

func TestRunCancelled(t *testing.T) {
	t.Parallel()

	cfg := testConfig(32, SourceConfig{
		Name:    "capture",
		Source:  NewCaptureSource(fifo.New(1024), 2, true),
		Kernels: []dsp.KernelSet{delta(2, 1)},
	})
	cfg.SingleThread = false

	p := newTestPump(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	// The capture never delivers; cancellation ends the run cleanly.
	if err := p.Run(ctx); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}

func TestNewErrors(t *testing.T) {
	t.Parallel()

	src := NewToneSource(1, 440, 48000, 0.5)

	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{"no sources", testConfig(32), ErrInvalidConfig},
		{"bad block", testConfig(0, SourceConfig{Source: src, Kernels: []dsp.KernelSet{delta(1, 1)}}), ErrInvalidConfig},
		{"no kernels", testConfig(32, SourceConfig{Source: src}), ErrUnknownKernel},
		{"kernel channels", testConfig(32, SourceConfig{Source: src, Kernels: []dsp.KernelSet{delta(2, 1)}}), dsp.ErrInvalidBlock},
		{"block not power of two", testConfig(48, SourceConfig{Source: src, Kernels: []dsp.KernelSet{delta(1, 1)}}), dsp.ErrInvalidConfig},
	}

	for _, tt := range tests {
		if _, err := New(tt.cfg); !errors.Is(err, tt.want) {
			t.Errorf("%s: New = %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestDB(t *testing.T) {
	t.Parallel()

	if DB(0) != -96 || DB(1) != 0 || math.Abs(DB(0.5)+6.0206) > 1e-3 {
		t.Errorf("DB: %f %f %f", DB(0), DB(1), DB(0.5))
	}
}
