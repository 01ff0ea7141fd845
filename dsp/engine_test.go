package dsp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"graal-conv/internal/compute"
)

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	mod := func(f func(*Config)) Config {
		c := DefaultConfig()
		f(&c)

		return c
	}

	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"default", DefaultConfig(), true},
		{"block not power of two", mod(func(c *Config) { c.BlockSize = 100 }), false},
		{"block too small", mod(func(c *Config) { c.BlockSize = 8 }), false},
		{"no channels", mod(func(c *Config) { c.Channels = 0 }), false},
		{"one slot", mod(func(c *Config) { c.Slots = 1 }), false},
		{"no kernel length", mod(func(c *Config) { c.MaxKernelLen = 0 }), false},
		{"bad algorithm", mod(func(c *Config) { c.Algorithm = 9 }), false},
		{"bad transform", mod(func(c *Config) { c.Transform = 9 }), false},
		{"three slots fht", mod(func(c *Config) { c.Slots, c.Transform = 3, TransformFHT }), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}

			if !tt.ok && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestConfigShallowQueue(t *testing.T) {
	t.Parallel()

	dev, err := compute.Select("cpu")
	if err != nil {
		t.Fatal(err)
	}

	q, err := compute.NewQueue(dev, 1)
	if err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.Queue = q

	if _, err := NewEngine(cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("NewEngine with depth 1 queue for 2 channels: %v, want ErrInvalidConfig", err)
	}
}

func TestConfigDerived(t *testing.T) {
	t.Parallel()

	cfg := Config{BlockSize: 256, MaxKernelLen: 2048}
	if got := cfg.NumPartitions(); got != 8 {
		t.Errorf("NumPartitions = %d, want 8", got)
	}

	if got := cfg.NumHistoryBlocks(); got != 9 {
		t.Errorf("NumHistoryBlocks = %d, want 9", got)
	}

	cfg.MaxKernelLen = 2049
	if got := cfg.NumPartitions(); got != 9 {
		t.Errorf("NumPartitions = %d, want 9", got)
	}
}

func TestParseAlgorithm(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]AlgorithmKind{"uniform": AlgorithmUniform, "head-tail": AlgorithmHeadTail, "HeadTail": AlgorithmHeadTail} {
		got, err := ParseAlgorithm(in)
		if err != nil || got != want {
			t.Errorf("ParseAlgorithm(%q) = %v, %v; want %v", in, got, err, want)
		}
	}

	if _, err := ParseAlgorithm("nonuniform"); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("ParseAlgorithm(nonuniform) error = %v, want ErrInvalidConfig", err)
	}
}

func TestProcessWithoutKernel(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxKernelLen = 1024
	e := newTestEngine(t, cfg)

	in, out := makeBlock(2, 256), makeBlock(2, 256)
	if err := e.Process(context.Background(), in, out); !errors.Is(err, ErrNoKernel) {
		t.Fatalf("Process = %v, want ErrNoKernel", err)
	}

	if st := e.Status(); st.Blocks != 0 || st.Active != -1 {
		t.Errorf("status after rejected block = %+v", st)
	}
}

func TestProcessInvalidBlock(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxKernelLen = 512
	e := newTestEngine(t, cfg)

	tests := []struct {
		name    string
		in, out [][]float32
	}{
		{"channels", makeBlock(1, 256), makeBlock(1, 256)},
		{"short input", makeBlock(2, 128), makeBlock(2, 256)},
		{"short output", makeBlock(2, 256), makeBlock(2, 64)},
	}

	for _, tt := range tests {
		if err := e.Process(context.Background(), tt.in, tt.out); !errors.Is(err, ErrInvalidBlock) {
			t.Errorf("%s: Process = %v, want ErrInvalidBlock", tt.name, err)
		}
	}
}

func TestProcessQueueFull(t *testing.T) {
	t.Parallel()

	dev, err := compute.Select("cpu")
	if err != nil {
		t.Fatal(err)
	}

	q, err := compute.NewQueue(dev, 2)
	if err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.MaxKernelLen = 512
	cfg.Queue = q
	e := newTestEngine(t, cfg)

	if _, err := e.SetKernels("a", DecayKernel(1, 2, 512)); err != nil {
		t.Fatalf("SetKernels failed: %v", err)
	}

	in, out := makeBlock(2, 256), makeBlock(2, 256)

	// Another submitter holds part of the queue.
	if !q.TryReserve(1) {
		t.Fatal("TryReserve failed")
	}

	if err := e.Process(context.Background(), in, out); !errors.Is(err, ErrInputFull) {
		t.Fatalf("Process on busy queue = %v, want ErrInputFull", err)
	}

	if st := e.Status(); st.Blocks != 0 || st.Rejected != 1 {
		t.Errorf("status = %+v, want no blocks and one rejection", st)
	}

	q.Release(1)

	if err := e.Process(context.Background(), in, out); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
}

func TestProcessCancelled(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxKernelLen = 512
	e := newTestEngine(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := e.Process(ctx, makeBlock(2, 256), makeBlock(2, 256)); !errors.Is(err, context.Canceled) {
		t.Errorf("Process = %v, want context.Canceled", err)
	}
}

// TestImpulseReproducesKernel checks zero latency: an impulse in the first
// sample of block 0 yields the kernel from sample 0 on.
func TestImpulseReproducesKernel(t *testing.T) {
	t.Parallel()

	for _, tr := range []Transform{TransformFFT, TransformFHT} {
		t.Run(tr.String(), func(t *testing.T) {
			t.Parallel()

			cfg := Config{BlockSize: 64, Channels: 1, MaxKernelLen: 300, Slots: 2, Transform: tr}
			e := newTestEngine(t, cfg)

			kernel := DecayKernel(3, 1, 300)
			if _, err := e.SetKernels("k", kernel); err != nil {
				t.Fatalf("SetKernels failed: %v", err)
			}

			in, out := makeBlock(1, 64), makeBlock(1, 64)
			in[0][0] = 1

			var got []float32

			for range 6 {
				if err := e.Process(context.Background(), in, out); err != nil {
					t.Fatalf("Process failed: %v", err)
				}

				got = append(got, out[0]...)
				in[0][0] = 0
			}

			for i, want := range kernel[0] {
				if math.Abs(float64(got[i]-want)) > 1e-5 {
					t.Fatalf("sample %d: got %f, want %f", i, got[i], want)
				}
			}

			for i := len(kernel[0]); i < len(got); i++ {
				if math.Abs(float64(got[i])) > 1e-5 {
					t.Fatalf("sample %d past kernel end: %f", i, got[i])
				}
			}

			if r := e.Round(0); r != 6 {
				t.Errorf("Round = %d, want 6", r)
			}
		})
	}
}

// TestEngineMatchesDirect runs several switches with both algorithms and
// both transforms, verifying every block against direct convolution.
func TestEngineMatchesDirect(t *testing.T) {
	t.Parallel()

	for _, algo := range []AlgorithmKind{AlgorithmUniform, AlgorithmHeadTail} {
		for _, tr := range []Transform{TransformFFT, TransformFHT} {
			t.Run(fmt.Sprintf("%v_%v", algo, tr), func(t *testing.T) {
				t.Parallel()

				cfg := Config{
					BlockSize:    128,
					Channels:     2,
					MaxKernelLen: 1000,
					Slots:        2,
					Algorithm:    algo,
					Transform:    tr,
				}
				e := newTestEngine(t, cfg)
				v := NewVerifier(e, 0)

				// Kernels of different lengths, the last one full length.
				lengths := []int{1000, 300, 129, 1000}
				if _, err := e.SetKernels("k0", DecayKernel(10, 2, lengths[0])); err != nil {
					t.Fatalf("SetKernels failed: %v", err)
				}

				in, out := makeBlock(2, 128), makeBlock(2, 128)
				next := 1
				stages := map[Stage]int{}

				for block := range 40 {
					if block%10 == 9 && next < len(lengths) {
						name := fmt.Sprintf("k%d", next)
						if _, err := e.SetKernels(name, DecayKernel(int64(10+next), 2, lengths[next])); err != nil {
							t.Fatalf("block %d: SetKernels failed: %v", block, err)
						}

						next++
					}

					rep := runBlock(t, e, v, block, in, out)
					stages[rep.Stage]++
				}

				if got := e.Status().Switches; got != 3 {
					t.Errorf("Switches = %d, want 3", got)
				}

				if stages[StageCrossfade] != 3 {
					t.Errorf("crossfade blocks = %d, want 3", stages[StageCrossfade])
				}

				wantHead := 0
				if algo == AlgorithmHeadTail {
					wantHead = 3
				}

				if stages[StageHead] != wantHead {
					t.Errorf("head blocks = %d, want %d", stages[StageHead], wantHead)
				}
			})
		}
	}
}

// TestHeadTailScenario walks a 2048-tap, 256-sample head-tail switch
// requested before block 5.
func TestHeadTailScenario(t *testing.T) {
	t.Parallel()

	cfg := Config{
		BlockSize:    256,
		Channels:     2,
		MaxKernelLen: 2048,
		Slots:        2,
		Algorithm:    AlgorithmHeadTail,
		Transform:    TransformFFT,
	}
	e := newTestEngine(t, cfg)
	v := NewVerifier(e, 0.01)

	if _, err := e.SetKernels("a", DecayKernel(1, 2, 2048)); err != nil {
		t.Fatal(err)
	}

	in, out := makeBlock(2, 256), makeBlock(2, 256)

	type want struct {
		stage    Stage
		active   int
		previous int
		slots    []SlotState
	}

	expect := []want{
		0: {StageSteady, 0, -1, []SlotState{SlotActive, SlotIdle}},
		1: {StageSteady, 0, -1, []SlotState{SlotActive, SlotIdle}},
		2: {StageSteady, 0, -1, []SlotState{SlotActive, SlotIdle}},
		3: {StageSteady, 0, -1, []SlotState{SlotActive, SlotIdle}},
		4: {StageSteady, 0, -1, []SlotState{SlotActive, SlotReady}},
		5: {StageHead, 1, 0, []SlotState{SlotDraining, SlotActive}},
		6: {StageCrossfade, 1, 0, []SlotState{SlotDraining, SlotActive}},
		7: {StageSteady, 1, -1, []SlotState{SlotIdle, SlotActive}},
		8: {StageSteady, 1, -1, []SlotState{SlotIdle, SlotActive}},
		9: {StageSteady, 1, -1, []SlotState{SlotIdle, SlotActive}},
	}

	for block, w := range expect {
		rep := runBlock(t, e, v, block, in, out)

		if block == 4 {
			if _, err := e.SetKernels("b", DecayKernel(2, 2, 2048)); err != nil {
				t.Fatal(err)
			}
		}

		if rep.Round != uint64(block) || rep.Stage != w.stage || rep.Active != w.active || rep.Previous != w.previous {
			t.Errorf("block %d: report %+v, want stage %v active %d previous %d",
				block, rep, w.stage, w.active, w.previous)
		}

		st := e.Status()
		for i, s := range w.slots {
			if e.Slot(i).State() != s {
				t.Errorf("block %d: slot %d is %v, want %v (status %v)", block, i, e.Slot(i).State(), s, st.Slots)
			}
		}
	}

	if st := e.Status(); st.ActiveName != "b" || st.Switch != SwitchIdle {
		t.Errorf("final status %+v", st)
	}
}

func TestCrossfadeBounded(t *testing.T) {
	t.Parallel()

	prev := []float32{1, -1, 0.5, 0, 2, -2, 0.25, 0.75}
	next := []float32{-1, 1, 0.5, 1, 0, -2, -0.25, 0.25}
	dst := make([]float32, len(prev))

	Crossfade(dst, prev, next)

	if dst[0] != prev[0] {
		t.Errorf("dst[0] = %f, want outgoing sample %f", dst[0], prev[0])
	}

	for i := range dst {
		lo := math.Min(float64(prev[i]), float64(next[i]))
		hi := math.Max(float64(prev[i]), float64(next[i]))

		if float64(dst[i]) < lo-1e-7 || float64(dst[i]) > hi+1e-7 {
			t.Errorf("dst[%d] = %f outside [%f, %f]", i, dst[i], lo, hi)
		}
	}

	// Aliasing the incoming buffer.
	alias := append([]float32(nil), next...)
	Crossfade(alias, prev, alias)

	for i := range alias {
		if alias[i] != dst[i] {
			t.Errorf("aliased dst[%d] = %f, want %f", i, alias[i], dst[i])
		}
	}
}

// TestCrossfadeBlockBetweenKernels checks engine output of the crossfade
// block of each switch algorithm against outgoing-only and incoming-only
// references.
func TestCrossfadeBlockBetweenKernels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		algo   AlgorithmKind
		stages []Stage // blocks after the request, ending with the crossfade
	}{
		{"uniform", AlgorithmUniform, []Stage{StageCrossfade}},
		{"head-tail", AlgorithmHeadTail, []Stage{StageHead, StageCrossfade}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := Config{BlockSize: 64, Channels: 1, MaxKernelLen: 256, Slots: 2, Algorithm: tt.algo}
			e := newTestEngine(t, cfg)
			v := NewVerifier(e, 0)

			if _, err := e.SetKernels("a", DecayKernel(4, 1, 256)); err != nil {
				t.Fatal(err)
			}

			in, out := makeBlock(1, 64), makeBlock(1, 64)
			for block := range 6 {
				runBlock(t, e, v, block, in, out)
			}

			if _, err := e.SetKernels("b", DecayKernel(5, 1, 256)); err != nil {
				t.Fatal(err)
			}

			var rep BlockReport
			for i, stage := range tt.stages {
				rep = runBlock(t, e, v, 6+i, in, out)
				if rep.Stage != stage {
					t.Fatalf("block %d: stage = %v, want %v", 6+i, rep.Stage, stage)
				}
			}

			oldRef, newRef := make([]float32, 64), make([]float32, 64)
			writePos := int(rep.Round % uint64(cfg.NumHistoryBlocks()))
			DirectConv(oldRef, v.hist[0], writePos, 64, e.Kernel(rep.Previous, 0), cfg.NumHistoryBlocks())
			DirectConv(newRef, v.hist[0], writePos, 64, e.Kernel(rep.Active, 0), cfg.NumHistoryBlocks())

			if d := math.Abs(float64(out[0][0] - oldRef[0])); d > 1e-4 {
				t.Errorf("first sample %f, want outgoing %f", out[0][0], oldRef[0])
			}

			for i, got := range out[0] {
				lo := math.Min(float64(oldRef[i]), float64(newRef[i])) - 1e-4
				hi := math.Max(float64(oldRef[i]), float64(newRef[i])) + 1e-4

				if float64(got) < lo || float64(got) > hi {
					t.Errorf("sample %d: %f outside [%f, %f]", i, got, lo, hi)
				}
			}
		})
	}
}

func TestSetKernelsErrors(t *testing.T) {
	t.Parallel()

	cfg := Config{BlockSize: 32, Channels: 2, MaxKernelLen: 100, Slots: 2}
	e := newTestEngine(t, cfg)

	if _, err := e.SetKernels("long", DecayKernel(1, 2, 101)); !errors.Is(err, ErrKernelTooLong) {
		t.Errorf("too long: %v, want ErrKernelTooLong", err)
	}

	if _, err := e.SetKernels("mono", DecayKernel(1, 1, 50)); !errors.Is(err, ErrInvalidBlock) {
		t.Errorf("channel mismatch: %v, want ErrInvalidBlock", err)
	}

	if _, err := e.SetKernels("a", DecayKernel(1, 2, 50)); err != nil {
		t.Fatal(err)
	}

	if _, err := e.SetKernels("b", DecayKernel(2, 2, 50)); err != nil {
		t.Fatal(err)
	}

	if _, err := e.SetKernels("c", DecayKernel(3, 2, 50)); !errors.Is(err, ErrSlotBusy) {
		t.Errorf("third set with two slots: %v, want ErrSlotBusy", err)
	}
}

// TestReadyOrder checks that with several Ready slots the first committed
// one is switched to first.
func TestReadyOrder(t *testing.T) {
	t.Parallel()

	cfg := Config{BlockSize: 32, Channels: 1, MaxKernelLen: 64, Slots: 4}
	e := newTestEngine(t, cfg)
	v := NewVerifier(e, 0)

	for i, name := range []string{"a", "b", "c"} {
		if _, err := e.SetKernels(name, DecayKernel(int64(i), 1, 64)); err != nil {
			t.Fatal(err)
		}
	}

	in, out := makeBlock(1, 32), makeBlock(1, 32)

	var names []string

	for block := range 8 {
		runBlock(t, e, v, block, in, out)

		if st := e.Status(); len(names) == 0 || names[len(names)-1] != st.ActiveName {
			names = append(names, st.ActiveName)
		}
	}

	if fmt.Sprint(names) != "[a b c]" {
		t.Errorf("activation order %v, want [a b c]", names)
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	cfg := Config{BlockSize: 32, Channels: 1, MaxKernelLen: 128, Slots: 2, Algorithm: AlgorithmHeadTail}
	e := newTestEngine(t, cfg)
	v := NewVerifier(e, 0)

	if _, err := e.SetKernels("a", DecayKernel(1, 1, 128)); err != nil {
		t.Fatal(err)
	}

	in, out := makeBlock(1, 32), makeBlock(1, 32)
	for block := range 4 {
		runBlock(t, e, v, block, in, out)
	}

	if _, err := e.SetKernels("b", DecayKernel(2, 1, 128)); err != nil {
		t.Fatal(err)
	}

	if rep := runBlock(t, e, v, 4, in, out); rep.Stage != StageHead {
		t.Fatalf("stage = %v, want head", rep.Stage)
	}

	retired := 0
	e.OnRetire(func() { retired++ })

	e.Reset()

	st := e.Status()
	if st.Blocks != 0 || st.Switch != SwitchIdle || st.ActiveName != "b" || st.Previous != -1 {
		t.Errorf("status after Reset: %+v", st)
	}

	if retired != 1 {
		t.Errorf("retire hooks ran %d times, want 1", retired)
	}

	if e.Slot(0).State() != SlotIdle {
		t.Errorf("outgoing slot is %v after Reset, want idle", e.Slot(0).State())
	}

	// Verification restarts from round 0 with an empty history.
	for block := range 12 {
		rep := runBlock(t, e, v, block, in, out)
		if rep.Stage != StageSteady {
			t.Fatalf("block %d: stage %v after Reset", block, rep.Stage)
		}
	}
}

func BenchmarkProcess(b *testing.B) {
	for _, tr := range []Transform{TransformFFT, TransformFHT} {
		for _, block := range []int{64, 256, 1024} {
			b.Run(fmt.Sprintf("%v_%d", tr, block), func(b *testing.B) {
				cfg := Config{BlockSize: block, Channels: 2, MaxKernelLen: 48000, Slots: 2, Transform: tr}
				e := newTestEngine(b, cfg)

				if _, err := e.SetKernels("bench", DecayKernel(1, 2, 48000)); err != nil {
					b.Fatal(err)
				}

				in, out := makeBlock(2, block), makeBlock(2, block)
				signalBlock(in, 0)

				ctx := context.Background()

				b.ReportAllocs()

				for b.Loop() {
					if err := e.Process(ctx, in, out); err != nil {
						b.Fatal(err)
					}
				}

				b.ReportMetric(float64(b.Elapsed().Nanoseconds())/float64(b.N*block), "ns/sample")
			})
		}
	}
}
