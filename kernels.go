package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"graal-conv/dsp"
	"graal-conv/internal/wavio"
	"graal-conv/pkg/kbank"
	"graal-conv/pkg/resampler"
)

var errNoKernels = errors.New("no kernel sets")

// loadKernelFile reads every kernel set from a kbank file, or a single set
// from a WAV impulse response, and resamples them to rate.
func loadKernelFile(path string, rate int) ([]dsp.KernelSet, error) {
	var sets []*kbank.KernelSet

	if strings.EqualFold(filepath.Ext(path), ".wav") {
		clip, err := wavio.ReadFile(path)
		if err != nil {
			return nil, err
		}

		taps, err := clip.Planar()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}

		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		sets = append(sets, &kbank.KernelSet{Name: name, SampleRate: float64(clip.SampleRate), Taps: taps})
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		if sets, err = kbank.ReadAll(f); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	r := resampler.New()
	out := make([]dsp.KernelSet, 0, len(sets))

	for _, set := range sets {
		taps := set.Taps

		if set.SampleRate > 0 && int(set.SampleRate) != rate {
			var err error
			if taps, err = r.ResampleKernels(taps, set.SampleRate, float64(rate)); err != nil {
				return nil, fmt.Errorf("%s: %s: %w", path, set.Name, err)
			}
		}

		out = append(out, dsp.KernelSet{Name: set.Name, Taps: taps})
	}

	return out, nil
}

// loadKernels collects the kernel sets of all paths. Without paths it
// generates a small procedural set.
func loadKernels(paths []string, rate int) ([]dsp.KernelSet, error) {
	if len(paths) == 0 {
		return proceduralKernels(rate), nil
	}

	var sets []dsp.KernelSet

	for _, path := range paths {
		loaded, err := loadKernelFile(path, rate)
		if err != nil {
			return nil, err
		}

		sets = append(sets, loaded...)
	}

	if len(sets) == 0 {
		return nil, errNoKernels
	}

	return sets, nil
}

func proceduralKernels(rate int) []dsp.KernelSet {
	specs := []struct {
		name    string
		seconds float64
	}{
		{"room", 0.25},
		{"hall", 1.0},
		{"cathedral", 2.5},
	}

	sets := make([]dsp.KernelSet, len(specs))
	for i, s := range specs {
		sets[i] = dsp.KernelSet{Name: s.name, Taps: dsp.DecayKernel(int64(i+1), 2, int(s.seconds*float64(rate)))}
	}

	return sets
}

// fitChannels returns the sets with exactly channels channels, repeating or
// dropping kernel channels as needed.
func fitChannels(sets []dsp.KernelSet, channels int) []dsp.KernelSet {
	out := make([]dsp.KernelSet, len(sets))

	for i, set := range sets {
		taps := make([][]float32, channels)
		for ch := range taps {
			taps[ch] = set.Taps[ch%len(set.Taps)]
		}

		out[i] = dsp.KernelSet{Name: set.Name, Taps: taps}
	}

	return out
}

func maxKernelLen(sets []dsp.KernelSet) int {
	n := 0
	for _, set := range sets {
		for _, taps := range set.Taps {
			n = max(n, len(taps))
		}
	}

	return n
}
