// Package resampler converts impulse responses and input clips to the engine
// sample rate with libsamplerate's band-limited sinc converters.
package resampler

import (
	"errors"
	"fmt"
	"math"

	libsamplerate "github.com/keereets/go-libsamplerate"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidRate is returned for non-positive or non-finite sample rates and
// for conversion ratios outside what the converter supports.
var ErrInvalidRate = errors.New("resampler: invalid sample rate")

// Lobe limits for NewWithQuality.
const (
	MinLobes     = 4
	MaxLobes     = 64
	DefaultLobes = 16
)

// maxRatio is the widest conversion ratio libsamplerate accepts.
const maxRatio = 256.0

// Resampler performs sample rate conversion with a sinc converter whose
// quality follows the requested number of lobes.
type Resampler struct {
	lobes int
}

// New returns a Resampler with DefaultLobes.
func New() *Resampler {
	return &Resampler{lobes: DefaultLobes}
}

// NewWithQuality returns a Resampler using the given number of sinc lobes on
// each side, clamped to [MinLobes, MaxLobes].
func NewWithQuality(lobes int) *Resampler {
	return &Resampler{lobes: min(max(lobes, MinLobes), MaxLobes)}
}

// Lobes returns the number of sinc lobes per side.
func (r *Resampler) Lobes() int {
	return r.lobes
}

// Converter returns the libsamplerate converter used for the configured lobes.
func (r *Resampler) Converter() libsamplerate.ConverterType {
	switch {
	case r.lobes >= 32:
		return libsamplerate.SincBestQuality
	case r.lobes >= 12:
		return libsamplerate.SincMediumQuality
	default:
		return libsamplerate.SincFastest
	}
}

func checkRates(srcRate, dstRate float64) error {
	for _, r := range []float64{srcRate, dstRate} {
		if r <= 0 || math.IsNaN(r) || math.IsInf(r, 0) {
			return fmt.Errorf("%w: %v", ErrInvalidRate, r)
		}
	}

	if ratio := dstRate / srcRate; ratio > maxRatio || ratio < 1/maxRatio {
		return fmt.Errorf("%w: ratio %v out of range", ErrInvalidRate, ratio)
	}

	return nil
}

// OutputLength returns the number of samples Resample produces.
func OutputLength(inputLen int, srcRate, dstRate float64) int {
	if inputLen == 0 || srcRate <= 0 {
		return 0
	}

	return int(math.Round(float64(inputLen) * dstRate / srcRate))
}

// Resample converts a signal from srcRate to dstRate. The result always holds
// OutputLength samples; the converter's tail is zero-padded or trimmed to fit.
func (r *Resampler) Resample(data []float32, srcRate, dstRate float64) ([]float32, error) {
	if err := checkRates(srcRate, dstRate); err != nil {
		return nil, err
	}

	if srcRate == dstRate {
		return append([]float32(nil), data...), nil
	}

	n := OutputLength(len(data), srcRate, dstRate)
	if n == 0 {
		return []float32{}, nil
	}

	ratio := dstRate / srcRate
	buf := make([]float32, n+int(math.Ceil(ratio))+16)

	sd := &libsamplerate.SrcData{
		DataIn:       data,
		DataOut:      buf,
		InputFrames:  int64(len(data)),
		OutputFrames: int64(len(buf)),
		SrcRatio:     ratio,
	}

	if err := libsamplerate.Simple(sd, r.Converter(), 1); err != nil {
		return nil, fmt.Errorf("resampler: %w", err)
	}

	out := make([]float32, n)
	copy(out, buf[:min(int(sd.OutputFramesGen), n)])

	return out, nil
}

// ResampleKernel converts impulse response taps so that the filter keeps its
// gain at the new rate: the interpolated taps are scaled by srcRate/dstRate.
func (r *Resampler) ResampleKernel(taps []float32, srcRate, dstRate float64) ([]float32, error) {
	out, err := r.Resample(taps, srcRate, dstRate)
	if err != nil || srcRate == dstRate {
		return out, err
	}

	scale := float32(srcRate / dstRate)
	for i := range out {
		out[i] *= scale
	}

	return out, nil
}

// ResampleKernels converts every channel of a kernel in parallel.
func (r *Resampler) ResampleKernels(taps [][]float32, srcRate, dstRate float64) ([][]float32, error) {
	out := make([][]float32, len(taps))

	var g errgroup.Group
	for ch := range taps {
		g.Go(func() error {
			res, err := r.ResampleKernel(taps[ch], srcRate, dstRate)
			if err != nil {
				return fmt.Errorf("channel %d: %w", ch, err)
			}

			out[ch] = res

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return out, nil
}
