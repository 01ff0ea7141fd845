package dsp

import (
	"fmt"
	"strings"

	algofft "github.com/MeKo-Christian/algo-fft"
	"gonum.org/v1/gonum/dsp/fourier"
)

// Transform selects the frequency-domain backend.
type Transform int

// Transform backends.
const (
	// TransformFFT uses a float32 real FFT.
	TransformFFT Transform = iota
	// TransformFHT uses a float64 Hartley transform.
	TransformFHT
)

func (t Transform) String() string {
	switch t {
	case TransformFFT:
		return "fft"
	case TransformFHT:
		return "fht"
	default:
		return fmt.Sprintf("transform(%d)", int(t))
	}
}

// ParseTransform maps "fft" or "fht" to a Transform.
func ParseTransform(s string) (Transform, error) {
	switch strings.ToLower(s) {
	case "fft":
		return TransformFFT, nil
	case "fht":
		return TransformFHT, nil
	default:
		return 0, fmt.Errorf("%w: unknown transform %q", ErrInvalidConfig, s)
	}
}

// spectrum is one transformed frame. Only the field matching the backend
// that produced it is populated.
type spectrum struct {
	bins []complex64 // FFT: n/2+1 bins
	hart []float64   // FHT: n coefficients
}

// backend transforms frames of a fixed size. Implementations keep scratch
// state and must not be shared between goroutines.
type backend interface {
	size() int
	newSpectrum() spectrum
	forward(dst *spectrum, src []float32) error
	// mulAcc adds the spectrum of the circular convolution of x and h to acc.
	mulAcc(acc, x, h *spectrum)
	zero(s *spectrum)
	copySpectrum(dst, src *spectrum)
	inverse(dst []float32, src *spectrum) error
}

func newBackend(t Transform, n int) (backend, error) {
	switch t {
	case TransformFFT:
		return newFFTBackend(n)
	case TransformFHT:
		return newFHTBackend(n), nil
	default:
		return nil, fmt.Errorf("%w: transform %v", ErrInvalidConfig, t)
	}
}

type fftBackend struct {
	n       int
	plan    *algofft.PlanRealT[float32, complex64]
	scratch []complex64
}

func newFFTBackend(n int) (*fftBackend, error) {
	plan, err := algofft.NewPlanReal32(n)
	if err != nil {
		return nil, fmt.Errorf("failed to create FFT plan for size %d: %w", n, err)
	}

	return &fftBackend{n: n, plan: plan, scratch: make([]complex64, n/2+1)}, nil
}

func (b *fftBackend) size() int { return b.n }

func (b *fftBackend) newSpectrum() spectrum {
	return spectrum{bins: make([]complex64, b.n/2+1)}
}

func (b *fftBackend) forward(dst *spectrum, src []float32) error {
	return b.plan.Forward(dst.bins, src)
}

func (b *fftBackend) mulAcc(acc, x, h *spectrum) {
	a, xs, hs := acc.bins, x.bins, h.bins
	for i := range a {
		a[i] += xs[i] * hs[i]
	}
}

func (b *fftBackend) zero(s *spectrum) {
	clear(s.bins)
}

func (b *fftBackend) copySpectrum(dst, src *spectrum) {
	copy(dst.bins, src.bins)
}

func (b *fftBackend) inverse(dst []float32, src *spectrum) error {
	// The plan may use its input as workspace.
	copy(b.scratch, src.bins)

	return b.plan.Inverse(dst, b.scratch)
}

// fhtBackend derives the discrete Hartley transform from a real FFT:
// H[k] = Re X[k] - Im X[k]. The DHT is its own inverse up to 1/n.
type fhtBackend struct {
	n     int
	fft   *fourier.FFT
	seq   []float64
	coeff []complex128
	tmp   spectrum
}

func newFHTBackend(n int) *fhtBackend {
	return &fhtBackend{
		n:     n,
		fft:   fourier.NewFFT(n),
		seq:   make([]float64, n),
		coeff: make([]complex128, n/2+1),
		tmp:   spectrum{hart: make([]float64, n)},
	}
}

func (b *fhtBackend) size() int { return b.n }

func (b *fhtBackend) newSpectrum() spectrum {
	return spectrum{hart: make([]float64, b.n)}
}

func (b *fhtBackend) hartley(dst []float64) {
	b.coeff = b.fft.Coefficients(b.coeff, b.seq)

	half := b.n / 2
	for k := 0; k <= half; k++ {
		re, im := real(b.coeff[k]), imag(b.coeff[k])
		dst[k] = re - im

		if k > 0 && k < half {
			dst[b.n-k] = re + im
		}
	}
}

func (b *fhtBackend) forward(dst *spectrum, src []float32) error {
	for i, v := range src[:b.n] {
		b.seq[i] = float64(v)
	}

	b.hartley(dst.hart)

	return nil
}

// mulAcc applies the Hartley convolution theorem:
// Z[k] = ½[X[k](H[k]+H[n-k]) + X[n-k](H[k]-H[n-k])].
func (b *fhtBackend) mulAcc(acc, x, h *spectrum) {
	n := b.n
	a, xs, hs := acc.hart, x.hart, h.hart

	for k := range n {
		nk := (n - k) & (n - 1)
		he := hs[k] + hs[nk]
		ho := hs[k] - hs[nk]
		a[k] += 0.5 * (xs[k]*he + xs[nk]*ho)
	}
}

func (b *fhtBackend) zero(s *spectrum) {
	clear(s.hart)
}

func (b *fhtBackend) copySpectrum(dst, src *spectrum) {
	copy(dst.hart, src.hart)
}

func (b *fhtBackend) inverse(dst []float32, src *spectrum) error {
	copy(b.seq, src.hart)
	b.hartley(b.tmp.hart)

	scale := 1 / float64(b.n)
	for i, v := range b.tmp.hart {
		dst[i] = float32(v * scale)
	}

	return nil
}
