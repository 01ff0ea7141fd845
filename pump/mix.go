package pump

import (
	"math"
	"os"
	"sync"

	"gonum.org/v1/gonum/floats"

	"graal-conv/internal/wavio"
	"graal-conv/pkg/pcm"
)

// Meter holds the level of one bed channel over the last block.
type Meter struct {
	Peak float64 `json:"peak"`
	RMS  float64 `json:"rms"`
}

// DB converts a linear level to dBFS, floored at -96.
func DB(level float64) float64 {
	if level <= 1.5848931924611107e-05 {
		return -96
	}

	return 20 * math.Log10(level)
}

// mixer sums source outputs into the stereo bed and converts it to
// interleaved int16.
type mixer struct {
	bed   [][]float32
	wide  []float64
	inter []float32
	ints  []int16
	raw   []byte

	mu     sync.Mutex
	meters []Meter
}

func newMixer(blockSize int) *mixer {
	return &mixer{
		bed:    makePlanar(BedChannels, blockSize),
		wide:   make([]float64, blockSize),
		inter:  make([]float32, BedChannels*blockSize),
		ints:   make([]int16, BedChannels*blockSize),
		raw:    make([]byte, 2*BedChannels*blockSize),
		meters: make([]Meter, BedChannels),
	}
}

func (m *mixer) reset() {
	for ch := range m.bed {
		clear(m.bed[ch])
	}
}

// add sums src scaled by gain into the bed. A mono source feeds both bed
// channels.
func (m *mixer) add(src [][]float32, gain float64) {
	g := float32(gain)

	for ch := range m.bed {
		in := src[ch%len(src)]
		bed := m.bed[ch]

		for i, v := range in {
			bed[i] += v * g
		}
	}
}

// finish meters the bed and returns it as interleaved int16. The slice is
// reused by the next block.
func (m *mixer) finish() []int16 {
	meters := make([]Meter, len(m.bed))

	for ch, bed := range m.bed {
		for i, v := range bed {
			m.wide[i] = float64(v)
		}

		peak := math.Max(floats.Max(m.wide), -floats.Min(m.wide))
		meters[ch] = Meter{
			Peak: peak,
			RMS:  math.Sqrt(floats.Dot(m.wide, m.wide) / float64(len(m.wide))),
		}
	}

	m.mu.Lock()
	m.meters = meters
	m.mu.Unlock()

	// Interleave cannot fail: the bed channels share one length.
	_ = pcm.Interleave(m.inter, m.bed)
	pcm.Float32ToInt16(m.ints, m.inter)

	return m.ints
}

// bytes returns the last finished block as little-endian int16 bytes.
func (m *mixer) bytes() []byte {
	pcm.Int16ToBytes(m.raw, m.ints)
	return m.raw
}

func (m *mixer) levels() []Meter {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]Meter(nil), m.meters...)
}

// recorder keeps the whole session in memory until shutdown.
type recorder struct {
	mu      sync.Mutex
	samples []int16
}

func (r *recorder) append(block []int16) {
	r.mu.Lock()
	r.samples = append(r.samples, block...)
	r.mu.Unlock()
}

func (r *recorder) frames() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.samples) / BedChannels
}

func (r *recorder) writeFile(path string, sampleRate int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if err := wavio.WriteInt16(f, r.samples, sampleRate, BedChannels); err != nil {
		f.Close()
		return err
	}

	return f.Close()
}
