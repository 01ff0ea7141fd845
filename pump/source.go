package pump

import (
	"context"
	"fmt"
	"io"
	"math"
	"sync/atomic"

	"graal-conv/internal/wavio"
	"graal-conv/pkg/fifo"
	"graal-conv/pkg/pcm"
	"graal-conv/pkg/resampler"
)

// Source produces planar float blocks for one engine.
type Source interface {
	Channels() int
	// ReadBlock fills every channel of dst. At the end of the stream it
	// zero-fills the remainder and returns io.EOF.
	ReadBlock(ctx context.Context, dst [][]float32) error
}

// FileSource plays back samples held in memory, optionally looping.
type FileSource struct {
	samples [][]float32
	pos     int
	loop    bool
}

// NewFileSource plays planar samples. All channels must have equal length.
func NewFileSource(samples [][]float32, loop bool) (*FileSource, error) {
	if len(samples) == 0 || len(samples[0]) == 0 {
		return nil, fmt.Errorf("%w: empty source", ErrInvalidConfig)
	}

	for ch := range samples {
		if len(samples[ch]) != len(samples[0]) {
			return nil, fmt.Errorf("%w: channel %d has %d frames, want %d",
				pcm.ErrChannelMismatch, ch, len(samples[ch]), len(samples[0]))
		}
	}

	return &FileSource{samples: samples, loop: loop}, nil
}

// OpenWAV loads a WAV file as a FileSource, resampling it to sampleRate
// when the file was recorded at another rate.
func OpenWAV(path string, sampleRate int, loop bool) (*FileSource, error) {
	clip, err := wavio.ReadFile(path)
	if err != nil {
		return nil, err
	}

	samples, err := clip.Planar()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if clip.SampleRate != sampleRate {
		r := resampler.New()
		for ch := range samples {
			if samples[ch], err = r.Resample(samples[ch], float64(clip.SampleRate), float64(sampleRate)); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
		}
	}

	src, err := NewFileSource(samples, loop)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return src, nil
}

func (s *FileSource) Channels() int { return len(s.samples) }

func (s *FileSource) ReadBlock(_ context.Context, dst [][]float32) error {
	frames := len(s.samples[0])
	n := len(dst[0])
	done := 0

	for done < n {
		if s.pos >= frames {
			if !s.loop {
				for ch := range dst {
					clear(dst[ch][done:])
				}

				return io.EOF
			}

			s.pos = 0
		}

		k := min(n-done, frames-s.pos)
		for ch := range dst {
			copy(dst[ch][done:done+k], s.samples[ch%len(s.samples)][s.pos:s.pos+k])
		}

		s.pos += k
		done += k
	}

	return nil
}

// ToneSource generates a sine at a fixed frequency on every channel. It
// never ends.
type ToneSource struct {
	channels int
	step     float64
	gain     float64
	phase    float64
}

// NewToneSource creates a sine generator.
func NewToneSource(channels int, freq, sampleRate, gain float64) *ToneSource {
	return &ToneSource{channels: channels, step: 2 * math.Pi * freq / sampleRate, gain: gain}
}

func (s *ToneSource) Channels() int { return s.channels }

func (s *ToneSource) ReadBlock(_ context.Context, dst [][]float32) error {
	for i := range dst[0] {
		v := float32(s.gain * math.Sin(s.phase))
		for ch := range dst {
			dst[ch][i] = v
		}

		s.phase += s.step
		if s.phase > 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}

	return nil
}

// CaptureSource reads interleaved int16 PCM from a ring buffer filled by a
// capture device.
//
// A waiting source parks until a whole block is buffered. A non-waiting
// source takes what is there and pads with silence, counting the shortfall
// as an underrun.
type CaptureSource struct {
	rb       *fifo.RingBuffer
	channels int
	wait     bool

	raw       []byte
	ints      []int16
	inter     []float32
	scratch   []byte
	underruns atomic.Uint64
}

// NewCaptureSource reads channels-channel frames from rb.
func NewCaptureSource(rb *fifo.RingBuffer, channels int, wait bool) *CaptureSource {
	return &CaptureSource{rb: rb, channels: channels, wait: wait}
}

func (s *CaptureSource) Channels() int { return s.channels }

// Underruns returns the number of blocks padded with silence.
func (s *CaptureSource) Underruns() uint64 { return s.underruns.Load() }

func (s *CaptureSource) ReadBlock(ctx context.Context, dst [][]float32) error {
	samples := len(dst[0]) * s.channels
	if len(s.ints) != samples {
		s.raw = make([]byte, 2*samples)
		s.ints = make([]int16, samples)
		s.inter = make([]float32, samples)
	}

	var (
		n   int
		err error
	)

	frame := 2 * s.channels

	if s.wait {
		n, err = fifo.ReadFull(ctx, s.rb, s.raw)
		n -= n % frame
	} else {
		// Only whole frames leave the ring so later blocks stay aligned.
		avail := min(s.rb.Occupied(), len(s.raw))
		n = s.rb.Read(s.raw[:avail-avail%frame])
	}

	if n < len(s.raw) {
		clear(s.raw[n:])
		s.underruns.Add(1)
	}

	pcm.BytesToInt16(s.ints, s.raw)
	pcm.Int16ToFloat32(s.inter, s.ints)

	if derr := deinterleave(dst, s.inter, s.channels); derr != nil {
		return derr
	}

	return err
}

// Discard drops every whole frame buffered in the ring, leaving a partially
// written frame for the next read.
func (s *CaptureSource) Discard() {
	frame := 2 * s.channels
	if len(s.scratch) == 0 {
		s.scratch = make([]byte, max(1, 4096/frame)*frame)
	}

	for {
		avail := min(s.rb.Occupied(), len(s.scratch))
		avail -= avail % frame

		if avail == 0 {
			return
		}

		s.rb.Read(s.scratch[:avail])
	}
}

// deinterleave spreads frames of srcChannels channels over dst, repeating
// source channels when dst has more.
func deinterleave(dst [][]float32, inter []float32, srcChannels int) error {
	if len(inter) != len(dst[0])*srcChannels {
		return fmt.Errorf("%w: %d samples for %d frames of %d channels",
			pcm.ErrChannelMismatch, len(inter), len(dst[0]), srcChannels)
	}

	for i := range dst[0] {
		frame := inter[i*srcChannels : (i+1)*srcChannels]
		for ch := range dst {
			dst[ch][i] = frame[ch%srcChannels]
		}
	}

	return nil
}
