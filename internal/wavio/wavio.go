// Package wavio reads and writes RIFF/WAVE PCM files on top of go-audio/wav.
// Unknown chunks between fmt and data are skipped by the decoder; files are
// written with the canonical 44-byte header.
package wavio

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"graal-conv/pkg/pcm"
)

// Errors.
var (
	ErrNotWAV            = errors.New("wavio: not a RIFF/WAVE file")
	ErrUnsupportedFormat = errors.New("wavio: unsupported sample format")
)

const formatPCM = 1

// Clip is decoded PCM audio. Data holds interleaved integer samples exactly
// as stored in the file (8-bit data is unsigned).
type Clip struct {
	SampleRate  int
	NumChannels int
	BitDepth    int
	Data        []int
}

// Frames returns the number of sample frames.
func (c *Clip) Frames() int {
	if c.NumChannels == 0 {
		return 0
	}

	return len(c.Data) / c.NumChannels
}

// Planar converts the clip to per-channel float32 samples in [-1, 1).
func (c *Clip) Planar() ([][]float32, error) {
	inter := make([]float32, len(c.Data))
	if err := pcm.IntToFloat32(inter, c.Data, c.BitDepth); err != nil {
		return nil, err
	}

	out := make([][]float32, c.NumChannels)
	for ch := range out {
		out[ch] = make([]float32, c.Frames())
	}

	if err := pcm.Deinterleave(out, inter[:c.Frames()*c.NumChannels]); err != nil {
		return nil, err
	}

	return out, nil
}

// FromPlanar quantises per-channel float samples into a clip.
func FromPlanar(samples [][]float32, sampleRate, bitDepth int) (*Clip, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no channels", ErrUnsupportedFormat)
	}

	inter := make([]float32, len(samples)*len(samples[0]))
	if err := pcm.Interleave(inter, samples); err != nil {
		return nil, err
	}

	data := make([]int, len(inter))
	if err := pcm.Float32ToInt(data, inter, bitDepth); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
	}

	return &Clip{SampleRate: sampleRate, NumChannels: len(samples), BitDepth: bitDepth, Data: data}, nil
}

func checkDepth(bitDepth int) error {
	switch bitDepth {
	case 8, 16, 24, 32:
		return nil
	default:
		return fmt.Errorf("%w: %d-bit", ErrUnsupportedFormat, bitDepth)
	}
}

// Read decodes a PCM WAV stream.
func Read(r io.ReadSeeker) (*Clip, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, ErrNotWAV
	}

	dec.ReadInfo()

	if dec.WavAudioFormat != formatPCM {
		return nil, fmt.Errorf("%w: audio format %d", ErrUnsupportedFormat, dec.WavAudioFormat)
	}

	if err := checkDepth(int(dec.BitDepth)); err != nil {
		return nil, err
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("wavio: decode: %w", err)
	}

	return &Clip{
		SampleRate:  int(dec.SampleRate),
		NumChannels: int(dec.NumChans),
		BitDepth:    int(dec.BitDepth),
		Data:        buf.Data,
	}, nil
}

// ReadFile decodes the WAV file at path.
func ReadFile(path string) (*Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	clip, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return clip, nil
}

// Write encodes clip as PCM WAV.
func Write(w io.WriteSeeker, clip *Clip) error {
	if err := checkDepth(clip.BitDepth); err != nil {
		return err
	}

	if clip.NumChannels <= 0 || len(clip.Data)%clip.NumChannels != 0 {
		return fmt.Errorf("%w: %d samples for %d channels", ErrUnsupportedFormat, len(clip.Data), clip.NumChannels)
	}

	enc := wav.NewEncoder(w, clip.SampleRate, clip.BitDepth, clip.NumChannels, formatPCM)

	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: clip.NumChannels, SampleRate: clip.SampleRate},
		Data:           clip.Data,
		SourceBitDepth: clip.BitDepth,
	}

	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("wavio: encode: %w", err)
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("wavio: finalize: %w", err)
	}

	return nil
}

// WriteInt16 encodes interleaved 16-bit samples.
func WriteInt16(w io.WriteSeeker, samples []int16, sampleRate, channels int) error {
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}

	return Write(w, &Clip{SampleRate: sampleRate, NumChannels: channels, BitDepth: 16, Data: data})
}

// WriteFile encodes clip into a new file at path.
func WriteFile(path string, clip *Clip) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if err := Write(f, clip); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}

	return f.Close()
}
