// Package kbank reads and writes kernel banks (.kbank).
//
// A kernel bank is a chunked little-endian container holding named
// multi-channel kernel sets (impulse responses) ready for upload into a
// convolution engine. Layout:
//
//	header  "KBNK" version(u16) count(u32) indexOffset(u64)
//	KSET    id(4) size(u64) meta payload        one per kernel set
//	INDX    id(4) size(u64) entries             lookup without payloads
//
// Payloads are stored planar (channel by channel) as f16 or f32 samples.
package kbank

import (
	"errors"
	"fmt"
)

// Format constants.
const (
	Magic                 = "KBNK"
	CurrentVersion uint16 = 1

	ChunkKernelSet = "KSET"
	ChunkIndex     = "INDX"

	HeaderSize      = 18 // magic(4) + version(2) + count(4) + indexOffset(8)
	ChunkHeaderSize = 12 // id(4) + size(8)

	countField = 6
)

// Errors.
var (
	ErrInvalidMagic       = errors.New("kbank: invalid magic number")
	ErrUnsupportedVersion = errors.New("kbank: unsupported format version")
	ErrInvalidChunk       = errors.New("kbank: invalid chunk")
	ErrCorrupted          = errors.New("kbank: corrupted data")
	ErrNotFound           = errors.New("kbank: kernel set not found")
	ErrInvalidIndex       = errors.New("kbank: invalid kernel set index")
	ErrInvalidKernelSet   = errors.New("kbank: invalid kernel set")
	ErrClosed             = errors.New("kbank: writer closed")
)

// Encoding selects the payload sample format.
type Encoding uint8

// Payload encodings.
const (
	EncodingF16 Encoding = 1
	EncodingF32 Encoding = 2
)

// BytesPerSample returns the encoded size of one sample.
func (e Encoding) BytesPerSample() int {
	switch e {
	case EncodingF16:
		return 2
	case EncodingF32:
		return 4
	default:
		return 0
	}
}

func (e Encoding) String() string {
	switch e {
	case EncodingF16:
		return "f16"
	case EncodingF32:
		return "f32"
	default:
		return fmt.Sprintf("encoding(%d)", uint8(e))
	}
}

// ParseEncoding maps "f16" or "f32" to an Encoding.
func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "f16":
		return EncodingF16, nil
	case "f32":
		return EncodingF32, nil
	default:
		return 0, fmt.Errorf("kbank: unknown encoding %q", s)
	}
}

// KernelSet is one named multi-channel kernel.
type KernelSet struct {
	Name        string
	Description string
	SampleRate  float64
	Taps        [][]float32 // [channel][tap]
}

// Channels returns the number of channels.
func (k *KernelSet) Channels() int {
	return len(k.Taps)
}

// Length returns the number of taps per channel.
func (k *KernelSet) Length() int {
	if len(k.Taps) == 0 {
		return 0
	}

	return len(k.Taps[0])
}

// Duration returns the kernel length in seconds.
func (k *KernelSet) Duration() float64 {
	if k.SampleRate <= 0 {
		return 0
	}

	return float64(k.Length()) / k.SampleRate
}

// Validate checks that the set is non-empty with equal channel lengths.
func (k *KernelSet) Validate() error {
	if k.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidKernelSet)
	}

	if len(k.Taps) == 0 || len(k.Taps[0]) == 0 {
		return fmt.Errorf("%w: %q has no taps", ErrInvalidKernelSet, k.Name)
	}

	for ch := range k.Taps {
		if len(k.Taps[ch]) != len(k.Taps[0]) {
			return fmt.Errorf("%w: %q channel %d has %d taps, want %d",
				ErrInvalidKernelSet, k.Name, ch, len(k.Taps[ch]), len(k.Taps[0]))
		}
	}

	return nil
}

// Entry describes a kernel set from the index without its payload.
type Entry struct {
	Offset     uint64
	Name       string
	SampleRate float64
	Channels   int
	Length     int
	Encoding   Encoding
}
