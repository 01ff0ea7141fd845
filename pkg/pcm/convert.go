// Package pcm converts between the sample formats used at the edges of the
// pipeline (interleaved integer PCM) and the planar float blocks the
// convolution engine works on.
package pcm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	libsamplerate "github.com/keereets/go-libsamplerate"
)

// ErrChannelMismatch indicates an interleaved buffer whose length is not a
// multiple of the channel count, or planar buffers of unequal length.
var ErrChannelMismatch = errors.New("pcm: channel layout mismatch")

// ErrUnsupportedBitDepth is returned for integer depths other than 8, 16, 24 or 32.
var ErrUnsupportedBitDepth = errors.New("pcm: unsupported bit depth")

// Int16ToFloat32 converts int16 samples to float32 in [-1, 1).
func Int16ToFloat32(dst []float32, src []int16) {
	libsamplerate.ShortToFloatArray(src, dst)
}

// Float32ToInt16 converts float32 samples to int16 with rounding, clipping
// at the int16 range. It is the exact inverse of Int16ToFloat32.
func Float32ToInt16(dst []int16, src []float32) {
	libsamplerate.FloatToShortArray(src, dst)
}

// fullScale returns the magnitude of the most negative sample value for
// a signed integer depth.
func fullScale(bitDepth int) (float64, error) {
	switch bitDepth {
	case 8:
		return 128, nil
	case 16:
		return 32768, nil
	case 24:
		return 8388608, nil
	case 32:
		return 2147483648, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedBitDepth, bitDepth)
	}
}

// IntToFloat32 converts integer PCM values as produced by WAV decoders to
// float32. 8-bit data is unsigned with a 128 offset, wider depths are signed.
func IntToFloat32(dst []float32, src []int, bitDepth int) error {
	scale, err := fullScale(bitDepth)
	if err != nil {
		return err
	}

	n := min(len(dst), len(src))
	for i := range n {
		v := src[i]
		if bitDepth == 8 {
			v -= 128
		}

		dst[i] = float32(float64(v) / scale)
	}

	return nil
}

// Float32ToInt is the inverse of IntToFloat32 with clipping.
func Float32ToInt(dst []int, src []float32, bitDepth int) error {
	scale, err := fullScale(bitDepth)
	if err != nil {
		return err
	}

	maxVal := scale - 1
	n := min(len(dst), len(src))

	for i := range n {
		v := math.Round(float64(src[i]) * scale)
		if v > maxVal {
			v = maxVal
		} else if v < -scale {
			v = -scale
		}

		q := int(v)
		if bitDepth == 8 {
			q += 128
		}

		dst[i] = q
	}

	return nil
}

// Deinterleave splits interleaved frames into planar channels. Every dst
// channel must hold at least len(src)/len(dst) samples.
func Deinterleave(dst [][]float32, src []float32) error {
	channels := len(dst)
	if channels == 0 || len(src)%channels != 0 {
		return fmt.Errorf("%w: %d samples for %d channels", ErrChannelMismatch, len(src), channels)
	}

	frames := len(src) / channels
	for ch := range dst {
		if len(dst[ch]) < frames {
			return fmt.Errorf("%w: channel %d holds %d of %d frames", ErrChannelMismatch, ch, len(dst[ch]), frames)
		}
	}

	for i := range frames {
		for ch := range channels {
			dst[ch][i] = src[i*channels+ch]
		}
	}

	return nil
}

// Interleave merges planar channels into interleaved frames in dst.
func Interleave(dst []float32, src [][]float32) error {
	channels := len(src)
	if channels == 0 {
		return fmt.Errorf("%w: no channels", ErrChannelMismatch)
	}

	frames := len(src[0])
	for ch := range src {
		if len(src[ch]) != frames {
			return fmt.Errorf("%w: channel %d has %d frames, want %d", ErrChannelMismatch, ch, len(src[ch]), frames)
		}
	}

	if len(dst) < frames*channels {
		return fmt.Errorf("%w: destination holds %d of %d samples", ErrChannelMismatch, len(dst), frames*channels)
	}

	for i := range frames {
		for ch := range channels {
			dst[i*channels+ch] = src[ch][i]
		}
	}

	return nil
}

// BytesToInt16 decodes little-endian S16 bytes. A trailing odd byte is ignored.
func BytesToInt16(dst []int16, src []byte) int {
	n := min(len(dst), len(src)/2)
	for i := range n {
		dst[i] = int16(binary.LittleEndian.Uint16(src[2*i:]))
	}

	return n
}

// Int16ToBytes encodes samples as little-endian S16 bytes.
func Int16ToBytes(dst []byte, src []int16) int {
	n := min(len(dst)/2, len(src))
	for i := range n {
		binary.LittleEndian.PutUint16(dst[2*i:], uint16(src[i]))
	}

	return n * 2
}
