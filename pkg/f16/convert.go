// Package f16 provides IEEE 754 half-precision (float16) conversion utilities
// for kernel payloads stored in a kernel bank.
package f16

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// ErrOddLength is returned when an encoded buffer does not hold whole values.
var ErrOddLength = errors.New("f16: encoded length must be even")

// FromFloat32 converts v to half precision with round-to-nearest-even.
// Values too small for a normal half become subnormals; values beyond the
// half range become infinity.
func FromFloat32(v float32) uint16 {
	bits := math.Float32bits(v)
	sign := uint16(bits>>16) & 0x8000
	exp := int((bits >> 23) & 0xFF)
	mant := bits & 0x7FFFFF

	if exp == 0xFF {
		if mant == 0 {
			return sign | 0x7C00
		}

		// Keep NaN quiet and carry the top payload bits.
		return sign | 0x7E00 | uint16(mant>>13)
	}

	e := exp - 127 + 15
	if e >= 31 {
		return sign | 0x7C00
	}

	if e <= 0 {
		if e < -10 {
			return sign
		}

		mant |= 0x800000
		shift := uint(14 - e)
		half := mant >> shift
		rem := mant & (1<<shift - 1)
		halfway := uint32(1) << (shift - 1)

		if rem > halfway || (rem == halfway && half&1 == 1) {
			half++
		}

		return sign | uint16(half)
	}

	half := uint32(e)<<10 | mant>>13
	rem := mant & 0x1FFF

	// A carry out of the mantissa bumps the exponent, up to infinity.
	if rem > 0x1000 || (rem == 0x1000 && half&1 == 1) {
		half++
	}

	return sign | uint16(half)
}

// ToFloat32 converts a half-precision value to float32. Every half value is
// exactly representable.
func ToFloat32(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := int32(h>>10) & 0x1F
	mant := uint32(h & 0x3FF)

	switch exp {
	case 0x1F:
		return math.Float32frombits(sign | 0x7F800000 | mant<<13)
	case 0:
		if mant == 0 {
			return math.Float32frombits(sign)
		}

		e := int32(-14)
		for mant&0x400 == 0 {
			mant <<= 1
			e--
		}

		mant &= 0x3FF

		return math.Float32frombits(sign | uint32(e+127)<<23 | mant<<13)
	default:
		return math.Float32frombits(sign | uint32(exp-15+127)<<23 | mant<<13)
	}
}

// Encode writes src as little-endian halves into dst and returns the number
// of bytes written.
func Encode(dst []byte, src []float32) int {
	n := min(len(dst)/2, len(src))
	for i := range n {
		binary.LittleEndian.PutUint16(dst[2*i:], FromFloat32(src[i]))
	}

	return 2 * n
}

// Decode reads little-endian halves from src into dst and returns the number
// of values decoded.
func Decode(dst []float32, src []byte) (int, error) {
	if len(src)%2 != 0 {
		return 0, fmt.Errorf("%w: %d bytes", ErrOddLength, len(src))
	}

	n := min(len(dst), len(src)/2)
	for i := range n {
		dst[i] = ToFloat32(binary.LittleEndian.Uint16(src[2*i:]))
	}

	return n, nil
}

// Stats describes the error introduced by quantising a signal to half precision.
type Stats struct {
	MaxAbsError float64
	RMSError    float64
	SNR         float64 // dB, +Inf when lossless
}

// Analyze quantises original to half precision and reports the error.
func Analyze(original []float32) Stats {
	if len(original) == 0 {
		return Stats{}
	}

	ref := make([]float64, len(original))
	diff := make([]float64, len(original))

	for i, v := range original {
		ref[i] = float64(v)
		diff[i] = float64(ToFloat32(FromFloat32(v))) - ref[i]
	}

	noise := floats.Dot(diff, diff)
	signal := floats.Dot(ref, ref)

	st := Stats{
		MaxAbsError: math.Max(floats.Max(diff), -floats.Min(diff)),
		RMSError:    math.Sqrt(noise / float64(len(diff))),
		SNR:         math.Inf(1),
	}

	if noise > 0 {
		st.SNR = 10 * math.Log10(signal/noise)
	}

	return st
}
