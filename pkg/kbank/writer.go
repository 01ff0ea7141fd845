package kbank

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"graal-conv/pkg/f16"
)

// Writer streams kernel sets into a bank. The index and the header's entry
// count are written by Close, so the destination must be seekable.
type Writer struct {
	w       io.WriteSeeker
	enc     Encoding
	pos     uint64
	entries []Entry
	started bool
	closed  bool
}

// NewWriter creates a Writer storing payloads with the given encoding.
func NewWriter(w io.WriteSeeker, enc Encoding) *Writer {
	return &Writer{w: w, enc: enc}
}

func (w *Writer) writeHeader() error {
	buf := make([]byte, HeaderSize)
	copy(buf, Magic)
	binary.LittleEndian.PutUint16(buf[4:], CurrentVersion)

	if _, err := w.w.Write(buf); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	w.pos = HeaderSize
	w.started = true

	return nil
}

// Add appends one kernel set.
func (w *Writer) Add(set *KernelSet) error {
	if w.closed {
		return ErrClosed
	}

	if w.enc.BytesPerSample() == 0 {
		return fmt.Errorf("kbank: unsupported encoding %v", w.enc)
	}

	if err := set.Validate(); err != nil {
		return err
	}

	if !w.started {
		if err := w.writeHeader(); err != nil {
			return err
		}
	}

	meta := make([]byte, 0, 64)
	meta = binary.LittleEndian.AppendUint64(meta, math.Float64bits(set.SampleRate))
	meta = binary.LittleEndian.AppendUint32(meta, uint32(set.Channels()))
	meta = binary.LittleEndian.AppendUint32(meta, uint32(set.Length()))
	meta = append(meta, byte(w.enc))
	meta = appendString(meta, set.Name)
	meta = appendString(meta, set.Description)

	payload := w.encodePayload(set.Taps)
	size := uint64(len(meta) + len(payload))

	hdr := make([]byte, ChunkHeaderSize)
	copy(hdr, ChunkKernelSet)
	binary.LittleEndian.PutUint64(hdr[4:], size)

	for _, part := range [][]byte{hdr, meta, payload} {
		if _, err := w.w.Write(part); err != nil {
			return fmt.Errorf("write kernel set %q: %w", set.Name, err)
		}
	}

	w.entries = append(w.entries, Entry{
		Offset:     w.pos,
		Name:       set.Name,
		SampleRate: set.SampleRate,
		Channels:   set.Channels(),
		Length:     set.Length(),
		Encoding:   w.enc,
	})
	w.pos += ChunkHeaderSize + size

	return nil
}

func (w *Writer) encodePayload(taps [][]float32) []byte {
	bps := w.enc.BytesPerSample()
	out := make([]byte, len(taps)*len(taps[0])*bps)
	off := 0

	for _, ch := range taps {
		switch w.enc {
		case EncodingF16:
			off += f16.Encode(out[off:], ch)
		case EncodingF32:
			for _, v := range ch {
				binary.LittleEndian.PutUint32(out[off:], math.Float32bits(v))
				off += 4
			}
		}
	}

	return out
}

// Close writes the index chunk and patches the header.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}

	w.closed = true

	if !w.started {
		if err := w.writeHeader(); err != nil {
			return err
		}
	}

	var body []byte
	for _, e := range w.entries {
		body = binary.LittleEndian.AppendUint64(body, e.Offset)
		body = binary.LittleEndian.AppendUint64(body, math.Float64bits(e.SampleRate))
		body = binary.LittleEndian.AppendUint32(body, uint32(e.Channels))
		body = binary.LittleEndian.AppendUint32(body, uint32(e.Length))
		body = append(body, byte(e.Encoding))
		body = appendString(body, e.Name)
	}

	hdr := make([]byte, ChunkHeaderSize)
	copy(hdr, ChunkIndex)
	binary.LittleEndian.PutUint64(hdr[4:], uint64(len(body)))

	if _, err := w.w.Write(append(hdr, body...)); err != nil {
		return fmt.Errorf("write index: %w", err)
	}

	if _, err := w.w.Seek(countField, io.SeekStart); err != nil {
		return fmt.Errorf("seek to header: %w", err)
	}

	var fields [12]byte
	binary.LittleEndian.PutUint32(fields[0:], uint32(len(w.entries)))
	binary.LittleEndian.PutUint64(fields[4:], w.pos)

	if _, err := w.w.Write(fields[:]); err != nil {
		return fmt.Errorf("patch header: %w", err)
	}

	_, err := w.w.Seek(0, io.SeekEnd)

	return err
}

// WriteAll writes sets to w as a complete bank.
func WriteAll(w io.WriteSeeker, enc Encoding, sets []*KernelSet) error {
	bw := NewWriter(w, enc)

	for _, set := range sets {
		if err := bw.Add(set); err != nil {
			return err
		}
	}

	return bw.Close()
}

func appendString(b []byte, s string) []byte {
	if len(s) > math.MaxUint16 {
		s = s[:math.MaxUint16]
	}

	b = binary.LittleEndian.AppendUint16(b, uint16(len(s)))

	return append(b, s...)
}
