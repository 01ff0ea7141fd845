package kbank

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"graal-conv/pkg/f16"
)

// Reader gives indexed access to the kernel sets of a bank. Only the index
// is read up front; payloads are loaded on demand.
type Reader struct {
	r       io.ReadSeeker
	version uint16
	entries []Entry
}

// NewReader parses the header and index of a bank.
func NewReader(r io.ReadSeeker) (*Reader, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrCorrupted, err)
	}

	if string(hdr[:4]) != Magic {
		return nil, ErrInvalidMagic
	}

	rd := &Reader{r: r, version: binary.LittleEndian.Uint16(hdr[4:])}
	if rd.version != CurrentVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, rd.version, CurrentVersion)
	}

	count := binary.LittleEndian.Uint32(hdr[6:])
	indexOffset := binary.LittleEndian.Uint64(hdr[10:])

	body, err := rd.readChunk(indexOffset, ChunkIndex)
	if err != nil {
		return nil, err
	}

	cur := cursor{b: body}
	rd.entries = make([]Entry, 0, count)

	for range count {
		e := Entry{
			Offset:     cur.u64(),
			SampleRate: math.Float64frombits(cur.u64()),
			Channels:   int(cur.u32()),
			Length:     int(cur.u32()),
			Encoding:   Encoding(cur.u8()),
		}
		e.Name = cur.str()

		if cur.err != nil {
			return nil, fmt.Errorf("%w: index entry %d", ErrCorrupted, len(rd.entries))
		}

		rd.entries = append(rd.entries, e)
	}

	return rd, nil
}

func (r *Reader) readChunk(offset uint64, id string) ([]byte, error) {
	if _, err := r.r.Seek(int64(offset), io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: seek %d: %w", ErrCorrupted, offset, err)
	}

	var hdr [ChunkHeaderSize]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: chunk header at %d: %w", ErrCorrupted, offset, err)
	}

	if got := string(hdr[:4]); got != id {
		return nil, fmt.Errorf("%w: expected %q at %d, got %q", ErrInvalidChunk, id, offset, got)
	}

	size := binary.LittleEndian.Uint64(hdr[4:])
	if size > 1<<34 {
		return nil, fmt.Errorf("%w: %s chunk of %d bytes", ErrCorrupted, id, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r.r, body); err != nil {
		return nil, fmt.Errorf("%w: %s body: %w", ErrCorrupted, id, err)
	}

	return body, nil
}

// Version returns the format version of the bank.
func (r *Reader) Version() uint16 {
	return r.version
}

// Len returns the number of kernel sets.
func (r *Reader) Len() int {
	return len(r.entries)
}

// Entries returns the index without loading payloads.
func (r *Reader) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)

	return out
}

// Load reads kernel set i.
func (r *Reader) Load(i int) (*KernelSet, error) {
	if i < 0 || i >= len(r.entries) {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidIndex, i, len(r.entries))
	}

	body, err := r.readChunk(r.entries[i].Offset, ChunkKernelSet)
	if err != nil {
		return nil, err
	}

	cur := cursor{b: body}
	set := &KernelSet{SampleRate: math.Float64frombits(cur.u64())}
	channels := int(cur.u32())
	length := int(cur.u32())
	enc := Encoding(cur.u8())
	set.Name = cur.str()
	set.Description = cur.str()

	if cur.err != nil {
		return nil, fmt.Errorf("%w: kernel set %d metadata", ErrCorrupted, i)
	}

	bps := enc.BytesPerSample()
	if bps == 0 {
		return nil, fmt.Errorf("%w: kernel set %d has encoding %v", ErrCorrupted, i, enc)
	}

	payload := cur.bytes(channels * length * bps)
	if cur.err != nil {
		return nil, fmt.Errorf("%w: kernel set %q payload truncated", ErrCorrupted, set.Name)
	}

	set.Taps = make([][]float32, channels)
	for ch := range set.Taps {
		set.Taps[ch] = make([]float32, length)
		raw := payload[ch*length*bps : (ch+1)*length*bps]

		switch enc {
		case EncodingF16:
			if _, err := f16.Decode(set.Taps[ch], raw); err != nil {
				return nil, err
			}
		case EncodingF32:
			for j := range set.Taps[ch] {
				set.Taps[ch][j] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*j:]))
			}
		}
	}

	return set, nil
}

// LoadByName reads the first kernel set with the given name.
func (r *Reader) LoadByName(name string) (*KernelSet, error) {
	for i, e := range r.entries {
		if e.Name == name {
			return r.Load(i)
		}
	}

	return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
}

// ReadAll loads every kernel set of a bank.
func ReadAll(r io.ReadSeeker) ([]*KernelSet, error) {
	rd, err := NewReader(r)
	if err != nil {
		return nil, err
	}

	sets := make([]*KernelSet, 0, rd.Len())
	for i := range rd.Len() {
		set, err := rd.Load(i)
		if err != nil {
			return nil, fmt.Errorf("load kernel set %d: %w", i, err)
		}

		sets = append(sets, set)
	}

	return sets, nil
}

// cursor decodes little-endian fields and latches the first short read.
type cursor struct {
	b   []byte
	err error
}

func (c *cursor) bytes(n int) []byte {
	if c.err != nil || n < 0 || n > len(c.b) {
		c.err = io.ErrUnexpectedEOF
		return nil
	}

	out := c.b[:n]
	c.b = c.b[n:]

	return out
}

func (c *cursor) u8() uint8 {
	if b := c.bytes(1); b != nil {
		return b[0]
	}

	return 0
}

func (c *cursor) u32() uint32 {
	if b := c.bytes(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}

	return 0
}

func (c *cursor) u64() uint64 {
	if b := c.bytes(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}

	return 0
}

func (c *cursor) str() string {
	var n int
	if b := c.bytes(2); b != nil {
		n = int(binary.LittleEndian.Uint16(b))
	}

	return string(c.bytes(n))
}
