// Package chunk splits snapshot content into content-defined chunks. Edits
// to one part of a configuration file leave the surrounding chunk
// boundaries alone, so unchanged chunks deduplicate across versions.
package chunk

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"errors"
	"io"
	"math/bits"
)

// Ref captures the identifying information for a content-defined chunk.
type Ref struct {
	Hash   [32]byte // Strong hash of the chunk bytes (SHA256)
	Offset uint64   // Byte offset within the content
	Length uint32   // Length of the chunk
}

// Chunk holds a chunk's byte data and reference metadata.
type Chunk struct {
	Ref  Ref
	Data []byte
}

// Params controls the content-defined chunker.
type Params struct {
	MinSize int // Minimum chunk size in bytes
	AvgSize int // Target average chunk size in bytes
	MaxSize int // Hard maximum chunk size in bytes
	Window  int // Rolling hash window size
}

// RabinChunker performs content-defined chunking using a rolling
// Rabin-Karp hash.
type RabinChunker struct {
	r      *bufio.Reader
	params Params
	offset uint64
	mask   uint64
	hash   *rollingHash
}

// NewRabinChunker builds a streaming chunker over the provided reader.
func NewRabinChunker(r io.Reader, params Params) *RabinChunker {
	p := params.normalize()
	return &RabinChunker{
		r:      bufio.NewReaderSize(r, p.MaxSize),
		params: p,
		mask:   avgToMask(p.AvgSize),
		hash:   newRollingHash(p.Window),
	}
}

// Next returns the next content-defined chunk or io.EOF when complete.
func (c *RabinChunker) Next() (Chunk, error) {
	if c == nil || c.r == nil {
		return Chunk{}, errors.New("chunker not initialized")
	}

	buf := make([]byte, 0, c.params.AvgSize)
	for {
		b, err := c.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(buf) == 0 {
					return Chunk{}, io.EOF
				}
				break
			}
			return Chunk{}, err
		}

		buf = append(buf, b)
		c.hash.push(b)

		if len(buf) < c.params.MinSize {
			continue
		}

		// Cut at a boundary once min is satisfied, either via hash match or max length.
		if (c.hash.sum()&c.mask) == 0 || len(buf) >= c.params.MaxSize {
			break
		}
	}

	sum := sha256.Sum256(buf)
	ref := Ref{
		Hash:   sum,
		Offset: c.offset,
		Length: uint32(len(buf)),
	}
	c.offset += uint64(len(buf))

	return Chunk{Ref: ref, Data: buf}, nil
}

// Split chunks an in-memory byte slice in one pass.
func Split(data []byte, params Params) ([]Chunk, error) {
	chunker := NewRabinChunker(bytes.NewReader(data), params)

	var chunks []Chunk
	for {
		c, err := chunker.Next()
		if errors.Is(err, io.EOF) {
			return chunks, nil
		}
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
}

// Reassemble concatenates chunk data back into the original content.
func Reassemble(chunks [][]byte) []byte {
	totalSize := 0
	for _, c := range chunks {
		totalSize += len(c)
	}

	result := make([]byte, 0, totalSize)
	for _, c := range chunks {
		result = append(result, c...)
	}

	return result
}

// normalize ensures sane defaults and bounds for chunking parameters.
// Defaults are sized for configuration files, not bulk data.
func (p Params) normalize() Params {
	if p.MinSize <= 0 {
		p.MinSize = 2 << 10 // 2 KiB
	}
	if p.AvgSize <= 0 {
		p.AvgSize = 8 << 10 // 8 KiB
	}
	if p.MaxSize <= 0 {
		p.MaxSize = 64 << 10 // 64 KiB
	}
	if p.Window <= 0 {
		p.Window = 48
	}
	if p.MinSize > p.AvgSize {
		p.AvgSize = p.MinSize
	}
	if p.AvgSize > p.MaxSize {
		p.MaxSize = p.AvgSize
	}
	return p
}

// avgToMask selects a mask that approximates the target average chunk size.
func avgToMask(avg int) uint64 {
	if avg <= 0 {
		avg = 8 << 10
	}
	// Choose the nearest power-of-two mask to the requested average.
	bitWidth := bits.Len(uint(avg))
	if bitWidth < 8 {
		bitWidth = 8
	}
	if bitWidth > 62 {
		bitWidth = 62
	}
	return (1 << (bitWidth - 1)) - 1
}

type rollingHash struct {
	window int
	base   uint64
	mod    uint64
	pow    uint64
	hash   uint64
	buf    []byte
}

func newRollingHash(window int) *rollingHash {
	if window <= 0 {
		window = 48
	}
	const (
		base = 256
		mod  = (1 << 61) - 1 // large prime for stability
	)

	pow := uint64(1)
	for i := 0; i < window-1; i++ {
		pow = (pow * base) % mod
	}

	return &rollingHash{
		window: window,
		base:   base,
		mod:    mod,
		pow:    pow,
		buf:    make([]byte, 0, window),
	}
}

func (r *rollingHash) push(b byte) {
	if len(r.buf) == r.window {
		out := r.buf[0]
		r.buf = r.buf[1:]
		r.hash = (r.hash + r.mod - (uint64(out)*r.pow)%r.mod) % r.mod
	}

	r.buf = append(r.buf, b)
	r.hash = (r.hash*r.base + uint64(b)) % r.mod
}

func (r *rollingHash) sum() uint64 {
	return r.hash
}
