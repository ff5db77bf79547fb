// Package framebuf provides the single reusable buffer that holds the message currently
// being relayed. It is not safe for concurrent use.
package framebuf

import (
	"errors"
	"io"
)

const (
	DefaultCapacity  = 16 * 1024
	DefaultChunkSize = 8 * 1024
)

// ErrFrameTooLarge is returned when a message does not fit in the buffer.
var ErrFrameTooLarge = errors.New("frame too large")

type Buffer struct {
	data []byte
	n    int
}

func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{data: make([]byte, capacity)}
}

func (b *Buffer) Cap() int { return len(b.data) }

func (b *Buffer) Len() int { return b.n }

// Bytes returns the valid portion of the buffer. The slice is only valid until the next
// write to the buffer.
func (b *Buffer) Bytes() []byte { return b.data[:b.n] }

func (b *Buffer) Reset() { b.n = 0 }

// Load copies p into the buffer, replacing its contents.
func (b *Buffer) Load(p []byte) error {
	b.n = 0
	if len(p) > len(b.data) {
		return ErrFrameTooLarge
	}
	b.n = copy(b.data, p)
	return nil
}

// ReadFrom replaces the buffer contents with everything r yields until EOF. When r holds
// more than Cap bytes the remainder is drained, the buffer is left empty and
// ErrFrameTooLarge is returned.
func (b *Buffer) ReadFrom(r io.Reader) (int64, error) {
	b.n = 0
	n := 0
	for n < len(b.data) {
		m, err := r.Read(b.data[n:])
		n += m
		if err == io.EOF {
			b.n = n
			return int64(n), nil
		}
		if err != nil {
			return int64(n), err
		}
	}

	// Full buffer: probe for one more byte before accepting the message.
	var probe [1]byte
	for {
		m, err := r.Read(probe[:])
		if m > 0 {
			drained, derr := io.Copy(io.Discard, r)
			if derr != nil {
				return int64(n+m) + drained, derr
			}
			return int64(n+m) + drained, ErrFrameTooLarge
		}
		if err == io.EOF {
			b.n = n
			return int64(n), nil
		}
		if err != nil {
			return int64(n), err
		}
	}
}

// ChunkCount returns the number of chunks a message of length n splits into.
func ChunkCount(n, size int) int {
	if n <= 0 || size <= 0 {
		return 0
	}
	return (n + size - 1) / size
}

// Chunks calls fn for each consecutive piece of at most size bytes of the buffered
// message, in order. first marks the piece that starts the message and last the one that
// ends it. Iteration stops at the first error returned by fn.
func (b *Buffer) Chunks(size int, fn func(chunk []byte, first, last bool) error) error {
	if size <= 0 {
		size = DefaultChunkSize
	}
	data := b.Bytes()
	for off := 0; off < len(data); off += size {
		end := off + size
		if end > len(data) {
			end = len(data)
		}
		if err := fn(data[off:end], off == 0, end == len(data)); err != nil {
			return err
		}
	}
	return nil
}
