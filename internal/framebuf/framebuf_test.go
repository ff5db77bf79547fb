package framebuf

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func TestNew_DefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, New(0).Cap())
	assert.Equal(t, 64, New(64).Cap())
}

func TestBuffer_Load(t *testing.T) {
	b := New(32)

	require.NoError(t, b.Load(pattern(20)))
	assert.Equal(t, 20, b.Len())
	assert.Equal(t, pattern(20), b.Bytes())

	require.NoError(t, b.Load(pattern(32)))
	assert.Equal(t, 32, b.Len())

	err := b.Load(pattern(33))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Equal(t, 0, b.Len())
}

func TestBuffer_ReadFrom(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr error
	}{
		{"empty", 0, nil},
		{"small", 10, nil},
		{"exact capacity", 64, nil},
		{"one over", 65, ErrFrameTooLarge},
		{"far over", 1000, ErrFrameTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(64)
			r := bytes.NewReader(pattern(tt.size))

			_, err := b.ReadFrom(iotest.OneByteReader(r))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, 0, b.Len())
				assert.Equal(t, 0, r.Len(), "oversized message must be drained")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, pattern(tt.size)[:tt.size], b.Bytes())
		})
	}
}

func TestBuffer_ReadFrom_ReaderError(t *testing.T) {
	b := New(64)
	boom := errors.New("boom")

	_, err := b.ReadFrom(io.MultiReader(bytes.NewReader(pattern(5)), iotest.ErrReader(boom)))
	assert.ErrorIs(t, err, boom)
}

func TestBuffer_ReusedAcrossFrames(t *testing.T) {
	b := New(64)
	require.NoError(t, b.Load(pattern(40)))
	require.NoError(t, b.Load([]byte{1, 2, 3}))
	assert.Equal(t, []byte{1, 2, 3}, b.Bytes())
}

func TestChunkCount(t *testing.T) {
	assert.Equal(t, 0, ChunkCount(0, 8))
	assert.Equal(t, 1, ChunkCount(1, 8))
	assert.Equal(t, 1, ChunkCount(8, 8))
	assert.Equal(t, 2, ChunkCount(9, 8))
	assert.Equal(t, 2, ChunkCount(16384, 8192))
	assert.Equal(t, 3, ChunkCount(16385, 8192))
}

func TestBuffer_Chunks_RoundTrip(t *testing.T) {
	for _, size := range []int{1, 7, 8, 9, 63, 64} {
		b := New(64)
		require.NoError(t, b.Load(pattern(size)))

		var (
			out    []byte
			count  int
			firsts int
			lasts  int
		)
		err := b.Chunks(8, func(chunk []byte, first, last bool) error {
			assert.LessOrEqual(t, len(chunk), 8)
			assert.Equal(t, count == 0, first)
			out = append(out, chunk...)
			count++
			if first {
				firsts++
			}
			if last {
				lasts++
			}
			return nil
		})
		require.NoError(t, err)

		assert.Equal(t, pattern(size), out, "size %d", size)
		assert.Equal(t, ChunkCount(size, 8), count, "size %d", size)
		assert.Equal(t, 1, firsts)
		assert.Equal(t, 1, lasts)
	}
}

func TestBuffer_Chunks_StopsOnError(t *testing.T) {
	b := New(64)
	require.NoError(t, b.Load(pattern(64)))

	stop := errors.New("stop")
	calls := 0
	err := b.Chunks(8, func([]byte, bool, bool) error {
		calls++
		if calls == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, calls)
}
