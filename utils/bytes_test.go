package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPadBytes(t *testing.T) {
	t.Run("short input is zero-padded", func(t *testing.T) {
		got := PadBytes([]byte{7, 9}, 5)
		assert.Equal(t, []byte{7, 9, 0, 0, 0}, got)
	})

	t.Run("long input is truncated", func(t *testing.T) {
		got := PadBytes([]byte("hello world"), 5)
		assert.Equal(t, []byte("hello"), got)
	})

	t.Run("result does not alias the input", func(t *testing.T) {
		in := []byte{1, 2, 3}
		got := PadBytes(in, 3)
		got[0] = 42
		assert.Equal(t, byte(1), in[0])
	})
}

func TestJoinBytes(t *testing.T) {
	t.Run("multiple slices concatenated", func(t *testing.T) {
		got := JoinBytes([]byte("foo"), []byte("bar"), []byte("baz"))
		assert.Equal(t, []byte("foobarbaz"), got)
	})

	t.Run("empty slices", func(t *testing.T) {
		got := JoinBytes([]byte{}, []byte("a"), []byte{})
		assert.Equal(t, []byte("a"), got)
	})

	t.Run("no args returns empty", func(t *testing.T) {
		assert.Empty(t, JoinBytes())
	})
}
