//go:build !windows

package publisher

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConnectionQueueRespectsCeiling(t *testing.T) {
	c := &Connection{}
	require.True(t, c.queue([]byte("hello"), 10))
	require.Equal(t, 5, len(c.buf))

	// Appending 6 more bytes would exceed the 10-byte ceiling.
	require.False(t, c.queue([]byte("world!"), 10))
	require.Equal(t, 5, len(c.buf), "buffer must be left untouched on a rejected append")
}

func TestConnectionQueueAcceptsExactlyAtCeiling(t *testing.T) {
	c := &Connection{}
	require.True(t, c.queue([]byte("0123456789"), 10))
	require.Equal(t, 10, len(c.buf))
}
