// SPDX-License-Identifier: GPL-3.0-or-later

package tunnel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResponseBufferFIFO(t *testing.T) {
	b := NewResponseBuffer(2)

	require.False(t, b.Push("c1", []byte("a")))
	require.False(t, b.Push("c1", []byte("b")))
	require.True(t, b.Push("c1", []byte("c")), "third push should drop the oldest")

	got, ok := b.Pop("c1")
	require.True(t, ok)
	require.Equal(t, []byte("b"), got, "oldest surviving item should pop first")

	got, ok = b.Pop("c1")
	require.True(t, ok)
	require.Equal(t, []byte("c"), got)

	_, ok = b.Pop("c1")
	require.False(t, ok)
	require.EqualValues(t, 1, b.Dropped())
}

func TestResponseBufferPerClientIsolation(t *testing.T) {
	b := NewResponseBuffer(4)
	b.Push("c1", []byte("x"))
	require.Equal(t, 1, b.Len("c1"))
	require.Equal(t, 0, b.Len("c2"))
}
