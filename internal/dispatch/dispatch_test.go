// SPDX-License-Identifier: GPL-3.0-or-later

package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllocateAndCorrelate(t *testing.T) {
	d := NewDispatcher(16)

	txid, err := d.Allocate(42)
	require.NoError(t, err)

	pathID, sentAt, ok := d.Lookup(txid)
	require.True(t, ok)
	require.EqualValues(t, 42, pathID)
	require.False(t, sentAt.IsZero())

	gotPath, err := d.Correlate(txid)
	require.NoError(t, err)
	require.EqualValues(t, 42, gotPath)

	_, err = d.Correlate(txid)
	require.ErrorIs(t, err, ErrTxidUnknown)
}

func TestAllocateFillsTable(t *testing.T) {
	d := NewDispatcher(4)
	seen := make(map[uint16]bool)

	for i := 0; i < 4; i++ {
		txid, err := d.Allocate(1)
		require.NoError(t, err)
		require.False(t, seen[txid], "txid reused while table not full")
		seen[txid] = true
	}

	_, err := d.Allocate(1)
	require.ErrorIs(t, err, ErrTableFull)
}

func TestReleaseFreesSlot(t *testing.T) {
	d := NewDispatcher(1)

	txid, err := d.Allocate(1)
	require.NoError(t, err)

	_, err = d.Allocate(1)
	require.ErrorIs(t, err, ErrTableFull)

	require.True(t, d.Release(txid))
	_, err = d.Allocate(1)
	require.NoError(t, err)
}

func TestExpireOlderThan(t *testing.T) {
	d := NewDispatcher(8)

	txid1, err := d.Allocate(1)
	require.NoError(t, err)
	_, err = d.Allocate(2)
	require.NoError(t, err)

	cutoff := time.Now().Add(time.Millisecond)
	time.Sleep(2 * time.Millisecond)

	expired := d.ExpireOlderThan(cutoff)
	require.Len(t, expired, 2)
	require.EqualValues(t, 1, expired[1])
	require.EqualValues(t, 1, expired[2])

	_, _, ok := d.Lookup(txid1)
	require.False(t, ok)
	require.Zero(t, d.Outstanding())
}

func TestNextPowerOfTwoRoundsUp(t *testing.T) {
	d := NewDispatcher(5)
	require.Len(t, d.table, 8)
}
