// SPDX-License-Identifier: GPL-3.0-or-later

package pathset

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAddPreservesOrder(t *testing.T) {
	ps := NewPathSet()

	a1 := netip.MustParseAddrPort("8.8.8.8:53")
	a2 := netip.MustParseAddrPort("9.9.9.9:53")

	_, err := ps.Add(a1, KindRecursive)
	require.NoError(t, err)
	_, err = ps.Add(a2, KindAuthoritative)
	require.NoError(t, err)

	all := ps.All()
	require.Len(t, all, 2)
	require.Equal(t, a1, all[0].Addr)
	require.Equal(t, a2, all[1].Addr)
}

func TestAddRejectsDuplicate(t *testing.T) {
	ps := NewPathSet()
	addr := netip.MustParseAddrPort("8.8.8.8:53")

	_, err := ps.Add(addr, KindRecursive)
	require.NoError(t, err)

	_, err = ps.Add(addr, KindRecursive)
	require.ErrorIs(t, err, ErrDuplicateAddr)
}

func TestNormalizeDualStackAddr(t *testing.T) {
	ps := NewPathSet()
	plain := netip.MustParseAddrPort("1.2.3.4:53")
	mapped := netip.AddrPortFrom(netip.AddrFrom16(plain.Addr().As16()), 53)

	_, err := ps.Add(plain, KindRecursive)
	require.NoError(t, err)

	_, err = ps.Add(mapped, KindRecursive)
	require.ErrorIs(t, err, ErrDuplicateAddr, "dual-stack mapped address should collide with plain IPv4")
}

func TestRemoveAndLookup(t *testing.T) {
	ps := NewPathSet()
	addr := netip.MustParseAddrPort("8.8.8.8:53")
	p, err := ps.Add(addr, KindRecursive)
	require.NoError(t, err)

	found, ok := ps.ByID(p.ID)
	require.True(t, ok)
	require.Equal(t, p, found)

	require.NoError(t, ps.Remove(p.ID))
	_, ok = ps.ByAddr(addr)
	require.False(t, ok)

	require.ErrorIs(t, ps.Remove(p.ID), ErrNotFound)
}

func TestPathProbeBackoff(t *testing.T) {
	p := &Path{}
	now := time.Now()
	require.True(t, p.ShouldProbe(now))

	p.MarkProbeFailure(now)
	require.False(t, p.ShouldProbe(now))
	require.True(t, p.ShouldProbe(now.Add(2*time.Second)))
}

func TestPathResetClearsState(t *testing.T) {
	p := &Path{}
	p.IncInflightPolls(3)
	p.UpdateRTT(42 * time.Millisecond)
	p.MarkProbeFailure(time.Now())

	p.Reset()

	require.Zero(t, p.InflightPolls())
	require.Zero(t, p.RTT())
	require.True(t, p.ShouldProbe(time.Now()))
}
