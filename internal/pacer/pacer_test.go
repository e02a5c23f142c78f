// SPDX-License-Identifier: GPL-3.0-or-later

package pacer

import (
	"net/netip"
	"testing"
	"time"

	"github.com/slipstream-tunnel/slipstream/internal/pathset"
	"github.com/stretchr/testify/require"
)

func TestInflightBudgetZeroPayloadBudget(t *testing.T) {
	s := NewScheduler()
	require.Zero(t, s.InflightBudget(pathset.KindRecursive, 1_000_000, 1_000_000, time.Second, 0))
}

func TestInflightBudgetRecursiveUsesCongestionWindow(t *testing.T) {
	s := NewScheduler()
	// 20000-byte cwnd / 200-byte budget = 100, clamped to HardCap (64).
	got := s.InflightBudget(pathset.KindRecursive, 0, 20_000, time.Second, 200)
	require.EqualValues(t, HardCap, got)

	// 6000/200 = 30, under the cap.
	got = s.InflightBudget(pathset.KindRecursive, 0, 6_000, time.Second, 200)
	require.EqualValues(t, 30, got)
}

func TestInflightBudgetRecursiveIgnoresPacingRate(t *testing.T) {
	s := NewScheduler()
	withPacing := s.InflightBudget(pathset.KindRecursive, 1_000_000_000, 6_000, time.Second, 200)
	withoutPacing := s.InflightBudget(pathset.KindRecursive, 0, 6_000, time.Second, 200)
	require.Equal(t, withoutPacing, withPacing, "recursive mode is bounded by cwnd, not pacing rate")
}

func TestInflightBudgetAuthoritativeUsesPacingRate(t *testing.T) {
	s := NewScheduler()
	// target_qps = 8_000_000 / (8*200) = 5000, clamped to hard cap
	// (HardCap*AuthoritativeLoopMultiplier = 256); budget =
	// ceil(256 * 0.1s) = 26.
	got := s.InflightBudget(pathset.KindAuthoritative, 8_000_000, 0, 100*time.Millisecond, 200)
	require.EqualValues(t, 26, got)
}

func TestInflightBudgetAuthoritativeFallsBackToCongestionWindow(t *testing.T) {
	s := NewScheduler()
	withZeroPacing := s.InflightBudget(pathset.KindAuthoritative, 0, 6_000, time.Second, 200)
	recursiveEquivalent := congestionWindowBudget(6_000, 200, HardCap*AuthoritativeLoopMultiplier)
	require.EqualValues(t, recursiveEquivalent, withZeroPacing)
}

func TestInflightBudgetFragmentOverheadReducesAuthoritativeBudget(t *testing.T) {
	s := NewScheduler()
	s.FragmentOverhead = 1
	base := s.InflightBudget(pathset.KindAuthoritative, 1_000_000, 0, time.Second, 200)
	s.FragmentOverhead = 4
	overhead := s.InflightBudget(pathset.KindAuthoritative, 1_000_000, 0, time.Second, 200)
	require.Less(t, overhead, base)
}

func TestNextPollDelayBacksOff(t *testing.T) {
	d0 := NextPollDelay(0)
	require.Equal(t, InitialPollDelay, d0)

	d1 := NextPollDelay(d0)
	require.Greater(t, d1, d0)

	var d time.Duration
	for i := 0; i < 100; i++ {
		d = NextPollDelay(d)
	}
	require.LessOrEqual(t, d, MaxPollDelay)
}

func TestPollTimeoutByKind(t *testing.T) {
	require.Equal(t, AuthoritativePollTimeout, PollTimeout(pathset.KindAuthoritative))
	require.Equal(t, RecursivePollTimeout, PollTimeout(pathset.KindRecursive))
}

func TestPickPathPrefersLowerRatioWithinSamePriority(t *testing.T) {
	ps := pathset.NewPathSet()
	a, err := ps.Add(netip.MustParseAddrPort("8.8.8.8:53"), pathset.KindRecursive)
	require.NoError(t, err)
	b, err := ps.Add(netip.MustParseAddrPort("9.9.9.9:53"), pathset.KindRecursive)
	require.NoError(t, err)
	paths := ps.All()

	a.IncInflightPolls(5)
	b.IncInflightPolls(1)
	budgets := map[uint64]int64{a.ID: 10, b.ID: 10}

	best := PickPath(paths, budgets, false)
	require.Equal(t, b, best)
}

func TestPickPathPrefersAuthoritativeForData(t *testing.T) {
	ps := NewPathSetForTest(t)
	paths := ps.All()
	budgets := map[uint64]int64{paths[0].ID: 10, paths[1].ID: 10}

	best := PickPath(paths, budgets, true)
	require.Equal(t, pathset.KindAuthoritative, best.Kind)
}

func TestPickPathPrefersRecursiveForEmptyPolls(t *testing.T) {
	ps := NewPathSetForTest(t)
	paths := ps.All()
	budgets := map[uint64]int64{paths[0].ID: 10, paths[1].ID: 10}

	best := PickPath(paths, budgets, false)
	require.Equal(t, pathset.KindRecursive, best.Kind)
}

func TestExpireInflightPolls(t *testing.T) {
	ps := NewPathSetForTest(t)
	p := ps.All()[0]
	p.IncInflightPolls(3)

	ExpireInflightPolls(p, 2)
	require.EqualValues(t, 1, p.InflightPolls())
}

// NewPathSetForTest builds a two-path set for scheduler tests.
func NewPathSetForTest(t *testing.T) *pathset.PathSet {
	t.Helper()
	ps := pathset.NewPathSet()
	_, err := ps.Add(netip.MustParseAddrPort("8.8.8.8:53"), pathset.KindRecursive)
	require.NoError(t, err)
	_, err = ps.Add(netip.MustParseAddrPort("9.9.9.9:53"), pathset.KindAuthoritative)
	require.NoError(t, err)
	return ps
}
