package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"j5.nz/pltproxy/tstate"
)

func TestAddProxyChangesPushCallbackChoice(t *testing.T) {
	tstate.Reset()
	defer tstate.Reset()

	h := New(0x1000)
	chosen := h.PushCallback(0xaaaa)
	require.Equal(t, uint64(0x1000), chosen)
	h.PopCallback()

	node := h.AddProxy(0x2000)
	chosen = h.PushCallback(0xbbbb)
	require.Equal(t, uint64(0x2000), chosen)
	h.PopCallback()

	h.RemoveProxy(node)
	require.True(t, h.Empty())
	chosen = h.PushCallback(0xcccc)
	require.Equal(t, uint64(0x1000), chosen)
	h.PopCallback()
}

func TestGetPrevWalksToNextProxyThenOrig(t *testing.T) {
	tstate.Reset()
	defer tstate.Reset()

	h := New(0x1000)
	h.AddProxy(0x3000) // added first, so dispatched second
	h.AddProxy(0x2000) // added second, so dispatched first

	chosen := h.PushCallback(0xaaaa)
	require.Equal(t, uint64(0x2000), chosen)

	prev, ok := h.GetPrev(chosen)
	require.True(t, ok)
	require.Equal(t, uint64(0x3000), prev)

	prev, ok = h.GetPrev(prev)
	require.True(t, ok)
	require.Equal(t, uint64(0x1000), prev)

	h.PopCallback()
}

// TestGetPrevAdvancesThroughEveryHopOfAChain is the review's Scenario
// 2 / invariant I4 check: a 3-proxy chain must traverse head-to-tail
// exactly once, each proxy resolving its own next hop rather than the
// chain always resolving from the head.
func TestGetPrevAdvancesThroughEveryHopOfAChain(t *testing.T) {
	tstate.Reset()
	defer tstate.Reset()

	h := New(0x1000) // orig
	h.AddProxy(0x4000) // C, added first, dispatched last among proxies
	h.AddProxy(0x3000) // B
	h.AddProxy(0x2000) // A, added last, dispatched first

	chosen := h.PushCallback(0xaaaa)
	require.Equal(t, uint64(0x2000), chosen)

	next, ok := h.GetPrev(0x2000) // A -> B
	require.True(t, ok)
	require.Equal(t, uint64(0x3000), next)

	next, ok = h.GetPrev(0x3000) // B -> C
	require.True(t, ok)
	require.Equal(t, uint64(0x4000), next)

	next, ok = h.GetPrev(0x4000) // C -> orig
	require.True(t, ok)
	require.Equal(t, uint64(0x1000), next)

	h.PopCallback()
}

func TestGetPrevUnknownSelfFuncNotFound(t *testing.T) {
	tstate.Reset()
	defer tstate.Reset()

	h := New(0x1000)
	h.AddProxy(0x2000)

	_, ok := h.GetPrev(0x9999)
	require.False(t, ok)
}

func TestAddProxyReAddBumpsRefCountInsteadOfDuplicating(t *testing.T) {
	tstate.Reset()
	defer tstate.Reset()

	h := New(0x1000)
	node := h.AddProxy(0x2000)
	again := h.AddProxy(0x2000)
	require.Same(t, node, again)

	// Removing once should not disable: two AddProxy calls bumped
	// ref_count to 2.
	h.RemoveProxy(node)
	chosen := h.PushCallback(0xaaaa)
	require.Equal(t, uint64(0x2000), chosen)
	h.PopCallback()

	// Second removal drops ref_count to 0: now disabled.
	h.RemoveProxy(node)
	require.True(t, h.Empty())
	chosen = h.PushCallback(0xbbbb)
	require.Equal(t, uint64(0x1000), chosen)
	h.PopCallback()
}

func TestRemoveProxyNeverUnlinksNode(t *testing.T) {
	tstate.Reset()
	defer tstate.Reset()

	h := New(0x1000)
	nodeA := h.AddProxy(0x2000)
	h.AddProxy(0x3000)

	h.RemoveProxy(nodeA)

	// nodeA is disabled, not unlinked: it is still reachable by walking
	// the chain, and GetPrev can still resolve a hop starting from it.
	h.mu.Lock()
	found := false
	for n := h.head; n != nil; n = n.next {
		if n == nodeA {
			found = true
		}
	}
	h.mu.Unlock()
	require.True(t, found)

	// 0x3000 was added last, so it heads the chain and nodeA is the
	// tail: the hop from nodeA resolves to orig.
	next, ok := h.GetPrev(0x2000)
	require.True(t, ok)
	require.Equal(t, uint64(0x1000), next)
}

func TestRegistryCreateLookupRetireReap(t *testing.T) {
	tstate.Reset()
	defer tstate.Reset()

	r := NewRegistry()
	h := r.Create(0x1000)
	require.Equal(t, 1, r.Count())

	got, ok := r.Lookup(h.ID())
	require.True(t, ok)
	require.Same(t, h, got)

	r.Retire(h)
	require.Equal(t, 0, r.Count())
	require.Equal(t, 0, r.Reap()) // grace period hasn't elapsed

	h.retiredAt.Store(time.Now().Add(-2 * retireDelay).UnixNano())
	require.Equal(t, 1, r.Reap())
}

func TestRegistryDispatchRoundTrip(t *testing.T) {
	tstate.Reset()
	defer tstate.Reset()

	r := NewRegistry()
	h := r.Create(0x1000)

	chosen := r.PushCallback(h.ID(), 0xaaaa)
	require.Equal(t, uint64(0x1000), chosen)
	r.PopCallback(h.ID())
}
