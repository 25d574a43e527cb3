package tstate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPushPopHubFrameRoundTrip(t *testing.T) {
	Reset()
	defer Reset()

	ok := PushHubFrame(1, 0x1000)
	require.True(t, ok)
	require.Equal(t, 1, ActiveHubDepth())

	frame, ok := PopHubFrame(0x1000)
	require.True(t, ok)
	require.Equal(t, uint64(1), frame.HubID)
	require.Equal(t, 0, ActiveHubDepth())
}

func TestPruneStaleHubFramesOnShallowerSP(t *testing.T) {
	Reset()
	defer Reset()

	PushHubFrame(1, 0x200) // outermost (highest SP)
	PushHubFrame(2, 0x100) // nested deeper (lower SP)
	require.Equal(t, 2, ActiveHubDepth())

	// A push from a shallower (higher) SP than both frames implies their
	// calls already returned without going through PopHubFrame.
	PushHubFrame(3, 0x300)
	require.Equal(t, 1, ActiveHubDepth())
}

func TestHubFrameStackOverflowFailsPush(t *testing.T) {
	Reset()
	defer Reset()

	for i := 0; i < maxFrames; i++ {
		require.True(t, PushHubFrame(uint64(i), uintptr(1000-i))) // decreasing SP: each call nests deeper
	}
	require.False(t, PushHubFrame(999, uintptr(1000-maxFrames)))
	require.Equal(t, maxFrames, ActiveHubDepth())
}

func TestProxyFrameCycleDetection(t *testing.T) {
	Reset()
	defer Reset()

	ok, cycle := PushProxyFrame(42, 0)
	require.True(t, ok)
	require.False(t, cycle)

	ok, cycle = PushProxyFrame(42, 1)
	require.False(t, ok)
	require.True(t, cycle)
}

func TestProxyFrameStackAndPop(t *testing.T) {
	Reset()
	defer Reset()

	PushProxyFrame(1, 0)
	PushProxyFrame(2, 3)

	top, ok := CurrentProxyFrame()
	require.True(t, ok)
	require.Equal(t, uint64(2), top.Func)

	popped, ok := PopProxyFrame()
	require.True(t, ok)
	require.Equal(t, uint64(2), popped.Func)

	top, ok = CurrentProxyFrame()
	require.True(t, ok)
	require.Equal(t, uint64(1), top.Func)
}

func TestPopProxyFrameMatchingDeepSearch(t *testing.T) {
	Reset()
	defer Reset()

	PushProxyFrame(1, 0)
	PushProxyFrame(2, 0)
	PushProxyFrame(3, 0)

	require.True(t, PopProxyFrameMatching(1)) // not on top: deep search
	_, ok := CurrentProxyFrame()
	require.True(t, ok)

	require.True(t, PopProxyFrameMatching(3)) // top-of-stack fast path
	top, ok := CurrentProxyFrame()
	require.True(t, ok)
	require.Equal(t, uint64(2), top.Func)

	require.False(t, PopProxyFrameMatching(99))
}

func TestCurrentHubFrameReturnsTopWithoutPopping(t *testing.T) {
	Reset()
	defer Reset()

	PushHubFrame(7, 0x500)
	frame, ok := CurrentHubFrame()
	require.True(t, ok)
	require.Equal(t, uint64(7), frame.HubID)
	require.Equal(t, 1, ActiveHubDepth()) // still present
}

func TestPopStackUnwindsDownToReturnAddr(t *testing.T) {
	Reset()
	defer Reset()

	PushHubFrame(1, 0x300)
	PushProxyFrame(1, 0)
	PushHubFrame(2, 0x200)
	PushProxyFrame(2, 0)
	PushHubFrame(3, 0x100)
	PushProxyFrame(3, 0)

	discarded := PopStack(0x200)
	require.Equal(t, 2, discarded)
	require.Equal(t, 1, ActiveHubDepth())

	frame, ok := CurrentHubFrame()
	require.True(t, ok)
	require.Equal(t, uint64(1), frame.HubID)
}
