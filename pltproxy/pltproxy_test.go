package pltproxy

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func resetCore(t *testing.T) {
	t.Helper()
	_ = Clear()
	c = core{}
}

func TestInitClearLifecycle(t *testing.T) {
	resetCore(t)
	require.NoError(t, Init(Manual, false))
	require.True(t, c.initialized)

	err := Init(Manual, false)
	require.Error(t, err)

	require.NoError(t, Clear())
	require.False(t, c.initialized)
}

func TestHookSingleRejectsMissingArgs(t *testing.T) {
	resetCore(t)
	require.NoError(t, Init(Manual, false))
	defer Clear()

	_, err := HookSingle("", "", "puts", 0x1000, nil, nil)
	require.Error(t, err)
}

func TestHookSingleDuplicateNewFuncRejected(t *testing.T) {
	resetCore(t)
	require.NoError(t, Init(Manual, false))
	defer Clear()

	stub, err := HookSingle("libtarget.so", "", "puts", 0x1000, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, stub)

	_, err = HookSingle("libother.so", "", "printf", 0x1000, nil, nil)
	require.Error(t, err)
}

func TestUnhookOnUninitializedEngineErrors(t *testing.T) {
	resetCore(t)
	_, err := HookSingle("libtarget.so", "", "puts", 0x1000, nil, nil)
	require.Error(t, err)
	require.Error(t, Unhook(&Stub{taskID: 1}))
}

func TestGuardReentrantBlocksNestedCalls(t *testing.T) {
	resetCore(t)
	require.NoError(t, Init(Manual, false))
	defer Clear()

	withExternalCallback(func() {
		_, err := HookSingle("libtarget.so", "", "puts", 0x1000, nil, nil)
		require.Error(t, err)
	})

	// Depth must be back to zero once the callback returns.
	_, err := HookSingle("libtarget.so", "", "puts", 0x1000, nil, nil)
	require.NoError(t, err)
}

func TestCheckForkResetsStateOnPIDMismatch(t *testing.T) {
	resetCore(t)
	require.NoError(t, Init(Manual, false))
	defer Clear()

	origStore := c.store
	c.installPID = -1 // force a mismatch against the real pid

	checkFork()

	require.Equal(t, os.Getpid(), c.installPID)
	require.NotSame(t, origStore, c.store)
	require.Empty(t, c.store.Tasks())
}

func TestAddDelDlopenCallback(t *testing.T) {
	resetCore(t)
	require.NoError(t, Init(Manual, false))
	defer Clear()

	var preCalls, postCalls int
	id, err := AddDlopenCallback(
		func(filename string, arg any) { preCalls++ },
		func(filename string, result uintptr, arg any) { postCalls++ },
		nil,
	)
	require.NoError(t, err)

	NotifyDlopenPre("libfoo.so")
	NotifyDlopenPost("libfoo.so", 0x1234)
	require.Equal(t, 1, preCalls)
	require.Equal(t, 1, postCalls)

	require.NoError(t, DelDlopenCallback(id))
	NotifyDlopenPre("libfoo.so")
	require.Equal(t, 1, preCalls) // unchanged, callback removed
}

func TestIdentityOfOnUninitializedReturnsFalse(t *testing.T) {
	resetCore(t)
	_, ok := IdentityOf(0x1000)
	require.False(t, ok)
}

func TestProxyEnterLeaveOnUnknownHubIsSafe(t *testing.T) {
	resetCore(t)
	require.NoError(t, Init(Manual, false))
	defer Clear()

	_, ok := ProxyEnter(0xdeadbeef, 0x1000)
	require.False(t, ok)
	require.NotPanics(t, func() { ProxyLeave(0xdeadbeef) })
}
