package trampoline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStubPatchOffsetsAreDistinctAndInBounds(t *testing.T) {
	code, a, b, c, err := buildStub()
	require.NoError(t, err)
	require.NotEmpty(t, code)
	for _, off := range []int{a, b, c} {
		require.GreaterOrEqual(t, off, 0)
		require.LessOrEqual(t, off+8, len(code))
	}
	require.NotEqual(t, a, b)
	require.NotEqual(t, b, c)
	require.NotEqual(t, a, c)
}

func TestPoolAllocateAndRetireRoundTrip(t *testing.T) {
	p := NewPool()
	stub, err := p.Allocate(0xdeadbeef)
	require.NoError(t, err)
	require.NotZero(t, stub.Addr)
	p.Retire(stub)
}

func TestEntryPointsAreNonZeroAndDistinct(t *testing.T) {
	push, pop := EntryPoints()
	require.NotZero(t, push)
	require.NotZero(t, pop)
	require.NotEqual(t, push, pop)
}
