package sigguard

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"j5.nz/pltproxy/internal/xerr"
)

func TestWithGuardPassesThroughResult(t *testing.T) {
	v, err := WithGuard(func() int { return 42 })
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestWithGuardRecoversNilDeref(t *testing.T) {
	var p *int
	_, err := WithGuard(func() int { return *p })
	require.Error(t, err)

	var xe *xerr.Error
	require.ErrorAs(t, err, &xe)
	require.Equal(t, xerr.SegvErr, xe.Code)
	require.NotEmpty(t, LastFault())
}

func TestWithGuardRepropagatesOrdinaryPanics(t *testing.T) {
	defer func() {
		r := recover()
		require.Equal(t, "not a fault", r)
	}()
	_, _ = WithGuard(func() int { panic("not a fault") })
}

func TestWithGuardDisabledRunsUnguarded(t *testing.T) {
	Enable(false)
	defer Enable(true)

	defer func() {
		r := recover()
		require.NotNil(t, r)
	}()
	var p *int
	_, _ = WithGuard(func() int { return *p })
}

func TestGuardedReadAtUnmappedAddress(t *testing.T) {
	buf := make([]byte, 8)
	err := GuardedReadAt(1, buf)
	require.Error(t, err)
}

func TestGuardedReadAtMappedAddress(t *testing.T) {
	var x uint64 = 0xdeadbeef
	buf := make([]byte, 8)
	err := GuardedReadAt(uint64(uintptr(unsafe.Pointer(&x))), buf)
	require.NoError(t, err)
}

func TestAddRemoveHandlerRefcount(t *testing.T) {
	require.NoError(t, AddHandler())
	require.NoError(t, AddHandler())
	RemoveHandler()
	RemoveHandler()
	RemoveHandler() // extra remove must not underflow
}
