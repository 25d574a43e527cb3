package memctl

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"j5.nz/pltproxy/elfimg"
)

var probeGlobal int

func TestScanMapsForProtectFindsOwnGlobal(t *testing.T) {
	addr := uint64(uintptr(unsafe.Pointer(&probeGlobal)))
	prot, err := scanMapsForProtect(uintptr(addr), 1, "")
	require.NoError(t, err)
	require.NotZero(t, prot&elfimg.ProtRead)
}

func TestSplitRange(t *testing.T) {
	lo, hi, ok := splitRange("7f0000000000-7f0000001000")
	require.True(t, ok)
	require.Equal(t, uintptr(0x7f0000000000), lo)
	require.Equal(t, uintptr(0x7f0000001000), hi)

	_, _, ok = splitRange("not-a-range-zz")
	require.False(t, ok)
}

func TestScanMapsForProtectRejectsUnmappedAddress(t *testing.T) {
	_, err := scanMapsForProtect(0x1, 1, "")
	require.Error(t, err)
}

func TestPageBounds(t *testing.T) {
	ps := pageSize()
	start, length := pageBounds(ps + 17)
	require.Equal(t, ps, start)
	require.Equal(t, int(ps), length)
}

func TestControllerImplementsElfimgInterfaces(t *testing.T) {
	var _ elfimg.Patcher = Controller{}
	var _ elfimg.Writer = Controller{}
}
