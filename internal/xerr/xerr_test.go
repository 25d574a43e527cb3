package xerr_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"j5.nz/pltproxy/internal/xerr"
)

func TestErrorIsMatchesCode(t *testing.T) {
	err := xerr.New("find_got_slots", xerr.ReadElf, "signal during guarded read", nil)
	require.True(t, errors.Is(err, xerr.ReadElf))
	require.False(t, errors.Is(err, xerr.Format))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("segv")
	err := xerr.New("with_guard", xerr.SegvErr, "", cause)
	require.ErrorIs(t, err, cause)
}

func TestCodeString(t *testing.T) {
	require.Equal(t, "Dup", xerr.Dup.String())
}
