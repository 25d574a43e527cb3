package modscan

import (
	"testing"

	"github.com/stretchr/testify/require"

	"j5.nz/pltproxy/modrule"
)

func TestLRUCacheEvictsOldest(t *testing.T) {
	c := newLRUCache[int, string](2)
	c.put(1, "a")
	c.put(2, "b")
	c.put(3, "c") // evicts 1

	_, ok := c.get(1)
	require.False(t, ok)
	v, ok := c.get(2)
	require.True(t, ok)
	require.Equal(t, "b", v)
	v, ok = c.get(3)
	require.True(t, ok)
	require.Equal(t, "c", v)
}

func TestLRUCacheTouchOnGetProtectsFromEviction(t *testing.T) {
	c := newLRUCache[int, string](2)
	c.put(1, "a")
	c.put(2, "b")
	c.get(1) // 1 is now most-recently-used
	c.put(3, "c") // should evict 2, not 1

	_, ok := c.get(2)
	require.False(t, ok)
	_, ok = c.get(1)
	require.True(t, ok)
}

func TestScanMergesMapsWhenNoPhdrSource(t *testing.T) {
	s := NewScanner(nil)
	mods, err := s.Scan()
	require.NoError(t, err)
	require.NotEmpty(t, mods)
}

func TestScannerObserveHandleIdentityFeedsNamespace(t *testing.T) {
	s := NewScanner(nil)
	s.ObserveHandleIdentity(0x1000, 42, 7)

	s.mu.Lock()
	ns := s.resolveNamespace(Module{Base: 0x1000, Instance: 42})
	s.mu.Unlock()
	require.Equal(t, uint64(7), ns)
}

func TestClassifyChange(t *testing.T) {
	a := modrule.Identity{Path: "liba.so", Base: 1}
	b := modrule.Identity{Path: "libb.so", Base: 2}

	known := map[modrule.Identity]struct{}{a: {}}
	require.Equal(t, Unchanged, ClassifyChange(known, []Module{{Path: a.Path, Base: a.Base}}))
	require.Equal(t, AddedOnly, ClassifyChange(known, []Module{{Path: a.Path, Base: a.Base}, {Path: b.Path, Base: b.Base}}))
	require.Equal(t, Changed, ClassifyChange(known, nil))
	require.Equal(t, UnknownChange, ClassifyChange(nil, nil))
}

func TestResolveHandleIdentityMatchesByBase(t *testing.T) {
	s := NewScanner(nil)
	mods, err := s.Scan()
	require.NoError(t, err)
	require.NotEmpty(t, mods)

	want := mods[0]
	id, ok := s.ResolveHandleIdentity(want.Base, "")
	require.True(t, ok)
	require.Equal(t, want.Path, id.Path)
}

func TestResolveHandleIdentityUnknownHandleFails(t *testing.T) {
	s := NewScanner(nil)
	_, ok := s.ResolveHandleIdentity(0xffffffffdeadbeef, "")
	require.False(t, ok)
}

func TestMixInstanceIsStable(t *testing.T) {
	a := mixInstance(8, 1, 12345)
	b := mixInstance(8, 1, 12345)
	require.Equal(t, a, b)
	c := mixInstance(8, 1, 54321)
	require.NotEqual(t, a, c)
}
