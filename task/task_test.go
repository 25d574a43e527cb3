package task

import (
	"testing"

	"github.com/stretchr/testify/require"

	"j5.nz/pltproxy/hub"
	"j5.nz/pltproxy/modrule"
)

func TestStoreTaskLifecycle(t *testing.T) {
	s := NewStore()
	tk := &Task{ID: 1, Symbol: "open", Scope: Scope{Kind: ScopeAll}}
	s.AddTask(tk)

	got, ok := s.Task(1)
	require.True(t, ok)
	require.Same(t, tk, got)
	require.Len(t, s.Tasks(), 1)

	s.RemoveTask(1)
	_, ok = s.Task(1)
	require.False(t, ok)
}

func TestStoreEnsureSlotIsIdempotent(t *testing.T) {
	s := NewStore()
	h := hub.New(0x1000)
	key := SlotKey{ModulePath: "libc.so", ModuleBase: 0x7000, GOTAddr: 0x7100}

	e1 := s.EnsureSlot(key, h, 0x1000)
	e2 := s.EnsureSlot(key, hub.New(0x2000), 0x2000) // should be ignored, slot already exists
	require.Same(t, e1, e2)
	require.Equal(t, uint64(0x1000), e1.Orig)
}

func TestSlotsForModuleFiltersByPath(t *testing.T) {
	s := NewStore()
	h := hub.New(0x1000)
	s.EnsureSlot(SlotKey{ModulePath: "liba.so", GOTAddr: 1}, h, 0x1000)
	s.EnsureSlot(SlotKey{ModulePath: "libb.so", GOTAddr: 2}, h, 0x1000)

	keys := s.SlotsForModule("liba.so")
	require.Len(t, keys, 1)
	require.Equal(t, "liba.so", keys[0].ModulePath)
}

func TestTaskBindIsFirstWriterWins(t *testing.T) {
	tk := &Task{}
	idA := modrule.Identity{Path: "liba.so", Base: 0x1000}
	idB := modrule.Identity{Path: "liba.so", Base: 0x2000}

	_, bound := tk.BoundTo()
	require.False(t, bound)

	require.True(t, tk.Bind(idA))
	require.True(t, tk.Bind(idA)) // same module again: still true
	require.False(t, tk.Bind(idB))

	got, bound := tk.BoundTo()
	require.True(t, bound)
	require.Equal(t, idA, got)
}

func TestTaskMarkNoSymFiredOnlyOnce(t *testing.T) {
	tk := &Task{}
	require.True(t, tk.MarkNoSymFired())
	require.False(t, tk.MarkNoSymFired())
	require.False(t, tk.MarkNoSymFired())
}
