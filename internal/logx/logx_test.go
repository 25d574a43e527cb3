package logx

import "testing"

func TestDefaultIsNoopUntilSet(t *testing.T) {
	l := Default()
	l.Debug("hello", "k", "v") // must not panic

	Set(nil)
	if _, ok := Default().(noop); !ok {
		t.Fatalf("Set(nil) should install the noop logger")
	}
}

func TestNewZerologDoesNotPanic(t *testing.T) {
	l := NewZerolog(nil)
	l.Debug("msg", "k", 1)
	l.Warn("msg", "k", 1, "odd")
	l.Error("msg", nil, "k", 1)
}
