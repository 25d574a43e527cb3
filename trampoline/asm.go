// Package trampoline generates and allocates the per-hub dispatch stub:
// fixed machine code that saves the calling convention's registers,
// calls back into the hub package's push/pop dispatch, and falls
// through to whichever function they return.
//
// Instruction encoding uses a small buffer type with one emitXxx method
// per instruction form, composed into a bigger routine, rather than an
// assembler library — there is no such library available for emitting
// machine code into a byte buffer at build time.
package trampoline

import (
	"errors"
	"runtime"
)

var errUnsupportedArch = errors.New("trampoline: unsupported GOARCH")

// buildStub dispatches to the current architecture's stub generator.
// Returns the code bytes and the byte offsets of the three patchable
// literal-pool slots (hubPtr, pushCallback, popCallback).
func buildStub() (code []byte, hubPtrOff, pushCallbackOff, popCallbackOff int, err error) {
	switch runtime.GOARCH {
	case "arm64":
		code, hubPtrOff, pushCallbackOff, popCallbackOff = buildAArch64Stub()
	case "amd64":
		code, hubPtrOff, pushCallbackOff, popCallbackOff = buildX86Stub()
	default:
		return nil, 0, 0, 0, errUnsupportedArch
	}
	return code, hubPtrOff, pushCallbackOff, popCallbackOff, nil
}

// asmBuf accumulates raw machine code, little-endian throughout (both
// target architectures are LE-only for our purposes: aarch64 in its
// default mode, x86-64 always).
type asmBuf struct {
	code []byte
}

func (b *asmBuf) len() int { return len(b.code) }

func (b *asmBuf) bytes() []byte { return b.code }

func (b *asmBuf) emit8(v uint8) { b.code = append(b.code, v) }

func (b *asmBuf) emitBytes(v ...byte) { b.code = append(b.code, v...) }

func (b *asmBuf) emit32(v uint32) {
	b.code = append(b.code, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func (b *asmBuf) emit64(v uint64) {
	for i := 0; i < 8; i++ {
		b.code = append(b.code, byte(v>>(8*i)))
	}
}

// patch64At overwrites an already-emitted 8-byte little-endian slot
// (used for the hub_ptr / push_callback / pop_callback literal-pool
// entries, whose final values are known only once the page has been
// allocated).
func (b *asmBuf) patch64At(off int, v uint64) {
	for i := 0; i < 8; i++ {
		b.code[off+i] = byte(v >> (8 * i))
	}
}

func (b *asmBuf) align(n int) {
	for len(b.code)%n != 0 {
		b.code = append(b.code, 0)
	}
}
