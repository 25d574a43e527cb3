//go:build amd64

package trampoline

// x86_64 instruction bytes are written out per addressing form rather
// than built from bitfield formulas (unlike aarch64, whose encodings
// are regular enough for that) — this mirrors how tinyrange-rtg's
// std/compiler/x64.go builds up instructions opcode-by-opcode for each
// form it needs, rather than a general disassembler/assembler.
//
// Like the aarch64 stub, the three patchable values (hub_ptr,
// push_callback, pop_callback) live in a small literal pool at the end
// of the code, loaded via RIP-relative "mov reg, [rip+disp32]" so the
// code itself never needs relocation once copied to its final page.

// The [rsp+disp] forms below use a 32-bit displacement: a disp8 is
// sign-extended, so offsets of 128 and above (the upper xmm slots and
// [rsp+saveFrame]) would address below rsp instead.
func movRegMem64(reg, disp byte) []byte {
	return append([]byte{0x48, 0x8b, 0x84 | (reg << 3), 0x24}, le32(uint32(disp))...)
}
func movMemReg64(reg, disp byte) []byte {
	return append([]byte{0x48, 0x89, 0x84 | (reg << 3), 0x24}, le32(uint32(disp))...)
}
func movupsMemXmm(xmm, disp byte) []byte {
	return append([]byte{0x0f, 0x11, 0x84 | (xmm << 3), 0x24}, le32(uint32(disp))...)
}
func movupsXmmMem(xmm, disp byte) []byte {
	return append([]byte{0x0f, 0x10, 0x84 | (xmm << 3), 0x24}, le32(uint32(disp))...)
}
func subRspImm32(imm32 uint32) []byte { return append([]byte{0x48, 0x81, 0xec}, le32(imm32)...) }
func addRspImm32(imm32 uint32) []byte { return append([]byte{0x48, 0x81, 0xc4}, le32(imm32)...) }

// movRdiRip / movR11Rip load an 8-byte value from [rip+disp32] into
// rdi / r11 respectively; disp32 is filled in by fixupRip once the
// literal pool's position is known.
func movRdiRipPlaceholder() []byte { return []byte{0x48, 0x8b, 0x3d, 0, 0, 0, 0} }
func movR11RipPlaceholder() []byte { return []byte{0x4c, 0x8b, 0x1d, 0, 0, 0, 0} }

func callR11() []byte { return []byte{0x41, 0xff, 0xd3} }
func callR10() []byte { return []byte{0x41, 0xff, 0xd2} }
func movR10Rax() []byte { return []byte{0x49, 0x89, 0xc2} }
func retInsn() []byte { return []byte{0xc3} }

func le32(v uint32) []byte { return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)} }
func le64(v uint64) []byte {
	out := make([]byte, 8)
	for i := range out {
		out[i] = byte(v >> (8 * i))
	}
	return out
}

// fixupRip patches the disp32 field of a RIP-relative load emitted at
// instrOff (a 7-byte instruction: 3-byte opcode/ModRM + 4-byte disp32)
// so it addresses labelOff.
func fixupRip(code []byte, instrOff, labelOff int) {
	disp := int32(labelOff - (instrOff + 7))
	code[instrOff+3] = byte(disp)
	code[instrOff+4] = byte(disp >> 8)
	code[instrOff+5] = byte(disp >> 16)
	code[instrOff+6] = byte(disp >> 24)
}

// buildX86Stub assembles one hub trampoline for x86_64. The original
// return address is already on the stack (pushed by the caller's CALL
// through the GOT) and is never popped, only read by offset — x86_64
// needs no separate "persist LR" slot the way aarch64 does.
//
// Known limitation shared with the aarch64 stub: the hooked function is
// invoked via an extra "call" frame (so its own RET lands back in our
// epilogue), which shifts any stack-spilled arguments by two words
// (16 bytes) relative to what the true original caller set up. Functions whose
// ABI spills arguments to the stack (more than six integer / eight
// vector arguments) are out of scope.
func buildX86Stub() (code []byte, hubPtrOff, pushCallbackOff, popCallbackOff int) {
	var b asmBuf

	const saveFrame = 200 // 8 GP regs (64) + 8 xmm (128) + 8 padding; keeps %16 parity for the call below

	b.emitBytes(subRspImm32(saveFrame)...)
	b.emitBytes(movMemReg64(0, 0)...)  // rax
	b.emitBytes(movMemReg64(7, 8)...)  // rdi
	b.emitBytes(movMemReg64(6, 16)...) // rsi
	b.emitBytes(movMemReg64(2, 24)...) // rdx
	b.emitBytes(movMemReg64(1, 32)...) // rcx
	b.emitBytes(0x4c, 0x89, 0x44, 0x24, 40) // mov [rsp+40], r8
	b.emitBytes(0x4c, 0x89, 0x4c, 0x24, 48) // mov [rsp+48], r9
	b.emitBytes(0x4c, 0x89, 0x54, 0x24, 56) // mov [rsp+56], r10
	for i := byte(0); i < 8; i++ {
		b.emitBytes(movupsMemXmm(i, 72+i*16)...)
	}

	// push_callback(hub_ptr, return_addr) -> rdi, rsi; return_addr sits
	// at [rsp+saveFrame] now that the frame has been pushed.
	hubPtrLoad1 := b.len()
	b.emitBytes(movRdiRipPlaceholder()...)
	b.emitBytes(movRegMem64(6, byte(saveFrame))...)
	pushCBLoad := b.len()
	b.emitBytes(movR11RipPlaceholder()...)
	b.emitBytes(callR11()...)
	b.emitBytes(movR10Rax()...) // stash chosen function pointer in r10

	// Restore GP + xmm (r10 deliberately excluded — it still holds the
	// chosen function pointer).
	b.emitBytes(movRegMem64(0, 0)...)
	b.emitBytes(movRegMem64(7, 8)...)
	b.emitBytes(movRegMem64(6, 16)...)
	b.emitBytes(movRegMem64(2, 24)...)
	b.emitBytes(movRegMem64(1, 32)...)
	b.emitBytes(0x4c, 0x8b, 0x44, 0x24, 40) // mov r8, [rsp+40]
	b.emitBytes(0x4c, 0x8b, 0x4c, 0x24, 48) // mov r9, [rsp+48]
	for i := byte(0); i < 8; i++ {
		b.emitBytes(movupsXmmMem(i, 72+i*16)...)
	}
	b.emitBytes(addRspImm32(saveFrame - 8)...) // rsp%16==0 going into the call below, 8 bytes still owed

	b.emitBytes(callR10()...) // invoke the chosen function; its RET lands on the next instruction
	b.emitBytes(addRspImm32(8)...) // rsp back to the true entry value

	const epilogueFrame = 56
	b.emitBytes(subRspImm32(epilogueFrame)...)
	b.emitBytes(movMemReg64(0, 8)...)  // rax
	b.emitBytes(movMemReg64(2, 16)...) // rdx
	b.emitBytes(movupsMemXmm(0, 24)...)
	b.emitBytes(movupsMemXmm(1, 40)...)

	hubPtrLoad2 := b.len()
	b.emitBytes(movRdiRipPlaceholder()...)
	popCBLoad := b.len()
	b.emitBytes(movR11RipPlaceholder()...)
	b.emitBytes(callR11()...)

	b.emitBytes(movRegMem64(0, 8)...)
	b.emitBytes(movRegMem64(2, 16)...)
	b.emitBytes(movupsXmmMem(0, 24)...)
	b.emitBytes(movupsXmmMem(1, 40)...)
	b.emitBytes(addRspImm32(epilogueFrame)...)
	b.emitBytes(retInsn()...)

	b.align(8)
	hubPtrOff = b.len()
	b.emit64(0)
	pushCallbackOff = b.len()
	b.emit64(0)
	popCallbackOff = b.len()
	b.emit64(0)

	code = b.bytes()
	fixupRip(code, hubPtrLoad1, hubPtrOff)
	fixupRip(code, hubPtrLoad2, hubPtrOff)
	fixupRip(code, pushCBLoad, pushCallbackOff)
	fixupRip(code, popCBLoad, popCallbackOff)
	return code, hubPtrOff, pushCallbackOff, popCallbackOff
}
