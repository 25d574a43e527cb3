//go:build arm64

package trampoline

// ARM64 instruction encodings, computed the same way memctl's asm_arm64.s
// comments document its raw opcodes: fixed bitfield formulas from the
// AArch64 reference manual, not a general assembler.
const (
	regLR  = 30
	regSP  = 31 // also XZR in data-processing contexts
	regX9  = 9
	regX16 = 16 // IP0, conventional scratch for indirect branches
)

func encSubImm(rd, rn int, imm12 uint32) uint32 {
	return 0xD1000000 | (imm12 << 10) | (uint32(rn) << 5) | uint32(rd)
}
func encAddImm(rd, rn int, imm12 uint32) uint32 {
	return 0x91000000 | (imm12 << 10) | (uint32(rn) << 5) | uint32(rd)
}
func encStrImm(rt, rn int, byteOff uint32) uint32 {
	return 0xF9000000 | ((byteOff / 8) << 10) | (uint32(rn) << 5) | uint32(rt)
}
func encLdrImm(rt, rn int, byteOff uint32) uint32 {
	return 0xF9400000 | ((byteOff / 8) << 10) | (uint32(rn) << 5) | uint32(rt)
}
func encStp(rt1, rt2, rn int, byteOff int32) uint32 {
	imm7 := uint32(byteOff/8) & 0x7f
	return 0xA9000000 | (imm7 << 15) | (uint32(rt2) << 10) | (uint32(rn) << 5) | uint32(rt1)
}
func encLdp(rt1, rt2, rn int, byteOff int32) uint32 {
	imm7 := uint32(byteOff/8) & 0x7f
	return 0xA9400000 | (imm7 << 15) | (uint32(rt2) << 10) | (uint32(rn) << 5) | uint32(rt1)
}
func encStrQ(rt, rn int, byteOff uint32) uint32 {
	return 0x3D800000 | ((byteOff / 16) << 10) | (uint32(rn) << 5) | uint32(rt)
}
func encLdrQ(rt, rn int, byteOff uint32) uint32 {
	return 0x3DC00000 | ((byteOff / 16) << 10) | (uint32(rn) << 5) | uint32(rt)
}
func encMovReg(rd, rm int) uint32 {
	return 0xAA0003E0 | (uint32(rm) << 16) | uint32(rd)
}
func encBlr(rn int) uint32 { return 0xD63F0000 | (uint32(rn) << 5) }
func encRet() uint32       { return 0xD65F03C0 }

// encLdrLiteral emits "LDR Xt, label" where label is an absolute byte
// offset into the buffer being assembled; instrOff is this
// instruction's own offset. The encoded field is PC-relative, so it
// keeps working no matter what address the page is ultimately mapped
// at.
func encLdrLiteral(rt int, instrOff, labelOff int) uint32 {
	delta := int32(labelOff-instrOff) / 4
	return 0x58000000 | ((uint32(delta) & 0x7ffff) << 5) | uint32(rt)
}

// Frame layout: a 16-byte persistent slot (original LR) that survives
// the whole dispatch, wrapping a 208-byte transient slot around
// push_callback (x0-x8 at 0..72, q0-q7 at 80..208, since STR/LDR Q
// offsets must be multiples of 16) and a 48-byte one around
// pop_callback (x0/x1, q0, q1).
const (
	persistFrame = 16
	bigFrame     = 208
	smallFrame   = 48
	persistLROff = 0 // relative to SP once persistFrame alone is reserved
)

// buildAArch64Stub assembles one hub trampoline. Returns the code bytes
// and the byte offsets of the three patchable literal-pool slots
// (hubPtr, pushCallback, popCallback), in that order, so the allocator
// can fill them in once the hub and the two fixed dispatch entry points
// are known.
func buildAArch64Stub() (code []byte, hubPtrOff, pushCallbackOff, popCallbackOff int) {
	var b asmBuf

	// Entry: persist original LR.
	b.emit32(encSubImm(regSP, regSP, persistFrame))
	b.emit32(encStrImm(regLR, regSP, 0))

	// Transient frame: save x0-x8, q0-q7.
	b.emit32(encSubImm(regSP, regSP, bigFrame))
	for i := 0; i+1 <= 8; i += 2 {
		b.emit32(encStp(i, i+1, regSP, int32(i*8)))
	}
	b.emit32(encStrImm(8, regSP, 64))
	for i := 0; i < 8; i++ {
		b.emit32(encStrQ(i, regSP, uint32(80+i*16)))
	}

	// Args for push_callback(hub_ptr, return_addr).
	loadHubPtr1 := b.len()
	b.emit32(0) // placeholder, patched below once literal offsets are known
	b.emit32(encLdrImm(1, regSP, bigFrame+persistLROff)) // x1 = saved LR

	loadPushCB := b.len()
	b.emit32(0)
	b.emit32(encBlr(regX16))
	b.emit32(encMovReg(regX9, 0)) // x9 = chosen func (x0 result)

	// Restore x0-x8, q0-q7.
	for i := 0; i+1 <= 8; i += 2 {
		b.emit32(encLdp(i, i+1, regSP, int32(i*8)))
	}
	b.emit32(encLdrImm(8, regSP, 64))
	for i := 0; i < 8; i++ {
		b.emit32(encLdrQ(i, regSP, uint32(80+i*16)))
	}
	b.emit32(encAddImm(regSP, regSP, bigFrame))

	// Call the chosen function; its own RET lands on the next
	// instruction (BLR sets LR to PC+4 regardless of LR's prior value).
	b.emit32(encBlr(regX9))

	// Epilogue: save return registers, call pop_callback(hub_ptr).
	b.emit32(encSubImm(regSP, regSP, smallFrame))
	b.emit32(encStp(0, 1, regSP, 0))
	b.emit32(encStrQ(0, regSP, 16))
	b.emit32(encStrQ(1, regSP, 32))

	loadHubPtr2 := b.len()
	b.emit32(0)
	loadPopCB := b.len()
	b.emit32(0)
	b.emit32(encBlr(regX16))

	b.emit32(encLdp(0, 1, regSP, 0))
	b.emit32(encLdrQ(0, regSP, 16))
	b.emit32(encLdrQ(1, regSP, 32))
	b.emit32(encAddImm(regSP, regSP, smallFrame))

	b.emit32(encLdrImm(regLR, regSP, persistLROff))
	b.emit32(encAddImm(regSP, regSP, persistFrame))
	b.emit32(encRet())

	b.align(8)
	hubPtrOff = b.len()
	b.emit64(0)
	pushCallbackOff = b.len()
	b.emit64(0)
	popCallbackOff = b.len()
	b.emit64(0)

	code = b.bytes()
	// Back-patch the four literal loads now that pool offsets are known.
	patchLdr(code, loadHubPtr1, 0, hubPtrOff)
	patchLdr(code, loadPushCB, regX16, pushCallbackOff)
	patchLdr(code, loadHubPtr2, 0, hubPtrOff)
	patchLdr(code, loadPopCB, regX16, popCallbackOff)
	return code, hubPtrOff, pushCallbackOff, popCallbackOff
}

func patchLdr(code []byte, instrOff, rt, labelOff int) {
	inst := encLdrLiteral(rt, instrOff, labelOff)
	code[instrOff] = byte(inst)
	code[instrOff+1] = byte(inst >> 8)
	code[instrOff+2] = byte(inst >> 16)
	code[instrOff+3] = byte(inst >> 24)
}
