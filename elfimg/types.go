package elfimg

// ELF64 structure sizes, used to step through tables read from live memory.
// Layouts match the System V ABI (little-endian, as required by elfData2LSB).
const (
	sizeofEhdr = 64
	sizeofPhdr = 56
	sizeofDyn  = 16
	sizeofSym  = 24
	sizeofRel  = 16
	sizeofRela = 24
)

// ehdr mirrors Elf64_Ehdr's fields we actually read.
type ehdr struct {
	eType    uint16
	eMachine uint16
	eVersion uint32
	ePhOff   uint64
	ePhNum   uint16
}

// phdr mirrors Elf64_Phdr.
type phdr struct {
	pType   uint32
	pFlags  uint32
	pOffset uint64
	pVAddr  uint64
	pPAddr  uint64
	pFileSz uint64
	pMemSz  uint64
	pAlign  uint64
}

// dyn mirrors Elf64_Dyn.
type dynEnt struct {
	tag int64
	val uint64
}

// sym mirrors Elf64_Sym's layout (not all fields are modeled).
type sym struct {
	name  uint32
	info  uint8
	other uint8
	shndx uint16
	value uint64
	size  uint64
}

// rel/rela mirror Elf64_Rel / Elf64_Rela.
type rel struct {
	offset uint64
	info   uint64
}

type rela struct {
	offset uint64
	info   uint64
	addend int64
}

func rInfoSym(info uint64) uint32  { return uint32(info >> 32) }
func rInfoType(info uint64) uint32 { return uint32(info & 0xffffffff) }
