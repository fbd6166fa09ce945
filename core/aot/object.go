package aot

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/google/uuid"

	"github.com/elfrun/elfrun/common"
)

// On-disk AOT tab header/symbol shapes:
//   AOTTabHeader { u64 n_sym; AOTSymbol sym[]; }
//   AOTSymbol    { u32 gip; u64 aot_vaddr; }
// aotVaddr is relative to the object's own load base; the runtime
// resolves tcode.ptr = load_addr + aot_vaddr.
const aotSymbolSize = 4 + 8 // unpadded field sizes; stored padded, see aotTabSymbolStride below

// aotTabSymbolStride pads each on-disk AOTSymbol to 16 bytes so the u64
// aot_vaddr field stays naturally aligned inside the table.
const aotTabSymbolStride = 16

const elfHeaderSize = 64
const phdrSize = 56
const symEntrySize = 24
const shdrEntrySize = 64

// Build serializes mod into an ELF object: a single
// RWX PT_LOAD segment holding the concatenated entry code plus the
// _aot_tab table immediately after it, and an unloaded .symtab/.strtab
// naming `_aot_tab` and one `_x<hex gip>` per entry. Entries are emitted in ascending GIP order so the table the loader
// reads is already sorted, which load.go's per-entry size computation
// ("next entry's aot_vaddr minus this one's") depends on.
//
// The header/phdr/shdr-table byte layout is hand-assembled. One loaded
// section is enough: an AOT object has no separate read-only-data or
// bss concept (every entry's machine code is self-contained, like a
// JIT tcache block), and the _aot_tab blob sits inside the loaded
// segment because the AOT runtime needs to find it at a symbol, not at
// a compile-time-known offset. This is the minimal writer the rest of
// core/aot needs, not a general-purpose ELF library.
func Build(mod *Module) []byte {
	entries := append([]Entry(nil), mod.Entries...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].GIP < entries[j].GIP })

	var code []byte
	offsets := make([]int, len(entries))
	for i, e := range entries {
		offsets[i] = len(code)
		code = append(code, e.Code...)
	}
	codeSize := len(code)

	aotTabOff := common.RoundUp(uint64(codeSize), 8)
	tabSize := 8 + uint64(len(entries))*aotTabSymbolStride
	aotTab := make([]byte, tabSize)
	binary.LittleEndian.PutUint64(aotTab[0:8], uint64(len(entries)))
	for i, e := range entries {
		off := 8 + i*aotTabSymbolStride
		binary.LittleEndian.PutUint32(aotTab[off:], uint32(e.GIP))
		binary.LittleEndian.PutUint64(aotTab[off+8:], uint64(offsets[i]))
	}

	loadedSize := int(aotTabOff) + len(aotTab)

	headerTotal := elfHeaderSize + phdrSize
	textOffset := (headerTotal + 15) &^ 15

	// Shift the loaded blob by textOffset so file offset == p_vaddr (the
	// object's own load base is 0; the real runtime load address is
	// chosen fresh by load.go and added as a slide, see aotVaddr's doc
	// comment above).
	totalLoaded := textOffset + loadedSize

	var strtab []byte
	strtab = append(strtab, 0)
	type symEntry struct {
		nameOff int
		value   uint64
		size    uint64
	}
	var syms []symEntry

	aotTabNameOff := len(strtab)
	strtab = append(strtab, []byte("_aot_tab")...)
	strtab = append(strtab, 0)
	syms = append(syms, symEntry{aotTabNameOff, uint64(textOffset) + aotTabOff, tabSize})

	for i, e := range entries {
		name := fmt.Sprintf("_x%08x", uint32(e.GIP))
		nameOff := len(strtab)
		strtab = append(strtab, []byte(name)...)
		strtab = append(strtab, 0)
		syms = append(syms, symEntry{nameOff, uint64(textOffset + offsets[i]), uint64(len(e.Code))})
	}

	symtabSize := (1 + len(syms)) * symEntrySize
	symtab := make([]byte, symtabSize)
	for i, s := range syms {
		off := (i + 1) * symEntrySize
		binary.LittleEndian.PutUint32(symtab[off:], uint32(s.nameOff))
		symtab[off+4] = 0x12 // STT_FUNC | STB_GLOBAL<<4
		symtab[off+5] = 0
		binary.LittleEndian.PutUint16(symtab[off+6:], 1) // st_shndx: .aot section index
		binary.LittleEndian.PutUint64(symtab[off+8:], s.value)
		binary.LittleEndian.PutUint64(symtab[off+16:], s.size)
	}

	// aotslots is an unloaded data section naming, for every branch slot
	// any entry's emitted code contains, which entry it belongs to and
	// what guest IP it targets; load.go uses this to decide whether a
	// slot's target resolved to another entry in this same object
	// (link directly) or must fall back to the ordinary JIT lazy-link
	// path. Not part of the
	// wire format of
	// _aot_tab itself, which only the runtime's fast-path TBlock
	// insertion depends on; this is bridging metadata private to this
	// object writer and its loader.
	var aotSlots []byte
	for entryIdx, e := range entries {
		for _, s := range e.BranchSlots {
			var rec [12]byte
			binary.LittleEndian.PutUint32(rec[0:], uint32(entryIdx))
			binary.LittleEndian.PutUint32(rec[4:], uint32(s.Offset))
			binary.LittleEndian.PutUint32(rec[8:], uint32(s.GIP))
			aotSlots = append(aotSlots, rec[:]...)
		}
	}

	shstrtab := []byte("\x00.aot\x00.symtab\x00.strtab\x00.shstrtab\x00.aotslots\x00")
	shNameAot := 1
	shNameSymtab := 6
	shNameStrtab := 14
	shNameShstrtab := 22
	shNameAotSlots := 32

	symtabOffset := totalLoaded
	strtabOffset := symtabOffset + symtabSize
	shstrtabOffset := strtabOffset + len(strtab)
	aotSlotsOffset := shstrtabOffset + len(shstrtab)
	shdrOffset := aotSlotsOffset + len(aotSlots)

	const shdrCount = 6 // null, .aot, .symtab, .strtab, .shstrtab, .aotslots
	totalSize := shdrOffset + shdrCount*shdrEntrySize

	buf := make([]byte, totalSize)

	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EV_CURRENT
	buf[7] = 0 // ELFOSABI_NONE
	binary.LittleEndian.PutUint16(buf[16:], 3)  // e_type: ET_DYN (no fixed load address)
	binary.LittleEndian.PutUint16(buf[18:], 62) // e_machine: EM_X86_64
	binary.LittleEndian.PutUint32(buf[20:], 1)  // e_version
	binary.LittleEndian.PutUint64(buf[24:], 0)  // e_entry: unused, this is a data object not an executable
	binary.LittleEndian.PutUint64(buf[32:], uint64(elfHeaderSize))
	binary.LittleEndian.PutUint64(buf[40:], uint64(shdrOffset))
	binary.LittleEndian.PutUint32(buf[48:], 0)
	binary.LittleEndian.PutUint16(buf[52:], uint16(elfHeaderSize))
	binary.LittleEndian.PutUint16(buf[54:], uint16(phdrSize))
	binary.LittleEndian.PutUint16(buf[56:], 1)
	binary.LittleEndian.PutUint16(buf[58:], uint16(shdrEntrySize))
	binary.LittleEndian.PutUint16(buf[60:], shdrCount)
	binary.LittleEndian.PutUint16(buf[62:], 4) // e_shstrndx

	phdr := buf[elfHeaderSize:]
	binary.LittleEndian.PutUint32(phdr[0:], 1) // PT_LOAD
	binary.LittleEndian.PutUint32(phdr[4:], 7) // PF_R|PF_W|PF_X
	binary.LittleEndian.PutUint64(phdr[8:], 0)
	binary.LittleEndian.PutUint64(phdr[16:], 0)
	binary.LittleEndian.PutUint64(phdr[24:], 0)
	binary.LittleEndian.PutUint64(phdr[32:], uint64(totalLoaded))
	binary.LittleEndian.PutUint64(phdr[40:], uint64(totalLoaded))
	binary.LittleEndian.PutUint64(phdr[48:], 0x1000)

	copy(buf[textOffset:], code)
	copy(buf[textOffset+int(aotTabOff):], aotTab)
	copy(buf[symtabOffset:], symtab)
	copy(buf[strtabOffset:], strtab)
	copy(buf[shstrtabOffset:], shstrtab)
	copy(buf[aotSlotsOffset:], aotSlots)

	// Section header 0 (the null section) stays all-zero, as buf already
	// is from make(); only sections 1-5 need populating.
	shdr := buf[shdrOffset:]
	putSectionHeader(shdr[1*shdrEntrySize:], shNameAot, 1 /*SHT_PROGBITS*/, 0x7 /*AWX*/, uint64(textOffset), uint64(textOffset), uint64(loadedSize), 0, 0, 16, 0)
	putSectionHeader(shdr[2*shdrEntrySize:], shNameSymtab, 2 /*SHT_SYMTAB*/, 0, 0, uint64(symtabOffset), uint64(symtabSize), 3 /*link: .strtab index*/, uint32(len(syms)+1), 8, uint64(symEntrySize))
	putSectionHeader(shdr[3*shdrEntrySize:], shNameStrtab, 3 /*SHT_STRTAB*/, 0, 0, uint64(strtabOffset), uint64(len(strtab)), 0, 0, 1, 0)
	putSectionHeader(shdr[4*shdrEntrySize:], shNameShstrtab, 3, 0, 0, uint64(shstrtabOffset), uint64(len(shstrtab)), 0, 0, 1, 0)
	putSectionHeader(shdr[5*shdrEntrySize:], shNameAotSlots, 1, 0, 0, uint64(aotSlotsOffset), uint64(len(aotSlots)), 0, 0, 1, 12)

	return buf
}

// WriteBuildID writes mod's BuildID to path+".buildid", a small text
// sidecar beside the .aot.so itself (elfaot writes both files together).
// It is
// deliberately not folded into the ELF object's own symbol table, since a
// build id identifies a *compilation run* rather than anything the AOT
// runtime's loader needs to resolve a symbol.
func WriteBuildID(soPath string, id uuid.UUID) error {
	return os.WriteFile(soPath+".buildid", []byte(id.String()+"\n"), 0o644)
}

// ReadBuildID reads back the sidecar WriteBuildID wrote, or the nil UUID
// if none is present (an object built before this field existed, or
// whose sidecar was not copied alongside it).
func ReadBuildID(soPath string) uuid.UUID {
	data, err := os.ReadFile(soPath + ".buildid")
	if err != nil {
		return uuid.UUID{}
	}
	id, err := uuid.Parse(string(data[:len(data)-1]))
	if err != nil {
		return uuid.UUID{}
	}
	return id
}

func putSectionHeader(buf []byte, name int, typ uint32, flags uint64, addr, offset, size uint64, link, info uint32, align, entsize uint64) {
	binary.LittleEndian.PutUint32(buf[0:], uint32(name))
	binary.LittleEndian.PutUint32(buf[4:], typ)
	binary.LittleEndian.PutUint64(buf[8:], flags)
	binary.LittleEndian.PutUint64(buf[16:], addr)
	binary.LittleEndian.PutUint64(buf[24:], offset)
	binary.LittleEndian.PutUint64(buf[32:], size)
	binary.LittleEndian.PutUint32(buf[40:], link)
	binary.LittleEndian.PutUint32(buf[44:], info)
	binary.LittleEndian.PutUint64(buf[48:], align)
	binary.LittleEndian.PutUint64(buf[56:], entsize)
}
