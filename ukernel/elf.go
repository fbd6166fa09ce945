package ukernel

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/elfrun/elfrun/common"
	"github.com/elfrun/elfrun/core/arena"
)

// ElfImage is the subset of a loaded guest ELF32 executable the rest of
// ukernel needs: its entry point, where the break starts, and the program
// header table's file offset, entry count and entry size (used for
// AT_PHDR/AT_PHNUM/AT_PHENT). LoadElf does not set LoadAddr; it stays zero.
type ElfImage struct {
	LoadAddr common.GAddr
	Entry    common.GAddr
	Brk      common.GAddr
	Phoff    uint32
	Phnum    uint16
	Phentsize uint16
}

const (
	elfMagic0, elfMagic1, elfMagic2, elfMagic3 = 0x7f, 'E', 'L', 'F'
	elfClass32                                 = 1
	elfData2LSB                                = 1
	etExec                                     = 2
	emRiscV                                    = 243
	ptLoad                                     = 1
	pfX                                        = 1
	pfW                                        = 2
	pfR                                        = 4
)

type elf32Ehdr struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint32
	Phoff     uint32
	Shoff     uint32
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

type elf32Phdr struct {
	Type   uint32
	Offset uint32
	Vaddr  uint32
	Paddr  uint32
	Filesz uint32
	Memsz  uint32
	Flags  uint32
	Align  uint32
}

// LoadElf reads the rv32 ET_EXEC at path, maps every PT_LOAD segment into
// as at its fixed guest virtual address, and returns the decoded image
// plus the still-open file descriptor, which Boot stores on the Task
// (/proc/self/exe resolves through the executable's path, not this
// descriptor). Non-PT_LOAD
// segments (PT_INTERP, PT_GNU_*) are ignored: guest binaries are
// static rv32i+a executables, no dynamic linker in scope.
func LoadElf(path string, as *arena.AddrSpace) (*ElfImage, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, -1, err
	}

	var hdrBuf [52]byte // sizeof(Elf32_Ehdr)
	if _, err := f.ReadAt(hdrBuf[:], 0); err != nil {
		f.Close()
		return nil, -1, fmt.Errorf("read elf header: %w", err)
	}
	var hdr elf32Ehdr
	if err := binary.Read(bytes.NewReader(hdrBuf[:]), binary.LittleEndian, &hdr); err != nil {
		f.Close()
		return nil, -1, fmt.Errorf("decode elf header: %w", err)
	}
	if hdr.Ident[0] != elfMagic0 || hdr.Ident[1] != elfMagic1 || hdr.Ident[2] != elfMagic2 || hdr.Ident[3] != elfMagic3 {
		f.Close()
		return nil, -1, fmt.Errorf("not an ELF file")
	}
	if hdr.Ident[4] != elfClass32 || hdr.Ident[5] != elfData2LSB {
		f.Close()
		return nil, -1, fmt.Errorf("not a little-endian ELF32 file")
	}
	if hdr.Machine != emRiscV {
		f.Close()
		return nil, -1, fmt.Errorf("elf machine %d is not EM_RISCV", hdr.Machine)
	}
	if hdr.Type != etExec {
		f.Close()
		return nil, -1, fmt.Errorf("unsupported elf type %d, only ET_EXEC is supported", hdr.Type)
	}

	phtab := make([]byte, int(hdr.Phentsize)*int(hdr.Phnum))
	if _, err := f.ReadAt(phtab, int64(hdr.Phoff)); err != nil {
		f.Close()
		return nil, -1, fmt.Errorf("read phtab: %w", err)
	}

	img := &ElfImage{
		Entry:     common.GAddr(hdr.Entry),
		Phoff:     hdr.Phoff,
		Phnum:     hdr.Phnum,
		Phentsize: hdr.Phentsize,
	}

	for i := 0; i < int(hdr.Phnum); i++ {
		var ph elf32Phdr
		r := bytes.NewReader(phtab[i*int(hdr.Phentsize):])
		if err := binary.Read(r, binary.LittleEndian, &ph); err != nil {
			f.Close()
			return nil, -1, fmt.Errorf("read phdr %d: %w", i, err)
		}
		if ph.Type != ptLoad {
			continue
		}
		if err := mapSegment(as, f, ph); err != nil {
			f.Close()
			return nil, -1, fmt.Errorf("map segment %d: %w", i, err)
		}
		segEnd := common.GAddr(ph.Vaddr + ph.Memsz)
		if segEnd > img.Brk {
			img.Brk = segEnd
		}
	}

	return img, int(f.Fd()), nil
}

// mapSegment maps one PT_LOAD segment: round
// the vaddr down to a page boundary, map a page-aligned PROT_READ|WRITE
// range over [vaddr_page, vaddr+memsz), copy in the file-backed portion
// (filesz bytes), zero the bss tail (memsz - filesz), then tighten
// protection down to the segment's real flags.
func mapSegment(as *arena.AddrSpace, f *os.File, ph elf32Phdr) error {
	prot := 0
	if ph.Flags&pfR != 0 {
		prot |= unix.PROT_READ
	}
	if ph.Flags&pfW != 0 {
		prot |= unix.PROT_WRITE
	}
	if ph.Flags&pfX != 0 {
		prot |= unix.PROT_EXEC
	}

	vaddr := common.GAddr(ph.Vaddr)
	vaddrPage := common.PageBase(vaddr)
	pageOff := uint32(vaddr - vaddrPage)
	span := int(common.RoundUp(uint64(pageOff)+uint64(ph.Memsz), common.PageSize))

	if _, err := as.Mmap(vaddrPage, span, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return err
	}

	if ph.Filesz > 0 {
		dst := unsafe.Slice((*byte)(as.G2H(vaddr)), ph.Filesz)
		if _, err := f.ReadAt(dst, int64(ph.Offset)); err != nil {
			return fmt.Errorf("read segment data: %w", err)
		}
	}
	if ph.Memsz > ph.Filesz {
		bss := unsafe.Slice((*byte)(as.G2H(vaddr+common.GAddr(ph.Filesz))), ph.Memsz-ph.Filesz)
		for i := range bss {
			bss[i] = 0
		}
	}

	return as.Mprotect(vaddrPage, span, prot)
}
