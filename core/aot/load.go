package aot

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/VictoriaMetrics/fastcache"

	"github.com/elfrun/elfrun/common"
	"github.com/elfrun/elfrun/core/coreerr"
	"github.com/elfrun/elfrun/core/emit"
	"github.com/elfrun/elfrun/core/runtime"
	"github.com/elfrun/elfrun/core/stats"
	"github.com/elfrun/elfrun/core/tcache"
	"github.com/elfrun/elfrun/log"
)

var loadLogger = log.New("pkg", "aot", "component", "load")

// Object is a loaded AOT shared object. The
// backing RWX mapping is never unmapped: "the SO handle outlives the
// process".
type Object struct {
	base uintptr // host address the .aot section was mapped at
	size int

	symbols *fastcache.Cache // gip (4 bytes BE) -> host addr (8 bytes LE)
	entries []symbolEntry
}

// symbolEntry is one decoded _aot_tab row plus its size, computed from
// the gap to the next entry (sorted by aot_vaddr) or the end of the
// section for the last one.
type symbolEntry struct {
	gip   common.GAddr
	vaddr uint64
	size  int
}

type slotRecord struct {
	entryIdx int
	offset   int
	gip      common.GAddr
}

// Load reads an object built by Build from path, maps its RWX segment
// fresh into this process (not at the file's own declared p_vaddr: this
// is not run through the OS ELF loader/ld.so, only through this package's
// own minimal section-header/symtab reader), and resolves every region
// entry's host address. Any failure here
// is reported as coreerr.ErrAotLoadFailure so the caller can log and
// continue with JIT only rather than treat it as fatal.
func Load(path string) (*Object, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("aot: %w: read %s: %v", coreerr.ErrAotLoadFailure, path, err)
	}

	loadedOff, loadedSize, err := phdrLoadRange(data)
	if err != nil {
		return nil, fmt.Errorf("aot: %w: %v", coreerr.ErrAotLoadFailure, err)
	}

	syms, slots, err := readSymbols(data)
	if err != nil {
		return nil, fmt.Errorf("aot: %w: %v", coreerr.ErrAotLoadFailure, err)
	}

	base, err := mapExecutable(data[loadedOff : loadedOff+loadedSize])
	if err != nil {
		return nil, fmt.Errorf("aot: %w: mmap: %v", coreerr.ErrAotLoadFailure, err)
	}

	obj := &Object{base: base, size: loadedSize, symbols: fastcache.New(1 << 20), entries: syms}
	sort.Slice(syms, func(i, j int) bool { return syms[i].vaddr < syms[j].vaddr })
	for i := range syms {
		if i+1 < len(syms) {
			syms[i].size = int(syms[i+1].vaddr - syms[i].vaddr)
		} else {
			syms[i].size = loadedSize - int(syms[i].vaddr)
		}
		obj.putSymbol(syms[i].gip, base+uintptr(syms[i].vaddr))
	}

	// Patch every branch slot to its unlinked shape now that the final
	// load address is known: a slot whose target resolves
	// to another entry in this same object links near/far immediately
	// (no first-execution detour through the lazy-link stub at all,
	// since AOT already knows the answer); a slot whose target escapes
	// this object falls back to the ordinary JIT lazy-link path, exactly
	// like a freshly-JITted block's own unlinked slots.
	codeAt := unsafe.Slice((*byte)(unsafe.Pointer(base)), loadedSize)
	linkStub := runtime.StubAddr(runtime.StubEscapeLink)
	for _, s := range slots {
		if s.entryIdx < 0 || s.entryIdx >= len(syms) {
			continue
		}
		slotAddr := uint64(base) + syms[s.entryIdx].vaddr + uint64(s.offset)
		if target, ok := obj.lookupVaddr(s.gip); ok {
			emit.Link(codeAt, int(syms[s.entryIdx].vaddr)+s.offset, slotAddr, uint64(target))
		} else {
			emit.WriteUnlinkedSlot(codeAt, int(syms[s.entryIdx].vaddr)+s.offset, uint64(linkStub), uint32(s.gip))
		}
	}

	buildID := ReadBuildID(path)
	loadLogger.Info("aot: loaded object", "path", path, "entries", len(syms), "base", fmt.Sprintf("%#x", base), "build", buildID)
	return obj, nil
}

func (o *Object) putSymbol(gip common.GAddr, addr uintptr) {
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], uint32(gip))
	var val [8]byte
	binary.LittleEndian.PutUint64(val[:], uint64(addr))
	o.symbols.Set(key[:], val[:])
}

func (o *Object) lookupVaddr(gip common.GAddr) (uintptr, bool) {
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], uint32(gip))
	val, ok := o.symbols.HasGet(nil, key[:])
	if !ok {
		return 0, false
	}
	return uintptr(binary.LittleEndian.Uint64(val)), true
}

// InsertAll publishes one TBlock per exported entry into tc, so the first
// lookup at that IP finds AOT code instead of missing into a JIT compile
//. Region-entry nodes are also segment-entry-style
// boundaries for the module graph, so IsSegmentEntry is set the same way
// a live segment entry point would be.
func (o *Object) InsertAll(tc *tcache.TCache) {
	loaded := 0
	for _, s := range o.entries {
		addr, ok := o.lookupVaddr(s.gip)
		if !ok {
			continue
		}
		tb, err := tc.AllocTBlock()
		if err != nil {
			loadLogger.Warn("aot: tcache out of metadata space while publishing AOT blocks", "err", err)
			stats.Global.IncAotSymbolsLoaded(loaded)
			return
		}
		tb.IP = s.gip
		tb.TCode = tcache.TCode{Ptr: addr, Size: s.size}
		tb.IsSegmentEntry = true
		tc.Insert(tb)
		loaded++
	}
	stats.Global.IncAotSymbolsLoaded(loaded)
}

// mapExecutable copies code into a fresh anonymous RWX mapping and
// returns its base address. An AOT
// object's mapping is not bump-allocated or ever reset, so it gets its
// own one-shot mmap here rather than going through core/arena.Arena.
func mapExecutable(code []byte) (uintptr, error) {
	size := int(common.RoundUp(uint64(len(code)), uint64(os.Getpagesize())))
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, err
	}
	copy(mem, code)
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		unix.Munmap(mem)
		return 0, err
	}
	return uintptr(unsafe.Pointer(&mem[0])), nil
}

// phdrLoadRange reads the single PT_LOAD program header Build emits and
// returns its file offset and size.
func phdrLoadRange(data []byte) (off, size int, err error) {
	if len(data) < elfHeaderSize+phdrSize || data[0] != 0x7f || string(data[1:4]) != "ELF" {
		return 0, 0, fmt.Errorf("not an aot object")
	}
	phoff := binary.LittleEndian.Uint64(data[32:40])
	phdr := data[phoff:]
	fileSize := binary.LittleEndian.Uint64(phdr[32:40])
	return 0, int(fileSize), nil
}

// readSymbols reads .symtab/.strtab for every `_x<hex gip>` symbol (the
// region entries) and .aotslots for every branch-slot record this
// object's entries contain.
func readSymbols(data []byte) ([]symbolEntry, []slotRecord, error) {
	shoff := binary.LittleEndian.Uint64(data[40:48])
	shnum := int(binary.LittleEndian.Uint16(data[60:62]))
	shstrndx := int(binary.LittleEndian.Uint16(data[62:64]))

	type sh struct {
		name, typ          uint32
		offset, size, link uint64
	}
	shs := make([]sh, shnum)
	for i := 0; i < shnum; i++ {
		b := data[int(shoff)+i*shdrEntrySize:]
		shs[i] = sh{
			name:   binary.LittleEndian.Uint32(b[0:4]),
			typ:    binary.LittleEndian.Uint32(b[4:8]),
			offset: binary.LittleEndian.Uint64(b[24:32]),
			size:   binary.LittleEndian.Uint64(b[32:40]),
			link:   uint64(binary.LittleEndian.Uint32(b[40:44])),
		}
	}
	shstrtab := data[shs[shstrndx].offset : shs[shstrndx].offset+shs[shstrndx].size]
	sectionName := func(nameOff uint32) string {
		end := nameOff
		for end < uint32(len(shstrtab)) && shstrtab[end] != 0 {
			end++
		}
		return string(shstrtab[nameOff:end])
	}

	var symtab, strtab, aotslots sh
	for _, s := range shs {
		switch sectionName(s.name) {
		case ".symtab":
			symtab = s
		case ".strtab":
			strtab = s
		case ".aotslots":
			aotslots = s
		}
	}
	if symtab.size == 0 {
		return nil, nil, fmt.Errorf("missing .symtab")
	}
	strtabBytes := data[strtab.offset : strtab.offset+strtab.size]
	symName := func(nameOff uint32) string {
		end := nameOff
		for end < uint32(len(strtabBytes)) && strtabBytes[end] != 0 {
			end++
		}
		return string(strtabBytes[nameOff:end])
	}

	var syms []symbolEntry
	n := int(symtab.size) / symEntrySize
	for i := 1; i < n; i++ { // entry 0 is the null symbol
		b := data[int(symtab.offset)+i*symEntrySize:]
		nameOff := binary.LittleEndian.Uint32(b[0:4])
		value := binary.LittleEndian.Uint64(b[8:16])
		name := symName(nameOff)
		if len(name) != 10 || name[:2] != "_x" {
			continue // e.g. _aot_tab itself, not a region entry
		}
		var gip uint32
		if _, err := fmt.Sscanf(name[2:], "%08x", &gip); err != nil {
			continue
		}
		syms = append(syms, symbolEntry{gip: common.GAddr(gip), vaddr: value})
	}

	var slots []slotRecord
	if aotslots.size > 0 {
		raw := data[aotslots.offset : aotslots.offset+aotslots.size]
		for off := 0; off+12 <= len(raw); off += 12 {
			slots = append(slots, slotRecord{
				entryIdx: int(binary.LittleEndian.Uint32(raw[off:])),
				offset:   int(binary.LittleEndian.Uint32(raw[off+4:])),
				gip:      common.GAddr(binary.LittleEndian.Uint32(raw[off+8:])),
			})
		}
	}
	return syms, slots, nil
}
