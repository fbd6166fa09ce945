package arena

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/shirou/gopsutil/mem"

	"github.com/elfrun/elfrun/common"
)

// GuestWindowSize is the full size of the reserved linear guest address
// space: 4 GiB, matching a 32-bit guest pointer's full range.
const GuestWindowSize = 1 << 32

// AddrSpace owns the single reserved 4 GiB host mapping that backs the
// guest's linear address space, plus the side bitmap of free pages that is
// authoritative for Mmap's bump search.
//
// With ZeroMMUBase the window's base is the null pointer: guest loads and
// stores then compile to a bare host memory access with the guest address
// used directly, at the cost of reserving address 0 itself (only possible
// when the host permits mapping low memory, i.e. mmap_min_addr permits
// it).
type AddrSpace struct {
	base      uintptr
	zeroBase  bool
	mem       []byte // nil when zeroBase, since there is nothing Go-visible to hold
	usedPages []bool // authority for free space; one bool per 4 KiB guest page
}

// Reserve creates the 4 GiB window. When zeroBase is true, the mapping is
// placed at a fixed non-null address internally but g2h/h2g behave as if
// the base were zero is NOT what happens; ZeroMMUBase instead means the
// *translated code* omits the membase add entirely and guest addresses are
// used as host addresses directly, which requires mapping the guest window
// at host address 0. That placement is only attempted when zeroBase is
// requested and logged loudly, since it makes address 0 a valid guest
// pointer and disables the host's usual nil-deref diagnostics.
func Reserve(zeroBase bool) (*AddrSpace, error) {
	logGuestWindowMemoryHeadroom()

	if zeroBase {
		base, err := mmapFixed(0, GuestWindowSize, unix.PROT_NONE,
			unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE|unix.MAP_FIXED)
		if err != nil {
			return nil, fmt.Errorf("arena: reserve zero-based %d byte guest window: %w", GuestWindowSize, err)
		}
		as := &AddrSpace{
			zeroBase:  true,
			base:      base,
			usedPages: make([]bool, GuestWindowSize/common.PageSize),
		}
		logger.Info("reserved guest address space", "base", "0x0", "zero_base", true)
		return as, nil
	}

	mem, err := unix.Mmap(-1, 0, GuestWindowSize, unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("arena: reserve %d byte guest window: %w", GuestWindowSize, err)
	}
	as := &AddrSpace{
		mem:       mem,
		base:      uintptr(unsafe.Pointer(&mem[0])),
		usedPages: make([]bool, GuestWindowSize/common.PageSize),
	}
	logger.Info("reserved guest address space", "base", fmt.Sprintf("0x%x", as.base), "zero_base", false)
	return as, nil
}

// mmapFixed is a thin wrapper over the raw mmap(2) syscall for the one case
// golang.org/x/sys/unix's Mmap helper cannot express: placing a mapping at
// an exact, possibly-zero, host address via MAP_FIXED. x/sys/unix.Mmap
// always lets the kernel choose the address.
func mmapFixed(addr uintptr, length int, prot, flags int) (uintptr, error) {
	ret, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, uintptr(length),
		uintptr(prot), uintptr(flags), ^uintptr(0), 0)
	if errno != 0 {
		return 0, errno
	}
	return ret, nil
}

func logGuestWindowMemoryHeadroom() {
	vm, err := mem.VirtualMemory()
	if err != nil {
		logger.Debug("could not query host memory, skipping headroom check", "err", err)
		return
	}
	if vm.Available < GuestWindowSize/8 {
		logger.Warn("host available memory is small relative to the guest window",
			"available", vm.Available, "guest_window", GuestWindowSize)
	}
}

// Base returns the host address corresponding to guest address 0.
func (as *AddrSpace) Base() uintptr { return as.base }

// G2H converts a guest address to a host pointer.
func (as *AddrSpace) G2H(g common.GAddr) unsafe.Pointer {
	return unsafe.Pointer(as.base + uintptr(g))
}

// H2G converts a host pointer known to lie inside the guest window back to
// a guest address.
func (as *AddrSpace) H2G(h unsafe.Pointer) (common.GAddr, bool) {
	hp := uintptr(h)
	if hp < as.base || hp-as.base >= GuestWindowSize {
		return 0, false
	}
	return common.GAddr(hp - as.base), true
}

// InGuest reports whether a host pointer lies inside the reserved window.
// This is exactly the check the SIGSEGV/SIGBUS handler uses to classify a
// fault as GuestSegv vs HostSegv.
func (as *AddrSpace) InGuest(h unsafe.Pointer) bool {
	_, ok := as.H2G(h)
	return ok
}

// Mmap places a guest mapping of len bytes. If g is nonzero, the mapping is
// placed at the fixed guest address g (MAP_FIXED semantics against the
// guest window); otherwise a free run of pages is found by scanning the
// used-page bitmap, which is authoritative for free space.
func (as *AddrSpace) Mmap(g common.GAddr, length int, prot int) (common.GAddr, error) {
	npages := (length + common.PageSize - 1) / common.PageSize
	var startPage uint32
	if g != 0 {
		startPage = common.PageOf(g)
		if !as.rangeFree(startPage, npages) {
			return 0, fmt.Errorf("arena: fixed mmap at %s overlaps an existing mapping", g)
		}
	} else {
		page, ok := as.findFreeRun(npages)
		if !ok {
			return 0, fmt.Errorf("arena: no free run of %d guest pages", npages)
		}
		startPage = page
	}

	hostAddr := as.base + uintptr(startPage)*common.PageSize
	hostProt := toHostProt(prot)
	region := unsafe.Slice((*byte)(unsafe.Pointer(hostAddr)), npages*common.PageSize)
	if err := unix.Mprotect(region, hostProt); err != nil {
		return 0, fmt.Errorf("arena: mprotect guest range at page %d: %w", startPage, err)
	}
	for p := startPage; p < startPage+uint32(npages); p++ {
		as.usedPages[p] = true
	}
	return common.GAddr(startPage) * common.PageSize, nil
}

// Munmap releases npages pages starting at guest page containing g,
// reverting their protection to PROT_NONE and clearing the used-page bits.
func (as *AddrSpace) Munmap(g common.GAddr, length int) error {
	npages := (length + common.PageSize - 1) / common.PageSize
	startPage := common.PageOf(g)
	hostAddr := as.base + uintptr(startPage)*common.PageSize
	region := unsafe.Slice((*byte)(unsafe.Pointer(hostAddr)), npages*common.PageSize)
	if err := unix.Mprotect(region, unix.PROT_NONE); err != nil {
		return fmt.Errorf("arena: mprotect(NONE) on munmap: %w", err)
	}
	for p := startPage; p < startPage+uint32(npages); p++ {
		as.usedPages[p] = false
	}
	return nil
}

// Mprotect changes the protection of an already-mapped guest range without
// touching the used-page bitmap, covering the guest mprotect syscall
// and the ELF loader's
// own need to widen a segment to PROT_WRITE just long enough to copy its
// file contents in, then tighten it back to the segment's real flags.
func (as *AddrSpace) Mprotect(g common.GAddr, length int, prot int) error {
	npages := (length + common.PageSize - 1) / common.PageSize
	startPage := common.PageOf(g)
	hostAddr := as.base + uintptr(startPage)*common.PageSize
	region := unsafe.Slice((*byte)(unsafe.Pointer(hostAddr)), npages*common.PageSize)
	if err := unix.Mprotect(region, toHostProt(prot)); err != nil {
		return fmt.Errorf("arena: mprotect: %w", err)
	}
	return nil
}

func (as *AddrSpace) rangeFree(startPage uint32, npages int) bool {
	if int(startPage)+npages > len(as.usedPages) {
		return false
	}
	for p := startPage; p < startPage+uint32(npages); p++ {
		if as.usedPages[p] {
			return false
		}
	}
	return true
}

func (as *AddrSpace) findFreeRun(npages int) (uint32, bool) {
	run := 0
	for p := 0; p < len(as.usedPages); p++ {
		if as.usedPages[p] {
			run = 0
			continue
		}
		run++
		if run == npages {
			return uint32(p - npages + 1), true
		}
	}
	return 0, false
}

func toHostProt(prot int) int {
	// The guest's prot bits (PROT_READ/WRITE/EXEC) happen to share numeric
	// values with the host's on Linux/amd64; kept as an explicit mapping
	// function rather than a raw pass-through so a future guest ABI with
	// different bit positions only needs to change this one place.
	var out int
	if prot&unix.PROT_READ != 0 {
		out |= unix.PROT_READ
	}
	if prot&unix.PROT_WRITE != 0 {
		out |= unix.PROT_WRITE
	}
	if prot&unix.PROT_EXEC != 0 {
		out |= unix.PROT_EXEC
	}
	return out
}

// Close releases the guest window. Only used by tests and by elfaot's
// short-lived process; elfrun holds the window for its whole lifetime.
func (as *AddrSpace) Close() error {
	if as.mem == nil {
		return nil
	}
	err := unix.Munmap(as.mem)
	as.mem = nil
	return err
}
