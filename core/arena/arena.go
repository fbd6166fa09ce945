// Package arena implements the translator's two process-wide memory
// arenas: a monotone bump allocator backed by a single
// anonymous mapping, with O(1) reset and no per-object free. The tcache
// keeps one RW arena for TBlock metadata and one RWX arena for translated
// code; both are Arena values configured with a different Prot.
package arena

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/elfrun/elfrun/core/coreerr"
	"github.com/elfrun/elfrun/log"
)

var logger = log.New("pkg", "arena")

// Arena is a fixed-size anonymous mapping with a monotone bump pointer.
// Allocation is O(1); Reset is O(1) and does not touch memory, it merely
// rewinds the pointer.
type Arena struct {
	mem   []byte
	off   uintptr
	prot  int
	label string
}

// New reserves size bytes of anonymous memory with the given mmap
// protection flags. label is used only for log messages.
func New(label string, size int, prot int) (*Arena, error) {
	mem, err := unix.Mmap(-1, 0, size, prot, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("arena %s: mmap %d bytes: %w", label, size, err)
	}
	logger.Debug("reserved arena", "label", label, "size", size)
	return &Arena{mem: mem, prot: prot, label: label}, nil
}

// Alloc returns a size-byte region aligned to align (a power of two),
// bumping the arena's pointer. It returns coreerr.ErrArenaExhausted, never
// a panic, so the tcache can flush and retry.
func (a *Arena) Alloc(size int, align int) ([]byte, error) {
	if align <= 0 {
		align = 1
	}
	start := (uintptr(a.off) + uintptr(align-1)) &^ uintptr(align-1)
	end := start + uintptr(size)
	if end > uintptr(len(a.mem)) {
		return nil, fmt.Errorf("%w: arena %s wants %d bytes at off %d, capacity %d",
			coreerr.ErrArenaExhausted, a.label, size, start, len(a.mem))
	}
	a.off = end
	return a.mem[start:end:end], nil
}

// Base returns the arena's backing-store start address, used by callers
// that need to compute pointer-like offsets into RWX code memory.
func (a *Arena) Base() uintptr {
	if len(a.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&a.mem[0]))
}

// Used returns the number of bytes handed out since the last Reset.
func (a *Arena) Used() int { return int(a.off) }

// Cap returns the arena's fixed total capacity.
func (a *Arena) Cap() int { return len(a.mem) }

// Reset rewinds the bump pointer to zero. Existing slices returned by
// Alloc become logically invalid; callers must not dereference them after
// a Reset.
func (a *Arena) Reset() {
	a.off = 0
}

// Close unmaps the arena's backing memory. Not used in the steady-state
// lifecycle (arenas live for the process) but provided for clean shutdown
// in tests and in the AOT batch tool, which creates and discards many
// short-lived arenas.
func (a *Arena) Close() error {
	if len(a.mem) == 0 {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}
