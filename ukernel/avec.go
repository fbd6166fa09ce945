package ukernel

import (
	"crypto/rand"
	"encoding/binary"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/elfrun/elfrun/common"
	"github.com/elfrun/elfrun/core/arena"
)

// Linux AT_* auxv tags used below (asm-generic/auxvec.h).
const (
	atPhdr    = 3
	atPhent   = 4
	atPhnum   = 5
	atPagesz  = 6
	atBase    = 7
	atFlags   = 8
	atEntry   = 9
	atUID     = 11
	atEUID    = 12
	atGID     = 13
	atEGID    = 14
	atSecure  = 23
	atRandom  = 25
	atExecFn  = 31
	atHWCap   = 16
	atClkTck  = 17
	atNull    = 0
)

const guestStackSize = 8 << 20 // 8 MiB

// stackSetup accumulates writes to the guest stack from high addresses
// down: strings first (so their
// addresses are known before the vector tables reference them), then the
// argc/argv/envp/auxv arrays themselves.
type stackSetup struct {
	as *arena.AddrSpace
	sp common.GAddr
}

func (s *stackSetup) pushBytes(b []byte) common.GAddr {
	s.sp -= common.GAddr(len(b))
	dst := unsafe.Slice((*byte)(s.as.G2H(s.sp)), len(b))
	copy(dst, b)
	return s.sp
}

func (s *stackSetup) pushString(str string) common.GAddr {
	return s.pushBytes(append([]byte(str), 0))
}

func (s *stackSetup) pushWord(v uint32) {
	s.sp -= 4
	binary.LittleEndian.PutUint32(unsafe.Slice((*byte)(s.as.G2H(s.sp)), 4), v)
}

// InitAuxVectors allocates an 8 MiB anonymous guest stack at the top of
// the guest window and lays out argc/argv/envp/auxv on it per the rv32
// Linux process-startup ABI, returning the initial stack pointer.
// AT_RANDOM's 16-byte salt is drawn from crypto/rand.
func InitAuxVectors(as *arena.AddrSpace, elf *ElfImage, argv []string) (common.GAddr, error) {
	stackTop, err := as.Mmap(common.GAddr(arena.GuestWindowSize-guestStackSize-common.PageSize), guestStackSize,
		unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		return 0, err
	}

	s := &stackSetup{as: as, sp: stackTop + guestStackSize}

	execFnAddr := s.pushString("/proc/self/exe")
	lcAllAddr := s.pushString("LC_ALL=C")

	var salt [16]byte
	rand.Read(salt[:])
	randAddr := s.pushBytes(salt[:])

	argvAddrs := make([]common.GAddr, len(argv))
	for i, a := range argv {
		argvAddrs[i] = s.pushString(a)
	}

	s.sp &^= 3 // word-align before the vector tables

	push := func(v uint32) { s.pushWord(v) }

	auxv := []struct{ tag, val uint32 }{
		{atNull, 0},
		{atRandom, uint32(randAddr)},
		{atClkTck, 100},
		{atHWCap, 0},
		{atSecure, 0},
		{atExecFn, uint32(execFnAddr)},
		{atEGID, uint32(unix.Getegid())},
		{atGID, uint32(unix.Getgid())},
		{atEUID, uint32(unix.Geteuid())},
		{atUID, uint32(unix.Getuid())},
		{atEntry, uint32(elf.Entry)},
		{atFlags, 0},
		{atBase, 0},
		{atPagesz, common.PageSize},
		{atPhnum, uint32(elf.Phnum)},
		{atPhent, uint32(elf.Phentsize)},
		{atPhdr, uint32(elf.Phoff)},
	}
	// Place the block so that argc, pushed last, lands on a 16-byte
	// boundary: the initial sp points at argc and is 16-byte aligned.
	words := common.GAddr(4 * (2*len(auxv) + 2 + len(argvAddrs) + 1 + 1))
	s.sp = (s.sp-words)&^15 + words

	for _, e := range auxv {
		push(e.val)
		push(e.tag)
	}

	push(0) // envp terminator
	push(uint32(lcAllAddr))

	push(0) // argv terminator
	for i := len(argvAddrs) - 1; i >= 0; i-- {
		push(uint32(argvAddrs[i]))
	}

	push(uint32(len(argv))) // argc

	// Stack pointer must be 16-byte aligned on entry per the rv32 psABI.
	s.sp &^= 15

	return s.sp, nil
}
