package ukernel

import (
	"fmt"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/elfrun/elfrun/common"
	"github.com/elfrun/elfrun/core/coreerr"
)

// Linux rv32 syscall numbers (the generic syscall table shared by
// riscv/arm64/csky, per asm-generic/unistd.h), for the fixed subset a
// static rv32 binary needs: open, close, read, write, mmap2, munmap,
// mprotect, brk, exit, exit_group, uname, the stat/statx family,
// getrandom, prlimit64, clock_gettime64. A handful of startup-path
// syscalls real rv32 glibc/musl issue before main (set_tid_address,
// rt_sigaction, the getuid/getgid family) are included too, since a
// freshly linked static binary traps on them before ever reaching a guest
// syscall anyone cares about.
const (
	sysGetcwd        = 17
	sysFcntl         = 25
	sysUnlinkat      = 35
	sysMkdirat       = 34
	sysOpenat        = 56
	sysClose         = 57
	sysLseek         = 62
	sysRead          = 63
	sysWrite         = 64
	sysReadlinkat    = 78
	sysFstatat       = 79
	sysFstat         = 80
	sysExit          = 93
	sysExitGroup     = 94
	sysSetTidAddress = 96
	sysRtSigaction   = 134
	sysRtSigprocmask = 135
	sysSetRobustList = 99
	sysUname         = 160
	sysGetuid        = 174
	sysGeteuid       = 175
	sysGetgid        = 176
	sysGetegid       = 177
	sysSysinfo       = 179
	sysBrk           = 214
	sysMunmap        = 215
	sysMmap2         = 222
	sysMprotect      = 226
	sysPrlimit64     = 261
	sysGetrandom     = 278
	sysStatx         = 291
	sysClockGettime64 = 403
)

// syscall services the guest's most recent ecall using the rv32 Linux
// syscall ABI: a7 = number, a0..a5 = args, a0 = return value (negative
// errno on failure).
func (t *Task) syscall() {
	gpr := &t.State.GPR
	no := gpr[17]
	a := [6]uint32{gpr[10], gpr[11], gpr[12], gpr[13], gpr[14], gpr[15]}

	rc, err := t.dispatch(no, a)
	if err != nil {
		panic(fmt.Errorf("ukernel: %w: no=%d", err, no))
	}
	gpr[10] = uint32(rc)
}

func (t *Task) dispatch(no uint32, a [6]uint32) (int32, error) {
	switch no {
	case sysOpenat:
		return t.sysOpenat(int32(a[0]), a[1], int(a[2]), uint32(a[3]))
	case sysClose:
		return t.sysClose(a[0])
	case sysLseek:
		return t.sysLseek(a[0], int32(a[1]), int(a[2]))
	case sysRead:
		return t.sysRead(a[0], a[1], a[2])
	case sysWrite:
		return t.sysWrite(a[0], a[1], a[2])
	case sysReadlinkat:
		return t.sysReadlinkat(int32(a[0]), a[1], a[2], a[3])
	case sysFstat, sysFstatat:
		return t.sysFstat(a[0], a[1])
	case sysExit:
		t.EnqueueTermination(int(int32(a[0])))
		return 0, nil
	case sysExitGroup:
		t.EnqueueTermination(int(int32(a[0])))
		return 0, nil
	case sysSetTidAddress:
		return int32(os.Getpid()), nil
	case sysRtSigaction, sysRtSigprocmask, sysSetRobustList:
		return 0, nil // signal emulation out of scope
	case sysUname:
		return t.sysUname(a[0])
	case sysGetuid:
		return int32(unix.Getuid()), nil
	case sysGeteuid:
		return int32(unix.Geteuid()), nil
	case sysGetgid:
		return int32(unix.Getgid()), nil
	case sysGetegid:
		return int32(unix.Getegid()), nil
	case sysSysinfo:
		return t.sysSysinfo(a[0])
	case sysBrk:
		return t.sysBrk(a[0])
	case sysMunmap:
		return t.sysMunmap(a[0], a[1])
	case sysMmap2:
		return t.sysMmap2(a[0], a[1], int(a[2]), int(a[3]), int32(a[4]), a[5])
	case sysMprotect:
		return t.sysMprotect(a[0], a[1], int(a[2]))
	case sysPrlimit64:
		return t.sysPrlimit64(a[3])
	case sysGetrandom:
		return t.sysGetrandom(a[0], a[1], int(a[2]))
	case sysStatx:
		return t.sysStatx(int32(a[0]), a[1], int(a[2]), a[3], a[4])
	case sysClockGettime64:
		return t.sysClockGettime64(int32(a[0]), a[1])
	case sysGetcwd, sysFcntl, sysUnlinkat, sysMkdirat:
		return 0, fmt.Errorf("%w: syscall not implemented", coreerr.ErrUnknownSyscall)
	default:
		return 0, fmt.Errorf("%w: unknown syscall", coreerr.ErrUnknownSyscall)
	}
}

func (t *Task) guestBuf(addr uint32, n uint32) []byte {
	return unsafe.Slice((*byte)(t.AS.G2H(common.GAddr(addr))), n)
}

func rcerrno(rc int, err error) (int32, error) {
	if err != nil {
		if errno, ok := err.(unix.Errno); ok {
			return -int32(errno), nil
		}
		return -int32(unix.EIO), nil
	}
	return int32(rc), nil
}

func (t *Task) sysOpenat(dirfd int32, pathAddr uint32, flags int, mode uint32) (int32, error) {
	path, err := t.resolvePath(cString(t.guestBuf(pathAddr, 4096)))
	if err != nil {
		return -int32(unix.EACCES), nil
	}
	fd, err := unix.Openat(int(dirfd), path, flags, mode)
	return rcerrno(fd, err)
}

func (t *Task) sysClose(fd uint32) (int32, error) {
	if fd < 3 {
		return 0, nil // stdio stays open for the process's lifetime
	}
	err := unix.Close(int(fd))
	return rcerrno(0, err)
}

func (t *Task) sysLseek(fd uint32, off int32, whence int) (int32, error) {
	rc, err := unix.Seek(int(fd), int64(off), whence)
	return rcerrno(int(rc), err)
}

func (t *Task) sysRead(fd, bufAddr, count uint32) (int32, error) {
	n, err := unix.Read(int(fd), t.guestBuf(bufAddr, count))
	return rcerrno(n, err)
}

func (t *Task) sysWrite(fd, bufAddr, count uint32) (int32, error) {
	n, err := unix.Write(int(fd), t.guestBuf(bufAddr, count))
	return rcerrno(n, err)
}

func (t *Task) sysReadlinkat(dirfd int32, pathAddr, bufAddr, bufsiz uint32) (int32, error) {
	path, err := t.resolvePath(cString(t.guestBuf(pathAddr, 4096)))
	if err != nil {
		return -int32(unix.EACCES), nil
	}
	n, err := unix.Readlinkat(int(dirfd), path, t.guestBuf(bufAddr, bufsiz))
	return rcerrno(n, err)
}

// sysFstat reports a synthesized stat buffer rather than a faithful
// unix.Fstat_t-to-rv32 struct stat translation: the layouts differ
// (32-bit time_t/ino_t fields, different field order) and a full
// libc-compatible ABI shim is out of scope here. Guests that
// only check st_mode/st_size (the common case for a static ELF's own
// startup checks) still get useful answers.
func (t *Task) sysFstat(fd, statAddr uint32) (int32, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(fd), &st); err != nil {
		return rcerrno(0, err)
	}
	buf := t.guestBuf(statAddr, 128)
	for i := range buf {
		buf[i] = 0
	}
	putU32(buf, 0x10, uint32(st.Mode))
	putU64(buf, 0x30, uint64(st.Size))
	return 0, nil
}

func (t *Task) sysUname(bufAddr uint32) (int32, error) {
	var un unix.Utsname
	if err := unix.Uname(&un); err != nil {
		return rcerrno(0, err)
	}
	buf := t.guestBuf(bufAddr, 6*65)
	copy(buf[0*65:], un.Sysname[:])
	copy(buf[1*65:], un.Nodename[:])
	copy(buf[2*65:], un.Release[:])
	copy(buf[3*65:], un.Version[:])
	copy(buf[4*65:], []byte("riscv32\x00"))
	copy(buf[5*65:], un.Domainname[:])
	return 0, nil
}

func (t *Task) sysSysinfo(infoAddr uint32) (int32, error) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return rcerrno(0, err)
	}
	buf := t.guestBuf(infoAddr, 64)
	for i := range buf {
		buf[i] = 0
	}
	putU32(buf, 0, uint32(si.Uptime))
	putU32(buf, 4, uint32(si.Loads[0]))
	putU32(buf, 8, uint32(si.Loads[1]))
	putU32(buf, 12, uint32(si.Loads[2]))
	putU32(buf, 16, 1<<30) // totalram, synthesized
	putU32(buf, 20, 500<<20)
	return 0, nil
}

// sysBrk advances the task's brk,
// growing the mapping in whole pages and zeroing newly exposed bytes.
// Shrinking requests are treated as a no-op query: rv32 static binaries
// never shrink brk in practice.
func (t *Task) sysBrk(newbrk uint32) (int32, error) {
	brk := uint32(t.brk)
	if newbrk <= brk {
		return int32(brk), nil
	}
	brkPage := uint32(common.RoundUp(uint64(brk), common.PageSize))
	if newbrk <= brkPage {
		clear(t.guestBuf(brk, newbrk-brk))
		t.brk = common.GAddr(newbrk)
		return int32(newbrk), nil
	}
	if _, err := t.AS.Mmap(common.GAddr(brkPage), int(newbrk-brkPage), unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return int32(brk), nil
	}
	if brkPage > brk {
		clear(t.guestBuf(brk, brkPage-brk))
	}
	t.brk = common.GAddr(newbrk)
	return int32(newbrk), nil
}

func (t *Task) sysMunmap(gaddr, length uint32) (int32, error) {
	if err := t.AS.Munmap(common.GAddr(gaddr), int(length)); err != nil {
		return -int32(unix.EINVAL), nil
	}
	return 0, nil
}

// sysMmap2 supports only MAP_ANONYMOUS mappings through core/arena's
// mmap; a file-backed
// request is read into the freshly mapped guest range so a guest that
// only uses mmap2 to map an already-open regular file for reading still
// works, at the cost of not reflecting writes back to the file.
func (t *Task) sysMmap2(gaddr, length uint32, prot, flags int, fd int32, pgoff uint32) (int32, error) {
	g, err := t.AS.Mmap(common.GAddr(gaddr), int(length), prot|unix.PROT_WRITE)
	if err != nil {
		return -int32(unix.ENOMEM), nil
	}
	if fd >= 0 {
		n, _ := unix.Pread(int(fd), t.guestBuf(uint32(g), length), int64(pgoff)*int64(common.PageSize))
		_ = n
	}
	if prot&unix.PROT_WRITE == 0 {
		t.AS.Mprotect(g, int(length), prot)
	}
	return int32(g), nil
}

func (t *Task) sysMprotect(gaddr, length uint32, prot int) (int32, error) {
	if err := t.AS.Mprotect(common.GAddr(gaddr), int(length), prot); err != nil {
		return -int32(unix.EINVAL), nil
	}
	return 0, nil
}

// sysPrlimit64 reports every resource as "unlimited" through the old-limit
// pointer and ignores the pid and any requested new limit: the limits a
// guest asks about at startup (RLIMIT_AS/STACK/DATA) describe host
// address-space bookkeeping the fixed 4 GiB window makes meaningless to
// forward.
func (t *Task) sysPrlimit64(oldRlimAddr uint32) (int32, error) {
	if oldRlimAddr != 0 {
		buf := t.guestBuf(oldRlimAddr, 16)
		putU64(buf, 0, ^uint64(0))
		putU64(buf, 8, ^uint64(0))
	}
	return 0, nil
}

func (t *Task) sysGetrandom(bufAddr uint32, count uint32, flags int) (int32, error) {
	n, err := unix.Getrandom(t.guestBuf(bufAddr, count), flags)
	return rcerrno(n, err)
}

// sysStatx resolves the guest path under fsroot for every call, including
// the empty path of an AT_EMPTY_PATH request, and passes dirfd and flags
// through to fstatat. It fills a zeroed statx buffer of its own with only
// stx_mode and stx_size set; it does not share sysFstat's layout.
func (t *Task) sysStatx(dirfd int32, pathAddr uint32, flags int, mask uint32, bufAddr uint32) (int32, error) {
	path, err := t.resolvePath(cString(t.guestBuf(pathAddr, 4096)))
	if err != nil {
		return -int32(unix.EACCES), nil
	}
	var st unix.Stat_t
	if err := unix.Fstatat(int(dirfd), path, &st, flags); err != nil {
		return rcerrno(0, err)
	}
	buf := t.guestBuf(bufAddr, 256)
	for i := range buf {
		buf[i] = 0
	}
	putU32(buf, 0x1c, uint32(st.Mode))
	putU64(buf, 0x28, uint64(st.Size))
	return 0, nil
}

func (t *Task) sysClockGettime64(clockID int32, tpAddr uint32) (int32, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(clockID, &ts); err != nil {
		now := time.Now()
		ts.Sec = now.Unix()
		ts.Nsec = int64(now.Nanosecond())
	}
	buf := t.guestBuf(tpAddr, 16)
	putU64(buf, 0, uint64(ts.Sec))
	putU64(buf, 8, uint64(ts.Nsec))
	return 0, nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func putU32(buf []byte, off int, v uint32) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
	buf[off+2] = byte(v >> 16)
	buf[off+3] = byte(v >> 24)
}

func putU64(buf []byte, off int, v uint64) {
	for i := 0; i < 8; i++ {
		buf[off+i] = byte(v >> (8 * i))
	}
}
