// Package ukernel implements the micro-kernel glue around the translation
// core: loading a guest rv32 ELF binary into a reserved address
// space, building its initial argv/envp/auxv stack image, and servicing
// the fixed Linux syscall subset the execution loop traps out to on
// Ecall. None of this is part of the translation core proper; fault
// delivery stays with core/exec's signal handler.
package ukernel

import (
	"fmt"

	"github.com/elfrun/elfrun/common"
	"github.com/elfrun/elfrun/core/arena"
	"github.com/elfrun/elfrun/core/exec"
	"github.com/elfrun/elfrun/core/runtime"
	"github.com/elfrun/elfrun/core/tcache"
	"github.com/elfrun/elfrun/log"
)

var logger = log.New("pkg", "ukernel")

// Task is one guest process: its CPU state, its address space, its
// translation cache, and the handful of process-global syscall-visible
// bits (brk, fsroot, the jailed open-file table).
type Task struct {
	State *runtime.CPUState
	AS    *arena.AddrSpace
	TC    *tcache.TCache

	ZeroMMUBase bool

	fsroot   string
	execFD   int
	execPath string
	cwd      string
	brk      common.GAddr

	terminating     bool
	terminationCode int
}

// NewTask reserves a fresh guest address space and translation cache for
// one guest process. fsroot jails every syscall path lookup (PathResolve)
// under root.
func NewTask(root string, zeroMMUBase bool) (*Task, error) {
	as, err := arena.Reserve(zeroMMUBase)
	if err != nil {
		return nil, fmt.Errorf("ukernel: reserve address space: %w", err)
	}
	tc, err := tcache.New()
	if err != nil {
		as.Close()
		return nil, fmt.Errorf("ukernel: new tcache: %w", err)
	}
	return &Task{
		State:       &runtime.CPUState{},
		AS:          as,
		TC:          tc,
		ZeroMMUBase: zeroMMUBase,
		fsroot:      root,
		execFD:      -1,
	}, nil
}

// Boot loads path as the guest's main executable, builds its initial
// argv/envp/auxv stack image, and points State at its entry point.
func (t *Task) Boot(path string, argv []string) error {
	elf, fd, err := LoadElf(path, t.AS)
	if err != nil {
		return fmt.Errorf("ukernel: load elf %s: %w", path, err)
	}
	t.execFD = fd
	t.execPath = path
	t.brk = elf.Brk

	sp, err := InitAuxVectors(t.AS, elf, argv)
	if err != nil {
		return fmt.Errorf("ukernel: init stack: %w", err)
	}

	t.State.GPR[2] = uint32(sp) // x2 = sp
	t.State.PC = elf.Entry
	logger.Info("ukernel: booted", "path", path, "entry", elf.Entry, "sp", sp)
	return nil
}

// Run drives the execution loop until the guest calls exit/exit_group,
// returning its exit code: run
// translated code until it traps, service the trap, repeat.
func (t *Task) Run() int {
	for !t.terminating {
		exec.Execute(t.State, t.AS, t.TC, t.ZeroMMUBase)

		switch t.State.Trapno {
		case runtime.TrapEcall:
			t.State.PC += common.InsnSize
			t.State.Trapno = runtime.TrapNone
			t.syscall()
		case runtime.TrapEbreak:
			logger.Info("ukernel: ebreak", "ip", t.State.PC)
			t.State.PC += common.InsnSize
			t.State.Trapno = runtime.TrapNone
		case runtime.TrapIllegalInsn, runtime.TrapUnalignedIP:
			logger.Error("ukernel: fatal trap", "kind", t.State.Trapno, "ip", t.State.PC)
			t.EnqueueTermination(1)
		case runtime.TrapGuestSegv, runtime.TrapHostSegv:
			logger.Crit("ukernel: fatal memory fault", "kind", t.State.Trapno, "ip", t.State.PC)
		default:
			logger.Crit("ukernel: unhandled trap", "kind", t.State.Trapno)
		}
	}
	return t.terminationCode
}

// EnqueueTermination marks the task for exit with code. One guest task
// runs per host process, so there is no sibling thread to reap.
func (t *Task) EnqueueTermination(code int) {
	t.terminating = true
	t.terminationCode = code
	logger.Info("ukernel: task terminating", "code", code)
}
