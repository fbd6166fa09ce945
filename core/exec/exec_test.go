package exec_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/elfrun/elfrun/common"
	"github.com/elfrun/elfrun/core/arena"
	"github.com/elfrun/elfrun/core/decode"
	"github.com/elfrun/elfrun/core/exec"
	"github.com/elfrun/elfrun/core/runtime"
	"github.com/elfrun/elfrun/core/tcache"
)

// TestExecuteStopsAtEcall drives the full dispatch loop over a single,
// already-compiled region and checks that the trap terminator is what actually stops Execute, with the
// architectural effect of the straight-line code before it (x1 = 5)
// observable in CPUState afterwards.
func TestExecuteStopsAtEcall(t *testing.T) {
	as, err := arena.Reserve(false)
	require.NoError(t, err)
	defer as.Close()

	tc, err := tcache.New()
	require.NoError(t, err)

	base := common.GAddr(0x2000)
	writeProgram(t, as, base,
		decode.Insn{Op: decode.Addi, Rd: 1, Rs1: 0, Imm: 5},
		decode.Insn{Op: decode.Ecall},
	)

	state := &runtime.CPUState{PC: base}
	exec.Execute(state, as, tc, false)

	require.Equal(t, runtime.TrapEcall, state.Trapno)
	require.Equal(t, uint32(5), state.GPR[1])
}

// TestExecuteLinksBranchSlotAcrossTwoRegions exercises the link path: the
// first region ends in an unconditional gbr to a second, not-yet-compiled
// region, which itself traps. Execute must compile both, link the first
// region's branch slot to the second's code once it exists, and stop with
// the second region's side effect visible.
func TestExecuteLinksBranchSlotAcrossTwoRegions(t *testing.T) {
	as, err := arena.Reserve(false)
	require.NoError(t, err)
	defer as.Close()

	tc, err := tcache.New()
	require.NoError(t, err)

	entry := common.GAddr(0x3000)
	target := common.GAddr(0x4000)

	writeProgram(t, as, entry,
		decode.Insn{Op: decode.Addi, Rd: 1, Rs1: 0, Imm: 1},
		decode.Insn{Op: decode.Jal, Rd: 0, Imm: int32(target) - int32(entry) - common.InsnSize},
	)
	writeProgram(t, as, target,
		decode.Insn{Op: decode.Addi, Rd: 2, Rs1: 0, Imm: 7},
		decode.Insn{Op: decode.Ecall},
	)

	state := &runtime.CPUState{PC: entry}
	exec.Execute(state, as, tc, false)

	require.Equal(t, runtime.TrapEcall, state.Trapno)
	require.Equal(t, uint32(1), state.GPR[1])
	require.Equal(t, uint32(7), state.GPR[2])
}
