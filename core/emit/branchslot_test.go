package emit

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBranchSlotRelinkTransfersToLastTarget(t *testing.T) {
	code := make([]byte, BranchSlotTotalSize)
	const slotAddr = uint64(0x7f0000100000)
	const gip = uint32(0x00401234)

	WriteUnlinkedSlot(code, 0, 0xdeadbeefcafe, gip)
	Link(code, 0, slotAddr, slotAddr+0x80)
	Link(code, 0, slotAddr, slotAddr+0x200)

	// The second link fully replaces the first: jmp rel32 to the last
	// target, nothing left of the earlier displacement.
	require.Equal(t, byte(0xe9), code[0])
	rel := int32(binary.LittleEndian.Uint32(code[1:5]))
	require.Equal(t, int32(0x200-5), rel)
	for i := 5; i < SlotSize; i++ {
		require.Equal(t, byte(nopByte), code[i])
	}
	// The trailing gip field survives every rewrite.
	require.Equal(t, gip, ReadGIP(code, 0))
}

func TestBranchSlotLinkFarShape(t *testing.T) {
	code := make([]byte, BranchSlotTotalSize)
	const slotAddr = uint64(0x7f0000100000)
	const target = uint64(0x100000000) // out of rel32 range from slotAddr

	WriteUnlinkedSlot(code, 0, 0xdeadbeefcafe, 0x1000)
	Link(code, 0, slotAddr, target)

	// movabs rax, target; jmp rax.
	require.Equal(t, byte(0x48), code[0])
	require.Equal(t, byte(0xb8), code[1])
	require.Equal(t, target, binary.LittleEndian.Uint64(code[2:10]))
	require.Equal(t, byte(0xff), code[10])
	require.Equal(t, byte(0xe0), code[11])
}

func TestBranchSlotUnlinkedShape(t *testing.T) {
	code := make([]byte, BranchSlotTotalSize)
	const stub = uint64(0x7f4000000000)

	WriteUnlinkedSlot(code, 0, stub, 0x8000)

	// movabs rax, stub; call rax, with the gip recoverable by the stub.
	require.Equal(t, byte(0x48), code[0])
	require.Equal(t, byte(0xb8), code[1])
	require.Equal(t, stub, binary.LittleEndian.Uint64(code[2:10]))
	require.Equal(t, byte(0xff), code[10])
	require.Equal(t, byte(0xd0), code[11])
	require.Equal(t, uint32(0x8000), ReadGIP(code, 0))
}
