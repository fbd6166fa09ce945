package exec

import (
	"unsafe"

	"github.com/elfrun/elfrun/common"
	"github.com/elfrun/elfrun/core/arena"
	"github.com/elfrun/elfrun/core/emit"
	"github.com/elfrun/elfrun/core/qsel"
	"github.com/elfrun/elfrun/core/ra"
	"github.com/elfrun/elfrun/core/stats"
	"github.com/elfrun/elfrun/core/tcache"
	"github.com/elfrun/elfrun/core/xlate"
)

// codeAlign is the byte alignment Compile reserves each translated
// block's machine code at. x86-64 has no hard alignment requirement for
// jump targets, but aligning to a cache-line-friendly boundary keeps a
// hot loop's entry off a line shared with the previous block's tail.
const codeAlign = 16

// reader returns a decode.Reader backed by as's guest linear mapping:
// every instruction fetch during translation goes
// through G2H exactly like every vmload/vmstore the translated code itself
// performs.
func reader(as *arena.AddrSpace) func(common.GAddr) uint32 {
	return func(ip common.GAddr) uint32 {
		return *(*uint32)(as.G2H(ip))
	}
}

// Compile runs the full xlate -> qsel -> ra -> emit pipeline for one
// region starting at ip and publishes the result into tc. boundary is the IP the
// translator must not read at or past: lookupOrCompile passes the end of
// ip's page, or tc.LookupUpperBound(ip)'s IP when that comes first.
//
// The pipeline copies the encoded bytes into the code arena first and
// patches branch slots at their final address after, so every slot's
// embedded displacement is computed against where the code actually
// runs.
func Compile(tc *tcache.TCache, as *arena.AddrSpace, ip, boundary common.GAddr, zeroMMUBase bool) (*tcache.TBlock, error) {
	var tb *tcache.TBlock
	err := tc.FlushAndRetry(func() error {
		var err error
		tb, err = compileOnce(tc, as, ip, boundary, zeroMMUBase)
		return err
	})
	return tb, err
}

func compileOnce(tc *tcache.TCache, as *arena.AddrSpace, ip, boundary common.GAddr, zeroMMUBase bool) (*tcache.TBlock, error) {
	result := xlate.Translate(ip, boundary, reader(as))
	qsel.Run(result.Region)
	ra.Allocate(result.Region, result.LiveIn, result.LiveOut)
	enc := emit.Encode(result.Region, zeroMMUBase)

	tb, err := tc.AllocTBlock()
	if err != nil {
		return nil, err
	}
	code, codeAddr, err := tc.AllocateCode(len(enc.Code), codeAlign)
	if err != nil {
		return nil, err
	}
	copy(code, enc.Code)

	for _, site := range enc.BranchSlots {
		emit.WriteUnlinkedSlot(code, site.Offset, uint64(escapeLinkAddr()), uint32(site.GIP))
	}

	tb.IP = ip
	tb.TCode = tcache.TCode{Ptr: codeAddr, Size: len(code)}
	stats.Global.IncRegionsCompiled()
	return tc.Insert(tb), nil
}

// codeSlice reconstructs the []byte view over a published TBlock's code,
// for Link to patch in place. Safe because codePool's backing memory
// outlives every TBlock built from it until the next InvalidateAll, and
// tb.TCode.{Ptr,Size} are exactly the bounds tc.AllocateCode returned when
// the block was compiled.
func codeSlice(tb *tcache.TBlock) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(tb.TCode.Ptr)), tb.TCode.Size)
}
