package qir

import "fmt"

// Disassemble returns a human-readable listing of region, one line per
// instruction in block order. It renders a region at any stage; its one
// caller, `elfrun --debug-qir`, dumps the region as the translator
// produced it, before QSel/RA.
func Disassemble(region *Region) string {
	out := ""
	for _, b := range region.Blocks {
		out += fmt.Sprintf("bb%d:\n", b.ID)
		for _, inst := range b.Insns {
			out += fmt.Sprintf("  %s\n", inst)
		}
		if b.Term != nil {
			out += fmt.Sprintf("  %s\n", b.Term)
		}
	}
	return out
}
