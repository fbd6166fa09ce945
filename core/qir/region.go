package qir

import "github.com/elfrun/elfrun/common"

// Region is one compilation unit handed to QSel/RA/Emit: the translated
// QIR for one guest basic block, possibly split into several internal
// blocks by conditional-branch translation.
type Region struct {
	EntryIP common.GAddr
	Blocks  []*Block
}

// NewRegion creates an empty region rooted at entryIP.
func NewRegion(entryIP common.GAddr) *Region {
	return &Region{EntryIP: entryIP}
}

// NewBlock allocates and appends a fresh block to the region.
func (r *Region) NewBlock() *Block {
	b := &Block{ID: len(r.Blocks)}
	r.Blocks = append(r.Blocks, b)
	return b
}
