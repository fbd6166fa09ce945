package qir

// Block is a straight-line sequence of QIR instructions ending in exactly
// one terminator.
// Preds/Succs are derived from the terminator rather than tracked
// separately, since QIR blocks are built once and never restructured
// after the translator finishes a region).
type Block struct {
	ID    int
	Insns []*Inst
	Term  *Inst
}

// Append adds a non-terminator instruction to the block. Panics if the
// block is already terminated, since QIR blocks are append-only during
// construction.
func (b *Block) Append(i *Inst) {
	if b.Term != nil {
		panic("qir: append to a terminated block")
	}
	b.Insns = append(b.Insns, i)
}

// Terminate sets the block's terminator. A block may be terminated only
// once.
func (b *Block) Terminate(i *Inst) {
	if b.Term != nil {
		panic("qir: block already terminated")
	}
	if !i.IsTerminator() {
		panic("qir: Terminate called with a non-terminator instruction")
	}
	b.Term = i
}

// Succs returns the block's successor blocks in a fixed order (taken
// first for BrCC), derived from the terminator. Returns nil for gbr/
// gbrind/unterminated blocks: those never jump to another block in the
// same region.
func (b *Block) Succs() []*Block {
	if b.Term == nil {
		return nil
	}
	switch b.Term.Op {
	case OpBr:
		return []*Block{b.Term.TrueBlock}
	case OpBrCC:
		return []*Block{b.Term.TrueBlock, b.Term.FalseBlock}
	default:
		return nil
	}
}
