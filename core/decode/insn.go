// Package decode implements the rv32i+a instruction decoder: a pure function from a 32-bit word to an instruction variant, plus
// the region analyser that walks a guest IP range classifying branches for
// the module-graph and QIR builders.
package decode

// Op identifies a decoded instruction's operation. Op is the result of a
// pure table lookup over opcode/funct3/funct7 bits; unknown encodings
// decode to Ill.
type Op uint8

const (
	Ill Op = iota
	Lui
	Auipc
	Jal
	Jalr
	Beq
	Bne
	Blt
	Bge
	Bltu
	Bgeu
	Lb
	Lh
	Lw
	Lbu
	Lhu
	Sb
	Sh
	Sw
	Addi
	Slti
	Sltiu
	Xori
	Ori
	Andi
	Slli
	Srli
	Srai
	Add
	Sub
	Sll
	Slt
	Sltu
	Xor
	Srl
	Sra
	Or
	And
	Ecall
	Ebreak
	Fence
	FenceI
	// Atomics (rv32a), all word-width: decoded from the AMO major
	// opcode's funct5 field.
	LrW
	ScW
	AmoswapW
	AmoaddW
	AmoxorW
	AmoandW
	AmoorW
	AmominW
	AmomaxW
	AmominuW
	AmomaxuW
)

var opNames = [...]string{
	Ill: "ill", Lui: "lui", Auipc: "auipc", Jal: "jal", Jalr: "jalr",
	Beq: "beq", Bne: "bne", Blt: "blt", Bge: "bge", Bltu: "bltu", Bgeu: "bgeu",
	Lb: "lb", Lh: "lh", Lw: "lw", Lbu: "lbu", Lhu: "lhu",
	Sb: "sb", Sh: "sh", Sw: "sw",
	Addi: "addi", Slti: "slti", Sltiu: "sltiu", Xori: "xori", Ori: "ori", Andi: "andi",
	Slli: "slli", Srli: "srli", Srai: "srai",
	Add: "add", Sub: "sub", Sll: "sll", Slt: "slt", Sltu: "sltu", Xor: "xor",
	Srl: "srl", Sra: "sra", Or: "or", And: "and",
	Ecall: "ecall", Ebreak: "ebreak",
	Fence: "fence", FenceI: "fence.i",
	LrW: "lr.w", ScW: "sc.w", AmoswapW: "amoswap.w", AmoaddW: "amoadd.w",
	AmoxorW: "amoxor.w", AmoandW: "amoand.w", AmoorW: "amoor.w",
	AmominW: "amomin.w", AmomaxW: "amomax.w", AmominuW: "amominu.w", AmomaxuW: "amomaxu.w",
}

func (o Op) String() string {
	if int(o) < len(opNames) && opNames[o] != "" {
		return opNames[o]
	}
	return "ill"
}

// Flag marks behavioral properties of an opcode that the translator needs
// in order to decide when to spill the guest IP and when a block ends.
type Flag uint32

const (
	FlagNone    Flag = 0
	FlagBranch  Flag = 1 << 1 // changes control flow; terminates a translation block
	FlagMayTrap Flag = 1 << 2 // memory access or environment call; guest IP must be live on entry
	FlagHasRd   Flag = 1 << 3 // writes an integer destination register
)

var opFlags = [...]Flag{
	// Ill/Ecall/Ebreak all hand control back to the runtime rather than
	// falling through to the next instruction, so they terminate a
	// translation block exactly as a taken branch does (FlagBranch's
	// contract above, "terminates a translation block").
	Ill:    FlagMayTrap | FlagBranch,
	Lui:    FlagHasRd,
	Auipc:  FlagHasRd,
	Jal:    FlagHasRd | FlagBranch,
	Jalr:   FlagHasRd | FlagBranch,
	Beq:    FlagBranch,
	Bne:    FlagBranch,
	Blt:    FlagBranch,
	Bge:    FlagBranch,
	Bltu:   FlagBranch,
	Bgeu:   FlagBranch,
	Lb:     FlagHasRd | FlagMayTrap,
	Lh:     FlagHasRd | FlagMayTrap,
	Lw:     FlagHasRd | FlagMayTrap,
	Lbu:    FlagHasRd | FlagMayTrap,
	Lhu:    FlagHasRd | FlagMayTrap,
	Sb:     FlagMayTrap,
	Sh:     FlagMayTrap,
	Sw:     FlagMayTrap,
	Addi:   FlagHasRd,
	Slti:   FlagHasRd,
	Sltiu:  FlagHasRd,
	Xori:   FlagHasRd,
	Ori:    FlagHasRd,
	Andi:   FlagHasRd,
	Slli:   FlagHasRd,
	Srli:   FlagHasRd,
	Srai:   FlagHasRd,
	Add:    FlagHasRd,
	Sub:    FlagHasRd,
	Sll:    FlagHasRd,
	Slt:    FlagHasRd,
	Sltu:   FlagHasRd,
	Xor:    FlagHasRd,
	Srl:    FlagHasRd,
	Sra:    FlagHasRd,
	Or:     FlagHasRd,
	And:    FlagHasRd,
	Ecall:  FlagMayTrap | FlagBranch,
	Ebreak: FlagMayTrap | FlagBranch,
	// fence/fence.i compile to a no-op with a side-effect marker, not a
	// trap: the guest is single-threaded on a single host
	// thread, so there is no weaker ordering to repair, but the
	// instruction still must not be folded away as dead code.
	Fence:  FlagMayTrap,
	FenceI: FlagMayTrap,
	// LR/SC/AMO compile to helper calls executing on the linear mapping
	// with host atomics; LrW/the AMOs write Rd, ScW writes
	// Rd (0 on success) too.
	LrW:      FlagHasRd | FlagMayTrap,
	ScW:      FlagHasRd | FlagMayTrap,
	AmoswapW: FlagHasRd | FlagMayTrap,
	AmoaddW:  FlagHasRd | FlagMayTrap,
	AmoxorW:  FlagHasRd | FlagMayTrap,
	AmoandW:  FlagHasRd | FlagMayTrap,
	AmoorW:   FlagHasRd | FlagMayTrap,
	AmominW:  FlagHasRd | FlagMayTrap,
	AmomaxW:  FlagHasRd | FlagMayTrap,
	AmominuW: FlagHasRd | FlagMayTrap,
	AmomaxuW: FlagHasRd | FlagMayTrap,
}

// IsAtomic reports whether o is one of the rv32a LR/SC/AMO instructions.
func (o Op) IsAtomic() bool {
	return o >= LrW && o <= AmomaxuW
}

// Flags reports op's behavioral flags.
func (o Op) Flags() Flag {
	if int(o) < len(opFlags) {
		return opFlags[o]
	}
	return FlagNone
}

// IsBranch reports whether op ends a translation block.
func (o Op) IsBranch() bool { return o.Flags()&FlagBranch != 0 }

// Insn is a fully decoded rv32i instruction. Only the fields relevant to
// op's format are meaningful; the rest are zero.
type Insn struct {
	Op  Op
	Raw uint32

	Rd, Rs1, Rs2 uint8
	Imm          int32
}
