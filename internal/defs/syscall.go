package defs

// Cmd_t is the 32-bit syscall command word (§6): low bits select the
// syscall type, the next bits select the memory operation, then
// flags, then the two nominal permission bits. All fields are
// co-located so that the permission bits can be masked directly out
// of the command word, as the teacher's own PTE_P/PTE_W/PTE_U bit
// layout in mem/mem.go co-locates hardware and nominal bits in one
// cell.
type Cmd_t uint32

// Syscall type, packed in the low 3 bits.
const (
	TCPUTS Cmd_t = iota
	TPUT
	TGET
	TRET
	typeMask = 0x7
)

// Memory operation, packed in bits [3:5). MERGE is only legal on GET.
const (
	MNone Cmd_t = iota << 3
	MCopy
	MZero
	MMerge
	memOpMask = 0x3 << 3
)

// Flags, packed starting at bit 5.
const (
	FRegs  Cmd_t = 1 << 5 /// copy/install register state
	FPerm  Cmd_t = 1 << 6 /// apply nominal permission bits
	FSnap  Cmd_t = 1 << 7 /// (PUT only) snapshot child's pdir into rpdir
	FStart Cmd_t = 1 << 8 /// (PUT only) enqueue child as READY when done
)

// Nominal permission bits, co-located so they mask directly out of
// the command word (§6).
const (
	SysRead  Cmd_t = 1 << 9
	SysWrite Cmd_t = 1 << 10
)

// Type extracts the syscall type from a command word.
func (c Cmd_t) Type() Cmd_t { return c & typeMask }

// MemOp extracts the memory operation from a command word.
func (c Cmd_t) MemOp() Cmd_t { return c & memOpMask }

// Has reports whether every bit in flag is set in c.
func (c Cmd_t) Has(flag Cmd_t) bool { return c&flag == flag }

// Perm extracts the nominal SysRead/SysWrite bits from c.
func (c Cmd_t) Perm() Cmd_t { return c & (SysRead | SysWrite) }
