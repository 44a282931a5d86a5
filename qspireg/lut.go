package qspireg

import "strconv"

// Opcode is a LUT instruction opcode.
type Opcode uint8

const (
	OpStop      Opcode = 0
	OpCmd       Opcode = 1
	OpAddr      Opcode = 2
	OpDummy     Opcode = 3
	OpMode      Opcode = 4
	OpMode2     Opcode = 5
	OpMode4     Opcode = 6
	OpRead      Opcode = 7
	OpWrite     Opcode = 8
	OpJmpOnCS   Opcode = 9
	OpAddrDDR   Opcode = 10
	OpModeDDR   Opcode = 11
	OpMode2DDR  Opcode = 12
	OpMode4DDR  Opcode = 13
	OpReadDDR   Opcode = 14
	OpWriteDDR  Opcode = 15
	OpDataLearn Opcode = 16
	OpCmdDDR    Opcode = 17
	OpCAddr     Opcode = 18
	OpCAddrDDR  Opcode = 19
	opMax              = 20
)

func (op Opcode) String() (s string) {
	switch op {
	case OpStop:
		s = "STOP"
	case OpCmd:
		s = "CMD"
	case OpAddr:
		s = "ADDR"
	case OpDummy:
		s = "DUMMY"
	case OpMode:
		s = "MODE"
	case OpMode2:
		s = "MODE2"
	case OpMode4:
		s = "MODE4"
	case OpRead:
		s = "READ"
	case OpWrite:
		s = "WRITE"
	case OpJmpOnCS:
		s = "JMP_ON_CS"
	case OpAddrDDR:
		s = "ADDR_DDR"
	case OpModeDDR:
		s = "MODE_DDR"
	case OpMode2DDR:
		s = "MODE2_DDR"
	case OpMode4DDR:
		s = "MODE4_DDR"
	case OpReadDDR:
		s = "READ_DDR"
	case OpWriteDDR:
		s = "WRITE_DDR"
	case OpDataLearn:
		s = "DATA_LEARN"
	case OpCmdDDR:
		s = "CMD_DDR"
	case OpCAddr:
		s = "CADDR"
	case OpCAddrDDR:
		s = "CADDR_DDR"
	default:
		s = "OP(" + strconv.Itoa(int(op)) + ")"
	}
	return s
}

// Valid reports whether op is a known opcode.
func (op Opcode) Valid() bool { return op < opMax }

// IsDDR reports whether op transfers on both clock edges.
func (op Opcode) IsDDR() bool {
	switch op {
	case OpAddrDDR, OpModeDDR, OpMode2DDR, OpMode4DDR, OpReadDDR, OpWriteDDR, OpCmdDDR, OpCAddrDDR:
		return true
	}
	return false
}

// Pads is the number of data lines used by an instruction.
type Pads uint8

const (
	Pad1 Pads = 0
	Pad2 Pads = 1
	Pad4 Pads = 2
	Pad8 Pads = 3
)

// Lines returns the number of data lines.
func (p Pads) Lines() int { return 1 << (p & 3) }

// Instr is a 16 bit LUT instruction: opcode[15:10] pads[9:8] operand[7:0].
type Instr uint16

// NewInstr encodes an instruction.
func NewInstr(op Opcode, pads Pads, operand uint8) Instr {
	return Instr(uint16(op&0x3f)<<10 | uint16(pads&3)<<8 | uint16(operand))
}

func (i Instr) Opcode() Opcode { return Opcode(i >> 10) }
func (i Instr) Pads() Pads     { return Pads(i>>8) & 3 }
func (i Instr) Operand() uint8 { return uint8(i) }

func (i Instr) String() string {
	return i.Opcode().String() + "(x" + strconv.Itoa(i.Pads().Lines()) + ", 0x" + strconv.FormatUint(uint64(i.Operand()), 16) + ")"
}

// Seq is one LUT sequence: up to 8 instructions stored in 4 words.
// A sequence ends at the first STOP instruction.
type Seq [LUTSeqWords * 2]Instr

// Words packs the sequence into LUT register values. The first instruction of
// each pair occupies the low half-word.
func (s Seq) Words() (w [LUTSeqWords]uint32) {
	for i := range w {
		w[i] = uint32(s[2*i]) | uint32(s[2*i+1])<<16
	}
	return w
}

// SeqFromWords unpacks LUT register values into a sequence.
func SeqFromWords(w [LUTSeqWords]uint32) (s Seq) {
	for i, word := range w {
		s[2*i] = Instr(word)
		s[2*i+1] = Instr(word >> 16)
	}
	return s
}

// Len returns the number of instructions before the first STOP.
func (s Seq) Len() int {
	for i, in := range s {
		if in.Opcode() == OpStop {
			return i
		}
	}
	return len(s)
}

// Valid reports whether every instruction before STOP has a known opcode.
func (s Seq) Valid() bool {
	n := s.Len()
	if n == 0 {
		return false
	}
	for _, in := range s[:n] {
		if !in.Opcode().Valid() {
			return false
		}
	}
	return true
}

func (s Seq) String() (str string) {
	n := s.Len()
	for i, in := range s[:n] {
		if i > 0 {
			str += " "
		}
		str += in.String()
	}
	if n < len(s) {
		if n > 0 {
			str += " "
		}
		str += "STOP"
	}
	return str
}

// MakeSeq builds a sequence from instructions. Extra room is filled with STOP.
// Panics if more than 8 instructions are given.
func MakeSeq(instrs ...Instr) (s Seq) {
	if len(instrs) > len(s) {
		panic("qspireg: LUT sequence too long")
	}
	copy(s[:], instrs)
	return s
}
