package qspireg

import "testing"

func TestInstrFields(t *testing.T) {
	in := NewInstr(OpCmdDDR, Pad8, 0xA0)
	if in.Opcode() != OpCmdDDR {
		t.Error("bad opcode", in.Opcode())
	}
	if in.Pads() != Pad8 || in.Pads().Lines() != 8 {
		t.Error("bad pads", in.Pads())
	}
	if in.Operand() != 0xA0 {
		t.Error("bad operand", in.Operand())
	}
	if !in.Opcode().IsDDR() {
		t.Error("CMD_DDR must be DDR")
	}
	if OpCmd.IsDDR() {
		t.Error("CMD must not be DDR")
	}
}

func TestSeqWords(t *testing.T) {
	s := MakeSeq(
		NewInstr(OpCmd, Pad1, 0x03),
		NewInstr(OpAddr, Pad1, 24),
		NewInstr(OpRead, Pad1, 4),
	)
	w := s.Words()
	if w[0] != uint32(NewInstr(OpCmd, Pad1, 0x03))|uint32(NewInstr(OpAddr, Pad1, 24))<<16 {
		t.Errorf("bad first word %#x", w[0])
	}
	if w[2] != 0 || w[3] != 0 {
		t.Error("expected trailing STOP words", w)
	}
	got := SeqFromWords(w)
	if got != s {
		t.Error("sequence did not survive packing", got, s)
	}
	if s.Len() != 3 {
		t.Error("bad length", s.Len())
	}
	if !s.Valid() {
		t.Error("expected valid sequence")
	}
	if (Seq{}).Valid() {
		t.Error("empty sequence must be invalid")
	}
	const want = "CMD(x1, 0x3) ADDR(x1, 0x18) READ(x1, 0x4) STOP"
	if s.String() != want {
		t.Errorf("got %q want %q", s.String(), want)
	}
}

func TestFlagString(t *testing.T) {
	if s := (FlagTFF | FlagRBDF).String(); s != "TFF|RBDF" {
		t.Error("bad flag string", s)
	}
	if s := Flag(0).String(); s != "none" {
		t.Error("bad zero flag string", s)
	}
	if FlagErrors&(FlagTFF|FlagRBDF) != 0 {
		t.Error("transaction flags must not be errors")
	}
}

func TestLUTAddr(t *testing.T) {
	if LUTAddr(0, 0) != LUT0 {
		t.Error("bad base")
	}
	if LUTAddr(ScratchSeq, 3) != LUT0+(15*4+3)*4 {
		t.Errorf("bad scratch addr %#x", LUTAddr(ScratchSeq, 3))
	}
	if RegSpan != LUTAddr(LUTSeqCount-1, LUTSeqWords-1)+4 {
		t.Error("RegSpan does not cover LUT")
	}
}
