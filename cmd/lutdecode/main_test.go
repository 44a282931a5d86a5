package main

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/soypat/flsqspi/qspireg"
)

func TestDecodeSeq(t *testing.T) {
	seq := qspireg.MakeSeq(
		qspireg.NewInstr(qspireg.OpCmd, qspireg.Pad1, 0x6B),
		qspireg.NewInstr(qspireg.OpAddr, qspireg.Pad1, 24),
		qspireg.NewInstr(qspireg.OpDummy, qspireg.Pad4, 8),
		qspireg.NewInstr(qspireg.OpRead, qspireg.Pad4, 4),
	)
	w := seq.Words()
	var buf bytes.Buffer
	err := decodeSeq(&buf, []string{fmt.Sprintf("0x%x", w[0]), fmt.Sprintf("%X", w[1])})
	if err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 5 {
		t.Fatalf("expected 4 instructions and a summary, got:\n%s", out)
	}
	if !strings.HasPrefix(lines[2], "2: DUMMY") || !strings.Contains(lines[2], "pads=x4") {
		t.Error("bad dummy line", lines[2])
	}
	if !strings.Contains(lines[4], "len=4") || !strings.Contains(lines[4], "valid=true") {
		t.Error("bad summary", lines[4])
	}

	if err := decodeSeq(&buf, []string{"1", "2", "3", "4", "5"}); err == nil {
		t.Error("expected error for 5 words")
	}
	if err := decodeSeq(&buf, []string{"zz"}); err == nil {
		t.Error("expected parse error")
	}
}

func TestDecodeFlags(t *testing.T) {
	var buf bytes.Buffer
	v := qspireg.FlagTFF | qspireg.FlagIPAEF
	if err := decodeFlags(&buf, []string{fmt.Sprintf("%#x", uint32(v))}); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), "flags=TFF|IPAEF  errors=IPAEF") {
		t.Error("unexpected output", buf.String())
	}
}
