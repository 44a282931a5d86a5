package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/soypat/flsqspi/nor"
)

func TestCommandFromBytes(t *testing.T) {
	bus := BusCtl{AddrBytes: 3}
	cmd, data := bus.CommandFromBytes([]byte{nor.CmdPageProgram, 0x01, 0x02, 0x03, 0xAA, 0xBB}, make([]byte, 6))
	if cmd.Op != nor.CmdPageProgram || !cmd.HasAddr || cmd.Addr != 0x010203 || !cmd.Write {
		t.Errorf("bad page program decode %+v", cmd)
	}
	if !bytes.Equal(data, []byte{0xAA, 0xBB}) {
		t.Error("bad page program data", data)
	}

	cmd, data = bus.CommandFromBytes([]byte{nor.CmdFastRead, 0, 0x10, 0, 0, 0, 0}, []byte{0, 0, 0, 0, 0, 0x5A, 0xA5})
	if cmd.Addr != 0x1000 || cmd.Write {
		t.Errorf("bad fast read decode %+v", cmd)
	}
	if !bytes.Equal(data, []byte{0x5A, 0xA5}) {
		t.Error("fast read dummy byte not skipped", data)
	}

	cmd, data = bus.CommandFromBytes([]byte{nor.CmdReadStatus, 0}, []byte{0, 0x03})
	if cmd.HasAddr || !bytes.Equal(data, []byte{0x03}) {
		t.Errorf("bad status decode %+v % x", cmd, data)
	}

	bus.AddrBytes = 4
	cmd, _ = bus.CommandFromBytes([]byte{nor.CmdSectorErase, 0x01, 0x00, 0x20, 0x00}, nil)
	if cmd.Addr != 0x01002000 {
		t.Errorf("bad 4 byte address %#x", cmd.Addr)
	}
}

func TestCollapse(t *testing.T) {
	bus := BusCtl{AddrBytes: 3}
	busy := rawtx{sdo: []byte{nor.CmdReadStatus, 0}, sdi: []byte{0, 0x03}}
	idle := rawtx{sdo: []byte{nor.CmdReadStatus, 0}, sdi: []byte{0, 0x00}}
	wren := rawtx{sdo: []byte{nor.CmdWriteEnable}}
	erase := rawtx{sdo: []byte{nor.CmdSectorErase, 0, 0x10, 0}}
	txs := []rawtx{wren, erase, busy, busy, busy, idle}
	got := bus.collapse(txs)
	if len(got) != 4 {
		t.Fatalf("expected 4 entries, got %d: %+v", len(got), got)
	}
	if got[2].Num != 3 || got[3].Num != 1 {
		t.Errorf("bad collapse counts %d %d", got[2].Num, got[3].Num)
	}

	var buf bytes.Buffer
	for _, action := range got {
		if err := bus.print(&buf, action); err != nil {
			t.Fatal(err)
		}
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatal("unexpected output", buf.String())
	}
	if !strings.Contains(lines[1], "SE") || !strings.Contains(lines[1], "addr=0x001000") {
		t.Error("unexpected erase line", lines[1])
	}
	if !strings.Contains(lines[2], "cmd× 3 RDSR") || !strings.HasSuffix(lines[2], "data=0x03") {
		t.Error("unexpected status line", lines[2])
	}
}
