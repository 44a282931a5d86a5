package flsqspi

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/soypat/flsqspi/nor"
	"github.com/soypat/flsqspi/qspireg"
	"github.com/soypat/flsqspi/sim"
)

const testChipSize = 64 << 10

// norConfig is DefaultNORConfig shrunk to a 64KB chip.
func norConfig() Config {
	cfg := DefaultNORConfig()
	cfg.Units[0].ChipSize = [4]uint32{testChipSize}
	return cfg
}

func hyperConfig() Config {
	cfg := DefaultHyperflashConfig()
	cfg.Units[0].ChipSize = [4]uint32{1 << 20}
	return cfg
}

func newNORDevice(t *testing.T, cfg Config) (*Device, *sim.Controller, *sim.NORChip) {
	t.Helper()
	ctrl := sim.NewController(defaultRegBase, defaultMemBase)
	chip := sim.NewNORChip(testChipSize, 256, 4096)
	ctrl.Attach(sim.SlotA1, chip)
	d := New(sim.NewBus(ctrl))
	if err := d.Init(cfg); err != nil {
		t.Fatal(err)
	}
	return d, ctrl, chip
}

func newHyperDevice(t *testing.T, cfg Config) (*Device, *sim.Controller, *sim.HyperChip) {
	t.Helper()
	ctrl := sim.NewController(defaultRegBase, defaultMemBase)
	chip := sim.NewHyperChip(1<<20, 256<<10)
	ctrl.Attach(sim.SlotA1, chip)
	d := New(sim.NewBus(ctrl))
	if err := d.Init(cfg); err != nil {
		t.Fatal(err)
	}
	return d, ctrl, chip
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)*7 + seed
	}
	return b
}

// runAsync ticks MainFunction until the job leaves ResultPending and
// returns the number of ticks.
func runAsync(t *testing.T, d *Device) (JobResult, int) {
	t.Helper()
	for i := 1; i < 100_000; i++ {
		if r := d.MainFunction(); r != ResultPending {
			return r, i
		}
	}
	t.Fatal("async job never completed")
	return ResultPending, 0
}

func TestInitProgramsController(t *testing.T) {
	cfg := norConfig()
	d, ctrl, _ := newNORDevice(t, cfg)
	for id, seq := range cfg.Units[0].LUT {
		if got := ctrl.LUT(id); got != seq {
			t.Errorf("LUT %d: got %s want %s", id, got, seq)
		}
	}
	if d.Size() != 16*4096 {
		t.Error("bad size", d.Size())
	}
	if d.SectorCount() != 16 || d.SectorStart(3) != 3*4096 || d.SectorSize(3) != 4096 {
		t.Error("bad sector layout")
	}
	mcr := ctrl.Read32(defaultRegBase + qspireg.MCR)
	if mcr&qspireg.MCR_MDIS != 0 {
		t.Error("module left disabled")
	}
	if ctrl.Enabled() != 0 {
		t.Error("interrupts enabled after init", ctrl.Enabled())
	}
	if d.JobResult() != ResultOK || d.Busy() {
		t.Error("fresh device must be idle with ResultOK")
	}
}

func TestSectorOf(t *testing.T) {
	d, _, _ := newNORDevice(t, norConfig())
	for _, test := range []struct {
		addr uint32
		want int
		ok   bool
	}{
		{0, 0, true},
		{4095, 0, true},
		{4096, 1, true},
		{16*4096 - 1, 15, true},
		{16 * 4096, 0, false},
	} {
		got, ok := d.SectorOf(test.addr)
		if ok != test.ok || (ok && got != test.want) {
			t.Errorf("SectorOf(%#x)=%d,%v want %d,%v", test.addr, got, ok, test.want, test.ok)
		}
	}
}

func TestSyncEraseWaitsForChip(t *testing.T) {
	d, _, chip := newNORDevice(t, norConfig())
	for i := 0; i < 2*4096; i++ {
		chip.Mem[i] = 0
	}
	chip.BusyPolls = 3
	err := d.Erase(0, 4096, ModeSync)
	if err != nil {
		t.Fatal(err)
	}
	if d.JobResult() != ResultOK {
		t.Error("expected ResultOK, got", d.JobResult())
	}
	if len(chip.Erases) != 1 || chip.Erases[0] != (sim.Op{Addr: 0, Len: 4096}) {
		t.Error("unexpected erases", chip.Erases)
	}
	// One read to confirm write enable, three busy polls and the idle one.
	if chip.StatusReads != 5 {
		t.Error("expected 5 status reads, got", chip.StatusReads)
	}
	for i := 0; i < 4096; i++ {
		if chip.Mem[i] != nor.Erased {
			t.Fatalf("byte %d not erased", i)
		}
	}
	if chip.Mem[4096] != 0 {
		t.Error("erase overflowed into next sector")
	}
}

func TestSyncEraseMultipleSectors(t *testing.T) {
	d, _, chip := newNORDevice(t, norConfig())
	err := d.Erase(4096, 3*4096, ModeSync)
	if err != nil {
		t.Fatal(err)
	}
	want := []sim.Op{{Addr: 4096, Len: 4096}, {Addr: 2 * 4096, Len: 4096}, {Addr: 3 * 4096, Len: 4096}}
	if len(chip.Erases) != len(want) {
		t.Fatal("unexpected erases", chip.Erases)
	}
	for i := range want {
		if chip.Erases[i] != want[i] {
			t.Errorf("erase %d: got %v want %v", i, chip.Erases[i], want[i])
		}
	}
}

func TestSyncEraseTimeout(t *testing.T) {
	cfg := norConfig()
	cfg.Timeouts.SyncErase = 5
	d, _, chip := newNORDevice(t, cfg)
	chip.StuckBusy = true
	err := d.Erase(0, 4096, ModeSync)
	if !errors.Is(err, ErrHardwareTimeout) {
		t.Fatal("expected hardware timeout, got", err)
	}
	if d.JobResult() != ResultFailed || !errors.Is(d.Err(), ErrHardwareTimeout) {
		t.Error("job result not latched", d.JobResult(), d.Err())
	}
	// A budget of 5 permits exactly 5 busy observations.
	if chip.StatusReads != 1+5 {
		t.Error("expected 6 status reads, got", chip.StatusReads)
	}
	if d.Busy() {
		t.Error("failed job still in flight")
	}
}

func TestControllerStuckBusy(t *testing.T) {
	cfg := norConfig()
	cfg.Timeouts.SyncRead = 7
	d, ctrl, _ := newNORDevice(t, cfg)
	ctrl.StuckBusy = true
	var buf [16]byte
	err := d.Read(0, buf[:], ModeSync)
	if !errors.Is(err, ErrHardwareTimeout) {
		t.Fatal("expected hardware timeout, got", err)
	}
}

func TestWriteEnableNeverLatches(t *testing.T) {
	cfg := norConfig()
	// Wait for WEL cleared instead of set so the latch never reads as set.
	cfg.Units[0].WELBitValue = 0
	cfg.Timeouts.WriteEnable = 4
	d, _, chip := newNORDevice(t, cfg)
	err := d.Erase(0, 4096, ModeSync)
	if !errors.Is(err, ErrHardwareTimeout) || !errors.Is(err, errWEL) {
		t.Fatal("expected write enable timeout, got", err)
	}
	if len(chip.Erases) != 0 {
		t.Error("erase issued without write enable")
	}
	if chip.StatusReads != 4 {
		t.Error("expected 4 write enable attempts, got", chip.StatusReads)
	}
}

func TestAsyncWriteChunks(t *testing.T) {
	d, _, chip := newNORDevice(t, norConfig())
	data := pattern(300, 1)
	if err := d.Write(0, data, ModeAsync); err != nil {
		t.Fatal(err)
	}
	if d.JobResult() != ResultPending || !d.Busy() {
		t.Fatal("async job must be pending after admission")
	}
	want := []JobResult{ResultPending, ResultPending, ResultOK}
	for i, w := range want {
		if got := d.MainFunction(); got != w {
			t.Fatalf("tick %d: got %s want %s", i, got, w)
		}
	}
	wantOps := []sim.Op{{Addr: 0, Len: 128}, {Addr: 128, Len: 128}, {Addr: 256, Len: 44}}
	if len(chip.Programs) != len(wantOps) {
		t.Fatal("unexpected programs", chip.Programs)
	}
	for i := range wantOps {
		if chip.Programs[i] != wantOps[i] {
			t.Errorf("program %d: got %v want %v", i, chip.Programs[i], wantOps[i])
		}
	}
	if !bytes.Equal(chip.Mem[:300], data) {
		t.Error("memory does not hold written data")
	}
	if d.MainFunction() != ResultOK {
		t.Error("MainFunction must keep reporting the last result")
	}
}

func TestAsyncEraseVerifyBatches(t *testing.T) {
	cfg := norConfig()
	cfg.EraseVerify = true
	cfg.MaxEraseBlankCheck = 256
	d, _, _ := newNORDevice(t, cfg)
	if err := d.Erase(0, 4096, ModeAsync); err != nil {
		t.Fatal(err)
	}
	r, ticks := runAsync(t, d)
	if r != ResultOK {
		t.Fatal("erase failed", d.Err())
	}
	// One idle poll then 4096/256 blank check batches.
	if ticks != 1+16 {
		t.Error("expected 17 ticks, got", ticks)
	}
}

func TestAsyncEraseTimeout(t *testing.T) {
	cfg := norConfig()
	cfg.Timeouts.AsyncErase = 3
	d, _, chip := newNORDevice(t, cfg)
	chip.StuckBusy = true
	if err := d.Erase(0, 4096, ModeAsync); err != nil {
		t.Fatal(err)
	}
	r, ticks := runAsync(t, d)
	if r != ResultFailed || ticks != 3 {
		t.Errorf("got %s after %d ticks, want failed after 3", r, ticks)
	}
	if !errors.Is(d.Err(), ErrHardwareTimeout) {
		t.Error("expected hardware timeout, got", d.Err())
	}
}

func TestAsyncEraseControllerBusy(t *testing.T) {
	d, ctrl, chip := newNORDevice(t, norConfig())
	ctrl.BusyPolls = 3
	if err := d.Erase(0, 4096, ModeAsync); err != nil {
		t.Fatal(err)
	}
	// Admission only confirmed the write enable latch.
	if chip.StatusReads != 1 {
		t.Fatal("expected 1 status read after admission, got", chip.StatusReads)
	}
	for i := 0; i < 3; i++ {
		if r := d.MainFunction(); r != ResultPending {
			t.Fatalf("tick %d: got %s while controller busy", i, r)
		}
		if chip.StatusReads != 1 {
			t.Fatalf("tick %d: chip polled while controller busy", i)
		}
	}
	if r := d.MainFunction(); r != ResultOK {
		t.Fatal("expected erase done on fourth tick, got", r, d.Err())
	}
	if chip.StatusReads != 2 || len(chip.Erases) != 1 {
		t.Error("unexpected chip activity", chip.StatusReads, chip.Erases)
	}

	cfg := norConfig()
	cfg.Timeouts.AsyncErase = 2
	d, ctrl, _ = newNORDevice(t, cfg)
	if err := d.Erase(0, 4096, ModeAsync); err != nil {
		t.Fatal(err)
	}
	ctrl.StuckBusy = true
	r, ticks := runAsync(t, d)
	if r != ResultFailed || ticks != 2 || !errors.Is(d.Err(), ErrHardwareTimeout) {
		t.Errorf("got %s after %d ticks (%v), want hardware timeout after 2", r, ticks, d.Err())
	}
}

func TestWriteChunkBoundaries(t *testing.T) {
	d, _, chip := newNORDevice(t, norConfig())
	data := pattern(1000, 3)
	const addr = 100
	if err := d.Write(addr, data, ModeSync); err != nil {
		t.Fatal(err)
	}
	total := 0
	for _, op := range chip.Programs {
		total += op.Len
		if op.Len > qspireg.TxBufSize {
			t.Error("program exceeds TX buffer", op)
		}
	}
	if total != len(data) {
		t.Errorf("programmed %d bytes, want %d", total, len(data))
	}
	if chip.PageCrossings != 0 {
		t.Error("programs crossed a page", chip.PageCrossings)
	}
	if !bytes.Equal(chip.Mem[addr:addr+len(data)], data) {
		t.Error("memory mismatch")
	}
}

func TestWriteUnalignedEdges(t *testing.T) {
	d, _, chip := newNORDevice(t, norConfig())
	data := pattern(10, 9)
	if err := d.Write(3, data, ModeSync); err != nil {
		t.Fatal(err)
	}
	want := []sim.Op{{Addr: 3, Len: 1}, {Addr: 4, Len: 8}, {Addr: 12, Len: 1}}
	if len(chip.Programs) != len(want) {
		t.Fatal("unexpected programs", chip.Programs)
	}
	for i := range want {
		if chip.Programs[i] != want[i] {
			t.Errorf("program %d: got %v want %v", i, chip.Programs[i], want[i])
		}
	}
	if !bytes.Equal(chip.Mem[3:13], data) {
		t.Error("memory mismatch")
	}
}

func TestWriteCrossesSector(t *testing.T) {
	cfg := norConfig()
	cfg.WriteVerify = true
	d, _, chip := newNORDevice(t, cfg)
	data := pattern(512, 5)
	addr := uint32(4096 - 200)
	if err := d.Write(addr, data, ModeSync); err != nil {
		t.Fatal(err)
	}
	for _, op := range chip.Programs {
		if op.Addr < 4096 && op.Addr+uint32(op.Len) > 4096 {
			t.Error("program crossed sector boundary", op)
		}
	}
	if !bytes.Equal(chip.Mem[addr:addr+512], data) {
		t.Error("memory mismatch")
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	for _, mode := range []Mode{ModeSync, ModeAsync} {
		t.Run(mode.String(), func(t *testing.T) {
			cfg := norConfig()
			cfg.WriteVerify = true
			d, _, _ := newNORDevice(t, cfg)
			data := pattern(777, 11)
			addr := uint32(5000)
			err := d.Write(addr, data, mode)
			if err == nil && mode == ModeAsync {
				if r, _ := runAsync(t, d); r != ResultOK {
					err = d.Err()
				}
			}
			if err != nil {
				t.Fatal(err)
			}
			got := make([]byte, len(data))
			err = d.Read(addr, got, mode)
			if err == nil && mode == ModeAsync {
				if r, _ := runAsync(t, d); r != ResultOK {
					err = d.Err()
				}
			}
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, data) {
				t.Error("read back mismatch")
			}
		})
	}
}

func TestCompareAndBlankCheck(t *testing.T) {
	d, _, _ := newNORDevice(t, norConfig())
	data := pattern(200, 2)
	if err := d.Write(0, data, ModeSync); err != nil {
		t.Fatal(err)
	}
	if err := d.Compare(0, data, ModeSync); err != nil {
		t.Error("compare of written data failed:", err)
	}
	bad := bytes.Clone(data)
	bad[150] ^= 0x10
	err := d.Compare(0, bad, ModeSync)
	if !errors.Is(err, ErrBlockInconsistent) || d.JobResult() != ResultBlockInconsistent {
		t.Error("expected block inconsistent, got", err, d.JobResult())
	}
	err = d.BlankCheck(0, 4096, ModeSync)
	if !errors.Is(err, ErrBlockInconsistent) {
		t.Error("blank check of programmed memory passed")
	}
	if err := d.BlankCheck(4096, 4096, ModeSync); err != nil {
		t.Error("blank check of erased memory failed:", err)
	}
	// Erase is idempotent.
	for i := 0; i < 2; i++ {
		if err := d.Erase(0, 4096, ModeSync); err != nil {
			t.Fatal(err)
		}
		if err := d.BlankCheck(0, 4096, ModeSync); err != nil {
			t.Errorf("blank check after erase %d failed: %v", i, err)
		}
	}
}

func TestWriteBlankCheck(t *testing.T) {
	cfg := norConfig()
	cfg.WriteBlankCheck = true
	d, _, chip := newNORDevice(t, cfg)
	chip.Mem[40] = 0
	err := d.Write(0, pattern(64, 0), ModeSync)
	if !errors.Is(err, ErrBlockInconsistent) {
		t.Fatal("expected block inconsistent, got", err)
	}
	if len(chip.Programs) != 0 {
		t.Error("programmed over non erased memory")
	}
}

func TestWriteVerifyDetectsFailedProgram(t *testing.T) {
	cfg := norConfig()
	cfg.WriteVerify = true
	d, _, chip := newNORDevice(t, cfg)
	// Programming can only clear bits, so a zeroed byte fails the verify.
	chip.Mem[10] = 0
	err := d.Write(0, pattern(32, 0xF0), ModeSync)
	if !errors.Is(err, ErrBlockInconsistent) {
		t.Fatal("expected block inconsistent, got", err)
	}
}

func TestAHBReadInvalidatesStaleBuffer(t *testing.T) {
	cfg := norConfig()
	cfg.Units[0].ReadMode = ReadAHB
	var cleared int
	cfg.Callouts.CacheClear = func(addr, length uint32) { cleared++ }
	d, ctrl, _ := newNORDevice(t, cfg)
	var before [16]byte
	if err := d.Read(0, before[:], ModeSync); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before[:], bytes.Repeat([]byte{nor.Erased}, len(before))) {
		t.Fatal("fresh memory not erased", before)
	}
	data := pattern(16, 4)
	if err := d.Write(0, data, ModeSync); err != nil {
		t.Fatal(err)
	}
	fetches := ctrl.AHBFetches
	var after [16]byte
	if err := d.Read(0, after[:], ModeSync); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(after[:], data) {
		t.Error("read returned stale AHB data", after)
	}
	if ctrl.AHBFetches == fetches {
		t.Error("expected a fresh AHB fetch")
	}
	if ctrl.Invalidations < 2 || cleared < 2 {
		t.Error("expected invalidation before every read job", ctrl.Invalidations, cleared)
	}
}

func TestAHBReadInvalidatesEveryUnit(t *testing.T) {
	cfg := norConfig()
	cfg.Units[0].ReadMode = ReadAHB
	second := cfg.Units[0]
	second.RegBase = defaultRegBase + 0x1000
	second.MemBase = defaultMemBase + 256<<20
	cfg.Units = append(cfg.Units, second)
	cfg.Sectors = append(UniformSectors(0, ChannelA1, 0, 4096, 256, 1), UniformSectors(1, ChannelA1, 0, 4096, 256, 1)...)
	ctrl0 := sim.NewController(cfg.Units[0].RegBase, cfg.Units[0].MemBase)
	ctrl1 := sim.NewController(second.RegBase, second.MemBase)
	chip0 := sim.NewNORChip(testChipSize, 256, 4096)
	chip1 := sim.NewNORChip(testChipSize, 256, 4096)
	ctrl0.Attach(sim.SlotA1, chip0)
	ctrl1.Attach(sim.SlotA1, chip1)
	d := New(sim.NewBus(ctrl0, ctrl1))
	if err := d.Init(cfg); err != nil {
		t.Fatal(err)
	}
	// The read straddles the boundary between the two units.
	var before [32]byte
	if err := d.Read(4096-16, before[:], ModeSync); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before[:], bytes.Repeat([]byte{nor.Erased}, len(before))) {
		t.Fatal("fresh memory not erased", before)
	}
	data := pattern(16, 11)
	if err := d.Write(4096, data, ModeSync); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(chip1.Mem[:16], data) {
		t.Fatal("write landed on wrong unit")
	}
	for _, mode := range []Mode{ModeSync, ModeAsync} {
		var after [32]byte
		if err := d.Read(4096-16, after[:], mode); err != nil {
			t.Fatal(err)
		}
		if mode == ModeAsync {
			if r, _ := runAsync(t, d); r != ResultOK {
				t.Fatal("async read failed", d.Err())
			}
		}
		if !bytes.Equal(after[16:], data) {
			t.Errorf("%s read returned stale AHB data of second unit % x", mode, after[16:])
		}
	}
	if ctrl1.Invalidations < 3 {
		t.Error("expected invalidation of second unit before every read job, got", ctrl1.Invalidations)
	}
}

func TestCancel(t *testing.T) {
	d, _, chip := newNORDevice(t, norConfig())
	chip.StuckBusy = true
	if err := d.Erase(0, 4096, ModeAsync); err != nil {
		t.Fatal(err)
	}
	if d.MainFunction() != ResultPending {
		t.Fatal("expected pending")
	}
	d.Cancel()
	if d.JobResult() != ResultCanceled || !errors.Is(d.Err(), ErrCanceled) || d.Busy() {
		t.Error("cancel did not release job", d.JobResult(), d.Err())
	}
	if d.MainFunction() != ResultCanceled {
		t.Error("MainFunction after cancel must report canceled")
	}
	chip.StuckBusy = false
	if err := d.Erase(0, 4096, ModeSync); err != nil {
		t.Error("job after cancel failed:", err)
	}
}

func TestAdmission(t *testing.T) {
	var buf [8]byte
	uninit := New(sim.NewBus(sim.NewController(defaultRegBase, defaultMemBase)))
	if err := uninit.Read(0, buf[:], ModeSync); !errors.Is(err, ErrUninitialized) {
		t.Error("expected ErrUninitialized, got", err)
	}
	if _, err := uninit.CheckExtMemIsIdle(0); !errors.Is(err, ErrUninitialized) {
		t.Error("expected ErrUninitialized, got", err)
	}

	d, ctrl, _ := newNORDevice(t, norConfig())
	for _, test := range []struct {
		name string
		err  error
		want error
	}{
		{"zero length", d.Read(0, nil, ModeSync), ErrLength},
		{"out of range", d.Read(d.Size()-4, buf[:], ModeSync), ErrAddress},
		{"beyond size", d.BlankCheck(d.Size(), 1, ModeSync), ErrAddress},
		{"erase misaligned start", d.Erase(1, 4095, ModeSync), ErrAddress},
		{"erase misaligned end", d.Erase(0, 4000, ModeSync), ErrAddress},
		{"bad mode", d.Read(0, buf[:], Mode(7)), ErrUnsupported},
		{"id no sector", d.ReadID(99, buf[:]), ErrAddress},
	} {
		if !errors.Is(test.err, test.want) {
			t.Errorf("%s: got %v want %v", test.name, test.err, test.want)
		}
	}
	if len(ctrl.Records) != 0 {
		t.Error("rejected jobs touched hardware", len(ctrl.Records))
	}

	if err := d.Erase(0, 4096, ModeAsync); err != nil {
		t.Fatal(err)
	}
	if err := d.Read(0, buf[:], ModeSync); !errors.Is(err, ErrJobPending) {
		t.Error("expected ErrJobPending, got", err)
	}
	if _, err := d.CheckExtMemIsIdle(0); !errors.Is(err, ErrJobPending) {
		t.Error("expected ErrJobPending, got", err)
	}
	if err := d.Init(norConfig()); !errors.Is(err, ErrJobPending) {
		t.Error("expected ErrJobPending, got", err)
	}
}

func TestCheckExtMemIsIdle(t *testing.T) {
	var resets int
	cfg := norConfig()
	cfg.Callouts.Reset = func(unit int, ch Channel) { resets++ }
	d, _, chip := newNORDevice(t, cfg)
	chip.SetBusy(1)
	r, err := d.CheckExtMemIsIdle(0)
	if err != nil || r != ResultPending {
		t.Error("expected pending, got", r, err)
	}
	r, err = d.CheckExtMemIsIdle(0)
	if err != nil || r != ResultOK {
		t.Error("expected ok, got", r, err)
	}
	if resets != 1 {
		t.Error("expected one reset callout, got", resets)
	}
}

func newParallelDevice(t *testing.T) (*Device, *sim.NORChip, *sim.NORChip) {
	t.Helper()
	cfg := norConfig()
	cfg.Units[0].ChipSize = [4]uint32{testChipSize, 0, testChipSize}
	cfg.Sectors = UniformSectors(0, ChannelA1B1, 0, 4096, 256, 4)
	ctrl := sim.NewController(defaultRegBase, defaultMemBase)
	a := sim.NewNORChip(testChipSize, 256, 4096)
	b := sim.NewNORChip(testChipSize, 256, 4096)
	ctrl.Attach(sim.SlotA1, a)
	ctrl.Attach(sim.SlotB1, b)
	d := New(sim.NewBus(ctrl))
	if err := d.Init(cfg); err != nil {
		t.Fatal(err)
	}
	return d, a, b
}

func TestParallelStatus(t *testing.T) {
	d, a, b := newParallelDevice(t)
	b.SetBusy(1)
	r, err := d.CheckExtMemIsIdle(0)
	if err != nil || r != ResultPending {
		t.Error("busy second chip must keep sector pending, got", r, err)
	}
	if a.StatusReads != 1 || b.StatusReads != 1 {
		t.Error("both chips must be polled individually", a.StatusReads, b.StatusReads)
	}
	r, err = d.CheckExtMemIsIdle(0)
	if err != nil || r != ResultOK {
		t.Error("expected idle, got", r, err)
	}
}

func TestParallelErase(t *testing.T) {
	d, a, b := newParallelDevice(t)
	a.BusyPolls = 1
	b.BusyPolls = 4
	if err := d.Erase(4096, 4096, ModeSync); err != nil {
		t.Fatal(err)
	}
	if len(a.Erases) != 1 || len(b.Erases) != 1 || a.Erases[0].Addr != 4096 || b.Erases[0].Addr != 4096 {
		t.Error("erase not mirrored", a.Erases, b.Erases)
	}
	if b.StatusReads < 1+5 {
		t.Error("job completed before second chip was idle", b.StatusReads)
	}
}

func TestReadID(t *testing.T) {
	d, _, _ := newNORDevice(t, norConfig())
	var id [3]byte
	if err := d.ReadID(0, id[:]); err != nil {
		t.Fatal(err)
	}
	if id != [3]byte{0xEF, 0x40, 0x18} {
		t.Errorf("bad JEDEC ID % x", id)
	}

	// The whole ID must fit a single RX buffer.
	cfg := norConfig()
	cfg.Units[0].RxBufSize = 4
	d, _, _ = newNORDevice(t, cfg)
	var long [6]byte
	if err := d.ReadID(0, long[:]); !errors.Is(err, ErrLength) {
		t.Error("expected ErrLength for ID longer than RX buffer, got", err)
	}
	var full [4]byte
	if err := d.ReadID(0, full[:]); err != nil {
		t.Fatal(err)
	}
	if full != [4]byte{0xEF, 0x40, 0x18, 0x00} {
		t.Errorf("bad JEDEC ID % x", full)
	}
}

func TestCallouts(t *testing.T) {
	cfg := norConfig()
	var inits, checks int
	var lastOp JobKind
	cfg.Callouts.Init = func(unit int) error { inits++; return nil }
	cfg.Callouts.ErrorCheck = func(unit int, op JobKind, addr uint32) error {
		checks++
		lastOp = op
		return nil
	}
	d, _, _ := newNORDevice(t, cfg)
	if inits != 1 {
		t.Error("init callout not called once", inits)
	}
	if err := d.Erase(0, 8192, ModeSync); err != nil {
		t.Fatal(err)
	}
	if checks != 2 || lastOp != JobErase {
		t.Error("error check callout must follow every sector erase", checks, lastOp)
	}

	errECC := errors.New("uncorrectable")
	cfg.Callouts.EccCheck = func(unit int, addr, length uint32) error { return errECC }
	d, _, _ = newNORDevice(t, cfg)
	var buf [4]byte
	err := d.Read(0, buf[:], ModeSync)
	if !errors.Is(err, ErrExternalChip) || !errors.Is(err, errECC) {
		t.Error("expected external chip error, got", err)
	}

	cfg.Callouts.Init = func(unit int) error { return errECC }
	d = New(sim.NewBus(sim.NewController(defaultRegBase, defaultMemBase)))
	if err := d.Init(cfg); !errors.Is(err, ErrExternalChip) {
		t.Error("init callout error not reported", err)
	}
}

func TestControllerErrorFlag(t *testing.T) {
	d, ctrl, _ := newNORDevice(t, norConfig())
	ctrl.Raise(qspireg.FlagIPAEF)
	var buf [4]byte
	err := d.Read(0, buf[:], ModeSync)
	if !errors.Is(err, ErrController) {
		t.Fatal("expected controller error, got", err)
	}
	if ctrl.Flags()&qspireg.FlagErrors != 0 {
		t.Error("error flags not cleared", ctrl.Flags())
	}
	if err := d.Read(0, buf[:], ModeSync); err != nil {
		t.Error("device did not recover:", err)
	}
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	cfg := norConfig()
	cfg.Logger = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: levelTrace}))
	d, _, _ := newNORDevice(t, cfg)
	if err := d.Write(0, pattern(8, 0), ModeSync); err != nil {
		t.Fatal(err)
	}
	log := buf.String()
	for _, want := range []string{"Init:done", "job:admit", "cmd", "job:done"} {
		if !strings.Contains(log, "msg="+want) {
			t.Errorf("log missing %q", want)
		}
	}
}
