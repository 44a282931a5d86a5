package main

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcinbor85/gohex"
	"github.com/soypat/flsqspi"
	"github.com/soypat/flsqspi/nor"
	"github.com/soypat/flsqspi/report"
	"github.com/soypat/flsqspi/sim"
)

// simConfig describes the simulated memory and how jobs are driven.
type simConfig struct {
	Hyperflash bool
	Mode       flsqspi.Mode
	ChipSize   uint32
	// BusyPolls is the number of status reads the chip reports busy after
	// every program or erase.
	BusyPolls int
	Verify    bool
	Logger    *slog.Logger
	// OnEvent is called after every job.
	OnEvent func(report.Event)
}

const (
	norSectorSize   = 4096
	norPageSize     = 256
	hyperSectorSize = 256 << 10
)

// flasher is a driver bound to a simulated controller.
type flasher struct {
	dev        *flsqspi.Device
	ctrl       *sim.Controller
	sectorSize uint32
	cfg        simConfig
}

func newFlasher(cfg simConfig) (*flasher, error) {
	var dcfg flsqspi.Config
	var chip sim.Chip
	var sectorSize, pageSize uint32
	if cfg.Hyperflash {
		dcfg = flsqspi.DefaultHyperflashConfig()
		sectorSize, pageSize = hyperSectorSize, nor.HyperLineSize
		hc := sim.NewHyperChip(cfg.ChipSize, sectorSize)
		hc.BusyPolls = cfg.BusyPolls
		chip = hc
	} else {
		dcfg = flsqspi.DefaultNORConfig()
		sectorSize, pageSize = norSectorSize, norPageSize
		nc := sim.NewNORChip(cfg.ChipSize, pageSize, sectorSize)
		nc.BusyPolls = cfg.BusyPolls
		chip = nc
	}
	if cfg.ChipSize == 0 || cfg.ChipSize%sectorSize != 0 {
		return nil, fmt.Errorf("chip size %#x not a multiple of sector size %#x", cfg.ChipSize, sectorSize)
	}
	u := &dcfg.Units[0]
	u.ChipSize = [4]uint32{cfg.ChipSize}
	dcfg.Sectors = flsqspi.UniformSectors(0, flsqspi.ChannelA1, 0, sectorSize, pageSize, int(cfg.ChipSize/sectorSize))
	dcfg.EraseVerify = cfg.Verify
	dcfg.WriteVerify = cfg.Verify
	dcfg.Logger = cfg.Logger

	ctrl := sim.NewController(u.RegBase, u.MemBase)
	ctrl.Attach(sim.SlotA1, chip)
	dev := flsqspi.New(sim.NewBus(ctrl))
	if err := dev.Init(dcfg); err != nil {
		return nil, err
	}
	return &flasher{dev: dev, ctrl: ctrl, sectorSize: sectorSize, cfg: cfg}, nil
}

// maxTicks bounds MainFunction calls and interrupts served per job.
const maxTicks = 10_000_000

var errStalled = errors.New("job did not complete")

// do starts a job with start and drives it to completion in the configured mode.
func (f *flasher) do(kind flsqspi.JobKind, addr, length uint32, start func() error) error {
	began := time.Now()
	ticks := 0
	err := start()
	if err == nil {
		switch f.cfg.Mode {
		case flsqspi.ModeAsync:
			for f.dev.MainFunction() == flsqspi.ResultPending {
				ticks++
				if ticks == maxTicks {
					f.dev.Cancel()
					break
				}
			}
			ticks++
		case flsqspi.ModeIRQ:
			for f.ctrl.InterruptPending() && ticks < maxTicks {
				f.dev.HandleInterrupt(0)
				ticks++
			}
		}
		switch f.dev.JobResult() {
		case flsqspi.ResultOK:
		case flsqspi.ResultPending:
			f.dev.Cancel()
			err = errStalled
		case flsqspi.ResultCanceled:
			err = errStalled
		default:
			err = f.dev.Err()
		}
	}
	if f.cfg.OnEvent != nil {
		e := report.Event{
			Job:      kind.String(),
			Mode:     f.cfg.Mode.String(),
			Addr:     addr,
			Len:      length,
			Result:   flsqspi.ResultOf(err).String(),
			Ticks:    ticks,
			Duration: time.Since(began),
		}
		if err != nil {
			e.Err = err.Error()
		}
		f.cfg.OnEvent(e)
	}
	return err
}

// eraseRanges returns the sector aligned ranges covering segs, merged
// where they touch.
func (f *flasher) eraseRanges(segs []gohex.DataSegment) (ranges [][2]uint32) {
	for _, seg := range segs {
		start := seg.Address / f.sectorSize * f.sectorSize
		end := (seg.Address + uint32(len(seg.Data)) + f.sectorSize - 1) / f.sectorSize * f.sectorSize
		if n := len(ranges); n > 0 && start <= ranges[n-1][1] {
			ranges[n-1][1] = max(ranges[n-1][1], end)
			continue
		}
		ranges = append(ranges, [2]uint32{start, end})
	}
	return ranges
}

// program erases the sectors covered by image, writes every segment and
// reads it back. The returned image holds the data read back.
func (f *flasher) program(image *gohex.Memory) (*gohex.Memory, error) {
	segs := image.GetDataSegments()
	size := f.dev.Size()
	for _, seg := range segs {
		if seg.Address >= size || uint32(len(seg.Data)) > size-seg.Address {
			return nil, fmt.Errorf("segment %#x+%#x outside %#x byte memory", seg.Address, len(seg.Data), size)
		}
	}
	mode := f.cfg.Mode
	for _, r := range f.eraseRanges(segs) {
		addr, length := r[0], r[1]-r[0]
		err := f.do(flsqspi.JobErase, addr, length, func() error { return f.dev.Erase(addr, length, mode) })
		if err != nil {
			return nil, fmt.Errorf("erase %#x: %w", addr, err)
		}
	}
	for _, seg := range segs {
		err := f.do(flsqspi.JobWrite, seg.Address, uint32(len(seg.Data)), func() error {
			return f.dev.Write(seg.Address, seg.Data, mode)
		})
		if err != nil {
			return nil, fmt.Errorf("write %#x: %w", seg.Address, err)
		}
	}
	out := gohex.NewMemory()
	for _, seg := range segs {
		buf := make([]byte, len(seg.Data))
		err := f.do(flsqspi.JobRead, seg.Address, uint32(len(buf)), func() error {
			return f.dev.Read(seg.Address, buf, mode)
		})
		if err != nil {
			return nil, fmt.Errorf("read %#x: %w", seg.Address, err)
		}
		if !bytes.Equal(buf, seg.Data) {
			return nil, fmt.Errorf("read back of %#x differs from image", seg.Address)
		}
		if err := out.AddBinary(seg.Address, buf); err != nil {
			return nil, err
		}
	}
	return out, nil
}
