package flsqspi

import (
	"log/slog"

	"github.com/soypat/flsqspi/nor"
	"github.com/soypat/flsqspi/qspireg"
)

// hyperflash drives Hyperflash memories. Commands are written as data
// words to magic word addresses using the scratch LUT sequence.
type hyperflash struct{}

// hyperCycle is one command write: data to absolute byte address addr.
type hyperCycle struct {
	addr uint32
	data uint16
}

func unlockCycles(chip uint32) [2]hyperCycle {
	return [2]hyperCycle{
		{chip + nor.HyperUnlock1Addr*2, nor.HyperUnlock1Data},
		{chip + nor.HyperUnlock2Addr*2, nor.HyperUnlock2Data},
	}
}

// eraseCycles returns the sector erase command sequence of s.
func eraseCycles(s *sector) [6]hyperCycle {
	u := unlockCycles(s.chip)
	return [6]hyperCycle{
		u[0], u[1],
		{s.chip + nor.HyperUnlock1Addr*2, nor.HyperEraseSetup},
		u[0], u[1],
		{s.ext, nor.HyperSectorErase},
	}
}

func programCycles(chip uint32) [3]hyperCycle {
	u := unlockCycles(chip)
	return [3]hyperCycle{u[0], u[1], {chip + nor.HyperUnlock1Addr*2, nor.HyperProgram}}
}

func statusCycle(chip uint32) hyperCycle {
	return hyperCycle{chip + nor.HyperUnlock1Addr*2, nor.HyperStatusRead}
}

// hyperCommand encodes c into the scratch sequence and launches it. The
// previous scratch command must have finished.
func (d *Device) hyperCommand(u *unit, c hyperCycle) error {
	in := qspireg.NewInstr
	seq := qspireg.MakeSeq(
		in(qspireg.OpCmdDDR, qspireg.Pad8, nor.HyperCAWrite),
		in(qspireg.OpAddrDDR, qspireg.Pad8, 24),
		in(qspireg.OpCAddrDDR, qspireg.Pad8, 16),
		in(qspireg.OpCmdDDR, qspireg.Pad8, uint8(c.data>>8)),
		in(qspireg.OpCmdDDR, qspireg.Pad8, uint8(c.data)),
	)
	if err := d.encodeAndStore(u, qspireg.ScratchSeq, seq); err != nil {
		return err
	}
	d.trace("hyper:cmd", hexattr("addr", c.addr), slog.String("cmd", nor.HyperCommandName((c.addr-u.MemBase)/2, c.data)))
	d.command(u, qspireg.ScratchSeq, c.addr, 0, false)
	return nil
}

// hyperCommands issues cycles separated by controller idle waits. The
// last command is still in flight on return.
func (d *Device) hyperCommands(u *unit, cycles ...hyperCycle) error {
	for i, c := range cycles {
		if i > 0 {
			if err := d.waitCtrlIdle(u, d.ctrlLimit()); err != nil {
				return err
			}
			if err := d.checkFlags(u); err != nil {
				return err
			}
		}
		if err := d.hyperCommand(u, c); err != nil {
			return err
		}
	}
	return nil
}

func (hyperflash) lineSize() uint32 { return nor.HyperLineSize }

// writeEnable is part of the program and erase unlock cycles.
func (hyperflash) writeEnable(d *Device, s *sector) error { return nil }

func (hyperflash) erase(d *Device, s *sector) error {
	cycles := eraseCycles(s)
	return d.hyperCommands(s.unit, cycles[:]...)
}

func (hyperflash) program(d *Device, s *sector, ext, n uint32) error {
	u := s.unit
	cycles := programCycles(s.chip)
	if err := d.hyperCommands(u, cycles[:]...); err != nil {
		return err
	}
	if err := d.waitCtrlIdle(u, d.ctrlLimit()); err != nil {
		return err
	}
	d.command(u, u.SeqWrite, ext, n, false)
	return nil
}

func (hyperflash) status(d *Device, s *sector, chip, ext uint32) (bool, error) {
	u := s.unit
	if err := d.hyperCommands(u, statusCycle(chip)); err != nil {
		return false, err
	}
	if err := d.waitCtrlIdle(u, d.ctrlLimit()); err != nil {
		return false, err
	}
	data, err := d.ipRead(u, u.SeqReadStatus, chip, 2, d.ctrlLimit())
	if err != nil {
		return false, err
	}
	return d.hyperStatus(u, s, chip, statusWord(data))
}

// hyperStatus interprets a Hyperflash status word. Error bits are only
// valid once the device is ready and are cleared when reported.
func (d *Device) hyperStatus(u *unit, s *sector, chip uint32, st uint16) (bool, error) {
	if bitIs(st, u.BusyBitPos, u.BusyBitValue) {
		return true, nil
	}
	if st&nor.HyperStatusErrors != 0 {
		d.logerr("hyper:status", slog.Int("sector", s.idx), slog.Uint64("status", uint64(st)))
		cerr := d.hyperCommands(u, hyperCycle{chip + nor.HyperUnlock1Addr*2, nor.HyperStatusClear})
		if cerr == nil {
			cerr = d.waitCtrlIdle(u, d.ctrlLimit())
		}
		return false, errjoin(ErrExternalChip, hyperStatusError(st), cerr)
	}
	return false, nil
}

type hyperStatusError uint16

func (e hyperStatusError) Error() string {
	switch {
	case e&nor.HyperStatusEraseErr != 0:
		return "hyperflash erase error"
	case e&nor.HyperStatusProgramErr != 0:
		return "hyperflash program error"
	}
	return "hyperflash sector locked"
}

func (hyperflash) readID(d *Device, s *sector, dst []byte) error {
	u := s.unit
	u2 := unlockCycles(s.chip)
	err := d.hyperCommands(u, u2[0], u2[1], hyperCycle{s.chip + nor.HyperUnlock1Addr*2, nor.HyperIDEntry})
	if err == nil {
		err = d.waitCtrlIdle(u, d.ctrlLimit())
	}
	if err == nil {
		var data []byte
		data, err = d.ipRead(u, u.SeqReadID, s.chip, uint32(len(dst)), d.ctrlLimit())
		copy(dst, data)
	}
	// Always leave ID mode.
	rerr := d.hyperCommands(u, hyperCycle{s.chip, nor.HyperReset})
	if rerr == nil {
		rerr = d.waitCtrlIdle(u, d.ctrlLimit())
	}
	return errjoin(err, rerr)
}
