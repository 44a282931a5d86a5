package flsqspi

import (
	"log/slog"

	"github.com/soypat/flsqspi/qspireg"
)

// Erase erases length bytes at addr. Both ends must fall on sector boundaries.
//
// In ModeSync the call returns once the job completed. In ModeAsync and
// ModeIRQ it returns after admission and the job continues from
// MainFunction or HandleInterrupt respectively.
func (d *Device) Erase(addr, length uint32, mode Mode) error {
	defer d.release(d.acquire())
	if err := d.admit(JobErase, mode, addr, length, nil, nil); err != nil {
		return err
	}
	return d.run()
}

// Write programs src at addr. The memory must be erased. src must not be
// modified until the job completes.
func (d *Device) Write(addr uint32, src []byte, mode Mode) error {
	defer d.release(d.acquire())
	if err := d.admit(JobWrite, mode, addr, lenu32(src), src, nil); err != nil {
		return err
	}
	return d.run()
}

// Read reads len(dst) bytes at addr into dst.
func (d *Device) Read(addr uint32, dst []byte, mode Mode) error {
	defer d.release(d.acquire())
	if err := d.admit(JobRead, mode, addr, lenu32(dst), nil, dst); err != nil {
		return err
	}
	return d.run()
}

// Compare checks memory at addr against data. A mismatch fails the job
// with ErrBlockInconsistent.
func (d *Device) Compare(addr uint32, data []byte, mode Mode) error {
	defer d.release(d.acquire())
	if err := d.admit(JobCompare, mode, addr, lenu32(data), data, nil); err != nil {
		return err
	}
	return d.run()
}

// BlankCheck checks that length bytes at addr are erased. Programmed
// bytes fail the job with ErrBlockInconsistent.
func (d *Device) BlankCheck(addr, length uint32, mode Mode) error {
	defer d.release(d.acquire())
	if err := d.admit(JobBlankCheck, mode, addr, length, nil, nil); err != nil {
		return err
	}
	return d.run()
}

// ReadID reads the identification of the memory holding sector into dst.
// Standard memories return the JEDEC ID, Hyperflash the ID/CFI words.
// dst may not exceed the unit's RX buffer.
func (d *Device) ReadID(sector int, dst []byte) error {
	defer d.release(d.acquire())
	switch {
	case !d.initialized:
		return ErrUninitialized
	case d.job.kind != JobNone:
		return ErrJobPending
	case sector < 0 || sector >= len(d.sectors):
		return ErrAddress
	case len(dst) == 0 || uint32(len(dst)) > d.sectors[sector].unit.rxCap:
		return ErrLength
	}
	s := &d.sectors[sector]
	err := s.unit.proto.readID(d, s, dst)
	if err != nil {
		d.logerr("ReadID", slog.Int("sector", sector), slog.String("err", err.Error()))
	}
	return err
}

// admit validates a job request and makes it the job in flight.
func (d *Device) admit(kind JobKind, mode Mode, addr, length uint32, src, dst []byte) error {
	switch {
	case !d.initialized:
		return ErrUninitialized
	case d.job.kind != JobNone:
		return ErrJobPending
	case mode > ModeIRQ:
		return ErrUnsupported
	case length == 0:
		return ErrLength
	case addr >= d.size || d.size-addr < length:
		return ErrAddress
	}
	first, _ := d.SectorOf(addr)
	if kind == JobErase {
		last, _ := d.SectorOf(addr + length - 1)
		if d.sectors[first].start != addr || d.sectors[last].end() != addr+length {
			return ErrAddress
		}
	}
	d.job = jobContext{
		kind:   kind,
		mode:   mode,
		result: ResultPending,
		sector: first,
		addr:   addr,
		end:    addr + length,
		src:    src,
		dst:    dst,
		limit:  d.limitFor(kind, mode),
	}
	d.debug("job:admit", slog.String("kind", kind.String()), slog.String("mode", mode.String()),
		hexattr("addr", addr), slog.Uint64("len", uint64(length)))
	return nil
}

func (d *Device) limitFor(kind JobKind, mode Mode) int {
	t := &d.timeouts
	var limits [3]int
	switch kind {
	case JobErase:
		limits = [3]int{t.SyncErase, t.AsyncErase, t.IRQErase}
	case JobWrite:
		limits = [3]int{t.SyncWrite, t.AsyncWrite, t.IRQWrite}
	default:
		limits = [3]int{t.SyncRead, t.AsyncRead, t.IRQRead}
	}
	return limits[mode]
}

// run issues the first step of the admitted job. Sync jobs are then
// stepped until they complete.
func (d *Device) run() error {
	jc := &d.job
	var err error
	if jc.mode == ModeIRQ {
		err = d.irqStart()
	} else {
		err = d.start()
	}
	if err != nil {
		d.finish(err)
		return err
	}
	if jc.mode != ModeSync {
		return nil
	}
	for {
		r, err := d.step()
		if r != ResultPending {
			d.finish(err)
			return err
		}
	}
}

// finish latches the job result and releases the job context.
func (d *Device) finish(err error) {
	jc := &d.job
	if jc.mode == ModeIRQ && jc.kind != JobNone {
		u := d.sectors[jc.sector].unit
		d.write32(u, qspireg.RSER, 0)
		if err != nil {
			d.w1c(u, qspireg.FlagAll)
		}
	}
	jc.result = ResultOf(err)
	jc.err = err
	if err != nil {
		d.logerr("job:failed", slog.String("kind", jc.kind.String()), slog.String("mode", jc.mode.String()),
			hexattr("addr", jc.addr), slog.String("err", err.Error()))
	} else {
		d.debug("job:done", slog.String("kind", jc.kind.String()), slog.String("mode", jc.mode.String()))
	}
	jc.kind = JobNone
	jc.state = irqNone
	jc.phase = phaseNone
	jc.src, jc.dst, jc.vsrc = nil, nil, nil
}

// seek points the sector iterator at the sector holding jc.addr.
func (d *Device) seek() *sector {
	jc := &d.job
	if i, ok := d.SectorOf(jc.addr); ok {
		jc.sector = i
	}
	return &d.sectors[jc.sector]
}

// lenu32 returns len(b), saturated so oversized buffers fail admission.
func lenu32(b []byte) uint32 {
	if uint64(len(b)) > 1<<32-1 {
		return 1<<32 - 1
	}
	return uint32(len(b))
}
