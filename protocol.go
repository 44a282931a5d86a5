package flsqspi

import (
	"errors"
	"log/slog"
)

// adapter issues the command sequences of one memory protocol. Methods
// that start an erase or program return once the command is on the bus;
// completion is observed through status.
type adapter interface {
	// writeEnable sets the write enable latch of every chip behind s.
	writeEnable(d *Device, s *sector) error
	// erase starts erasing sector s.
	erase(d *Device, s *sector) error
	// program starts programming the n bytes queued in the TX buffer at ext.
	program(d *Device, s *sector, ext, n uint32) error
	// status reads the status of the chip whose region starts at chip and
	// reports whether it is busy.
	status(d *Device, s *sector, chip, ext uint32) (busy bool, err error)
	readID(d *Device, s *sector, dst []byte) error
	// lineSize is a program boundary in addition to the page size. Zero if none.
	lineSize() uint32
}

var errWEL = errors.New("write enable latch not set")

// standard drives serial NOR flash through the LUT sequences selected in
// the unit configuration.
type standard struct{}

func (standard) lineSize() uint32 { return 0 }

func (standard) writeEnable(d *Device, s *sector) error {
	u := s.unit
	b := budget{left: d.timeouts.WriteEnable}
	for {
		d.command(u, u.SeqWriteEnable, s.ext, 0, s.Channel.IsParallel())
		if err := d.waitCtrlIdle(u, d.ctrlLimit()); err != nil {
			return err
		}
		if err := d.checkFlags(u); err != nil {
			return err
		}
		ok, err := d.welSet(s)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if b.expire() {
			d.logerr("writeEnable:timeout", slog.Int("sector", s.idx))
			return errjoin(ErrHardwareTimeout, errWEL)
		}
	}
}

// welSet reports whether every chip behind s latched write enable.
func (d *Device) welSet(s *sector) (bool, error) {
	u := s.unit
	st, err := d.readStatus(u, s.ext)
	if err != nil || !bitIs(st, u.WELBitPos, u.WELBitValue) {
		return false, err
	}
	if s.ext2 == 0 {
		return true, nil
	}
	st, err = d.readStatus(u, s.ext2)
	return err == nil && bitIs(st, u.WELBitPos, u.WELBitValue), err
}

func (standard) erase(d *Device, s *sector) error {
	u := s.unit
	d.command(u, u.SeqErase, s.ext, 0, s.Channel.IsParallel())
	return nil
}

func (standard) program(d *Device, s *sector, ext, n uint32) error {
	u := s.unit
	d.command(u, u.SeqWrite, ext, n, s.Channel.IsParallel())
	return nil
}

func (standard) status(d *Device, s *sector, chip, ext uint32) (bool, error) {
	u := s.unit
	st, err := d.readStatus(u, ext)
	if err != nil {
		return false, err
	}
	return bitIs(st, u.BusyBitPos, u.BusyBitValue), nil
}

// readID reads the whole ID in one transaction. dst fits the RX buffer.
func (standard) readID(d *Device, s *sector, dst []byte) error {
	u := s.unit
	data, err := d.ipRead(u, u.SeqReadID, s.ext, uint32(len(dst)), d.ctrlLimit())
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

// readStatus reads the status register of the chip at addr.
func (d *Device) readStatus(u *unit, addr uint32) (uint16, error) {
	data, err := d.ipRead(u, u.SeqReadStatus, addr, uint32(u.StatusWidth), d.ctrlLimit())
	if err != nil {
		return 0, err
	}
	return statusWord(data), nil
}

func statusWord(data []byte) uint16 {
	st := uint16(data[0])
	if len(data) > 1 {
		st |= uint16(data[1]) << 8
	}
	return st
}

func bitIs(v uint16, pos, val uint8) bool {
	return uint8(v>>pos)&1 == val
}

// ctrlLimit is the budget of controller waits for the job in flight, or
// the synchronous read budget outside of a job.
func (d *Device) ctrlLimit() int {
	if d.job.kind != JobNone && d.job.limit > 0 {
		return d.job.limit
	}
	return d.timeouts.SyncRead
}
