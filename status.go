package flsqspi

import "log/slog"

// checkExtMemIsIdle polls the chip(s) behind s once. Both chips of a
// parallel sector are read individually and the sector is idle only when
// both are.
func (d *Device) checkExtMemIsIdle(s *sector) (JobResult, error) {
	u := s.unit
	busy, err := u.proto.status(d, s, s.chip, s.ext)
	if err != nil {
		return ResultFailed, err
	}
	if s.ext2 != 0 {
		busy2, err := u.proto.status(d, s, s.chip2, s.ext2)
		if err != nil {
			return ResultFailed, err
		}
		busy = busy || busy2
	}
	if busy {
		d.busyCallout(s)
		return ResultPending, nil
	}
	return ResultOK, nil
}

func (d *Device) busyCallout(s *sector) {
	if d.callouts.Reset != nil {
		d.callouts.Reset(s.unit.idx, s.Channel)
	}
}

// CheckExtMemIsIdle reads the status of the memory holding sector once.
// It returns ResultPending while the memory is busy.
func (d *Device) CheckExtMemIsIdle(sector int) (JobResult, error) {
	defer d.release(d.acquire())
	switch {
	case !d.initialized:
		return ResultFailed, ErrUninitialized
	case d.job.kind != JobNone:
		return ResultFailed, ErrJobPending
	case sector < 0 || sector >= len(d.sectors):
		return ResultFailed, ErrAddress
	}
	r, err := d.checkExtMemIsIdle(&d.sectors[sector])
	d.trace("CheckExtMemIsIdle", slog.Int("sector", sector), slog.String("result", r.String()))
	return r, err
}

// opDone runs the checks that follow a completed erase or program.
func (d *Device) opDone(s *sector, op JobKind, addr uint32) error {
	if err := d.checkFlags(s.unit); err != nil {
		return err
	}
	if d.callouts.ErrorCheck != nil {
		if err := d.callouts.ErrorCheck(s.unit.idx, op, addr); err != nil {
			d.logerr("ErrorCheck", slog.Int("sector", s.idx), slog.String("err", err.Error()))
			return errjoin(ErrExternalChip, err)
		}
	}
	return nil
}
