package flsqspi

import (
	"errors"
	"log/slog"
)

var (
	errChipBusy = errors.New("memory stuck busy")
	errBadPhase = errors.New("job in invalid phase")
)

// MainFunction advances the asynchronous job in flight by one bounded
// step and returns the job result. Without an asynchronous job it only
// returns the result of the last job.
func (d *Device) MainFunction() JobResult {
	defer d.release(d.acquire())
	jc := &d.job
	if jc.kind == JobNone || jc.mode != ModeAsync {
		return jc.result
	}
	r, err := d.step()
	if r != ResultPending {
		d.finish(err)
	}
	return jc.result
}

// start issues the first command of a sync or async job.
func (d *Device) start() error {
	jc := &d.job
	switch jc.kind {
	case JobErase:
		return d.startErase()
	case JobWrite:
		// Write jobs get one budget for all chunks.
		jc.budget.arm(jc.limit)
		return d.startWrite()
	}
	jc.phase = phaseTransfer
	s := d.seek()
	d.prepareRead(s, jc.addr, jc.remaining())
	jc.rdunit = s.unit
	return nil
}

func (d *Device) startErase() error {
	jc := &d.job
	s := d.seek()
	u := s.unit
	jc.budget.arm(jc.limit)
	d.debug("erase", slog.Int("sector", s.idx), hexattr("ext", s.ext))
	if err := u.proto.writeEnable(d, s); err != nil {
		return err
	}
	if err := u.proto.erase(d, s); err != nil {
		return err
	}
	jc.phase = phaseBusy
	return nil
}

func (d *Device) startWrite() error {
	jc := &d.job
	s := d.seek()
	u := s.unit
	n := d.chunkSize(s, jc.addr, jc.remaining(), u.txCap, true)
	if d.writeBlank {
		if err := d.verifyRange(jc.addr, n, nil); err != nil {
			return err
		}
	}
	ext := s.extAddr(jc.addr)
	d.trace("program", slog.Int("sector", s.idx), hexattr("ext", ext), slog.Uint64("n", uint64(n)))
	d.loadTX(u, jc.src[jc.off:jc.off+int(n)])
	if err := u.proto.writeEnable(d, s); err != nil {
		return err
	}
	if err := u.proto.program(d, s, ext, n); err != nil {
		return err
	}
	jc.chunk = n
	jc.phase = phaseBusy
	return nil
}

// step performs one bounded unit of work: a single status poll, one
// verify batch or one read chunk. While the controller is still shifting
// out an erase or program command the step only checks that.
func (d *Device) step() (JobResult, error) {
	jc := &d.job
	switch jc.phase {
	case phaseBusy:
		s := &d.sectors[jc.sector]
		if d.ctrlBusy(s.unit) {
			if jc.budget.expire() {
				d.logerr("step:controller busy", slog.Int("unit", s.unit.idx))
				return ResultFailed, errjoin(ErrHardwareTimeout, errCtrlBusy)
			}
			return ResultPending, nil
		}
		if err := d.checkFlags(s.unit); err != nil {
			return ResultFailed, err
		}
		r, err := d.checkExtMemIsIdle(s)
		if err != nil {
			return ResultFailed, err
		}
		if r == ResultPending {
			if jc.budget.expire() {
				d.logerr("step:chip busy", slog.Int("sector", s.idx), slog.String("job", jc.kind.String()))
				return ResultFailed, errjoin(ErrHardwareTimeout, errChipBusy)
			}
			return ResultPending, nil
		}
		if err := d.opDone(s, jc.kind, s.extAddr(jc.addr)); err != nil {
			return ResultFailed, err
		}
		switch {
		case jc.kind == JobErase && d.eraseVerify:
			jc.vaddr, jc.vend, jc.vsrc = s.start, s.end(), nil
		case jc.kind == JobWrite && d.writeVerify:
			jc.vaddr, jc.vend = jc.addr, jc.addr+jc.chunk
			jc.vsrc = jc.src[jc.off : jc.off+int(jc.chunk)]
		default:
			return d.advance()
		}
		jc.phase = phaseVerify
		return ResultPending, nil

	case phaseVerify:
		n := jc.vend - jc.vaddr
		if jc.kind == JobErase {
			n = min(n, d.maxBlank)
		}
		var cmp []byte
		if jc.vsrc != nil {
			cmp, jc.vsrc = jc.vsrc[:n], jc.vsrc[n:]
		}
		if err := d.verifyRange(jc.vaddr, n, cmp); err != nil {
			return ResultFailed, err
		}
		jc.vaddr += n
		if jc.vaddr < jc.vend {
			return ResultPending, nil
		}
		return d.advance()

	case phaseTransfer:
		s := d.seek()
		if s.unit != jc.rdunit {
			d.prepareRead(s, jc.addr, jc.remaining())
			jc.rdunit = s.unit
		}
		n := d.chunkSize(s, jc.addr, jc.remaining(), s.unit.rxCap, false)
		var dst, cmp []byte
		if jc.dst != nil {
			dst = jc.dst[jc.off : jc.off+int(n)]
		} else if jc.src != nil {
			cmp = jc.src[jc.off : jc.off+int(n)]
		}
		if err := d.transfer(s, jc.addr, n, dst, cmp); err != nil {
			return ResultFailed, err
		}
		jc.addr += n
		jc.off += int(n)
		if jc.remaining() == 0 {
			return ResultOK, nil
		}
		return ResultPending, nil
	}
	return ResultFailed, errjoin(ErrController, errBadPhase)
}

// advance moves past the finished sector (erase) or chunk (write) and
// starts the next one.
func (d *Device) advance() (JobResult, error) {
	jc := &d.job
	var err error
	if jc.kind == JobErase {
		jc.addr = d.sectors[jc.sector].end()
		if jc.remaining() == 0 {
			return ResultOK, nil
		}
		err = d.startErase()
	} else {
		jc.addr += jc.chunk
		jc.off += int(jc.chunk)
		jc.chunk = 0
		if jc.remaining() == 0 {
			return ResultOK, nil
		}
		err = d.startWrite()
	}
	if err != nil {
		return ResultFailed, err
	}
	return ResultPending, nil
}
