package flsqspi

import (
	"log/slog"

	"github.com/soypat/flsqspi/qspireg"
)

// irqExpect is the interrupt source each state waits for.
var irqExpect = [numIRQJobs]qspireg.Flag{
	irqErase:              qspireg.FlagTFF,
	irqGetStatus:          qspireg.FlagRBDF,
	irqGetStatusParallel:  qspireg.FlagRBDF,
	irqBlankCheck:         qspireg.FlagRBDF,
	irqWriteEnable:        qspireg.FlagTFF,
	irqWrite:              qspireg.FlagTFF,
	irqRead:               qspireg.FlagRBDF,
	irqCompare:            qspireg.FlagRBDF,
	irqHyperWriteUnlock1:  qspireg.FlagTFF,
	irqHyperWriteUnlock2:  qspireg.FlagTFF,
	irqHyperWriteWordID:   qspireg.FlagTFF,
	irqHyperWriteWordData: qspireg.FlagTFF,
	irqHyperGetStatus1:    qspireg.FlagTFF,
	irqHyperGetStatus2:    qspireg.FlagRBDF,
}

// irqAction is run when the expected source of a state fires. Each action
// either arms the next state or completes the job.
var irqAction = [numIRQJobs]func(d *Device, s *sector) error{
	irqErase:              (*Device).irqEraseSent,
	irqGetStatus:          (*Device).irqStatus,
	irqGetStatusParallel:  (*Device).irqStatus,
	irqBlankCheck:         (*Device).irqData,
	irqWriteEnable:        (*Device).irqWriteEnableSent,
	irqWrite:              (*Device).irqProgramSent,
	irqRead:               (*Device).irqData,
	irqCompare:            (*Device).irqData,
	irqHyperWriteUnlock1:  (*Device).irqHyperUnlock1Sent,
	irqHyperWriteUnlock2:  (*Device).irqHyperUnlock2Sent,
	irqHyperWriteWordID:   (*Device).irqHyperWordIDSent,
	irqHyperWriteWordData: (*Device).irqProgramSent,
	irqHyperGetStatus1:    (*Device).irqHyperStatusSent,
	irqHyperGetStatus2:    (*Device).irqHyperStatus,
}

type unexpectedIRQ struct {
	state   irqJob
	pending qspireg.Flag
}

func (e unexpectedIRQ) Error() string {
	return "unexpected interrupt " + e.pending.String() + " in state " + e.state.String()
}

// HandleInterrupt is the interrupt service routine of QSPI unit. It
// serves both the transaction finished and RX buffer drain sources and
// advances the interrupt driven job by exactly one transition.
//
// HandleInterrupt never blocks. An interrupt that preempts a foreground
// call is recorded and served when that call leaves its critical section.
func (d *Device) HandleInterrupt(unit int) {
	if unit < 0 || unit >= maxUnits {
		return
	}
	st, ok := d.cs.tryEnter()
	if !ok {
		for {
			old := d.deferredIRQ.Load()
			if d.deferredIRQ.CompareAndSwap(old, old|1<<unit) {
				return
			}
		}
	}
	d.handleInterrupt(unit)
	d.release(st)
}

// acquire opens a critical section over the job context.
func (d *Device) acquire() critState { return d.cs.enter() }

// release serves the interrupts deferred while the section was open and
// closes it.
func (d *Device) release(st critState) {
	for {
		for pending := d.deferredIRQ.Swap(0); pending != 0; pending = d.deferredIRQ.Swap(0) {
			for unit := 0; unit < maxUnits; unit++ {
				if pending&(1<<unit) != 0 {
					d.handleInterrupt(unit)
				}
			}
		}
		d.cs.exit(st)
		// An interrupt deferred after the last swap is served here unless
		// another section took over, which then serves it on release.
		if d.deferredIRQ.Load() == 0 {
			return
		}
		var ok bool
		if st, ok = d.cs.tryEnter(); !ok {
			return
		}
	}
}

func (d *Device) handleInterrupt(unit int) {
	if unit >= len(d.units) {
		return
	}
	u := &d.units[unit]
	jc := &d.job
	f := d.flags(u)
	pending := f & qspireg.Flag(d.read32(u, qspireg.RSER))
	if pending == 0 && f&qspireg.FlagErrors == 0 {
		// Served already by a deferred call.
		return
	}
	if jc.kind == JobNone || jc.mode != ModeIRQ || d.sectors[jc.sector].unit != u {
		// Not ours. Silence the source.
		d.write32(u, qspireg.RSER, 0)
		d.w1c(u, pending)
		d.warn("irq:spurious", slog.Int("unit", unit), slog.String("flags", pending.String()))
		return
	}
	state := jc.state
	expect, action := irqExpect[state], irqAction[state]
	var err error
	switch {
	case f&qspireg.FlagErrors != 0:
		err = d.checkFlags(u)
	case action == nil || pending&expect == 0 || pending&^expect != 0:
		err = errjoin(ErrController, unexpectedIRQ{state: state, pending: pending})
	}
	if err == nil {
		// RBDF stays set until the RX buffer is drained by the action.
		d.write32(u, qspireg.RSER, 0)
		d.w1c(u, qspireg.FlagTFF)
		err = action(d, &d.sectors[jc.sector])
	}
	if err != nil {
		d.finish(err)
		return
	}
	d.trace("irq", slog.String("from", state.String()), slog.String("to", jc.state.String()))
}

// irqArm enables the interrupt the next state waits for.
func (d *Device) irqArm(u *unit, next irqJob) {
	d.job.state = next
	d.write32(u, qspireg.RSER, uint32(irqExpect[next]))
}

// irqComplete finishes the job successfully.
func (d *Device) irqComplete() error {
	d.finish(nil)
	return nil
}

func (d *Device) irqStart() error {
	jc := &d.job
	s := d.seek()
	switch jc.kind {
	case JobErase:
		return d.irqEraseSector(s)
	case JobWrite:
		jc.budget.arm(jc.limit)
		return d.irqWriteChunk(s)
	}
	return d.irqReadChunk(s)
}

func (d *Device) irqEraseSector(s *sector) error {
	jc := &d.job
	u := s.unit
	jc.budget.arm(jc.limit)
	d.debug("irq:erase", slog.Int("sector", s.idx))
	if u.Hyperflash {
		jc.hstep = 1
		d.irqArm(u, irqErase)
		return d.hyperCommand(u, eraseCycles(s)[0])
	}
	jc.web.arm(d.timeouts.WriteEnable)
	d.irqWriteEnable(s)
	return nil
}

func (d *Device) irqWriteChunk(s *sector) error {
	jc := &d.job
	u := s.unit
	n := d.chunkSize(s, jc.addr, jc.remaining(), u.txCap, true)
	if d.writeBlank {
		if err := d.verifyRange(jc.addr, n, nil); err != nil {
			return err
		}
	}
	jc.chunk = n
	d.loadTX(u, jc.src[jc.off:jc.off+int(n)])
	if u.Hyperflash {
		d.irqArm(u, irqHyperWriteUnlock1)
		return d.hyperCommand(u, programCycles(s.chip)[0])
	}
	jc.web.arm(d.timeouts.WriteEnable)
	d.irqWriteEnable(s)
	return nil
}

func (d *Device) irqWriteEnable(s *sector) {
	jc := &d.job
	jc.wait = waitWEL
	d.irqArm(s.unit, irqWriteEnable)
	d.command(s.unit, s.unit.SeqWriteEnable, s.ext, 0, s.Channel.IsParallel())
}

// irqPollStatus reads the status of the first chip of s, or the second
// one when second is set.
func (d *Device) irqPollStatus(s *sector, second bool) {
	u := s.unit
	d.job.second = second
	addr, next := s.ext, irqGetStatus
	if second {
		addr, next = s.ext2, irqGetStatusParallel
	}
	d.irqArm(u, next)
	d.command(u, u.SeqReadStatus, addr, uint32(u.StatusWidth), false)
}

func (d *Device) irqWriteEnableSent(s *sector) error {
	d.irqPollStatus(s, false)
	return nil
}

func (d *Device) irqEraseSent(s *sector) error {
	jc := &d.job
	u := s.unit
	if !u.Hyperflash {
		jc.wait = waitIdle
		d.irqPollStatus(s, false)
		return nil
	}
	cycles := eraseCycles(s)
	if jc.hstep < len(cycles) {
		c := cycles[jc.hstep]
		jc.hstep++
		d.irqArm(u, irqErase)
		return d.hyperCommand(u, c)
	}
	d.irqArm(u, irqHyperGetStatus1)
	return d.hyperCommand(u, statusCycle(s.chip))
}

func (d *Device) irqProgramSent(s *sector) error {
	u := s.unit
	if u.Hyperflash {
		d.irqArm(u, irqHyperGetStatus1)
		return d.hyperCommand(u, statusCycle(s.chip))
	}
	d.job.wait = waitIdle
	d.irqPollStatus(s, false)
	return nil
}

// irqIssue sends the erase or program the write enable latch was set for.
func (d *Device) irqIssue(s *sector) error {
	jc := &d.job
	u := s.unit
	if jc.kind == JobErase {
		d.irqArm(u, irqErase)
		return u.proto.erase(d, s)
	}
	d.irqArm(u, irqWrite)
	return u.proto.program(d, s, s.extAddr(jc.addr), jc.chunk)
}

// irqStatus handles a standard status read for both chips of a sector.
func (d *Device) irqStatus(s *sector) error {
	jc := &d.job
	u := s.unit
	data, err := d.drainRX(u, uint32(u.StatusWidth))
	if err != nil {
		return err
	}
	st := statusWord(data)
	if jc.wait == waitWEL {
		switch {
		case !bitIs(st, u.WELBitPos, u.WELBitValue):
			if jc.web.expire() {
				return errjoin(ErrHardwareTimeout, errWEL)
			}
			d.irqWriteEnable(s)
		case s.ext2 != 0 && !jc.second:
			d.irqPollStatus(s, true)
		default:
			jc.second = false
			return d.irqIssue(s)
		}
		return nil
	}
	switch {
	case bitIs(st, u.BusyBitPos, u.BusyBitValue):
		d.busyCallout(s)
		if jc.budget.expire() {
			return errjoin(ErrHardwareTimeout, errChipBusy)
		}
		// Parallel sectors restart from the first chip.
		d.irqPollStatus(s, false)
	case s.ext2 != 0 && !jc.second:
		d.irqPollStatus(s, true)
	default:
		jc.second = false
		return d.irqOpDone(s)
	}
	return nil
}

func (d *Device) irqHyperUnlock1Sent(s *sector) error {
	d.irqArm(s.unit, irqHyperWriteUnlock2)
	return d.hyperCommand(s.unit, programCycles(s.chip)[1])
}

func (d *Device) irqHyperUnlock2Sent(s *sector) error {
	d.irqArm(s.unit, irqHyperWriteWordID)
	return d.hyperCommand(s.unit, programCycles(s.chip)[2])
}

func (d *Device) irqHyperWordIDSent(s *sector) error {
	jc := &d.job
	u := s.unit
	d.irqArm(u, irqHyperWriteWordData)
	d.command(u, u.SeqWrite, s.extAddr(jc.addr), jc.chunk, false)
	return nil
}

func (d *Device) irqHyperStatusSent(s *sector) error {
	u := s.unit
	d.irqArm(u, irqHyperGetStatus2)
	d.command(u, u.SeqReadStatus, s.chip, 2, false)
	return nil
}

func (d *Device) irqHyperStatus(s *sector) error {
	u := s.unit
	data, err := d.drainRX(u, 2)
	if err != nil {
		return err
	}
	busy, err := d.hyperStatus(u, s, s.chip, statusWord(data))
	if err != nil {
		return err
	}
	if busy {
		d.busyCallout(s)
		if d.job.budget.expire() {
			return errjoin(ErrHardwareTimeout, errChipBusy)
		}
		d.irqArm(u, irqHyperGetStatus1)
		return d.hyperCommand(u, statusCycle(s.chip))
	}
	return d.irqOpDone(s)
}

// irqOpDone runs after the memory finished an erase or program.
func (d *Device) irqOpDone(s *sector) error {
	jc := &d.job
	if err := d.opDone(s, jc.kind, s.extAddr(jc.addr)); err != nil {
		return err
	}
	switch {
	case jc.kind == JobErase && d.eraseVerify:
		jc.vaddr, jc.vend, jc.vsrc = s.start, s.end(), nil
		return d.irqVerifyChunk()
	case jc.kind == JobWrite && d.writeVerify:
		jc.vaddr, jc.vend = jc.addr, jc.addr+jc.chunk
		jc.vsrc = jc.src[jc.off : jc.off+int(jc.chunk)]
		return d.irqVerifyChunk()
	}
	return d.irqAdvance()
}

// irqAdvance moves to the next sector or chunk, or completes the job.
func (d *Device) irqAdvance() error {
	jc := &d.job
	if jc.kind == JobErase {
		jc.addr = d.sectors[jc.sector].end()
		if jc.remaining() == 0 {
			return d.irqComplete()
		}
		return d.irqEraseSector(d.seek())
	}
	jc.addr += jc.chunk
	jc.off += int(jc.chunk)
	jc.chunk = 0
	if jc.remaining() == 0 {
		return d.irqComplete()
	}
	return d.irqWriteChunk(d.seek())
}

// irqVerifyChunk reads the next chunk of the verify range.
func (d *Device) irqVerifyChunk() error {
	jc := &d.job
	i, ok := d.SectorOf(jc.vaddr)
	if !ok {
		return ErrAddress
	}
	s := &d.sectors[i]
	u := s.unit
	jc.vchunk = d.chunkSize(s, jc.vaddr, jc.vend-jc.vaddr, u.rxCap, false)
	next := irqBlankCheck
	if jc.vsrc != nil {
		next = irqCompare
	}
	d.irqArm(u, next)
	d.command(u, u.SeqRead, s.extAddr(jc.vaddr), jc.vchunk, false)
	return nil
}

// irqReadChunk reads the next chunk of a read, compare or blank check job.
func (d *Device) irqReadChunk(s *sector) error {
	jc := &d.job
	u := s.unit
	jc.chunk = d.chunkSize(s, jc.addr, jc.remaining(), u.rxCap, false)
	next := irqBlankCheck
	switch jc.kind {
	case JobRead:
		next = irqRead
	case JobCompare:
		next = irqCompare
	}
	d.irqArm(u, next)
	d.command(u, u.SeqRead, s.extAddr(jc.addr), jc.chunk, false)
	return nil
}

// irqData consumes read data. Erase and write jobs are verifying; other
// jobs are transferring.
func (d *Device) irqData(s *sector) error {
	jc := &d.job
	u := s.unit
	if jc.kind == JobErase || jc.kind == JobWrite {
		n := jc.vchunk
		data, err := d.drainRX(u, n)
		if err != nil {
			return err
		}
		var cmp []byte
		if jc.vsrc != nil {
			cmp, jc.vsrc = jc.vsrc[:n], jc.vsrc[n:]
		}
		if err := d.consume(jc.vaddr, data, nil, cmp); err != nil {
			return err
		}
		jc.vaddr += n
		if jc.vaddr < jc.vend {
			return d.irqVerifyChunk()
		}
		return d.irqAdvance()
	}
	n := jc.chunk
	data, err := d.drainRX(u, n)
	if err != nil {
		return err
	}
	if d.callouts.EccCheck != nil {
		if err := d.callouts.EccCheck(u.idx, s.extAddr(jc.addr), n); err != nil {
			return errjoin(ErrExternalChip, err)
		}
	}
	var dst, cmp []byte
	if jc.dst != nil {
		dst = jc.dst[jc.off : jc.off+int(n)]
	} else if jc.src != nil {
		cmp = jc.src[jc.off : jc.off+int(n)]
	}
	if err := d.consume(jc.addr, data, dst, cmp); err != nil {
		return err
	}
	jc.addr += n
	jc.off += int(n)
	if jc.remaining() == 0 {
		return d.irqComplete()
	}
	return d.irqReadChunk(d.seek())
}
