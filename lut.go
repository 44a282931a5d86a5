package flsqspi

import (
	"errors"
	"log/slog"

	"github.com/soypat/flsqspi/qspireg"
)

var errLUTLock = errors.New("LUT lock not acknowledged")

// encodeAndStore writes seq into LUT sequence id. Protected units unlock
// the LUT first and lock it again afterwards.
func (d *Device) encodeAndStore(u *unit, id int, seq qspireg.Seq) error {
	if u.LUTProtect {
		if err := d.lutLock(u, false); err != nil {
			return err
		}
	}
	words := seq.Words()
	for w, val := range words {
		d.write32(u, qspireg.LUTAddr(id, w), val)
	}
	d.trace("lut:store", slog.Int("seq", id), slog.String("instr", seq.String()))
	if u.LUTProtect {
		return d.lutLock(u, true)
	}
	return nil
}

// lutLock performs the key handshake that locks or unlocks the LUT and
// waits for the controller to acknowledge it.
func (d *Device) lutLock(u *unit, lock bool) error {
	want := uint32(qspireg.LCKCR_UNLOCK)
	if lock {
		want = qspireg.LCKCR_LOCK
	}
	d.write32(u, qspireg.LUTKEY, qspireg.LUTKeyValue)
	d.write32(u, qspireg.LCKCR, want)
	b := budget{left: d.timeouts.LUTLock}
	for d.read32(u, qspireg.LCKCR)&want == 0 {
		if b.expire() {
			d.logerr("lut:lock", slog.Int("unit", u.idx), slog.Bool("lock", lock))
			return errjoin(ErrHardwareTimeout, errLUTLock)
		}
	}
	return nil
}

// launch triggers LUT sequence id at the address held in SFAR. A size of
// zero uses the sizes embedded in the sequence.
func (d *Device) launch(u *unit, id int, size uint32, parallel bool) {
	d.w1c(u, qspireg.FlagTFF|qspireg.FlagRBDF)
	ipcr := uint32(id)<<qspireg.IPCR_SEQID_SHIFT | size&qspireg.IPCR_IDATSZ_MASK
	if parallel {
		ipcr |= qspireg.IPCR_PAR_EN
	}
	d.write32(u, qspireg.IPCR, ipcr)
}

// command points SFAR at addr and launches sequence id.
func (d *Device) command(u *unit, id int, addr, size uint32, parallel bool) {
	d.write32(u, qspireg.SFAR, addr)
	d.trace("cmd", slog.Int("seq", id), hexattr("addr", addr), slog.Uint64("size", uint64(size)), slog.Bool("par", parallel))
	d.launch(u, id, size, parallel)
}

// loadTX queues src in the TX buffer, padding the last word with erased bytes.
func (d *Device) loadTX(u *unit, src []byte) {
	d.setBits(u, qspireg.MCR, qspireg.MCR_CLR_TXF)
	for len(src) > 0 {
		word := uint32(0xFFFF_FFFF)
		for i := 0; i < 4 && i < len(src); i++ {
			word = word&^(0xFF<<(8*i)) | uint32(src[i])<<(8*i)
		}
		d.write32(u, qspireg.TBDR, word)
		src = src[min(4, len(src)):]
	}
}

// drainRX copies n bytes of the RX buffer into d.rxBuf and empties the buffer.
func (d *Device) drainRX(u *unit, n uint32) ([]byte, error) {
	f := d.flags(u)
	if f&qspireg.FlagRBDF == 0 {
		return nil, errjoin(ErrController, errNoRXData)
	}
	words := (d.read32(u, qspireg.RBSR) & qspireg.RBSR_RDBFL_MASK) >> qspireg.RBSR_RDBFL_SHIFT
	if words*4 < n {
		return nil, errjoin(ErrController, errNoRXData)
	}
	for i := uint32(0); i < alignup(n, 4)/4; i++ {
		w := d.read32(u, qspireg.RBDRAddr(int(i)))
		d.rxBuf[4*i] = byte(w)
		d.rxBuf[4*i+1] = byte(w >> 8)
		d.rxBuf[4*i+2] = byte(w >> 16)
		d.rxBuf[4*i+3] = byte(w >> 24)
	}
	d.setBits(u, qspireg.MCR, qspireg.MCR_CLR_RXF)
	d.w1c(u, qspireg.FlagRBDF)
	return d.rxBuf[:n], nil
}

var errNoRXData = errors.New("RX buffer underflow")

// ipRead runs a read sequence of n bytes at addr and waits for the data.
func (d *Device) ipRead(u *unit, id int, addr, n uint32, limit int) ([]byte, error) {
	d.setBits(u, qspireg.MCR, qspireg.MCR_CLR_RXF)
	d.command(u, id, addr, n, false)
	if err := d.waitCtrlIdle(u, limit); err != nil {
		return nil, err
	}
	if err := d.checkFlags(u); err != nil {
		return nil, err
	}
	return d.drainRX(u, n)
}
