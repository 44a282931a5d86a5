package flsqspi

import (
	"bytes"
	"errors"
	"log/slog"

	"github.com/soypat/flsqspi/nor"
	"github.com/soypat/flsqspi/qspireg"
)

var (
	errMismatch = errors.New("data mismatch")
	errNotBlank = errors.New("memory not erased")
)

// chunkSize returns the length of the next transfer at logical addr inside
// s. Transfers never cross the sector end, and programs never cross a page
// or program line. Unaligned addresses and short tails move one byte at a time.
func (d *Device) chunkSize(s *sector, addr, remaining, capacity uint32, write bool) uint32 {
	n := min(remaining, capacity, s.end()-addr)
	ext := s.extAddr(addr)
	rel := ext - s.chip
	if write {
		if s.PageSize != 0 {
			n = min(n, s.PageSize-rel%s.PageSize)
		}
		if line := s.unit.proto.lineSize(); line != 0 {
			n = min(n, line-rel%line)
		}
	}
	if !isaligned(ext, 4) || n < 4 {
		return 1
	}
	return aligndown(n, 4)
}

// prepareRead drops stale memory mapped data before an AHB read of the
// given range. Erases and programs do not update the AHB buffers.
func (d *Device) prepareRead(s *sector, addr, n uint32) {
	u := s.unit
	if u.ReadMode != ReadAHB || d.job.mode == ModeIRQ {
		return
	}
	ext := s.extAddr(addr)
	d.write32(u, qspireg.SPTRCLR, qspireg.SPTRCLR_BFPTRC)
	if d.callouts.CacheClear != nil {
		d.callouts.CacheClear(ext, n)
	}
	d.trace("ahb:invalidate", hexattr("ext", ext), slog.Uint64("n", uint64(n)))
}

// transfer reads n bytes at logical addr inside s. The data is copied to
// dst, compared against cmp, or checked for the erased value when both are nil.
func (d *Device) transfer(s *sector, addr, n uint32, dst, cmp []byte) error {
	u := s.unit
	ext := s.extAddr(addr)
	var data []byte
	if u.ReadMode == ReadAHB && d.job.mode != ModeIRQ {
		data = d.ahbRead(ext, n)
	} else {
		var err error
		data, err = d.ipRead(u, u.SeqRead, ext, n, d.ctrlLimit())
		if err != nil {
			return err
		}
	}
	if d.callouts.EccCheck != nil {
		if err := d.callouts.EccCheck(u.idx, ext, n); err != nil {
			return errjoin(ErrExternalChip, err)
		}
	}
	return d.consume(addr, data, dst, cmp)
}

func (d *Device) consume(addr uint32, data, dst, cmp []byte) error {
	switch {
	case dst != nil:
		copy(dst, data)
	case cmp != nil:
		if !bytes.Equal(data, cmp) {
			d.debug("compare:mismatch", hexattr("addr", addr), slog.Int("n", len(data)))
			return errjoin(ErrBlockInconsistent, errMismatch)
		}
	default:
		for _, b := range data {
			if b != nor.Erased {
				d.debug("blankcheck:programmed", hexattr("addr", addr), slog.Int("n", len(data)))
				return errjoin(ErrBlockInconsistent, errNotBlank)
			}
		}
	}
	return nil
}

// ahbRead loads n bytes from the memory window into d.rxBuf. Aligned data
// is loaded by words.
func (d *Device) ahbRead(ext, n uint32) []byte {
	buf := d.rxBuf[:n]
	var i uint32
	for ; i+4 <= n && isaligned(ext+i, 4); i += 4 {
		w := d.bus.Read32(ext + i)
		buf[i] = byte(w)
		buf[i+1] = byte(w >> 8)
		buf[i+2] = byte(w >> 16)
		buf[i+3] = byte(w >> 24)
	}
	for ; i < n; i++ {
		buf[i] = d.bus.Read8(ext + i)
	}
	return buf
}

// verifyRange compares n bytes at logical addr against cmp, or blank
// checks them when cmp is nil. It runs through the regular read path.
func (d *Device) verifyRange(addr, n uint32, cmp []byte) error {
	var last *unit
	for n > 0 {
		i, ok := d.SectorOf(addr)
		if !ok {
			return ErrAddress
		}
		s := &d.sectors[i]
		if s.unit != last {
			d.prepareRead(s, addr, n)
			last = s.unit
		}
		c := d.chunkSize(s, addr, n, s.unit.rxCap, false)
		var chunk []byte
		if cmp != nil {
			chunk, cmp = cmp[:c], cmp[c:]
		}
		if err := d.transfer(s, addr, c, nil, chunk); err != nil {
			return err
		}
		addr += c
		n -= c
	}
	return nil
}
