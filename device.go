// package flsqspi drives NOR and Hyperflash memories attached to a QSPI
// controller. Jobs (erase, write, read, compare and blank check) run
// synchronously, advanced by MainFunction, or advanced by HandleInterrupt.
package flsqspi

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/soypat/flsqspi/qspireg"
	"golang.org/x/exp/constraints"
)

// Device manages the configured QSPI units and the single job in flight.
type Device struct {
	cs critical
	// deferredIRQ holds one bit per unit whose interrupt arrived while a
	// critical section was open.
	deferredIRQ atomic.Uint32
	bus         Bus
	units       []unit
	sectors     []sector
	size        uint32 // Logical address space size.
	timeouts    Timeouts
	callouts    Callouts
	eraseVerify bool
	writeVerify bool
	writeBlank  bool
	maxBlank    uint32
	initialized bool
	job         jobContext
	// rxBuf holds a drained RX buffer.
	rxBuf         [qspireg.RxBufSize]byte
	logger        *slog.Logger
	_traceenabled bool
}

// unit is the runtime context of one controller, derived from UnitConfig at Init.
type unit struct {
	UnitConfig
	idx   int
	proto adapter
	// region holds the absolute start address of each chip select region.
	region [4]uint32
	txCap  uint32
	rxCap  uint32
}

type sector struct {
	SectorConfig
	idx   int
	unit  *unit
	start uint32 // Logical start address.
	// ext is the absolute address of the sector on its first chip, chip is
	// that chip's region start. ext2 and chip2 are the second chip of a
	// parallel pair, zero otherwise.
	ext   uint32
	chip  uint32
	ext2  uint32
	chip2 uint32
}

func (s *sector) end() uint32 { return s.start + s.Size }

// extAddr converts a logical address inside s to an absolute address on
// the first chip.
func (s *sector) extAddr(addr uint32) uint32 { return s.ext + addr - s.start }

// New returns a Device using bus for register access. Init must be called
// before any job.
func New(bus Bus) *Device {
	return &Device{bus: bus, job: jobContext{result: ResultOK}}
}

// Init validates cfg and programs every configured unit.
func (d *Device) Init(cfg Config) error {
	defer d.release(d.acquire())
	if d.job.kind != JobNone {
		return ErrJobPending
	}
	d.logger = cfg.Logger
	d._traceenabled = d.logger != nil && d.logger.Handler().Enabled(context.Background(), levelTrace)
	d.initialized = false
	d.info("Init:start", slog.Int("units", len(cfg.Units)), slog.Int("sectors", len(cfg.Sectors)))
	if err := cfg.validate(); err != nil {
		d.logerr("Init:config", slog.String("err", err.Error()))
		return err
	}
	d.timeouts = cfg.Timeouts
	d.callouts = cfg.Callouts
	d.eraseVerify = cfg.EraseVerify
	d.writeVerify = cfg.WriteVerify
	d.writeBlank = cfg.WriteBlankCheck
	d.maxBlank = cfg.MaxEraseBlankCheck

	d.units = make([]unit, len(cfg.Units))
	for i := range d.units {
		u := &d.units[i]
		u.UnitConfig = cfg.Units[i]
		u.idx = i
		u.txCap = u.TxBufSize
		if u.txCap == 0 {
			u.txCap = qspireg.TxBufSize
		}
		u.rxCap = u.RxBufSize
		if u.rxCap == 0 {
			u.rxCap = qspireg.RxBufSize
		}
		if u.Hyperflash {
			u.proto = hyperflash{}
		} else {
			u.proto = standard{}
		}
		start := u.MemBase
		for c, sz := range u.ChipSize {
			u.region[c] = start
			start += sz
		}
	}
	if d.maxBlank == 0 {
		d.maxBlank = qspireg.RxBufSize
	}

	d.sectors = make([]sector, len(cfg.Sectors))
	var logical uint32
	for i := range d.sectors {
		s := &d.sectors[i]
		s.SectorConfig = cfg.Sectors[i]
		s.idx = i
		s.unit = &d.units[s.Unit]
		s.start = logical
		first, second := s.Channel.chips()
		s.chip = s.unit.region[first]
		s.ext = s.chip + s.Offset
		if second >= 0 {
			s.chip2 = s.unit.region[second]
			s.ext2 = s.chip2 + s.Offset
		}
		logical += s.Size
	}
	d.size = logical

	for i := range d.units {
		if err := d.initUnit(&d.units[i]); err != nil {
			d.logerr("Init:unit", slog.Int("unit", i), slog.String("err", err.Error()))
			return err
		}
	}
	d.initialized = true
	d.job = jobContext{result: ResultOK}
	d.info("Init:done", slog.Uint64("size", uint64(d.size)))
	return nil
}

func (d *Device) initUnit(u *unit) error {
	d.debug("initUnit", slog.Int("unit", u.idx), hexattr("regbase", u.RegBase), slog.Bool("hyperflash", u.Hyperflash))
	d.setBits(u, qspireg.MCR, qspireg.MCR_MDIS)
	top := u.MemBase
	for c, sz := range u.ChipSize {
		top += sz
		d.write32(u, qspireg.SFA1AD+uint32(c)*4, top)
	}
	d.write32(u, qspireg.BFGENCR, uint32(u.SeqAHBRead)<<qspireg.BFGENCR_SEQID_SHIFT)
	for id := 0; id < qspireg.LUTSeqCount; id++ {
		seq, ok := u.LUT[id]
		if !ok {
			continue
		}
		if err := d.encodeAndStore(u, id, seq); err != nil {
			return err
		}
	}
	mcr := d.read32(u, qspireg.MCR) &^ qspireg.MCR_MDIS
	if u.Hyperflash {
		mcr |= qspireg.MCR_DDR_EN
	}
	d.write32(u, qspireg.MCR, mcr|qspireg.MCR_CLR_TXF|qspireg.MCR_CLR_RXF)
	d.write32(u, qspireg.RSER, 0)
	d.w1c(u, qspireg.FlagAll)
	if d.callouts.Init != nil {
		if err := d.callouts.Init(u.idx); err != nil {
			return errjoin(ErrExternalChip, err)
		}
	}
	return nil
}

// Cancel stops the job in flight. Interrupts are disabled, flags cleared
// and the result forced to ResultCanceled. Memory already programmed or
// erased is left as is.
func (d *Device) Cancel() {
	defer d.release(d.acquire())
	for i := range d.units {
		u := &d.units[i]
		d.write32(u, qspireg.RSER, 0)
		d.w1c(u, qspireg.FlagAll)
	}
	if d.job.kind != JobNone {
		d.info("Cancel", slog.String("job", d.job.kind.String()), slog.String("state", d.job.state.String()))
	}
	d.job = jobContext{result: ResultCanceled, err: ErrCanceled}
}

// JobResult returns the result of the last job, ResultPending while one runs.
func (d *Device) JobResult() JobResult {
	defer d.release(d.acquire())
	return d.job.result
}

// Err returns the error of the last failed job.
func (d *Device) Err() error {
	defer d.release(d.acquire())
	return d.job.err
}

// Busy reports whether a job is in flight.
func (d *Device) Busy() bool {
	defer d.release(d.acquire())
	return d.job.kind != JobNone
}

// SectorCount returns the number of configured sectors.
func (d *Device) SectorCount() int { return len(d.sectors) }

// SectorStart returns the logical start address of sector i.
func (d *Device) SectorStart(i int) uint32 { return d.sectors[i].start }

// SectorSize returns the size of sector i.
func (d *Device) SectorSize(i int) uint32 { return d.sectors[i].Size }

// Size returns the size of the logical address space.
func (d *Device) Size() uint32 { return d.size }

// SectorOf returns the sector containing logical address addr.
func (d *Device) SectorOf(addr uint32) (int, bool) {
	// Sectors are sorted by logical address.
	lo, hi := 0, len(d.sectors)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if d.sectors[mid].end() <= addr {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == len(d.sectors) {
		return 0, false
	}
	return lo, true
}

// alignup rounds `val` up to nearest multiple of `align`. `align` must be a power of 2.
func alignup[T constraints.Unsigned](val, align T) T {
	return (val + align - 1) &^ (align - 1)
}

// aligndown rounds `val` down to nearest multiple of `align`. `align` must be a power of 2.
func aligndown[T constraints.Unsigned](val, align T) T {
	return val &^ (align - 1)
}

// isaligned checks if `val` is wholly divisible by `align`. `align` must be a power of 2.
func isaligned[T constraints.Unsigned](val, align T) bool {
	return val&(align-1) == 0
}
