package flsqspi

import (
	"errors"
	"log/slog"
	"strconv"

	"github.com/soypat/flsqspi/nor"
	"github.com/soypat/flsqspi/qspireg"
)

// Channel selects the chip (or lockstep chip pair) a sector lives on.
type Channel uint8

const (
	ChannelA1 Channel = iota
	ChannelA2
	ChannelB1
	ChannelB2
	// ChannelA1B1 and ChannelA2B2 drive two chips in parallel mode.
	ChannelA1B1
	ChannelA2B2
	numChannels
)

func (ch Channel) String() string {
	switch ch {
	case ChannelA1:
		return "A1"
	case ChannelA2:
		return "A2"
	case ChannelB1:
		return "B1"
	case ChannelB2:
		return "B2"
	case ChannelA1B1:
		return "A1B1"
	case ChannelA2B2:
		return "A2B2"
	}
	return "Channel(" + strconv.Itoa(int(ch)) + ")"
}

// IsParallel reports whether ch addresses two chips.
func (ch Channel) IsParallel() bool { return ch == ChannelA1B1 || ch == ChannelA2B2 }

// chips returns the chip select slots behind ch. second is -1 for
// individual channels.
func (ch Channel) chips() (first, second int) {
	switch ch {
	case ChannelA1B1:
		return 0, 2
	case ChannelA2B2:
		return 1, 3
	}
	return int(ch), -1
}

// ReadMode selects how read, compare and blank check jobs access memory.
type ReadMode uint8

const (
	// ReadIP issues an explicit read command per chunk and drains the RX buffer.
	ReadIP ReadMode = iota
	// ReadAHB loads from the memory mapped window.
	ReadAHB
)

// UnitConfig describes one QSPI controller instance and the memory attached to it.
type UnitConfig struct {
	RegBase uint32 // Register block base address.
	MemBase uint32 // Memory mapped window base address.

	// Hyperflash selects the Hyperflash command protocol. LUT sequence
	// qspireg.ScratchSeq is then reserved for command cycles.
	Hyperflash bool

	// LUT sequence indices used for each operation.
	SeqRead        int
	SeqWrite       int
	SeqErase       int
	SeqWriteEnable int
	SeqReadStatus  int
	SeqReadID      int
	SeqAHBRead     int
	// LUT holds the sequences programmed at Init, keyed by index.
	LUT map[int]qspireg.Seq

	// StatusWidth is the status register width in bytes (1 or 2).
	StatusWidth int
	// The chip is busy when bit BusyBitPos of status equals BusyBitValue.
	BusyBitPos   uint8
	BusyBitValue uint8
	// Writes are enabled when bit WELBitPos of status equals WELBitValue.
	WELBitPos   uint8
	WELBitValue uint8

	ReadMode ReadMode
	// HyperLatency is the number of dummy cycles of a Hyperflash read.
	HyperLatency uint8
	// LUTProtect unlocks the LUT around every LUT update and locks it after.
	LUTProtect bool

	// Buffer capacities in bytes. Zero selects the controller maximum.
	TxBufSize uint32
	RxBufSize uint32
	// ChipSize holds the size of chips A1, A2, B1 and B2. Regions are laid
	// out in that order from MemBase.
	ChipSize [4]uint32
}

// SectorConfig maps one logical sector onto external memory.
type SectorConfig struct {
	Unit    int
	Channel Channel
	// Offset is the sector's address within the channel's chip.
	Offset   uint32
	Size     uint32
	PageSize uint32
}

// Timeouts are poll budgets. A budget of N allows N busy observations;
// the N'th fails the job with ErrHardwareTimeout.
type Timeouts struct {
	SyncErase  int
	SyncWrite  int
	SyncRead   int
	AsyncErase int
	AsyncWrite int
	AsyncRead  int
	IRQErase   int
	IRQWrite   int
	IRQRead    int
	// WriteEnable bounds the write enable latch retries.
	WriteEnable int
	// LUTLock bounds the LUT lock and unlock handshake.
	LUTLock int
}

// Callouts are optional application hooks.
type Callouts struct {
	// Init is called at the end of Init for each unit.
	Init func(unit int) error
	// Reset is called when a status poll finds the memory busy, giving the
	// application a chance to recover the chip before the next poll.
	Reset func(unit int, ch Channel)
	// ErrorCheck is called after every erase and program completes. A non
	// nil error fails the job with ErrExternalChip.
	ErrorCheck func(unit int, op JobKind, addr uint32) error
	// EccCheck is called after every chunk read. A non nil error fails the
	// job with ErrExternalChip.
	EccCheck func(unit int, addr, length uint32) error
	// CacheClear invalidates system cache lines before memory mapped reads.
	CacheClear func(addr, length uint32)
}

type Config struct {
	Units    []UnitConfig
	Sectors  []SectorConfig
	Timeouts Timeouts
	Callouts Callouts
	Logger   *slog.Logger

	// EraseVerify blank checks every sector after it is erased.
	EraseVerify bool
	// WriteVerify compares every chunk against the source after programming.
	WriteVerify bool
	// WriteBlankCheck blank checks every chunk before programming it.
	WriteBlankCheck bool
	// MaxEraseBlankCheck is the number of bytes blank checked per
	// MainFunction tick after an async erase. Zero checks a whole RX buffer.
	MaxEraseBlankCheck uint32
}

// maxUnits is the number of QSPI units a Device can drive.
const maxUnits = 32

// S32K14x QuadSPI instance.
const (
	defaultRegBase = 0x4007_6000
	defaultMemBase = 0x6800_0000
)

// DefaultTimeouts returns generous poll budgets.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		SyncErase:   2_000_000,
		SyncWrite:   200_000,
		SyncRead:    10_000,
		AsyncErase:  20_000,
		AsyncWrite:  2_000,
		AsyncRead:   100,
		IRQErase:    2_000_000,
		IRQWrite:    200_000,
		IRQRead:     10_000,
		WriteEnable: 1000,
		LUTLock:     1000,
	}
}

// Sequence indices used by the default configurations.
const (
	SeqRead        = 0
	SeqWriteEnable = 1
	SeqErase       = 2
	SeqReadStatus  = 3
	SeqWrite       = 4
	SeqReadID      = 5
)

// NORLUT returns LUT sequences for a quad SPI NOR flash with 4KB sectors.
func NORLUT() map[int]qspireg.Seq {
	in := qspireg.NewInstr
	return map[int]qspireg.Seq{
		SeqRead: qspireg.MakeSeq(
			in(qspireg.OpCmd, qspireg.Pad1, nor.CmdQuadRead),
			in(qspireg.OpAddr, qspireg.Pad4, 24),
			in(qspireg.OpMode, qspireg.Pad4, 0xF0),
			in(qspireg.OpDummy, qspireg.Pad4, 4),
			in(qspireg.OpRead, qspireg.Pad4, qspireg.RxBufSize),
			in(qspireg.OpJmpOnCS, qspireg.Pad1, 0),
		),
		SeqWriteEnable: qspireg.MakeSeq(
			in(qspireg.OpCmd, qspireg.Pad1, nor.CmdWriteEnable),
		),
		SeqErase: qspireg.MakeSeq(
			in(qspireg.OpCmd, qspireg.Pad1, nor.CmdSectorErase),
			in(qspireg.OpAddr, qspireg.Pad1, 24),
		),
		SeqReadStatus: qspireg.MakeSeq(
			in(qspireg.OpCmd, qspireg.Pad1, nor.CmdReadStatus),
			in(qspireg.OpRead, qspireg.Pad1, 1),
		),
		SeqWrite: qspireg.MakeSeq(
			in(qspireg.OpCmd, qspireg.Pad1, nor.CmdPageProgram),
			in(qspireg.OpAddr, qspireg.Pad1, 24),
			in(qspireg.OpWrite, qspireg.Pad1, qspireg.TxBufSize),
		),
		SeqReadID: qspireg.MakeSeq(
			in(qspireg.OpCmd, qspireg.Pad1, nor.CmdReadID),
			in(qspireg.OpRead, qspireg.Pad1, 3),
		),
	}
}

// HyperflashLUT returns the read and write sequences of a Hyperflash with
// the given read latency. Command cycles are built on the fly.
func HyperflashLUT(latency uint8) map[int]qspireg.Seq {
	in := qspireg.NewInstr
	return map[int]qspireg.Seq{
		SeqRead: qspireg.MakeSeq(
			in(qspireg.OpCmdDDR, qspireg.Pad8, nor.HyperCARead),
			in(qspireg.OpAddrDDR, qspireg.Pad8, 24),
			in(qspireg.OpCAddrDDR, qspireg.Pad8, 16),
			in(qspireg.OpDummy, qspireg.Pad8, latency),
			in(qspireg.OpReadDDR, qspireg.Pad8, qspireg.RxBufSize),
		),
		SeqWrite: qspireg.MakeSeq(
			in(qspireg.OpCmdDDR, qspireg.Pad8, nor.HyperCAWrite),
			in(qspireg.OpAddrDDR, qspireg.Pad8, 24),
			in(qspireg.OpCAddrDDR, qspireg.Pad8, 16),
			in(qspireg.OpWriteDDR, qspireg.Pad8, qspireg.TxBufSize),
		),
	}
}

// UniformSectors lays out count sectors of equal size back to back on a channel.
func UniformSectors(unit int, ch Channel, offset, size, pageSize uint32, count int) []SectorConfig {
	sectors := make([]SectorConfig, count)
	for i := range sectors {
		sectors[i] = SectorConfig{
			Unit:     unit,
			Channel:  ch,
			Offset:   offset + uint32(i)*size,
			Size:     size,
			PageSize: pageSize,
		}
	}
	return sectors
}

// DefaultNORConfig returns the configuration of a 16MB quad SPI NOR flash
// on chip select A1 with sixteen 4KB sectors mapped.
func DefaultNORConfig() Config {
	return Config{
		Units: []UnitConfig{{
			RegBase:        defaultRegBase,
			MemBase:        defaultMemBase,
			SeqRead:        SeqRead,
			SeqWrite:       SeqWrite,
			SeqErase:       SeqErase,
			SeqWriteEnable: SeqWriteEnable,
			SeqReadStatus:  SeqReadStatus,
			SeqReadID:      SeqReadID,
			SeqAHBRead:     SeqRead,
			LUT:            NORLUT(),
			StatusWidth:    1,
			BusyBitPos:     0,
			BusyBitValue:   1,
			WELBitPos:      1,
			WELBitValue:    1,
			ChipSize:       [4]uint32{16 << 20},
		}},
		Sectors:            UniformSectors(0, ChannelA1, 0, 4096, 256, 16),
		Timeouts:           DefaultTimeouts(),
		MaxEraseBlankCheck: 256,
	}
}

// DefaultHyperflashConfig returns the configuration of a 64MB Hyperflash on
// chip select A1 with four 256KB sectors mapped.
func DefaultHyperflashConfig() Config {
	const latency = 16
	return Config{
		Units: []UnitConfig{{
			RegBase:    defaultRegBase,
			MemBase:    defaultMemBase,
			Hyperflash: true,
			SeqRead:    SeqRead,
			SeqWrite:   SeqWrite,
			// Erase, write enable, status and ID are command cycles.
			SeqErase:       qspireg.ScratchSeq,
			SeqWriteEnable: qspireg.ScratchSeq,
			SeqReadStatus:  SeqRead,
			SeqReadID:      SeqRead,
			SeqAHBRead:     SeqRead,
			LUT:            HyperflashLUT(latency),
			StatusWidth:    2,
			BusyBitPos:     7, // DRB.
			BusyBitValue:   0,
			HyperLatency:   latency,
			LUTProtect:     true,
			ChipSize:       [4]uint32{64 << 20},
		}},
		Sectors:            UniformSectors(0, ChannelA1, 0, 256<<10, nor.HyperLineSize, 4),
		Timeouts:           DefaultTimeouts(),
		MaxEraseBlankCheck: 512,
	}
}

func cfgerr(msg string, idx int) error {
	return errjoin(ErrConfiguration, errors.New(msg+" (index "+strconv.Itoa(idx)+")"))
}

func (cfg *Config) validate() error {
	if len(cfg.Units) == 0 || len(cfg.Units) > maxUnits {
		return errjoin(ErrConfiguration, errors.New("no units or too many units"))
	}
	if len(cfg.Sectors) == 0 {
		return errjoin(ErrConfiguration, errors.New("no sectors"))
	}
	t := cfg.Timeouts
	for _, v := range [...]int{t.SyncErase, t.SyncWrite, t.SyncRead, t.AsyncErase, t.AsyncWrite,
		t.AsyncRead, t.IRQErase, t.IRQWrite, t.IRQRead, t.WriteEnable, t.LUTLock} {
		if v <= 0 {
			return errjoin(ErrConfiguration, errors.New("timeouts must be positive"))
		}
	}
	for i := range cfg.Units {
		if err := cfg.Units[i].validate(i); err != nil {
			return err
		}
	}
	for i, s := range cfg.Sectors {
		if s.Unit < 0 || s.Unit >= len(cfg.Units) {
			return cfgerr("sector unit out of range", i)
		}
		if s.Channel >= numChannels {
			return cfgerr("bad sector channel", i)
		}
		if s.Size == 0 || !isaligned(s.Size, 4) {
			return cfgerr("sector size must be a non zero multiple of 4", i)
		}
		if s.PageSize != 0 && (s.PageSize&(s.PageSize-1) != 0 || s.PageSize < 4) {
			return cfgerr("page size must be a power of two", i)
		}
		u := &cfg.Units[s.Unit]
		first, second := s.Channel.chips()
		if u.ChipSize[first] < s.Offset || u.ChipSize[first]-s.Offset < s.Size {
			return cfgerr("sector exceeds chip", i)
		}
		if second >= 0 {
			if u.Hyperflash {
				return cfgerr("parallel Hyperflash unsupported", i)
			}
			if u.ChipSize[second] < s.Offset || u.ChipSize[second]-s.Offset < s.Size {
				return cfgerr("sector exceeds second chip", i)
			}
		}
	}
	return nil
}

func (u *UnitConfig) validate(idx int) error {
	seqs := [...]int{u.SeqRead, u.SeqWrite, u.SeqErase, u.SeqWriteEnable, u.SeqReadStatus, u.SeqReadID, u.SeqAHBRead}
	for _, s := range seqs {
		if s < 0 || s >= qspireg.LUTSeqCount {
			return cfgerr("LUT sequence index out of range", idx)
		}
	}
	for s, seq := range u.LUT {
		if s < 0 || s >= qspireg.LUTSeqCount || !seq.Valid() {
			return cfgerr("invalid LUT sequence "+strconv.Itoa(s), idx)
		}
		if u.Hyperflash && s == qspireg.ScratchSeq {
			return cfgerr("LUT sequence 15 reserved for Hyperflash commands", idx)
		}
	}
	if u.Hyperflash && (u.SeqRead == qspireg.ScratchSeq || u.SeqWrite == qspireg.ScratchSeq || u.SeqAHBRead == qspireg.ScratchSeq) {
		return cfgerr("data sequences may not use the scratch sequence", idx)
	}
	if u.StatusWidth != 1 && u.StatusWidth != 2 {
		return cfgerr("status width must be 1 or 2", idx)
	}
	maxbit := uint8(u.StatusWidth * 8)
	if u.BusyBitPos >= maxbit || u.WELBitPos >= maxbit || u.BusyBitValue > 1 || u.WELBitValue > 1 {
		return cfgerr("bad status bit", idx)
	}
	if u.ReadMode > ReadAHB {
		return cfgerr("bad read mode", idx)
	}
	if u.TxBufSize > qspireg.TxBufSize || u.RxBufSize > qspireg.RxBufSize ||
		!isaligned(u.TxBufSize, 4) || !isaligned(u.RxBufSize, 4) {
		return cfgerr("bad buffer size", idx)
	}
	var total uint64
	for _, sz := range u.ChipSize {
		total += uint64(sz)
	}
	if total == 0 || uint64(u.MemBase)+total > 1<<32 {
		return cfgerr("bad chip sizes", idx)
	}
	return nil
}
