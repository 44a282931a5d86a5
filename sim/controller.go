// package sim simulates a QSPI controller register file with external memory
// chips attached to it. It implements the register access capability the
// flsqspi driver consumes so jobs can run on a host without hardware.
package sim

import (
	"encoding/binary"

	"github.com/soypat/flsqspi/qspireg"
	"golang.org/x/exp/constraints"
)

// Slot identifies a chip select of the controller.
type Slot uint8

const (
	SlotA1 Slot = iota
	SlotA2
	SlotB1
	SlotB2
	numSlots
)

func (s Slot) String() string {
	switch s {
	case SlotA1:
		return "A1"
	case SlotA2:
		return "A2"
	case SlotB1:
		return "B1"
	case SlotB2:
		return "B2"
	}
	return "invalid"
}

// pair returns the slot driven in lockstep with s in parallel mode.
func (s Slot) pair() Slot { return s ^ 2 }

// Chip is an external memory attached to a slot.
type Chip interface {
	// Transact executes a bus transaction addressed relative to the chip
	// and returns tx.ReadLen bytes when tx.Read is set.
	Transact(tx *Transaction) []byte
}

// Transaction is a decoded LUT sequence as it appears on the serial bus.
type Transaction struct {
	DDR bool
	// Cmd holds command bytes sent before the address phase.
	Cmd     []byte
	HasAddr bool
	Addr    uint32
	// Post holds command bytes sent after the address phase.
	Post    []byte
	Dummy   int
	Write   bool
	Data    []byte
	Read    bool
	ReadLen int
}

// Record is an IP command observed by the controller.
type Record struct {
	Slot     Slot
	Parallel bool
	Seq      int
	Tx       Transaction
	// IdleChecks counts status register reads since the previous IP command.
	IdleChecks int
}

const (
	defaultAHBLine = 64
	lutWords       = qspireg.LUTSeqCount * qspireg.LUTSeqWords
)

// Controller is a simulated QSPI controller. The exported knobs may be set
// before or between driver calls to inject behaviour.
type Controller struct {
	RegBase uint32
	MemBase uint32
	// MemSize is the size of the memory window. Zero means 256MB.
	MemSize uint32

	// BusyPolls is the number of SR reads reporting BUSY after an IP command.
	BusyPolls int
	// StuckBusy keeps SR.BUSY set forever.
	StuckBusy bool
	// StuckLUTLock ignores every lock/unlock request.
	StuckLUTLock bool
	// LockedAtReset starts with the LUT write protected.
	LockedAtReset bool
	// AHBLineSize is the size of an AHB prefetch line. Zero means 64.
	AHBLineSize uint32

	// Records holds every IP command executed.
	Records []Record
	// AHBFetches counts AHB lines fetched from the chips.
	AHBFetches int
	// Invalidations counts AHB buffer invalidations.
	Invalidations int

	chips    [numSlots]Chip
	mcr      uint32
	ipcr     uint32
	bfgencr  uint32
	sfar     uint32
	rbct     uint32
	fr       uint32
	rser     uint32
	top      [numSlots]uint32
	lut      [lutWords]uint32
	locked   bool
	keyArmed bool
	tx       []byte
	rx       [qspireg.RxBufWords]uint32
	rxWords  int
	busyLeft int
	idleSeen int
	other    map[uint32]uint32
	ahb      map[uint32][]byte
	reset    bool
}

// NewController returns a controller with register block at regBase and
// memory window at memBase.
func NewController(regBase, memBase uint32) *Controller {
	return &Controller{RegBase: regBase, MemBase: memBase}
}

// Attach connects chip to slot s.
func (c *Controller) Attach(s Slot, chip Chip) {
	c.chips[s] = chip
}

// Chip returns the chip attached to s.
func (c *Controller) Chip(s Slot) Chip { return c.chips[s] }

func (c *Controller) init() {
	if c.reset {
		return
	}
	c.reset = true
	c.locked = c.LockedAtReset
	c.mcr = qspireg.MCR_MDIS
	if c.other == nil {
		c.other = make(map[uint32]uint32)
	}
	if c.ahb == nil {
		c.ahb = make(map[uint32][]byte)
	}
}

func (c *Controller) memSize() uint32 {
	if c.MemSize == 0 {
		return 256 << 20
	}
	return c.MemSize
}

func (c *Controller) lineSize() uint32 {
	if c.AHBLineSize == 0 {
		return defaultAHBLine
	}
	return c.AHBLineSize
}

// OwnsReg reports whether addr falls in the register block.
func (c *Controller) OwnsReg(addr uint32) bool {
	return addr >= c.RegBase && addr-c.RegBase < qspireg.RegSpan
}

// OwnsMem reports whether addr falls in the memory window.
func (c *Controller) OwnsMem(addr uint32) bool {
	return addr >= c.MemBase && addr-c.MemBase < c.memSize()
}

// InterruptPending reports whether an enabled flag is set, i.e. the
// interrupt line of the unit is asserted.
func (c *Controller) InterruptPending() bool {
	return c.fr&c.rser != 0
}

// Flags returns the raw flag register.
func (c *Controller) Flags() qspireg.Flag { return qspireg.Flag(c.fr) }

// Enabled returns the raw interrupt enable register.
func (c *Controller) Enabled() qspireg.Flag { return qspireg.Flag(c.rser) }

// Raise sets flags as if hardware had signalled them.
func (c *Controller) Raise(f qspireg.Flag) {
	c.init()
	c.fr |= uint32(f)
}

// Locked reports whether the LUT is write protected.
func (c *Controller) Locked() bool {
	c.init()
	return c.locked
}

// LUT returns LUT sequence seq as stored.
func (c *Controller) LUT(seq int) qspireg.Seq {
	var w [qspireg.LUTSeqWords]uint32
	copy(w[:], c.lut[seq*qspireg.LUTSeqWords:])
	return qspireg.SeqFromWords(w)
}

// TxLen returns the number of bytes queued in the TX buffer.
func (c *Controller) TxLen() int { return len(c.tx) }

// Read32 reads a register or a word of the memory window.
func (c *Controller) Read32(addr uint32) uint32 {
	c.init()
	if c.OwnsMem(addr) {
		var b [4]byte
		c.readAHB(addr, b[:])
		return binary.LittleEndian.Uint32(b[:])
	}
	off := addr - c.RegBase
	switch {
	case off >= qspireg.RBDR0 && off < qspireg.RBDR0+qspireg.RxBufSize:
		return c.rx[(off-qspireg.RBDR0)/4]
	case off >= qspireg.LUT0 && off < qspireg.RegSpan:
		return c.lut[(off-qspireg.LUT0)/4]
	}
	switch off {
	case qspireg.MCR:
		return c.mcr
	case qspireg.IPCR:
		return c.ipcr
	case qspireg.BFGENCR:
		return c.bfgencr
	case qspireg.SFAR:
		return c.sfar
	case qspireg.RBCT:
		return c.rbct
	case qspireg.RBSR:
		return uint32(c.rxWords) << qspireg.RBSR_RDBFL_SHIFT
	case qspireg.TBSR:
		return uint32(len(c.tx)/4) << qspireg.TBSR_TRBFL_SHIFT
	case qspireg.SR:
		return c.readSR()
	case qspireg.FR:
		return c.fr
	case qspireg.RSER:
		return c.rser
	case qspireg.SFA1AD, qspireg.SFA2AD, qspireg.SFB1AD, qspireg.SFB2AD:
		return c.top[(off-qspireg.SFA1AD)/4]
	case qspireg.LCKCR:
		if c.locked {
			return qspireg.LCKCR_LOCK
		}
		return qspireg.LCKCR_UNLOCK
	case qspireg.LUTKEY:
		return qspireg.LUTKeyValue
	}
	return c.other[off]
}

// Read8 reads a byte of the memory window. Registers read as zero.
func (c *Controller) Read8(addr uint32) uint8 {
	c.init()
	if !c.OwnsMem(addr) {
		return 0
	}
	var b [1]byte
	c.readAHB(addr, b[:])
	return b[0]
}

// Write32 writes a register. Writes to the memory window are ignored.
func (c *Controller) Write32(addr, val uint32) {
	c.init()
	if !c.OwnsReg(addr) {
		return
	}
	off := addr - c.RegBase
	if off >= qspireg.LUT0 && off < qspireg.RegSpan {
		if !c.locked {
			c.lut[(off-qspireg.LUT0)/4] = val
		}
		return
	}
	switch off {
	case qspireg.MCR:
		if val&qspireg.MCR_CLR_TXF != 0 {
			c.tx = c.tx[:0]
		}
		if val&qspireg.MCR_CLR_RXF != 0 {
			c.rx = [qspireg.RxBufWords]uint32{}
			c.rxWords = 0
		}
		if val&(qspireg.MCR_SWRSTHD|qspireg.MCR_SWRSTSD) != 0 {
			c.invalidateAHB()
		}
		c.mcr = val &^ (qspireg.MCR_CLR_TXF | qspireg.MCR_CLR_RXF)
	case qspireg.IPCR:
		c.ipcr = val
		c.execIP()
	case qspireg.BFGENCR:
		c.bfgencr = val
	case qspireg.SFAR:
		c.sfar = val
	case qspireg.RBCT:
		c.rbct = val
	case qspireg.TBDR:
		if len(c.tx)+4 > qspireg.TxBufSize {
			c.fr |= uint32(qspireg.FlagTBFF)
			return
		}
		c.tx = binary.LittleEndian.AppendUint32(c.tx, val)
	case qspireg.FR:
		c.fr &^= val
	case qspireg.RSER:
		c.rser = val
	case qspireg.SPTRCLR:
		if val&qspireg.SPTRCLR_BFPTRC != 0 {
			c.invalidateAHB()
		}
		if val&qspireg.SPTRCLR_IPPTRC != 0 {
			c.tx = c.tx[:0]
		}
	case qspireg.SFA1AD, qspireg.SFA2AD, qspireg.SFB1AD, qspireg.SFB2AD:
		c.top[(off-qspireg.SFA1AD)/4] = val
	case qspireg.LUTKEY:
		c.keyArmed = val == qspireg.LUTKeyValue
	case qspireg.LCKCR:
		if c.keyArmed && !c.StuckLUTLock {
			if val&qspireg.LCKCR_LOCK != 0 {
				c.locked = true
			} else if val&qspireg.LCKCR_UNLOCK != 0 {
				c.locked = false
			}
		}
		c.keyArmed = false
	default:
		c.other[off] = val
	}
}

func (c *Controller) readSR() uint32 {
	c.idleSeen++
	if c.StuckBusy {
		return qspireg.SR_BUSY | qspireg.SR_IP_ACC
	}
	if c.busyLeft > 0 {
		c.busyLeft--
		return qspireg.SR_BUSY | qspireg.SR_IP_ACC
	}
	return 0
}

func (c *Controller) invalidateAHB() {
	c.Invalidations++
	clear(c.ahb)
}

// route maps an absolute serial address onto a slot and chip offset.
func (c *Controller) route(addr uint32) (Slot, uint32, bool) {
	start := c.MemBase
	for s := SlotA1; s < numSlots; s++ {
		end := c.top[s]
		if addr >= start && addr < end {
			return s, addr - start, c.chips[s] != nil
		}
		if end > start {
			start = end
		}
	}
	return 0, 0, false
}

func (c *Controller) seq(id int) qspireg.Seq {
	var w [qspireg.LUTSeqWords]uint32
	copy(w[:], c.lut[id*qspireg.LUTSeqWords:])
	return qspireg.SeqFromWords(w)
}

// decode turns a LUT sequence into a transaction. size overrides the
// READ/WRITE operand when non-zero.
func decode(seq qspireg.Seq, size int) (tx Transaction, ok bool) {
	addrSeen := false
	for _, in := range seq[:seq.Len()] {
		op := in.Opcode()
		if !op.Valid() {
			return tx, false
		}
		if op.IsDDR() {
			tx.DDR = true
		}
		switch op {
		case qspireg.OpCmd, qspireg.OpCmdDDR:
			if addrSeen {
				tx.Post = append(tx.Post, in.Operand())
			} else {
				tx.Cmd = append(tx.Cmd, in.Operand())
			}
		case qspireg.OpAddr, qspireg.OpAddrDDR, qspireg.OpCAddr, qspireg.OpCAddrDDR:
			addrSeen = true
			tx.HasAddr = true
		case qspireg.OpDummy:
			tx.Dummy += int(in.Operand())
		case qspireg.OpRead, qspireg.OpReadDDR:
			tx.Read = true
			tx.ReadLen = int(in.Operand())
			if size != 0 {
				tx.ReadLen = size
			}
		case qspireg.OpWrite, qspireg.OpWriteDDR:
			tx.Write = true
			tx.ReadLen = 0
			n := int(in.Operand())
			if size != 0 {
				n = size
			}
			tx.Data = make([]byte, n)
		case qspireg.OpJmpOnCS:
			return tx, len(tx.Cmd) > 0
		}
	}
	return tx, len(tx.Cmd) > 0
}

func (c *Controller) execIP() {
	idle := c.idleSeen
	c.idleSeen = 0
	c.busyLeft = c.BusyPolls
	defer func() { c.fr |= uint32(qspireg.FlagTFF) }()
	if c.mcr&qspireg.MCR_MDIS != 0 {
		c.fr |= uint32(qspireg.FlagIPIEF)
		return
	}
	id := int(c.ipcr&qspireg.IPCR_SEQID_MASK) >> qspireg.IPCR_SEQID_SHIFT
	size := int(c.ipcr & qspireg.IPCR_IDATSZ_MASK)
	par := c.ipcr&qspireg.IPCR_PAR_EN != 0
	tx, ok := decode(c.seq(id), size)
	if !ok {
		c.fr |= uint32(qspireg.FlagILLINE)
		return
	}
	slot, off, ok := c.route(c.sfar)
	if !ok || (par && (slot >= SlotB1 || c.chips[slot.pair()] == nil)) {
		c.fr |= uint32(qspireg.FlagIPAEF)
		return
	}
	tx.Addr = off
	if tx.Write {
		n := len(tx.Data)
		if len(c.tx) < n {
			c.fr |= uint32(qspireg.FlagTBUF)
			c.tx = c.tx[:0]
			return
		}
		copy(tx.Data, c.tx[:n])
		// Consume whole words.
		consumed := min(len(c.tx), int(alignup(uint32(n), 4)))
		c.tx = append(c.tx[:0], c.tx[consumed:]...)
	}
	if tx.Read && tx.ReadLen > qspireg.RxBufSize {
		c.fr |= uint32(qspireg.FlagRBOF)
		return
	}
	c.Records = append(c.Records, Record{Slot: slot, Parallel: par, Seq: id, Tx: tx, IdleChecks: idle})
	data := c.chips[slot].Transact(&tx)
	if par {
		mirror := tx
		mirror.Data = append([]byte(nil), tx.Data...)
		c.chips[slot.pair()].Transact(&mirror)
	}
	if tx.Read {
		c.rx = [qspireg.RxBufWords]uint32{}
		var word [4]byte
		for i := 0; i < tx.ReadLen; i += 4 {
			word = [4]byte{}
			copy(word[:], data[i:min(i+4, len(data))])
			c.rx[i/4] = binary.LittleEndian.Uint32(word[:])
		}
		c.rxWords = int(alignup(uint32(tx.ReadLen), 4) / 4)
		c.fr |= uint32(qspireg.FlagRBDF)
	}
}

func (c *Controller) readAHB(addr uint32, dst []byte) {
	line := c.lineSize()
	for len(dst) > 0 {
		base := aligndown(addr, line)
		buf, ok := c.ahb[base]
		if !ok {
			buf = c.fetchLine(base, line)
			c.ahb[base] = buf
		}
		n := copy(dst, buf[addr-base:])
		dst = dst[n:]
		addr += uint32(n)
	}
}

func (c *Controller) fetchLine(base, line uint32) []byte {
	buf := make([]byte, line)
	for i := range buf {
		buf[i] = 0xFF
	}
	id := int(c.bfgencr&qspireg.BFGENCR_SEQID_MASK) >> qspireg.BFGENCR_SEQID_SHIFT
	tx, ok := decode(c.seq(id), int(line))
	if !ok || !tx.Read {
		c.fr |= uint32(qspireg.FlagABSEF)
		return buf
	}
	slot, off, ok := c.route(base)
	if !ok {
		c.fr |= uint32(qspireg.FlagAITEF)
		return buf
	}
	c.AHBFetches++
	tx.Addr = off
	tx.ReadLen = int(line)
	copy(buf, c.chips[slot].Transact(&tx))
	return buf
}

func alignup[T constraints.Unsigned](val, align T) T {
	return (val + align - 1) &^ (align - 1)
}

func aligndown[T constraints.Unsigned](val, align T) T {
	return val &^ (align - 1)
}
