package sim

import "github.com/soypat/flsqspi/nor"

// Op is a program or erase executed by a simulated chip.
type Op struct {
	Addr uint32
	Len  int
}

// NORChip simulates a standard serial NOR flash.
type NORChip struct {
	Mem       []byte
	PageSize  uint32
	EraseSize uint32 // Erased by CmdSectorErase.
	BlockSize uint32 // Erased by CmdBlockErase64.
	ID        [3]byte

	// BusyPolls is the number of status reads reporting busy after a
	// program or erase.
	BusyPolls int
	// StuckBusy reports busy forever once a program or erase started.
	StuckBusy bool

	Programs      []Op
	Erases        []Op
	StatusReads   int
	PageCrossings int
	// Ignored counts commands dropped because the chip was busy or the
	// write enable latch was clear.
	Ignored int

	wel      bool
	busy     bool
	busyLeft int
}

// NewNORChip returns an erased chip.
func NewNORChip(size, pageSize, eraseSize uint32) *NORChip {
	mem := make([]byte, size)
	for i := range mem {
		mem[i] = nor.Erased
	}
	return &NORChip{
		Mem:       mem,
		PageSize:  pageSize,
		EraseSize: eraseSize,
		BlockSize: 64 * 1024,
		ID:        [3]byte{0xEF, 0x40, 0x18},
	}
}

func (c *NORChip) isBusy() bool {
	if !c.busy {
		return false
	}
	if c.StuckBusy {
		return true
	}
	return c.busyLeft > 0
}

func (c *NORChip) startBusy() {
	c.busy = true
	c.busyLeft = c.BusyPolls
}

// Status returns the status register without side effects.
func (c *NORChip) Status() byte {
	var st byte
	if c.isBusy() {
		st |= nor.StatusBusy
	}
	if c.wel {
		st |= nor.StatusWEL
	}
	return st
}

func (c *NORChip) Transact(tx *Transaction) []byte {
	if len(tx.Cmd) == 0 {
		return nil
	}
	op := tx.Cmd[0]
	if op == nor.CmdReadStatus {
		c.StatusReads++
		st := c.Status()
		if c.busyLeft > 0 {
			c.busyLeft--
		}
		if !c.isBusy() {
			c.busy = false
		}
		out := make([]byte, tx.ReadLen)
		for i := range out {
			out[i] = st
		}
		return out
	}
	if c.isBusy() {
		c.Ignored++
		return make([]byte, tx.ReadLen)
	}
	switch op {
	case nor.CmdWriteEnable:
		c.wel = true
	case nor.CmdWriteDisable:
		c.wel = false
	case nor.CmdPageProgram, nor.CmdQuadPageProgram:
		if !c.wel {
			c.Ignored++
			break
		}
		c.program(tx.Addr, tx.Data)
		c.wel = false
		c.startBusy()
	case nor.CmdSectorErase, nor.CmdBlockErase64, nor.CmdChipErase:
		if !c.wel {
			c.Ignored++
			break
		}
		size := c.EraseSize
		switch op {
		case nor.CmdBlockErase64:
			size = c.BlockSize
		case nor.CmdChipErase:
			size = uint32(len(c.Mem))
		}
		c.erase(tx.Addr, size)
		c.wel = false
		c.startBusy()
	case nor.CmdRead, nor.CmdFastRead, nor.CmdQuadRead:
		return c.read(tx.Addr, tx.ReadLen)
	case nor.CmdReadID:
		out := make([]byte, tx.ReadLen)
		copy(out, c.ID[:])
		return out
	default:
		c.Ignored++
	}
	return make([]byte, tx.ReadLen)
}

func (c *NORChip) program(addr uint32, data []byte) {
	size := uint32(len(c.Mem))
	page := aligndown(addr, c.PageSize)
	if uint32(len(data)) > c.PageSize-(addr-page) {
		c.PageCrossings++
	}
	c.Programs = append(c.Programs, Op{Addr: addr, Len: len(data)})
	for i, b := range data {
		// Programs wrap around within the page like real parts do.
		a := page + (addr-page+uint32(i))%c.PageSize
		c.Mem[a%size] &= b
	}
}

func (c *NORChip) erase(addr, size uint32) {
	start := aligndown(addr, size)
	c.Erases = append(c.Erases, Op{Addr: start, Len: int(size)})
	for i := start; i < start+size && i < uint32(len(c.Mem)); i++ {
		c.Mem[i] = nor.Erased
	}
}

func (c *NORChip) read(addr uint32, n int) []byte {
	out := make([]byte, n)
	size := uint32(len(c.Mem))
	for i := range out {
		out[i] = c.Mem[(addr+uint32(i))%size]
	}
	return out
}

// SetBusy makes the chip report busy for the next polls status reads.
func (c *NORChip) SetBusy(polls int) {
	c.busy = true
	c.busyLeft = polls
}
