package sim

import (
	"encoding/binary"

	"github.com/soypat/flsqspi/nor"
)

// HyperCommand is a command cycle received by a HyperChip.
type HyperCommand struct {
	WordAddr uint32
	Data     uint16
}

func (hc HyperCommand) String() string {
	return nor.HyperCommandName(hc.WordAddr, hc.Data)
}

type hyperCycle uint8

const (
	cycleIdle hyperCycle = iota
	cycleUnlocked1
	cycleUnlocked2
	cycleEraseSetup
	cycleEraseUnlocked1
	cycleEraseUnlocked2
)

// HyperChip simulates a Hyperflash memory. Command cycles arrive as
// command-address transactions carrying the data word after the address;
// program data arrives as a regular write transaction.
type HyperChip struct {
	Mem        []byte
	SectorSize uint32
	ID         [4]uint16

	// BusyPolls is the number of status reads reporting not ready after a
	// program or erase.
	BusyPolls int
	// StuckBusy never reports ready once a program or erase started.
	StuckBusy bool
	// FailErase and FailProgram latch the corresponding status error bit.
	FailErase   bool
	FailProgram bool

	Commands    []HyperCommand
	Programs    []Op
	Erases      []Op
	StatusReads int
	// LineCrossings counts programs crossing a program line.
	LineCrossings int
	Ignored       int

	cycle        hyperCycle
	programArmed bool
	statusMode   bool
	idMode       bool
	errBits      uint16
	busy         bool
	busyLeft     int
}

// NewHyperChip returns an erased chip.
func NewHyperChip(size, sectorSize uint32) *HyperChip {
	mem := make([]byte, size)
	for i := range mem {
		mem[i] = nor.Erased
	}
	return &HyperChip{
		Mem:        mem,
		SectorSize: sectorSize,
		ID:         [4]uint16{0x0001, 0x007E, 0x0070, 0x0000},
	}
}

func (c *HyperChip) isBusy() bool {
	if !c.busy {
		return false
	}
	return c.StuckBusy || c.busyLeft > 0
}

func (c *HyperChip) startBusy() {
	c.busy = true
	c.busyLeft = c.BusyPolls
}

// Status returns the status register without side effects.
func (c *HyperChip) Status() uint16 {
	st := c.errBits
	if !c.isBusy() {
		st |= nor.HyperStatusReady
	}
	return st
}

func (c *HyperChip) Transact(tx *Transaction) []byte {
	if len(tx.Cmd) == 0 {
		return nil
	}
	if tx.Cmd[0]&nor.HyperCAReadBit != 0 {
		return c.read(tx)
	}
	if tx.Write {
		c.programData(tx.Addr, tx.Data)
		return nil
	}
	if len(tx.Post) < 2 {
		c.Ignored++
		return nil
	}
	cmd := HyperCommand{
		WordAddr: tx.Addr / 2,
		Data:     uint16(tx.Post[0])<<8 | uint16(tx.Post[1]),
	}
	c.Commands = append(c.Commands, cmd)
	c.command(cmd)
	return nil
}

func (c *HyperChip) read(tx *Transaction) []byte {
	out := make([]byte, tx.ReadLen)
	switch {
	case c.statusMode:
		c.statusMode = false
		c.StatusReads++
		st := c.Status()
		if c.busyLeft > 0 {
			c.busyLeft--
		}
		if !c.isBusy() {
			c.busy = false
		}
		for i := 0; i+1 < len(out); i += 2 {
			binary.LittleEndian.PutUint16(out[i:], st)
		}
	case c.idMode:
		for i := 0; i+1 < len(out); i += 2 {
			binary.LittleEndian.PutUint16(out[i:], c.ID[(i/2)%len(c.ID)])
		}
	case c.isBusy():
		c.Ignored++
	default:
		size := uint32(len(c.Mem))
		for i := range out {
			out[i] = c.Mem[(tx.Addr+uint32(i))%size]
		}
	}
	return out
}

func (c *HyperChip) command(cmd HyperCommand) {
	wa := cmd.WordAddr & nor.HyperAddrMask
	switch {
	case cmd.Data == nor.HyperStatusRead && wa == nor.HyperUnlock1Addr:
		c.statusMode = true
		return
	case cmd.Data == nor.HyperStatusClear && wa == nor.HyperUnlock1Addr:
		c.errBits = 0
		return
	case cmd.Data == nor.HyperReset:
		c.idMode = false
		c.programArmed = false
		c.cycle = cycleIdle
		return
	}
	if c.isBusy() {
		c.Ignored++
		return
	}
	unlock1 := wa == nor.HyperUnlock1Addr && cmd.Data == nor.HyperUnlock1Data
	unlock2 := wa == nor.HyperUnlock2Addr && cmd.Data == nor.HyperUnlock2Data
	next := cycleIdle
	switch c.cycle {
	case cycleIdle:
		if unlock1 {
			next = cycleUnlocked1
		}
	case cycleUnlocked1:
		if unlock2 {
			next = cycleUnlocked2
		}
	case cycleUnlocked2:
		switch {
		case wa == nor.HyperUnlock1Addr && cmd.Data == nor.HyperProgram:
			c.programArmed = true
		case wa == nor.HyperUnlock1Addr && cmd.Data == nor.HyperEraseSetup:
			next = cycleEraseSetup
		case wa == nor.HyperUnlock1Addr && cmd.Data == nor.HyperIDEntry:
			c.idMode = true
		default:
			c.Ignored++
		}
	case cycleEraseSetup:
		if unlock1 {
			next = cycleEraseUnlocked1
		}
	case cycleEraseUnlocked1:
		if unlock2 {
			next = cycleEraseUnlocked2
		}
	case cycleEraseUnlocked2:
		switch cmd.Data {
		case nor.HyperSectorErase:
			c.erase(cmd.WordAddr*2, c.SectorSize)
		case nor.HyperChipErase:
			c.erase(0, uint32(len(c.Mem)))
		default:
			c.Ignored++
		}
	}
	c.cycle = next
}

func (c *HyperChip) erase(addr, size uint32) {
	start := aligndown(addr, size)
	c.Erases = append(c.Erases, Op{Addr: start, Len: int(size)})
	if c.FailErase {
		c.errBits |= nor.HyperStatusEraseErr
	} else {
		for i := start; i < start+size && i < uint32(len(c.Mem)); i++ {
			c.Mem[i] = nor.Erased
		}
	}
	c.startBusy()
}

func (c *HyperChip) programData(addr uint32, data []byte) {
	if !c.programArmed || c.isBusy() {
		c.Ignored++
		return
	}
	c.programArmed = false
	line := aligndown(addr, nor.HyperLineSize)
	if addr-line+uint32(len(data)) > nor.HyperLineSize {
		c.LineCrossings++
	}
	c.Programs = append(c.Programs, Op{Addr: addr, Len: len(data)})
	if c.FailProgram {
		c.errBits |= nor.HyperStatusProgramErr
	} else {
		size := uint32(len(c.Mem))
		for i, b := range data {
			c.Mem[(addr+uint32(i))%size] &= b
		}
	}
	c.startBusy()
}
