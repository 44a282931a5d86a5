// package nor holds the command sets of the external memories driven through
// the QSPI controller: standard serial NOR flash and Hyperflash.
package nor

import "strconv"

// Standard serial NOR opcodes.
const (
	CmdWriteStatus     = 0x01
	CmdPageProgram     = 0x02
	CmdRead            = 0x03
	CmdWriteDisable    = 0x04
	CmdReadStatus      = 0x05
	CmdWriteEnable     = 0x06
	CmdFastRead        = 0x0B
	CmdSectorErase     = 0x20 // 4KB
	CmdQuadPageProgram = 0x32
	CmdBlockErase32    = 0x52
	CmdReadID          = 0x9F
	CmdChipErase       = 0xC7
	CmdBlockErase64    = 0xD8
	CmdQuadRead        = 0xEB
)

// Standard status register bits.
const (
	StatusBusy = 1 << 0 // Write in progress.
	StatusWEL  = 1 << 1 // Write enable latch.
)

// Erased is the value of an erased byte.
const Erased = 0xFF

// Hyperflash address space overlay. Addresses are in 16 bit words.
const (
	HyperUnlock1Addr = 0x555
	HyperUnlock2Addr = 0x2AA
	HyperUnlock1Data = 0xAA
	HyperUnlock2Data = 0x55

	HyperEraseSetup  = 0x80
	HyperSectorErase = 0x30
	HyperChipErase   = 0x10
	HyperProgram     = 0xA0
	HyperStatusRead  = 0x70
	HyperStatusClear = 0x71
	HyperIDEntry     = 0x90
	HyperReset       = 0xF0

	// HyperLineSize is the program line. Programs must not cross it.
	HyperLineSize = 512
	// HyperAddrMask selects the address bits decoded for command cycles.
	HyperAddrMask = 0xFFF
)

// Hyperflash status register bits.
const (
	HyperStatusReady      = 1 << 7 // Device ready (DRB).
	HyperStatusEraseErr   = 1 << 5
	HyperStatusProgramErr = 1 << 4
	HyperStatusSectorLock = 1 << 1

	HyperStatusErrors = HyperStatusEraseErr | HyperStatusProgramErr | HyperStatusSectorLock
)

// Hyperflash command-address first byte, carried as a DDR command operand.
const (
	HyperCAWrite = 0x20 // Memory space, linear burst, write.
	HyperCARead  = 0xA0 // Memory space, linear burst, read.
	// HyperCAReadBit set in the first command byte marks a read transaction.
	HyperCAReadBit = 0x80
)

// CommandName returns a human readable name for a standard NOR opcode.
func CommandName(op byte) string {
	switch op {
	case CmdWriteStatus:
		return "WRSR"
	case CmdPageProgram:
		return "PP"
	case CmdRead:
		return "READ"
	case CmdWriteDisable:
		return "WRDI"
	case CmdReadStatus:
		return "RDSR"
	case CmdWriteEnable:
		return "WREN"
	case CmdFastRead:
		return "FAST_READ"
	case CmdSectorErase:
		return "SE"
	case CmdQuadPageProgram:
		return "QPP"
	case CmdBlockErase32:
		return "BE32"
	case CmdReadID:
		return "RDID"
	case CmdChipErase:
		return "CE"
	case CmdBlockErase64:
		return "BE64"
	case CmdQuadRead:
		return "QREAD"
	}
	return "0x" + strconv.FormatUint(uint64(op), 16)
}

// HasAddress reports whether a standard opcode is followed by a 3 byte address.
func HasAddress(op byte) bool {
	switch op {
	case CmdPageProgram, CmdRead, CmdFastRead, CmdSectorErase, CmdQuadPageProgram,
		CmdBlockErase32, CmdBlockErase64, CmdQuadRead:
		return true
	}
	return false
}

// HyperCommandName names a Hyperflash command cycle given its word address and data.
func HyperCommandName(wordAddr uint32, data uint16) string {
	switch {
	case wordAddr&HyperAddrMask == HyperUnlock1Addr && data == HyperUnlock1Data:
		return "unlock1"
	case wordAddr&HyperAddrMask == HyperUnlock2Addr && data == HyperUnlock2Data:
		return "unlock2"
	case data == HyperEraseSetup:
		return "erase-setup"
	case data == HyperSectorErase:
		return "sector-erase"
	case data == HyperChipErase:
		return "chip-erase"
	case data == HyperProgram:
		return "program"
	case data == HyperStatusRead:
		return "status-read"
	case data == HyperStatusClear:
		return "status-clear"
	case data == HyperIDEntry:
		return "id-entry"
	case data == HyperReset:
		return "reset"
	}
	return "0x" + strconv.FormatUint(uint64(data), 16)
}
