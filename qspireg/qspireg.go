// package qspireg defines the register map of the QSPI controller as seen by
// the flsqspi driver and the encoding of its Look-Up-Table (LUT) instructions.
//
// Offsets follow the layout of the S32K14x QuadSPI block. Only the registers
// the driver touches are listed.
package qspireg

// Register offsets relative to a unit's register base.
const (
	MCR     = 0x000 // Module configuration.
	IPCR    = 0x008 // IP command trigger.
	FLSHCR  = 0x00C // Flash timing.
	BUF0CR  = 0x010
	BUF1CR  = 0x014
	BUF2CR  = 0x018
	BUF3CR  = 0x01C
	BFGENCR = 0x020 // AHB buffer generic config, holds the AHB read sequence.
	SOCCR   = 0x024
	SFAR    = 0x100 // Serial flash address used by IP commands.
	SMPR    = 0x108
	RBSR    = 0x10C // RX buffer status.
	RBCT    = 0x110 // RX buffer control (watermark).
	TBSR    = 0x150 // TX buffer status.
	TBDR    = 0x154 // TX buffer data, push one word per write.
	SR      = 0x15C // Status.
	FR      = 0x160 // Flags, write 1 to clear.
	RSER    = 0x164 // Interrupt enables, same bit positions as FR.
	SPNDST  = 0x168
	SPTRCLR = 0x16C // Buffer pointer clear.
	SFA1AD  = 0x180 // Top address of chip A1.
	SFA2AD  = 0x184 // Top address of chip A2.
	SFB1AD  = 0x188 // Top address of chip B1.
	SFB2AD  = 0x18C // Top address of chip B2.
	RBDR0   = 0x200 // First of RxBufWords RX data registers.
	LUTKEY  = 0x300
	LCKCR   = 0x304
	LUT0    = 0x310 // First of LUTSeqCount*LUTSeqWords LUT registers.

	// RegSpan is the size of the register block.
	RegSpan = LUT0 + LUTSeqCount*LUTSeqWords*4
)

// LUT geometry.
const (
	LUTSeqCount = 16
	LUTSeqWords = 4
	// ScratchSeq is the sequence rewritten on the fly for ad-hoc commands.
	ScratchSeq = LUTSeqCount - 1
	// LUTKeyValue unlocks writes to LCKCR.
	LUTKeyValue = 0x5AF0_5AF0
)

// Buffer geometry.
const (
	RxBufWords = 32
	TxBufWords = 32
	RxBufSize  = RxBufWords * 4
	TxBufSize  = TxBufWords * 4
)

// MCR bits.
const (
	MCR_SWRSTSD = 1 << 0
	MCR_SWRSTHD = 1 << 1
	MCR_DDR_EN  = 1 << 7
	MCR_CLR_TXF = 1 << 10
	MCR_CLR_RXF = 1 << 11
	MCR_MDIS    = 1 << 14
)

// IPCR fields.
const (
	IPCR_IDATSZ_MASK = 0xFFFF
	IPCR_PAR_EN      = 1 << 16
	IPCR_SEQID_SHIFT = 24
	IPCR_SEQID_MASK  = 0xF << IPCR_SEQID_SHIFT
)

// BFGENCR fields.
const (
	BFGENCR_SEQID_SHIFT = 12
	BFGENCR_SEQID_MASK  = 0xF << BFGENCR_SEQID_SHIFT
	BFGENCR_PAR_EN      = 1 << 16
)

// SR bits.
const (
	SR_BUSY    = 1 << 0
	SR_IP_ACC  = 1 << 1
	SR_AHB_ACC = 1 << 2
	SR_RXWE    = 1 << 16
	SR_TXFULL  = 1 << 27
)

// RBSR/TBSR fill level fields, counted in words.
const (
	RBSR_RDBFL_SHIFT = 8
	RBSR_RDBFL_MASK  = 0x3F << RBSR_RDBFL_SHIFT
	TBSR_TRBFL_SHIFT = 8
	TBSR_TRBFL_MASK  = 0x3F << TBSR_TRBFL_SHIFT
)

// SPTRCLR bits.
const (
	SPTRCLR_BFPTRC = 1 << 0 // Invalidates AHB buffers.
	SPTRCLR_IPPTRC = 1 << 8
)

// LCKCR bits.
const (
	LCKCR_LOCK   = 1 << 0
	LCKCR_UNLOCK = 1 << 1
)

// Flag is a bit of FR. The same positions enable interrupts in RSER.
type Flag uint32

// FR flags.
const (
	FlagTFF    Flag = 1 << 0  // IP transaction finished.
	FlagIPGEF  Flag = 1 << 4  // IP command grant error.
	FlagIPIEF  Flag = 1 << 6  // IP command trigger during illegal state.
	FlagIPAEF  Flag = 1 << 7  // IP command address outside any chip.
	FlagIUEF   Flag = 1 << 11 // IP command usage error.
	FlagABOF   Flag = 1 << 12 // AHB buffer overflow.
	FlagAIBSEF Flag = 1 << 13 // AHB illegal burst size.
	FlagAITEF  Flag = 1 << 14 // AHB illegal transaction.
	FlagABSEF  Flag = 1 << 15 // AHB sequence error.
	FlagRBDF   Flag = 1 << 16 // RX buffer drain, data available.
	FlagRBOF   Flag = 1 << 17 // RX buffer overflow.
	FlagILLINE Flag = 1 << 23 // Illegal LUT instruction.
	FlagTBUF   Flag = 1 << 26 // TX buffer underrun.
	FlagTBFF   Flag = 1 << 27 // TX buffer fill.

	// FlagErrors are the sticky error flags reported as controller errors.
	FlagErrors = FlagIPGEF | FlagIPIEF | FlagIPAEF | FlagIUEF | FlagABOF |
		FlagAIBSEF | FlagAITEF | FlagABSEF | FlagRBOF | FlagILLINE | FlagTBUF
	// FlagAll is every flag the driver clears on cancellation.
	FlagAll = FlagErrors | FlagTFF | FlagRBDF | FlagTBFF
)

func (f Flag) String() (s string) {
	if f == 0 {
		return "none"
	}
	names := [...]struct {
		f    Flag
		name string
	}{
		{FlagTFF, "TFF"}, {FlagIPGEF, "IPGEF"}, {FlagIPIEF, "IPIEF"},
		{FlagIPAEF, "IPAEF"}, {FlagIUEF, "IUEF"}, {FlagABOF, "ABOF"},
		{FlagAIBSEF, "AIBSEF"}, {FlagAITEF, "AITEF"}, {FlagABSEF, "ABSEF"},
		{FlagRBDF, "RBDF"}, {FlagRBOF, "RBOF"}, {FlagILLINE, "ILLINE"},
		{FlagTBUF, "TBUF"}, {FlagTBFF, "TBFF"},
	}
	for _, n := range names {
		if f&n.f != 0 {
			if s != "" {
				s += "|"
			}
			s += n.name
			f &^= n.f
		}
	}
	if f != 0 {
		if s != "" {
			s += "|"
		}
		s += "unknown"
	}
	return s
}

// LUTAddr returns the offset of word w of LUT sequence seq.
func LUTAddr(seq, w int) uint32 {
	return LUT0 + uint32(seq*LUTSeqWords+w)*4
}

// RBDRAddr returns the offset of RX buffer data register i.
func RBDRAddr(i int) uint32 {
	return RBDR0 + uint32(i)*4
}
