package flsqspi

import "strconv"

// JobKind is the operation a job performs.
type JobKind uint8

const (
	JobNone JobKind = iota
	JobErase
	JobWrite
	JobRead
	JobCompare
	JobBlankCheck
)

func (k JobKind) String() string {
	switch k {
	case JobNone:
		return "none"
	case JobErase:
		return "erase"
	case JobWrite:
		return "write"
	case JobRead:
		return "read"
	case JobCompare:
		return "compare"
	case JobBlankCheck:
		return "blankcheck"
	}
	return "JobKind(" + strconv.Itoa(int(k)) + ")"
}

// Mode selects how a job is driven to completion.
type Mode uint8

const (
	// ModeSync blocks the caller until the job completes.
	ModeSync Mode = iota
	// ModeAsync advances the job one bounded step per MainFunction call.
	ModeAsync
	// ModeIRQ advances the job from HandleInterrupt.
	ModeIRQ
)

func (m Mode) String() string {
	switch m {
	case ModeSync:
		return "sync"
	case ModeAsync:
		return "async"
	case ModeIRQ:
		return "irq"
	}
	return "Mode(" + strconv.Itoa(int(m)) + ")"
}

// JobResult is the latched outcome of the last job.
type JobResult uint8

const (
	ResultOK JobResult = iota
	ResultPending
	ResultFailed
	ResultBlockInconsistent
	ResultCanceled
)

func (r JobResult) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultPending:
		return "pending"
	case ResultFailed:
		return "failed"
	case ResultBlockInconsistent:
		return "block-inconsistent"
	case ResultCanceled:
		return "canceled"
	}
	return "JobResult(" + strconv.Itoa(int(r)) + ")"
}

// irqJob is the state of the interrupt driven state machine.
type irqJob uint8

const (
	irqNone irqJob = iota
	irqErase
	irqGetStatus
	irqGetStatusParallel
	irqBlankCheck
	irqWriteEnable
	irqWrite
	irqRead
	irqCompare
	irqHyperWriteUnlock1
	irqHyperWriteUnlock2
	irqHyperWriteWordID
	irqHyperWriteWordData
	irqHyperGetStatus1
	irqHyperGetStatus2
	numIRQJobs
)

func (s irqJob) String() string {
	switch s {
	case irqNone:
		return "None"
	case irqErase:
		return "Erase"
	case irqGetStatus:
		return "GetStatus"
	case irqGetStatusParallel:
		return "GetStatusParallel"
	case irqBlankCheck:
		return "BlankCheck"
	case irqWriteEnable:
		return "WriteEnable"
	case irqWrite:
		return "Write"
	case irqRead:
		return "Read"
	case irqCompare:
		return "Compare"
	case irqHyperWriteUnlock1:
		return "HyperWriteUnlock1"
	case irqHyperWriteUnlock2:
		return "HyperWriteUnlock2"
	case irqHyperWriteWordID:
		return "HyperWriteWordID"
	case irqHyperWriteWordData:
		return "HyperWriteWordData"
	case irqHyperGetStatus1:
		return "HyperGetStatus1"
	case irqHyperGetStatus2:
		return "HyperGetStatus2"
	}
	return "irqJob(" + strconv.Itoa(int(s)) + ")"
}

// budget bounds a polling loop.
type budget struct {
	left int
}

func (b *budget) arm(n int) { b.left = n }

// expire consumes one busy observation and reports whether the budget is exhausted.
func (b *budget) expire() bool {
	b.left--
	return b.left <= 0
}

// phase is the polled executors' position within the current step.
type phase uint8

const (
	phaseNone phase = iota
	// phaseBusy waits for the memory to finish an erase or program.
	phaseBusy
	// phaseVerify checks [vaddr, vend) after an erase or program.
	phaseVerify
	// phaseTransfer moves data for read, compare and blank check jobs.
	phaseTransfer
)

// statusWait is what the interrupt driven status poll is waiting for.
type statusWait uint8

const (
	waitIdle statusWait = iota
	waitWEL
)

// jobContext is the single job in flight. Addresses are logical unless
// prefixed with ext.
type jobContext struct {
	kind   JobKind
	mode   Mode
	state  irqJob
	result JobResult
	err    error

	sector int
	// addr is the start of the next chunk, end is one past the last byte.
	addr uint32
	end  uint32
	// src holds write source or compare data, dst the read destination.
	// Both nil means blank check.
	src []byte
	dst []byte
	off int // Offset into src or dst of addr.

	budget budget
	// limit is the budget for controller waits of this job.
	limit int
	// web bounds write enable retries in the interrupt driven path.
	web budget

	phase phase
	// chunk is the length of the program or read in flight.
	chunk uint32
	// vaddr, vend and vsrc describe the verify in progress. vsrc nil
	// verifies erased content.
	vaddr  uint32
	vend   uint32
	vsrc   []byte
	vchunk uint32
	// hstep indexes the Hyperflash erase command cycles.
	hstep int
	wait  statusWait
	// second is set while polling the second chip of a parallel pair.
	second bool
	// rdunit is the unit whose AHB buffer was last invalidated by the job.
	rdunit *unit
}

func (jc *jobContext) remaining() uint32 { return jc.end - jc.addr }
