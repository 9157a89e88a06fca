package fls

// JobResult is the externally observable result of the current or last job.
type JobResult uint8

// Job results.
const (
	JobOk JobResult = iota
	JobFailed
	JobPending
	JobCanceled
	JobBlockInconsistent
)

func (r JobResult) String() string {
	switch r {
	case JobOk:
		return "ok"
	case JobFailed:
		return "failed"
	case JobPending:
		return "pending"
	case JobCanceled:
		return "canceled"
	case JobBlockInconsistent:
		return "block inconsistent"
	default:
		return "invalid job result"
	}
}

// JobKind identifies the operation a job performs.
type JobKind uint8

// Job kinds. JobNone means no job is armed.
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
		return "blank check"
	default:
		return "invalid job"
	}
}

// Status is the module status returned by GetStatus.
type Status uint8

// Module states.
const (
	StatusUninit Status = iota
	StatusIdle
	StatusBusy
)

func (s Status) String() string {
	switch s {
	case StatusUninit:
		return "uninit"
	case StatusIdle:
		return "idle"
	case StatusBusy:
		return "busy"
	default:
		return "invalid status"
	}
}

// Mode selects the per-tick byte quotas.
type Mode uint8

// Driver modes.
const (
	ModeSlow Mode = iota
	ModeFast
)

// LLDResult is the result of a low-level driver primitive.
type LLDResult uint8

// Low-level results.
const (
	LLDOk LLDResult = iota
	LLDFailed
	LLDBlockInconsistent
	LLDPending
	LLDPartitionError
)

func (r LLDResult) String() string {
	switch r {
	case LLDOk:
		return "ok"
	case LLDFailed:
		return "failed"
	case LLDBlockInconsistent:
		return "block inconsistent"
	case LLDPending:
		return "pending"
	case LLDPartitionError:
		return "partition error"
	default:
		return "invalid lld result"
	}
}

// HwJobState is the coarse state of the hardware job owned by an LLD.
type HwJobState uint8

// Hardware job states.
const (
	HwJobNone HwJobState = iota
	HwJobErase
	HwJobEraseInterleaved
	HwJobWrite
	HwJobEraseBlankCheck
)

// IrqJobState is the state of a step that completes in interrupt context.
type IrqJobState uint8

// Interrupt job states.
const (
	IrqJobNone IrqJobState = iota
	IrqJobRead
	IrqJobCompare
	IrqJobBlankCheck
	IrqJobErase
	IrqJobGetStatus
	IrqJobWriteWord
)

// CompletionMode says how a dispatched hardware step completes.
type CompletionMode uint8

// Completion modes.
const (
	// CompleteSync steps are finished when the LLD call returns.
	CompleteSync CompletionMode = iota
	// CompletePoll steps are finished by LLD MainFunction polling.
	CompletePoll
	// CompleteInterrupt steps are finished by the LLD interrupt handler.
	CompleteInterrupt
)

// Channel tags the hardware a sector lives on.
type Channel uint8

// Hardware channels.
const (
	ChannelInternal Channel = iota
	ChannelExternal
)

// VersionInfo describes the driver version.
type VersionInfo struct {
	VendorID       uint16
	ModuleID       uint16
	SwMajorVersion uint8
	SwMinorVersion uint8
	SwPatchVersion uint8
}

// Identification of this driver.
const (
	VendorID       = 43
	ModuleID       = 92
	SwMajorVersion = 1
	SwMinorVersion = 0
	SwPatchVersion = 2
)
