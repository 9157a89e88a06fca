package fls

// SectorRef is a sector resolved to its physical location. Base is the
// physical start address inside the channel (for external sectors the unit
// base is already applied).
type SectorRef struct {
	Index  int
	Sector Sector
	Base   uint32
	Size   uint32
	Unit   int
}

// The LLD interface is the contract of a low-level flash driver. Every
// primitive reports its outcome as an LLDResult; an LLD never panics on
// hardware failure.
//
// Steps started with CompletePoll return LLDPending and are driven to
// completion by MainFunction. Steps started with CompleteInterrupt return
// LLDPending and complete through the handler installed with
// InterruptSource.SetInterruptHandler.
type LLD interface {
	Init(cfg *ConfigSet) LLDResult
	AbortSuspended()
	Cancel() LLDResult
	SectorErase(s SectorRef, mode CompletionMode) LLDResult
	SectorWrite(s SectorRef, offset uint32, src []byte, mode CompletionMode) LLDResult
	SectorRead(s SectorRef, offset uint32, dst []byte) LLDResult
	// SectorCompare compares length bytes at offset against src. A nil src
	// compares against the erased value.
	SectorCompare(s SectorRef, offset uint32, src []byte, length uint32) LLDResult
	// MainFunction advances the step in flight according to HwJob: erase,
	// interleaved erase, write or erase blank check.
	MainFunction() LLDResult
	HwJob() HwJobState
}

// InterruptSource is implemented by LLDs that can complete a step in
// interrupt context.
type InterruptSource interface {
	SetInterruptHandler(fn func(LLDResult))
}

// AccessCodeHost is implemented by LLDs that run erase and program sequences
// from relocated access code.
type AccessCodeHost interface {
	LoadAccessCode(kind JobKind)
	UnloadAccessCode()
}

// ErasedValue is the content of an erased flash byte.
const ErasedValue = 0xFF

func isErased(data []byte) bool {
	for _, b := range data {
		if b != ErasedValue {
			return false
		}
	}
	return true
}
