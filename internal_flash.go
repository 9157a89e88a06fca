package fls

import (
	"bytes"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// Operation names a flash primitive for fault injection.
type Operation int

// Flash primitives.
const (
	OpErase Operation = iota
	OpWrite
	OpRead
	OpCompare
	OpCancel
)

// InternalStats counts the primitives an InternalFlash has been asked to run.
type InternalStats struct {
	Erases   int
	Writes   int
	Reads    int
	Compares int
	Cancels  int
	Aborts   int
}

// InternalFlash is a memory-backed model of an on-chip NOR flash array.
// Erased bytes read as ErasedValue and programming can only clear bits; a
// write that would need to set a bit fails verification.
//
// ServiceInterrupt may run on its own goroutine. mu serializes it with the
// LLD calls the driver makes under its lock; it is never held while the
// interrupt handler runs.
type InternalFlash struct {
	mu sync.Mutex

	mem     []byte
	latency int
	code    *AccessCode
	protect bool
	locked  map[int]bool

	op  *flashOp
	irq func(LLDResult)

	faults map[Operation]bool
	stuck  map[uint32]byte
	stats  InternalStats
}

// flashOp is an erase or write started in poll or interrupt mode.
type flashOp struct {
	kind   Operation
	mode   CompletionMode
	state  HwJobState
	ref    SectorRef
	offset uint32
	data   []byte
	polls  int
	block  uint32
}

// InternalOption configures an InternalFlash.
type InternalOption func(*InternalFlash)

// WithLatency sets how many MainFunction polls an asynchronous erase block
// or write takes.
func WithLatency(polls int) InternalOption {
	return func(f *InternalFlash) {
		if polls > 0 {
			f.latency = polls
		}
	}
}

// WithAccessCode makes erase and write sequences run through code. They fail
// while the code is not loaded.
func WithAccessCode(code *AccessCode) InternalOption {
	return func(f *InternalFlash) {
		f.code = code
	}
}

// WithProtection locks every sector that is not configured with Unlock.
func WithProtection() InternalOption {
	return func(f *InternalFlash) {
		f.protect = true
	}
}

// NewInternalFlash creates an erased array of size bytes.
func NewInternalFlash(size uint32, opts ...InternalOption) *InternalFlash {
	f := &InternalFlash{
		mem:     bytes.Repeat([]byte{ErasedValue}, int(size)),
		latency: 1,
		locked:  make(map[int]bool),
		faults:  make(map[Operation]bool),
		stuck:   make(map[uint32]byte),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Memory returns the backing array. It must not be accessed while an
// interrupt may be serviced.
func (f *InternalFlash) Memory() []byte {
	return f.mem
}

// Stats returns the primitive counters.
func (f *InternalFlash) Stats() InternalStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// InjectFault makes the next execution of op fail.
func (f *InternalFlash) InjectFault(op Operation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[op] = true
}

// StickByte makes the byte at physical address addr keep value across erases.
func (f *InternalFlash) StickByte(addr uint32, value byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stuck[addr] = value
	f.mem[addr] = value
}

// LoadImage fills the array from r. A short image leaves the rest unchanged.
func (f *InternalFlash) LoadImage(r io.Reader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := io.ReadFull(r, f.mem)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return nil
	}
	return errors.Wrap(err, "failed to load flash image")
}

// SaveImage writes the whole array to w.
func (f *InternalFlash) SaveImage(w io.Writer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := w.Write(f.mem)
	return errors.Wrap(err, "failed to save flash image")
}

// Init checks that every internal sector fits the array and applies the
// protection state. Any operation in flight is dropped.
func (f *InternalFlash) Init(cfg *ConfigSet) LLDResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.op = nil
	f.locked = make(map[int]bool)
	for i, s := range cfg.Sectors {
		if s.Channel != ChannelInternal {
			continue
		}
		size := cfg.SectorSize(i)
		if s.PhysicalAddress > uint32(len(f.mem)) || uint32(len(f.mem))-s.PhysicalAddress < size {
			pkgLog.Errorf("internal flash: sector %d at %#x exceeds the %d byte array", i, s.PhysicalAddress, len(f.mem))
			return LLDFailed
		}
		f.locked[i] = f.protect && !s.Unlock
	}
	return LLDOk
}

// AbortSuspended drops an operation left over from an earlier job.
func (f *InternalFlash) AbortSuspended() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.op != nil {
		pkgLog.Debugf("internal flash: aborting suspended operation on sector %d", f.op.ref.Index)
		f.op = nil
		f.stats.Aborts++
	}
}

// Cancel drops the operation in flight.
func (f *InternalFlash) Cancel() LLDResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats.Cancels++
	if f.takeFault(OpCancel) {
		return LLDFailed
	}
	f.op = nil
	return LLDOk
}

// SetInterruptHandler installs the completion handler run by ServiceInterrupt.
func (f *InternalFlash) SetInterruptHandler(fn func(LLDResult)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.irq = fn
}

// LoadAccessCode copies the access code into its execution slot.
func (f *InternalFlash) LoadAccessCode(kind JobKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.code != nil {
		f.code.Load(kind)
	}
}

// UnloadAccessCode poisons the access code execution slot.
func (f *InternalFlash) UnloadAccessCode() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.code != nil {
		f.code.Unload()
	}
}

// HwJob returns the state of the polled operation in flight.
func (f *InternalFlash) HwJob() HwJobState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.op == nil || f.op.mode != CompletePoll {
		return HwJobNone
	}
	return f.op.state
}

// SectorErase erases sector s, at once or as an operation finished by
// MainFunction or ServiceInterrupt.
func (f *InternalFlash) SectorErase(s SectorRef, mode CompletionMode) LLDResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats.Erases++
	if res := f.admit(s); res != LLDOk {
		return res
	}
	if mode == CompleteSync {
		return f.run(func() LLDResult { return f.eraseSector(s) })
	}
	state := HwJobErase
	if s.Sector.PhysicalBlocks > 1 {
		state = HwJobEraseInterleaved
	}
	f.op = &flashOp{kind: OpErase, mode: mode, state: state, ref: s, polls: f.latency}
	return LLDPending
}

// SectorWrite programs src at offset into sector s.
func (f *InternalFlash) SectorWrite(s SectorRef, offset uint32, src []byte, mode CompletionMode) LLDResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats.Writes++
	if res := f.admit(s); res != LLDOk {
		return res
	}
	if mode == CompleteSync {
		return f.run(func() LLDResult { return f.program(s, offset, src) })
	}
	f.op = &flashOp{
		kind:   OpWrite,
		mode:   mode,
		state:  HwJobWrite,
		ref:    s,
		offset: offset,
		data:   append([]byte(nil), src...),
		polls:  f.latency,
	}
	return LLDPending
}

// SectorRead copies len(dst) bytes from offset of sector s.
func (f *InternalFlash) SectorRead(s SectorRef, offset uint32, dst []byte) LLDResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats.Reads++
	if f.takeFault(OpRead) {
		return LLDFailed
	}
	start := s.Base + offset
	copy(dst, f.mem[start:start+uint32(len(dst))])
	return LLDOk
}

// SectorCompare compares length bytes at offset of sector s with src, or
// with the erased value when src is nil.
func (f *InternalFlash) SectorCompare(s SectorRef, offset uint32, src []byte, length uint32) LLDResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats.Compares++
	if f.takeFault(OpCompare) {
		return LLDFailed
	}
	start := s.Base + offset
	data := f.mem[start : start+length]
	if src == nil {
		if !isErased(data) {
			return LLDBlockInconsistent
		}
		return LLDOk
	}
	if !bytes.Equal(data, src[:length]) {
		return LLDBlockInconsistent
	}
	return LLDOk
}

// MainFunction advances a polled operation. Each stage takes latency polls:
// the erase (one stage per physical block when interleaved), the optional
// erase blank check, or the write.
func (f *InternalFlash) MainFunction() LLDResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	op := f.op
	if op == nil || op.mode != CompletePoll {
		return LLDOk
	}
	op.polls--
	if op.polls > 0 {
		return LLDPending
	}
	op.polls = f.latency

	var res LLDResult
	switch op.state {
	case HwJobErase:
		res = f.run(func() LLDResult { return f.eraseAll(op.ref) })
		if res == LLDOk && op.ref.Sector.EraseBlankCheck {
			op.state = HwJobEraseBlankCheck
			return LLDPending
		}
	case HwJobEraseInterleaved:
		res = f.run(func() LLDResult { return f.eraseBlock(op.ref, op.block) })
		op.block++
		if res == LLDOk && op.block < op.ref.Sector.PhysicalBlocks {
			return LLDPending
		}
		if res == LLDOk && op.ref.Sector.EraseBlankCheck {
			op.state = HwJobEraseBlankCheck
			return LLDPending
		}
	case HwJobEraseBlankCheck:
		res = f.blankCheck(op.ref)
	case HwJobWrite:
		res = f.run(func() LLDResult { return f.program(op.ref, op.offset, op.data) })
	}
	f.op = nil
	return res
}

// ServiceInterrupt is the flash controller interrupt handler. It completes
// the interrupt-mode operation in flight and reports the result to the
// installed handler. It returns false if no such operation exists.
func (f *InternalFlash) ServiceInterrupt() bool {
	f.mu.Lock()
	op := f.op
	if op == nil || op.mode != CompleteInterrupt {
		f.mu.Unlock()
		return false
	}
	var res LLDResult
	switch op.kind {
	case OpErase:
		res = f.run(func() LLDResult { return f.eraseSector(op.ref) })
	case OpWrite:
		res = f.run(func() LLDResult { return f.program(op.ref, op.offset, op.data) })
	}
	f.op = nil
	irq := f.irq
	f.mu.Unlock()

	if irq != nil {
		irq(res)
	}
	return true
}

// admit checks that a new erase or write may start on s.
func (f *InternalFlash) admit(s SectorRef) LLDResult {
	if f.op != nil {
		pkgLog.Errorf("internal flash: sector %d: controller busy", s.Index)
		return LLDFailed
	}
	if f.locked[s.Index] {
		pkgLog.Errorf("internal flash: sector %d is protected", s.Index)
		return LLDFailed
	}
	if f.code != nil && !f.code.Loaded() {
		pkgLog.Errorf("internal flash: access code not loaded")
		return LLDFailed
	}
	return LLDOk
}

func (f *InternalFlash) run(fn func() LLDResult) LLDResult {
	if f.code != nil {
		return f.code.Execute(fn)
	}
	return fn()
}

func (f *InternalFlash) eraseSector(s SectorRef) LLDResult {
	res := f.eraseAll(s)
	if res == LLDOk && s.Sector.EraseBlankCheck {
		return f.blankCheck(s)
	}
	return res
}

func (f *InternalFlash) eraseAll(s SectorRef) LLDResult {
	if f.takeFault(OpErase) {
		return LLDFailed
	}
	f.eraseRange(s.Base, s.Size)
	return LLDOk
}

func (f *InternalFlash) eraseBlock(s SectorRef, block uint32) LLDResult {
	if f.takeFault(OpErase) {
		return LLDFailed
	}
	size := s.Size / s.Sector.PhysicalBlocks
	f.eraseRange(s.Base+block*size, size)
	return LLDOk
}

func (f *InternalFlash) eraseRange(base, size uint32) {
	for a := base; a < base+size; a++ {
		if v, ok := f.stuck[a]; ok {
			f.mem[a] = v
		} else {
			f.mem[a] = ErasedValue
		}
	}
}

func (f *InternalFlash) blankCheck(s SectorRef) LLDResult {
	if !isErased(f.mem[s.Base : s.Base+s.Size]) {
		pkgLog.Errorf("internal flash: sector %d failed erase blank check", s.Index)
		return LLDFailed
	}
	return LLDOk
}

func (f *InternalFlash) program(s SectorRef, offset uint32, data []byte) LLDResult {
	if f.takeFault(OpWrite) {
		return LLDFailed
	}
	start := s.Base + offset
	dst := f.mem[start : start+uint32(len(data))]
	for i := range data {
		dst[i] &= data[i]
	}
	if !bytes.Equal(dst, data) {
		pkgLog.Errorf("internal flash: sector %d: write verify failed at offset %#x", s.Index, offset)
		return LLDFailed
	}
	return LLDOk
}

func (f *InternalFlash) takeFault(op Operation) bool {
	if f.faults[op] {
		delete(f.faults, op)
		return true
	}
	return false
}
