// Package fls implements a flash driver job scheduler.
//
// The package contains three layers. Driver accepts erase, write, read,
// compare and blank check requests, validates them and arms a single job,
// which is then advanced by repeated calls to MainFunction. Each tick moves at
// most a configured number of bytes (or one sector for erase) through the IP
// wrapper, which routes every primitive to the low-level driver (LLD) owning
// the sector: the internal flash array or an external flash device reached
// over a FlashLink.
//
// Two LLDs are included: InternalFlash, a memory-backed model of an on-chip
// NOR array with relocated access code, and ExternalFlash, which drives
// remote flash devices through the link protocol. ImageProgrammer builds on
// Driver to program Intel HEX images.
//
// A command line tool, found in the cmd/flsctl directory, exercises the
// driver against a persisted internal flash image.
package fls

import (
	"sync"

	"github.com/pkg/errors"
)

// Driver is the flash job scheduler. Submission calls may come from any
// goroutine; MainFunction must not be called concurrently with itself.
type Driver struct {
	mu       sync.Mutex
	features Features
	reporter ErrorReporter
	ipw      *ipw

	cfg       *ConfigSet
	result    JobResult
	job       *job
	lldResult LLDResult

	maxRead    uint32
	maxWrite   uint32
	codeLoaded bool
	// Remaining ticks for the interrupt step in flight.
	timeout uint32
}

// Option configures a Driver.
type Option func(*Driver)

// WithFeatures selects the optional services and checks.
func WithFeatures(f Features) Option {
	return func(d *Driver) {
		d.features = f
	}
}

// WithErrorReporter sets the sink for development and runtime errors.
func WithErrorReporter(r ErrorReporter) Option {
	return func(d *Driver) {
		if r != nil {
			d.reporter = r
		}
	}
}

// WithCacheSync installs a hook invoked before and after internal erases.
func WithCacheSync(fn func()) Option {
	return func(d *Driver) {
		d.ipw.cacheSync = fn
	}
}

// New creates a driver over the given low-level drivers. Either may be nil if
// no configured sector uses that channel.
func New(internal, external LLD, opts ...Option) *Driver {
	d := &Driver{
		features: DefaultFeatures(),
		reporter: logReporter{},
		ipw:      newIPW(internal, external),
		result:   JobOk,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.ipw.setInterruptHandler(d.onInterrupt)
	return d
}

// Init validates cfg and makes it the active configuration. A configuration
// whose ConfigCRC does not match leaves the driver uninitialised with job
// result JobFailed.
func (d *Driver) Init(cfg *ConfigSet) error {
	if cfg == nil {
		return d.reject(APIInit, ErrParamConfig)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.result == JobPending {
		return d.reject(APIInit, ErrBusy)
	}
	if err := cfg.Validate(); err != nil {
		return errors.WithMessage(d.reject(APIInit, ErrParamConfig), err.Error())
	}
	if crc := ComputeConfigCRC(cfg); crc != cfg.ConfigCRC {
		d.cfg = nil
		d.job = nil
		d.result = JobFailed
		return errors.WithMessagef(d.reject(APIInit, ErrParamConfig),
			"config crc %#04x does not match computed %#04x", cfg.ConfigCRC, crc)
	}

	d.cfg = cfg
	d.job = nil
	d.lldResult = LLDOk
	d.codeLoaded = false
	d.setQuotas(cfg.DefaultMode)

	if d.ipw.init(cfg) != LLDOk {
		d.cfg = nil
		d.result = JobFailed
		return errors.New("fls: hardware initialisation failed")
	}
	d.result = JobOk
	pkgLog.Infof("fls: initialised %d sectors, %d bytes", len(cfg.Sectors), cfg.TotalSize())
	return nil
}

// DeInit releases the active configuration.
func (d *Driver) DeInit() error {
	if !d.features.DeInit {
		return d.reject(APIDeInit, ErrUnsupported)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cfg == nil {
		return d.reject(APIDeInit, ErrUninit)
	}
	if d.result == JobPending {
		return d.reject(APIDeInit, ErrBusy)
	}
	d.cfg = nil
	d.job = nil
	d.result = JobOk
	d.lldResult = LLDOk
	return nil
}

// Erase arms an erase of whole sectors. addr must be the start of a sector
// and addr+length-1 the end of a sector.
func (d *Driver) Erase(addr, length uint32) error {
	cfg := d.activeConfig()
	if cfg == nil {
		return d.reject(APIErase, ErrUninit)
	}
	if !cfg.isSectorStartAligned(addr) {
		return d.reject(APIErase, ErrParamAddress)
	}
	if length == 0 || addr+length-1 < addr || !cfg.isSectorEndAligned(addr+length-1) {
		return d.reject(APIErase, ErrParamLength)
	}
	j := &job{
		kind:      JobErase,
		sector:    cfg.SectorIndexByAddr(addr),
		sectorEnd: cfg.SectorIndexByAddr(addr + length - 1),
	}
	return d.arm(APIErase, cfg, j)
}

// Write arms a write of length bytes from src. addr must be page aligned and
// addr+length must end on a page boundary.
func (d *Driver) Write(addr uint32, src []byte, length uint32) error {
	cfg := d.activeConfig()
	if cfg == nil {
		return d.reject(APIWrite, ErrUninit)
	}
	if !cfg.isPageStartAligned(addr) {
		return d.reject(APIWrite, ErrParamAddress)
	}
	if length == 0 || !inRange(cfg, addr, length) || !cfg.isPageEndAligned(addr+length) {
		return d.reject(APIWrite, ErrParamLength)
	}
	if src == nil || uint32(len(src)) < length {
		return d.reject(APIWrite, ErrParamData)
	}
	return d.arm(APIWrite, cfg, newTransfer(cfg, JobWrite, addr, length, src[:length], nil))
}

// Read arms a read of length bytes into dst.
func (d *Driver) Read(addr uint32, dst []byte, length uint32) error {
	cfg := d.activeConfig()
	if cfg == nil {
		return d.reject(APIRead, ErrUninit)
	}
	if err := d.checkRange(APIRead, cfg, addr, length); err != nil {
		return err
	}
	if dst == nil || uint32(len(dst)) < length {
		return d.reject(APIRead, ErrParamData)
	}
	return d.arm(APIRead, cfg, newTransfer(cfg, JobRead, addr, length, nil, dst[:length]))
}

// Compare arms a comparison of flash content against src.
func (d *Driver) Compare(addr uint32, src []byte, length uint32) error {
	if !d.features.Compare {
		return d.reject(APICompare, ErrUnsupported)
	}
	cfg := d.activeConfig()
	if cfg == nil {
		return d.reject(APICompare, ErrUninit)
	}
	if err := d.checkRange(APICompare, cfg, addr, length); err != nil {
		return err
	}
	if src == nil || uint32(len(src)) < length {
		return d.reject(APICompare, ErrParamData)
	}
	return d.arm(APICompare, cfg, newTransfer(cfg, JobCompare, addr, length, src[:length], nil))
}

// BlankCheck arms a check that the range is erased.
func (d *Driver) BlankCheck(addr, length uint32) error {
	if !d.features.BlankCheck {
		return d.reject(APIBlankCheck, ErrUnsupported)
	}
	cfg := d.activeConfig()
	if cfg == nil {
		return d.reject(APIBlankCheck, ErrUninit)
	}
	if err := d.checkRange(APIBlankCheck, cfg, addr, length); err != nil {
		return err
	}
	return d.arm(APIBlankCheck, cfg, newTransfer(cfg, JobBlankCheck, addr, length, nil, nil))
}

// Cancel aborts the pending job. The job result becomes JobCanceled when the
// hardware confirms the abort and JobFailed otherwise; the job error
// notification fires in both cases. Without a pending job Cancel does nothing.
func (d *Driver) Cancel() error {
	if !d.features.Cancel {
		return d.reject(APICancel, ErrUnsupported)
	}
	d.mu.Lock()
	if d.cfg == nil {
		d.mu.Unlock()
		return d.reject(APICancel, ErrUninit)
	}
	if d.result != JobPending {
		d.mu.Unlock()
		return nil
	}

	idx := d.job.sector
	if idx >= len(d.cfg.Sectors) {
		idx = len(d.cfg.Sectors) - 1
	}
	hw, irq := d.ipw.hwJob(), d.ipw.irqJob
	res := d.ipw.cancel(idx)
	d.unloadAccessCode()
	if res == LLDOk {
		d.result = JobCanceled
	} else {
		d.result = JobFailed
	}
	pkgLog.Infof("fls: %v job canceled on sector %d (hw job %d, irq job %d), result %v",
		d.job.kind, idx, hw, irq, d.result)
	d.job = nil
	d.lldResult = LLDOk
	notify := d.cfg.JobErrorNotification
	d.mu.Unlock()

	d.notify(notify)
	return nil
}

// GetStatus returns the module status.
func (d *Driver) GetStatus() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case d.cfg == nil:
		return StatusUninit
	case d.result == JobPending:
		return StatusBusy
	default:
		return StatusIdle
	}
}

// GetJobResult returns the result of the current or last job.
func (d *Driver) GetJobResult() JobResult {
	d.mu.Lock()
	cfg, result := d.cfg, d.result
	d.mu.Unlock()

	if cfg == nil {
		d.reject(APIGetJobResult, ErrUninit)
		return JobFailed
	}
	return result
}

// SetMode selects the per-tick byte quotas.
func (d *Driver) SetMode(mode Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cfg == nil {
		return d.reject(APISetMode, ErrUninit)
	}
	if d.result == JobPending {
		return d.reject(APISetMode, ErrBusy)
	}
	d.setQuotas(mode)
	return nil
}

// GetVersionInfo returns the driver version.
func (d *Driver) GetVersionInfo() VersionInfo {
	return VersionInfo{
		VendorID:       VendorID,
		ModuleID:       ModuleID,
		SwMajorVersion: SwMajorVersion,
		SwMinorVersion: SwMinorVersion,
		SwPatchVersion: SwPatchVersion,
	}
}

// MainFunction advances the pending job by one tick and raises the job end
// or job error notification when the job finishes.
func (d *Driver) MainFunction() {
	d.mu.Lock()
	if d.cfg == nil {
		d.mu.Unlock()
		d.reject(APIMainFunction, ErrUninit)
		return
	}
	if d.result != JobPending {
		d.mu.Unlock()
		return
	}

	j := d.job
	if !j.started {
		d.startJob(j)
	}

	timedOut := false
	switch {
	case d.ipw.pollInFlight():
		if res := d.ipw.lldMainFunction(); res != LLDPending {
			d.settle(res)
		}
	case d.ipw.irqInFlight() && d.features.TimeoutSupervision && d.cfg.InterruptTimeout > 0:
		if d.timeout > 0 {
			d.timeout--
		}
		if d.timeout == 0 {
			pkgLog.Warnf("fls: interrupt step on sector %d timed out", j.sector)
			d.ipw.abortInterrupt()
			d.settle(LLDFailed)
			timedOut = true
		}
	}

	switch d.lldResult {
	case LLDOk:
		if j.kind == JobErase {
			d.result = d.doErase(j)
		} else {
			d.result = d.doTransfer(j)
		}
	case LLDFailed, LLDPartitionError:
		d.result = JobFailed
	case LLDBlockInconsistent:
		d.result = JobBlockInconsistent
	}

	var notify func()
	if d.result != JobPending {
		d.unloadAccessCode()
		d.job = nil
		switch d.result {
		case JobOk:
			notify = d.cfg.JobEndNotification
		case JobFailed:
			if timedOut {
				d.reportRuntime(APIMainFunction, RuntimeTimeout)
			} else {
				d.reportRuntime(APIMainFunction, runtimeErrorFor(j.kind))
			}
			notify = d.cfg.JobErrorNotification
		case JobBlockInconsistent:
			notify = d.cfg.JobErrorNotification
		}
		pkgLog.Debugf("fls: %v job finished: %v", j.kind, d.result)
	}
	d.mu.Unlock()

	d.notify(notify)
}

func (d *Driver) startJob(j *job) {
	j.started = true
	d.lldResult = LLDOk
	d.ipw.abortSuspended()
	if d.features.AccessCodeRelocation && (j.kind == JobErase || j.kind == JobWrite) {
		d.ipw.loadAccessCode(j.kind)
		d.codeLoaded = true
	}
}

func (d *Driver) unloadAccessCode() {
	if d.codeLoaded {
		d.ipw.unloadAccessCode()
		d.codeLoaded = false
	}
}

// onInterrupt is the completion handler installed on interrupt-capable LLDs.
func (d *Driver) onInterrupt(res LLDResult) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.ipw.irqInFlight() {
		return
	}
	d.ipw.interruptDone()
	d.settle(res)
}

// arm installs j as the pending job unless another job is pending.
func (d *Driver) arm(api APIID, cfg *ConfigSet, j *job) error {
	d.mu.Lock()
	if d.cfg != cfg {
		d.mu.Unlock()
		return d.reject(api, ErrUninit)
	}
	if d.result == JobPending {
		d.mu.Unlock()
		return d.reject(api, ErrBusy)
	}
	d.job = j
	d.result = JobPending
	d.mu.Unlock()

	pkgLog.Debugf("fls: %v job armed", j.kind)
	return nil
}

func (d *Driver) activeConfig() *ConfigSet {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

func (d *Driver) checkRange(api APIID, cfg *ConfigSet, addr, length uint32) error {
	word := cfg.wordAddressable()
	if addr >= cfg.TotalSize() || (word && addr%2 != 0) {
		return d.reject(api, ErrParamAddress)
	}
	if length == 0 || !inRange(cfg, addr, length) || (word && length%2 != 0) {
		return d.reject(api, ErrParamLength)
	}
	return nil
}

func (d *Driver) setQuotas(mode Mode) {
	if mode == ModeFast {
		d.maxRead, d.maxWrite = d.cfg.MaxReadFastMode, d.cfg.MaxWriteFastMode
	} else {
		d.maxRead, d.maxWrite = d.cfg.MaxReadNormalMode, d.cfg.MaxWriteNormalMode
	}
}

func (d *Driver) reject(api APIID, code DevErrorCode) error {
	if d.features.DevErrorDetect {
		d.reporter.ReportError(ModuleID, 0, api, code)
	}
	return &UsageError{API: api, Code: code}
}

func (d *Driver) reportRuntime(api APIID, code RuntimeErrorCode) {
	if d.features.RuntimeErrorDetect {
		d.reporter.ReportRuntimeError(ModuleID, 0, api, code)
	}
}

// notify runs a notification outside the driver lock. A panicking
// notification is logged and does not propagate.
func (d *Driver) notify(fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			pkgLog.Errorf("fls: notification panicked: %v", r)
		}
	}()
	fn()
}

func inRange(cfg *ConfigSet, addr, length uint32) bool {
	total := cfg.TotalSize()
	return addr < total && length <= total-addr
}

func newTransfer(cfg *ConfigSet, kind JobKind, addr, length uint32, src, dst []byte) *job {
	return &job{
		kind:    kind,
		sector:  cfg.SectorIndexByAddr(addr),
		addr:    addr,
		addrEnd: addr + length - 1,
		src:     src,
		dst:     dst,
	}
}
