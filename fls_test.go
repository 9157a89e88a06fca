package fls

import (
	"bytes"
	"errors"
	"sync"
	"testing"
)

type devReport struct {
	api  APIID
	code DevErrorCode
}

type recordingReporter struct {
	dev     []devReport
	runtime []RuntimeErrorCode
}

func (r *recordingReporter) ReportError(moduleID uint16, instanceID uint8, api APIID, code DevErrorCode) {
	r.dev = append(r.dev, devReport{api, code})
}

func (r *recordingReporter) ReportRuntimeError(moduleID uint16, instanceID uint8, api APIID, code RuntimeErrorCode) {
	r.runtime = append(r.runtime, code)
}

type notifications struct {
	end, err int
}

func (n *notifications) install(cfg *ConfigSet) {
	cfg.JobEndNotification = func() { n.end++ }
	cfg.JobErrorNotification = func() { n.err++ }
}

type testRig struct {
	driver   *Driver
	flash    *InternalFlash
	cfg      *ConfigSet
	reporter *recordingReporter
	notes    *notifications
}

func newTestRig(t *testing.T, flashOpts []InternalOption, opts ...Option) *testRig {
	t.Helper()
	r := &testRig{
		flash:    NewInternalFlash(0x1400, flashOpts...),
		cfg:      testConfig(),
		reporter: &recordingReporter{},
		notes:    &notifications{},
	}
	r.notes.install(r.cfg)
	opts = append([]Option{WithErrorReporter(r.reporter)}, opts...)
	r.driver = New(r.flash, nil, opts...)
	if err := r.driver.Init(r.cfg); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return r
}

// finish calls MainFunction until the job leaves JobPending and returns the
// result and the number of calls.
func (r *testRig) finish(t *testing.T) (JobResult, int) {
	t.Helper()
	for ticks := 0; ticks < 10000; ticks++ {
		if res := r.driver.GetJobResult(); res != JobPending {
			return res, ticks
		}
		r.driver.MainFunction()
	}
	t.Fatalf("job did not finish")
	return JobPending, 0
}

func (r *testRig) run(t *testing.T, submit func() error) JobResult {
	t.Helper()
	if err := submit(); err != nil {
		t.Fatalf("submit: %v", err)
	}
	res, _ := r.finish(t)
	return res
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7) + seed
	}
	return b
}

func expectCode(t *testing.T, err error, code DevErrorCode) {
	t.Helper()
	if !errors.Is(err, code) {
		t.Fatalf("error %v, want %v", err, code)
	}
}

func TestInitCRCMismatch(t *testing.T) {
	rep := &recordingReporter{}
	d := New(NewInternalFlash(0x1400), nil, WithErrorReporter(rep))
	cfg := testConfig()
	cfg.ConfigCRC ^= 1

	expectCode(t, d.Init(cfg), ErrParamConfig)
	if s := d.GetStatus(); s != StatusUninit {
		t.Errorf("status %v, want uninit", s)
	}
	if res := d.GetJobResult(); res != JobFailed {
		t.Errorf("job result %v, want failed", res)
	}
	expectCode(t, d.Erase(0, 0x400), ErrUninit)
}

func TestInitRejects(t *testing.T) {
	d := New(NewInternalFlash(0x1400), nil)
	expectCode(t, d.Init(nil), ErrParamConfig)

	cfg := testConfig()
	cfg.Sectors[0].PageSize = 0
	cfg.ConfigCRC = ComputeConfigCRC(cfg)
	expectCode(t, d.Init(cfg), ErrParamConfig)
	if s := d.GetStatus(); s != StatusUninit {
		t.Errorf("status %v, want uninit", s)
	}
}

func TestInitMissingChannelDriver(t *testing.T) {
	cfg := testConfig()
	cfg.Units = []ExternalUnit{{Size: 0x400, EraseRowSize: 256}}
	cfg.Sectors[3].Channel = ChannelExternal
	cfg.Sectors[3].PhysicalAddress = 0
	cfg.ConfigCRC = ComputeConfigCRC(cfg)

	d := New(NewInternalFlash(0x1400), nil)
	if err := d.Init(cfg); err == nil {
		t.Fatalf("Init succeeded without an external driver")
	}
	if s := d.GetStatus(); s != StatusUninit {
		t.Errorf("status %v, want uninit", s)
	}
}

func TestInitWhileBusy(t *testing.T) {
	r := newTestRig(t, nil)
	if err := r.driver.Erase(0x400, 0x400); err != nil {
		t.Fatal(err)
	}
	expectCode(t, r.driver.Init(testConfig()), ErrBusy)
	if s := r.driver.GetStatus(); s != StatusBusy {
		t.Errorf("status %v, want busy", s)
	}
}

func TestEraseRejects(t *testing.T) {
	tests := []struct {
		name         string
		addr, length uint32
		code         DevErrorCode
	}{
		{"unaligned start", 0x0008, 0x03F8, ErrParamAddress},
		{"start beyond flash", 0x1400, 0x400, ErrParamAddress},
		{"zero length", 0x0400, 0, ErrParamLength},
		{"unaligned end", 0x0000, 0x0404, ErrParamLength},
		{"end beyond flash", 0x1000, 0x800, ErrParamLength},
		{"wrapping length", 0x0400, 0xFFFFFFFF, ErrParamLength},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRig(t, nil)
			err := r.driver.Erase(tt.addr, tt.length)
			expectCode(t, err, tt.code)

			var uerr *UsageError
			if !errors.As(err, &uerr) || uerr.API != APIErase {
				t.Errorf("error %v not a usage error from Erase", err)
			}
			if len(r.reporter.dev) != 1 || r.reporter.dev[0] != (devReport{APIErase, tt.code}) {
				t.Errorf("reports %+v", r.reporter.dev)
			}
			if s, res := r.driver.GetStatus(), r.driver.GetJobResult(); s != StatusIdle || res != JobOk {
				t.Errorf("state changed to %v/%v", s, res)
			}
			r.driver.MainFunction()
			if n := r.flash.Stats().Erases; n != 0 {
				t.Errorf("%d erases issued", n)
			}
		})
	}
}

func TestWriteRejects(t *testing.T) {
	data := make([]byte, 0x40)
	tests := []struct {
		name   string
		addr   uint32
		src    []byte
		length uint32
		code   DevErrorCode
	}{
		{"unaligned start", 0x0004, data, 0x10, ErrParamAddress},
		{"unaligned start in sixteen byte pages", 0x0808, data, 0x10, ErrParamAddress},
		{"beyond flash", 0x1400, data, 0x10, ErrParamAddress},
		{"unaligned end", 0x0000, data, 0x0C, ErrParamLength},
		{"unaligned end in sixteen byte pages", 0x07F8, data, 0x10, ErrParamLength},
		{"zero length", 0x0000, data, 0, ErrParamLength},
		{"past flash end", 0x13F8, data, 0x10, ErrParamLength},
		{"nil source", 0x0000, nil, 0x10, ErrParamData},
		{"short source", 0x0000, data, 0x48, ErrParamData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRig(t, nil)
			expectCode(t, r.driver.Write(tt.addr, tt.src, tt.length), tt.code)
			r.driver.MainFunction()
			if n := r.flash.Stats().Writes; n != 0 {
				t.Errorf("%d writes issued", n)
			}
			if res := r.driver.GetJobResult(); res != JobOk {
				t.Errorf("job result %v", res)
			}
		})
	}
}

func TestReadRejects(t *testing.T) {
	r := newTestRig(t, nil)
	buf := make([]byte, 16)
	expectCode(t, r.driver.Read(0x1400, buf, 1), ErrParamAddress)
	expectCode(t, r.driver.Read(0x13F8, buf, 16), ErrParamLength)
	expectCode(t, r.driver.Read(0, buf, 0), ErrParamLength)
	expectCode(t, r.driver.Read(0, nil, 4), ErrParamData)
	expectCode(t, r.driver.Read(0, buf, 17), ErrParamData)
	expectCode(t, r.driver.Compare(0, nil, 4), ErrParamData)
	expectCode(t, r.driver.BlankCheck(0x13FF, 2), ErrParamLength)
}

func TestBusyRejection(t *testing.T) {
	r := newTestRig(t, nil)
	if err := r.driver.Erase(0x400, 0x400); err != nil {
		t.Fatal(err)
	}
	expectCode(t, r.driver.Write(0, make([]byte, 8), 8), ErrBusy)
	expectCode(t, r.driver.Erase(0, 0x400), ErrBusy)
	expectCode(t, r.driver.SetMode(ModeFast), ErrBusy)
	expectCode(t, r.driver.DeInit(), ErrBusy)

	if res, _ := r.finish(t); res != JobOk {
		t.Fatalf("erase result %v", res)
	}
	if n := r.flash.Stats().Writes; n != 0 {
		t.Errorf("rejected write issued %d writes", n)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	r := newTestRig(t, nil)
	// Spans the synchronous, polled and interleaved sectors.
	const addr, length = 0x0100, 0x0B00
	data := pattern(length, 3)

	if res := r.run(t, func() error { return r.driver.Write(addr, data, length) }); res != JobOk {
		t.Fatalf("write result %v", res)
	}
	if !bytes.Equal(r.flash.Memory()[addr:addr+length], data) {
		t.Fatalf("flash content differs from written data")
	}

	buf := make([]byte, length)
	if res := r.run(t, func() error { return r.driver.Read(addr, buf, length) }); res != JobOk {
		t.Fatalf("read result %v", res)
	}
	if !bytes.Equal(buf, data) {
		t.Errorf("read data differs from written data")
	}
	if res := r.run(t, func() error { return r.driver.Compare(addr, data, length) }); res != JobOk {
		t.Errorf("compare result %v", res)
	}
	if res := r.run(t, func() error { return r.driver.BlankCheck(addr, length) }); res != JobBlockInconsistent {
		t.Errorf("blank check result %v, want block inconsistent", res)
	}
	if res := r.run(t, func() error { return r.driver.BlankCheck(0x1000, 0x400) }); res != JobOk {
		t.Errorf("blank check of untouched sector %v", res)
	}
	if r.notes.end != 4 || r.notes.err != 1 {
		t.Errorf("notifications end %d error %d, want 4 and 1", r.notes.end, r.notes.err)
	}
}

func TestEraseSectors(t *testing.T) {
	r := newTestRig(t, nil)
	data := pattern(0x1000, 1)
	if res := r.run(t, func() error { return r.driver.Write(0, data, 0x1000) }); res != JobOk {
		t.Fatalf("write result %v", res)
	}

	if res := r.run(t, func() error { return r.driver.Erase(0, 0x1000) }); res != JobOk {
		t.Fatalf("erase result %v", res)
	}
	if n := r.flash.Stats().Erases; n != 3 {
		t.Errorf("%d sector erases, want 3", n)
	}
	if !isErased(r.flash.Memory()[:0x1000]) {
		t.Errorf("flash not erased")
	}

	// Erasing erased sectors succeeds again.
	if res := r.run(t, func() error { return r.driver.Erase(0x400, 0x400) }); res != JobOk {
		t.Errorf("second erase result %v", res)
	}
}

func TestEraseOneSectorPerTick(t *testing.T) {
	r := newTestRig(t, nil)
	cfg := testConfig()
	for i := range cfg.Sectors {
		cfg.Sectors[i].Async = false
		cfg.Sectors[i].Interrupt = false
	}
	cfg.ConfigCRC = ComputeConfigCRC(cfg)
	if err := r.driver.Init(cfg); err != nil {
		t.Fatal(err)
	}

	if err := r.driver.Erase(0, 0x1400); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 4; i++ {
		r.driver.MainFunction()
		if n := r.flash.Stats().Erases; n != i {
			t.Fatalf("after tick %d: %d erases", i, n)
		}
	}
	if res := r.driver.GetJobResult(); res != JobOk {
		t.Errorf("result %v after the last sector", res)
	}
}

func TestTransferQuotas(t *testing.T) {
	tests := []struct {
		name  string
		mode  Mode
		write bool
		ticks int
	}{
		{"read slow", ModeSlow, false, 4},
		{"read fast", ModeFast, false, 1},
		{"write slow", ModeSlow, true, 16},
		{"write fast", ModeFast, true, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRig(t, nil)
			if err := r.driver.SetMode(tt.mode); err != nil {
				t.Fatal(err)
			}
			buf := pattern(0x400, 0)
			var err error
			if tt.write {
				err = r.driver.Write(0, buf, 0x400)
			} else {
				err = r.driver.Read(0, buf, 0x400)
			}
			if err != nil {
				t.Fatal(err)
			}
			res, ticks := r.finish(t)
			if res != JobOk || ticks != tt.ticks {
				t.Errorf("result %v after %d ticks, want ok after %d", res, ticks, tt.ticks)
			}
		})
	}
}

func TestTransferCrossesSectorsWithinTick(t *testing.T) {
	r := newTestRig(t, nil)
	if err := r.driver.SetMode(ModeFast); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 0x400)
	if err := r.driver.Read(0x0200, buf, 0x400); err != nil {
		t.Fatal(err)
	}
	r.driver.MainFunction()
	if res := r.driver.GetJobResult(); res != JobOk {
		t.Fatalf("result %v", res)
	}
	if n := r.flash.Stats().Reads; n != 2 {
		t.Errorf("%d reads, want one per sector", n)
	}
}

func TestCancelPendingWrite(t *testing.T) {
	r := newTestRig(t, []InternalOption{WithLatency(3)})
	data := pattern(0x40, 0)
	if err := r.driver.Write(0x400, data, 0x40); err != nil {
		t.Fatal(err)
	}
	r.driver.MainFunction()
	if hw := r.flash.HwJob(); hw != HwJobWrite {
		t.Fatalf("hardware job %v, want write", hw)
	}

	if err := r.driver.Cancel(); err != nil {
		t.Fatal(err)
	}
	if res := r.driver.GetJobResult(); res != JobCanceled {
		t.Errorf("result %v, want canceled", res)
	}
	if s := r.driver.GetStatus(); s != StatusIdle {
		t.Errorf("status %v, want idle", s)
	}
	if r.notes.err != 1 || r.notes.end != 0 {
		t.Errorf("notifications end %d error %d", r.notes.end, r.notes.err)
	}
	if r.flash.HwJob() != HwJobNone {
		t.Errorf("hardware job still in flight")
	}

	for i := 0; i < 5; i++ {
		r.driver.MainFunction()
	}
	if res := r.driver.GetJobResult(); res != JobCanceled {
		t.Errorf("result changed to %v after cancel", res)
	}
	if !isErased(r.flash.Memory()[0x400:0x440]) {
		t.Errorf("canceled write reached the array")
	}

	// Nothing to cancel.
	if err := r.driver.Cancel(); err != nil {
		t.Fatal(err)
	}
	if r.notes.err != 1 {
		t.Errorf("idle cancel raised a notification")
	}
}

func TestCancelRefusedByHardware(t *testing.T) {
	r := newTestRig(t, []InternalOption{WithLatency(3)})
	if err := r.driver.Erase(0x400, 0x400); err != nil {
		t.Fatal(err)
	}
	r.driver.MainFunction()
	r.flash.InjectFault(OpCancel)
	if err := r.driver.Cancel(); err != nil {
		t.Fatal(err)
	}
	if res := r.driver.GetJobResult(); res != JobFailed {
		t.Errorf("result %v, want failed", res)
	}
}

func TestInterruptCompletion(t *testing.T) {
	r := newTestRig(t, nil)
	if err := r.driver.Erase(0x1000, 0x400); err != nil {
		t.Fatal(err)
	}
	r.driver.MainFunction()
	if res := r.driver.GetJobResult(); res != JobPending {
		t.Fatalf("result %v before the interrupt", res)
	}
	if !r.flash.ServiceInterrupt() {
		t.Fatalf("no interrupt operation in flight")
	}
	if r.flash.ServiceInterrupt() {
		t.Fatalf("second interrupt serviced")
	}
	r.driver.MainFunction()
	if res := r.driver.GetJobResult(); res != JobOk {
		t.Errorf("result %v, want ok", res)
	}
	if r.notes.end != 1 {
		t.Errorf("%d end notifications", r.notes.end)
	}
}

func TestInterruptWrite(t *testing.T) {
	r := newTestRig(t, nil)
	data := pattern(0x80, 9)
	if err := r.driver.Write(0x1000, data, 0x80); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10 && r.driver.GetJobResult() == JobPending; i++ {
		r.driver.MainFunction()
		r.flash.ServiceInterrupt()
	}
	if res := r.driver.GetJobResult(); res != JobOk {
		t.Fatalf("result %v", res)
	}
	if !bytes.Equal(r.flash.Memory()[0x1000:0x1080], data) {
		t.Errorf("flash content differs")
	}
}

func TestInterruptRacesCancel(t *testing.T) {
	for i := 0; i < 50; i++ {
		r := newTestRig(t, nil)
		data := pattern(0x40, byte(i))
		if err := r.driver.Write(0x1000, data, 0x40); err != nil {
			t.Fatal(err)
		}
		r.driver.MainFunction()

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.flash.ServiceInterrupt()
		}()
		if err := r.driver.Cancel(); err != nil {
			t.Fatal(err)
		}
		wg.Wait()

		if res := r.driver.GetJobResult(); res != JobCanceled {
			t.Fatalf("run %d: result %v, want canceled", i, res)
		}
		if r.flash.ServiceInterrupt() {
			t.Fatalf("run %d: operation serviceable after cancel", i)
		}
		mem := r.flash.Memory()[0x1000:0x1040]
		if !isErased(mem) && !bytes.Equal(mem, data) {
			t.Fatalf("run %d: partially programmed array", i)
		}
		r.driver.MainFunction()
		if r.notes.end != 0 || r.notes.err != 1 {
			t.Errorf("run %d: notifications %+v", i, *r.notes)
		}
	}
}

func TestInterruptTimeout(t *testing.T) {
	r := newTestRig(t, nil)
	if err := r.driver.Erase(0x1000, 0x400); err != nil {
		t.Fatal(err)
	}
	res, ticks := r.finish(t)
	if res != JobFailed {
		t.Fatalf("result %v, want failed", res)
	}
	if ticks != int(r.cfg.InterruptTimeout)+1 {
		t.Errorf("timed out after %d ticks", ticks)
	}
	if len(r.reporter.runtime) != 1 || r.reporter.runtime[0] != RuntimeTimeout {
		t.Errorf("runtime reports %v", r.reporter.runtime)
	}
	if r.flash.ServiceInterrupt() {
		t.Errorf("timed out operation still serviceable")
	}
}

func TestInterruptTimeoutDisabled(t *testing.T) {
	f := DefaultFeatures()
	f.TimeoutSupervision = false
	r := newTestRig(t, nil, WithFeatures(f))
	if err := r.driver.Erase(0x1000, 0x400); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		r.driver.MainFunction()
	}
	if res := r.driver.GetJobResult(); res != JobPending {
		t.Fatalf("result %v without supervision", res)
	}
	r.flash.ServiceInterrupt()
	if res, _ := r.finish(t); res != JobOk {
		t.Errorf("result %v", res)
	}
}

func TestAccessCodeLifecycle(t *testing.T) {
	code := NewAccessCode([]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06})
	r := newTestRig(t, []InternalOption{WithAccessCode(code)})

	if res := r.run(t, func() error { return r.driver.Erase(0, 0x800) }); res != JobOk {
		t.Fatalf("erase result %v", res)
	}
	if code.Loaded() {
		t.Errorf("access code still loaded after erase")
	}
	if code.Loads() != 1 {
		t.Errorf("%d loads, want 1", code.Loads())
	}

	buf := make([]byte, 8)
	if res := r.run(t, func() error { return r.driver.Read(0, buf, 8) }); res != JobOk {
		t.Fatalf("read result %v", res)
	}
	if code.Loads() != 1 {
		t.Errorf("read loaded the access code")
	}

	if err := r.driver.Write(0x400, pattern(0x40, 0), 0x40); err != nil {
		t.Fatal(err)
	}
	r.driver.MainFunction()
	if !code.Loaded() {
		t.Errorf("access code not loaded during write")
	}
	if err := r.driver.Cancel(); err != nil {
		t.Fatal(err)
	}
	if code.Loaded() {
		t.Errorf("access code loaded after cancel")
	}
}

func TestAccessCodeRelocationDisabled(t *testing.T) {
	f := DefaultFeatures()
	f.AccessCodeRelocation = false
	code := NewAccessCode([]byte{0xAA, 0x55})
	r := newTestRig(t, []InternalOption{WithAccessCode(code)}, WithFeatures(f))

	if res := r.run(t, func() error { return r.driver.Erase(0, 0x400) }); res != JobFailed {
		t.Errorf("erase without access code: %v", res)
	}
}

func TestCompareMismatch(t *testing.T) {
	r := newTestRig(t, nil)
	data := pattern(0x100, 0)
	if res := r.run(t, func() error { return r.driver.Write(0, data, 0x100) }); res != JobOk {
		t.Fatal(res)
	}
	other := append([]byte(nil), data...)
	other[0xF0] ^= 0x01
	if res := r.run(t, func() error { return r.driver.Compare(0, other, 0x100) }); res != JobBlockInconsistent {
		t.Errorf("compare result %v", res)
	}
	if r.notes.err != 1 {
		t.Errorf("%d error notifications", r.notes.err)
	}
	if len(r.reporter.runtime) != 0 {
		t.Errorf("mismatch reported as runtime error")
	}
}

func TestHardwareFaults(t *testing.T) {
	tests := []struct {
		name   string
		op     Operation
		submit func(d *Driver) error
		report RuntimeErrorCode
	}{
		{"erase", OpErase, func(d *Driver) error { return d.Erase(0x800, 0x800) }, RuntimeEraseFailed},
		{"write", OpWrite, func(d *Driver) error { return d.Write(0, make([]byte, 8), 8) }, RuntimeWriteFailed},
		{"read", OpRead, func(d *Driver) error { return d.Read(0, make([]byte, 8), 8) }, RuntimeReadFailed},
		{"compare", OpCompare, func(d *Driver) error { return d.Compare(0, make([]byte, 8), 8) }, RuntimeCompareFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRig(t, nil)
			r.flash.InjectFault(tt.op)
			if res := r.run(t, func() error { return tt.submit(r.driver) }); res != JobFailed {
				t.Fatalf("result %v, want failed", res)
			}
			if len(r.reporter.runtime) != 1 || r.reporter.runtime[0] != tt.report {
				t.Errorf("runtime reports %v, want %v", r.reporter.runtime, tt.report)
			}
			if r.notes.err != 1 {
				t.Errorf("%d error notifications", r.notes.err)
			}
			if s := r.driver.GetStatus(); s != StatusIdle {
				t.Errorf("status %v", s)
			}
		})
	}
}

func TestEraseBlankCheckFailure(t *testing.T) {
	r := newTestRig(t, nil)
	cfg := testConfig()
	cfg.Sectors[1].EraseBlankCheck = true
	cfg.ConfigCRC = ComputeConfigCRC(cfg)
	if err := r.driver.Init(cfg); err != nil {
		t.Fatal(err)
	}
	r.flash.StickByte(0x0410, 0x00)
	if res := r.run(t, func() error { return r.driver.Erase(0x400, 0x400) }); res != JobFailed {
		t.Errorf("result %v, want failed", res)
	}
}

func TestProtectedSector(t *testing.T) {
	r := newTestRig(t, []InternalOption{WithProtection()})
	if res := r.run(t, func() error { return r.driver.Erase(0, 0x400) }); res != JobOk {
		t.Errorf("unlocked sector erase %v", res)
	}
	if res := r.run(t, func() error { return r.driver.Erase(0x400, 0x400) }); res != JobFailed {
		t.Errorf("locked sector erase %v", res)
	}
}

func TestSetMode(t *testing.T) {
	d := New(NewInternalFlash(0x1400), nil)
	expectCode(t, d.SetMode(ModeFast), ErrUninit)

	r := newTestRig(t, nil)
	if err := r.driver.SetMode(ModeFast); err != nil {
		t.Fatal(err)
	}
	if r.driver.maxRead != r.cfg.MaxReadFastMode || r.driver.maxWrite != r.cfg.MaxWriteFastMode {
		t.Errorf("fast quotas %d/%d", r.driver.maxRead, r.driver.maxWrite)
	}
	if err := r.driver.SetMode(ModeSlow); err != nil {
		t.Fatal(err)
	}
	if r.driver.maxRead != r.cfg.MaxReadNormalMode || r.driver.maxWrite != r.cfg.MaxWriteNormalMode {
		t.Errorf("slow quotas %d/%d", r.driver.maxRead, r.driver.maxWrite)
	}
}

func TestDeInit(t *testing.T) {
	r := newTestRig(t, nil)
	if err := r.driver.DeInit(); err != nil {
		t.Fatal(err)
	}
	if s := r.driver.GetStatus(); s != StatusUninit {
		t.Errorf("status %v", s)
	}
	expectCode(t, r.driver.DeInit(), ErrUninit)
	expectCode(t, r.driver.Read(0, make([]byte, 4), 4), ErrUninit)

	r.reporter.dev = nil
	r.driver.MainFunction()
	if len(r.reporter.dev) != 1 || r.reporter.dev[0] != (devReport{APIMainFunction, ErrUninit}) {
		t.Errorf("reports %+v", r.reporter.dev)
	}

	if err := r.driver.Init(r.cfg); err != nil {
		t.Fatalf("re-init: %v", err)
	}
}

func TestDisabledServices(t *testing.T) {
	f := Features{}
	rep := &recordingReporter{}
	d := New(NewInternalFlash(0x1400), nil, WithFeatures(f), WithErrorReporter(rep))
	if err := d.Init(testConfig()); err != nil {
		t.Fatal(err)
	}
	expectCode(t, d.Compare(0, make([]byte, 8), 8), ErrUnsupported)
	expectCode(t, d.BlankCheck(0, 8), ErrUnsupported)
	expectCode(t, d.Cancel(), ErrUnsupported)
	expectCode(t, d.DeInit(), ErrUnsupported)
	expectCode(t, d.Erase(3, 8), ErrParamAddress)
	if len(rep.dev) != 0 {
		t.Errorf("reports with detection disabled: %+v", rep.dev)
	}
}

func TestNotificationPanicRecovered(t *testing.T) {
	r := newTestRig(t, nil)
	r.cfg.JobEndNotification = func() { panic("boom") }
	if res := r.run(t, func() error { return r.driver.Read(0, make([]byte, 8), 8) }); res != JobOk {
		t.Fatalf("result %v", res)
	}
	if s := r.driver.GetStatus(); s != StatusIdle {
		t.Errorf("status %v", s)
	}
}

func TestCacheSync(t *testing.T) {
	syncs := 0
	r := newTestRig(t, nil, WithCacheSync(func() { syncs++ }))
	if res := r.run(t, func() error { return r.driver.Erase(0, 0x400) }); res != JobOk {
		t.Fatal(res)
	}
	if syncs != 2 {
		t.Errorf("%d syncs around a synchronous erase, want 2", syncs)
	}
	syncs = 0
	if res := r.run(t, func() error { return r.driver.Erase(0x400, 0x400) }); res != JobOk {
		t.Fatal(res)
	}
	if syncs != 2 {
		t.Errorf("%d syncs around a polled erase, want 2", syncs)
	}
}

func TestGetVersionInfo(t *testing.T) {
	v := New(nil, nil).GetVersionInfo()
	if v.VendorID != VendorID || v.ModuleID != ModuleID {
		t.Errorf("unexpected version info %+v", v)
	}
	if v.SwMajorVersion != 1 || v.SwMinorVersion != 0 || v.SwPatchVersion != 2 {
		t.Errorf("software version %d.%d.%d", v.SwMajorVersion, v.SwMinorVersion, v.SwPatchVersion)
	}
}

// pendingLLD reports LLDPending from every primitive regardless of mode.
type pendingLLD struct {
	cancels int
}

func (l *pendingLLD) Init(*ConfigSet) LLDResult { return LLDOk }
func (l *pendingLLD) AbortSuspended()           {}
func (l *pendingLLD) Cancel() LLDResult {
	l.cancels++
	return LLDOk
}
func (l *pendingLLD) SectorErase(SectorRef, CompletionMode) LLDResult                { return LLDPending }
func (l *pendingLLD) SectorWrite(SectorRef, uint32, []byte, CompletionMode) LLDResult { return LLDPending }
func (l *pendingLLD) SectorRead(SectorRef, uint32, []byte) LLDResult                  { return LLDPending }
func (l *pendingLLD) SectorCompare(SectorRef, uint32, []byte, uint32) LLDResult       { return LLDPending }
func (l *pendingLLD) MainFunction() LLDResult                                         { return LLDPending }
func (l *pendingLLD) HwJob() HwJobState                                               { return HwJobNone }

func TestSynchronousStepReportingPending(t *testing.T) {
	d := New(&pendingLLD{}, nil)
	if err := d.Init(testConfig()); err != nil {
		t.Fatal(err)
	}
	if err := d.Read(0, make([]byte, 8), 8); err != nil {
		t.Fatal(err)
	}
	d.MainFunction()
	if res := d.GetJobResult(); res != JobFailed {
		t.Errorf("result %v, want failed", res)
	}
}

func TestPolledStepStaysPending(t *testing.T) {
	l := &pendingLLD{}
	d := New(l, nil)
	if err := d.Init(testConfig()); err != nil {
		t.Fatal(err)
	}
	if err := d.Erase(0x400, 0x400); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		d.MainFunction()
	}
	if res := d.GetJobResult(); res != JobPending {
		t.Fatalf("result %v", res)
	}
	if err := d.Cancel(); err != nil {
		t.Fatal(err)
	}
	if l.cancels != 1 {
		t.Errorf("%d cancels", l.cancels)
	}
}
