package fls

// ipw routes each primitive to the LLD owning the sector and keeps track of
// the hardware step in flight. All methods are called with the driver lock
// held.
type ipw struct {
	internal LLD
	external LLD
	cfg      *ConfigSet

	cacheSync        func()
	cacheSyncPending bool

	pollLLD LLD
	irqLLD  LLD
	irqJob  IrqJobState
}

func newIPW(internal, external LLD) *ipw {
	return &ipw{internal: internal, external: external}
}

func (p *ipw) setInterruptHandler(fn func(LLDResult)) {
	for _, l := range []LLD{p.internal, p.external} {
		if src, ok := l.(InterruptSource); ok {
			src.SetInterruptHandler(fn)
		}
	}
}

func (p *ipw) init(cfg *ConfigSet) LLDResult {
	p.cfg = cfg
	p.pollLLD, p.irqLLD, p.irqJob = nil, nil, IrqJobNone
	p.cacheSyncPending = false

	var needInternal, needExternal bool
	for _, s := range cfg.Sectors {
		if s.Channel == ChannelExternal {
			needExternal = true
		} else {
			needInternal = true
		}
	}
	if (needInternal && p.internal == nil) || (needExternal && p.external == nil) {
		pkgLog.Errorf("ipw: sector table references a channel without a driver")
		return LLDFailed
	}
	for _, l := range []LLD{p.internal, p.external} {
		if l == nil {
			continue
		}
		if res := l.Init(cfg); res != LLDOk {
			return LLDFailed
		}
	}
	return LLDOk
}

// resolve maps a sector index to its LLD and physical location. External
// sectors fail if the unit or the physical range does not resolve.
func (p *ipw) resolve(idx int) (LLD, SectorRef, bool) {
	s := p.cfg.Sectors[idx]
	ref := SectorRef{
		Index:  idx,
		Sector: s,
		Base:   s.PhysicalAddress,
		Size:   p.cfg.SectorSize(idx),
	}
	if s.Channel == ChannelInternal {
		return p.internal, ref, p.internal != nil
	}
	if p.external == nil || int(s.Unit) >= len(p.cfg.Units) {
		return nil, ref, false
	}
	u := p.cfg.Units[s.Unit]
	if s.PhysicalAddress > u.Size || u.Size-s.PhysicalAddress < ref.Size {
		pkgLog.Debugf("ipw: sector %d does not fit unit %d", idx, s.Unit)
		return nil, ref, false
	}
	ref.Base = u.BaseAddress + s.PhysicalAddress
	ref.Unit = int(s.Unit)
	return p.external, ref, true
}

func (p *ipw) lldFor(idx int) LLD {
	if p.cfg.Sectors[idx].Channel == ChannelExternal {
		return p.external
	}
	return p.internal
}

// completionMode selects how an erase or write step on sector idx completes.
// Interrupt mode falls back to polling on LLDs without an interrupt source.
func (p *ipw) completionMode(idx int) CompletionMode {
	s := p.cfg.Sectors[idx]
	switch {
	case s.Interrupt:
		if _, ok := p.lldFor(idx).(InterruptSource); ok {
			return CompleteInterrupt
		}
		return CompletePoll
	case s.Async:
		return CompletePoll
	default:
		return CompleteSync
	}
}

func (p *ipw) track(l LLD, mode CompletionMode, res LLDResult, irq IrqJobState) {
	if res != LLDPending {
		return
	}
	switch mode {
	case CompletePoll:
		p.pollLLD = l
	case CompleteInterrupt:
		p.irqLLD = l
		p.irqJob = irq
	}
}

func (p *ipw) sectorErase(idx int, mode CompletionMode) LLDResult {
	l, ref, ok := p.resolve(idx)
	if !ok {
		return LLDFailed
	}
	internal := ref.Sector.Channel == ChannelInternal
	if internal {
		p.syncCache()
	}
	res := l.SectorErase(ref, mode)
	p.track(l, mode, res, IrqJobErase)
	if internal {
		if res == LLDPending {
			p.cacheSyncPending = true
		} else {
			p.syncCache()
		}
	}
	return res
}

func (p *ipw) sectorWrite(idx int, offset uint32, src []byte, mode CompletionMode) LLDResult {
	l, ref, ok := p.resolve(idx)
	if !ok {
		return LLDFailed
	}
	res := l.SectorWrite(ref, offset, src, mode)
	p.track(l, mode, res, IrqJobWriteWord)
	return res
}

func (p *ipw) sectorRead(idx int, offset uint32, dst []byte) LLDResult {
	l, ref, ok := p.resolve(idx)
	if !ok {
		return LLDFailed
	}
	return l.SectorRead(ref, offset, dst)
}

func (p *ipw) sectorCompare(idx int, offset uint32, src []byte, length uint32) LLDResult {
	l, ref, ok := p.resolve(idx)
	if !ok {
		return LLDFailed
	}
	return l.SectorCompare(ref, offset, src, length)
}

func (p *ipw) pollInFlight() bool { return p.pollLLD != nil }

func (p *ipw) irqInFlight() bool { return p.irqLLD != nil }

func (p *ipw) hwJob() HwJobState {
	if p.pollLLD == nil {
		return HwJobNone
	}
	return p.pollLLD.HwJob()
}

// lldMainFunction polls the LLD with a step in flight. With nothing in
// flight it returns LLDOk and touches no hardware.
func (p *ipw) lldMainFunction() LLDResult {
	if p.pollLLD == nil {
		return LLDOk
	}
	res := p.pollLLD.MainFunction()
	if res != LLDPending {
		p.pollLLD = nil
		p.finishCacheSync()
	}
	return res
}

// interruptDone clears the interrupt step after the LLD handler fired.
func (p *ipw) interruptDone() {
	p.irqLLD = nil
	p.irqJob = IrqJobNone
	p.finishCacheSync()
}

// abortInterrupt cancels an interrupt step that did not complete in time.
func (p *ipw) abortInterrupt() {
	if p.irqLLD != nil {
		p.irqLLD.Cancel()
	}
	p.interruptDone()
}

func (p *ipw) abortSuspended() {
	for _, l := range []LLD{p.internal, p.external} {
		if l != nil {
			l.AbortSuspended()
		}
	}
}

// cancel aborts the hardware work of the job positioned on sector idx.
func (p *ipw) cancel(idx int) LLDResult {
	targets := []LLD{p.lldFor(idx)}
	for _, l := range []LLD{p.pollLLD, p.irqLLD} {
		if l != nil && l != targets[0] {
			targets = append(targets, l)
		}
	}
	res := LLDOk
	for _, l := range targets {
		if l == nil {
			continue
		}
		if l.Cancel() != LLDOk {
			res = LLDFailed
		}
	}
	p.pollLLD, p.irqLLD, p.irqJob = nil, nil, IrqJobNone
	p.finishCacheSync()
	return res
}

func (p *ipw) loadAccessCode(kind JobKind) {
	if host, ok := p.internal.(AccessCodeHost); ok {
		host.LoadAccessCode(kind)
	}
}

func (p *ipw) unloadAccessCode() {
	if host, ok := p.internal.(AccessCodeHost); ok {
		host.UnloadAccessCode()
	}
}

func (p *ipw) syncCache() {
	if p.cacheSync != nil {
		p.cacheSync()
	}
}

func (p *ipw) finishCacheSync() {
	if p.cacheSyncPending {
		p.cacheSyncPending = false
		p.syncCache()
	}
}
