package fls

// job is the single armed flash operation. A nil *job means JobNone.
type job struct {
	kind    JobKind
	started bool

	// Sector cursor. For erase jobs sectorEnd bounds it; transfer jobs
	// move it as the byte cursor crosses sector ends.
	sector    int
	sectorEnd int

	// Byte cursor of transfer jobs, addrEnd inclusive.
	addr    uint32
	addrEnd uint32
	pos     int
	src     []byte
	dst     []byte

	inflight *step
}

// step is one dispatched hardware primitive.
type step struct {
	mode CompletionMode
	// advancesSector is set when completing the step moves the job to the
	// next sector.
	advancesSector bool
}

// dispatch records s as the job's step in flight and issues call. Finished
// steps settle immediately; pending ones settle from the poll or interrupt
// path.
func (d *Driver) dispatch(j *job, s step, call func() LLDResult) LLDResult {
	j.inflight = &s
	res := call()
	if res == LLDPending {
		if s.mode == CompleteSync {
			pkgLog.Errorf("fls: synchronous step reported pending")
			res = LLDFailed
		} else {
			d.lldResult = LLDPending
			if s.mode == CompleteInterrupt {
				d.timeout = d.cfg.InterruptTimeout
			}
			return res
		}
	}
	d.settle(res)
	return res
}

// settle resolves the step in flight with res. It is the only transition
// that advances the sector cursor, whichever context finished the step, and
// it consumes the step so a second completion is ignored.
func (d *Driver) settle(res LLDResult) {
	j := d.job
	if j == nil || j.inflight == nil {
		return
	}
	s := j.inflight
	j.inflight = nil
	d.lldResult = res
	if res == LLDOk && s.advancesSector {
		j.sector++
	}
}

// doErase erases at most one sector per call.
func (d *Driver) doErase(j *job) JobResult {
	if j.sector > j.sectorEnd {
		return JobOk
	}
	idx := j.sector
	mode := d.ipw.completionMode(idx)
	pkgLog.Debugf("fls: erasing sector %d (mode %d)", idx, mode)
	res := d.dispatch(j, step{mode: mode, advancesSector: true}, func() LLDResult {
		return d.ipw.sectorErase(idx, mode)
	})
	switch res {
	case LLDOk:
		if j.sector > j.sectorEnd {
			return JobOk
		}
	case LLDFailed, LLDPartitionError, LLDBlockInconsistent:
		return JobFailed
	}
	return JobPending
}

// doTransfer moves at most quota bytes of a write, read, compare or blank
// check job, one sector-bounded chunk at a time.
func (d *Driver) doTransfer(j *job) JobResult {
	if j.addr > j.addrEnd {
		return JobOk
	}
	quota := d.maxRead
	if j.kind == JobWrite {
		quota = d.maxWrite
	}
	limit := j.addrEnd
	if j.addrEnd-j.addr >= quota {
		limit = j.addr + quota - 1
	}

	res := LLDOk
	for res == LLDOk && j.addr <= limit {
		idx := j.sector
		sectorEnd := d.cfg.SectorEndAddr(idx)
		offset := j.addr - d.cfg.SectorStartAddr(idx)
		chunkEnd := limit
		if sectorEnd < chunkEnd {
			chunkEnd = sectorEnd
		}
		length := chunkEnd - j.addr + 1
		lo, hi := j.pos, j.pos+int(length)

		// The cursor moves before the call so an interrupt completing the
		// step sees the final position.
		j.addr += length
		j.pos = hi
		s := step{mode: CompleteSync, advancesSector: j.addr > sectorEnd}

		switch j.kind {
		case JobWrite:
			s.mode = d.ipw.completionMode(idx)
			res = d.dispatch(j, s, func() LLDResult {
				return d.ipw.sectorWrite(idx, offset, j.src[lo:hi], s.mode)
			})
		case JobRead:
			res = d.dispatch(j, s, func() LLDResult {
				return d.ipw.sectorRead(idx, offset, j.dst[lo:hi])
			})
		case JobCompare:
			res = d.dispatch(j, s, func() LLDResult {
				return d.ipw.sectorCompare(idx, offset, j.src[lo:hi], length)
			})
		case JobBlankCheck:
			res = d.dispatch(j, s, func() LLDResult {
				return d.ipw.sectorCompare(idx, offset, nil, length)
			})
		}
	}

	switch res {
	case LLDOk:
		if j.addr > j.addrEnd {
			return JobOk
		}
	case LLDFailed, LLDPartitionError:
		return JobFailed
	case LLDBlockInconsistent:
		return JobBlockInconsistent
	}
	return JobPending
}

func runtimeErrorFor(kind JobKind) RuntimeErrorCode {
	switch kind {
	case JobErase:
		return RuntimeEraseFailed
	case JobWrite:
		return RuntimeWriteFailed
	case JobRead:
		return RuntimeReadFailed
	default:
		return RuntimeCompareFailed
	}
}
