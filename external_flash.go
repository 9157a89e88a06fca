package fls

import "bytes"

const defaultPacketSize = 64

// ExternalFlash is the LLD for external flash units. Unit i of the
// configuration is reached through the i-th FlashLink. Erases and writes
// started asynchronously move one erase row or one packet per MainFunction
// poll.
type ExternalFlash struct {
	links []FlashLink
	units []externalUnit
	op    *linkOp
}

type externalUnit struct {
	cfg      ExternalUnit
	link     FlashLink
	packet   uint32
	eraseRow uint32
}

// linkOp is an erase or write in progress. addr is the next physical byte
// address, end is exclusive.
type linkOp struct {
	state HwJobState
	unit  *externalUnit
	addr  uint32
	end   uint32
	data  []byte
}

// NewExternalFlash creates the LLD over the given links, one per unit.
func NewExternalFlash(links ...FlashLink) *ExternalFlash {
	return &ExternalFlash{links: links}
}

// Init connects every configured unit and reads its geometry. Each external
// sector must start and end on an erase row boundary of its unit.
func (f *ExternalFlash) Init(cfg *ConfigSet) LLDResult {
	f.disconnect()
	f.op = nil

	for i, u := range cfg.Units {
		if i >= len(f.links) || f.links[i] == nil {
			pkgLog.Errorf("external flash: no link for unit %d", i)
			f.disconnect()
			return LLDFailed
		}
		link := f.links[i]
		if err := link.Connect(); err != nil {
			pkgLog.Errorf("external flash: unit %d: %v", i, err)
			f.disconnect()
			return LLDFailed
		}
		info, err := link.GetVersion()
		if err != nil {
			pkgLog.Errorf("external flash: unit %d: %v", i, err)
			link.Disconnect()
			f.disconnect()
			return LLDFailed
		}
		unit := externalUnit{
			cfg:      u,
			link:     link,
			packet:   uint32(u.PacketSize),
			eraseRow: u.EraseRowSize,
		}
		if unit.packet == 0 {
			unit.packet = uint32(info.MaxPacketSize)
		}
		if unit.packet == 0 {
			unit.packet = defaultPacketSize
		}
		if unit.eraseRow == 0 {
			unit.eraseRow = uint32(info.EraseRowSize)
		}
		if unit.eraseRow == 0 {
			pkgLog.Errorf("external flash: unit %d: unknown erase row size", i)
			link.Disconnect()
			f.disconnect()
			return LLDFailed
		}
		pkgLog.Debugf("external flash: unit %d device %#x, packet %d, erase row %d",
			i, info.DeviceID, unit.packet, unit.eraseRow)
		f.units = append(f.units, unit)
	}

	for i, s := range cfg.Sectors {
		if s.Channel != ChannelExternal || int(s.Unit) >= len(f.units) {
			continue
		}
		u := &f.units[s.Unit]
		base := u.cfg.BaseAddress + s.PhysicalAddress
		if base%u.eraseRow != 0 || cfg.SectorSize(i)%u.eraseRow != 0 {
			pkgLog.Errorf("external flash: sector %d at %#x is not aligned to the %d byte erase row",
				i, base, u.eraseRow)
			f.disconnect()
			return LLDFailed
		}
	}
	return LLDOk
}

func (f *ExternalFlash) disconnect() {
	for _, u := range f.units {
		u.link.Disconnect()
	}
	f.units = nil
}

// AbortSuspended drops an operation left over from an earlier job.
func (f *ExternalFlash) AbortSuspended() {
	f.op = nil
}

// Cancel drops the operation in flight. A row or packet already sent to
// the device completes.
func (f *ExternalFlash) Cancel() LLDResult {
	f.op = nil
	return LLDOk
}

// HwJob returns the state of the operation in flight.
func (f *ExternalFlash) HwJob() HwJobState {
	if f.op == nil {
		return HwJobNone
	}
	return f.op.state
}

func (f *ExternalFlash) unit(s SectorRef) *externalUnit {
	if s.Unit < 0 || s.Unit >= len(f.units) {
		return nil
	}
	return &f.units[s.Unit]
}

// SectorErase erases sector s row by row.
func (f *ExternalFlash) SectorErase(s SectorRef, mode CompletionMode) LLDResult {
	u := f.unit(s)
	if u == nil || f.op != nil {
		return LLDFailed
	}
	if s.Base%u.eraseRow != 0 || s.Size%u.eraseRow != 0 {
		pkgLog.Errorf("external flash: sector %d at %#x is not erase row aligned", s.Index, s.Base)
		return LLDFailed
	}
	op := &linkOp{state: HwJobErase, unit: u, addr: s.Base, end: s.Base + s.Size}
	if mode != CompleteSync {
		f.op = op
		return LLDPending
	}
	for op.addr < op.end {
		if res := f.eraseRow(op); res != LLDOk {
			return res
		}
	}
	return LLDOk
}

// SectorWrite writes src at offset into sector s in verified packets.
func (f *ExternalFlash) SectorWrite(s SectorRef, offset uint32, src []byte, mode CompletionMode) LLDResult {
	u := f.unit(s)
	if u == nil || f.op != nil {
		return LLDFailed
	}
	start := s.Base + offset
	op := &linkOp{
		state: HwJobWrite,
		unit:  u,
		addr:  start,
		end:   start + uint32(len(src)),
		data:  append([]byte(nil), src...),
	}
	if mode != CompleteSync {
		f.op = op
		return LLDPending
	}
	for op.addr < op.end {
		if res := f.writePacket(op); res != LLDOk {
			return res
		}
	}
	return LLDOk
}

// SectorRead reads len(dst) bytes from offset of sector s.
func (f *ExternalFlash) SectorRead(s SectorRef, offset uint32, dst []byte) LLDResult {
	u := f.unit(s)
	if u == nil {
		return LLDFailed
	}
	addr := s.Base + offset
	for done := uint32(0); done < uint32(len(dst)); {
		n := min32(u.packet, uint32(len(dst))-done)
		data, err := u.link.ReadFlash(u.linkAddress(addr+done), uint16(n))
		if err != nil || uint32(len(data)) != n {
			pkgLog.Errorf("external flash: read at %#x: %v", addr+done, err)
			return LLDFailed
		}
		copy(dst[done:], data)
		done += n
	}
	return LLDOk
}

// SectorCompare compares length bytes at offset of sector s with src, or
// with the erased value when src is nil.
func (f *ExternalFlash) SectorCompare(s SectorRef, offset uint32, src []byte, length uint32) LLDResult {
	u := f.unit(s)
	if u == nil {
		return LLDFailed
	}
	addr := s.Base + offset
	var erased []byte
	if src == nil {
		erased = bytes.Repeat([]byte{ErasedValue}, int(u.packet))
	}
	for done := uint32(0); done < length; {
		n := min32(u.packet, length-done)
		data, err := u.link.ReadFlash(u.linkAddress(addr+done), uint16(n))
		if err != nil || uint32(len(data)) != n {
			pkgLog.Errorf("external flash: read at %#x: %v", addr+done, err)
			return LLDFailed
		}
		var want []byte
		if src != nil {
			want = src[done : done+n]
		} else {
			want = erased[:n]
		}
		if !bytes.Equal(data, want) {
			return LLDBlockInconsistent
		}
		done += n
	}
	return LLDOk
}

// MainFunction moves the operation in flight by one erase row or packet.
func (f *ExternalFlash) MainFunction() LLDResult {
	op := f.op
	if op == nil {
		return LLDOk
	}
	var res LLDResult
	if op.state == HwJobErase {
		res = f.eraseRow(op)
	} else {
		res = f.writePacket(op)
	}
	if res == LLDOk && op.addr < op.end {
		return LLDPending
	}
	f.op = nil
	return res
}

func (f *ExternalFlash) eraseRow(op *linkOp) LLDResult {
	u := op.unit
	if err := u.link.EraseFlash(u.linkAddress(op.addr), 1); err != nil {
		pkgLog.Errorf("external flash: erase at %#x: %v", op.addr, err)
		return LLDFailed
	}
	op.addr += u.eraseRow
	return LLDOk
}

// writePacket writes the next packet of op and checks it with the device
// checksum.
func (f *ExternalFlash) writePacket(op *linkOp) LLDResult {
	u := op.unit
	n := min32(u.packet, op.end-op.addr)
	chunk := op.data[:n]
	addr := u.linkAddress(op.addr)
	if err := u.link.WriteFlash(addr, chunk); err != nil {
		pkgLog.Errorf("external flash: write at %#x: %v", op.addr, err)
		return LLDFailed
	}
	sum, err := u.link.CalculateChecksum(addr, uint16(n))
	if err != nil || sum != LinkChecksum(chunk) {
		pkgLog.Errorf("external flash: write verify at %#x failed", op.addr)
		return LLDFailed
	}
	op.data = op.data[n:]
	op.addr += n
	return LLDOk
}

// linkAddress converts a byte address to the unit's address space.
func (u *externalUnit) linkAddress(addr uint32) uint32 {
	if u.cfg.WordAddressable {
		return addr / 2
	}
	return addr
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
