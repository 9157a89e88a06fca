package fls

// CRC-CCITT generator including the x^16 term. The accumulator works on the
// remainder directly, so the message is augmented by a 16 zero-bit flush.
const crcPolynomial = 0x11021

type crcAccumulator struct {
	rem uint32
}

func (c *crcAccumulator) addBits(data uint32, bits uint) {
	for i := int(bits) - 1; i >= 0; i-- {
		c.rem = c.rem<<1 | (data>>uint(i))&1
		if c.rem&0x10000 != 0 {
			c.rem ^= crcPolynomial
		}
	}
}

// add accumulates v using only its significant width: 8 bits, 16 bits, or
// two 16-bit halves, high half first.
func (c *crcAccumulator) add(v uint32) {
	switch {
	case v <= 0xFF:
		c.addBits(v, 8)
	case v <= 0xFFFF:
		c.addBits(v, 16)
	default:
		c.addBits(v>>16, 16)
		c.addBits(v&0xFFFF, 16)
	}
}

func (c *crcAccumulator) addBool(b bool) {
	if b {
		c.add(1)
	} else {
		c.add(0)
	}
}

func (c *crcAccumulator) sum() uint16 {
	c.addBits(0, 16)
	return uint16(c.rem)
}

// ComputeConfigCRC returns the CRC of every field of cfg that affects runtime
// behaviour. Notifications and the stored ConfigCRC are not covered.
func ComputeConfigCRC(cfg *ConfigSet) uint16 {
	var c crcAccumulator

	c.add(uint32(len(cfg.Sectors)))
	for _, s := range cfg.Sectors {
		c.add(s.EndAddress)
		c.add(s.PhysicalAddress)
		c.add(uint32(s.Channel))
		c.add(s.PageSize)
		c.add(s.PhysicalBlocks)
		c.addBool(s.Async)
		c.addBool(s.Interrupt)
		c.addBool(s.EraseBlankCheck)
		c.addBool(s.Unlock)
		c.add(uint32(s.Unit))
	}

	c.add(uint32(cfg.DefaultMode))
	c.add(cfg.MaxReadFastMode)
	c.add(cfg.MaxReadNormalMode)
	c.add(cfg.MaxWriteFastMode)
	c.add(cfg.MaxWriteNormalMode)
	c.add(cfg.InterruptTimeout)

	c.add(uint32(len(cfg.Units)))
	for _, u := range cfg.Units {
		c.add(u.BaseAddress)
		c.add(u.Size)
		c.add(uint32(u.PacketSize))
		c.add(u.EraseRowSize)
		c.addBool(u.WordAddressable)
		c.add(uint32(u.Timing.ReadDummyCycles))
		c.add(uint32(u.Timing.CSSetupTime))
		c.add(uint32(u.Timing.CSHoldTime))
		c.add(uint32(u.Timing.BusyPollLimit))
		c.add(uint32(len(u.LUT)))
		for _, instr := range u.LUT {
			c.add(uint32(instr))
		}
	}

	return c.sum()
}
