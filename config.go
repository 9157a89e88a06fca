package fls

import (
	"io"
	"io/ioutil"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Sector describes one logical sector. Sectors are contiguous: a sector starts
// one byte after the end of the previous one, the first starts at 0.
type Sector struct {
	EndAddress uint32 `yaml:"end"`

	// Address of the sector start inside its channel: an offset in the
	// internal array or an address relative to the external unit base.
	PhysicalAddress uint32  `yaml:"physical"`
	Channel         Channel `yaml:"channel"`
	PageSize        uint32  `yaml:"page_size"`

	// Number of physical blocks backing the sector. More than one selects
	// interleaved erase.
	PhysicalBlocks  uint32 `yaml:"physical_blocks"`
	Async           bool   `yaml:"async"`
	Interrupt       bool   `yaml:"interrupt"`
	EraseBlankCheck bool   `yaml:"erase_blank_check"`
	Unlock          bool   `yaml:"unlock"`
	Unit            uint8  `yaml:"unit"`
}

// ExternalUnit describes one external flash device.
type ExternalUnit struct {
	BaseAddress     uint32     `yaml:"base"`
	Size            uint32     `yaml:"size"`
	PacketSize      uint16     `yaml:"packet_size"`
	EraseRowSize    uint32     `yaml:"erase_row_size"`
	WordAddressable bool       `yaml:"word_addressable"`
	Timing          UnitTiming `yaml:"timing"`
	LUT             []uint16   `yaml:"lut"`
}

// UnitTiming holds the bus timing of an external unit.
type UnitTiming struct {
	ReadDummyCycles uint8  `yaml:"read_dummy_cycles"`
	CSSetupTime     uint8  `yaml:"cs_setup"`
	CSHoldTime      uint8  `yaml:"cs_hold"`
	BusyPollLimit   uint16 `yaml:"busy_poll_limit"`
}

// ConfigSet is the driver configuration. It must not be modified after Init.
type ConfigSet struct {
	Sectors []Sector       `yaml:"sectors"`
	Units   []ExternalUnit `yaml:"units"`

	DefaultMode        Mode   `yaml:"default_mode"`
	MaxReadFastMode    uint32 `yaml:"max_read_fast"`
	MaxReadNormalMode  uint32 `yaml:"max_read_normal"`
	MaxWriteFastMode   uint32 `yaml:"max_write_fast"`
	MaxWriteNormalMode uint32 `yaml:"max_write_normal"`

	// Number of MainFunction ticks an interrupt step may stay unresolved.
	// Zero disables supervision.
	InterruptTimeout uint32 `yaml:"interrupt_timeout"`

	ConfigCRC uint16 `yaml:"crc"`

	JobEndNotification   func() `yaml:"-"`
	JobErrorNotification func() `yaml:"-"`
}

// Features is the set of optional services and checks compiled into a driver.
type Features struct {
	DevErrorDetect       bool `yaml:"dev_error_detect"`
	RuntimeErrorDetect   bool `yaml:"runtime_error_detect"`
	Compare              bool `yaml:"compare"`
	BlankCheck           bool `yaml:"blank_check"`
	Cancel               bool `yaml:"cancel"`
	DeInit               bool `yaml:"deinit"`
	AccessCodeRelocation bool `yaml:"access_code_relocation"`
	TimeoutSupervision   bool `yaml:"timeout_supervision"`
}

// DefaultFeatures enables every service.
func DefaultFeatures() Features {
	return Features{
		DevErrorDetect:       true,
		RuntimeErrorDetect:   true,
		Compare:              true,
		BlankCheck:           true,
		Cancel:               true,
		DeInit:               true,
		AccessCodeRelocation: true,
		TimeoutSupervision:   true,
	}
}

// Profile is the on-disk form of a driver configuration.
type Profile struct {
	Features Features  `yaml:"features"`
	Config   ConfigSet `yaml:"config"`
}

// LoadProfile parses a YAML profile. Features not named in the file keep
// their DefaultFeatures value.
func LoadProfile(r io.Reader) (*Profile, error) {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read profile")
	}
	p := &Profile{Features: DefaultFeatures()}
	if err := yaml.UnmarshalStrict(data, p); err != nil {
		return nil, errors.Wrap(err, "failed to parse profile")
	}
	if err := p.Config.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the structural invariants of the sector table.
func (c *ConfigSet) Validate() error {
	if len(c.Sectors) == 0 {
		return errors.New("no sectors configured")
	}
	start := uint32(0)
	for i, s := range c.Sectors {
		if i > 0 && s.EndAddress <= c.Sectors[i-1].EndAddress {
			return errors.Errorf("sector %d: end address %#x not increasing", i, s.EndAddress)
		}
		size := s.EndAddress - start + 1
		if s.PageSize == 0 || size%s.PageSize != 0 {
			return errors.Errorf("sector %d: page size %d does not divide sector size %d", i, s.PageSize, size)
		}
		if s.PhysicalBlocks == 0 {
			return errors.Errorf("sector %d: no physical blocks", i)
		}
		if s.PhysicalBlocks > 1 && size%s.PhysicalBlocks != 0 {
			return errors.Errorf("sector %d: %d physical blocks do not divide sector size %d", i, s.PhysicalBlocks, size)
		}
		if s.Channel == ChannelExternal && int(s.Unit) >= len(c.Units) {
			return errors.Errorf("sector %d: external unit %d not configured", i, s.Unit)
		}
		start = s.EndAddress + 1
	}
	if c.TotalSize() == 0 {
		return errors.New("sector table covers the whole address space")
	}
	if err := c.checkInternalOverlap(); err != nil {
		return err
	}
	if c.MaxReadFastMode == 0 || c.MaxReadNormalMode == 0 || c.MaxWriteFastMode == 0 || c.MaxWriteNormalMode == 0 {
		return errors.New("byte quotas must be non-zero")
	}
	return nil
}

// checkInternalOverlap rejects internal sectors sharing physical bytes.
func (c *ConfigSet) checkInternalOverlap() error {
	var idx []int
	for i, s := range c.Sectors {
		if s.Channel == ChannelInternal {
			idx = append(idx, i)
		}
	}
	sort.Slice(idx, func(a, b int) bool {
		return c.Sectors[idx[a]].PhysicalAddress < c.Sectors[idx[b]].PhysicalAddress
	})
	for k := 1; k < len(idx); k++ {
		prev, cur := idx[k-1], idx[k]
		end := uint64(c.Sectors[prev].PhysicalAddress) + uint64(c.SectorSize(prev))
		if uint64(c.Sectors[cur].PhysicalAddress) < end {
			return errors.Errorf("sector %d: physical range overlaps sector %d", cur, prev)
		}
	}
	return nil
}

// TotalSize returns the number of bytes covered by the sector table.
func (c *ConfigSet) TotalSize() uint32 {
	if len(c.Sectors) == 0 {
		return 0
	}
	return c.Sectors[len(c.Sectors)-1].EndAddress + 1
}

// SectorIndexByAddr returns the index of the sector containing addr, or
// len(Sectors) if addr is beyond the configured flash.
func (c *ConfigSet) SectorIndexByAddr(addr uint32) int {
	return sort.Search(len(c.Sectors), func(i int) bool {
		return addr <= c.Sectors[i].EndAddress
	})
}

// SectorStartAddr returns the first logical address of sector i.
func (c *ConfigSet) SectorStartAddr(i int) uint32 {
	if i == 0 {
		return 0
	}
	return c.Sectors[i-1].EndAddress + 1
}

// SectorEndAddr returns the last logical address of sector i.
func (c *ConfigSet) SectorEndAddr(i int) uint32 {
	return c.Sectors[i].EndAddress
}

// SectorSize returns the size of sector i in bytes.
func (c *ConfigSet) SectorSize(i int) uint32 {
	return c.SectorEndAddr(i) - c.SectorStartAddr(i) + 1
}

func (c *ConfigSet) isSectorStartAligned(addr uint32) bool {
	i := c.SectorIndexByAddr(addr)
	return i < len(c.Sectors) && c.SectorStartAddr(i) == addr
}

// isSectorEndAligned reports whether last is the final byte of a sector.
func (c *ConfigSet) isSectorEndAligned(last uint32) bool {
	i := c.SectorIndexByAddr(last)
	return i < len(c.Sectors) && c.SectorEndAddr(i) == last
}

func (c *ConfigSet) isPageStartAligned(addr uint32) bool {
	i := c.SectorIndexByAddr(addr)
	if i >= len(c.Sectors) {
		return false
	}
	return (addr-c.SectorStartAddr(i))%c.Sectors[i].PageSize == 0
}

// isPageEndAligned reports whether end (exclusive) falls on a page boundary
// of the sector holding the byte before it.
func (c *ConfigSet) isPageEndAligned(end uint32) bool {
	if end == 0 {
		return false
	}
	i := c.SectorIndexByAddr(end - 1)
	if i >= len(c.Sectors) {
		return false
	}
	return (end-c.SectorStartAddr(i))%c.Sectors[i].PageSize == 0
}

func (c *ConfigSet) wordAddressable() bool {
	for _, u := range c.Units {
		if u.WordAddressable {
			return true
		}
	}
	return false
}

// UnmarshalYAML accepts "internal" or "external".
func (ch *Channel) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	switch strings.ToLower(s) {
	case "internal", "":
		*ch = ChannelInternal
	case "external", "qspi":
		*ch = ChannelExternal
	default:
		return errors.Errorf("unknown channel %q", s)
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (ch Channel) MarshalYAML() (interface{}, error) {
	return ch.String(), nil
}

func (ch Channel) String() string {
	if ch == ChannelExternal {
		return "external"
	}
	return "internal"
}

// UnmarshalYAML accepts "fast" or "slow".
func (m *Mode) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	switch strings.ToLower(s) {
	case "slow", "normal", "":
		*m = ModeSlow
	case "fast":
		*m = ModeFast
	default:
		return errors.Errorf("unknown mode %q", s)
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (m Mode) MarshalYAML() (interface{}, error) {
	return m.String(), nil
}

func (m Mode) String() string {
	if m == ModeFast {
		return "fast"
	}
	return "slow"
}
