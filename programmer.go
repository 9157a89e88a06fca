package fls

import (
	"fmt"
	"io"
	"sort"

	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"
)

// Programmer represents the high level interface that allows images to be
// programmed.
type Programmer interface {
	LoadHex(r io.Reader) error
	Program() error
	Verify() error
}

// ProgressFunc is called after each job of a programming run.
type ProgressFunc func(stage string, done, total int)

const defaultTickLimit = 1 << 22

// ImageProgrammer programs Intel HEX images through a Driver. The image is
// erased sector by sector, then written and compared in page-aligned
// extents, padding with the erased value.
type ImageProgrammer struct {
	driver    *Driver
	memory    *gohex.Memory
	extents   []extent
	progress  ProgressFunc
	tickLimit int
}

// extent is a page-aligned range of the image, end exclusive.
type extent struct {
	start, end uint32
}

// ProgrammerOption configures an ImageProgrammer.
type ProgrammerOption func(*ImageProgrammer)

// WithProgress installs a progress callback.
func WithProgress(fn ProgressFunc) ProgrammerOption {
	return func(p *ImageProgrammer) {
		p.progress = fn
	}
}

// WithTickLimit bounds the number of MainFunction calls a single job may
// take before it is canceled.
func WithTickLimit(ticks int) ProgrammerOption {
	return func(p *ImageProgrammer) {
		if ticks > 0 {
			p.tickLimit = ticks
		}
	}
}

// NewImageProgrammer creates a programmer on top of an initialised driver.
func NewImageProgrammer(d *Driver, opts ...ProgrammerOption) *ImageProgrammer {
	p := &ImageProgrammer{
		driver:    d,
		tickLimit: defaultTickLimit,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ Programmer = (*ImageProgrammer)(nil)

type progError struct {
	Address uint32
	Err     error
}

func (e *progError) Error() string {
	return fmt.Sprintf("error at %X: %v", e.Address, e.Err)
}

func (e *progError) Unwrap() error { return e.Err }

// LoadHex loads and parses the specified hex data. Every data segment must
// lie inside the configured flash.
func (p *ImageProgrammer) LoadHex(r io.Reader) error {
	cfg := p.driver.activeConfig()
	if cfg == nil {
		return &UsageError{API: APIInit, Code: ErrUninit}
	}
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return errors.Wrap(err, "failed to parse hex data")
	}

	var extents []extent
	for _, segment := range mem.GetDataSegments() {
		if len(segment.Data) == 0 {
			continue
		}
		if !inRange(cfg, segment.Address, uint32(len(segment.Data))) {
			return errors.Errorf("invalid data segment at address %X", segment.Address)
		}
		e := pageExtent(cfg, segment.Address, segment.Address+uint32(len(segment.Data)))
		extents = append(extents, e)
		pkgLog.Debugf("loaded segment at %X length %v", segment.Address, len(segment.Data))
	}
	p.memory = mem
	p.extents = mergeExtents(extents)
	return nil
}

// Program erases every sector the image touches and writes the image.
func (p *ImageProgrammer) Program() error {
	if p.memory == nil {
		return errors.New("no image loaded")
	}
	cfg := p.driver.activeConfig()
	if cfg == nil {
		return &UsageError{API: APIErase, Code: ErrUninit}
	}

	sectors := p.sectorRuns(cfg)
	for i, run := range sectors {
		start := cfg.SectorStartAddr(run[0])
		length := cfg.SectorEndAddr(run[1]) - start + 1
		if err := p.run(func() error { return p.driver.Erase(start, length) }); err != nil {
			return errors.Wrap(&progError{Address: start, Err: err}, "failed to erase flash")
		}
		p.report("erase", i+1, len(sectors))
	}

	for i, e := range p.extents {
		data := p.memory.ToBinary(e.start, e.end-e.start, ErasedValue)
		if err := p.run(func() error { return p.driver.Write(e.start, data, uint32(len(data))) }); err != nil {
			return errors.Wrap(&progError{Address: e.start, Err: err}, "failed to write flash")
		}
		p.report("write", i+1, len(p.extents))
	}
	return nil
}

// Verify compares the flash content with the loaded image.
func (p *ImageProgrammer) Verify() error {
	if p.memory == nil {
		return errors.New("no image loaded")
	}
	for i, e := range p.extents {
		data := p.memory.ToBinary(e.start, e.end-e.start, ErasedValue)
		if err := p.run(func() error { return p.driver.Compare(e.start, data, uint32(len(data))) }); err != nil {
			return errors.Wrap(&progError{Address: e.start, Err: err}, "failed to verify flash")
		}
		p.report("verify", i+1, len(p.extents))
	}
	return nil
}

// Dump reads length bytes at addr and writes them to w as Intel HEX.
func (p *ImageProgrammer) Dump(w io.Writer, addr, length uint32) error {
	data := make([]byte, length)
	if err := p.run(func() error { return p.driver.Read(addr, data, length) }); err != nil {
		return errors.Wrap(&progError{Address: addr, Err: err}, "failed to read flash")
	}
	mem := gohex.NewMemory()
	if err := mem.AddBinary(addr, data); err != nil {
		return errors.Wrap(err, "failed to build hex image")
	}
	return errors.Wrap(mem.DumpIntelHex(w, 16), "failed to write hex image")
}

func (p *ImageProgrammer) run(submit func() error) error {
	res, err := RunJob(p.driver, submit, p.tickLimit)
	if err != nil {
		return err
	}
	if res != JobOk {
		return errors.Errorf("job finished with result %v", res)
	}
	return nil
}

func (p *ImageProgrammer) report(stage string, done, total int) {
	if p.progress != nil {
		p.progress(stage, done, total)
	}
}

// sectorRuns returns the runs of consecutive sectors covered by the image
// as [first, last] index pairs.
func (p *ImageProgrammer) sectorRuns(cfg *ConfigSet) [][2]int {
	var runs [][2]int
	for _, e := range p.extents {
		first := cfg.SectorIndexByAddr(e.start)
		last := cfg.SectorIndexByAddr(e.end - 1)
		if n := len(runs); n > 0 && first <= runs[n-1][1]+1 {
			if last > runs[n-1][1] {
				runs[n-1][1] = last
			}
			continue
		}
		runs = append(runs, [2]int{first, last})
	}
	return runs
}

// RunJob submits a job and calls MainFunction until it leaves JobPending.
// A job still pending after maxTicks calls is canceled.
func RunJob(d *Driver, submit func() error, maxTicks int) (JobResult, error) {
	if err := submit(); err != nil {
		return d.GetJobResult(), err
	}
	for tick := 0; ; tick++ {
		res := d.GetJobResult()
		if res != JobPending {
			return res, nil
		}
		if tick >= maxTicks {
			d.Cancel()
			return d.GetJobResult(), errors.Errorf("job still pending after %d ticks", maxTicks)
		}
		d.MainFunction()
	}
}

// pageExtent widens [start, end) to the page boundaries of the sectors
// holding its first and last byte.
func pageExtent(cfg *ConfigSet, start, end uint32) extent {
	first := cfg.SectorIndexByAddr(start)
	page := cfg.Sectors[first].PageSize
	base := cfg.SectorStartAddr(first)
	start = base + (start-base)/page*page

	last := cfg.SectorIndexByAddr(end - 1)
	page = cfg.Sectors[last].PageSize
	base = cfg.SectorStartAddr(last)
	end = base + (end-base+page-1)/page*page
	return extent{start: start, end: end}
}

func mergeExtents(extents []extent) []extent {
	sort.Slice(extents, func(i, j int) bool { return extents[i].start < extents[j].start })
	var merged []extent
	for _, e := range extents {
		if n := len(merged); n > 0 && e.start <= merged[n-1].end {
			if e.end > merged[n-1].end {
				merged[n-1].end = e.end
			}
			continue
		}
		merged = append(merged, e)
	}
	return merged
}
