package flash

import (
	"fmt"
	"sync"
)

// EmulatorConfig describes the chip an Emulator pretends to be.
type EmulatorConfig struct {
	Geometry Geometry
	ID       DeviceID

	// Busy time of each operation, counted in status polls.
	ProgramPolls    int
	PageErasePolls  int
	BlockErasePolls int
	ChipErasePolls  int

	// Absent starts the emulator with nothing answering on the bus.
	Absent bool
	// Dirty starts the memory filled with 0x00 instead of factory erased.
	Dirty bool
}

// DefaultEmulatorConfig is a small chip with the geometry used throughout
// the tests: 256 byte pages, 4 pages per block.
func DefaultEmulatorConfig() EmulatorConfig {
	return EmulatorConfig{
		Geometry:        Geometry{PageSize: 256, PagesPerBlock: 4, PageCount: 64},
		ID:              DeviceID{Manufacturer: 0x1F, Device: [2]byte{0x7E, 0x01}},
		ProgramPolls:    1,
		PageErasePolls:  2,
		BlockErasePolls: 4,
		ChipErasePolls:  8,
	}
}

// EmulatorStats counts the commands an Emulator has executed.
type EmulatorStats struct {
	StatusReads  int
	BufferWrites int
	BufferReads  int
	Programs     int
	Loads        int
	PageReads    int
	PageErases   int
	BlockErases  int
	ChipErases   int
}

// Emulator is an in-memory Transport. It is safe for concurrent use so
// tests can inject faults while the engine runs.
type Emulator struct {
	mu      sync.Mutex
	cfg     EmulatorConfig
	mem     []byte
	buffers [NumBuffers][]byte
	busy    int
	stuck   bool
	absent  bool

	failN   int
	failErr error

	stats EmulatorStats
}

var _ Transport = (*Emulator)(nil)

// NewEmulator returns an emulator with its own memory.
func NewEmulator(cfg EmulatorConfig) (*Emulator, error) {
	if err := cfg.Geometry.Validate(); err != nil {
		return nil, err
	}
	mem := make([]byte, cfg.Geometry.Bytes())
	fill := byte(0xFF)
	if cfg.Dirty {
		fill = 0x00
	}
	for i := range mem {
		mem[i] = fill
	}
	return newEmulatorOver(cfg, mem), nil
}

// newEmulatorOver runs the emulator on caller provided memory, used by Image
// to back the chip with a mapped file.
func newEmulatorOver(cfg EmulatorConfig, mem []byte) *Emulator {
	e := &Emulator{cfg: cfg, mem: mem, absent: cfg.Absent}
	for i := range e.buffers {
		e.buffers[i] = make([]byte, cfg.Geometry.PageSize)
	}
	return e
}

func (e *Emulator) Geometry() Geometry {
	return e.cfg.Geometry
}

func (e *Emulator) ReadID() (DeviceID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.absent {
		return DeviceID{Manufacturer: 0xFF, Device: [2]byte{0xFF, 0xFF}, Ext: 0xFF}, nil
	}
	return e.cfg.ID, nil
}

func (e *Emulator) ReadStatus() (Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.StatusReads++
	if e.absent {
		// a floating bus pulls every line high
		return 0xFF, nil
	}
	if e.stuck {
		return 0, nil
	}
	if e.busy > 0 {
		e.busy--
		return 0, nil
	}
	return StatusReady, nil
}

func (e *Emulator) BufferWrite(buf BufferID, offset int, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.precheck(false); err != nil {
		return err
	}
	if err := e.checkBuffer(buf, offset, len(data)); err != nil {
		return err
	}
	e.stats.BufferWrites++
	copy(e.buffers[buf][offset:], data)
	return nil
}

func (e *Emulator) BufferRead(buf BufferID, offset int, p []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.precheck(false); err != nil {
		return err
	}
	if err := e.checkBuffer(buf, offset, len(p)); err != nil {
		return err
	}
	e.stats.BufferReads++
	copy(p, e.buffers[buf][offset:])
	return nil
}

func (e *Emulator) BufferToPage(buf BufferID, page int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.precheck(true); err != nil {
		return err
	}
	if !buf.Valid() {
		return fmt.Errorf("%w: buffer %d", ErrOutOfRange, buf)
	}
	dst, err := e.pageSlice(page)
	if err != nil {
		return err
	}
	e.stats.Programs++
	// programming can only clear bits
	for i, b := range e.buffers[buf] {
		dst[i] &= b
	}
	e.busy = e.cfg.ProgramPolls
	return nil
}

func (e *Emulator) PageToBuffer(buf BufferID, page int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.precheck(true); err != nil {
		return err
	}
	if !buf.Valid() {
		return fmt.Errorf("%w: buffer %d", ErrOutOfRange, buf)
	}
	src, err := e.pageSlice(page)
	if err != nil {
		return err
	}
	e.stats.Loads++
	copy(e.buffers[buf], src)
	return nil
}

func (e *Emulator) ReadPage(page int, offset int, p []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.precheck(true); err != nil {
		return err
	}
	src, err := e.pageSlice(page)
	if err != nil {
		return err
	}
	if offset < 0 || offset+len(p) > len(src) {
		return fmt.Errorf("%w: page %d offset %d len %d", ErrOutOfRange, page, offset, len(p))
	}
	e.stats.PageReads++
	copy(p, src[offset:])
	return nil
}

func (e *Emulator) Erase(unit EraseUnit, index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.precheck(true); err != nil {
		return err
	}
	g := e.cfg.Geometry
	var from, to int
	switch unit {
	case UnitPage:
		if index < 0 || index >= g.PageCount {
			return fmt.Errorf("%w: page %d", ErrOutOfRange, index)
		}
		from, to = index, index+1
		e.stats.PageErases++
		e.busy = e.cfg.PageErasePolls
	case UnitBlock:
		if index < 0 || index >= g.Blocks() {
			return fmt.Errorf("%w: block %d", ErrOutOfRange, index)
		}
		from, to = g.FirstPage(index), g.FirstPage(index+1)
		e.stats.BlockErases++
		e.busy = e.cfg.BlockErasePolls
	case UnitChip:
		from, to = 0, g.PageCount
		e.stats.ChipErases++
		e.busy = e.cfg.ChipErasePolls
	default:
		return fmt.Errorf("%w: erase unit %d", ErrOutOfRange, unit)
	}
	region := e.mem[from*g.PageSize : to*g.PageSize]
	for i := range region {
		region[i] = 0xFF
	}
	return nil
}

// SetPresent attaches or detaches the chip from the bus.
func (e *Emulator) SetPresent(present bool) {
	e.mu.Lock()
	e.absent = !present
	e.mu.Unlock()
}

// SetStuckBusy makes the status register report busy forever.
func (e *Emulator) SetStuckBusy(stuck bool) {
	e.mu.Lock()
	e.stuck = stuck
	e.mu.Unlock()
}

// FailNext makes the next n memory commands return err.
func (e *Emulator) FailNext(n int, err error) {
	e.mu.Lock()
	e.failN, e.failErr = n, err
	e.mu.Unlock()
}

// Tear resets page bytes from offset onward to the erased state, as if
// power was lost while the program was still shifting data in.
func (e *Emulator) Tear(page, offset int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.pageSlice(page)
	if err != nil {
		return
	}
	for i := offset; i < len(p); i++ {
		p[i] = 0xFF
	}
}

// Corrupt XORs mask into a single byte of main memory.
func (e *Emulator) Corrupt(page, offset int, mask byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.pageSlice(page)
	if err != nil || offset < 0 || offset >= len(p) {
		return
	}
	p[offset] ^= mask
}

// PowerCycle drops volatile state: buffer contents and any busy time.
func (e *Emulator) PowerCycle() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.buffers {
		for j := range e.buffers[i] {
			e.buffers[i][j] = 0
		}
	}
	e.busy = 0
}

// Snapshot returns a copy of main memory.
func (e *Emulator) Snapshot() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]byte, len(e.mem))
	copy(out, e.mem)
	return out
}

func (e *Emulator) Stats() EmulatorStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Emulator) precheck(needReady bool) error {
	if e.absent {
		return ErrNoDevice
	}
	if e.failN > 0 {
		e.failN--
		return e.failErr
	}
	if needReady && (e.busy > 0 || e.stuck) {
		return ErrBusy
	}
	return nil
}

func (e *Emulator) checkBuffer(buf BufferID, offset, n int) error {
	if !buf.Valid() {
		return fmt.Errorf("%w: buffer %d", ErrOutOfRange, buf)
	}
	if offset < 0 || offset+n > e.cfg.Geometry.PageSize {
		return fmt.Errorf("%w: buffer offset %d len %d", ErrOutOfRange, offset, n)
	}
	return nil
}

func (e *Emulator) pageSlice(page int) ([]byte, error) {
	g := e.cfg.Geometry
	if page < 0 || page >= g.PageCount {
		return nil, fmt.Errorf("%w: page %d", ErrOutOfRange, page)
	}
	return e.mem[page*g.PageSize : (page+1)*g.PageSize], nil
}

// detach disconnects the emulator from its memory. Used when the memory is
// about to be unmapped.
func (e *Emulator) detach() {
	e.mu.Lock()
	e.mem = nil
	e.absent = true
	e.mu.Unlock()
}
