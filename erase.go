package flashlog

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/unijord/flashlog/pkg/flash"
)

// PageState is the erase manager's knowledge of a single page.
type PageState uint8

const (
	// PageUnknown holds content nothing vouches for. It must be erased
	// before use.
	PageUnknown PageState = iota
	PageErasing
	PageErased
	// PagePartial has been programmed up to its committed length; the tail
	// is still erased and may be amended.
	PagePartial
	PageFull
)

func (s PageState) String() string {
	switch s {
	case PageUnknown:
		return "unknown"
	case PageErasing:
		return "erasing"
	case PageErased:
		return "erased"
	case PagePartial:
		return "partial"
	case PageFull:
		return "full"
	default:
		return fmt.Sprintf("PageState(%d)", uint8(s))
	}
}

// BlockState summarises the pages of one erase block:
//
//	Unknown → Erasing → Erased → PartiallyWritten → Full
//
// Only erased pages take new commits; a full block has to be erased
// explicitly before reuse.
type BlockState uint8

const (
	BlockUnknown BlockState = iota
	BlockErasing
	BlockErased
	BlockPartiallyWritten
	BlockFull
)

func (s BlockState) String() string {
	switch s {
	case BlockUnknown:
		return "unknown"
	case BlockErasing:
		return "erasing"
	case BlockErased:
		return "erased"
	case BlockPartiallyWritten:
		return "partially-written"
	case BlockFull:
		return "full"
	default:
		return fmt.Sprintf("BlockState(%d)", uint8(s))
	}
}

type pageInfo struct {
	state     PageState
	committed int
}

// EraseManager owns erase scheduling and the erased-ahead watermark.
type EraseManager struct {
	dev       *device
	geo       flash.Geometry
	logger    *slog.Logger
	counters  *counters
	lookahead int
	wrap      bool

	mu     sync.Mutex
	pages  []pageInfo
	cursor int
	fault  error

	// serialises EnsureErasedAhead between the writer and the worker
	aheadMu sync.Mutex
}

func newEraseManager(dev *device, lookahead int, wrap bool, logger *slog.Logger, c *counters) *EraseManager {
	return &EraseManager{
		dev:       dev,
		geo:       dev.geo,
		logger:    logger.With("component", "erase"),
		counters:  c,
		lookahead: lookahead,
		wrap:      wrap,
		pages:     make([]pageInfo, dev.geo.PageCount),
	}
}

func (m *EraseManager) PageState(page int) PageState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if page < 0 || page >= len(m.pages) {
		return PageUnknown
	}
	return m.pages[page].state
}

// Committed returns how many bytes of page are programmed.
func (m *EraseManager) Committed(page int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pages[page].committed
}

func (m *EraseManager) info(page int) (pageInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if page < 0 || page >= len(m.pages) {
		return pageInfo{}, false
	}
	return m.pages[page], true
}

// Ready reports whether page may take a fresh commit.
func (m *EraseManager) Ready(page int) bool {
	return m.PageState(page) == PageErased
}

func (m *EraseManager) BlockState(block int) BlockState {
	m.mu.Lock()
	defer m.mu.Unlock()

	var erased, written, full, erasing int
	first := m.geo.FirstPage(block)
	for p := first; p < first+m.geo.PagesPerBlock; p++ {
		switch m.pages[p].state {
		case PageErasing:
			erasing++
		case PageErased:
			erased++
		case PagePartial:
			written++
		case PageFull:
			full++
			written++
		}
	}
	n := m.geo.PagesPerBlock
	switch {
	case erasing > 0:
		return BlockErasing
	case full == n:
		return BlockFull
	case erased == n:
		return BlockErased
	case written > 0 || erased > 0:
		return BlockPartiallyWritten
	default:
		return BlockUnknown
	}
}

// Next returns the data page following page in write order. Without
// wraparound it reports false past the last page.
func (m *EraseManager) Next(page int) (int, bool) {
	next := page + 1
	if page < firstDataPage {
		next = firstDataPage
	}
	if next < m.geo.PageCount {
		return next, true
	}
	if m.wrap {
		return firstDataPage, true
	}
	return 0, false
}

// Watermark returns the last page of the contiguous erased run following
// cursor. It returns cursor itself when the page right after it is not
// erased.
func (m *EraseManager) Watermark(cursor int) int {
	mark := cursor
	page := cursor
	for i := 0; i < m.geo.PageCount; i++ {
		next, ok := m.Next(page)
		if !ok || next == cursor || !m.Ready(next) {
			break
		}
		mark, page = next, next
	}
	return mark
}

// Ahead counts erased pages in the lookahead window after cursor.
func (m *EraseManager) Ahead(cursor int) int {
	n := 0
	page := cursor
	for i := 0; i < m.lookahead; i++ {
		next, ok := m.Next(page)
		if !ok || next == cursor || !m.Ready(next) {
			break
		}
		n++
		page = next
	}
	return n
}

func (m *EraseManager) ErasePage(page int) error {
	if page < 0 || page >= m.geo.PageCount {
		return fmt.Errorf("%w: page %d", flash.ErrOutOfRange, page)
	}
	m.setRange(page, page+1, PageErasing)
	return m.run(flash.UnitPage, page, page, page+1)
}

func (m *EraseManager) EraseBlock(block int) error {
	if block < 0 || block >= m.geo.Blocks() {
		return fmt.Errorf("%w: block %d", flash.ErrOutOfRange, block)
	}
	first := m.geo.FirstPage(block)
	m.setRange(first, first+m.geo.PagesPerBlock, PageErasing)
	return m.run(flash.UnitBlock, block, first, first+m.geo.PagesPerBlock)
}

func (m *EraseManager) EraseAll() error {
	m.setRange(0, m.geo.PageCount, PageErasing)
	err := m.run(flash.UnitChip, 0, 0, m.geo.PageCount)
	if err == nil {
		m.mu.Lock()
		m.cursor = metaPage
		m.fault = nil
		m.mu.Unlock()
	}
	return err
}

// run issues the erase for pages [from, to) already marked Erasing.
func (m *EraseManager) run(unit flash.EraseUnit, index, from, to int) error {
	start := time.Now()
	err := m.dev.whenReady(func(t flash.Transport) error {
		return t.Erase(unit, index)
	})
	if err == nil {
		err = m.dev.waitReady()
	}
	if err != nil {
		m.setRange(from, to, PageUnknown)
		m.logger.Error("[flashlog.erase]",
			slog.String("event_type", "erase.failed"),
			slog.String("unit", unit.String()),
			slog.Int("index", index),
			slog.Any("error", err),
		)
		return fmt.Errorf("erase %s %d: %w", unit, index, err)
	}

	m.setRange(from, to, PageErased)
	m.counters.erases.Add(1)
	m.logger.Debug("[flashlog.erase]",
		slog.String("event_type", "erase."+unit.String()+".done"),
		slog.Int("index", index),
		slog.Duration("took", time.Since(start)),
	)
	return nil
}

func (m *EraseManager) setRange(from, to int, state PageState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p := from; p < to; p++ {
		m.pages[p] = pageInfo{state: state}
	}
}

// claim hands an erased page to the writer and makes it the cursor page.
func (m *EraseManager) claim(page int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pages[page].state != PageErased {
		return false
	}
	m.pages[page] = pageInfo{state: PagePartial}
	m.cursor = page
	return true
}

// setCursor records the writer position found by recovery.
func (m *EraseManager) setCursor(page int) {
	m.mu.Lock()
	m.cursor = page
	m.mu.Unlock()
}

// markProgrammed records a commit of page up to committed bytes.
func (m *EraseManager) markProgrammed(page, committed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := &m.pages[page]
	if committed > info.committed {
		info.committed = committed
	}
	if info.committed >= m.geo.PageSize {
		info.state = PageFull
	} else {
		info.state = PagePartial
	}
}

// seal marks page full, its erased tail is abandoned.
func (m *EraseManager) seal(page int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[page].state = PageFull
}

// load installs page states discovered by the recovery scan.
func (m *EraseManager) load(states []pageInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.pages, states)
}

// distance counts steps from page a forward to page b in write order, or
// -1 when b cannot be reached from a.
func (m *EraseManager) distance(a, b int) int {
	switch {
	case b < firstDataPage:
		if a == b {
			return 0
		}
		return -1
	case a < firstDataPage, b >= a:
		return b - a
	case m.wrap:
		return b - a + m.geo.PageCount - firstDataPage
	default:
		return -1
	}
}

// EnsureErasedAhead erases pages following cursor until the lookahead
// window is fully erased or the medium ends. Whole blocks are erased when
// the cursor is not inside them and they hold no metadata; the remaining
// pages are erased one by one.
//
// It may run concurrently with the writer. A page is only erased while it
// is strictly ahead of the writer's claimed page and holds neither erased
// nor in-progress content, so a stale cursor never costs written data.
func (m *EraseManager) EnsureErasedAhead(cursor int) error {
	m.aheadMu.Lock()
	defer m.aheadMu.Unlock()

	start := cursor
	m.mu.Lock()
	if d := m.distance(cursor, m.cursor); d > 0 {
		start = m.cursor
	}
	m.mu.Unlock()

	page := start
	for i := 0; i < m.lookahead; i++ {
		next, ok := m.Next(page)
		if !ok || next == start {
			break
		}
		page = next
		if m.Ready(page) {
			continue
		}

		block := m.geo.BlockOf(page)
		first := m.geo.FirstPage(block)
		var err error
		switch {
		case block != m.geo.BlockOf(metaPage) && m.begin(start, first, first+m.geo.PagesPerBlock):
			err = m.run(flash.UnitBlock, block, first, first+m.geo.PagesPerBlock)
		case m.begin(start, page, page+1):
			err = m.run(flash.UnitPage, page, page, page+1)
		default:
			continue
		}
		if err != nil {
			m.latch(err)
			return err
		}
	}
	return nil
}

// begin marks [from, to) Erasing if every page in it may be erased behind
// the writer's back.
func (m *EraseManager) begin(start, from, to int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	reach := m.distance(start, m.cursor)
	for p := from; p < to; p++ {
		switch m.pages[p].state {
		case PageUnknown, PageFull:
		default:
			return false
		}
		d := m.distance(start, p)
		if p == m.cursor || d <= 0 || (reach >= 0 && d <= reach) {
			return false
		}
	}
	for p := from; p < to; p++ {
		m.pages[p] = pageInfo{state: PageErasing}
	}
	return true
}

func (m *EraseManager) latch(err error) {
	if !isDeviceFault(err) {
		return
	}
	m.mu.Lock()
	if m.fault == nil {
		m.fault = err
	}
	m.mu.Unlock()
}

// Fault returns the first device fault hit by an erase, if any.
func (m *EraseManager) Fault() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fault
}
