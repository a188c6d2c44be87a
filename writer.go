package flashlog

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unijord/flashlog/pkg/flash"
)

// WriteCursor is where the next record will be framed.
type WriteCursor struct {
	Page   int
	Offset int
	// Seq is the sequence number of Page.
	Seq uint32
}

// Writer frames records into the page stream. It owns the write cursor
// and both staging buffers: page N is programmed without waiting while
// page N+1 fills the other buffer.
type Writer struct {
	stager   *Stager
	erase    *EraseManager
	logger   *slog.Logger
	counters *counters
	clock    func() time.Time
	inline   bool
	kick     func()
	pageSize int

	// read by the erase worker without taking mu
	cursorPage atomic.Int64

	mu      sync.Mutex
	active  flash.BufferID
	page    int
	offset  int
	seq     uint32
	nextSeq uint32
	dirty   bool
	fault   error
	scratch []byte
	// next free metadata slot on page 0
	metaSlot int

	session     uint32
	lastSession uint32
	records     uint32
	startPage   int
	startedAt   time.Time
}

func newWriter(stager *Stager, erase *EraseManager, o *options, c *counters) *Writer {
	w := &Writer{
		stager:   stager,
		erase:    erase,
		logger:   o.logger.With("component", "writer"),
		counters: c,
		clock:    o.clock,
		inline:   o.eraseAheadPolicy == EraseAheadInline,
		pageSize: erase.geo.PageSize,
		active:   flash.Buffer1,
		page:     metaPage,
		nextSeq:  1,
		scratch:  make([]byte, 0, erase.geo.PageSize),
	}
	w.cursorPage.Store(metaPage)
	return w
}

// resume places the cursor at the recovery frontier. A frontier page with
// a clean erased tail is loaded back into a buffer and filled further; any
// other frontier page is left as is and writing continues on the next one.
func (w *Writer) resume(f Frontier, lastSession uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lastSession = lastSession
	w.session = 0
	w.dirty = false
	if f.Page < firstDataPage {
		w.page, w.offset, w.seq, w.nextSeq = metaPage, 0, 0, 1
		w.cursorPage.Store(metaPage)
		w.erase.setCursor(metaPage)
		return nil
	}

	w.page, w.seq, w.nextSeq = f.Page, f.Seq, f.Seq+1
	w.cursorPage.Store(int64(f.Page))
	w.erase.setCursor(f.Page)
	if !f.Clean || f.Offset >= w.pageSize {
		w.offset = w.pageSize
		return nil
	}
	if err := w.stager.Load(w.active, f.Page); err != nil {
		return err
	}
	w.offset = f.Offset
	w.dirty = false
	return nil
}

func (w *Writer) Cursor() WriteCursor {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WriteCursor{Page: w.page, Offset: w.offset, Seq: w.seq}
}

// Session returns the number of the open session, or zero.
func (w *Writer) Session() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.session
}

func (w *Writer) LastSession() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSession
}

func (w *Writer) openSession() (SessionInfo, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.session == 0 {
		return SessionInfo{}, false
	}
	return SessionInfo{
		Number:    w.session,
		StartPage: w.startPage,
		EndPage:   w.page,
		Status:    SessionOpen,
		Records:   int(w.records),
		StartedAt: w.startedAt,
	}, true
}

// StartSession allocates the next session number and frames its start
// marker at the cursor.
func (w *Writer) StartSession() (uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.usable(); err != nil {
		return 0, err
	}
	if w.session != 0 {
		return 0, fmt.Errorf("%w: session %d", ErrSessionActive, w.session)
	}

	n := w.lastSession + 1
	now := w.clock()
	marker := startMarker{Session: n, StartedAt: now}
	if err := w.writeFrame(TagSessionStart, marker.encode(), endMarkerFrame); err != nil {
		return 0, err
	}

	w.session, w.lastSession = n, n
	w.records = 0
	w.startPage = w.page
	w.startedAt = now
	w.counters.sessions.Add(1)
	w.logger.Info("[flashlog.writer]",
		slog.String("event_type", "session.started"),
		slog.Uint64("session", uint64(n)),
		slog.Int("page", w.page),
	)
	return n, nil
}

// Append frames one record. It never waits for an erase: when the page
// after the cursor is not erased yet it fails with ErrNotErased and the
// caller decides whether to drop the record.
func (w *Writer) Append(tag Tag, payload []byte) error {
	if tag >= TagReservedMin {
		return fmt.Errorf("%w: 0x%02x", ErrReservedTag, uint8(tag))
	}
	if len(payload) > maxPayloadLen || framedSize(len(payload)) > maxFrame(w.pageSize) {
		return fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(payload))
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.usable(); err != nil {
		return err
	}
	if w.session == 0 {
		return ErrNoSession
	}
	if err := w.writeFrame(tag, payload, endMarkerFrame); err != nil {
		return err
	}
	w.records++
	w.counters.records.Add(1)
	w.counters.bytes.Add(uint64(len(payload)))
	return nil
}

// EndSession frames the end marker and commits the page. Ending when no
// session is open does nothing.
func (w *Writer) EndSession() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.session == 0 {
		return nil
	}
	if err := w.usable(); err != nil {
		return err
	}

	marker := endMarker{Session: w.session, Records: w.records, EndedAt: w.clock()}
	err := w.writeFrame(TagSessionEnd, marker.encode(), 0)
	if errors.Is(err, ErrNotErased) && !w.inline {
		// session end is not on the hot path, catch up with the worker
		if err = w.erase.EnsureErasedAhead(w.page); err == nil {
			err = w.writeFrame(TagSessionEnd, marker.encode(), 0)
		}
	}
	if err != nil {
		return err
	}
	if err := w.flush(true); err != nil {
		return err
	}

	w.logger.Info("[flashlog.writer]",
		slog.String("event_type", "session.ended"),
		slog.Uint64("session", uint64(w.session)),
		slog.Uint64("records", uint64(w.records)),
		slog.Int("start_page", w.startPage),
		slog.Int("end_page", w.page),
	)
	w.session = 0
	return nil
}

// Flush commits the partially filled page and waits for the program.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fault != nil {
		return w.fault
	}
	return w.flush(true)
}

func (w *Writer) flush(wait bool) error {
	if w.page < firstDataPage || !w.dirty {
		if wait {
			return w.fail(w.stager.Settle())
		}
		return nil
	}
	if err := w.stager.Commit(w.active, w.page, wait); err != nil {
		return w.fail(err)
	}
	w.dirty = false
	return nil
}

// abandon drops the open session without a marker. Recovery will report
// it torn.
func (w *Writer) abandon() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.session != 0 {
		w.logger.Warn("[flashlog.writer]",
			slog.String("event_type", "session.abandoned"),
			slog.Uint64("session", uint64(w.session)),
		)
	}
	w.session = 0
}

func (w *Writer) usable() error {
	if w.fault != nil {
		return w.fault
	}
	if err := w.erase.Fault(); err != nil {
		return err
	}
	return nil
}

// fail latches device faults so every later call reports them.
func (w *Writer) fail(err error) error {
	if err != nil && isDeviceFault(err) && w.fault == nil {
		w.fault = err
	}
	return err
}

// fits reports whether a frame of size bytes fits at the cursor, keeping
// reserve bytes free on the last reachable page.
func (w *Writer) fits(size, reserve int) bool {
	if w.page < firstDataPage {
		return false
	}
	need := size
	if _, ok := w.erase.Next(w.page); !ok {
		need += reserve
	}
	return w.offset+need <= w.pageSize
}

func (w *Writer) writeFrame(tag Tag, payload []byte, reserve int) error {
	size := framedSize(len(payload))
	if !w.fits(size, reserve) {
		if err := w.advance(); err != nil {
			return err
		}
		if !w.fits(size, reserve) {
			return fmt.Errorf("%w: %d byte frame does not fit page %d", ErrStorageFull, size, w.page)
		}
	}

	w.scratch = appendFrame(w.scratch[:0], tag, payload)
	if err := w.stager.Stage(w.active, w.offset, w.scratch); err != nil {
		return w.fail(err)
	}
	w.offset += size
	w.dirty = true
	return nil
}

// advance leaves the cursor page and opens the next one with a fresh page
// header. The page being left is programmed without waiting.
func (w *Writer) advance() error {
	next, ok := w.erase.Next(w.page)
	if !ok {
		return fmt.Errorf("%w: cursor at page %d", ErrStorageFull, w.page)
	}
	if w.inline {
		if err := w.erase.EnsureErasedAhead(w.page); err != nil {
			return w.fail(err)
		}
	}
	if w.page >= firstDataPage {
		if err := w.flush(false); err != nil {
			return err
		}
	}
	if !w.erase.claim(next) {
		w.counters.notErased.Add(1)
		w.logger.Warn("[flashlog.writer]",
			slog.String("event_type", "erase.ahead.behind"),
			slog.Int("page", next),
			slog.String("state", w.erase.PageState(next).String()),
		)
		if w.kick != nil {
			w.kick()
		}
		return fmt.Errorf("%w: page %d, erase-ahead behind", ErrNotErased, next)
	}

	if w.page >= firstDataPage {
		w.erase.seal(w.page)
		w.active = flash.NumBuffers - 1 - w.active
	}
	w.page, w.offset = next, pageHeaderSize
	w.seq = w.nextSeq
	w.nextSeq++
	w.cursorPage.Store(int64(next))

	if err := w.stager.Reset(w.active); err != nil {
		return w.fail(err)
	}
	var hdr [pageHeaderSize]byte
	encodePageHeader(hdr[:], w.seq)
	if err := w.stager.Stage(w.active, 0, hdr[:]); err != nil {
		return w.fail(err)
	}
	w.dirty = true

	if !w.inline && w.kick != nil {
		w.kick()
	}
	return nil
}

// setMetaSlot records the first unwritten metadata slot found at mount.
func (w *Writer) setMetaSlot(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.metaSlot = n
}

// writeMetadata programs m into the next erased slot of page 0 through the
// idle buffer. Page 0 is erased only once every slot is used, so a torn
// update leaves the previous slot readable.
func (w *Writer) writeMetadata(m Metadata) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	buf := flash.NumBuffers - 1 - w.active
	hdr := make([]byte, metaHeaderSize)
	encodeMetadataSlot(hdr, m)

	slot := w.metaSlot
	state := w.erase.PageState(metaPage)
	if slot <= 0 || slot >= metaSlots(w.pageSize) || state == PageErased {
		if state != PageErased {
			if err := w.erase.ErasePage(metaPage); err != nil {
				return w.fail(err)
			}
			w.logger.Info("[flashlog.writer]",
				slog.String("event_type", "metadata.page.erased"),
			)
		}
		if err := w.stager.Reset(buf); err != nil {
			return w.fail(err)
		}
		slot = 0
	} else if err := w.stager.Load(buf, metaPage); err != nil {
		return w.fail(err)
	}
	if err := w.stager.Stage(buf, slot*metaHeaderSize, hdr); err != nil {
		return w.fail(err)
	}
	if err := w.stager.Commit(buf, metaPage, true); err != nil {
		return w.fail(err)
	}
	w.metaSlot = slot + 1
	return nil
}
