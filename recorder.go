package flashlog

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/unijord/flashlog/pkg/flash"
)

// State is the recorder's service state.
type State int32

const (
	// StateAbsent: no device answers. Appends are dropped and counted.
	StateAbsent State = iota
	// StateSuspended: the device stopped answering in time. Recording
	// stays off until Identify succeeds.
	StateSuspended
	// StateUnformatted: the metadata page belongs to another layout or
	// geometry, or is unreadable with no data pages to rebuild it from.
	// Format is required.
	StateUnformatted
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateSuspended:
		return "suspended"
	case StateUnformatted:
		return "unformatted"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Recorder is a flight-data log on one flash device. Producers call
// StartSession, Append and EndSession; ground tooling enumerates and
// replays sessions while recording goes on.
type Recorder struct {
	t        flash.Transport
	opts     *options
	bus      flash.Bus
	logger   *slog.Logger
	counters *counters
	readers  *readerTracker

	state atomic.Int32

	// mu guards the mounted components. Data path calls hold it shared,
	// mounting and formatting hold it exclusively.
	mu      sync.RWMutex
	mounted bool
	id      flash.DeviceID
	geo     flash.Geometry
	meta    Metadata
	dev     *device
	erase   *EraseManager
	stager  *Stager
	writer  *Writer
	scanner *Scanner
	worker  *eraseWorker
}

// Open creates a recorder over t and identifies the device. Device trouble
// is not an error here: the recorder starts Absent, Suspended or
// Unformatted and Identify or Format bring it up later. Only invalid
// options fail.
func Open(t flash.Transport, opts ...Option) (*Recorder, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if err := o.validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if o.bus == nil {
		o.bus = flash.NewSemaphore()
	}

	r := &Recorder{
		t:        t,
		opts:     o,
		bus:      o.bus,
		logger:   o.logger.With("component", "recorder"),
		counters: &counters{},
		readers:  newReaderTracker(),
	}
	r.state.Store(int32(StateAbsent))

	if _, err := r.Identify(); err != nil {
		r.logger.Warn("[flashlog.recorder]",
			slog.String("event_type", "open.degraded"),
			slog.String("state", r.State().String()),
			slog.Any("error", err),
		)
	}
	return r, nil
}

func (r *Recorder) State() State {
	return State(r.state.Load())
}

func (r *Recorder) setState(s State) State {
	return State(r.state.Swap(int32(s)))
}

func (r *Recorder) DeviceID() flash.DeviceID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.id
}

func (r *Recorder) Geometry() flash.Geometry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.geo
}

func (r *Recorder) Metadata() Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.meta
}

// mount builds the engine for a freshly identified device, recovers the
// log and resumes writing at the recovery frontier.
func (r *Recorder) mount(id flash.DeviceID, geo flash.Geometry) error {
	r.stopWorker()
	if r.writer != nil {
		r.writer.abandon()
	}

	dev := &device{t: r.t, bus: r.bus, busTimeout: r.opts.busTimeout, poll: r.opts.poll, geo: geo}
	r.id, r.geo, r.dev = id, geo, dev
	r.erase = newEraseManager(dev, r.opts.lookahead(geo), r.opts.wraparound, r.opts.logger, r.counters)
	r.stager = newStager(dev, r.erase, r.opts.logger, r.counters)
	r.writer = newWriter(r.stager, r.erase, r.opts, r.counters)
	r.scanner = newScanner(dev, r.opts, r.counters)
	r.mounted = true

	page := make([]byte, geo.PageSize)
	if err := dev.readPage(metaPage, page); err != nil {
		r.down(err)
		return fmt.Errorf("read metadata: %w", err)
	}
	meta, next, st, err := decodeMetadataPage(page)
	if st == headerValid && meta.Geometry != geo {
		st = headerForeign
		err = fmt.Errorf("metadata geometry %s, device %s", meta.Geometry, geo)
	}
	if st == headerForeign {
		return r.unformatted(err)
	}

	cat, scanErr := r.scanner.Scan()
	if scanErr != nil {
		if isDeviceFault(scanErr) {
			r.down(scanErr)
			return scanErr
		}
		r.meta = Metadata{Geometry: geo}
		if st == headerValid {
			r.meta = meta
		}
		r.setState(StateUnformatted)
		return fmt.Errorf("recovery scan: %w", scanErr)
	}
	// Without a single data page an unreadable page 0 is a device that
	// never held a log.
	if st == headerInvalid && cat.WrittenPages == 0 {
		return r.unformatted(err)
	}

	states := cat.states
	switch {
	case next <= 0 && st == headerErased && isErased(page):
		states[metaPage] = pageInfo{state: PageErased}
	case next <= 0 || next >= metaSlots(geo.PageSize):
		states[metaPage] = pageInfo{state: PageFull, committed: geo.PageSize}
	default:
		states[metaPage] = pageInfo{state: PagePartial, committed: next * metaHeaderSize}
	}
	r.erase.load(states)
	r.writer.setMetaSlot(next)
	last := max(meta.LastSession, cat.LastSession)
	if err := r.writer.resume(cat.Frontier, last); err != nil {
		r.down(err)
		return fmt.Errorf("resume writer: %w", err)
	}

	if st != headerValid {
		if st == headerInvalid {
			r.logger.Warn("[flashlog.recorder]",
				slog.String("event_type", "metadata.rebuilt"),
				slog.Int("written_pages", cat.WrittenPages),
				slog.Uint64("last_session", uint64(last)),
				slog.Any("error", err),
			)
		}
		meta = Metadata{Geometry: geo, FormattedAt: r.opts.clock(), LastSession: last}
		if err := r.writer.writeMetadata(meta); err != nil {
			r.down(err)
			return fmt.Errorf("write metadata: %w", err)
		}
	}
	r.meta = meta

	if err := r.erase.EnsureErasedAhead(cat.Frontier.Page); err != nil {
		r.down(err)
		return fmt.Errorf("erase ahead: %w", err)
	}
	r.startWorker()
	r.setState(StateReady)

	r.logger.Info("[flashlog.recorder]",
		slog.String("event_type", "recorder.mounted"),
		slog.Int("sessions", len(cat.Sessions)),
		slog.Int("torn", len(cat.Torn())),
		slog.Uint64("last_session", uint64(last)),
		slog.Int("frontier_page", cat.Frontier.Page),
		slog.Int("frontier_offset", cat.Frontier.Offset),
		slog.Bool("fresh", st == headerErased),
	)
	return nil
}

// unformatted leaves the device for Format to claim.
func (r *Recorder) unformatted(cause error) error {
	r.meta = Metadata{Geometry: r.geo}
	r.setState(StateUnformatted)
	r.logger.Warn("[flashlog.recorder]",
		slog.String("event_type", "metadata.invalid"),
		slog.Any("error", cause),
	)
	return nil
}

func (r *Recorder) startWorker() {
	if r.opts.eraseAheadPolicy != EraseAheadBackground {
		r.writer.kick = nil
		return
	}
	writer := r.writer
	r.worker = newEraseWorker(r.erase, func() int {
		return int(writer.cursorPage.Load())
	}, r.opts.workerInterval, r.opts.logger)
	r.writer.kick = r.worker.Kick
	r.worker.Start()
}

func (r *Recorder) stopWorker() {
	if r.worker != nil {
		r.worker.Stop()
		r.worker = nil
	}
}

// ready gates the data path. It reports whether the call should go on.
func (r *Recorder) ready() (bool, error) {
	switch r.State() {
	case StateReady:
		return true, nil
	case StateAbsent:
		return false, nil
	case StateSuspended:
		return false, fmt.Errorf("%w: %w", ErrRecordingSuspended, ErrDeviceUnresponsive)
	case StateUnformatted:
		return false, ErrUnformatted
	default:
		return false, ErrClosed
	}
}

// check turns a device fault met on the data path into a state change.
// The exclusive lock is not held here, so the erase worker is only told to
// stand still; Identify tears it down.
func (r *Recorder) check(err error) error {
	if err == nil || !isDeviceFault(err) {
		return err
	}
	r.erase.latch(err)
	r.writer.abandon()
	next := StateSuspended
	if errAbsent(err) {
		next = StateAbsent
	}
	if prev := r.setState(next); prev != next {
		r.logger.Error("[flashlog.recorder]",
			slog.String("event_type", "recording.stopped"),
			slog.String("state", next.String()),
			slog.Any("error", err),
		)
	}
	return err
}

// StartSession opens a new recording. With no device present it returns
// ErrDeviceAbsent so the producer knows nothing will be kept.
func (r *Recorder) StartSession() (uint32, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ok, err := r.ready()
	if !ok {
		if err == nil {
			err = ErrDeviceAbsent
		}
		return 0, err
	}
	n, err := r.writer.StartSession()
	return n, r.check(err)
}

// Append hands one record to the writer. Without a device the record is
// dropped and counted.
func (r *Recorder) Append(tag Tag, payload []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ok, err := r.ready()
	if !ok {
		if err == nil {
			r.counters.dropped.Add(1)
		}
		return err
	}
	return r.check(r.writer.Append(tag, payload))
}

func (r *Recorder) EndSession() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ok, err := r.ready(); !ok {
		return err
	}
	return r.check(r.writer.EndSession())
}

func (r *Recorder) Flush() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ok, err := r.ready(); !ok {
		return err
	}
	return r.check(r.writer.Flush())
}

// Cursor returns the write cursor, or the zero cursor when nothing is
// mounted.
func (r *Recorder) Cursor() WriteCursor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.writer == nil {
		return WriteCursor{}
	}
	return r.writer.Cursor()
}

// Scan runs a recovery scan over the committed pages. The session being
// recorded, if any, is reported as open.
func (r *Recorder) Scan() (*Catalog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.scan()
}

func (r *Recorder) scan() (*Catalog, error) {
	if ok, err := r.ready(); !ok {
		if err == nil {
			err = ErrDeviceAbsent
		}
		return nil, err
	}
	cat, err := r.scanner.Scan()
	if err != nil {
		return nil, r.check(err)
	}

	open, ok := r.writer.openSession()
	if !ok {
		return cat, nil
	}
	for i := range cat.Sessions {
		s := &cat.Sessions[i]
		if s.Number == open.Number {
			s.Status = SessionOpen
			return cat, nil
		}
	}
	// start marker still staged, nothing committed yet
	open.start = position{ref: len(cat.pages)}
	open.end = open.start
	open.Records = 0
	cat.Sessions = append(cat.Sessions, open)
	return cat, nil
}

// Sessions lists every session on the device in recording order.
func (r *Recorder) Sessions() ([]SessionInfo, error) {
	cat, err := r.Scan()
	if err != nil {
		return nil, err
	}
	return cat.Sessions, nil
}

// OpenSession returns a cursor over session n. The cursor must be closed;
// Format refuses to run while any is open.
func (r *Recorder) OpenSession(n uint32) (*Cursor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cat, err := r.scan()
	if err != nil {
		return nil, err
	}
	info, ok := cat.Session(n)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrSessionNotFound, n)
	}
	id := r.readers.Register()
	return newCursor(r.dev, cat, info, r.opts.skipCorrupt, r.counters, func() {
		r.readers.Remove(id)
	}), nil
}

// ReadPages returns the raw content of count pages starting at from,
// metadata page included.
func (r *Recorder) ReadPages(from, count int) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.mounted {
		if ok, err := r.ready(); !ok && err != nil {
			return nil, err
		}
		return nil, ErrDeviceAbsent
	}
	if from < 0 || count < 0 || from+count > r.geo.PageCount {
		return nil, fmt.Errorf("%w: pages %d+%d of %d", flash.ErrOutOfRange, from, count, r.geo.PageCount)
	}
	out := make([]byte, count*r.geo.PageSize)
	for i := 0; i < count; i++ {
		p := out[i*r.geo.PageSize : (i+1)*r.geo.PageSize]
		if err := r.dev.readPage(from+i, p); err != nil {
			return nil, fmt.Errorf("read page %d: %w", from+i, r.check(err))
		}
	}
	return out, nil
}

// Format erases the whole device and writes fresh metadata. The erase
// cycle counter goes up by one and session numbering carries on from the
// last session ever assigned.
func (r *Recorder) Format() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.State() {
	case StateReady, StateUnformatted:
	case StateAbsent:
		return ErrDeviceAbsent
	case StateSuspended:
		return fmt.Errorf("%w: %w", ErrRecordingSuspended, ErrDeviceUnresponsive)
	default:
		return ErrClosed
	}
	if r.readers.HasAny() {
		return fmt.Errorf("%w: %d", ErrReadersActive, r.readers.Count())
	}
	if n := r.writer.Session(); n != 0 {
		return fmt.Errorf("%w: session %d", ErrSessionActive, n)
	}

	r.stopWorker()
	meta := Metadata{
		Geometry:    r.geo,
		FormattedAt: r.opts.clock(),
		EraseCycles: r.meta.EraseCycles + 1,
		LastSession: max(r.meta.LastSession, r.writer.LastSession()),
	}
	if err := r.erase.EraseAll(); err != nil {
		r.down(err)
		return fmt.Errorf("format: %w", err)
	}
	if err := r.writer.resume(Frontier{Page: metaPage}, meta.LastSession); err != nil {
		r.down(err)
		return fmt.Errorf("format: %w", err)
	}
	if err := r.writer.writeMetadata(meta); err != nil {
		r.down(err)
		return fmt.Errorf("format: %w", err)
	}
	r.meta = meta
	r.startWorker()
	r.setState(StateReady)

	r.logger.Info("[flashlog.recorder]",
		slog.String("event_type", "device.formatted"),
		slog.Uint64("erase_cycles", uint64(meta.EraseCycles)),
		slog.Uint64("last_session", uint64(meta.LastSession)),
	)
	return nil
}

func (r *Recorder) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := r.counters.snapshot()
	s.State = r.State()
	s.ActiveReaders = r.readers.Count()
	if r.writer != nil {
		s.Cursor = r.writer.Cursor()
		s.Watermark = r.erase.Watermark(s.Cursor.Page)
	}
	return s
}

// Close ends the open session, commits what is staged and records the last
// session number in the metadata page. The recorder is unusable after.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.State() == StateClosed {
		return nil
	}
	var errs []error
	if r.State() == StateReady {
		if err := r.writer.EndSession(); err != nil {
			errs = append(errs, fmt.Errorf("end session: %w", err))
		}
		if err := r.writer.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush: %w", err))
		}
		r.stopWorker()
		if last := r.writer.LastSession(); last != r.meta.LastSession && len(errs) == 0 {
			meta := r.meta
			meta.LastSession = last
			if err := r.writer.writeMetadata(meta); err != nil {
				errs = append(errs, fmt.Errorf("write metadata: %w", err))
			} else {
				r.meta = meta
			}
		}
	}
	r.stopWorker()
	r.setState(StateClosed)
	return errors.Join(errs...)
}

func errAbsent(err error) bool {
	return errors.Is(err, ErrDeviceAbsent)
}
