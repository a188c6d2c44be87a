package flashlog

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/unijord/flashlog/pkg/flash"
)

const noPage = -1

type bufferState struct {
	page int
	// staged range [low, high) since the last bind
	low, high int
	inFlight  bool
}

func (b *bufferState) unbind(pageSize int) {
	b.page = noPage
	b.low, b.high = pageSize, 0
}

// Stager owns the on-chip buffers. Every page write goes through Stage and
// then Commit, and a commit is refused unless the erase manager vouches
// for the target page.
type Stager struct {
	dev      *device
	erase    *EraseManager
	logger   *slog.Logger
	counters *counters
	pageSize int

	mu   sync.Mutex
	bufs [flash.NumBuffers]bufferState
	ones []byte
}

func newStager(dev *device, erase *EraseManager, logger *slog.Logger, c *counters) *Stager {
	s := &Stager{
		dev:      dev,
		erase:    erase,
		logger:   logger.With("component", "staging"),
		counters: c,
		pageSize: dev.geo.PageSize,
		ones:     make([]byte, dev.geo.PageSize),
	}
	for i := range s.ones {
		s.ones[i] = 0xFF
	}
	for i := range s.bufs {
		s.bufs[i].unbind(s.pageSize)
	}
	return s
}

// Stage copies data into buf at offset. Nothing reaches the page until
// Commit.
func (s *Stager) Stage(buf flash.BufferID, offset int, data []byte) error {
	if !buf.Valid() {
		return fmt.Errorf("%w: buffer %d", flash.ErrOutOfRange, buf)
	}
	if offset < 0 || offset+len(data) > s.pageSize {
		return fmt.Errorf("%w: offset %d len %d page size %d", ErrBadOffset, offset, len(data), s.pageSize)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.settle(buf); err != nil {
		return err
	}
	err := s.dev.do(func(t flash.Transport) error {
		return t.BufferWrite(buf, offset, data)
	})
	if err != nil {
		return fmt.Errorf("stage buffer %d: %w", buf, err)
	}
	b := &s.bufs[buf]
	b.low = min(b.low, offset)
	b.high = max(b.high, offset+len(data))
	return nil
}

// Commit programs buf into page. The page must be erased, or partially
// written from this very buffer with nothing restaged below its committed
// length. With wait unset the program runs on while the caller stages into
// the other buffer; the next use of buf waits for it.
func (s *Stager) Commit(buf flash.BufferID, page int, wait bool) error {
	if !buf.Valid() {
		return fmt.Errorf("%w: buffer %d", flash.ErrOutOfRange, buf)
	}
	if page < 0 || page >= s.dev.geo.PageCount {
		return fmt.Errorf("%w: page %d", flash.ErrOutOfRange, page)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b := &s.bufs[buf]
	info, _ := s.erase.info(page)
	switch {
	case info.state == PageErased:
	case info.state == PagePartial && info.committed == 0:
	case info.state == PagePartial && b.page == page && b.low >= info.committed:
	default:
		s.counters.notErased.Add(1)
		s.logger.Error("[flashlog.staging]",
			slog.String("event_type", "commit.not.erased"),
			slog.Int("page", page),
			slog.String("state", info.state.String()),
		)
		return fmt.Errorf("%w: page %d is %s", ErrNotErased, page, info.state)
	}

	err := s.dev.whenReady(func(t flash.Transport) error {
		return t.BufferToPage(buf, page)
	})
	if err == nil && wait {
		err = s.dev.waitReady()
	}
	if err != nil {
		return fmt.Errorf("commit buffer %d to page %d: %w", buf, page, err)
	}

	s.erase.markProgrammed(page, max(info.committed, b.high))
	s.counters.commits.Add(1)
	b.page = page
	b.low = s.pageSize
	b.inFlight = !wait
	return nil
}

// Load copies page into buf so its erased tail can be amended.
func (s *Stager) Load(buf flash.BufferID, page int) error {
	if !buf.Valid() {
		return fmt.Errorf("%w: buffer %d", flash.ErrOutOfRange, buf)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.settle(buf); err != nil {
		return err
	}
	err := s.dev.whenReady(func(t flash.Transport) error {
		return t.PageToBuffer(buf, page)
	})
	if err != nil {
		return fmt.Errorf("load page %d into buffer %d: %w", page, buf, err)
	}
	b := &s.bufs[buf]
	b.page = page
	b.low = s.pageSize
	b.high = s.erase.Committed(page)
	return nil
}

// Reset fills buf with the erased pattern and unbinds it.
func (s *Stager) Reset(buf flash.BufferID) error {
	if !buf.Valid() {
		return fmt.Errorf("%w: buffer %d", flash.ErrOutOfRange, buf)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.settle(buf); err != nil {
		return err
	}
	err := s.dev.do(func(t flash.Transport) error {
		return t.BufferWrite(buf, 0, s.ones)
	})
	if err != nil {
		return fmt.Errorf("reset buffer %d: %w", buf, err)
	}
	s.bufs[buf].unbind(s.pageSize)
	return nil
}

// Settle waits for any program still running from either buffer.
func (s *Stager) Settle() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.bufs {
		if err := s.settle(flash.BufferID(i)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stager) settle(buf flash.BufferID) error {
	b := &s.bufs[buf]
	if !b.inFlight {
		return nil
	}
	if err := s.dev.waitReady(); err != nil {
		return fmt.Errorf("settle buffer %d: %w", buf, err)
	}
	b.inFlight = false
	return nil
}
