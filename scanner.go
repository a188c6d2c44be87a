package flashlog

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

type SessionStatus uint8

const (
	// SessionClosed ends with its end marker.
	SessionClosed SessionStatus = iota
	// SessionTorn lost its end marker, the expected outcome of power loss
	// while recording.
	SessionTorn
	// SessionOpen is still being written by this recorder.
	SessionOpen
)

func (s SessionStatus) String() string {
	switch s {
	case SessionClosed:
		return "closed"
	case SessionTorn:
		return "torn"
	case SessionOpen:
		return "open"
	default:
		return fmt.Sprintf("SessionStatus(%d)", uint8(s))
	}
}

// SessionInfo describes one session found on the medium.
type SessionInfo struct {
	Number    uint32
	StartPage int
	EndPage   int
	Status    SessionStatus
	// Records counts producer records, markers excluded.
	Records        int
	Bytes          int64
	StartedAt      time.Time
	EndedAt        time.Time
	CorruptRecords int

	start, end position
}

// position addresses a frame by its page's place in sequence order.
type position struct {
	ref int
	off int
}

func (p position) before(o position) bool {
	return p.ref < o.ref || (p.ref == o.ref && p.off < o.off)
}

type pageRef struct {
	page int
	seq  uint32
	// opens is set when the first frame is a session start marker.
	opens bool
}

// Frontier is the last decodable position of the newest page.
type Frontier struct {
	Page   int
	Offset int
	Seq    uint32
	// Clean means everything after Offset is still erased, so the page can
	// be amended in place.
	Clean bool
}

// Catalog is the result of a recovery scan.
type Catalog struct {
	Sessions    []SessionInfo
	Frontier    Frontier
	LastSession uint32

	WrittenPages int
	ErasedPages  int
	// UnknownPages hold neither a valid header nor the erased pattern.
	UnknownPages   int
	CorruptPages   int
	CorruptRecords int
	// OrphanRecords were found outside any session.
	OrphanRecords int

	pages  []pageRef
	states []pageInfo
}

// Session returns the session numbered n.
func (c *Catalog) Session(n uint32) (SessionInfo, bool) {
	for _, s := range c.Sessions {
		if s.Number == n {
			return s, true
		}
	}
	return SessionInfo{}, false
}

// Torn returns the sessions recovery found without an end marker.
func (c *Catalog) Torn() []SessionInfo {
	var out []SessionInfo
	for _, s := range c.Sessions {
		if s.Status == SessionTorn {
			out = append(out, s)
		}
	}
	return out
}

// Scanner walks the data pages and rebuilds the session catalog.
type Scanner struct {
	dev             *device
	logger          *slog.Logger
	counters        *counters
	maxCorruptPages int
}

func newScanner(dev *device, o *options, c *counters) *Scanner {
	return &Scanner{
		dev:             dev,
		logger:          o.logger.With("component", "scanner"),
		counters:        c,
		maxCorruptPages: o.maxCorruptPages,
	}
}

// Scan reads every data page, orders the valid ones by sequence number and
// decodes their frames. An undecodable frame that reaches into the erased
// tail of the newest page, with nothing decodable after it, is the torn
// tail left by power loss. Anything else is corruption: the frame is
// skipped when a good frame follows it, otherwise the rest of the page is. The scan gives up with
// ErrCorruptRecord once more than maxCorruptPages pages in a row are
// affected.
func (s *Scanner) Scan() (*Catalog, error) {
	geo := s.dev.geo
	cat := &Catalog{states: make([]pageInfo, geo.PageCount)}
	buf := make([]byte, geo.PageSize)

	for page := firstDataPage; page < geo.PageCount; page++ {
		if err := s.dev.readPage(page, buf); err != nil {
			return nil, fmt.Errorf("scan page %d: %w", page, err)
		}
		seq, st := decodePageHeader(buf)
		switch {
		case st == headerValid:
			tag, _, _, fst := decodeFrame(buf, pageHeaderSize)
			cat.pages = append(cat.pages, pageRef{page: page, seq: seq, opens: fst == frameOK && tag == TagSessionStart})
			cat.states[page] = pageInfo{state: PageFull, committed: geo.PageSize}
			cat.WrittenPages++
		case st == headerErased && isErased(buf):
			cat.states[page] = pageInfo{state: PageErased}
			cat.ErasedPages++
		default:
			cat.states[page] = pageInfo{state: PageUnknown}
			cat.UnknownPages++
		}
	}
	slices.SortFunc(cat.pages, func(a, b pageRef) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		default:
			return 0
		}
	})

	var (
		open     *SessionInfo
		corruptN int
	)
	closeTorn := func(end position) {
		open.Status = SessionTorn
		open.end = end
		s.logger.Warn("[flashlog.scanner]",
			slog.String("event_type", "recovery.torn.session"),
			slog.Uint64("session", uint64(open.Number)),
			slog.Int("start_page", open.StartPage),
			slog.Int("end_page", open.EndPage),
			slog.Int("records", open.Records),
		)
		cat.Sessions = append(cat.Sessions, *open)
		open = nil
	}

	last := len(cat.pages) - 1
	for i, ref := range cat.pages {
		if err := s.dev.readPage(ref.page, buf); err != nil {
			return nil, fmt.Errorf("scan page %d: %w", ref.page, err)
		}

		off := pageHeaderSize
		pageCorrupt := false
	frames:
		for {
			tag, payload, next, st := decodeFrame(buf, off)
			if st == frameEnd && isErased(buf[off:]) {
				break frames
			}
			if st != frameOK {
				if skip, ok := resync(buf, off); ok {
					pageCorrupt = true
					s.corrupt(cat, open, ref.page, off)
					off = skip
					continue
				}
			}
			if st != frameOK {
				// Power loss tears the last program. The next boot
				// starts a new session on a fresh page, so a torn tail
				// is only ever followed by a session start. A frame
				// programmed in full is corrupt wherever it sits.
				if (i == last || cat.pages[i+1].opens) && tornFrame(buf, off) {
					if open != nil {
						closeTorn(position{ref: i, off: off})
					}
				} else {
					pageCorrupt = true
					s.corrupt(cat, open, ref.page, off)
					// readers meet the bad frame before the session ends
					off = len(buf)
				}
				break frames
			}

			at := position{ref: i, off: off}
			off = next
			switch tag {
			case TagSessionStart:
				m, ok := decodeStartMarker(payload)
				if !ok {
					pageCorrupt = true
					s.corrupt(cat, open, ref.page, at.off)
					continue
				}
				if open != nil {
					closeTorn(at)
				}
				open = &SessionInfo{
					Number:    m.Session,
					StartPage: ref.page,
					EndPage:   ref.page,
					StartedAt: m.StartedAt,
					start:     at,
				}
				cat.LastSession = max(cat.LastSession, m.Session)
			case TagSessionEnd:
				m, ok := decodeEndMarker(payload)
				if !ok || open == nil || m.Session != open.Number {
					cat.OrphanRecords++
					continue
				}
				open.Status = SessionClosed
				open.EndPage = ref.page
				open.EndedAt = m.EndedAt
				open.end = at
				cat.Sessions = append(cat.Sessions, *open)
				open = nil
			default:
				if open == nil {
					cat.OrphanRecords++
					continue
				}
				open.Records++
				open.Bytes += int64(len(payload))
				open.EndPage = ref.page
			}
		}

		if pageCorrupt {
			cat.CorruptPages++
			corruptN++
			if corruptN > s.maxCorruptPages {
				return nil, fmt.Errorf("%w: %d consecutive corrupt pages ending at page %d", ErrCorruptRecord, corruptN, ref.page)
			}
		} else {
			corruptN = 0
		}

		if i == last {
			cat.Frontier = Frontier{
				Page:   ref.page,
				Offset: off,
				Seq:    ref.seq,
				Clean:  off < len(buf) && isErased(buf[off:]),
			}
			if cat.Frontier.Clean {
				cat.states[ref.page] = pageInfo{state: PagePartial, committed: off}
			}
		}
	}

	if open != nil {
		closeTorn(position{ref: last, off: cat.Frontier.Offset})
	}
	if last < 0 {
		cat.Frontier = Frontier{Page: metaPage}
	}

	s.logger.Info("[flashlog.scanner]",
		slog.String("event_type", "scan.done"),
		slog.Int("sessions", len(cat.Sessions)),
		slog.Int("written_pages", cat.WrittenPages),
		slog.Int("erased_pages", cat.ErasedPages),
		slog.Int("unknown_pages", cat.UnknownPages),
		slog.Int("corrupt_records", cat.CorruptRecords),
		slog.Int("frontier_page", cat.Frontier.Page),
		slog.Int("frontier_offset", cat.Frontier.Offset),
	)
	return cat, nil
}

func (s *Scanner) corrupt(cat *Catalog, open *SessionInfo, page, off int) {
	cat.CorruptRecords++
	s.counters.corrupt.Add(1)
	if open != nil {
		open.CorruptRecords++
	}
	s.logger.Warn("[flashlog.scanner]",
		slog.String("event_type", "scan.corrupt.record"),
		slog.Int("page", page),
		slog.Int("offset", off),
	)
}

// resync returns the offset of the first decodable frame after the bad
// frame at off. The length field is tried first, then every later offset.
func resync(page []byte, off int) (int, bool) {
	if off+3 <= len(page) {
		next := off + framedSize(int(binary.LittleEndian.Uint16(page[off+1:off+3])))
		if next <= len(page) {
			if _, _, _, st := decodeFrame(page, next); st == frameOK {
				return next, true
			}
		}
	}
	for next := off + 1; next+recordOverhead <= len(page); next++ {
		if _, _, _, st := decodeFrame(page, next); st == frameOK {
			return next, true
		}
	}
	return 0, false
}

// tornFrame reports whether the bad frame at off runs into the erased tail
// of page or past its end, which is what an interrupted program leaves.
func tornFrame(page []byte, off int) bool {
	tail := len(page)
	for tail > off && page[tail-1] == 0xFF {
		tail--
	}
	if off+3 > len(page) {
		return true
	}
	end := off + framedSize(int(binary.LittleEndian.Uint16(page[off+1:off+3])))
	return end > len(page) || tail < end
}
