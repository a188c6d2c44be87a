// Package export writes sessions off the recorder: self-describing session
// bundles, raw page dumps, and a catalog of what was exported when.
package export

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/google/uuid"
	"github.com/unijord/flashlog"
	"github.com/unijord/flashlog/pkg/flash"
	fbexport "github.com/unijord/flashlog/pkg/gen/go/fb/export"
	"github.com/unijord/flashlog/pkg/replay"
)

const (
	oneKB = 1024
	oneMB = oneKB * 1024
)

// Source is the part of a recorder an export reads from. *flashlog.Recorder
// implements it.
type Source interface {
	DeviceID() flash.DeviceID
	Geometry() flash.Geometry
	Sessions() ([]flashlog.SessionInfo, error)
	OpenSession(n uint32) (*flashlog.Cursor, error)
	ReadPages(from, count int) ([]byte, error)
}

var _ Source = (*flashlog.Recorder)(nil)

// Manifest describes one export. It is what the catalog stores.
type Manifest struct {
	ID         string    `json:"id"`
	Device     string    `json:"device"`
	Session    uint32    `json:"session"`
	Status     string    `json:"status"`
	StartPage  int       `json:"start_page"`
	EndPage    int       `json:"end_page"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	ExportedAt time.Time `json:"exported_at"`
	Filter     string    `json:"filter,omitempty"`
	Records    int       `json:"records"`
	Bytes      int64     `json:"bytes"`
	Corrupt    int       `json:"corrupt,omitempty"`
	// xxHash64 over tag and payload of every record, in order
	Digest uint64 `json:"digest"`
	// Size of the bundle in bytes
	Size int    `json:"size"`
	Path string `json:"path,omitempty"`
}

type Option func(*Exporter)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Exporter) {
		e.logger = logger
	}
}

func WithClock(clock func() time.Time) Option {
	return func(e *Exporter) {
		e.clock = clock
	}
}

// WithSkipCorrupt exports the records around corrupt ones instead of
// failing. The recorder must be opened with flashlog.WithSkipCorrupt too.
func WithSkipCorrupt(skip bool) Option {
	return func(e *Exporter) {
		e.skipCorrupt = skip
	}
}

// Exporter builds session bundles. It is safe for concurrent use.
type Exporter struct {
	logger      *slog.Logger
	clock       func() time.Time
	skipCorrupt bool
	pool        sync.Pool
}

func NewExporter(opts ...Option) *Exporter {
	e := &Exporter{
		logger: slog.Default(),
		clock:  time.Now,
		pool: sync.Pool{
			New: func() any {
				return flatbuffers.NewBuilder(oneKB)
			},
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "export")
	return e
}

func (e *Exporter) getBuilder() *flatbuffers.Builder {
	return e.pool.Get().(*flatbuffers.Builder)
}

func (e *Exporter) putBuilder(b *flatbuffers.Builder) {
	// keep one oversized session from pinning its buffer forever
	if cap(b.Bytes) > oneMB {
		return
	}
	b.Reset()
	e.pool.Put(b)
}

// Export replays session n from src and writes the records that pass
// filter to w as one bundle. A nil filter exports every record.
func (e *Exporter) Export(ctx context.Context, src Source, n uint32, filter *replay.Filter, w io.Writer) (Manifest, error) {
	info, err := findSession(src, n)
	if err != nil {
		return Manifest{}, err
	}
	cur, err := src.OpenSession(n)
	if err != nil {
		return Manifest{}, err
	}
	defer cur.Close()

	b := e.getBuilder()
	defer e.putBuilder(b)

	m := Manifest{
		ID:         uuid.NewString(),
		Device:     src.DeviceID().String(),
		Session:    info.Number,
		Status:     info.Status.String(),
		StartPage:  info.StartPage,
		EndPage:    info.EndPage,
		StartedAt:  info.StartedAt,
		EndedAt:    info.EndedAt,
		ExportedAt: e.clock(),
		Filter:     filter.String(),
	}

	digest := xxhash.New()
	var records []flatbuffers.UOffsetT
	res, err := replay.Run(cur, filter, e.skipCorrupt, func(rec flashlog.Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		writeDigest(digest, rec.Tag, rec.Payload)
		payload := b.CreateByteVector(rec.Payload)
		fbexport.RecordStart(b)
		fbexport.RecordAddTag(b, byte(rec.Tag))
		fbexport.RecordAddIndex(b, uint32(rec.Index))
		fbexport.RecordAddPage(b, uint32(rec.Page))
		fbexport.RecordAddOffset(b, uint16(rec.Offset))
		fbexport.RecordAddPayload(b, payload)
		records = append(records, fbexport.RecordEnd(b))
		m.Bytes += int64(len(rec.Payload))
		return nil
	})
	if err != nil {
		return Manifest{}, fmt.Errorf("export session %d: %w", n, err)
	}
	m.Records = res.Matched
	m.Corrupt = res.Corrupt
	m.Digest = digest.Sum64()

	fbexport.SessionBundleStartRecordsVector(b, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		b.PrependUOffsetT(records[i])
	}
	recordsVec := b.EndVector(len(records))
	idOffset := b.CreateString(m.ID)
	deviceOffset := b.CreateString(m.Device)
	filterOffset := b.CreateString(m.Filter)

	fbexport.SessionBundleStart(b)
	fbexport.SessionBundleAddId(b, idOffset)
	fbexport.SessionBundleAddDeviceId(b, deviceOffset)
	fbexport.SessionBundleAddSession(b, m.Session)
	fbexport.SessionBundleAddStatus(b, statusToFB(info.Status))
	fbexport.SessionBundleAddStartPage(b, uint32(m.StartPage))
	fbexport.SessionBundleAddEndPage(b, uint32(m.EndPage))
	fbexport.SessionBundleAddStartedAt(b, unixNano(m.StartedAt))
	fbexport.SessionBundleAddEndedAt(b, unixNano(m.EndedAt))
	fbexport.SessionBundleAddExportedAt(b, unixNano(m.ExportedAt))
	fbexport.SessionBundleAddFilter(b, filterOffset)
	fbexport.SessionBundleAddDigest(b, m.Digest)
	fbexport.SessionBundleAddCorruptRecords(b, uint32(m.Corrupt))
	fbexport.SessionBundleAddRecords(b, recordsVec)
	fbexport.FinishSessionBundleBuffer(b, fbexport.SessionBundleEnd(b))

	data := b.FinishedBytes()
	if _, err := w.Write(data); err != nil {
		return Manifest{}, fmt.Errorf("write bundle: %w", err)
	}
	m.Size = len(data)

	e.logger.Info("[flashlog.export]",
		slog.String("event_type", "session.exported"),
		slog.String("id", m.ID),
		slog.Uint64("session", uint64(n)),
		slog.Int("records", m.Records),
		slog.Int("corrupt", m.Corrupt),
		slog.Int("size", m.Size),
	)
	return m, nil
}

// ExportFile is Export into a new file at path. The file is removed when
// the export fails.
func (e *Exporter) ExportFile(ctx context.Context, src Source, n uint32, filter *replay.Filter, path string) (Manifest, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return Manifest{}, err
	}
	m, err := e.Export(ctx, src, n, filter, f)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return Manifest{}, err
	}
	m.Path = path
	return m, nil
}

func findSession(src Source, n uint32) (flashlog.SessionInfo, error) {
	sessions, err := src.Sessions()
	if err != nil {
		return flashlog.SessionInfo{}, err
	}
	for _, s := range sessions {
		if s.Number == n {
			return s, nil
		}
	}
	return flashlog.SessionInfo{}, fmt.Errorf("%w: %d", flashlog.ErrSessionNotFound, n)
}

func writeDigest(d *xxhash.Digest, tag flashlog.Tag, payload []byte) {
	_, _ = d.Write([]byte{byte(tag)})
	_, _ = d.Write(payload)
}

func statusToFB(s flashlog.SessionStatus) fbexport.SessionStatus {
	switch s {
	case flashlog.SessionTorn:
		return fbexport.SessionStatusTorn
	case flashlog.SessionOpen:
		return fbexport.SessionStatusOpen
	default:
		return fbexport.SessionStatusClosed
	}
}

func statusFromFB(s fbexport.SessionStatus) flashlog.SessionStatus {
	switch s {
	case fbexport.SessionStatusTorn:
		return flashlog.SessionTorn
	case fbexport.SessionStatusOpen:
		return flashlog.SessionOpen
	default:
		return flashlog.SessionClosed
	}
}

// zero time is stored as 0, not as year 1 in nanoseconds
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
