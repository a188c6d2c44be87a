package flashlog

import "sync/atomic"

type counters struct {
	records   atomic.Uint64
	bytes     atomic.Uint64
	sessions  atomic.Uint64
	commits   atomic.Uint64
	erases    atomic.Uint64
	dropped   atomic.Uint64
	corrupt   atomic.Uint64
	notErased atomic.Uint64
}

// Stats is a point in time view of recorder activity since Open.
type Stats struct {
	State          State
	Records        uint64
	Bytes          uint64
	Sessions       uint64
	PagesCommitted uint64
	Erases         uint64
	// Dropped counts records handed to an absent device.
	Dropped uint64
	// Corrupt counts corrupt records met by scans and readers.
	Corrupt          uint64
	EraseAheadMisses uint64
	ActiveReaders    int64
	Cursor           WriteCursor
	Watermark        int
}

func (c *counters) snapshot() Stats {
	return Stats{
		Records:          c.records.Load(),
		Bytes:            c.bytes.Load(),
		Sessions:         c.sessions.Load(),
		PagesCommitted:   c.commits.Load(),
		Erases:           c.erases.Load(),
		Dropped:          c.dropped.Load(),
		Corrupt:          c.corrupt.Load(),
		EraseAheadMisses: c.notErased.Load(),
	}
}
