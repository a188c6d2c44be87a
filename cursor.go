package flashlog

import (
	"fmt"
	"sync"
)

// Record is one producer record read back from flash.
type Record struct {
	Tag     Tag
	Payload []byte
	Page    int
	Offset  int
	// Index is the record's position within its session, from zero.
	Index int
}

// Cursor replays one session in append order. It sees the pages committed
// when it was opened and nothing staged after that. A Cursor is not safe
// for concurrent use, but any number of cursors may run next to the writer.
type Cursor struct {
	dev         *device
	counters    *counters
	info        SessionInfo
	pages       []pageRef
	skipCorrupt bool

	pos    position
	buf    []byte
	loaded int
	index  int
	err    error

	closeOnce sync.Once
	release   func()
}

func newCursor(dev *device, cat *Catalog, info SessionInfo, skipCorrupt bool, c *counters, release func()) *Cursor {
	return &Cursor{
		dev:         dev,
		counters:    c,
		info:        info,
		pages:       cat.pages,
		skipCorrupt: skipCorrupt,
		pos:         info.start,
		buf:         make([]byte, dev.geo.PageSize),
		loaded:      -1,
		release:     release,
	}
}

// Session describes the session being replayed.
func (c *Cursor) Session() SessionInfo {
	return c.info
}

// Next returns the next record. It returns ErrEndOfSession after the last
// one and ErrCorruptRecord for a frame that fails its checksum. After a
// corrupt record the cursor either moves on to the next page or stays
// stopped, depending on WithSkipCorrupt.
func (c *Cursor) Next() (Record, error) {
	if c.err != nil {
		return Record{}, c.err
	}
	for {
		if !c.pos.before(c.info.end) || c.pos.ref >= len(c.pages) {
			c.err = ErrEndOfSession
			return Record{}, c.err
		}
		ref := c.pages[c.pos.ref]
		if c.loaded != c.pos.ref {
			if err := c.load(ref); err != nil {
				return Record{}, c.corrupt(err)
			}
		}
		if c.pos.off < pageHeaderSize {
			c.pos.off = pageHeaderSize
		}

		at := c.pos
		tag, payload, next, st := decodeFrame(c.buf, at.off)
		if st == frameEnd && isErased(c.buf[at.off:]) {
			c.pos = position{ref: at.ref + 1}
			continue
		}
		if st != frameOK {
			err := fmt.Errorf("%w: page %d offset %d", ErrCorruptRecord, ref.page, at.off)
			c.counters.corrupt.Add(1)
			if !c.skipCorrupt {
				c.err = err
				return Record{}, err
			}
			if next, ok := resync(c.buf, at.off); ok {
				c.pos.off = next
				c.index++
			} else {
				c.pos = position{ref: at.ref + 1}
			}
			return Record{}, err
		}
		c.pos.off = next

		switch tag {
		case TagSessionStart:
			if at == c.info.start {
				continue
			}
			c.err = ErrEndOfSession
			return Record{}, c.err
		case TagSessionEnd:
			c.err = ErrEndOfSession
			return Record{}, c.err
		}

		rec := Record{
			Tag:     tag,
			Payload: append([]byte(nil), payload...),
			Page:    ref.page,
			Offset:  at.off,
			Index:   c.index,
		}
		c.index++
		return rec, nil
	}
}

func (c *Cursor) load(ref pageRef) error {
	if err := c.dev.readPage(ref.page, c.buf); err != nil {
		return err
	}
	seq, st := decodePageHeader(c.buf)
	if st != headerValid || seq != ref.seq {
		return fmt.Errorf("%w: page %d no longer holds sequence %d", ErrCorruptRecord, ref.page, ref.seq)
	}
	c.loaded = c.pos.ref
	return nil
}

func (c *Cursor) corrupt(err error) error {
	if isDeviceFault(err) {
		c.err = err
		return err
	}
	c.counters.corrupt.Add(1)
	if c.skipCorrupt {
		c.pos = position{ref: c.pos.ref + 1}
		return err
	}
	c.err = err
	return err
}

// Close releases the cursor. It is safe to call more than once.
func (c *Cursor) Close() error {
	c.closeOnce.Do(func() {
		c.err = ErrClosed
		if c.release != nil {
			c.release()
		}
	})
	return nil
}
