package flashlog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/unijord/flashlog/pkg/flash"
)

/* On-device layout:

page 0         metadata, 64 byte slots written in order, newest valid wins
┌──────────────────────────────────────────────────────────────┐
│ 0..3   magic "DFLG"            4..5   version                │
│ 6..7   page size               8..9   pages per block        │
│ 10..11 reserved                12..15 page count             │
│ 16..23 formatted at (unix ns)  24..27 erase cycles           │
│ 28..31 last session number     32..59 reserved               │
│ 60..63 CRC32C(bytes 0..59)                                   │
├──────────────────────────────────────────────────────────────┤
│ 64..127 next slot, 0xFF until written                        │
│ ...                                                          │
└──────────────────────────────────────────────────────────────┘

page 1..N-1    data
┌──────────────────────────────────────────────────────────────┐
│ 0..1   0xA3 0x95               2..5   page sequence u32      │
│ 6..7   CRC16(bytes 0..5)                                     │
│ 8..    records, back to back, never spanning pages           │
│        [tag:1][length:2][payload:length][CRC16:2]            │
│        a tag of 0xFF ends the page                           │
└──────────────────────────────────────────────────────────────┘
*/

const (
	metaPage      = 0
	firstDataPage = 1

	metaHeaderSize = 64
	// "DFLG", data flash log.
	metaMagicNumber = 0x44464C47
	metaVersion     = 1

	pageHeaderSize = 8
	pageMagic0     = 0xA3
	pageMagic1     = 0x95

	// tag + length + checksum
	recordOverhead = 5
	maxPayloadLen  = 1<<16 - 1

	startMarkerLen = 12
	endMarkerLen   = 16
	endMarkerFrame = recordOverhead + endMarkerLen
)

// Tag is the producer defined type of a record.
type Tag uint8

const (
	// TagReservedMin is the first tag producers may not use.
	TagReservedMin  Tag = 0xF0
	TagSessionStart Tag = 0xF1
	TagSessionEnd   Tag = 0xF2
	tagErased       Tag = 0xFF
)

func (t Tag) IsMarker() bool {
	return t == TagSessionStart || t == TagSessionEnd
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// CRC-16/CCITT-FALSE. Any error burst up to 16 bits, so every single byte
// mutation, changes the sum.
var crc16Table = makeCRC16Table(0x1021)

func makeCRC16Table(poly uint16) *[256]uint16 {
	var t [256]uint16
	for i := range t {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return &t
}

func crc16Update(crc uint16, data []byte) uint16 {
	for _, b := range data {
		crc = crc<<8 ^ crc16Table[byte(crc>>8)^b]
	}
	return crc
}

func crc16(data []byte) uint16 {
	return crc16Update(0xFFFF, data)
}

func framedSize(payloadLen int) int {
	return recordOverhead + payloadLen
}

// maxFrame is the largest frame a data page can hold.
func maxFrame(pageSize int) int {
	return pageSize - pageHeaderSize
}

// appendFrame appends the framed record to dst.
func appendFrame(dst []byte, tag Tag, payload []byte) []byte {
	var hdr [3]byte
	hdr[0] = byte(tag)
	binary.LittleEndian.PutUint16(hdr[1:3], uint16(len(payload)))
	sum := crc16Update(crc16(hdr[:]), payload)

	dst = append(dst, hdr[:]...)
	dst = append(dst, payload...)
	return binary.LittleEndian.AppendUint16(dst, sum)
}

type frameStatus int

const (
	frameOK frameStatus = iota
	// erased tag at a record boundary, no more records in this page
	frameEnd
	// length overruns the page or checksum mismatch
	frameBad
)

// decodeFrame parses the record at page[off:]. The returned payload aliases
// page.
func decodeFrame(page []byte, off int) (Tag, []byte, int, frameStatus) {
	if off >= len(page) || Tag(page[off]) == tagErased {
		return tagErased, nil, off, frameEnd
	}
	if off+recordOverhead > len(page) {
		return 0, nil, off, frameBad
	}
	tag := Tag(page[off])
	n := int(binary.LittleEndian.Uint16(page[off+1 : off+3]))
	end := off + 3 + n
	if end+2 > len(page) {
		return tag, nil, off, frameBad
	}
	saved := binary.LittleEndian.Uint16(page[end : end+2])
	if saved != crc16(page[off:end]) {
		return tag, nil, off, frameBad
	}
	return tag, page[off+3 : end], end + 2, frameOK
}

type headerStatus int

const (
	headerValid headerStatus = iota
	headerErased
	// checksum mismatch, a torn program or garbage
	headerInvalid
	// checksummed but not ours, or another version
	headerForeign
)

func encodePageHeader(buf []byte, seq uint32) {
	buf[0] = pageMagic0
	buf[1] = pageMagic1
	binary.LittleEndian.PutUint32(buf[2:6], seq)
	binary.LittleEndian.PutUint16(buf[6:8], crc16(buf[0:6]))
}

func decodePageHeader(buf []byte) (uint32, headerStatus) {
	if len(buf) < pageHeaderSize {
		return 0, headerInvalid
	}
	if isErased(buf[:pageHeaderSize]) {
		return 0, headerErased
	}
	if buf[0] != pageMagic0 || buf[1] != pageMagic1 {
		return 0, headerInvalid
	}
	if binary.LittleEndian.Uint16(buf[6:8]) != crc16(buf[0:6]) {
		return 0, headerInvalid
	}
	return binary.LittleEndian.Uint32(buf[2:6]), headerValid
}

func isErased(b []byte) bool {
	for _, v := range b {
		if v != 0xFF {
			return false
		}
	}
	return true
}

// Metadata is the device wide record kept in page 0.
type Metadata struct {
	Geometry    flash.Geometry
	FormattedAt time.Time
	EraseCycles uint32
	LastSession uint32
}

// metaSlots is how many metadata slots page 0 holds.
func metaSlots(pageSize int) int {
	return pageSize / metaHeaderSize
}

// encodeMetadata fills page with m in slot 0 and erased slots after it.
func encodeMetadata(page []byte, m Metadata) {
	for i := range page {
		page[i] = 0xFF
	}
	encodeMetadataSlot(page[:metaHeaderSize], m)
}

func encodeMetadataSlot(hdr []byte, m Metadata) {
	for i := range hdr[:metaHeaderSize] {
		hdr[i] = 0
	}
	binary.LittleEndian.PutUint32(hdr[0:4], metaMagicNumber)
	binary.LittleEndian.PutUint16(hdr[4:6], metaVersion)
	binary.LittleEndian.PutUint16(hdr[6:8], uint16(m.Geometry.PageSize))
	binary.LittleEndian.PutUint16(hdr[8:10], uint16(m.Geometry.PagesPerBlock))
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(m.Geometry.PageCount))
	binary.LittleEndian.PutUint64(hdr[16:24], uint64(m.FormattedAt.UnixNano()))
	binary.LittleEndian.PutUint32(hdr[24:28], m.EraseCycles)
	binary.LittleEndian.PutUint32(hdr[28:32], m.LastSession)
	binary.LittleEndian.PutUint32(hdr[60:64], crc32.Checksum(hdr[0:60], crcTable))
}

// decodeMetadata decodes one slot. It returns headerErased for a never
// written slot.
func decodeMetadata(page []byte) (Metadata, headerStatus, error) {
	if len(page) < metaHeaderSize {
		return Metadata{}, headerInvalid, fmt.Errorf("metadata page too short: %d", len(page))
	}
	hdr := page[:metaHeaderSize]
	if isErased(hdr) {
		return Metadata{}, headerErased, nil
	}
	saved := binary.LittleEndian.Uint32(hdr[60:64])
	computed := crc32.Checksum(hdr[0:60], crcTable)
	if saved != computed {
		return Metadata{}, headerInvalid, fmt.Errorf("metadata CRC mismatch: expected %08x, got %08x", saved, computed)
	}
	if magic := binary.LittleEndian.Uint32(hdr[0:4]); magic != metaMagicNumber {
		return Metadata{}, headerForeign, fmt.Errorf("metadata magic %08x", magic)
	}
	if v := binary.LittleEndian.Uint16(hdr[4:6]); v != metaVersion {
		return Metadata{}, headerForeign, fmt.Errorf("metadata version %d", v)
	}
	m := Metadata{
		Geometry: flash.Geometry{
			PageSize:      int(binary.LittleEndian.Uint16(hdr[6:8])),
			PagesPerBlock: int(binary.LittleEndian.Uint16(hdr[8:10])),
			PageCount:     int(binary.LittleEndian.Uint32(hdr[12:16])),
		},
		FormattedAt: time.Unix(0, int64(binary.LittleEndian.Uint64(hdr[16:24]))),
		EraseCycles: binary.LittleEndian.Uint32(hdr[24:28]),
		LastSession: binary.LittleEndian.Uint32(hdr[28:32]),
	}
	return m, headerValid, nil
}

// decodeMetadataPage returns the newest valid slot of page 0 and the index
// of the slot after the last one written. A torn slot is passed over, the
// one before it still stands.
func decodeMetadataPage(page []byte) (Metadata, int, headerStatus, error) {
	var (
		newest  Metadata
		found   bool
		next    int
		status  = headerErased
		lastErr error
	)
	for i := 0; i < metaSlots(len(page)); i++ {
		m, st, err := decodeMetadata(page[i*metaHeaderSize:])
		switch st {
		case headerErased:
			continue
		case headerValid:
			newest, found = m, true
		case headerForeign:
			status, lastErr = headerForeign, err
		case headerInvalid:
			if status != headerForeign {
				status = headerInvalid
			}
			lastErr = err
		}
		next = i + 1
	}
	if found {
		return newest, next, headerValid, nil
	}
	if next == 0 && len(page) < metaHeaderSize {
		return Metadata{}, 0, headerInvalid, fmt.Errorf("metadata page too short: %d", len(page))
	}
	return Metadata{}, next, status, lastErr
}

type startMarker struct {
	Session   uint32
	StartedAt time.Time
}

func (m startMarker) encode() []byte {
	buf := make([]byte, startMarkerLen)
	binary.LittleEndian.PutUint32(buf[0:4], m.Session)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(m.StartedAt.UnixNano()))
	return buf
}

func decodeStartMarker(b []byte) (startMarker, bool) {
	if len(b) != startMarkerLen {
		return startMarker{}, false
	}
	return startMarker{
		Session:   binary.LittleEndian.Uint32(b[0:4]),
		StartedAt: time.Unix(0, int64(binary.LittleEndian.Uint64(b[4:12]))),
	}, true
}

type endMarker struct {
	Session uint32
	Records uint32
	EndedAt time.Time
}

func (m endMarker) encode() []byte {
	buf := make([]byte, endMarkerLen)
	binary.LittleEndian.PutUint32(buf[0:4], m.Session)
	binary.LittleEndian.PutUint32(buf[4:8], m.Records)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(m.EndedAt.UnixNano()))
	return buf
}

func decodeEndMarker(b []byte) (endMarker, bool) {
	if len(b) != endMarkerLen {
		return endMarker{}, false
	}
	return endMarker{
		Session: binary.LittleEndian.Uint32(b[0:4]),
		Records: binary.LittleEndian.Uint32(b[4:8]),
		EndedAt: time.Unix(0, int64(binary.LittleEndian.Uint64(b[8:16]))),
	}, true
}
