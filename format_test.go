package flashlog

import (
	"encoding/binary"
	"hash/crc32"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unijord/flashlog/pkg/flash"
)

func TestCRC16_CheckValue(t *testing.T) {
	assert.Equal(t, uint16(0x29B1), crc16([]byte("123456789")))
}

func TestFrame_RoundTrip(t *testing.T) {
	page := make([]byte, 256)
	for i := range page {
		page[i] = 0xFF
	}

	frame := appendFrame(nil, Tag(7), []byte("hello"))
	require.Len(t, frame, framedSize(5))
	copy(page[10:], frame)

	tag, payload, next, st := decodeFrame(page, 10)
	require.Equal(t, frameOK, st)
	assert.Equal(t, Tag(7), tag)
	assert.Equal(t, []byte("hello"), payload)
	assert.Equal(t, 10+len(frame), next)

	_, _, _, st = decodeFrame(page, next)
	assert.Equal(t, frameEnd, st)
}

func TestFrame_EmptyPayload(t *testing.T) {
	page := appendFrame(nil, Tag(1), nil)
	page = append(page, 0xFF)

	tag, payload, next, st := decodeFrame(page, 0)
	require.Equal(t, frameOK, st)
	assert.Equal(t, Tag(1), tag)
	assert.Empty(t, payload)
	assert.Equal(t, recordOverhead, next)
}

func TestFrame_PayloadMutationDetected(t *testing.T) {
	payload := payloadOf(10, 0x30)
	frame := appendFrame(nil, Tag(1), payload)

	for i := 3; i < 3+len(payload); i++ {
		for _, mask := range []byte{0x01, 0x10, 0x80, 0xFF} {
			mutated := append([]byte(nil), frame...)
			mutated[i] ^= mask
			_, _, _, st := decodeFrame(mutated, 0)
			assert.Equal(t, frameBad, st, "byte %d mask %02x", i, mask)
		}
	}
}

func TestFrame_LengthOverrun(t *testing.T) {
	frame := appendFrame(nil, Tag(1), payloadOf(4, 0))
	frame[1] = 0xFE
	_, _, _, st := decodeFrame(frame, 0)
	assert.Equal(t, frameBad, st)

	_, _, _, st = decodeFrame([]byte{0x01, 0x00}, 0)
	assert.Equal(t, frameBad, st, "truncated header")
}

func TestPageHeader(t *testing.T) {
	buf := make([]byte, pageHeaderSize)
	encodePageHeader(buf, 42)

	seq, st := decodePageHeader(buf)
	require.Equal(t, headerValid, st)
	assert.Equal(t, uint32(42), seq)

	buf[3] ^= 0x01
	_, st = decodePageHeader(buf)
	assert.Equal(t, headerInvalid, st)

	erased := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	_, st = decodePageHeader(erased)
	assert.Equal(t, headerErased, st)

	_, st = decodePageHeader(make([]byte, pageHeaderSize))
	assert.Equal(t, headerInvalid, st, "all zero")
}

func TestMetadata_RoundTrip(t *testing.T) {
	page := make([]byte, 256)
	m := Metadata{
		Geometry:    flash.Geometry{PageSize: 256, PagesPerBlock: 4, PageCount: 64},
		FormattedAt: time.Unix(1700000000, 123),
		EraseCycles: 3,
		LastSession: 17,
	}
	encodeMetadata(page, m)
	assert.True(t, isErased(page[metaHeaderSize:]))

	got, st, err := decodeMetadata(page)
	require.NoError(t, err)
	require.Equal(t, headerValid, st)
	assert.Equal(t, m.Geometry, got.Geometry)
	assert.True(t, m.FormattedAt.Equal(got.FormattedAt))
	assert.Equal(t, m.EraseCycles, got.EraseCycles)
	assert.Equal(t, m.LastSession, got.LastSession)
}

func TestMetadata_Invalid(t *testing.T) {
	page := make([]byte, 256)
	for i := range page {
		page[i] = 0xFF
	}
	_, st, err := decodeMetadata(page)
	require.NoError(t, err)
	assert.Equal(t, headerErased, st)

	encodeMetadata(page, Metadata{Geometry: flash.Geometry{PageSize: 256, PagesPerBlock: 4, PageCount: 64}})
	page[28] ^= 0x04
	_, st, err = decodeMetadata(page)
	require.Error(t, err)
	assert.Equal(t, headerInvalid, st)

	_, st, err = decodeMetadata(page[:10])
	require.Error(t, err)
	assert.Equal(t, headerInvalid, st)

	// checksummed, but another layout version
	encodeMetadata(page, Metadata{Geometry: flash.Geometry{PageSize: 256, PagesPerBlock: 4, PageCount: 64}})
	binary.LittleEndian.PutUint16(page[4:6], metaVersion+1)
	binary.LittleEndian.PutUint32(page[60:64], crc32.Checksum(page[0:60], crcTable))
	_, st, err = decodeMetadata(page)
	require.Error(t, err)
	assert.Equal(t, headerForeign, st)
}

func TestMetadata_Slots(t *testing.T) {
	geo := flash.Geometry{PageSize: 256, PagesPerBlock: 4, PageCount: 64}
	page := make([]byte, 256)
	for i := range page {
		page[i] = 0xFF
	}
	require.Equal(t, 4, metaSlots(len(page)))

	_, next, st, err := decodeMetadataPage(page)
	require.NoError(t, err)
	assert.Equal(t, headerErased, st)
	assert.Equal(t, 0, next)

	encodeMetadataSlot(page[0:], Metadata{Geometry: geo, LastSession: 1})
	encodeMetadataSlot(page[metaHeaderSize:], Metadata{Geometry: geo, LastSession: 2})
	m, next, st, err := decodeMetadataPage(page)
	require.NoError(t, err)
	assert.Equal(t, headerValid, st)
	assert.Equal(t, 2, next)
	assert.Equal(t, uint32(2), m.LastSession)
	assert.True(t, isErased(page[2*metaHeaderSize:]))

	t.Run("torn newest slot falls back", func(t *testing.T) {
		torn := append([]byte(nil), page...)
		for i := metaHeaderSize + 20; i < len(torn); i++ {
			torn[i] = 0xFF
		}
		m, next, st, err := decodeMetadataPage(torn)
		require.NoError(t, err)
		assert.Equal(t, headerValid, st)
		assert.Equal(t, 2, next, "the torn slot is not reused")
		assert.Equal(t, uint32(1), m.LastSession)
	})

	t.Run("no valid slot", func(t *testing.T) {
		torn := append([]byte(nil), page...)
		for i := 20; i < len(torn); i++ {
			torn[i] = 0xFF
		}
		_, next, st, err := decodeMetadataPage(torn)
		require.Error(t, err)
		assert.Equal(t, headerInvalid, st)
		assert.Equal(t, 1, next)
	})

	t.Run("foreign slot", func(t *testing.T) {
		other := make([]byte, 256)
		for i := range other {
			other[i] = 0xFF
		}
		encodeMetadataSlot(other, Metadata{Geometry: geo})
		binary.LittleEndian.PutUint32(other[0:4], 0x12345678)
		binary.LittleEndian.PutUint32(other[60:64], crc32.Checksum(other[0:60], crcTable))
		_, _, st, err := decodeMetadataPage(other)
		require.Error(t, err)
		assert.Equal(t, headerForeign, st)
	})
}

func TestMarkers(t *testing.T) {
	start := startMarker{Session: 9, StartedAt: time.Unix(10, 20)}
	b := start.encode()
	require.Len(t, b, startMarkerLen)
	gotStart, ok := decodeStartMarker(b)
	require.True(t, ok)
	assert.Equal(t, start.Session, gotStart.Session)
	assert.True(t, start.StartedAt.Equal(gotStart.StartedAt))

	end := endMarker{Session: 9, Records: 300, EndedAt: time.Unix(30, 40)}
	b = end.encode()
	require.Len(t, b, endMarkerLen)
	gotEnd, ok := decodeEndMarker(b)
	require.True(t, ok)
	assert.Equal(t, end.Session, gotEnd.Session)
	assert.Equal(t, end.Records, gotEnd.Records)

	_, ok = decodeStartMarker(b)
	assert.False(t, ok, "wrong length")
}

func TestTag_Reserved(t *testing.T) {
	assert.True(t, TagSessionStart.IsMarker())
	assert.True(t, TagSessionEnd.IsMarker())
	assert.False(t, Tag(1).IsMarker())
	assert.True(t, TagSessionStart >= TagReservedMin)
}
