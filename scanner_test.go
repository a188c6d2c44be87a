package flashlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// programPage writes a page header and frames straight to page, bypassing
// the writer.
func programPage(t *testing.T, e *testEngine, page int, seq uint32, frames ...[]byte) {
	t.Helper()
	require.NoError(t, e.erase.ErasePage(page))
	img := make([]byte, pageHeaderSize, 256)
	encodePageHeader(img, seq)
	for _, f := range frames {
		img = append(img, f...)
	}
	require.NoError(t, e.stager.Stage(0, 0, img))
	require.NoError(t, e.stager.Commit(0, page, true))
	require.NoError(t, e.stager.Reset(0))
}

func startFrame(n uint32) []byte {
	return appendFrame(nil, TagSessionStart, startMarker{Session: n, StartedAt: time.Unix(100, 0)}.encode())
}

func endFrame(n, records uint32) []byte {
	return appendFrame(nil, TagSessionEnd, endMarker{Session: n, Records: records, EndedAt: time.Unix(200, 0)}.encode())
}

func recFrame(seed byte) []byte {
	return appendFrame(nil, Tag(1), payloadOf(10, seed))
}

func newTestScanner(e *testEngine) *Scanner {
	o := defaultOptions()
	o.logger = testLogger()
	return newScanner(e.dev, o, e.c)
}

func TestScanner_EmptyDevice(t *testing.T) {
	e := newTestEngine(t, newTestEmulator(t), 4, false)
	cat, err := newTestScanner(e).Scan()
	require.NoError(t, err)
	assert.Empty(t, cat.Sessions)
	assert.Equal(t, metaPage, cat.Frontier.Page)
	assert.Equal(t, 63, cat.ErasedPages)
	assert.Zero(t, cat.WrittenPages)
}

func TestScanner_OrdersPagesBySequence(t *testing.T) {
	e := newTestEngine(t, newTestEmulator(t), 4, false)
	// a wrapped log: the oldest page sits physically last
	programPage(t, e, 40, 7, startFrame(3), recFrame(1))
	programPage(t, e, 2, 8, recFrame(2), endFrame(3, 2))
	programPage(t, e, 3, 9, startFrame(4), recFrame(3))

	cat, err := newTestScanner(e).Scan()
	require.NoError(t, err)
	require.Len(t, cat.Sessions, 2)

	first := cat.Sessions[0]
	assert.Equal(t, uint32(3), first.Number)
	assert.Equal(t, SessionClosed, first.Status)
	assert.Equal(t, 40, first.StartPage)
	assert.Equal(t, 2, first.EndPage)
	assert.Equal(t, 2, first.Records)
	assert.Equal(t, int64(20), first.Bytes)
	assert.Equal(t, time.Unix(200, 0), first.EndedAt)

	second := cat.Sessions[1]
	assert.Equal(t, uint32(4), second.Number)
	assert.Equal(t, SessionTorn, second.Status)
	assert.Equal(t, 1, second.Records)

	assert.Equal(t, uint32(4), cat.LastSession)
	assert.Equal(t, Frontier{Page: 3, Offset: 8 + 17 + 15, Seq: 9, Clean: true}, cat.Frontier)
	assert.Equal(t, PagePartial, cat.states[3].state)
	assert.Equal(t, PageFull, cat.states[40].state)
	assert.Equal(t, 3, cat.WrittenPages)
}

func TestScanner_OrphanRecords(t *testing.T) {
	e := newTestEngine(t, newTestEmulator(t), 4, false)
	// records whose start marker was overwritten by a wrap, then an end
	// marker for a session never seen
	programPage(t, e, 5, 1, recFrame(1), recFrame(2), endFrame(9, 2))
	programPage(t, e, 6, 2, startFrame(10), recFrame(3), endFrame(10, 1))

	cat, err := newTestScanner(e).Scan()
	require.NoError(t, err)
	assert.Equal(t, 3, cat.OrphanRecords)
	require.Len(t, cat.Sessions, 1)
	assert.Equal(t, SessionClosed, cat.Sessions[0].Status)
	assert.Equal(t, uint32(10), cat.LastSession)
}

func TestScanner_StartMarkerClosesOpenSessionAsTorn(t *testing.T) {
	e := newTestEngine(t, newTestEmulator(t), 4, false)
	programPage(t, e, 1, 1, startFrame(1), recFrame(1))
	programPage(t, e, 2, 2, startFrame(2), recFrame(2), endFrame(2, 1))

	cat, err := newTestScanner(e).Scan()
	require.NoError(t, err)
	require.Len(t, cat.Sessions, 2)
	assert.Equal(t, SessionTorn, cat.Sessions[0].Status)
	assert.Equal(t, 1, cat.Sessions[0].EndPage)
	assert.Equal(t, SessionClosed, cat.Sessions[1].Status)

	torn := cat.Torn()
	require.Len(t, torn, 1)
	assert.Equal(t, uint32(1), torn[0].Number)

	s, ok := cat.Session(2)
	require.True(t, ok)
	assert.Equal(t, 1, s.Records)
	_, ok = cat.Session(3)
	assert.False(t, ok)
}

func TestScanner_GarbagePagesAreUnknown(t *testing.T) {
	em := newTestEmulator(t)
	e := newTestEngine(t, em, 4, false)
	programPage(t, e, 1, 1, startFrame(1), endFrame(1, 0))
	em.Corrupt(9, 0, 0x0F)

	cat, err := newTestScanner(e).Scan()
	require.NoError(t, err)
	assert.Equal(t, 1, cat.UnknownPages)
	assert.Equal(t, PageUnknown, cat.states[9].state)
	assert.Len(t, cat.Sessions, 1)
}

func TestScanner_BadLengthInClosedSessionIsCorruption(t *testing.T) {
	em := newTestEmulator(t)
	e := newTestEngine(t, em, 4, false)
	frames := [][]byte{startFrame(1)}
	for i := 0; i < 10; i++ {
		frames = append(frames, recFrame(byte(i)))
	}
	frames = append(frames, endFrame(1, 10))
	programPage(t, e, 1, 1, frames...)
	programPage(t, e, 2, 2, startFrame(2), recFrame(20))

	// length field of the fifth record
	em.Corrupt(1, pageHeaderSize+17+4*15+1, 0x01)

	cat, err := newTestScanner(e).Scan()
	require.NoError(t, err)
	require.Len(t, cat.Sessions, 2)
	first := cat.Sessions[0]
	assert.Equal(t, SessionClosed, first.Status)
	assert.Equal(t, 9, first.Records)
	assert.Equal(t, 1, first.CorruptRecords)
	assert.Equal(t, 1, cat.CorruptRecords)
	assert.Equal(t, 1, cat.CorruptPages)
	assert.Equal(t, SessionTorn, cat.Sessions[1].Status)
	assert.Zero(t, cat.Sessions[1].CorruptRecords)
}

func TestScanner_ProgrammedTailFrameIsCorruption(t *testing.T) {
	em := newTestEmulator(t)
	e := newTestEngine(t, em, 4, false)
	programPage(t, e, 1, 1, startFrame(1), recFrame(0), recFrame(16), recFrame(32))

	// a payload byte of the last frame, every byte of it still programmed
	em.Corrupt(1, pageHeaderSize+17+2*15+5, 0x10)

	cat, err := newTestScanner(e).Scan()
	require.NoError(t, err)
	require.Len(t, cat.Sessions, 1)
	assert.Equal(t, SessionTorn, cat.Sessions[0].Status)
	assert.Equal(t, 2, cat.Sessions[0].Records)
	assert.Equal(t, 1, cat.CorruptRecords)
	assert.False(t, cat.Frontier.Clean)
	assert.Equal(t, uint64(1), e.c.corrupt.Load())
}

func TestTornFrame(t *testing.T) {
	page := make([]byte, 64)
	for i := range page {
		page[i] = 0xFF
	}
	f := recFrame(32)
	copy(page, f)
	page[5] ^= 0x01
	assert.False(t, tornFrame(page, 0), "programmed in full")

	for i := 10; i < len(page); i++ {
		page[i] = 0xFF
	}
	assert.True(t, tornFrame(page, 0), "runs into the erased tail")

	copy(page, f)
	page[1], page[2] = 0xF0, 0x00
	assert.True(t, tornFrame(page, 0), "overruns the page")
}

func TestResync(t *testing.T) {
	page := make([]byte, 64)
	for i := range page {
		page[i] = 0xFF
	}
	a := recFrame(1)
	b := recFrame(2)
	copy(page, a)
	copy(page[len(a):], b)

	page[5] ^= 0x01
	next, ok := resync(page, 0)
	require.True(t, ok, "length intact, next frame decodes")
	assert.Equal(t, len(a), next)

	page[1] ^= 0x40
	next, ok = resync(page, 0)
	require.True(t, ok, "length damaged, found by offset")
	assert.Equal(t, len(a), next)

	_, ok = resync(page, len(a)+1)
	assert.False(t, ok, "nothing decodable follows")
}
