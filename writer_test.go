package flashlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWriter(t *testing.T, e *testEngine, policy EraseAheadPolicy) *Writer {
	t.Helper()
	o := defaultOptions()
	o.logger = testLogger()
	o.eraseAheadPolicy = policy
	return newWriter(e.stager, e.erase, o, e.c)
}

func TestWriter_NeverErasesOnAppendPath(t *testing.T) {
	e := newTestEngine(t, newTestEmulator(t), 4, false)
	require.NoError(t, e.erase.ErasePage(firstDataPage))
	w := newTestWriter(t, e, EraseAheadBackground)

	_, err := w.StartSession()
	require.NoError(t, err)
	before := e.em.Stats()

	written := 0
	for {
		err = w.Append(Tag(1), payloadOf(40, byte(written)))
		if err != nil {
			break
		}
		written++
	}
	require.ErrorIs(t, err, ErrNotErased)
	assert.Equal(t, 5, written)
	after := e.em.Stats()
	assert.Equal(t, before.PageErases, after.PageErases)
	assert.Equal(t, before.BlockErases, after.BlockErases)
	assert.Equal(t, uint64(1), e.c.notErased.Load())

	// the full page went out even though the cursor could not move
	assert.Equal(t, 250, e.erase.Committed(firstDataPage))

	require.NoError(t, e.erase.EnsureErasedAhead(w.Cursor().Page))
	require.NoError(t, w.Append(Tag(1), payloadOf(40, 99)))
	assert.Equal(t, 2, w.Cursor().Page)
	assert.Equal(t, PageFull, e.erase.PageState(firstDataPage))
}

func TestWriter_InlineErasesAhead(t *testing.T) {
	e := newTestEngine(t, newTestEmulator(t), 4, false)
	w := newTestWriter(t, e, EraseAheadInline)

	_, err := w.StartSession()
	require.NoError(t, err)
	assert.Equal(t, firstDataPage, w.Cursor().Page)
	assert.Equal(t, 4, e.erase.Ahead(firstDataPage))

	for i := 0; i < 30; i++ {
		require.NoError(t, w.Append(Tag(1), payloadOf(100, byte(i))))
	}
	require.NoError(t, w.EndSession())
	cur := w.Cursor()
	assert.Equal(t, 15, cur.Page, "two records per page")
	assert.Equal(t, 4, e.erase.Ahead(cur.Page))
	assert.Equal(t, uint32(15), cur.Seq)
}

func TestWriter_PageSequenceIsMonotonic(t *testing.T) {
	e := newTestEngine(t, newTestEmulator(t), 4, false)
	w := newTestWriter(t, e, EraseAheadInline)

	_, err := w.StartSession()
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, w.Append(Tag(1), payloadOf(120, byte(i))))
	}
	require.NoError(t, w.EndSession())

	snap := e.em.Snapshot()
	var prev uint32
	for p := firstDataPage; p <= w.Cursor().Page; p++ {
		seq, st := decodePageHeader(snap[p*256 : p*256+pageHeaderSize])
		require.Equal(t, headerValid, st, "page %d", p)
		assert.Greater(t, seq, prev)
		prev = seq
	}
}

func TestWriter_FlushIsIdempotent(t *testing.T) {
	e := newTestEngine(t, newTestEmulator(t), 4, false)
	w := newTestWriter(t, e, EraseAheadInline)

	require.NoError(t, w.Flush(), "nothing written yet")

	_, err := w.StartSession()
	require.NoError(t, err)
	require.NoError(t, w.Append(Tag(1), []byte("abc")))
	require.NoError(t, w.Flush())
	programs := e.em.Stats().Programs
	require.NoError(t, w.Flush())
	assert.Equal(t, programs, e.em.Stats().Programs)

	require.NoError(t, w.Append(Tag(1), []byte("def")))
	require.NoError(t, w.Flush())
	assert.Equal(t, programs+1, e.em.Stats().Programs)
	assert.Equal(t, 8+17+8+8, e.erase.Committed(firstDataPage))
}
