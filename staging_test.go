package flashlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unijord/flashlog/pkg/flash"
)

func pageBytes(em *flash.Emulator, page int) []byte {
	g := em.Geometry()
	return em.Snapshot()[page*g.PageSize : (page+1)*g.PageSize]
}

func TestStager_CommitErasedPage(t *testing.T) {
	e := newTestEngine(t, newTestEmulator(t), 8, false)
	require.NoError(t, e.erase.ErasePage(5))

	require.NoError(t, e.stager.Reset(flash.Buffer1))
	require.NoError(t, e.stager.Stage(flash.Buffer1, 0, []byte("abcd")))
	require.NoError(t, e.stager.Commit(flash.Buffer1, 5, true))

	got := pageBytes(e.em, 5)
	assert.Equal(t, []byte("abcd"), got[:4])
	assert.True(t, isErased(got[4:]))
	assert.Equal(t, PagePartial, e.erase.PageState(5))
	assert.Equal(t, 4, e.erase.Committed(5))
	assert.Equal(t, uint64(1), e.c.commits.Load())
}

func TestStager_CommitRefusesNonErased(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, e *testEngine)
	}{
		{
			name:  "unknown",
			setup: func(t *testing.T, e *testEngine) {},
		},
		{
			name: "full",
			setup: func(t *testing.T, e *testEngine) {
				require.NoError(t, e.erase.ErasePage(3))
				e.erase.seal(3)
			},
		},
		{
			name: "partial from other buffer",
			setup: func(t *testing.T, e *testEngine) {
				require.NoError(t, e.erase.ErasePage(3))
				require.NoError(t, e.stager.Stage(flash.Buffer2, 0, []byte{1, 2, 3}))
				require.NoError(t, e.stager.Commit(flash.Buffer2, 3, true))
			},
		},
		{
			name: "restaged below committed",
			setup: func(t *testing.T, e *testEngine) {
				require.NoError(t, e.erase.ErasePage(3))
				require.NoError(t, e.stager.Stage(flash.Buffer1, 0, []byte{1, 2, 3}))
				require.NoError(t, e.stager.Commit(flash.Buffer1, 3, true))
				require.NoError(t, e.stager.Stage(flash.Buffer1, 2, []byte{9}))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, newTestEmulator(t), 8, false)
			tt.setup(t, e)
			programs := e.em.Stats().Programs

			err := e.stager.Commit(flash.Buffer1, 3, true)
			require.ErrorIs(t, err, ErrNotErased)
			assert.Equal(t, programs, e.em.Stats().Programs, "nothing reached the chip")
			assert.Equal(t, uint64(1), e.c.notErased.Load())
		})
	}
}

func TestStager_AmendPartialPage(t *testing.T) {
	e := newTestEngine(t, newTestEmulator(t), 8, false)
	require.NoError(t, e.erase.ErasePage(4))

	require.NoError(t, e.stager.Reset(flash.Buffer1))
	require.NoError(t, e.stager.Stage(flash.Buffer1, 0, []byte("head")))
	require.NoError(t, e.stager.Commit(flash.Buffer1, 4, true))
	require.NoError(t, e.stager.Stage(flash.Buffer1, 4, []byte("tail")))
	require.NoError(t, e.stager.Commit(flash.Buffer1, 4, true))

	assert.Equal(t, []byte("headtail"), pageBytes(e.em, 4)[:8])
	assert.Equal(t, 8, e.erase.Committed(4))
}

func TestStager_LoadThenAmend(t *testing.T) {
	e := newTestEngine(t, newTestEmulator(t), 8, false)
	require.NoError(t, e.erase.ErasePage(6))

	require.NoError(t, e.stager.Reset(flash.Buffer1))
	require.NoError(t, e.stager.Stage(flash.Buffer1, 0, []byte("first")))
	require.NoError(t, e.stager.Commit(flash.Buffer1, 6, true))
	require.NoError(t, e.stager.Reset(flash.Buffer1))

	require.NoError(t, e.stager.Load(flash.Buffer2, 6))
	require.NoError(t, e.stager.Stage(flash.Buffer2, 5, []byte("second")))
	require.NoError(t, e.stager.Commit(flash.Buffer2, 6, true))

	got := pageBytes(e.em, 6)
	assert.Equal(t, []byte("firstsecond"), got[:11])
	assert.True(t, isErased(got[11:]))
}

func TestStager_BadOffset(t *testing.T) {
	e := newTestEngine(t, newTestEmulator(t), 8, false)

	err := e.stager.Stage(flash.Buffer1, 250, make([]byte, 10))
	assert.ErrorIs(t, err, ErrBadOffset)
	err = e.stager.Stage(flash.Buffer1, -1, []byte{1})
	assert.ErrorIs(t, err, ErrBadOffset)
	err = e.stager.Stage(flash.BufferID(2), 0, []byte{1})
	assert.ErrorIs(t, err, flash.ErrOutOfRange)
}

func TestStager_NoWaitCommitSettlesBeforeReuse(t *testing.T) {
	e := newTestEngine(t, newTestEmulator(t), 8, false)
	require.NoError(t, e.erase.ErasePage(2))
	require.NoError(t, e.erase.ErasePage(3))

	require.NoError(t, e.stager.Stage(flash.Buffer1, 0, []byte{0x11}))
	require.NoError(t, e.stager.Commit(flash.Buffer1, 2, false))

	// the other buffer is usable while the program runs
	require.NoError(t, e.stager.Stage(flash.Buffer2, 0, []byte{0x22}))

	reads := e.em.Stats().StatusReads
	require.NoError(t, e.stager.Stage(flash.Buffer1, 1, []byte{0x33}))
	assert.Greater(t, e.em.Stats().StatusReads, reads, "reuse waited for the program")

	require.NoError(t, e.stager.Commit(flash.Buffer2, 3, true))
	assert.Equal(t, byte(0x11), pageBytes(e.em, 2)[0])
	assert.Equal(t, byte(0x22), pageBytes(e.em, 3)[0])
}

func TestStager_CommitTimeout(t *testing.T) {
	e := newTestEngine(t, newTestEmulator(t), 8, false)
	require.NoError(t, e.erase.ErasePage(2))
	e.em.SetStuckBusy(true)

	err := e.stager.Commit(flash.Buffer1, 2, true)
	require.ErrorIs(t, err, ErrDeviceUnresponsive)
	assert.ErrorIs(t, err, flash.ErrTimeout)
	assert.Equal(t, PageErased, e.erase.PageState(2))
}
