package flashlog

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/unijord/flashlog/pkg/flash"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPoll() flash.PollPolicy {
	return flash.PollPolicy{MaxPolls: 32, Sleep: func(time.Duration) {}}
}

func newTestEmulator(t *testing.T) *flash.Emulator {
	t.Helper()
	em, err := flash.NewEmulator(flash.DefaultEmulatorConfig())
	require.NoError(t, err)
	return em
}

func testOptions(geo flash.Geometry, extra ...Option) []Option {
	opts := []Option{
		WithGeometry(geo),
		WithPollPolicy(testPoll()),
		WithEraseAheadPolicy(EraseAheadInline),
		WithLogger(testLogger()),
		WithBusTimeout(time.Second),
	}
	return append(opts, extra...)
}

func openTestRecorder(t *testing.T, em *flash.Emulator, extra ...Option) *Recorder {
	t.Helper()
	r, err := Open(em, testOptions(em.Geometry(), extra...)...)
	require.NoError(t, err)
	require.Equal(t, StateReady, r.State())
	t.Cleanup(func() { _ = r.Close() })
	return r
}

type testEngine struct {
	em     *flash.Emulator
	dev    *device
	erase  *EraseManager
	stager *Stager
	c      *counters
}

func newTestEngine(t *testing.T, em *flash.Emulator, lookahead int, wrap bool) *testEngine {
	t.Helper()
	c := &counters{}
	dev := &device{
		t:          em,
		bus:        flash.NewSemaphore(),
		busTimeout: time.Second,
		poll:       testPoll(),
		geo:        em.Geometry(),
	}
	erase := newEraseManager(dev, lookahead, wrap, testLogger(), c)
	return &testEngine{
		em:     em,
		dev:    dev,
		erase:  erase,
		stager: newStager(dev, erase, testLogger(), c),
		c:      c,
	}
}

func payloadOf(n int, seed byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = seed + byte(i)
	}
	return p
}

// readAll replays session n to the end and fails the test on any error
// other than ErrEndOfSession.
func readAll(t *testing.T, r *Recorder, n uint32) []Record {
	t.Helper()
	cur, err := r.OpenSession(n)
	require.NoError(t, err)
	defer cur.Close()

	var out []Record
	for {
		rec, err := cur.Next()
		if err == ErrEndOfSession {
			return out
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
}
