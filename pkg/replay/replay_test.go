package replay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/unijord/flashlog"
	"github.com/unijord/flashlog/pkg/flash"
)

func rec(tag flashlog.Tag, index int, payload ...byte) flashlog.Record {
	return flashlog.Record{Tag: tag, Payload: payload, Page: 3, Offset: 8, Index: index}
}

func TestCompile_Empty(t *testing.T) {
	for _, expr := range []string{"", "   "} {
		f, err := Compile(expr)
		if err != nil {
			t.Fatalf("Compile(%q) error: %v", expr, err)
		}
		if !f.Match(1, rec(1, 0)) {
			t.Errorf("empty filter %q should match", expr)
		}
	}

	var nilFilter *Filter
	if !nilFilter.Match(1, rec(1, 0)) {
		t.Error("nil filter should match")
	}
}

func TestCompile_Rejects(t *testing.T) {
	tests := []struct {
		expr string
		want error
	}{
		{"tag +", ErrCompile},
		{"unknown_var == 1", ErrCompile},
		{"size + 1", ErrNotPredicate},
		{"hex(payload)", ErrNotPredicate},
		{"payload == 1", ErrCompile},
	}
	for _, tt := range tests {
		_, err := Compile(tt.expr)
		if !errors.Is(err, tt.want) {
			t.Errorf("Compile(%q) = %v, want %v", tt.expr, err, tt.want)
		}
	}
}

func TestFilter_Match(t *testing.T) {
	tests := []struct {
		expr string
		rec  flashlog.Record
		want bool
	}{
		{"tag == 3", rec(3, 0), true},
		{"tag == 3", rec(4, 0), false},
		{"size > 2", rec(1, 0, 1, 2, 3), true},
		{"size > 2", rec(1, 0, 1, 2), false},
		{"session == 7", rec(1, 0), true},
		{"index % 2 == 0", rec(1, 4), true},
		{"index % 2 == 0", rec(1, 5), false},
		{"page == 3", rec(1, 0), true},
		{"payload == b'\\x01\\x02'", rec(1, 0, 1, 2), true},
		{"u8(payload, 1) == 0x7f", rec(1, 0, 0, 0x7f), true},
		{"u16le(payload, 0) == 1200", rec(1, 0, 0xB0, 0x04), true},
		{"u32le(payload, 0) == 65536", rec(1, 0, 0, 0, 1, 0), true},
		{"hex(payload) == 'beef'", rec(1, 0, 0xBE, 0xEF), true},
		{"xxhash(payload) != ''", rec(1, 0, 1), true},
		// out of range reads do not match
		{"u32le(payload, 0) > 0", rec(1, 0, 1, 2), false},
		{"u8(payload, -1) == 0", rec(1, 0, 1), false},
	}
	for _, tt := range tests {
		f, err := Compile(tt.expr)
		if err != nil {
			t.Fatalf("Compile(%q) error: %v", tt.expr, err)
		}
		if got := f.Match(7, tt.rec); got != tt.want {
			t.Errorf("%q on %+v = %v, want %v", tt.expr, tt.rec, got, tt.want)
		}
	}
}

func TestFilter_EvalError(t *testing.T) {
	f := MustCompile("u8(payload, 10) == 1")
	_, err := f.Eval(1, rec(1, 0, 1))
	if !errors.Is(err, ErrEval) {
		t.Fatalf("Eval error = %v, want ErrEval", err)
	}
	if f.String() != "u8(payload, 10) == 1" {
		t.Errorf("String() = %q", f.String())
	}
}

func TestFilter_Concurrent(t *testing.T) {
	f := MustCompile("index == u8(payload, 0)")
	done := make(chan bool)
	for g := 0; g < 4; g++ {
		go func() {
			ok := true
			for i := 0; i < 200; i++ {
				if !f.Match(1, rec(1, i, byte(i))) {
					ok = false
				}
			}
			done <- ok
		}()
	}
	for g := 0; g < 4; g++ {
		if !<-done {
			t.Error("concurrent Match returned false")
		}
	}
}

type sliceSource struct {
	info flashlog.SessionInfo
	recs []flashlog.Record
	errs map[int]error
	pos  int
}

func (s *sliceSource) Session() flashlog.SessionInfo { return s.info }

func (s *sliceSource) Next() (flashlog.Record, error) {
	if s.pos >= len(s.recs) {
		return flashlog.Record{}, flashlog.ErrEndOfSession
	}
	i := s.pos
	s.pos++
	if err, ok := s.errs[i]; ok {
		return flashlog.Record{}, err
	}
	return s.recs[i], nil
}

func TestRun(t *testing.T) {
	src := &sliceSource{info: flashlog.SessionInfo{Number: 2}}
	for i := 0; i < 10; i++ {
		src.recs = append(src.recs, rec(flashlog.Tag(i%3), i))
	}

	var got []int
	res, err := Run(src, MustCompile("tag == 1 && session == 2"), false, func(r flashlog.Record) error {
		got = append(got, r.Index)
		return nil
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if fmt.Sprint(got) != "[1 4 7]" {
		t.Errorf("matched %v", got)
	}
	if res.Read != 10 || res.Matched != 3 || res.Corrupt != 0 {
		t.Errorf("result %+v", res)
	}
}

func TestRun_Corrupt(t *testing.T) {
	bad := fmt.Errorf("%w: page 4 offset 9", flashlog.ErrCorruptRecord)
	newSrc := func() *sliceSource {
		src := &sliceSource{errs: map[int]error{2: bad}}
		for i := 0; i < 5; i++ {
			src.recs = append(src.recs, rec(1, i))
		}
		return src
	}
	count := func(flashlog.Record) error { return nil }

	res, err := Run(newSrc(), nil, false, count)
	if !errors.Is(err, flashlog.ErrCorruptRecord) {
		t.Fatalf("Run error = %v, want ErrCorruptRecord", err)
	}
	if res.Read != 2 || res.Corrupt != 1 {
		t.Errorf("stop: result %+v", res)
	}

	res, err = Run(newSrc(), nil, true, count)
	if err != nil {
		t.Fatalf("skip: Run error: %v", err)
	}
	if res.Read != 4 || res.Corrupt != 1 {
		t.Errorf("skip: result %+v", res)
	}
}

func TestRun_StopsOnStickySource(t *testing.T) {
	bad := fmt.Errorf("%w: page 4 offset 9", flashlog.ErrCorruptRecord)
	src := &stickySource{err: bad}
	res, err := Run(src, nil, true, func(flashlog.Record) error { return nil })
	if !errors.Is(err, flashlog.ErrCorruptRecord) {
		t.Fatalf("Run error = %v", err)
	}
	if res.Corrupt != 1 {
		t.Errorf("result %+v", res)
	}
}

type stickySource struct{ err error }

func (s *stickySource) Session() flashlog.SessionInfo  { return flashlog.SessionInfo{} }
func (s *stickySource) Next() (flashlog.Record, error) { return flashlog.Record{}, s.err }

func TestRun_CallbackError(t *testing.T) {
	src := &sliceSource{recs: []flashlog.Record{rec(1, 0), rec(1, 1)}}
	stop := errors.New("stop")
	res, err := Run(src, nil, false, func(flashlog.Record) error { return stop })
	if !errors.Is(err, stop) {
		t.Fatalf("Run error = %v", err)
	}
	if res.Matched != 1 {
		t.Errorf("result %+v", res)
	}
}

func TestRun_Recorder(t *testing.T) {
	em, err := flash.NewEmulator(flash.DefaultEmulatorConfig())
	if err != nil {
		t.Fatal(err)
	}
	r, err := flashlog.Open(em,
		flashlog.WithGeometry(em.Geometry()),
		flashlog.WithPollPolicy(flash.PollPolicy{MaxPolls: 32, Sleep: func(time.Duration) {}}),
		flashlog.WithEraseAheadPolicy(flashlog.EraseAheadInline),
		flashlog.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	n, err := r.StartSession()
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 40; i++ {
		if err := r.Append(flashlog.Tag(1+i%2), []byte{byte(i), 0, 0, 0}); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.EndSession(); err != nil {
		t.Fatal(err)
	}

	cur, err := r.OpenSession(n)
	if err != nil {
		t.Fatal(err)
	}
	defer cur.Close()

	var sum int
	res, err := Run(cur, MustCompile("tag == 2 && u8(payload, 0) >= 30"), false, func(rec flashlog.Record) error {
		sum += int(rec.Payload[0])
		return nil
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Read != 40 || res.Matched != 5 {
		t.Errorf("result %+v", res)
	}
	if sum != 31+33+35+37+39 {
		t.Errorf("sum = %d", sum)
	}
}
