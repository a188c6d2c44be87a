// Package replay filters replayed records with CEL expressions.
//
// A filter sees one record at a time through these variables:
//
//	tag      int    producer tag
//	size     int    payload length
//	session  int    session number
//	index    int    position within the session, from zero
//	page     int    page the record was read from
//	payload  bytes
//
// plus the functions listed on PayloadFuncs, e.g.
//
//	tag == 3 && size >= 8 && u16le(payload, 0) > 1200
package replay

import (
	"errors"
	"fmt"
	"strings"

	"github.com/unijord/flashlog"
)

// Filter is a compiled record predicate. A nil or empty Filter matches
// every record. It is safe for concurrent use.
type Filter struct {
	expr *CompiledExpr
	pool *activationPool
}

// Compile parses and type checks expr. Expressions that do not evaluate to
// bool are rejected.
func Compile(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return &Filter{}, nil
	}
	env, err := NewRecordEnv()
	if err != nil {
		return nil, fmt.Errorf("replay env: %w", err)
	}
	compiled, err := NewCompiler(env).CompileBool(expr)
	if err != nil {
		return nil, err
	}
	return &Filter{expr: compiled, pool: newActivationPool()}, nil
}

// MustCompile is Compile for expressions known to be valid.
func MustCompile(expr string) *Filter {
	f, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return f
}

func (f *Filter) String() string {
	if f == nil || f.expr == nil {
		return ""
	}
	return f.expr.Source()
}

// Match reports whether rec, read from session, satisfies the filter. A
// record the expression cannot be evaluated on does not match.
func (f *Filter) Match(session uint32, rec flashlog.Record) bool {
	ok, _ := f.Eval(session, rec)
	return ok
}

// Eval is Match with the evaluation error, wrapped in ErrEval.
func (f *Filter) Eval(session uint32, rec flashlog.Record) (bool, error) {
	if f == nil || f.expr == nil {
		return true, nil
	}
	a := f.pool.get()
	defer f.pool.put(a)
	a.tag = int64(rec.Tag)
	a.size = int64(len(rec.Payload))
	a.session = int64(session)
	a.index = int64(rec.Index)
	a.page = int64(rec.Page)
	a.payload = rec.Payload

	out, _, err := f.expr.program.Eval(a)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrEval, err)
	}
	return asBool(out.Value())
}

// Source yields records of a session in order, typically a *flashlog.Cursor.
type Source interface {
	Session() flashlog.SessionInfo
	Next() (flashlog.Record, error)
}

// Run feeds every record of src that matches f to fn until the session
// ends. A corrupt record ends the run unless skipCorrupt is set, in which
// case Run goes on for as long as the source moves past it. A cursor
// opened without WithSkipCorrupt stays stopped and ends the run anyway.
func Run(src Source, f *Filter, skipCorrupt bool, fn func(flashlog.Record) error) (Result, error) {
	var (
		res  Result
		prev error
	)
	session := src.Session().Number
	for {
		rec, err := src.Next()
		switch {
		case errors.Is(err, flashlog.ErrEndOfSession):
			return res, nil
		case errors.Is(err, flashlog.ErrCorruptRecord):
			if err == prev {
				return res, err
			}
			res.Corrupt++
			if !skipCorrupt {
				return res, err
			}
			prev = err
			continue
		case err != nil:
			return res, err
		}
		prev = nil
		res.Read++
		if !f.Match(session, rec) {
			continue
		}
		res.Matched++
		if err := fn(rec); err != nil {
			return res, err
		}
	}
}

// Result counts what a Run saw.
type Result struct {
	Read    int
	Matched int
	Corrupt int
}
