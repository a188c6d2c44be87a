package replay

import (
	"sync"

	"github.com/google/cel-go/interpreter"
)

// recordActivation binds the record variables without building a map per
// evaluation.
type recordActivation struct {
	tag     int64
	size    int64
	session int64
	index   int64
	page    int64
	payload []byte
}

func (a *recordActivation) ResolveName(name string) (any, bool) {
	switch name {
	case VarTag:
		return a.tag, true
	case VarSize:
		return a.size, true
	case VarSession:
		return a.session, true
	case VarIndex:
		return a.index, true
	case VarPage:
		return a.page, true
	case VarPayload:
		return a.payload, true
	default:
		return nil, false
	}
}

func (a *recordActivation) Parent() interpreter.Activation {
	return nil
}

var _ interpreter.Activation = (*recordActivation)(nil)

type activationPool struct {
	pool sync.Pool
}

func newActivationPool() *activationPool {
	return &activationPool{
		pool: sync.Pool{
			New: func() any {
				return &recordActivation{}
			},
		},
	}
}

func (p *activationPool) get() *recordActivation {
	return p.pool.Get().(*recordActivation)
}

func (p *activationPool) put(a *recordActivation) {
	// do not pin the last payload in the pool
	a.payload = nil
	p.pool.Put(a)
}
