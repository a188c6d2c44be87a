package replay

import (
	"github.com/google/cel-go/cel"
)

// Variables every filter can reference.
const (
	VarTag     = "tag"
	VarSize    = "size"
	VarSession = "session"
	VarIndex   = "index"
	VarPage    = "page"
	VarPayload = "payload"
)

type EnvBuilder struct {
	opts []cel.EnvOption
	err  error
}

func NewEnvBuilder() *EnvBuilder {
	return &EnvBuilder{}
}

func (b *EnvBuilder) WithVariable(name string, t *cel.Type) *EnvBuilder {
	if b.err != nil {
		return b
	}
	b.opts = append(b.opts, cel.Variable(name, t))
	return b
}

// WithRecord declares the variables bound from a replayed record.
func (b *EnvBuilder) WithRecord() *EnvBuilder {
	if b.err != nil {
		return b
	}
	b.opts = append(b.opts,
		cel.Variable(VarTag, cel.IntType),
		cel.Variable(VarSize, cel.IntType),
		cel.Variable(VarSession, cel.IntType),
		cel.Variable(VarIndex, cel.IntType),
		cel.Variable(VarPage, cel.IntType),
		cel.Variable(VarPayload, cel.BytesType),
	)
	return b
}

func (b *EnvBuilder) WithOption(opt cel.EnvOption) *EnvBuilder {
	if b.err != nil {
		return b
	}
	b.opts = append(b.opts, opt)
	return b
}

func (b *EnvBuilder) Build() (*cel.Env, error) {
	if b.err != nil {
		return nil, b.err
	}
	return cel.NewEnv(b.opts...)
}

// NewRecordEnv is the environment Compile uses: the record variables plus
// the payload functions.
func NewRecordEnv() (*cel.Env, error) {
	return NewEnvBuilder().
		WithRecord().
		WithOption(PayloadFuncs()).
		Build()
}
