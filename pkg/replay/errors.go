package replay

import "errors"

var (
	ErrCompile      = errors.New("replay: filter does not compile")
	ErrNotPredicate = errors.New("replay: filter is not a predicate")
	ErrEval         = errors.New("replay: filter evaluation failed")
)
