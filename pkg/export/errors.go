package export

import "errors"

var (
	ErrBadBundle      = errors.New("export: not a session bundle")
	ErrDigestMismatch = errors.New("export: bundle digest mismatch")
	ErrNotFound       = errors.New("export: not in catalog")
)
