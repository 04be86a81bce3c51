package txengine

import "errors"

var (
	ErrInvalidParams  = errors.New("invalid transaction params")
	ErrUnknownNetwork = errors.New("unknown network")
	ErrNotFound       = errors.New("transaction not found")
	ErrStorage        = errors.New("transaction storage failure")
	ErrUserRejected   = errors.New("user rejected the request")
)
