package txdispatch

import "errors"

var (
	ErrInvalidRequest    = errors.New("invalid submission request")
	ErrMalformedSkeleton = errors.New("malformed user operation skeleton")
)
