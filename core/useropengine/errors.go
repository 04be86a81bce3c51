package useropengine

import "errors"

var (
	ErrUnknownNetwork  = errors.New("unknown network")
	ErrNoSmartAccount  = errors.New("missing smart account")
	ErrNoBundler       = errors.New("smart account did not name a bundler")
	ErrInvalidSkeleton = errors.New("invalid user operation skeleton")
	ErrInvalidPatch    = errors.New("invalid user operation patch")
	ErrReverted        = errors.New("user operation reverted")
)
