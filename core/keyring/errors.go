package keyring

import "errors"

var (
	ErrInvalidKey     = errors.New("invalid private key")
	ErrUnknownAccount = errors.New("unknown account")
	ErrUnknownNetwork = errors.New("unknown network")
	ErrInvalidCall    = errors.New("invalid call")
)
