package cipher

import "errors"

var (
	// ErrHKDFFailure indicates HKDF key derivation failed.
	ErrHKDFFailure = errors.New("cipher: key derivation failed")
)
