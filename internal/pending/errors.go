package pending

import "errors"

var (
	ErrDuplicateKey = errors.New("pending: duplicate correlation key")
	ErrTimeout      = errors.New("pending: call timed out")
	ErrCancelled    = errors.New("pending: call cancelled")
	ErrBootstrap    = errors.New("pending: response subscription bootstrap failed")
	ErrNilPromise   = errors.New("pending: nil promise")
	ErrNotSettled   = errors.New("pending: promise not settled")
)
