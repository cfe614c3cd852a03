package broker

import "errors"

var (
	ErrMissingCredentials = errors.New("missing broker credentials")
	ErrNoPrice            = errors.New("no market price for symbol")
	ErrInvalidOrder       = errors.New("invalid order")
)
