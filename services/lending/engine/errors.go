package engine

import "errors"

var (
	ErrNotFound      = errors.New("lending: not found")
	ErrInvalidInput  = errors.New("lending: invalid input")
	ErrUnauthorized  = errors.New("lending: unauthorized")
	ErrQuotaExceeded = errors.New("lending: quota exceeded")
	ErrUnavailable   = errors.New("lending: unavailable")
)
