package engine

import "errors"

var (
	ErrStopped  = errors.New("worker pool stopped")
	ErrStopping = errors.New("worker pool stopping")
)
