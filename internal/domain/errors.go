package domain

import "errors"

// ErrNotFound marks a missing record; the store layer maps driver-level
// no-rows results onto it.
var ErrNotFound = errors.New("domain: not found") //nolint:gochecknoglobals // sentinel error
