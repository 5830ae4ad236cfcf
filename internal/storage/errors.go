package storage

import "errors"

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when an update loses to a state guard, e.g.
// resolving an approval that is no longer pending or touching a terminal
// instance.
var ErrConflict = errors.New("storage: conflict")
