package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicate is returned when creating an entity whose identifier
// already exists.
var ErrDuplicate = errors.New("storage: duplicate id")
