package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string used to name workers and their
// working directories.
func NewID() string {
	return ulid.Make().String()
}
