package vaultkv

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

// UUID is a thin wrapper over github.com/google/uuid.UUID, keeping vaultkv's
// public API decoupled from the concrete UUID library in use.
type UUID uuid.UUID

// NilUUID is the zero-value UUID.
var NilUUID UUID

// NewUUID returns a new randomly generated UUID. Generation is a must for
// this package (every shard, lease and transaction needs a fresh ID), so
// transient failures are retried a handful of times with a short sleep
// before giving up.
func NewUUID() UUID {
	var err error
	for i := 0; i < 10; i++ {
		var id uuid.UUID
		id, err = uuid.NewRandom()
		if err == nil {
			return UUID(id)
		}
		time.Sleep(time.Millisecond)
	}
	panic(err)
}

// ParseUUID parses a canonical UUID string.
func ParseUUID(s string) (UUID, error) {
	u, err := uuid.Parse(s)
	return UUID(u), err
}

// IsNil reports whether id is the zero-value UUID.
func (id UUID) IsNil() bool {
	return bytes.Equal(id[:], NilUUID[:])
}

// String returns the canonical string representation of id.
func (id UUID) String() string {
	return uuid.UUID(id).String()
}
