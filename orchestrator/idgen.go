package orchestrator

import (
	"github.com/google/uuid"
)

// IDGenerator produces correlation identifiers for reservations.
type IDGenerator interface {
	RequestID() string
}

// UUIDGenerator produces time-ordered UUIDv7 request identifiers.
type UUIDGenerator struct{}

func (UUIDGenerator) RequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
