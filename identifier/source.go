package identifier

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Source is the capability every identifier allocator provides.
//
// ReserveIDs returns exactly quantity freshly reserved identifiers or an error.
// A short list is never returned.
type Source interface {
	Status() Status
	IsReservationAvailable() bool
	ReserveIDs(ctx context.Context, namespace int, partitionID string, quantity int) ([]int64, error)
}

// StreamGate is implemented by sources that track availability per stream.
// A stream may be held back while the source as a whole stays available.
type StreamGate interface {
	IsStreamAvailable(namespace int, partitionID string) bool
}

// Status is a read-only health check result.
type Status struct {
	Running bool   `json:"running"`
	Version string `json:"version"`
}

// Key identifies one identifier stream.
type Key struct {
	Namespace   int
	PartitionID string
}

func (k Key) String() string {
	return strconv.Itoa(k.Namespace) + ":" + k.PartitionID
}

// ParseKey parses the "namespace:partitionId" form used in configuration.
func ParseKey(raw string) (Key, error) {
	ns, pid, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return Key{}, fmt.Errorf("stream key %q: expected namespace:partitionId", raw)
	}
	namespace, err := strconv.Atoi(strings.TrimSpace(ns))
	if err != nil {
		return Key{}, fmt.Errorf("stream key %q: invalid namespace: %w", raw, err)
	}
	if namespace < 0 {
		return Key{}, fmt.Errorf("stream key %q: namespace must not be negative", raw)
	}
	pid = strings.TrimSpace(pid)
	if pid == "" {
		return Key{}, fmt.Errorf("stream key %q: partitionId required", raw)
	}
	return Key{Namespace: namespace, PartitionID: pid}, nil
}

// Disabled is the source used when no remote allocator is configured.
type Disabled struct{}

func (Disabled) Status() Status {
	return Status{Running: false, Version: "CIS not configured"}
}

func (Disabled) IsReservationAvailable() bool { return false }

func (Disabled) ReserveIDs(ctx context.Context, namespace int, partitionID string, quantity int) ([]int64, error) {
	return nil, &Error{
		Kind:   KindUnavailable,
		Op:     "reserve",
		Stream: Key{Namespace: namespace, PartitionID: partitionID}.String(),
		Detail: "CIS client not available",
	}
}
