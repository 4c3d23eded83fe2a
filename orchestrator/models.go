package orchestrator

// ReserveRequest is the body of POST /api/v1/identifiers/reserve.
type ReserveRequest struct {
	Namespace   int    `json:"namespace"`
	PartitionID string `json:"partition_id"`
	Quantity    int    `json:"quantity"`
}

// ReserveResponse carries identifiers in the order they were dispensed.
type ReserveResponse struct {
	RequestID   string  `json:"request_id"`
	Identifiers []int64 `json:"identifiers"`
}

// StatusResponse reports the remote allocator and cache overview.
type StatusResponse struct {
	Running              bool   `json:"running"`
	Version              string `json:"version"`
	ReservationAvailable bool   `json:"reservation_available"`
	Streams              int    `json:"streams"`
}

// CacheStats describes one stream cache.
type CacheStats struct {
	Stream      string  `json:"stream"`
	Namespace   int     `json:"namespace"`
	PartitionID string  `json:"partition_id"`
	Size        int     `json:"size"`
	Capacity    int     `json:"capacity"`
	Threshold   float64 `json:"threshold"`
}
