package ledger

import "time"

// BulkJob is one CIS bulk reservation job as submitted by this process.
type BulkJob struct {
	JobID       string    `json:"job_id"`
	RequestID   string    `json:"request_id,omitempty"`
	Operation   string    `json:"operation"`
	Namespace   int       `json:"namespace"`
	PartitionID string    `json:"partition_id"`
	Quantity    int       `json:"quantity"`
	State       JobState  `json:"state"`
	Detail      string    `json:"detail,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
