package cis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Bulk job status codes. Anything below StatusSuccess is still running and
// anything from StatusFailed up has failed.
const (
	StatusSuccess = 2
	StatusFailed  = 3
)

const tokenParam = "token"

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

type authenticateRequest struct {
	Token string `json:"token"`
}

// GenerateRequest is the body of a bulk reservation job.
type GenerateRequest struct {
	Namespace   int    `json:"namespace"`
	PartitionID string `json:"partitionId"`
	Quantity    int    `json:"quantity"`
	Software    string `json:"software"`
}

// BulkJobResponse is returned when a bulk job is accepted.
type BulkJobResponse struct {
	ID Text `json:"id"`
}

// JobStatusResponse reports the progress of a bulk job.
type JobStatusResponse struct {
	Status *Text  `json:"status"`
	Log    string `json:"log,omitempty"`
}

// Record is one identifier minted by a bulk job.
type Record struct {
	SCTID  Text   `json:"sctid"`
	Status string `json:"status,omitempty"`
}

// Text decodes from either a JSON string or a JSON number. CIS deployments
// differ in how they encode job ids, status codes and identifiers.
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("cis: expected string or number, got %s", data)
	}
	*t = Text(n.String())
	return nil
}

func (t Text) String() string { return string(t) }

// Int parses the value as a base-10 integer.
func (t Text) Int() (int64, error) {
	return strconv.ParseInt(string(t), 10, 64)
}
