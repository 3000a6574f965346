package model

import (
	"encoding/json"
	"time"
)

// RetryAttempt is one failed persistence try, kept for DLQ forensics.
type RetryAttempt struct {
	At    time.Time `json:"at"`
	Error string    `json:"error"`
}

// DLQRecord wraps a message the offline worker could not persist. The
// original payload rides along untouched so the record can be replayed once
// the cause is fixed.
type DLQRecord struct {
	Payload      json.RawMessage `json:"payload"`
	Error        string          `json:"error"`
	RetryHistory []RetryAttempt  `json:"retry_history,omitempty"`
	FailedAt     time.Time       `json:"failed_at"`
}

func (r *DLQRecord) Encode() ([]byte, error) {
	return json.Marshal(r)
}

func DecodeDLQRecord(data []byte) (*DLQRecord, error) {
	rec := new(DLQRecord)
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, err
	}
	return rec, nil
}
