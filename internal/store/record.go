package store

import (
	"errors"
	"time"
)

// Status is the lifecycle state of an upload record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// UploadRecord is the persisted view of one uploaded document.
// ResultLink is set only when the record enters StatusCompleted.
type UploadRecord struct {
	ID         string
	FileName   string
	UserID     string
	Status     Status
	ResultLink string
	CreatedAt  time.Time
}

var ErrNotFound = errors.New("upload record not found")
