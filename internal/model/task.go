// Package model contains the task types shared across packages.
package model

import (
	"encoding/json"
	"time"
)

// TaskStatus describes where an upload sits in its lifecycle.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusUploading  TaskStatus = "uploading"
	StatusFinalizing TaskStatus = "finalizing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether no further automatic transition can occur.
// A failed task is terminal for scheduling purposes; RetryNow may still
// re-enter it manually.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether the task currently occupies an executor slot.
func (s TaskStatus) Active() bool {
	return s == StatusUploading || s == StatusFinalizing
}

// UploadTask is one queued upload-and-register unit of work. Metadata is an
// opaque blob passed through unmodified to the finalize call; the queue never
// interprets it.
type UploadTask struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"ownerId"`
	SourceRef   string          `json:"sourceRef"`
	ContentType string          `json:"contentType,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Status      TaskStatus      `json:"status"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"maxAttempts"`
	Progress    float64         `json:"progress"`
	RecordID    string          `json:"recordId,omitempty"`
	ObjectKey   string          `json:"objectKey,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
	// NotBefore gates dispatch while a retry backoff delay is pending.
	NotBefore time.Time `json:"notBefore,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a copy safe to hand to callers outside the manager's lock.
func (t *UploadTask) Clone() *UploadTask {
	cp := *t
	if t.Metadata != nil {
		cp.Metadata = append(json.RawMessage(nil), t.Metadata...)
	}
	return &cp
}
