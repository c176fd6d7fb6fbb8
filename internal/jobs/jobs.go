// Package jobs defines the hand-off to the server-side media processing
// worker. Only the client side lives here; the worker consuming these tasks
// is a separate deployment.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// ProcessMediaTask is scheduled each time an upload is registered.
	ProcessMediaTask = "media:process"
)

// ProcessPayload is serialized into the task payload so the processing
// worker knows which object to pick up. Metadata passes through unmodified.
type ProcessPayload struct {
	RecordID  string          `json:"record_id"`
	OwnerID   string          `json:"owner_id"`
	ObjectKey string          `json:"object_key"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// EnqueueProcessMedia enqueues a processing job for a registered upload.
func EnqueueProcessMedia(ctx context.Context, client *asynq.Client, payload ProcessPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(ProcessMediaTask, data)
	if _, err := client.EnqueueContext(ctx, task, asynq.MaxRetry(5)); err != nil {
		return fmt.Errorf("enqueue process task: %w", err)
	}
	return nil
}
