package recipes

import (
	"context"
	"encoding/json"
	"log"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/forkful/mediaqueue/internal/jobs"
)

// Finalizer implements transfer.Finalizer: it durably registers the uploaded
// object and hands the record off to the processing worker.
type Finalizer struct {
	repo  *Repository
	queue *asynq.Client
}

func NewFinalizer(repo *Repository, queue *asynq.Client) *Finalizer {
	return &Finalizer{repo: repo, queue: queue}
}

// RegisterMedia inserts the media record and enqueues the processing job.
// A failed hand-off does not fail the registration: the record is already
// durable and reconciliation belongs to the processing side.
func (f *Finalizer) RegisterMedia(ctx context.Context, ownerID, objectKey, contentType string, metadata json.RawMessage) (string, error) {
	rec := &MediaRecord{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		ObjectKey:   objectKey,
		ContentType: contentType,
		Metadata:    metadata,
	}
	if err := f.repo.Create(ctx, rec); err != nil {
		return "", err
	}
	if f.queue != nil {
		payload := jobs.ProcessPayload{
			RecordID:  rec.ID,
			OwnerID:   ownerID,
			ObjectKey: objectKey,
			Metadata:  metadata,
		}
		if err := jobs.EnqueueProcessMedia(ctx, f.queue, payload); err != nil {
			log.Printf("record %s registered but processing hand-off failed: %v", rec.ID, err)
		}
	}
	return rec.ID, nil
}
