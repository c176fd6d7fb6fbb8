// Package transfer performs one attempt of the two-phase upload for a single
// task: stream the source file to object storage, then register the uploaded
// object through the finalize call. The queue manager owns the surrounding
// state machine; this package only reports typed errors and progress.
package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"path"
	"time"

	"github.com/forkful/mediaqueue/internal/model"
)

// rawPhaseCeiling is the progress fraction the raw transfer tops out at; the
// remaining span is claimed only once the finalize call confirms success.
const rawPhaseCeiling = 0.8

// FileInfo is the subset of stat data validation needs.
type FileInfo struct {
	Size   int64
	Exists bool
}

// FileSource resolves a task's opaque sourceRef into readable bytes.
type FileSource interface {
	Stat(sourceRef string) (FileInfo, error)
	Open(sourceRef string) (io.ReadCloser, error)
}

// ObjectStore streams a payload into the remote media bucket.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
}

// Finalizer turns an uploaded raw object into a registered application
// record. The metadata blob passes through unmodified.
type Finalizer interface {
	RegisterMedia(ctx context.Context, ownerID, objectKey, contentType string, metadata json.RawMessage) (string, error)
}

// ProgressFunc receives throttle-eligible progress reports. The fraction is
// monotonically non-decreasing within one Execute call and reaches exactly
// 1.0 only after the finalize call has succeeded.
type ProgressFunc func(stage model.TaskStatus, fraction float64)

// Result carries the references produced by a successful attempt.
type Result struct {
	RecordID  string
	ObjectKey string
}

// Options bound a single attempt.
type Options struct {
	MaxFileSize     int64
	UploadTimeout   time.Duration
	FinalizeTimeout time.Duration
}

// Executor runs upload attempts. It is stateless and safe for concurrent use
// across tasks and owners.
type Executor struct {
	files     FileSource
	objects   ObjectStore
	finalizer Finalizer
	opts      Options
}

func NewExecutor(files FileSource, objects ObjectStore, finalizer Finalizer, opts Options) *Executor {
	return &Executor{files: files, objects: objects, finalizer: finalizer, opts: opts}
}

// Execute performs one attempt for the task. ctx carries the cancellation
// signal; the raw transfer aborts at the next chunk boundary after
// cancellation, while an in-flight finalize call is allowed to settle first.
func (e *Executor) Execute(ctx context.Context, t *model.UploadTask, onProgress ProgressFunc) (*Result, error) {
	size, err := e.validate(t)
	if err != nil {
		return nil, err
	}
	report := func(stage model.TaskStatus, frac float64) {
		if onProgress != nil {
			onProgress(stage, frac)
		}
	}
	report(model.StatusUploading, 0)

	objectKey := fmt.Sprintf("uploads/%s/%s/%s", t.OwnerID, t.ID, path.Base(t.SourceRef))
	if err := e.putObject(ctx, t, objectKey, size, report); err != nil {
		return nil, err
	}
	report(model.StatusFinalizing, rawPhaseCeiling)

	recordID, err := e.finalize(ctx, t, objectKey)
	if err != nil {
		return nil, err
	}
	// Terminal progress is emitted here and nowhere else: 1.0 means the
	// record exists remotely, not merely that all bytes were sent.
	report(model.StatusFinalizing, 1)
	return &Result{RecordID: recordID, ObjectKey: objectKey}, nil
}

func (e *Executor) validate(t *model.UploadTask) (int64, error) {
	info, err := e.files.Stat(t.SourceRef)
	if err != nil {
		return 0, &ValidationError{Reason: fmt.Sprintf("source unreadable: %v", err)}
	}
	if !info.Exists {
		return 0, &ValidationError{Reason: "source file does not exist"}
	}
	if info.Size == 0 {
		return 0, &ValidationError{Reason: "source file is empty"}
	}
	if e.opts.MaxFileSize > 0 && info.Size > e.opts.MaxFileSize {
		return 0, &ValidationError{Reason: fmt.Sprintf("source file size %d exceeds limit of %d bytes", info.Size, e.opts.MaxFileSize)}
	}
	return info.Size, nil
}

func (e *Executor) putObject(ctx context.Context, t *model.UploadTask, objectKey string, size int64, report ProgressFunc) error {
	src, err := e.files.Open(t.SourceRef)
	if err != nil {
		return &ValidationError{Reason: fmt.Sprintf("open source: %v", err)}
	}
	defer src.Close()

	transferCtx := ctx
	var cancel context.CancelFunc
	if e.opts.UploadTimeout > 0 {
		transferCtx, cancel = context.WithTimeout(ctx, e.opts.UploadTimeout)
		defer cancel()
	}
	reader := newProgressReader(transferCtx, src, size, rawPhaseCeiling, func(frac float64) {
		report(model.StatusUploading, frac)
	})
	if err := e.objects.Put(transferCtx, objectKey, reader, size, t.ContentType); err != nil {
		if ctx.Err() == context.Canceled {
			return ErrCancelled
		}
		if transferCtx.Err() == context.DeadlineExceeded {
			return &UploadError{Phase: "transfer", Err: fmt.Errorf("timed out after %s", e.opts.UploadTimeout)}
		}
		return &UploadError{Phase: "transfer", Err: err}
	}
	return nil
}

// finalize runs detached from task cancellation: once the register call is
// on the wire we wait for its response to avoid ambiguous remote state. A
// cancellation requested meanwhile is applied only if the call failed.
func (e *Executor) finalize(ctx context.Context, t *model.UploadTask, objectKey string) (string, error) {
	finalizeCtx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if e.opts.FinalizeTimeout > 0 {
		finalizeCtx, cancel = context.WithTimeout(finalizeCtx, e.opts.FinalizeTimeout)
		defer cancel()
	}
	recordID, err := e.finalizer.RegisterMedia(finalizeCtx, t.OwnerID, objectKey, t.ContentType, t.Metadata)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return "", ErrCancelled
		}
		return "", &UploadError{Phase: "finalize", Err: err}
	}
	if ctx.Err() == context.Canceled {
		// The record already exists; completing wins over the queued cancel.
		log.Printf("task %s: cancel requested during finalize, record %s already registered", t.ID, recordID)
	}
	return recordID, nil
}
