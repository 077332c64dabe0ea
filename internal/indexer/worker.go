package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mmerah/ai-gamemaster-sub005/internal/storage"
)

// ReindexJobType is the queue entry administrative mutations enqueue after
// changing pack content.
const ReindexJobType = "reindex_pack"

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// Enqueuer is the job queue's write side. Implemented by storage.Store.
type Enqueuer interface {
	EnqueueJob(job storage.Job) error
}

// Worker processes reindex_pack jobs from the SQLite job queue.
type Worker struct {
	jobs    JobStore
	indexer *Indexer
	poll    time.Duration
	logger  *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(jobs JobStore, indexer *Indexer, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		jobs:    jobs,
		indexer: indexer,
		poll:    pollInterval,
		logger:  slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single reindex_pack job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.jobs.ClaimNextJob([]string{ReindexJobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.jobs.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.jobs.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

type reindexPayload struct {
	PackID string `json:"pack_id"`
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload reindexPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	var report Report
	var err error
	if payload.PackID == "" {
		report, err = w.indexer.ReindexAll(ctx)
	} else {
		report, err = w.indexer.Reindex(ctx, payload.PackID)
	}
	if err != nil {
		return err
	}

	w.logger.Info("reindex job finished",
		"job_id", job.ID,
		"packs", report.Packs,
		"written", report.DocumentsWritten,
		"failed", report.DocumentsFailed)
	return nil
}

// EnqueueReindex queues a background reindex of one pack, or of every pack
// when packID is empty. Returns the job id for status polling.
func EnqueueReindex(q Enqueuer, packID string) (string, error) {
	payload, err := json.Marshal(reindexPayload{PackID: packID})
	if err != nil {
		return "", err
	}
	id := uuid.New().String()
	if err := q.EnqueueJob(storage.Job{ID: id, Type: ReindexJobType, PayloadJSON: string(payload)}); err != nil {
		return "", fmt.Errorf("enqueueing reindex job: %w", err)
	}
	return id, nil
}
