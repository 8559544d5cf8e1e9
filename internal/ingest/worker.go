package ingest

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"docsearch/internal/errors"
)

// Worker runs the pipeline on a bounded queue of document IDs. Uploads
// enqueue and return immediately; a fixed number of goroutines drain the
// queue.
type Worker struct {
	pipeline *Pipeline
	jobs     chan string
	group    *errgroup.Group

	mu     sync.Mutex
	closed bool
}

// NewWorker starts workers goroutines draining a queue of queueSize slots.
// Jobs run under ctx; canceling it aborts in-flight processing.
func NewWorker(ctx context.Context, pipeline *Pipeline, workers, queueSize int) *Worker {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}

	w := &Worker{
		pipeline: pipeline,
		jobs:     make(chan string, queueSize),
		group:    &errgroup.Group{},
	}

	for i := 0; i < workers; i++ {
		w.group.Go(func() error {
			for documentID := range w.jobs {
				// Pipeline failures are already recorded on the document
				// row; a worker only logs and moves on.
				if err := w.pipeline.Process(ctx, documentID); err != nil {
					slog.Error("ingest_worker_error",
						slog.String("document_id", documentID),
						slog.String("error", err.Error()))
				}
			}
			return nil
		})
	}
	return w
}

// Enqueue submits a document for background processing without blocking.
// A full queue is reported as an external failure so the caller can surface
// back-pressure instead of hanging the upload request.
func (w *Worker) Enqueue(documentID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.New(errors.CodeInternal, errors.KindInternal,
			"ingest worker is shut down")
	}

	select {
	case w.jobs <- documentID:
		return nil
	default:
		return errors.New(errors.CodeExternalFailure, errors.KindExternal,
			"ingest queue is full")
	}
}

// Close stops accepting jobs and waits for in-flight processing to finish.
func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.jobs)
	w.mu.Unlock()

	return w.group.Wait()
}
