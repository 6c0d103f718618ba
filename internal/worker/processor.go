// Package worker handles background tasks enqueued by the API server.
package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/donniecs/SunSCORM/internal/progress"
	"github.com/donniecs/SunSCORM/internal/queue"
)

// ObjectStore is the part of s3storage.Storage the mirror task uses.
type ObjectStore interface {
	Exists(ctx context.Context, objectKey string) (bool, error)
	UploadArchive(ctx context.Context, objectKey, path, fileName string) error
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	objects ObjectStore
	sink    progress.Sink
	log     *slog.Logger
}

// NewProcessor constructs a worker processor. objects may be nil when no
// object storage is configured; mirror tasks are then skipped.
func NewProcessor(objects ObjectStore, sink progress.Sink, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{objects: objects, sink: sink, log: log}
}

// Handler registers the task handlers.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.MirrorPackageTask, p.handleMirror)
	mux.HandleFunc(queue.RecordStatementTask, p.handleStatement)
	return mux
}

func (p *Processor) handleMirror(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseMirrorTask(task)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if p.objects == nil {
		p.log.Warn("mirror skipped, no object storage", "package", payload.PackageID)
		return nil
	}
	key := payload.ObjectKey()
	exists, err := p.objects.Exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		p.log.Info("package already mirrored", "package", payload.PackageID, "key", key)
		return nil
	}
	if err := p.objects.UploadArchive(ctx, key, payload.StoragePath, payload.FileName); err != nil {
		p.log.Error("mirror failed", "package", payload.PackageID, "error", err)
		return err
	}
	p.log.Info("package mirrored", "package", payload.PackageID, "key", key)
	return nil
}

func (p *Processor) handleStatement(ctx context.Context, task *asynq.Task) error {
	ev, err := queue.ParseStatementTask(task)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if err := p.sink.Record(ctx, ev); err != nil {
		p.log.Error("record statement failed", "grant", ev.GrantID, "verb", ev.Verb, "error", err)
		return err
	}
	return nil
}
