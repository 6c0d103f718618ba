// Package queue defines the background tasks exchanged between the API
// server and the worker over asynq.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/donniecs/SunSCORM/internal/progress"
)

const (
	// MirrorPackageTask copies a stored archive to object storage.
	MirrorPackageTask = "package:mirror"
	// RecordStatementTask persists a learner progress event.
	RecordStatementTask = "statement:record"
)

// MirrorPayload tells the worker which local blob to upload.
type MirrorPayload struct {
	PackageID   string `json:"package_id"`
	StoragePath string `json:"storage_path"`
	Checksum    string `json:"checksum"`
	FileName    string `json:"file_name"`
}

// ObjectKey is where the archive lands in the bucket.
func (p MirrorPayload) ObjectKey() string {
	return ObjectKey(p.PackageID, p.Checksum)
}

// ObjectKey names a package archive in object storage.
func ObjectKey(packageID, checksum string) string {
	return fmt.Sprintf("packages/%s/%s.zip", packageID, checksum)
}

// NewMirrorTask builds a mirror task.
func NewMirrorTask(p MirrorPayload) (*asynq.Task, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(MirrorPackageTask, data, asynq.MaxRetry(5)), nil
}

// ParseMirrorTask decodes a mirror task payload.
func ParseMirrorTask(t *asynq.Task) (MirrorPayload, error) {
	var p MirrorPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	if p.PackageID == "" || p.StoragePath == "" {
		return p, fmt.Errorf("decode payload: missing package id or storage path")
	}
	return p, nil
}

// NewStatementTask builds a statement task.
func NewStatementTask(ev progress.Event) (*asynq.Task, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(RecordStatementTask, data, asynq.MaxRetry(3)), nil
}

// ParseStatementTask decodes a statement task payload.
func ParseStatementTask(t *asynq.Task) (progress.Event, error) {
	var ev progress.Event
	if err := json.Unmarshal(t.Payload(), &ev); err != nil {
		return ev, fmt.Errorf("decode payload: %w", err)
	}
	return ev, nil
}

// Enqueuer is the part of *asynq.Client the Client uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Client enqueues SunSCORM tasks.
type Client struct {
	q Enqueuer
}

// NewClient wraps an asynq client.
func NewClient(q Enqueuer) *Client {
	return &Client{q: q}
}

// EnqueueMirror schedules an object-storage copy of a stored archive.
func (c *Client) EnqueueMirror(ctx context.Context, p MirrorPayload) error {
	task, err := NewMirrorTask(p)
	if err != nil {
		return err
	}
	if _, err := c.q.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("enqueue mirror task: %w", err)
	}
	return nil
}

// Record implements progress.Sink by deferring the write to the worker.
// Events are checked up front so malformed ones fail the request.
func (c *Client) Record(ctx context.Context, ev progress.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	task, err := NewStatementTask(ev)
	if err != nil {
		return err
	}
	if _, err := c.q.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("enqueue statement task: %w", err)
	}
	return nil
}

// RedisOpt builds the asynq connection options.
func RedisOpt(addr, password string, db int) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: addr, Password: password, DB: db}
}
