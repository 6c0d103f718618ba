package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/donniecs/SunSCORM/internal/progress"
)

type recordingEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (r *recordingEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.tasks = append(r.tasks, task)
	return &asynq.TaskInfo{ID: "1", Type: task.Type()}, nil
}

func TestEnqueueMirrorRoundTrip(t *testing.T) {
	q := &recordingEnqueuer{}
	c := NewClient(q)
	in := MirrorPayload{PackageID: "p1", StoragePath: "/data/ab/abc.zip", Checksum: "abc", FileName: "course.zip"}

	require.NoError(t, c.EnqueueMirror(context.Background(), in))
	require.Len(t, q.tasks, 1)
	assert.Equal(t, MirrorPackageTask, q.tasks[0].Type())

	out, err := ParseMirrorTask(q.tasks[0])
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, "packages/p1/abc.zip", out.ObjectKey())
}

func TestParseMirrorTaskRejectsIncompletePayload(t *testing.T) {
	_, err := ParseMirrorTask(asynq.NewTask(MirrorPackageTask, []byte(`{"package_id":"p1"}`)))
	assert.Error(t, err)

	_, err = ParseMirrorTask(asynq.NewTask(MirrorPackageTask, []byte(`not json`)))
	assert.Error(t, err)
}

func TestRecordValidatesBeforeEnqueue(t *testing.T) {
	q := &recordingEnqueuer{}
	c := NewClient(q)

	err := c.Record(context.Background(), progress.Event{Verb: "completed"})
	require.ErrorIs(t, err, progress.ErrInvalidEvent)
	assert.Empty(t, q.tasks)

	ev := progress.Event{
		UserToken: "ut", GrantID: "g", Verb: "completed", ObjectID: "course",
		Result:    map[string]any{"completion": true},
		Timestamp: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, c.Record(context.Background(), ev))
	require.Len(t, q.tasks, 1)
	got, err := ParseStatementTask(q.tasks[0])
	require.NoError(t, err)
	assert.Equal(t, ev.UserToken, got.UserToken)
	assert.Equal(t, ev.Timestamp, got.Timestamp)
	assert.Equal(t, true, got.Result["completion"])
}

func TestEnqueueErrorsAreWrapped(t *testing.T) {
	boom := errors.New("redis down")
	c := NewClient(&recordingEnqueuer{err: boom})
	err := c.EnqueueMirror(context.Background(), MirrorPayload{PackageID: "p", StoragePath: "x"})
	assert.ErrorIs(t, err, boom)
}
