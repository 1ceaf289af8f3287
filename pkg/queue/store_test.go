package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_EnqueueAndGet(t *testing.T) {
	s := newTestStore(t)

	id, err := s.Enqueue(JobConvert, []byte(`{"a":1}`), 0, 3)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	job, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, JobConvert, job.Type)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, 3, job.MaxRetries)
}

func TestStore_ClaimMarksJobRunning(t *testing.T) {
	s := newTestStore(t)
	id, err := s.Enqueue(JobConvert, []byte(`{}`), 0, 3)
	require.NoError(t, err)

	lease, ok, err := s.Claim(context.Background(), "worker-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, lease.Job.ID)
	assert.Equal(t, 1, lease.Job.Attempts)

	job, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, job.Status)
}

func TestStore_ClaimReturnsFalseWhenEmpty(t *testing.T) {
	s := newTestStore(t)

	lease, ok, err := s.Claim(context.Background(), "worker-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, lease)
}

func TestStore_ClaimDoesNotReturnSameJobTwice(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Enqueue(JobConvert, []byte(`{}`), 0, 3)
	require.NoError(t, err)

	_, ok, err := s.Claim(context.Background(), "worker-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = s.Claim(context.Background(), "worker-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_CompleteMarksDone(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Enqueue(JobConvert, []byte(`{}`), 0, 3)
	require.NoError(t, err)

	lease, _, err := s.Claim(context.Background(), "worker-1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.Complete(context.Background(), lease))

	job, err := s.Get(context.Background(), lease.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, job.Status)
}

func TestStore_FailRetriesWhenAttemptsRemain(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Enqueue(JobConvert, []byte(`{}`), 0, 3)
	require.NoError(t, err)

	lease, _, err := s.Claim(context.Background(), "worker-1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.Fail(context.Background(), lease, errors.New("boom"), true))

	job, err := s.Get(context.Background(), lease.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, "boom", job.LastError)
}

func TestStore_FailMarksPermanentWhenRetriesExhausted(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Enqueue(JobConvert, []byte(`{}`), 0, 1)
	require.NoError(t, err)

	lease, _, err := s.Claim(context.Background(), "worker-1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.Fail(context.Background(), lease, errors.New("boom"), true))

	job, err := s.Get(context.Background(), lease.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
}

func TestStore_FailMarksPermanentWhenNotRetriable(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Enqueue(JobConvert, []byte(`{}`), 0, 5)
	require.NoError(t, err)

	lease, _, err := s.Claim(context.Background(), "worker-1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.Fail(context.Background(), lease, errors.New("fatal"), false))

	job, err := s.Get(context.Background(), lease.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
}

func TestStore_CancelMarksCancelled(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Enqueue(JobConvert, []byte(`{}`), 0, 3)
	require.NoError(t, err)

	lease, _, err := s.Claim(context.Background(), "worker-1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.Cancel(context.Background(), lease, errors.New("killed")))

	job, err := s.Get(context.Background(), lease.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, job.Status)
	assert.Equal(t, "killed", job.LastError)
}

func TestStore_DepthCountsPending(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Enqueue(JobConvert, []byte(`{}`), 0, 3)
	require.NoError(t, err)
	_, err = s.Enqueue(JobCalibrate, []byte(`{}`), 0, 3)
	require.NoError(t, err)

	n, err := s.Depth()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, _, err = s.Claim(context.Background(), "worker-1", time.Minute)
	require.NoError(t, err)

	n, err = s.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_ListFiltersByStatus(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Enqueue(JobConvert, []byte(`{}`), 0, 3)
	require.NoError(t, err)
	_, err = s.Enqueue(JobCalibrate, []byte(`{}`), 0, 3)
	require.NoError(t, err)

	lease, _, err := s.Claim(context.Background(), "worker-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Complete(context.Background(), lease))

	pending, err := s.List(context.Background(), StatusPending, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	all, err := s.List(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStore_AppendLogAssignsDenseSeq(t *testing.T) {
	s := newTestStore(t)
	id, err := s.Enqueue(JobConvert, []byte(`{}`), 0, 3)
	require.NoError(t, err)

	c1, err := s.AppendLog(context.Background(), id, "line one")
	require.NoError(t, err)
	c2, err := s.AppendLog(context.Background(), id, "line two")
	require.NoError(t, err)

	assert.Equal(t, int64(1), c1.Seq)
	assert.Equal(t, int64(2), c2.Seq)

	logs, err := s.Logs(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "line one", logs[0].Bytes)
	assert.Equal(t, "line two", logs[1].Bytes)
}

func TestStore_ReclaimStaleResetsExpiredLease(t *testing.T) {
	s := newTestStore(t)
	id, err := s.Enqueue(JobConvert, []byte(`{}`), 0, 3)
	require.NoError(t, err)

	_, ok, err := s.Claim(context.Background(), "worker-1", -time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := s.ReclaimStale(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
}
