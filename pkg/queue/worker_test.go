package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/dsa110/contimg/pkg/registry"
)

func newTestWorkerPool(t *testing.T) (*WorkerPool, *Store, *Runner, *registry.Store) {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg, err := registry.NewStore(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	runner := NewRunner(store, NewLogBroker(), &fakeDispatcher{}, time.Second, 10, 50*time.Millisecond, arbor.NewLogger())
	pool := NewWorkerPool(store, runner, reg, 2, time.Minute, time.Minute, 50*time.Millisecond, arbor.NewLogger())
	return pool, store, runner, reg
}

func TestWorkerPool_ClaimAndRunCompletesJobAndStagesArtifacts(t *testing.T) {
	pool, store, runner, reg := newTestWorkerPool(t)
	runner.RegisterNative(JobConvert, func(ctx context.Context, job Job) JobOutcome {
		return JobOutcome{Succeeded: true, Artifacts: []string{"/out/result.ms"}}
	})

	id, err := store.Enqueue(JobConvert, []byte(`{}`), 0, 3)
	require.NoError(t, err)

	pool.claimAndRun(context.Background(), "worker-test")

	job, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, job.Status)

	artifacts, err := reg.List(context.Background(), registry.Filter{})
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "/out/result.ms", artifacts[0].Path)
}

func TestWorkerPool_ClaimAndRunRecordsFailure(t *testing.T) {
	pool, store, runner, _ := newTestWorkerPool(t)
	runner.RegisterNative(JobConvert, func(ctx context.Context, job Job) JobOutcome {
		return JobOutcome{Succeeded: false, Err: assertErr{}, Retriable: false}
	})

	id, err := store.Enqueue(JobConvert, []byte(`{}`), 0, 3)
	require.NoError(t, err)

	pool.claimAndRun(context.Background(), "worker-test")

	job, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, "native failure", job.LastError)
}

func TestWorkerPool_ClaimAndRunRecordsCancellation(t *testing.T) {
	pool, store, runner, _ := newTestWorkerPool(t)
	runner.RegisterNative(JobConvert, func(ctx context.Context, job Job) JobOutcome {
		return JobOutcome{Succeeded: false, Cancelled: true, Err: assertErr{}, Retriable: false}
	})

	id, err := store.Enqueue(JobConvert, []byte(`{}`), 0, 3)
	require.NoError(t, err)

	pool.claimAndRun(context.Background(), "worker-test")

	job, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, job.Status)
}

func TestWorkerPool_ClaimAndRunNoopWhenQueueEmpty(t *testing.T) {
	pool, _, _, _ := newTestWorkerPool(t)
	pool.claimAndRun(context.Background(), "worker-test")
}

func TestWorkerPool_StartAndStopLifecycle(t *testing.T) {
	pool, store, runner, _ := newTestWorkerPool(t)
	runner.RegisterNative(JobConvert, func(ctx context.Context, job Job) JobOutcome {
		return JobOutcome{Succeeded: true}
	})

	_, err := store.Enqueue(JobConvert, []byte(`{}`), 0, 3)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, pool.Start(ctx))

	require.Eventually(t, func() bool {
		jobs, err := store.List(context.Background(), StatusDone, 10)
		return err == nil && len(jobs) == 1
	}, 2*time.Second, 50*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, pool.Stop(stopCtx))
}

type assertErr struct{}

func (assertErr) Error() string { return "native failure" }
