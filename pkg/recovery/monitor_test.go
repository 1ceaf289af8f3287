package recovery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/dsa110/contimg/pkg/registry"
)

func newTestMonitor(t *testing.T) (*Monitor, *registry.Store) {
	t.Helper()
	store, err := registry.NewStore(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	metrics := NewMetrics(prometheus.NewRegistry())
	m := NewMonitor(store, time.Hour, time.Minute, 3, metrics, NewAlertBroker(), arbor.NewLogger())
	return m, store
}

func TestAlertBroker_PublishDeliversToSubscriber(t *testing.T) {
	b := NewAlertBroker()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Publish(Alert{Severity: "warning", Message: "stalled"})

	select {
	case a := <-ch:
		assert.Equal(t, "stalled", a.Message)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for alert")
	}
}

func TestAlertBroker_UnsubscribeClosesChannel(t *testing.T) {
	b := NewAlertBroker()
	ch := b.Subscribe()
	b.Unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open)
}

func TestMonitor_RetryRequiresFailedStatus(t *testing.T) {
	m, store := newTestMonitor(t)
	id, err := store.Stage(context.Background(), "image", "/a.fits", "job-1")
	require.NoError(t, err)

	err = m.Retry(context.Background(), id)
	assert.Error(t, err)
}

func TestMonitor_RetryRestagesFailedArtifact(t *testing.T) {
	m, store := newTestMonitor(t)
	id, err := store.Stage(context.Background(), "image", "/a.fits", "job-1")
	require.NoError(t, err)
	_, err = store.BeginPublish(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, store.RecordPublishFailure(context.Background(), id, assertErr{}, false, 3))

	require.NoError(t, m.Retry(context.Background(), id))

	a, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, registry.Staging, a.Status)
	assert.Equal(t, 0, a.PublishAttempts)
}

func TestMonitor_RetryAllReturnsRetriedIDs(t *testing.T) {
	m, store := newTestMonitor(t)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := store.Stage(context.Background(), "image", "/a.fits", "job-1")
		require.NoError(t, err)
		_, err = store.BeginPublish(context.Background(), id)
		require.NoError(t, err)
		require.NoError(t, store.RecordPublishFailure(context.Background(), id, assertErr{}, false, 1))
		ids = append(ids, id)
	}

	retried, err := m.RetryAll(context.Background(), 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, retried)
}

func TestMonitor_SweepUpdatesMetricsAndAlertsOnStalled(t *testing.T) {
	m, store := newTestMonitor(t)
	m.stalledAfter = 0

	id, err := store.Stage(context.Background(), "image", "/a.fits", "job-1")
	require.NoError(t, err)
	_, err = store.BeginPublish(context.Background(), id)
	require.NoError(t, err)

	ch := m.alerts.Subscribe()
	defer m.alerts.Unsubscribe(ch)

	time.Sleep(time.Millisecond)
	m.sweep(context.Background())

	select {
	case a := <-ch:
		assert.Equal(t, id, a.ArtifactID)
	case <-time.After(time.Second):
		t.Fatal("expected a stalled-publish alert")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "publish failed" }
