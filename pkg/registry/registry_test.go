package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_StageCreatesArtifactInStaging(t *testing.T) {
	s := newTestStore(t)

	id, err := s.Stage(context.Background(), "measurement_set", "/data/out.ms", "job-1")
	require.NoError(t, err)

	a, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, Staging, a.Status)
	assert.Equal(t, "measurement_set", a.Kind)
	assert.Equal(t, "job-1", a.SourceJobID)
}

func TestStore_BeginPublishTransitionsFromStaging(t *testing.T) {
	s := newTestStore(t)
	id, err := s.Stage(context.Background(), "image", "/data/out.fits", "job-1")
	require.NoError(t, err)

	ok, err := s.BeginPublish(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)

	a, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, Publishing, a.Status)
}

func TestStore_BeginPublishFailsWhenNotStaging(t *testing.T) {
	s := newTestStore(t)
	id, err := s.Stage(context.Background(), "image", "/data/out.fits", "job-1")
	require.NoError(t, err)

	ok, err := s.BeginPublish(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.BeginPublish(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_CompletePublishRequiresPublishingState(t *testing.T) {
	s := newTestStore(t)
	id, err := s.Stage(context.Background(), "image", "/data/out.fits", "job-1")
	require.NoError(t, err)

	err = s.CompletePublish(context.Background(), id)
	assert.Error(t, err)

	ok, err := s.BeginPublish(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.CompletePublish(context.Background(), id))

	a, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, Published, a.Status)
}

func TestStore_RecordPublishFailureRevertsToStagingWhenRetriable(t *testing.T) {
	s := newTestStore(t)
	id, err := s.Stage(context.Background(), "image", "/data/out.fits", "job-1")
	require.NoError(t, err)
	_, err = s.BeginPublish(context.Background(), id)
	require.NoError(t, err)

	require.NoError(t, s.RecordPublishFailure(context.Background(), id, errors.New("disk full"), true, 3))

	a, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, Staging, a.Status)
	assert.Equal(t, 1, a.PublishAttempts)
	assert.Equal(t, "disk full", a.LastPublishError)
}

func TestStore_RecordPublishFailureMarksFailedAtMaxAttempts(t *testing.T) {
	s := newTestStore(t)
	id, err := s.Stage(context.Background(), "image", "/data/out.fits", "job-1")
	require.NoError(t, err)
	_, err = s.BeginPublish(context.Background(), id)
	require.NoError(t, err)

	require.NoError(t, s.RecordPublishFailure(context.Background(), id, errors.New("boom"), true, 1))

	a, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, Failed, a.Status)
}

func TestStore_ListFiltersByKindAndStatus(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Stage(context.Background(), "image", "/a.fits", "job-1")
	require.NoError(t, err)
	id2, err := s.Stage(context.Background(), "measurement_set", "/b.ms", "job-2")
	require.NoError(t, err)
	_, err = s.BeginPublish(context.Background(), id2)
	require.NoError(t, err)

	images, err := s.List(context.Background(), Filter{Kind: "image"})
	require.NoError(t, err)
	assert.Len(t, images, 1)

	publishing, err := s.List(context.Background(), Filter{Status: Publishing})
	require.NoError(t, err)
	require.Len(t, publishing, 1)
	assert.Equal(t, id2, publishing[0].ID)
}

func TestStore_CountByStatus(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Stage(context.Background(), "image", "/a.fits", "job-1")
	require.NoError(t, err)
	_, err = s.Stage(context.Background(), "image", "/b.fits", "job-2")
	require.NoError(t, err)

	counts, err := s.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, counts[Staging])
}
