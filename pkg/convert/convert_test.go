package convert

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsa110/contimg/pkg/ingest"
)

func TestNewConverter_SelectsWriterStrategy(t *testing.T) {
	parallel := NewConverter(Config{WriterStrategy: "parallel", ConcurrentConversions: 1}, nil, nil)
	_, ok := parallel.writer.(*parallelSubbandWriter)
	assert.True(t, ok)

	mono := NewConverter(Config{WriterStrategy: "monolithic", ConcurrentConversions: 1}, nil, nil)
	_, ok = mono.writer.(*monolithicWriter)
	assert.True(t, ok)

	def := NewConverter(Config{ConcurrentConversions: 1}, nil, nil)
	_, ok = def.writer.(*parallelSubbandWriter)
	assert.True(t, ok, "unset strategy must fall back to parallel")
}

func TestCheckpointValid_MatchesWhenManifestRecordsSameInput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sb00.ms")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0644))

	f := ingest.SubbandFile{Path: "/in/sb00.hdf5", Subband: 0, Size: 1024, Mtime: time.Unix(1700000000, 0)}
	writeCheckpointManifest(path, f)

	assert.True(t, checkpointValid(path, f))
}

func TestCheckpointValid_FalseWhenInputChangedSinceManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sb00.ms")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0644))

	original := ingest.SubbandFile{Path: "/in/sb00.hdf5", Subband: 0, Size: 1024, Mtime: time.Unix(1700000000, 0)}
	writeCheckpointManifest(path, original)

	changed := original
	changed.Mtime = time.Unix(1700000500, 0)
	assert.False(t, checkpointValid(path, changed))
}

func TestCheckpointValid_FalseWhenNoManifestWritten(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sb00.ms")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0644))

	f := ingest.SubbandFile{Path: "/in/sb00.hdf5", Subband: 0, Size: 1024, Mtime: time.Unix(1700000000, 0)}
	assert.False(t, checkpointValid(path, f))
}

func TestCheckpointValid_FalseWhenFileMissing(t *testing.T) {
	f := ingest.SubbandFile{Subband: 0, Size: 10, Mtime: time.Now()}
	assert.False(t, checkpointValid(filepath.Join(t.TempDir(), "missing.ms"), f))
}

func TestConverter_ActiveTracksInFlightCount(t *testing.T) {
	c := NewConverter(Config{ConcurrentConversions: 2}, nil, nil)
	assert.Equal(t, 0, c.Active())

	c.mu.Lock()
	c.active = 1
	c.mu.Unlock()
	assert.Equal(t, 1, c.Active())
}
