package convert

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsa110/contimg/pkg/ingest"
)

func TestEncodeDecodeGroup_RoundTrips(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	mtime := ts.Add(5 * time.Second)
	g := &ingest.Group{
		Timestamp: ts,
		Files: map[int]ingest.SubbandFile{
			0: {Path: "/in/sb00.hdf5", Name: "2024-03-01T12:00:00_sb00.hdf5", Timestamp: ts, Subband: 0, Ext: "hdf5", Size: 1024, Mtime: mtime},
			1: {Path: "/in/sb01.hdf5", Name: "2024-03-01T12:00:00_sb01.hdf5", Timestamp: ts, Subband: 1, Ext: "hdf5", Size: 2048, Mtime: mtime},
		},
	}

	payload, err := EncodeGroup(g)
	require.NoError(t, err)

	decoded, err := DecodeGroup(payload)
	require.NoError(t, err)

	assert.True(t, decoded.Timestamp.Equal(ts))
	require.Len(t, decoded.Files, 2)
	assert.Equal(t, "/in/sb00.hdf5", decoded.Files[0].Path)
	assert.Equal(t, int64(2048), decoded.Files[1].Size)
	assert.True(t, decoded.Files[0].Mtime.Equal(mtime))
}

func TestEncodeGroup_SortsFilesBySubband(t *testing.T) {
	ts := time.Now()
	g := &ingest.Group{
		Timestamp: ts,
		Files: map[int]ingest.SubbandFile{
			2: {Subband: 2, Timestamp: ts},
			0: {Subband: 0, Timestamp: ts},
			1: {Subband: 1, Timestamp: ts},
		},
	}

	payload, err := EncodeGroup(g)
	require.NoError(t, err)

	var p GroupPayload
	require.NoError(t, json.Unmarshal(payload, &p))
	require.Len(t, p.Files, 3)
	assert.Equal(t, 0, p.Files[0].Subband)
	assert.Equal(t, 1, p.Files[1].Subband)
	assert.Equal(t, 2, p.Files[2].Subband)
}
