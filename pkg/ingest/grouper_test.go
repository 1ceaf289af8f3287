package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSubbandName(t *testing.T) {
	ts, sb, ext, ok := ParseSubbandName("2024-03-01T12:00:00_sb07.hdf5")
	require.True(t, ok)
	assert.Equal(t, 7, sb)
	assert.Equal(t, "hdf5", ext)
	assert.Equal(t, 2024, ts.Year())
	assert.Equal(t, time.March, ts.Month())

	_, _, _, ok = ParseSubbandName("not-a-subband-file.txt")
	assert.False(t, ok)
}

func TestParseSubbandName_AcceptsDottedExtension(t *testing.T) {
	_, sb, ext, ok := ParseSubbandName("2025-10-13T13:28:03_sb00.hdf5.gz")
	require.True(t, ok)
	assert.Equal(t, 0, sb)
	assert.Equal(t, "hdf5.gz", ext)
}

func subbandFile(ts time.Time, sb int) SubbandFile {
	return SubbandFile{
		Path:      "in.hdf5",
		Name:      "in.hdf5",
		Timestamp: ts,
		Subband:   sb,
		Ext:       "hdf5",
		Size:      1024,
	}
}

func TestGrouper_CompletesOnExpectedCount(t *testing.T) {
	var completed *Group
	g := NewGrouper(4, 2, time.Minute, func(grp *Group) { completed = grp }, nil, nil)

	ts := time.Now()
	assert.Equal(t, EventNone, g.Observe(subbandFile(ts, 0)))
	assert.Equal(t, EventNone, g.Observe(subbandFile(ts, 1)))
	assert.Equal(t, EventNone, g.Observe(subbandFile(ts, 2)))
	assert.Equal(t, EventComplete, g.Observe(subbandFile(ts, 3)))

	require.NotNil(t, completed)
	assert.Len(t, completed.Files, 4)
	assert.Empty(t, g.Forming())
}

func TestGrouper_DuplicateSubbandIsReported(t *testing.T) {
	var dupOld, dupNew SubbandFile
	g := NewGrouper(4, 2, time.Minute, nil, nil, func(old, new SubbandFile) {
		dupOld, dupNew = old, new
	})

	ts := time.Now()
	first := subbandFile(ts, 0)
	second := subbandFile(ts, 0)
	second.Size = 2048

	assert.Equal(t, EventNone, g.Observe(first))
	assert.Equal(t, EventDuplicate, g.Observe(second))
	assert.Equal(t, first, dupOld)
	assert.Equal(t, second, dupNew)
}

func TestGrouper_DuplicateKeepsLaterMtime(t *testing.T) {
	g := NewGrouper(4, 2, time.Minute, nil, nil, nil)

	ts := time.Now()
	older := subbandFile(ts, 0)
	older.Mtime = time.Unix(1000, 0)
	newer := subbandFile(ts, 0)
	newer.Mtime = time.Unix(2000, 0)
	newer.Path = "newer.hdf5"

	assert.Equal(t, EventNone, g.Observe(older))
	assert.Equal(t, EventDuplicate, g.Observe(newer))

	assert.Equal(t, "newer.hdf5", g.groups[ts].Files[0].Path)
}

func TestGrouper_DuplicateKeepsExistingWhenIncomingNotLater(t *testing.T) {
	g := NewGrouper(4, 2, time.Minute, nil, nil, nil)

	ts := time.Now()
	first := subbandFile(ts, 0)
	first.Mtime = time.Unix(2000, 0)
	earlierArrival := subbandFile(ts, 0)
	earlierArrival.Mtime = time.Unix(1000, 0)
	earlierArrival.Path = "earlier.hdf5"

	assert.Equal(t, EventNone, g.Observe(first))
	assert.Equal(t, EventDuplicate, g.Observe(earlierArrival))

	assert.Equal(t, first.Path, g.groups[ts].Files[0].Path)
}

func TestGrouper_SweepExpired_AbandonsBelowMinViable(t *testing.T) {
	var abandoned *Group
	var abandonEvent GroupEvent
	g := NewGrouper(4, 2, time.Minute, nil, func(grp *Group, ev GroupEvent) {
		abandoned, abandonEvent = grp, ev
	}, nil)

	ts := time.Now()
	g.Observe(subbandFile(ts, 0))
	require.Len(t, g.Forming(), 1)

	g.SweepExpired(time.Now().Add(2 * time.Minute))

	require.NotNil(t, abandoned)
	assert.Equal(t, EventIncomplete, abandonEvent)
	assert.Empty(t, g.Forming())
}

func TestGrouper_SweepExpired_CompletesAtMinViable(t *testing.T) {
	var completed *Group
	g := NewGrouper(4, 2, time.Minute, func(grp *Group) { completed = grp }, nil, nil)

	ts := time.Now()
	g.Observe(subbandFile(ts, 0))
	g.Observe(subbandFile(ts, 1))

	g.SweepExpired(time.Now().Add(2 * time.Minute))

	require.NotNil(t, completed)
	assert.Len(t, completed.Files, 2)
}

func TestGroup_SortedOrdersBySubbandIndex(t *testing.T) {
	ts := time.Now()
	grp := &Group{Timestamp: ts, Files: map[int]SubbandFile{
		2: subbandFile(ts, 2),
		0: subbandFile(ts, 0),
		1: subbandFile(ts, 1),
	}}

	sorted := grp.Sorted()
	require.Len(t, sorted, 3)
	assert.Equal(t, 0, sorted[0].Subband)
	assert.Equal(t, 1, sorted[1].Subband)
	assert.Equal(t, 2, sorted[2].Subband)
}
