package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func seg(path string, open, close time.Duration) Segment {
	return Segment{
		MediaPath:      path,
		AnnotationPath: path + ".xml",
		FileOpenTime:   base.Add(open),
		FileCloseTime:  base.Add(close),
		EventTimestamp: time.Now(),
	}
}

func TestCreateOrGetIsIdempotent(t *testing.T) {
	s := NewStore()
	a := s.CreateOrGet("100", "room", "first")
	b := s.CreateOrGet("100", "", "")
	assert.Equal(t, StatusCollecting, a.Status)
	assert.Equal(t, a.StartTime, b.StartTime)
	assert.Equal(t, "first", b.Title)
	assert.Equal(t, 1, s.CountActive())
}

func TestCreateOrGetReplacesCompleted(t *testing.T) {
	s := NewStore()
	s.CreateOrGet("100", "room", "old")
	require.True(t, s.AddSegment("100", seg("a.flv", 0, time.Minute)))
	require.NoError(t, s.MarkAsCompleted("100"))

	fresh := s.CreateOrGet("100", "room", "new")
	assert.Equal(t, StatusCollecting, fresh.Status)
	assert.Empty(t, fresh.Segments)
	assert.Equal(t, "new", fresh.Title)
}

func TestAddSegmentKeepsFileOpenOrder(t *testing.T) {
	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 2, 0}, {2, 0, 1}}
	segs := []Segment{
		seg("a.flv", 0, 5*time.Minute),
		seg("b.flv", 5*time.Minute+31*time.Second, 6*time.Minute+37*time.Second),
		seg("c.flv", 6*time.Minute+38*time.Second, 7*time.Minute+15*time.Second),
	}
	for _, order := range orders {
		s := NewStore()
		s.CreateOrGet("7", "", "")
		for _, i := range order {
			require.True(t, s.AddSegment("7", segs[i]))
		}
		got, ok := s.Get("7")
		require.True(t, ok)
		require.Len(t, got.Segments, 3)
		for i := range segs {
			assert.Equal(t, segs[i].MediaPath, got.Segments[i].MediaPath, "order %v", order)
		}
	}
}

func TestAddSegmentRejectsDuplicatesAndMissingSession(t *testing.T) {
	s := NewStore()
	assert.False(t, s.AddSegment("1", seg("a.flv", 0, time.Minute)))
	s.CreateOrGet("1", "", "")
	assert.True(t, s.AddSegment("1", seg("a.flv", 0, time.Minute)))
	assert.False(t, s.AddSegment("1", seg("a.flv", 0, time.Minute)))
	assert.Equal(t, 1, s.SegmentCount("1"))
}

func TestShouldMerge(t *testing.T) {
	s := NewStore()
	s.CreateOrGet("1", "", "")
	assert.False(t, s.ShouldMerge("1"))
	s.AddSegment("1", seg("a.flv", 0, time.Minute))
	assert.False(t, s.ShouldMerge("1"))
	s.AddSegment("1", seg("b.flv", 2*time.Minute, 3*time.Minute))
	assert.True(t, s.ShouldMerge("1"))
}

func TestStatusTransitions(t *testing.T) {
	s := NewStore()
	err := s.MarkAsMerging("nope")
	assert.True(t, errors.Is(err, ErrSessionNotFound))

	s.CreateOrGet("1", "", "")
	require.NoError(t, s.MarkAsMerging("1"))
	require.NoError(t, s.ResetToCollecting("1"))
	require.NoError(t, s.MarkAsProcessing("1"))
	require.NoError(t, s.MarkAsCompleted("1"))

	got, _ := s.Get("1")
	assert.Equal(t, StatusCompleted, got.Status)
	assert.NotNil(t, got.EndTime)
	_, active := s.Active("1")
	assert.False(t, active)
}

func TestSnapshotsAreCopies(t *testing.T) {
	s := NewStore()
	s.CreateOrGet("1", "", "")
	s.AddSegment("1", seg("a.flv", 0, time.Minute))
	got, _ := s.Get("1")
	got.Segments[0].MediaPath = "mutated"
	again, _ := s.Get("1")
	assert.Equal(t, "a.flv", again.Segments[0].MediaPath)
}

func TestCleanupExpiredOnlyRemovesOldCompleted(t *testing.T) {
	s := NewStore()
	now := base
	s.now = func() time.Time { return now }

	s.CreateOrGet("old", "", "")
	require.NoError(t, s.MarkAsCompleted("old"))
	s.CreateOrGet("active", "", "")

	now = base.Add(48 * time.Hour)
	s.CreateOrGet("recent", "", "")
	require.NoError(t, s.MarkAsCompleted("recent"))

	removed := s.CleanupExpired(24 * time.Hour)
	assert.Equal(t, 1, removed)
	_, ok := s.Get("old")
	assert.False(t, ok)
	_, ok = s.Get("active")
	assert.True(t, ok)
	_, ok = s.Get("recent")
	assert.True(t, ok)
}

func TestPendingQueue(t *testing.T) {
	q := NewPendingQueue()
	assert.True(t, q.Enqueue("r", PendingFile{MediaPath: "a.flv"}))
	assert.False(t, q.Enqueue("r", PendingFile{MediaPath: "a.flv"}))
	assert.True(t, q.Enqueue("r", PendingFile{MediaPath: "b.flv"}))
	assert.True(t, q.Enqueue("other", PendingFile{MediaPath: "c.flv"}))
	assert.Equal(t, 2, q.Len("r"))
	assert.Equal(t, 3, q.Total())

	got := q.Drain("r")
	require.Len(t, got, 2)
	assert.Equal(t, "a.flv", got[0].MediaPath)
	assert.Equal(t, 0, q.Len("r"))
	assert.Empty(t, q.Drain("r"))
	assert.Equal(t, 1, q.Total())
}

func TestStatusUnmarshalText(t *testing.T) {
	var s Status
	require.NoError(t, s.UnmarshalText([]byte("processing")))
	assert.Equal(t, StatusProcessing, s)
	assert.Error(t, s.UnmarshalText([]byte("exploded")))
}
