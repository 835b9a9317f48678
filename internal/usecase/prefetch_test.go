package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fiapx/fiapx-framecache/internal/domain/entity"
	"github.com/fiapx/fiapx-framecache/internal/domain/port"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedSession reports metadata after a few polls and fills the cache a
// chunk per poll once extraction was requested.
type scriptedSession struct {
	mu            sync.Mutex
	loaded        []string
	metadataAfter int
	metadataPolls int
	idleAfter     int
	extractCalls  int
	cached        int
	chunk         int
	stallAt       int
	md            entity.SourceMetadata
}

func (s *scriptedSession) Load(_ context.Context, src entity.Source) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = append(s.loaded, src.Filename)
	return uuid.New(), nil
}

func (s *scriptedSession) Metadata(context.Context) (entity.SourceMetadata, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadataPolls++
	return s.md, s.metadataPolls > s.metadataAfter, nil
}

func (s *scriptedSession) ExtractFrames(context.Context, int, int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extractCalls++
	if s.extractCalls <= s.idleAfter {
		return 0, nil
	}
	return 2, nil
}

func (s *scriptedSession) Pool(context.Context) (PoolStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stallAt > 0 && s.cached >= s.stallAt {
		return PoolStatus{}, nil
	}
	return PoolStatus{Busy: 2}, nil
}

func (s *scriptedSession) CachedCount(_ context.Context, start, end int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stallAt == 0 || s.cached < s.stallAt {
		s.cached += s.chunk
	}
	if s.cached > end-start {
		s.cached = end - start
	}
	return s.cached, nil
}

type memorySources map[string][]byte

func (m memorySources) FetchSource(_ context.Context, key string) (entity.Source, error) {
	data, ok := m[key]
	if !ok {
		return entity.Source{}, errors.New("no such key")
	}
	return entity.Source{Filename: key, Data: data}, nil
}

func newPrefetch(s *scriptedSession, sources port.SourceStore) *PrefetchUseCase {
	uc := NewPrefetchUseCase(s, sources, zap.NewNop())
	uc.interval = time.Millisecond
	return uc
}

func TestPrefetchFillsWindow(t *testing.T) {
	s := &scriptedSession{
		metadataAfter: 2,
		idleAfter:     3,
		chunk:         40,
		md:            entity.SourceMetadata{FPS: 25, FrameCount: 1000},
	}
	uc := newPrefetch(s, nil)

	var (
		window   [2]int
		progress []int
	)
	uc.OnMetadata = func(_ entity.SourceMetadata, start, end int) { window = [2]int{start, end} }
	uc.OnProgress = func(cached, wanted int) {
		assert.Equal(t, 200, wanted)
		progress = append(progress, cached)
	}

	res, err := uc.Execute(context.Background(), PrefetchRequest{
		Source:   entity.Source{Filename: "clip.mp4", Data: []byte("x")},
		Center:   500,
		Distance: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, [2]int{400, 600}, window)
	assert.Equal(t, 400, res.Start)
	assert.Equal(t, 600, res.End)
	assert.Equal(t, 200, res.Cached)
	assert.Equal(t, []int{40, 80, 120, 160, 200}, progress)
	assert.Equal(t, 4, s.extractCalls)
}

func TestPrefetchStopsWhenWorkersGoQuiet(t *testing.T) {
	s := &scriptedSession{chunk: 30, stallAt: 60, md: entity.SourceMetadata{FPS: 25, FrameCount: 1000}}
	res, err := newPrefetch(s, nil).Execute(context.Background(), PrefetchRequest{
		Source:   entity.Source{Filename: "clip.mp4", Data: []byte("x")},
		Center:   100,
		Distance: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, 60, res.Cached)
}

func TestPrefetchFetchesByKey(t *testing.T) {
	s := &scriptedSession{chunk: 1000, md: entity.SourceMetadata{FPS: 25, FrameCount: 100}}
	res, err := newPrefetch(s, memorySources{"clips/a.mp4": []byte("abc")}).Execute(context.Background(), PrefetchRequest{
		Key:      "clips/a.mp4",
		Center:   90,
		Distance: 20,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"clips/a.mp4"}, s.loaded)
	// clipped to the frames the source has
	assert.Equal(t, 70, res.Start)
	assert.Equal(t, 100, res.End)
	assert.Equal(t, 30, res.Cached)
}

func TestPrefetchRejectsBadRequests(t *testing.T) {
	s := &scriptedSession{}
	_, err := newPrefetch(s, nil).Execute(context.Background(), PrefetchRequest{Source: entity.Source{Data: []byte("x")}})
	assert.Error(t, err)

	_, err = newPrefetch(s, nil).Execute(context.Background(), PrefetchRequest{Key: "a.mp4", Distance: 5})
	assert.Error(t, err)

	_, err = newPrefetch(s, memorySources{}).Execute(context.Background(), PrefetchRequest{Key: "a.mp4", Distance: 5})
	assert.ErrorContains(t, err, "no such key")
	assert.Empty(t, s.loaded)
}

func TestPrefetchTimesOutWithoutMetadata(t *testing.T) {
	s := &scriptedSession{metadataAfter: 1 << 30}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := newPrefetch(s, nil).Execute(ctx, PrefetchRequest{Source: entity.Source{Data: []byte("x")}, Distance: 10})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPrefetchWindow(t *testing.T) {
	cases := []struct {
		center, distance, total int
		start, end              int
	}{
		{500, 100, 0, 400, 600},
		{500, 100, 550, 400, 550},
		{20, 100, 1000, 0, 200},
		{900, 100, 300, 300, 300},
	}
	for _, tc := range cases {
		start, end := PrefetchWindow(tc.center, tc.distance, tc.total)
		assert.Equal(t, tc.start, start, "start for %+v", tc)
		assert.Equal(t, tc.end, end, "end for %+v", tc)
	}
}
