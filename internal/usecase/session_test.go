package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fiapx/fiapx-framecache/internal/domain/entity"
	"github.com/fiapx/fiapx-framecache/internal/infra/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []entity.Event
}

func (r *recordingPublisher) Publish(evt entity.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingPublisher) ofType(t entity.EventType) []entity.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []entity.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type sessionFixture struct {
	session   *Session
	loop      *Loop
	transport *stubTransport
	decoder   *fakeDecoder
	events    *recordingPublisher
}

func newSessionFixture(t *testing.T, workers int) *sessionFixture {
	t.Helper()
	loop, _ := startLoop(t)
	tr := &stubTransport{}
	c := cache.NewFrameCache(0)
	pool := NewWorkerPool(PoolConfig{Workers: workers, MinIdle: 2}, tr, c, loop, nil, zap.NewNop())
	require.NoError(t, loop.Do(context.Background(), func() {
		require.NoError(t, pool.Start(context.Background()))
	}))

	d := &fakeDecoder{}
	events := &recordingPublisher{}
	s := NewSession(SessionDeps{
		Loop:    loop,
		Pool:    pool,
		Cache:   c,
		Decoder: d,
		Events:  events,
		FPS:     25,
		Logger:  zap.NewNop(),
	})
	return &sessionFixture{session: s, loop: loop, transport: tr, decoder: d, events: events}
}

// deliver feeds worker messages through the transport callback, as a real
// transport would.
func (f *sessionFixture) deliver(id int, msg entity.Message) {
	f.transport.delivers[id](msg)
}

func (f *sessionFixture) settle(t *testing.T) {
	t.Helper()
	require.NoError(t, f.loop.Ping(context.Background()))
}

func TestSessionLoadExtractAndCache(t *testing.T) {
	f := newSessionFixture(t, 2)
	ctx := context.Background()

	for id := range 2 {
		f.deliver(id, entity.ReadyMessage())
	}
	_, err := f.session.Load(ctx, testSource("clip.mp4"))
	require.NoError(t, err)
	for id := range 2 {
		f.deliver(id, entity.LoadedMessage(1))
	}
	f.settle(t)

	md := entity.SourceMetadata{Width: 640, Height: 360, FPS: 50, FrameCount: 500}
	f.deliver(0, entity.MetadataResultMessage(md, 1))
	f.settle(t)

	got, ok, err := f.session.Metadata(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, md, got)

	st, err := f.session.Playback(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, st.FPS, 1e-9)
	assert.Equal(t, 500, st.TotalFrames)

	jobs, err := f.session.ExtractFrames(ctx, 100, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, jobs)

	f.deliver(0, entity.FramesMessage(90, 100, images(10, "a"), 1))
	f.settle(t)

	cs, err := f.session.Cache(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, cs.Count)
	assert.Equal(t, 90, cs.Frames[0])

	n, err := f.session.CachedCount(ctx, 80, 110)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	bmp, ok, err := f.session.CachedFrame(ctx, 95)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entity.Bitmap("a-5"), bmp)

	assert.Len(t, f.events.ofType(entity.EventSourceLoaded), 1)
	assert.Len(t, f.events.ofType(entity.EventMetadata), 1)
	cached := f.events.ofType(entity.EventFramesCached)
	require.Len(t, cached, 1)
	assert.Equal(t, 90, *cached[0].Start)
	assert.Equal(t, 100, *cached[0].End)
	assert.NotEmpty(t, f.events.ofType(entity.EventWorkerState))
}

func TestSessionPublishesRenderedEvents(t *testing.T) {
	f := newSessionFixture(t, 2)
	ctx := context.Background()
	_, err := f.session.Load(ctx, testSource("clip.mp4"))
	require.NoError(t, err)

	require.NoError(t, f.session.SetFrame(ctx, 12))
	f.decoder.completeLast()
	f.settle(t)

	rendered := f.events.ofType(entity.EventRendered)
	require.NotEmpty(t, rendered)
	last := rendered[len(rendered)-1]
	assert.Equal(t, 12, *last.Frame)
	assert.Equal(t, entity.OriginLive, last.Origin)
}

func TestSessionLoadOpensDecoderOffTheLoop(t *testing.T) {
	f := newSessionFixture(t, 2)
	f.decoder.entered = make(chan struct{})
	f.decoder.gate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.session.Load(context.Background(), testSource("slow.mp4"))
		done <- err
	}()
	<-f.decoder.entered

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	st, err := f.session.Pool(ctx)
	require.NoError(t, err, "loop stays responsive while the decoder opens")
	assert.Equal(t, uint64(1), st.Generation)

	require.NoError(t, f.session.SetFrame(ctx, 5))
	assert.Zero(t, f.decoder.seekCount())

	close(f.decoder.gate)
	require.NoError(t, <-done)

	require.Equal(t, 1, f.decoder.seekCount())
	f.decoder.mu.Lock()
	pos := f.decoder.seeks[0].position
	f.decoder.mu.Unlock()
	assert.InDelta(t, 0.2, pos, 1e-9)
}

func TestSessionPoolStatus(t *testing.T) {
	f := newSessionFixture(t, 3)
	f.deliver(0, entity.ReadyMessage())
	f.settle(t)

	st, err := f.session.Pool(context.Background())
	require.NoError(t, err)
	assert.Len(t, st.Workers, 3)
	assert.True(t, st.WarmingUp)
	assert.Equal(t, "ready", st.Workers[0].State)
	assert.NoError(t, f.session.Ready(context.Background()))
}

func TestSessionRejectsEmptyRange(t *testing.T) {
	f := newSessionFixture(t, 1)
	assert.Error(t, f.session.SetRange(context.Background(), 10, 10))
	assert.Error(t, f.session.SetSpeed(context.Background(), -1))
}

func TestSessionCallsFailAfterLoopStops(t *testing.T) {
	loop := NewLoop(1, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = loop.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	pool := NewWorkerPool(PoolConfig{}, &stubTransport{}, cache.NewFrameCache(0), loop, nil, zap.NewNop())
	s := NewSession(SessionDeps{Loop: loop, Pool: pool, Cache: cache.NewFrameCache(0), Decoder: &fakeDecoder{}, Events: &recordingPublisher{}, Logger: zap.NewNop()})

	callCtx, callCancel := context.WithTimeout(context.Background(), time.Second)
	defer callCancel()
	_, err := s.ExtractFrames(callCtx, 1, 1)
	assert.ErrorIs(t, err, ErrLoopStopped)
}
