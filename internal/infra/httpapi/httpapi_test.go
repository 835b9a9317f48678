package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fiapx/fiapx-framecache/internal/domain/entity"
	"github.com/fiapx/fiapx-framecache/internal/domain/port"
	"github.com/fiapx/fiapx-framecache/internal/infra/cache"
	"github.com/fiapx/fiapx-framecache/internal/infra/inproc"
	"github.com/fiapx/fiapx-framecache/internal/infra/localfs"
	"github.com/fiapx/fiapx-framecache/internal/usecase"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type testCodec struct{}

func (testCodec) Open(context.Context, string, []byte) error { return nil }

func (testCodec) Probe(context.Context) (*entity.SourceMetadata, error) {
	return &entity.SourceMetadata{Width: 32, Height: 24, FPS: 25, TimeBaseRate: 25, FrameCount: 250}, nil
}

func (testCodec) Extract(_ context.Context, start, end int) ([]entity.Bitmap, error) {
	out := make([]entity.Bitmap, 0, end-start)
	for i := start; i < end; i++ {
		out = append(out, entity.Bitmap(fmt.Sprintf("jpeg-%d", i)))
	}
	return out, nil
}

func (testCodec) Close() error { return nil }

// instantDecoder finishes every seek right away.
type instantDecoder struct {
	mu       sync.Mutex
	position float64
}

func (d *instantDecoder) Open(context.Context, entity.Source) error { return nil }

func (d *instantDecoder) Seek(position float64, done func(error)) {
	d.mu.Lock()
	d.position = position
	d.mu.Unlock()
	go done(nil)
}

func (d *instantDecoder) Capture() (entity.Bitmap, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return entity.Bitmap(fmt.Sprintf("live@%.2f", d.position)), nil
}

func (d *instantDecoder) Close() error { return nil }

type server struct {
	engine *gin.Engine
	hub    *Hub
	raster *RasterSurface
}

func newServer(t *testing.T, sources port.SourceStore) *server {
	t.Helper()
	logger := zap.NewNop()
	loop := usecase.NewLoop(64, logger)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = loop.Run(ctx)
		close(stopped)
	}()

	c := cache.NewFrameCache(0)
	tr := inproc.NewTransport(func() (port.Codec, error) { return testCodec{}, nil }, logger)
	pool := usecase.NewWorkerPool(usecase.PoolConfig{Workers: 2, MinIdle: 1}, tr, c, loop, nil, logger)
	require.NoError(t, loop.Do(ctx, func() {
		require.NoError(t, pool.Start(ctx))
	}))

	hub := NewHub(logger)
	raster := NewRasterSurface()
	session := usecase.NewSession(usecase.SessionDeps{
		Loop:    loop,
		Pool:    pool,
		Cache:   c,
		Decoder: &instantDecoder{},
		Surface: raster,
		Events:  hub,
		FPS:     25,
		Logger:  logger,
	})
	t.Cleanup(func() {
		hub.Close()
		cancel()
		<-stopped
		_ = session.Close()
	})

	engine := New(Dependencies{Session: session, Sources: sources, Raster: raster, Hub: hub, Logger: logger})
	return &server{engine: engine, hub: hub, raster: raster}
}

func (s *server) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func (s *server) upload(t *testing.T, name string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/sources", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder, data any) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	if data != nil && len(env.Data) > 0 {
		require.NoError(t, json.Unmarshal(env.Data, data))
	}
	return env
}

func TestUploadExtractAndReadCache(t *testing.T) {
	s := newServer(t, nil)

	w := s.upload(t, "clip.mp4", []byte("video bytes"))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var loaded struct {
		Filename string `json:"filename"`
		Bytes    int    `json:"bytes"`
	}
	decode(t, w, &loaded)
	assert.Equal(t, "clip.mp4", loaded.Filename)
	assert.Equal(t, 11, loaded.Bytes)

	require.Eventually(t, func() bool {
		return s.do(t, http.MethodGet, "/api/metadata", nil).Code == http.StatusOK
	}, 2*time.Second, 5*time.Millisecond)

	var md entity.SourceMetadata
	decode(t, s.do(t, http.MethodGet, "/api/metadata", nil), &md)
	assert.Equal(t, 250, md.FrameCount)

	require.Eventually(t, func() bool {
		var jobs struct {
			Jobs int `json:"jobs"`
		}
		w := s.do(t, http.MethodPost, "/api/extract", gin.H{"center": 50, "distance": 10})
		decode(t, w, &jobs)
		return w.Code == http.StatusAccepted && jobs.Jobs > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return s.do(t, http.MethodGet, "/api/cache/45", nil).Code == http.StatusOK
	}, 2*time.Second, 5*time.Millisecond)

	w = s.do(t, http.MethodGet, "/api/cache/45", nil)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, "jpeg-45", w.Body.String())

	var cs struct {
		Count   int `json:"count"`
		InRange int `json:"in_range"`
	}
	decode(t, s.do(t, http.MethodGet, "/api/cache?start=40&end=45", nil), &cs)
	assert.GreaterOrEqual(t, cs.Count, 20)
	assert.Equal(t, 5, cs.InRange)

	var pool usecase.PoolStatus
	decode(t, s.do(t, http.MethodGet, "/api/pool", nil), &pool)
	assert.Len(t, pool.Workers, 2)
	assert.Equal(t, uint64(1), pool.Generation)
}

func TestUploadRequiresFile(t *testing.T) {
	s := newServer(t, nil)
	w := s.do(t, http.MethodPost, "/api/sources", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, decode(t, w, nil).Success)
}

func TestMetadataBeforeLoad(t *testing.T) {
	s := newServer(t, nil)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/metadata", nil).Code)
}

func TestLoadObject(t *testing.T) {
	s := newServer(t, nil)
	w := s.do(t, http.MethodPost, "/api/sources/object", gin.H{"key": "a.mp4"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.mp4"), []byte("abc"), 0o644))
	s = newServer(t, localfs.NewStore(root))

	w = s.do(t, http.MethodPost, "/api/sources/object", gin.H{"key": "a.mp4"})
	assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/sources/object", gin.H{"key": "missing.mp4"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/api/sources/object", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCachedFrameErrors(t *testing.T) {
	s := newServer(t, nil)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/cache/abc", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/cache/7", nil).Code)
}

func TestPlaybackCommands(t *testing.T) {
	s := newServer(t, nil)
	require.Equal(t, http.StatusAccepted, s.upload(t, "clip.mp4", []byte("x")).Code)

	var st usecase.PlaybackState
	w := s.do(t, http.MethodPost, "/api/playback/frame", gin.H{"frame": 50})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &st)
	assert.Equal(t, 50, st.Frame)

	require.Eventually(t, func() bool {
		r, ok := s.raster.Latest()
		return ok && r.Frame == 50 && r.Origin == entity.OriginLive
	}, 2*time.Second, 5*time.Millisecond)

	w = s.do(t, http.MethodGet, "/api/playback/raster", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "50", w.Header().Get("X-Frame"))
	assert.Equal(t, "live", w.Header().Get("X-Frame-Origin"))
	assert.Equal(t, "live@2.00", w.Body.String())

	decode(t, s.do(t, http.MethodPost, "/api/playback/skip", gin.H{"offset": -10}), &st)
	assert.Equal(t, 40, st.Frame)

	decode(t, s.do(t, http.MethodPost, "/api/playback/speed", gin.H{"speed": 2}), &st)
	assert.InDelta(t, 2.0, st.Speed, 1e-9)

	decode(t, s.do(t, http.MethodPost, "/api/playback/play", nil), &st)
	assert.True(t, st.Playing)
	decode(t, s.do(t, http.MethodPost, "/api/playback/pause", nil), &st)
	assert.False(t, st.Playing)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/playback/range", gin.H{"start": 10, "end": 5}).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/playback/speed", gin.H{"speed": -1}).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/playback/frame", gin.H{}).Code)

	decode(t, s.do(t, http.MethodPost, "/api/playback/range", gin.H{"start": 100, "end": 120}), &st)
	assert.Equal(t, 100, st.StartFrame)
	assert.Equal(t, 120, st.EndFrame)
}

func TestRasterBeforeAnyDraw(t *testing.T) {
	s := newServer(t, nil)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/playback/raster", nil).Code)
}

func TestEventStream(t *testing.T) {
	s := newServer(t, nil)
	srv := httptest.NewServer(s.engine)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.hub.Len() == 1 }, time.Second, 5*time.Millisecond)

	require.Equal(t, http.StatusAccepted, s.upload(t, "clip.mp4", []byte("x")).Code)

	seen := map[entity.EventType]bool{}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for !(seen[entity.EventSourceLoaded] && seen[entity.EventMetadata] && seen[entity.EventRendered]) {
		var evt entity.Event
		require.NoError(t, conn.ReadJSON(&evt))
		seen[evt.Type] = true
	}
	assert.True(t, seen[entity.EventWorkerState])
}

func TestHubDropsEventsForSlowSubscriber(t *testing.T) {
	hub := NewHub(zap.NewNop())
	sub := &subscriber{send: make(chan entity.Event, subscriberBuffer)}
	require.True(t, hub.add(sub))

	for i := range subscriberBuffer + 10 {
		hub.Publish(entity.RenderedEvent(i, entity.OriginCache))
	}
	assert.Len(t, sub.send, subscriberBuffer)

	hub.Close()
	assert.Equal(t, 0, hub.Len())
	assert.False(t, hub.add(&subscriber{send: make(chan entity.Event, 1)}))
}
