package usecase

import (
	"context"
	"fmt"
	"sync"

	"github.com/fiapx/fiapx-framecache/internal/domain/entity"
	"github.com/fiapx/fiapx-framecache/internal/domain/port"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionCache is the frame cache as seen by reporting endpoints.
type SessionCache interface {
	port.FrameCache
	Frames() []int
	Bytes() int64
}

type PoolStatus struct {
	Workers    []entity.WorkerSnapshot `json:"workers"`
	Idle       int                     `json:"idle"`
	Busy       int                     `json:"busy"`
	Queued     int                     `json:"queued"`
	WarmingUp  bool                    `json:"warming_up"`
	Generation uint64                  `json:"generation"`
}

type CacheStatus struct {
	Frames []int `json:"frames"`
	Count  int   `json:"count"`
	Bytes  int64 `json:"bytes"`
}

type SessionDeps struct {
	Loop    *Loop
	Pool    *WorkerPool
	Cache   SessionCache
	Decoder port.LiveDecoder
	Surface port.Surface
	Events  port.EventPublisher
	FPS     float64
	Logger  *zap.Logger
}

// Session ties the pool, the cache and the playback view to one coordinator
// loop and forwards their notifications as events. Its methods are safe for
// concurrent use; each one runs on the loop.
type Session struct {
	loop     *Loop
	pool     *WorkerPool
	cache    SessionCache
	playback *PlaybackFrameSource
	events   port.EventPublisher
	logger   *zap.Logger

	loadMu sync.Mutex
}

func NewSession(deps SessionDeps) *Session {
	s := &Session{
		loop:   deps.Loop,
		pool:   deps.Pool,
		cache:  deps.Cache,
		events: deps.Events,
		logger: deps.Logger,
	}
	surface := &publishingSurface{inner: deps.Surface, events: deps.Events}
	s.playback = NewPlaybackFrameSource(deps.Decoder, surface, deps.Cache, deps.Loop, deps.FPS, deps.Logger.Named("playback"))

	s.pool.OnMetadata = func(md entity.SourceMetadata) {
		s.playback.SetMetadata(md)
		s.events.Publish(entity.MetadataEvent(md))
	}
	s.pool.OnFrames = func(start, end int, images []entity.Bitmap) {
		s.events.Publish(entity.FramesCachedEvent(start, end, len(images)))
	}
	s.pool.OnWorkerState = func(snap entity.WorkerSnapshot) {
		s.events.Publish(entity.WorkerStateEvent(snap))
	}
	return s
}

// Load hands src to the workers and the live decoder. The decoder opens the
// source off the loop; loads are serialized so the decoder ends up holding
// the last one.
func (s *Session) Load(ctx context.Context, src entity.Source) (uuid.UUID, error) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	var (
		id    uuid.UUID
		token uint64
	)
	err := s.loop.Do(ctx, func() {
		id = s.pool.Load(ctx, src)
		s.events.Publish(entity.SourceLoadedEvent(src.Filename, s.pool.Generation()))
		token = s.playback.BeginLoad(0)
	})
	if err != nil {
		return uuid.Nil, err
	}

	openErr := s.playback.OpenSource(ctx, src)
	if err := s.loop.Do(ctx, func() { openErr = s.playback.FinishLoad(token, openErr) }); err != nil {
		return id, err
	}
	if openErr != nil {
		// workers may still fill the cache even though live playback is unavailable
		s.logger.Warn("live decoder could not open source", zap.String("filename", src.Filename), zap.Error(openErr))
	}
	return id, nil
}

// ExtractFrames returns the number of jobs handed out.
func (s *Session) ExtractFrames(ctx context.Context, center, distance int) (int, error) {
	var jobs int
	err := s.loop.Do(ctx, func() {
		jobs = s.pool.ExtractFrames(ctx, center, distance)
	})
	return jobs, err
}

func (s *Session) Metadata(ctx context.Context) (entity.SourceMetadata, bool, error) {
	var (
		md entity.SourceMetadata
		ok bool
	)
	err := s.loop.Do(ctx, func() { md, ok = s.pool.Metadata() })
	return md, ok, err
}

func (s *Session) Pool(ctx context.Context) (PoolStatus, error) {
	var st PoolStatus
	err := s.loop.Do(ctx, func() {
		st = PoolStatus{
			Workers:    s.pool.Workers(),
			Idle:       s.pool.IdleCount(),
			Busy:       s.pool.BusyCount(),
			Queued:     s.pool.QueueLen(),
			WarmingUp:  s.pool.IsWarmingUp(),
			Generation: s.pool.Generation(),
		}
	})
	return st, err
}

func (s *Session) Cache(ctx context.Context) (CacheStatus, error) {
	var st CacheStatus
	err := s.loop.Do(ctx, func() {
		st = CacheStatus{Frames: s.cache.Frames(), Count: s.cache.Len(), Bytes: s.cache.Bytes()}
	})
	return st, err
}

func (s *Session) CachedFrame(ctx context.Context, frame int) (entity.Bitmap, bool, error) {
	var (
		bmp entity.Bitmap
		ok  bool
	)
	err := s.loop.Do(ctx, func() { bmp, ok = s.cache.Get(frame) })
	return bmp, ok, err
}

// CachedCount counts the cached frames in [start, end).
func (s *Session) CachedCount(ctx context.Context, start, end int) (int, error) {
	var n int
	err := s.loop.Do(ctx, func() {
		for f := start; f < end; f++ {
			if s.playback.IsFrameCached(f) {
				n++
			}
		}
	})
	return n, err
}

func (s *Session) SetFrame(ctx context.Context, frame int) error {
	return s.loop.Do(ctx, func() { s.playback.SetFrame(frame) })
}

func (s *Session) Skip(ctx context.Context, offset int) error {
	return s.loop.Do(ctx, func() { s.playback.Skip(offset) })
}

func (s *Session) Play(ctx context.Context) error {
	return s.loop.Do(ctx, s.playback.Play)
}

func (s *Session) Pause(ctx context.Context) error {
	return s.loop.Do(ctx, s.playback.Pause)
}

func (s *Session) SetRange(ctx context.Context, start, end int) error {
	if end <= start {
		return fmt.Errorf("range end %d must be after start %d", end, start)
	}
	return s.loop.Do(ctx, func() { s.playback.SetRange(start, end) })
}

func (s *Session) SetSpeed(ctx context.Context, speed float64) error {
	var speedErr error
	if err := s.loop.Do(ctx, func() { speedErr = s.playback.SetSpeed(speed) }); err != nil {
		return err
	}
	return speedErr
}

func (s *Session) Playback(ctx context.Context) (PlaybackState, error) {
	var st PlaybackState
	err := s.loop.Do(ctx, func() { st = s.playback.State() })
	return st, err
}

// Ready reports whether the loop answers and at least one worker is usable.
func (s *Session) Ready(ctx context.Context) error {
	var usable int
	if err := s.loop.Do(ctx, func() {
		for _, w := range s.pool.Workers() {
			if w.State != "errored" {
				usable++
			}
		}
	}); err != nil {
		return err
	}
	if usable == 0 {
		return fmt.Errorf("no usable decode workers")
	}
	return nil
}

// Close releases the workers and the live decoder. Call it after the loop
// has stopped.
func (s *Session) Close() error {
	s.pool.Close()
	return s.playback.Close()
}

// publishingSurface announces every draw as a rendered event.
type publishingSurface struct {
	inner  port.Surface
	events port.EventPublisher
}

func (p *publishingSurface) Draw(frame int, bmp entity.Bitmap, origin entity.FrameOrigin) {
	if p.inner != nil {
		p.inner.Draw(frame, bmp, origin)
	}
	p.events.Publish(entity.RenderedEvent(frame, origin))
}
