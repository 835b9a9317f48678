package usecase

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/fiapx/fiapx-framecache/internal/domain/entity"
	"github.com/fiapx/fiapx-framecache/internal/domain/port"
	"github.com/fiapx/fiapx-framecache/internal/infra/metrics"
	"go.uber.org/zap"
)

const DefaultFPS = 29.98

// PlaybackState is a read-only copy of the playback view for reporting.
type PlaybackState struct {
	Frame           int     `json:"frame"`
	StartFrame      int     `json:"start_frame"`
	EndFrame        int     `json:"end_frame"`
	TotalFrames     int     `json:"total_frames"`
	FPS             float64 `json:"fps"`
	Speed           float64 `json:"speed"`
	Playing         bool    `json:"playing"`
	VideoFrameReady bool    `json:"video_frame_ready"`
	CacheFrameReady bool    `json:"cache_frame_ready"`
}

// PlaybackFrameSource decides, for the frame being shown, whether to draw
// the cached bitmap or the live decoder's output. Once the live decoder
// has reached the frame, its output is drawn and the cache is not consulted
// again until the next SetFrame. Like the pool it lives on the coordinator
// loop; seek completions and play ticks are posted back to it.
type PlaybackFrameSource struct {
	decoder port.LiveDecoder
	surface port.Surface
	cache   port.FrameCache
	exec    Executor
	logger  *zap.Logger

	defaultFPS    float64
	fps           float64
	speed         float64
	metadataKnown bool

	total      int
	startFrame int
	endFrame   int

	frame         int
	previousFrame int

	videoFrameReady bool
	cacheFrameReady bool

	seekSeq     uint64
	seekStarted time.Time

	loadSeq uint64
	loading bool

	playing  bool
	playSeq  uint64
	stopPlay context.CancelFunc
	tickers  sync.WaitGroup

	OnFrame func(frame int)
}

func NewPlaybackFrameSource(
	decoder port.LiveDecoder,
	surface port.Surface,
	cache port.FrameCache,
	exec Executor,
	fps float64,
	logger *zap.Logger,
) *PlaybackFrameSource {
	if fps <= 0 {
		fps = DefaultFPS
	}
	return &PlaybackFrameSource{
		decoder:       decoder,
		surface:       surface,
		cache:         cache,
		exec:          exec,
		logger:        logger,
		defaultFPS:    fps,
		fps:           fps,
		speed:         1,
		previousFrame: -1,
	}
}

// Load opens src in the live decoder and shows its first frame. Seeks still
// in flight for the previous source are ignored when they complete.
func (s *PlaybackFrameSource) Load(ctx context.Context, src entity.Source, fps float64) error {
	token := s.BeginLoad(fps)
	return s.FinishLoad(token, s.OpenSource(ctx, src))
}

// BeginLoad resets playback for a new source and returns the token that
// FinishLoad expects. fps of 0 falls back to the default until metadata
// arrives, and frames are not captured into the cache before that.
func (s *PlaybackFrameSource) BeginLoad(fps float64) uint64 {
	s.Pause()
	s.seekSeq++
	s.loadSeq++
	s.loading = true
	s.total, s.startFrame, s.endFrame = 0, 0, 0
	s.frame, s.previousFrame = 0, -1
	s.videoFrameReady, s.cacheFrameReady = false, false
	s.fps = s.defaultFPS
	s.metadataKnown = fps > 0
	if fps > 0 {
		s.fps = fps
	}
	return s.loadSeq
}

// OpenSource opens src in the live decoder. It touches no playback state,
// so it may run off the coordinator loop.
func (s *PlaybackFrameSource) OpenSource(ctx context.Context, src entity.Source) error {
	return s.decoder.Open(ctx, src)
}

// FinishLoad seeks to the current frame once the decoder holds the source
// started by token. A token superseded by a later BeginLoad is ignored.
func (s *PlaybackFrameSource) FinishLoad(token uint64, openErr error) error {
	if token != s.loadSeq {
		return nil
	}
	s.loading = false
	if openErr != nil {
		return fmt.Errorf("open live decoder: %w", openErr)
	}
	s.SetFrame(s.frame)
	return nil
}

// SetMetadata adopts the source's frame rate and length. The playback range
// is reset to the whole source.
func (s *PlaybackFrameSource) SetMetadata(md entity.SourceMetadata) {
	if md.FPS > 0 {
		s.fps = md.FPS
		s.metadataKnown = true
	}
	s.total = md.TotalFrames()
	s.startFrame = 0
	s.endFrame = s.total
	s.logger.Info("playback metadata",
		zap.Float64("fps", s.fps), zap.Int("total_frames", s.total))

	if s.playing {
		s.restartTicker()
	}
}

// SetFrame moves to frame, clamped to the playback range. It returns at once;
// the live frame is drawn when the seek completes.
func (s *PlaybackFrameSource) SetFrame(frame int) {
	frame = s.clampFrame(frame)
	s.frame = frame

	s.seekSeq++
	seq := s.seekSeq
	s.seekStarted = time.Now()
	s.videoFrameReady = false
	if !s.loading {
		s.decoder.Seek(float64(frame)/s.fps, func(err error) {
			s.exec.Post(func() { s.onSeeked(seq, frame, err) })
		})
	}

	s.cacheFrameReady = s.cache.Has(frame)
	if s.cacheFrameReady {
		metrics.PlaybackLookupsTotal.WithLabelValues("hit").Inc()
		s.draw()
	} else {
		metrics.PlaybackLookupsTotal.WithLabelValues("miss").Inc()
	}
}

func (s *PlaybackFrameSource) onSeeked(seq uint64, frame int, err error) {
	if seq != s.seekSeq {
		s.logger.Debug("ignoring superseded seek", zap.Int("frame", frame))
		return
	}
	metrics.SeekDuration.Observe(time.Since(s.seekStarted).Seconds())
	if err != nil {
		s.logger.Warn("live seek failed", zap.Int("frame", frame), zap.Error(err))
		return
	}
	s.videoFrameReady = true
	s.draw()
}

func (s *PlaybackFrameSource) draw() {
	var (
		bmp    entity.Bitmap
		origin entity.FrameOrigin
	)
	switch {
	case s.videoFrameReady:
		live, err := s.decoder.Capture()
		if err != nil {
			s.logger.Warn("capture live frame", zap.Int("frame", s.frame), zap.Error(err))
			return
		}
		bmp, origin = live, entity.OriginLive
	case s.cacheFrameReady:
		cached, ok := s.cache.Get(s.frame)
		if !ok {
			// evicted between SetFrame and now
			s.cacheFrameReady = false
			return
		}
		bmp, origin = cached, entity.OriginCache
	default:
		return
	}

	s.surface.Draw(s.frame, bmp, origin)
	metrics.RendersTotal.WithLabelValues(string(origin)).Inc()

	if s.frame == s.previousFrame {
		return
	}
	s.previousFrame = s.frame
	if s.OnFrame != nil {
		s.OnFrame(s.frame)
	}
	// until the source's own fps is known a seek may land on another frame
	if origin == entity.OriginLive && s.metadataKnown && !s.cache.Has(s.frame) {
		s.cache.Put(s.frame, bmp)
		metrics.FramesCachedTotal.WithLabelValues("capture").Inc()
	}
}

// IsFrameCached reports whether frame has a cache entry from any source.
func (s *PlaybackFrameSource) IsFrameCached(frame int) bool {
	return s.cache.Has(frame)
}

// Skip moves offset frames from the current one. Offsets past either end
// of the range land on that end.
func (s *PlaybackFrameSource) Skip(offset int) {
	target := s.frame + offset
	switch {
	case offset > 0 && s.frame > math.MaxInt-offset:
		target = math.MaxInt
	case target < 0:
		target = 0
	}
	s.SetFrame(target)
}

// SetRange restricts playback to [start, end]. start is kept below end and
// end within the source once its length is known.
func (s *PlaybackFrameSource) SetRange(start, end int) {
	upper := math.MaxInt
	if s.total > 0 {
		upper = s.total
	}
	s.endFrame = max(1, min(end, upper))
	s.startFrame = max(0, min(start, s.endFrame-1))
	s.endFrame = max(s.startFrame+1, s.endFrame)

	if s.frame < s.startFrame || s.frame > s.endFrame {
		s.SetFrame(s.frame)
	}
}

func (s *PlaybackFrameSource) clampFrame(frame int) int {
	frame = max(frame, s.startFrame)
	if s.endFrame > 0 {
		frame = min(frame, s.endFrame)
	}
	return frame
}

// Play advances one frame per tick at fps times speed, looping back to the
// range start past its end.
func (s *PlaybackFrameSource) Play() {
	if s.playing {
		return
	}
	s.playing = true
	s.restartTicker()
}

func (s *PlaybackFrameSource) Pause() {
	if !s.playing {
		return
	}
	s.playing = false
	s.stopTicker()
}

func (s *PlaybackFrameSource) SetSpeed(speed float64) error {
	if speed <= 0 {
		return fmt.Errorf("playback speed must be positive, got %v", speed)
	}
	s.speed = speed
	if s.playing {
		s.restartTicker()
	}
	return nil
}

func (s *PlaybackFrameSource) restartTicker() {
	s.stopTicker()

	s.playSeq++
	seq := s.playSeq
	interval := time.Duration(float64(time.Second) / (s.fps * s.speed))
	ctx, cancel := context.WithCancel(context.Background())
	s.stopPlay = cancel

	s.tickers.Add(1)
	go func() {
		defer s.tickers.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.exec.Post(func() { s.tick(seq) })
			}
		}
	}()
}

func (s *PlaybackFrameSource) stopTicker() {
	if s.stopPlay != nil {
		s.stopPlay()
		s.stopPlay = nil
	}
}

func (s *PlaybackFrameSource) tick(seq uint64) {
	if !s.playing || seq != s.playSeq {
		return
	}
	next := s.frame + 1
	if next < s.startFrame || (s.endFrame > 0 && next > s.endFrame) {
		next = s.startFrame
	}
	s.SetFrame(next)
}

// Close stops playback and waits for the play ticker to exit. Call it once
// the coordinator loop has stopped.
func (s *PlaybackFrameSource) Close() error {
	s.playing = false
	s.stopTicker()
	s.tickers.Wait()
	return s.decoder.Close()
}

func (s *PlaybackFrameSource) State() PlaybackState {
	return PlaybackState{
		Frame:           s.frame,
		StartFrame:      s.startFrame,
		EndFrame:        s.endFrame,
		TotalFrames:     s.total,
		FPS:             s.fps,
		Speed:           s.speed,
		Playing:         s.playing,
		VideoFrameReady: s.videoFrameReady,
		CacheFrameReady: s.cacheFrameReady,
	}
}

func (s *PlaybackFrameSource) Frame() int { return s.frame }
