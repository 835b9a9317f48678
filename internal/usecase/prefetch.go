package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fiapx/fiapx-framecache/internal/domain/entity"
	"github.com/fiapx/fiapx-framecache/internal/domain/port"
	"github.com/fiapx/fiapx-framecache/internal/infra/metrics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// prefetchSession is the part of Session a prefetch drives.
type prefetchSession interface {
	Load(ctx context.Context, src entity.Source) (uuid.UUID, error)
	Metadata(ctx context.Context) (entity.SourceMetadata, bool, error)
	ExtractFrames(ctx context.Context, center, distance int) (int, error)
	Pool(ctx context.Context) (PoolStatus, error)
	CachedCount(ctx context.Context, start, end int) (int, error)
}

type PrefetchRequest struct {
	// Key is fetched from the source store when Source is empty.
	Key      string
	Source   entity.Source
	Center   int
	Distance int
}

type PrefetchResult struct {
	LoadID   uuid.UUID
	Metadata entity.SourceMetadata
	Start    int
	End      int
	Cached   int
}

// PrefetchUseCase loads a source and blocks until the frames around a
// position are cached or no work is left.
type PrefetchUseCase struct {
	session  prefetchSession
	sources  port.SourceStore
	logger   *zap.Logger
	interval time.Duration

	// OnMetadata and OnProgress are optional.
	OnMetadata func(md entity.SourceMetadata, start, end int)
	OnProgress func(cached, wanted int)
}

func NewPrefetchUseCase(session prefetchSession, sources port.SourceStore, logger *zap.Logger) *PrefetchUseCase {
	return &PrefetchUseCase{session: session, sources: sources, logger: logger, interval: 50 * time.Millisecond}
}

func (uc *PrefetchUseCase) Execute(ctx context.Context, req PrefetchRequest) (*PrefetchResult, error) {
	tracer := otel.Tracer("usecase")
	ctx, span := tracer.Start(ctx, "PrefetchUseCase.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("prefetch.key", req.Key),
		attribute.Int("prefetch.center", req.Center),
		attribute.Int("prefetch.distance", req.Distance),
	)

	if req.Distance <= 0 {
		return nil, errors.New("prefetch distance must be positive")
	}
	totalTimer := time.Now()
	log := uc.logger.With(zap.Int("center", req.Center), zap.Int("distance", req.Distance))

	src := req.Source
	if src.Data == nil {
		if uc.sources == nil || req.Key == "" {
			return nil, errors.New("prefetch needs a source or a key and a source store")
		}
		stageStart := time.Now()
		ctx2, spanFetch := tracer.Start(ctx, "fetch_source")
		var err error
		src, err = uc.sources.FetchSource(ctx2, req.Key)
		spanFetch.End()
		if err != nil {
			return nil, fmt.Errorf("fetch source %s: %w", req.Key, err)
		}
		metrics.PrefetchStageDuration.WithLabelValues("fetch").Observe(time.Since(stageStart).Seconds())
	}
	log = log.With(zap.String("filename", src.Filename))

	res := &PrefetchResult{}
	var err error
	if res.LoadID, err = uc.session.Load(ctx, src); err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}

	stageStart := time.Now()
	ctx3, spanMd := tracer.Start(ctx, "await_metadata")
	res.Metadata, err = uc.awaitMetadata(ctx3)
	spanMd.End()
	if err != nil {
		return nil, err
	}
	metrics.PrefetchStageDuration.WithLabelValues("metadata").Observe(time.Since(stageStart).Seconds())

	res.Start, res.End = PrefetchWindow(req.Center, req.Distance, res.Metadata.TotalFrames())
	if uc.OnMetadata != nil {
		uc.OnMetadata(res.Metadata, res.Start, res.End)
	}

	stageStart = time.Now()
	ctx4, spanEx := tracer.Start(ctx, "extract_frames")
	if err := uc.requestExtraction(ctx4, req.Center, req.Distance); err != nil {
		spanEx.End()
		return nil, err
	}
	res.Cached, err = uc.awaitFrames(ctx4, res.Start, res.End)
	spanEx.SetAttributes(attribute.Int("prefetch.cached", res.Cached))
	spanEx.End()
	if err != nil {
		return res, err
	}
	metrics.PrefetchStageDuration.WithLabelValues("extract").Observe(time.Since(stageStart).Seconds())
	metrics.PrefetchStageDuration.WithLabelValues("total").Observe(time.Since(totalTimer).Seconds())

	log.Info("prefetch finished",
		zap.Int("cached", res.Cached),
		zap.Int("wanted", res.End-res.Start),
		zap.Duration("elapsed", time.Since(totalTimer)),
	)
	return res, nil
}

func (uc *PrefetchUseCase) poll(ctx context.Context, what string, step func() (bool, error)) error {
	ticker := time.NewTicker(uc.interval)
	defer ticker.Stop()
	for {
		done, err := step()
		if err != nil || done {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", what, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (uc *PrefetchUseCase) awaitMetadata(ctx context.Context) (entity.SourceMetadata, error) {
	var md entity.SourceMetadata
	err := uc.poll(ctx, "metadata", func() (bool, error) {
		var (
			ok  bool
			err error
		)
		md, ok, err = uc.session.Metadata(ctx)
		return ok, err
	})
	return md, err
}

// requestExtraction retries until enough workers hold the source to take
// the request, or it was queued.
func (uc *PrefetchUseCase) requestExtraction(ctx context.Context, center, distance int) error {
	return uc.poll(ctx, "idle workers", func() (bool, error) {
		jobs, err := uc.session.ExtractFrames(ctx, center, distance)
		if err != nil || jobs > 0 {
			return true, err
		}
		st, err := uc.session.Pool(ctx)
		if err != nil {
			return true, err
		}
		return st.Queued > 0, nil
	})
}

// awaitFrames stops early once nothing is running or queued: the end of the
// stream or an errored worker can leave gaps.
func (uc *PrefetchUseCase) awaitFrames(ctx context.Context, start, end int) (int, error) {
	var cached int
	err := uc.poll(ctx, "frames", func() (bool, error) {
		n, err := uc.session.CachedCount(ctx, start, end)
		if err != nil {
			return true, err
		}
		cached = n
		if uc.OnProgress != nil {
			uc.OnProgress(n, end-start)
		}
		if n >= end-start {
			return true, nil
		}
		st, err := uc.session.Pool(ctx)
		if err != nil {
			return true, err
		}
		return st.Busy == 0 && st.Queued == 0, nil
	})
	return cached, err
}
