package main

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/fiapx/fiapx-framecache/internal/domain/port"
	"github.com/fiapx/fiapx-framecache/internal/infra/cache"
	"github.com/fiapx/fiapx-framecache/internal/infra/config"
	"github.com/fiapx/fiapx-framecache/internal/infra/ffmpeg"
	"github.com/fiapx/fiapx-framecache/internal/infra/httpapi"
	"github.com/fiapx/fiapx-framecache/internal/infra/inproc"
	"github.com/fiapx/fiapx-framecache/internal/infra/localfs"
	miniostorage "github.com/fiapx/fiapx-framecache/internal/infra/minio"
	"github.com/fiapx/fiapx-framecache/internal/infra/postgres"
	"github.com/fiapx/fiapx-framecache/internal/infra/rabbitmq"
	"github.com/fiapx/fiapx-framecache/internal/infra/stdio"
	"github.com/fiapx/fiapx-framecache/internal/usecase"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// app is one coordinator session with everything it needs.
type app struct {
	session *usecase.Session
	sources port.SourceStore
	hub     *httpapi.Hub
	raster  *httpapi.RasterSurface

	stopLoop context.CancelFunc
	loopDone chan struct{}
	closers  []func()
	log      *zap.Logger
}

func ffmpegConfig(cfg *config.Config) ffmpeg.Config {
	return ffmpeg.Config{
		FFmpegPath:  cfg.FFmpegPath,
		FFprobePath: cfg.FFprobePath,
		Quality:     cfg.FFmpegQuality,
		TempDir:     cfg.TempDir,
	}
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	a := &app{log: log}

	loopCtx, stop := context.WithCancel(context.Background())
	loop := usecase.NewLoop(cfg.LoopBuffer, log.Named("loop"))
	a.stopLoop, a.loopDone = stop, make(chan struct{})
	go func() {
		defer close(a.loopDone)
		if err := loop.Run(loopCtx); err != nil {
			log.Debug("coordinator loop stopped", zap.Error(err))
		}
	}()

	transport, err := a.newTransport(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	var ledger port.JobLedger
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := postgres.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
			log.Warn("migration warning", zap.Error(err))
		}
		l := postgres.NewLedger(postgres.NewJobRepository(pool), cfg.LedgerBuffer, log.Named("ledger"))
		a.closers = append(a.closers, l.Close)
		ledger = l
	}

	if a.sources, err = newSourceStore(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}

	workers := cfg.WorkerCount
	if workers == 0 {
		workers = runtime.NumCPU()
	}
	frameCache := cache.NewFrameCache(cfg.CacheByteBudget)
	pool := usecase.NewWorkerPool(usecase.PoolConfig{
		Workers:   workers,
		MinIdle:   cfg.MinIdleWorkers,
		QueueSize: cfg.ExtractQueueSize,
	}, transport, frameCache, loop, ledger, log.Named("pool"))

	a.hub = httpapi.NewHub(log.Named("events"))
	a.raster = httpapi.NewRasterSurface()
	a.session = usecase.NewSession(usecase.SessionDeps{
		Loop:    loop,
		Pool:    pool,
		Cache:   frameCache,
		Decoder: ffmpeg.NewLiveDecoder(ffmpegConfig(cfg), log.Named("live")),
		Surface: a.raster,
		Events:  a.hub,
		FPS:     cfg.DefaultFPS,
		Logger:  log.Named("session"),
	})

	var startErr error
	if err := loop.Do(ctx, func() { startErr = pool.Start(loopCtx) }); err != nil {
		a.Close()
		return nil, err
	}
	if startErr != nil {
		a.Close()
		return nil, startErr
	}
	return a, nil
}

func (a *app) newTransport(cfg *config.Config) (port.WorkerTransport, error) {
	switch cfg.WorkerTransport {
	case config.TransportStdio:
		command := cfg.WorkerCommand
		if command == "" {
			self, err := os.Executable()
			if err != nil {
				return nil, fmt.Errorf("locate worker executable: %w", err)
			}
			command = self
		}
		return stdio.NewTransport(stdio.Config{
			Command: command,
			Args:    []string{"worker", "--transport", "stdio"},
		}, a.log.Named("stdio")), nil

	case config.TransportAMQP:
		conn, err := rabbitmq.Dial(cfg.RabbitMQURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { conn.Close() })
		tr, err := rabbitmq.NewTransport(conn, cfg.RabbitMQQueuePrefix, a.log.Named("amqp"))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { tr.Close() })
		return tr, nil

	default:
		return inproc.NewTransport(ffmpeg.NewCodecFactory(ffmpegConfig(cfg), a.log.Named("codec")), a.log.Named("inproc")), nil
	}
}

func newSourceStore(ctx context.Context, cfg *config.Config) (port.SourceStore, error) {
	switch {
	case cfg.MinIOEndpoint != "":
		storage, err := miniostorage.NewStorage(miniostorage.StorageConfig{
			Endpoint:     cfg.MinIOEndpoint,
			AccessKey:    cfg.MinIOAccessKey,
			SecretKey:    cfg.MinIOSecretKey,
			UseSSL:       cfg.MinIOUseSSL,
			SourceBucket: cfg.MinIOSourceBucket,
		})
		if err != nil {
			return nil, err
		}
		if err := storage.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("ensure minio bucket: %w", err)
		}
		return storage, nil
	case cfg.SourceDir != "":
		return localfs.NewStore(cfg.SourceDir), nil
	default:
		return nil, nil
	}
}

// Close stops the loop first so nothing touches the pool while the workers
// and the live decoder shut down.
func (a *app) Close() {
	if a.hub != nil {
		a.hub.Close()
	}
	a.stopLoop()
	<-a.loopDone
	if a.session != nil {
		if err := a.session.Close(); err != nil {
			a.log.Warn("close session", zap.Error(err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
