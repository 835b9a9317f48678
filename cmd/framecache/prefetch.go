package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fiapx/fiapx-framecache/internal/domain/entity"
	"github.com/fiapx/fiapx-framecache/internal/infra/config"
	"github.com/fiapx/fiapx-framecache/internal/infra/localfs"
	"github.com/fiapx/fiapx-framecache/internal/usecase"
	"github.com/fiapx/fiapx-framecache/pkg/logger"
	"github.com/schollz/progressbar/v3"
)

type PrefetchCmd struct {
	File     string        `arg:"" name:"file" help:"Video file to load" type:"existingfile"`
	Center   int           `help:"Frame to cache around" default:"0"`
	Distance int           `help:"Frames to cache on each side of the center" default:"150"`
	Workers  int           `help:"Decode workers (overrides WORKER_COUNT)" default:"0"`
	Timeout  time.Duration `help:"Give up after this long" default:"5m"`
}

func (cmd *PrefetchCmd) Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cmd.Workers > 0 {
		cfg.WorkerCount = cmd.Workers
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	src, err := localfs.ReadFile(cmd.File)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cmd.Timeout)
	defer cancel()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer a.Close()

	var bar *progressbar.ProgressBar
	uc := usecase.NewPrefetchUseCase(a.session, a.sources, log.Named("prefetch"))
	uc.OnMetadata = func(md entity.SourceMetadata, start, end int) {
		fmt.Fprintf(os.Stderr, "%s: %dx%d @ %.2f fps, %d frames\n",
			src.Filename, md.Width, md.Height, md.FPS, md.TotalFrames())
		bar = progressbar.NewOptions(end-start,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription(fmt.Sprintf("caching [%d, %d)", start, end)),
			progressbar.OptionShowCount(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionThrottle(100*time.Millisecond),
		)
	}
	uc.OnProgress = func(cached, _ int) {
		if bar != nil {
			_ = bar.Set(cached)
		}
	}

	res, err := uc.Execute(ctx, usecase.PrefetchRequest{Source: src, Center: cmd.Center, Distance: cmd.Distance})
	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		return err
	}
	fmt.Printf("cached %d of %d frames in [%d, %d)\n", res.Cached, res.End-res.Start, res.Start, res.End)
	return nil
}
