package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/fiapx/fiapx-framecache/internal/domain/entity"
	"go.uber.org/zap"
)

var errNoFrame = errors.New("no frame decoded yet")

// LiveDecoder is the playback view's primary decoder. A seek decodes the one
// frame at the target position in the background; a newer seek cancels the
// one in flight.
type LiveDecoder struct {
	codec  *Codec
	logger *zap.Logger

	mu     sync.Mutex
	seq    uint64
	fps    float64
	frame  entity.Bitmap
	cancel context.CancelFunc
}

func NewLiveDecoder(cfg Config, logger *zap.Logger) *LiveDecoder {
	return &LiveDecoder{codec: NewCodec(cfg, logger), logger: logger}
}

func (d *LiveDecoder) Open(ctx context.Context, src entity.Source) error {
	d.mu.Lock()
	d.seq++
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.frame = nil
	d.fps = 0
	d.mu.Unlock()

	if err := d.codec.Open(ctx, src.Filename, src.Data); err != nil {
		return fmt.Errorf("open live decoder: %w", err)
	}
	md, err := d.codec.Probe(ctx)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.fps = md.FPS
	d.mu.Unlock()
	return nil
}

func (d *LiveDecoder) Seek(position float64, done func(error)) {
	d.mu.Lock()
	d.seq++
	seq, fps := d.seq, d.fps
	if d.cancel != nil {
		d.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.mu.Unlock()

	go func() {
		defer cancel()
		if fps <= 0 {
			done(errNotOpen)
			return
		}
		frame := int(math.Round(position * fps))
		images, err := d.codec.Extract(ctx, frame, frame+1)
		if err == nil && len(images) == 0 {
			err = fmt.Errorf("no frame at %.3fs", position)
		}

		d.mu.Lock()
		if err == nil && seq == d.seq {
			d.frame = images[0]
		}
		d.mu.Unlock()
		if err != nil {
			d.logger.Debug("seek failed", zap.Float64("position", position), zap.Error(err))
		}
		done(err)
	}()
}

func (d *LiveDecoder) Capture() (entity.Bitmap, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frame == nil {
		return nil, errNoFrame
	}
	return d.frame, nil
}

func (d *LiveDecoder) Close() error {
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.mu.Unlock()
	return d.codec.Close()
}
