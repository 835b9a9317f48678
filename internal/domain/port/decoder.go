package port

import (
	"context"

	"github.com/fiapx/fiapx-framecache/internal/domain/entity"
)

// LiveDecoder is the slow primary decoder behind the playback view.
type LiveDecoder interface {
	Open(ctx context.Context, src entity.Source) error
	// Seek starts moving to position (seconds) and calls done once, from
	// any goroutine, when the seek finished or failed.
	Seek(position float64, done func(err error))
	// Capture returns the raster of the last completed seek.
	Capture() (entity.Bitmap, error)
	Close() error
}

// Surface is where the playback view draws.
type Surface interface {
	Draw(frame int, bmp entity.Bitmap, origin entity.FrameOrigin)
}
