package port

import (
	"context"

	"github.com/fiapx/fiapx-framecache/internal/domain/entity"
)

// SourceStore fetches source videos by key.
type SourceStore interface {
	FetchSource(ctx context.Context, key string) (entity.Source, error)
}

// FrameCache maps frame indices to bitmaps.
type FrameCache interface {
	Put(frame int, bmp entity.Bitmap)
	PutRange(start, end int, bmps []entity.Bitmap) int
	Has(frame int) bool
	Get(frame int) (entity.Bitmap, bool)
	Clear()
	Len() int
}
