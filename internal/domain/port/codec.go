package port

import (
	"context"

	"github.com/fiapx/fiapx-framecache/internal/domain/entity"
)

// Codec is the opaque decode service wrapped by one decode worker.
// An instance holds at most one open source; Open replaces it.
type Codec interface {
	Open(ctx context.Context, filename string, data []byte) error
	Probe(ctx context.Context) (*entity.SourceMetadata, error)
	// Extract decodes the half-open range [start, end) in frame order.
	Extract(ctx context.Context, start, end int) ([]entity.Bitmap, error)
	Close() error
}

// CodecFactory builds a fresh codec per worker.
type CodecFactory func() (Codec, error)
