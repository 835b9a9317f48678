package port

import (
	"context"

	"github.com/fiapx/fiapx-framecache/internal/domain/entity"
)

// JobLedger keeps bookkeeping of extraction jobs. It never stores bitmaps.
type JobLedger interface {
	RecordAssigned(ctx context.Context, job *entity.Job) error
	RecordFinished(ctx context.Context, job *entity.Job) error
}
