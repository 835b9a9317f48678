package usecase

import (
	"fmt"

	"github.com/fiapx/fiapx-framecache/internal/domain/entity"
	"github.com/fiapx/fiapx-framecache/internal/infra/metrics"
	"go.uber.org/zap"
)

// HandleMessage applies one message from worker id. It is the only place
// worker results enter shared state, and it runs on the coordinator loop.
func (p *WorkerPool) HandleMessage(id int, msg entity.Message) {
	h := p.worker(id)
	if h == nil {
		p.logger.Error("message from unknown worker", zap.Int("worker_id", id), zap.String("type", string(msg.Type)))
		return
	}
	if h.IsErrored() {
		p.logger.Debug("ignoring message from errored worker", zap.Int("worker_id", id), zap.String("type", string(msg.Type)))
		return
	}

	switch msg.Type {
	case entity.MsgReady:
		p.onReady(h)
	case entity.MsgLoaded:
		p.onLoaded(h, msg)
	case entity.MsgMetadataResult:
		p.onMetadataResult(h, msg)
	case entity.MsgFrames:
		p.onFrames(h, msg)
	case entity.MsgError:
		p.markErrored(h, msg.Error)
	default:
		metrics.UnknownMessagesTotal.Inc()
		p.logger.Warn("unknown worker message", zap.Int("worker_id", id), zap.String("type", string(msg.Type)))
	}
}

func (p *WorkerPool) onReady(h *workerHandle) {
	if err := h.MarkReady(); err != nil {
		p.logger.Warn("unexpected ready", zap.Error(err))
		return
	}
	p.logger.Info("worker ready", zap.Int("worker_id", h.ID))
	p.reportState(h)

	if p.source != nil {
		p.sendLoad(h)
	}
}

func (p *WorkerPool) onLoaded(h *workerHandle, msg entity.Message) {
	current, err := h.MarkLoaded(msg.Generation)
	if err != nil {
		p.logger.Warn("unexpected loaded", zap.Error(err))
		return
	}
	if !current {
		p.logger.Debug("loaded ack for a superseded source",
			zap.Int("worker_id", h.ID), zap.Uint64("generation", msg.Generation))
		return
	}
	p.logger.Debug("worker loaded source", zap.Int("worker_id", h.ID), zap.Uint64("generation", msg.Generation))
	p.reportState(h)

	p.askMetadata()
	p.drainQueue()
}

func (p *WorkerPool) onMetadataResult(h *workerHandle, msg entity.Message) {
	tx := p.loadTx
	if tx == nil || msg.Metadata == nil || !tx.complete(msg.Generation, *msg.Metadata) {
		p.logger.Debug("ignoring metadata report",
			zap.Int("worker_id", h.ID), zap.Uint64("generation", msg.Generation))
		return
	}

	md := *msg.Metadata
	p.metadata = &md
	p.logger.Info("source metadata",
		zap.Int("worker_id", h.ID),
		zap.String("load_id", tx.id.String()),
		zap.Int("width", md.Width),
		zap.Int("height", md.Height),
		zap.Float64("fps", md.FPS),
		zap.Float64("tbr", md.TimeBaseRate),
	)
	if p.OnMetadata != nil {
		p.OnMetadata(md)
	}
}

func (p *WorkerPool) onFrames(h *workerHandle, msg entity.Message) {
	job, err := h.Finish()
	if err != nil {
		p.logger.Warn("frames without an assigned job", zap.Int("worker_id", h.ID), zap.Error(err))
		return
	}
	log := p.logger.With(zap.Int("worker_id", h.ID), zap.String("job_id", job.ID.String()))

	if msg.Start != job.StartFrame || msg.End != job.EndFrame {
		log.Warn("frames range differs from job, using job range",
			zap.Int("msg_start", msg.Start), zap.Int("msg_end", msg.End),
			zap.Int("job_start", job.StartFrame), zap.Int("job_end", job.EndFrame))
	}

	if job.Generation != p.generation {
		job.MarkStale(len(msg.Images))
		metrics.StaleResultsTotal.Inc()
		log.Info("discarding frames for a superseded source",
			zap.Uint64("job_generation", job.Generation), zap.Uint64("generation", p.generation))
		p.finishJob(job)
		p.reportState(h)
		p.syncSource(h)
		p.drainQueue()
		return
	}

	n := p.cache.PutRange(job.StartFrame, job.EndFrame, msg.Images)
	if n < job.Len() {
		log.Warn("worker returned fewer frames than requested",
			zap.Int("requested", job.Len()), zap.Int("received", len(msg.Images)))
	}
	job.MarkCompleted(n)
	metrics.FramesCachedTotal.WithLabelValues("job").Add(float64(n))
	p.finishJob(job)
	p.reportState(h)

	log.Debug("frames cached", zap.Int("start", job.StartFrame), zap.Int("count", n))
	if p.OnFrames != nil && n > 0 {
		p.OnFrames(job.StartFrame, job.StartFrame+n, msg.Images[:n])
	}

	p.syncSource(h)
	p.drainQueue()
}

func (p *WorkerPool) String() string {
	return fmt.Sprintf("WorkerPool(size=%d idle=%d busy=%d gen=%d)", len(p.workers), p.IdleCount(), p.BusyCount(), p.generation)
}
