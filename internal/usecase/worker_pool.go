package usecase

import (
	"context"
	"fmt"

	"github.com/fiapx/fiapx-framecache/internal/domain/entity"
	"github.com/fiapx/fiapx-framecache/internal/domain/port"
	"github.com/fiapx/fiapx-framecache/internal/infra/metrics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type PoolConfig struct {
	Workers   int
	MinIdle   int
	QueueSize int
}

type workerHandle struct {
	*entity.Worker
	conn port.WorkerConn
}

// WorkerPool owns the decode workers and splits extraction requests across
// the idle ones. It is not safe for concurrent use: every method, and every
// message delivered by the transport, runs on the coordinator loop.
type WorkerPool struct {
	cfg       PoolConfig
	transport port.WorkerTransport
	cache     port.FrameCache
	exec      Executor
	ledger    port.JobLedger
	logger    *zap.Logger

	ctx        context.Context
	workers    []*workerHandle
	generation uint64
	source     *entity.Source
	loadTx     *loadTransaction
	metadata   *entity.SourceMetadata
	queue      *extractionQueue

	OnMetadata    func(md entity.SourceMetadata)
	OnFrames      func(start, end int, images []entity.Bitmap)
	OnWorkerState func(snap entity.WorkerSnapshot)
}

func NewWorkerPool(
	cfg PoolConfig,
	transport port.WorkerTransport,
	cache port.FrameCache,
	exec Executor,
	ledger port.JobLedger,
	logger *zap.Logger,
) *WorkerPool {
	if cfg.MinIdle < 1 {
		cfg.MinIdle = 1
	}
	if ledger == nil {
		ledger = NopLedger{}
	}
	return &WorkerPool{
		cfg:       cfg,
		transport: transport,
		cache:     cache,
		exec:      exec,
		ledger:    ledger,
		logger:    logger,
		ctx:       context.Background(),
		queue:     newExtractionQueue(cfg.QueueSize),
	}
}

// Start spawns the configured number of workers.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.ctx = ctx
	return p.Grow(ctx, p.cfg.Workers)
}

// Grow adds n workers. The pool never shrinks; a worker whose spawn fails
// is kept as Errored so ids stay stable.
func (p *WorkerPool) Grow(ctx context.Context, n int) error {
	var failed int
	for i := 0; i < n; i++ {
		id := len(p.workers)
		h := &workerHandle{Worker: entity.NewWorker(id)}
		p.workers = append(p.workers, h)

		conn, err := p.transport.Spawn(ctx, id, p.deliverFor(id))
		if err != nil {
			failed++
			p.markErrored(h, fmt.Sprintf("spawn: %v", err))
			continue
		}
		h.conn = conn
		p.reportState(h)
	}

	p.logger.Info("worker pool grown", zap.Int("added", n), zap.Int("total", len(p.workers)), zap.Int("failed", failed))
	if failed == n && n > 0 {
		return fmt.Errorf("spawn workers: all %d failed", n)
	}
	return nil
}

func (p *WorkerPool) deliverFor(id int) func(entity.Message) {
	return func(msg entity.Message) {
		p.exec.Post(func() { p.HandleMessage(id, msg) })
	}
}

// Load hands a new source to every worker that can take it and forgets
// everything cached for the previous one. Busy workers get the source as
// soon as their current job reports back.
func (p *WorkerPool) Load(ctx context.Context, src entity.Source) uuid.UUID {
	_, span := otel.Tracer("usecase").Start(ctx, "WorkerPool.Load")
	defer span.End()

	p.generation++
	p.source = &src
	p.loadTx = newLoadTransaction(p.generation, src.Filename)
	p.metadata = nil
	p.cache.Clear()
	p.queue.clear()
	metrics.ExtractQueueLength.Set(0)

	span.SetAttributes(
		attribute.String("load.id", p.loadTx.id.String()),
		attribute.Int64("load.generation", int64(p.generation)),
		attribute.String("load.filename", src.Filename),
		attribute.Int("load.bytes", len(src.Data)),
	)

	sent := 0
	for _, h := range p.workers {
		switch h.State.(type) {
		case entity.Ready, entity.Idle, entity.Loading:
			p.sendLoad(h)
			sent++
		}
	}

	p.logger.Info("source loaded",
		zap.String("load_id", p.loadTx.id.String()),
		zap.Uint64("generation", p.generation),
		zap.String("filename", src.Filename),
		zap.Int("bytes", len(src.Data)),
		zap.Int("workers_notified", sent),
	)
	return p.loadTx.id
}

// ExtractFrames splits [center-distance, center+distance) across the idle
// workers and returns the number of jobs handed out. It never blocks on the
// workers; results arrive later through HandleMessage.
func (p *WorkerPool) ExtractFrames(ctx context.Context, center, distance int) int {
	req := entity.ExtractionRequest{CenterFrame: center, Distance: distance}
	log := p.logger.With(zap.Int("center", center), zap.Int("distance", distance))

	if distance <= 0 {
		log.Warn("extraction distance must be positive")
		metrics.ExtractRejectedTotal.WithLabelValues("invalid").Inc()
		return 0
	}
	if p.source == nil {
		log.Warn("no source loaded, ignoring extraction request")
		metrics.ExtractRejectedTotal.WithLabelValues("no_source").Inc()
		return 0
	}

	idle := p.idleWorkers()
	if len(idle) < p.cfg.MinIdle {
		p.postpone(req, len(idle), log)
		return 0
	}
	return p.schedule(ctx, req, idle)
}

func (p *WorkerPool) postpone(req entity.ExtractionRequest, idle int, log *zap.Logger) {
	accepted, dropped := p.queue.push(req)
	if !accepted {
		log.Warn("not enough idle workers and no queue, dropping request",
			zap.Int("idle", idle), zap.Int("needed", p.cfg.MinIdle))
		metrics.ExtractRejectedTotal.WithLabelValues("insufficient_idle").Inc()
		return
	}
	if dropped != nil {
		log.Warn("extraction queue full, dropped oldest request",
			zap.Int("dropped_center", dropped.CenterFrame), zap.Int("dropped_distance", dropped.Distance))
		metrics.ExtractRejectedTotal.WithLabelValues("queue_full").Inc()
	}
	log.Info("not enough idle workers, request queued", zap.Int("idle", idle), zap.Int("queued", p.queue.len()))
	metrics.ExtractRejectedTotal.WithLabelValues("queued").Inc()
	metrics.ExtractQueueLength.Set(float64(p.queue.len()))
}

func (p *WorkerPool) schedule(ctx context.Context, req entity.ExtractionRequest, idle []*workerHandle) int {
	_, span := otel.Tracer("usecase").Start(ctx, "WorkerPool.ExtractFrames")
	defer span.End()

	total := 0
	if p.metadata != nil {
		total = p.metadata.TotalFrames()
	}
	start, end := PrefetchWindow(req.CenterFrame, req.Distance, total)
	if start >= end {
		p.logger.Warn("extraction window lies past the end of the source",
			zap.Int("center", req.CenterFrame), zap.Int("distance", req.Distance), zap.Int("total_frames", total))
		metrics.ExtractRejectedTotal.WithLabelValues("out_of_range").Inc()
		return 0
	}
	ranges := splitRange(start, end, len(idle))

	assigned := 0
	for i, r := range ranges {
		h := idle[i]
		job := entity.NewJob(p.loadTx.id, p.generation, h.ID, r.Start, r.End)
		if err := h.Assign(job); err != nil {
			p.logger.Error("assign job", zap.Error(err))
			continue
		}
		if err := h.conn.Send(entity.JobMessage(job)); err != nil {
			p.markErrored(h, fmt.Sprintf("send job: %v", err))
			continue
		}
		p.record(func(ctx context.Context) error { return p.ledger.RecordAssigned(ctx, job) })
		p.reportState(h)
		metrics.JobsAssignedTotal.Inc()
		assigned++

		p.logger.Debug("job assigned",
			zap.Int("worker_id", h.ID),
			zap.String("job_id", job.ID.String()),
			zap.Int("start", r.Start),
			zap.Int("end", r.End),
		)
	}

	span.SetAttributes(
		attribute.Int("extract.start", start),
		attribute.Int("extract.end", end),
		attribute.Int("extract.jobs", assigned),
	)
	p.logger.Info("frames requested",
		zap.Int("start", start), zap.Int("end", end),
		zap.Int("idle_workers", len(idle)), zap.Int("jobs", assigned))
	return assigned
}

// drainQueue schedules queued requests while enough workers are idle.
func (p *WorkerPool) drainQueue() {
	for p.queue.len() > 0 {
		idle := p.idleWorkers()
		if len(idle) < p.cfg.MinIdle {
			break
		}
		req, _ := p.queue.pop()
		metrics.ExtractQueueLength.Set(float64(p.queue.len()))
		p.schedule(p.ctx, req, idle)
	}
}

func (p *WorkerPool) sendLoad(h *workerHandle) {
	if err := h.MarkLoading(p.generation); err != nil {
		p.logger.Error("mark loading", zap.Error(err))
		return
	}
	if err := h.conn.Send(entity.LoadMessage(*p.source, p.generation)); err != nil {
		p.markErrored(h, fmt.Sprintf("send load: %v", err))
		return
	}
	p.reportState(h)
}

// syncSource sends the current source to an idle worker still holding an older one.
func (p *WorkerPool) syncSource(h *workerHandle) {
	if p.source == nil {
		return
	}
	if gen, ok := h.LoadedGeneration(); ok && gen != p.generation && h.CurrentJob() == nil {
		p.sendLoad(h)
	}
}

// askMetadata sends info to the first worker idle on the current source,
// unless someone was already asked.
func (p *WorkerPool) askMetadata() {
	tx := p.loadTx
	if tx == nil || !tx.shouldAsk() {
		return
	}
	for _, h := range p.workers {
		if !h.IsIdleFor(tx.generation) {
			continue
		}
		if err := h.conn.Send(entity.InfoMessage()); err != nil {
			p.markErrored(h, fmt.Sprintf("send info: %v", err))
			continue
		}
		tx.ask(h.ID)
		p.logger.Debug("metadata requested", zap.Int("worker_id", h.ID), zap.String("load_id", tx.id.String()))
		return
	}
}

func (p *WorkerPool) markErrored(h *workerHandle, reason string) {
	if h.IsErrored() {
		return
	}
	job := h.Fail(reason)
	metrics.WorkerErrorsTotal.Inc()
	p.logger.Error("worker errored, excluding it from scheduling",
		zap.Int("worker_id", h.ID), zap.String("reason", reason))

	if job != nil {
		job.MarkFailed(reason)
		p.finishJob(job)
	}
	if p.loadTx != nil && p.loadTx.rearm(h.ID) {
		p.askMetadata()
	}
	p.reportState(h)
}

func (p *WorkerPool) finishJob(job *entity.Job) {
	status := string(job.Status)
	metrics.JobsFinishedTotal.WithLabelValues(status).Inc()
	if job.FinishedAt != nil {
		metrics.JobDuration.WithLabelValues(status).Observe(job.FinishedAt.Sub(job.CreatedAt).Seconds())
	}
	p.record(func(ctx context.Context) error { return p.ledger.RecordFinished(ctx, job) })
}

func (p *WorkerPool) record(fn func(ctx context.Context) error) {
	if err := fn(p.ctx); err != nil {
		p.logger.Warn("job ledger write failed", zap.Error(err))
	}
}

func (p *WorkerPool) reportState(h *workerHandle) {
	counts := make(map[string]int, len(entity.WorkerStates))
	for _, w := range p.workers {
		counts[w.State.Name()]++
	}
	for _, s := range entity.WorkerStates {
		metrics.WorkersByState.WithLabelValues(s).Set(float64(counts[s]))
	}
	if p.OnWorkerState != nil {
		p.OnWorkerState(h.Snapshot())
	}
}

func (p *WorkerPool) worker(id int) *workerHandle {
	if id < 0 || id >= len(p.workers) {
		return nil
	}
	return p.workers[id]
}

func (p *WorkerPool) idleWorkers() []*workerHandle {
	var idle []*workerHandle
	for _, h := range p.workers {
		if h.IsIdleFor(p.generation) {
			idle = append(idle, h)
		}
	}
	return idle
}

// Workers returns a snapshot of every worker in id order.
func (p *WorkerPool) Workers() []entity.WorkerSnapshot {
	out := make([]entity.WorkerSnapshot, len(p.workers))
	for i, h := range p.workers {
		out[i] = h.Snapshot()
	}
	return out
}

func (p *WorkerPool) Size() int { return len(p.workers) }

func (p *WorkerPool) IdleCount() int { return len(p.idleWorkers()) }

func (p *WorkerPool) BusyCount() int {
	n := 0
	for _, h := range p.workers {
		if h.CurrentJob() != nil {
			n++
		}
	}
	return n
}

func (p *WorkerPool) QueueLen() int { return p.queue.len() }

// IsWarmingUp reports whether some worker has not announced itself yet.
func (p *WorkerPool) IsWarmingUp() bool {
	for _, h := range p.workers {
		if _, ok := h.State.(entity.Spawning); ok {
			return true
		}
	}
	return false
}

func (p *WorkerPool) Generation() uint64 { return p.generation }

// Metadata is the report for the current source, once a worker sent it.
func (p *WorkerPool) Metadata() (entity.SourceMetadata, bool) {
	if p.metadata == nil {
		return entity.SourceMetadata{}, false
	}
	return *p.metadata, true
}

// Close closes every worker connection.
func (p *WorkerPool) Close() {
	for _, h := range p.workers {
		if h.conn == nil {
			continue
		}
		if err := h.conn.Close(); err != nil {
			p.logger.Warn("close worker", zap.Int("worker_id", h.ID), zap.Error(err))
		}
	}
}

// NopLedger discards job bookkeeping.
type NopLedger struct{}

func (NopLedger) RecordAssigned(context.Context, *entity.Job) error { return nil }
func (NopLedger) RecordFinished(context.Context, *entity.Job) error { return nil }
