// Package decodeworker is the worker side of the decode protocol: one codec,
// one loaded source at a time, driven only by messages.
package decodeworker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fiapx/fiapx-framecache/internal/domain/entity"
	"github.com/fiapx/fiapx-framecache/internal/domain/port"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var ErrNoSource = errors.New("no source loaded")

// Inbox yields inbound messages in order. ok is false once it is closed.
type Inbox interface {
	Take() (msg entity.Message, ok bool)
}

// Outbox delivers one outbound message to the pool.
type Outbox func(msg entity.Message) error

type jobResult struct {
	start, end int
	generation uint64
	images     []entity.Bitmap
	err        error
	cancelled  bool
	elapsed    time.Duration
}

type runningJob struct {
	cancel context.CancelFunc
	done   chan jobResult
}

// Runtime serves the protocol for a single worker. It is not reusable:
// once Run returns the codec is closed.
type Runtime struct {
	codec  port.Codec
	send   Outbox
	logger *zap.Logger

	loaded      bool
	generation  uint64
	job         *runningJob
	pendingInfo bool
}

func NewRuntime(codec port.Codec, send Outbox, logger *zap.Logger) *Runtime {
	return &Runtime{codec: codec, send: send, logger: logger}
}

// Run announces the worker and then serves messages until the inbox is
// closed or ctx ends, returning nil in both cases. A codec failure is
// reported to the pool and ends Run with that error: an errored worker
// never serves again.
func (r *Runtime) Run(ctx context.Context, in Inbox) error {
	defer r.codec.Close()

	msgs := make(chan entity.Message)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		defer close(msgs)
		for {
			msg, ok := in.Take()
			if !ok {
				return
			}
			select {
			case msgs <- msg:
			case <-stop:
				return
			}
		}
	}()

	if err := r.send(entity.ReadyMessage()); err != nil {
		return fmt.Errorf("announce ready: %w", err)
	}

	for {
		var jobDone <-chan jobResult
		if r.job != nil {
			jobDone = r.job.done
		}

		select {
		case <-ctx.Done():
			r.cancelJob()
			return nil

		case msg, ok := <-msgs:
			if !ok {
				r.cancelJob()
				return nil
			}
			if err := r.handle(ctx, msg); err != nil {
				return r.fail(err)
			}

		case res := <-jobDone:
			r.job = nil
			if err := r.finishJob(ctx, res); err != nil {
				return r.fail(err)
			}
		}
	}
}

func (r *Runtime) handle(ctx context.Context, msg entity.Message) error {
	switch msg.Type {
	case entity.MsgLoad:
		return r.load(ctx, msg)
	case entity.MsgInfo:
		if r.job != nil {
			r.pendingInfo = true
			return nil
		}
		return r.info(ctx)
	case entity.MsgJob:
		return r.startJob(ctx, msg)
	default:
		r.logger.Warn("unknown message type", zap.String("type", string(msg.Type)))
		return nil
	}
}

func (r *Runtime) load(ctx context.Context, msg entity.Message) error {
	if r.job != nil {
		r.logger.Info("new source while extracting, dropping current job")
		r.cancelJob()
	}

	ctx, span := otel.Tracer("decodeworker").Start(ctx, "Runtime.load")
	defer span.End()
	span.SetAttributes(
		attribute.String("source.filename", msg.Filename),
		attribute.Int("source.bytes", len(msg.Data)),
		attribute.Int64("source.generation", int64(msg.Generation)),
	)

	if err := r.codec.Open(ctx, msg.Filename, msg.Data); err != nil {
		span.RecordError(err)
		return fmt.Errorf("open %s: %w", msg.Filename, err)
	}
	r.loaded = true
	r.generation = msg.Generation
	r.logger.Debug("source loaded", zap.String("filename", msg.Filename), zap.Uint64("generation", msg.Generation))

	if err := r.send(entity.LoadedMessage(msg.Generation)); err != nil {
		return err
	}
	if r.pendingInfo {
		r.pendingInfo = false
		return r.info(ctx)
	}
	return nil
}

func (r *Runtime) info(ctx context.Context) error {
	if !r.loaded {
		return fmt.Errorf("info: %w", ErrNoSource)
	}
	ctx, span := otel.Tracer("decodeworker").Start(ctx, "Runtime.info")
	defer span.End()

	md, err := r.codec.Probe(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("probe: %w", err)
	}
	return r.send(entity.MetadataResultMessage(*md, r.generation))
}

func (r *Runtime) startJob(ctx context.Context, msg entity.Message) error {
	if !r.loaded {
		return fmt.Errorf("job [%d, %d): %w", msg.Start, msg.End, ErrNoSource)
	}
	if r.job != nil {
		r.logger.Warn("job received while busy, ignoring", zap.Int("start", msg.Start), zap.Int("end", msg.End))
		return nil
	}
	if msg.Generation != 0 && msg.Generation != r.generation {
		r.logger.Warn("job for a source this worker does not hold",
			zap.Uint64("job_generation", msg.Generation), zap.Uint64("loaded_generation", r.generation))
	}

	jobCtx, cancel := context.WithCancel(ctx)
	job := &runningJob{cancel: cancel, done: make(chan jobResult, 1)}
	r.job = job

	start, end, gen := msg.Start, msg.End, msg.Generation
	go func() {
		spanCtx, span := otel.Tracer("decodeworker").Start(jobCtx, "Runtime.extract")
		span.SetAttributes(attribute.Int("job.start", start), attribute.Int("job.end", end))
		defer span.End()

		began := time.Now()
		images, err := r.codec.Extract(spanCtx, start, end)
		if err != nil {
			span.RecordError(err)
		}
		job.done <- jobResult{
			start:      start,
			end:        end,
			generation: gen,
			images:     images,
			err:        err,
			cancelled:  jobCtx.Err() != nil,
			elapsed:    time.Since(began),
		}
	}()
	return nil
}

func (r *Runtime) finishJob(ctx context.Context, res jobResult) error {
	if res.cancelled {
		return nil
	}
	if res.err != nil {
		return fmt.Errorf("extract [%d, %d): %w", res.start, res.end, res.err)
	}
	r.logger.Debug("job finished",
		zap.Int("start", res.start), zap.Int("end", res.end),
		zap.Int("frames", len(res.images)), zap.Duration("elapsed", res.elapsed))

	if err := r.send(entity.FramesMessage(res.start, res.end, res.images, res.generation)); err != nil {
		return err
	}
	if r.pendingInfo {
		r.pendingInfo = false
		return r.info(ctx)
	}
	return nil
}

// cancelJob stops the running job and waits for the codec to let go of it.
// Its result is dropped.
func (r *Runtime) cancelJob() {
	if r.job == nil {
		return
	}
	r.job.cancel()
	<-r.job.done
	r.job = nil
}

func (r *Runtime) fail(err error) error {
	r.cancelJob()
	r.logger.Error("decode worker failed", zap.Error(err))
	if sendErr := r.send(entity.ErrorMessage(err)); sendErr != nil {
		r.logger.Warn("could not report failure", zap.Error(sendErr))
	}
	return err
}
