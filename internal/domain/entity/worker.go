package entity

import (
	"errors"
	"fmt"
	"time"
)

var ErrIllegalTransition = errors.New("illegal worker state transition")

// WorkerState is a sealed set of lifecycle states. Each variant carries only
// the data that is valid in that state.
type WorkerState interface {
	Name() string
	workerState()
}

type Spawning struct{}

type Ready struct{}

// Loading means a load for Generation was sent and not yet acknowledged.
type Loading struct{ Generation uint64 }

// Idle means the worker holds the source of Generation and has no job.
type Idle struct{ Generation uint64 }

// Busy holds the single job the worker is extracting.
type Busy struct{ Job *Job }

// Errored is terminal.
type Errored struct{ Reason string }

func (Spawning) Name() string { return "spawning" }
func (Ready) Name() string    { return "ready" }
func (Loading) Name() string  { return "loading" }
func (Idle) Name() string     { return "idle" }
func (Busy) Name() string     { return "busy" }
func (Errored) Name() string  { return "errored" }

func (Spawning) workerState() {}
func (Ready) workerState()    {}
func (Loading) workerState()  {}
func (Idle) workerState()     {}
func (Busy) workerState()     {}
func (Errored) workerState()  {}

// WorkerStates lists every state name, for metrics label pre-registration.
var WorkerStates = []string{"spawning", "ready", "loading", "idle", "busy", "errored"}

// Worker is the pool-side view of one decode worker.
type Worker struct {
	ID        int
	State     WorkerState
	SpawnedAt time.Time
	UpdatedAt time.Time
}

func NewWorker(id int) *Worker {
	now := time.Now().UTC()
	return &Worker{ID: id, State: Spawning{}, SpawnedAt: now, UpdatedAt: now}
}

func (w *Worker) illegal(to string) error {
	return fmt.Errorf("worker %d %s -> %s: %w", w.ID, w.State.Name(), to, ErrIllegalTransition)
}

func (w *Worker) set(s WorkerState) {
	w.State = s
	w.UpdatedAt = time.Now().UTC()
}

// MarkReady handles the worker's ready announcement.
func (w *Worker) MarkReady() error {
	if _, ok := w.State.(Spawning); !ok {
		return w.illegal("ready")
	}
	w.set(Ready{})
	return nil
}

// MarkLoading records that a load for generation was sent. Busy and Errored
// workers cannot take a load.
func (w *Worker) MarkLoading(generation uint64) error {
	switch w.State.(type) {
	case Ready, Idle, Loading:
		w.set(Loading{Generation: generation})
		return nil
	}
	return w.illegal("loading")
}

// MarkLoaded handles a loaded acknowledgement. It reports false when the
// acknowledgement is for an older load than the one in flight.
func (w *Worker) MarkLoaded(generation uint64) (bool, error) {
	s, ok := w.State.(Loading)
	if !ok {
		return false, w.illegal("idle")
	}
	if s.Generation != generation {
		return false, nil
	}
	w.set(Idle{Generation: generation})
	return true, nil
}

// Assign hands job to an idle worker holding the job's generation.
func (w *Worker) Assign(job *Job) error {
	s, ok := w.State.(Idle)
	if !ok || s.Generation != job.Generation {
		return w.illegal("busy")
	}
	w.set(Busy{Job: job})
	return nil
}

// Finish returns the worker to Idle and hands back the job it held.
func (w *Worker) Finish() (*Job, error) {
	s, ok := w.State.(Busy)
	if !ok {
		return nil, w.illegal("idle")
	}
	w.set(Idle{Generation: s.Job.Generation})
	return s.Job, nil
}

// Fail moves the worker to Errored and returns the job it abandoned, if any.
func (w *Worker) Fail(reason string) *Job {
	var job *Job
	if s, ok := w.State.(Busy); ok {
		job = s.Job
	}
	w.set(Errored{Reason: reason})
	return job
}

// LoadedGeneration is the generation of the source the worker holds.
func (w *Worker) LoadedGeneration() (uint64, bool) {
	switch s := w.State.(type) {
	case Idle:
		return s.Generation, true
	case Busy:
		return s.Job.Generation, true
	}
	return 0, false
}

// IsIdleFor reports whether the worker can take a job for generation.
func (w *Worker) IsIdleFor(generation uint64) bool {
	s, ok := w.State.(Idle)
	return ok && s.Generation == generation
}

func (w *Worker) CurrentJob() *Job {
	if s, ok := w.State.(Busy); ok {
		return s.Job
	}
	return nil
}

func (w *Worker) IsErrored() bool {
	_, ok := w.State.(Errored)
	return ok
}

// WorkerSnapshot is a read-only copy for reporting.
type WorkerSnapshot struct {
	ID         int    `json:"id"`
	State      string `json:"state"`
	Generation uint64 `json:"generation,omitempty"`
	JobStart   *int   `json:"job_start,omitempty"`
	JobEnd     *int   `json:"job_end,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (w *Worker) Snapshot() WorkerSnapshot {
	snap := WorkerSnapshot{ID: w.ID, State: w.State.Name()}
	switch s := w.State.(type) {
	case Loading:
		snap.Generation = s.Generation
	case Idle:
		snap.Generation = s.Generation
	case Busy:
		start, end := s.Job.StartFrame, s.Job.EndFrame
		snap.Generation = s.Job.Generation
		snap.JobStart, snap.JobEnd = &start, &end
	case Errored:
		snap.Reason = s.Reason
	}
	return snap
}
