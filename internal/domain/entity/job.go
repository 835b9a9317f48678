package entity

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobStatusAssigned  JobStatus = "ASSIGNED"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusStale     JobStatus = "STALE"
	JobStatusAbandoned JobStatus = "ABANDONED"
)

// Job is the half-open frame range [StartFrame, EndFrame) handed to one worker.
type Job struct {
	ID           uuid.UUID
	LoadID       uuid.UUID
	Generation   uint64
	WorkerID     int
	StartFrame   int
	EndFrame     int
	Status       JobStatus
	FrameCount   int
	ErrorMessage string
	CreatedAt    time.Time
	FinishedAt   *time.Time
}

func NewJob(loadID uuid.UUID, generation uint64, workerID, start, end int) *Job {
	return &Job{
		ID:         uuid.New(),
		LoadID:     loadID,
		Generation: generation,
		WorkerID:   workerID,
		StartFrame: start,
		EndFrame:   end,
		Status:     JobStatusAssigned,
		CreatedAt:  time.Now().UTC(),
	}
}

// Len is the number of frames the job covers.
func (j *Job) Len() int {
	return j.EndFrame - j.StartFrame
}

func (j *Job) Contains(frame int) bool {
	return frame >= j.StartFrame && frame < j.EndFrame
}

func (j *Job) MarkCompleted(frameCount int) {
	j.Status = JobStatusCompleted
	j.FrameCount = frameCount
	j.finish()
}

func (j *Job) MarkFailed(errMsg string) {
	j.Status = JobStatusFailed
	j.ErrorMessage = errMsg
	j.finish()
}

// MarkStale records that the job finished against a source that has since
// been replaced; its frames were not cached.
func (j *Job) MarkStale(frameCount int) {
	j.Status = JobStatusStale
	j.FrameCount = frameCount
	j.finish()
}

func (j *Job) MarkAbandoned(reason string) {
	j.Status = JobStatusAbandoned
	j.ErrorMessage = reason
	j.finish()
}

func (j *Job) IsFinished() bool {
	return j.FinishedAt != nil
}

func (j *Job) finish() {
	now := time.Now().UTC()
	j.FinishedAt = &now
}

// ExtractionRequest asks for frames around CenterFrame, Distance in each direction.
type ExtractionRequest struct {
	CenterFrame int
	Distance    int
}

// Range returns the half-open window [center-distance, center+distance),
// shifted right so it never starts below frame 0.
func (r ExtractionRequest) Range() (start, end int) {
	start = r.CenterFrame - r.Distance
	end = r.CenterFrame + r.Distance
	if start < 0 {
		end -= start
		start = 0
	}
	return start, end
}
