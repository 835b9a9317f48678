package postgres

import (
	"context"
	"fmt"

	"github.com/fiapx/fiapx-framecache/internal/domain/entity"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// JobRepository stores extraction job bookkeeping in extraction_jobs.
type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

func (r *JobRepository) Create(ctx context.Context, job *entity.Job) error {
	query := `
		INSERT INTO extraction_jobs (
			id, load_id, generation, worker_id, start_frame, end_frame,
			status, frame_count, error_message, created_at, finished_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO NOTHING`

	_, err := r.pool.Exec(ctx, query,
		job.ID, job.LoadID, int64(job.Generation), job.WorkerID,
		job.StartFrame, job.EndFrame, string(job.Status),
		job.FrameCount, job.ErrorMessage, job.CreatedAt, job.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *JobRepository) Update(ctx context.Context, job *entity.Job) error {
	query := `
		UPDATE extraction_jobs SET
			status=$2, frame_count=$3, error_message=$4, finished_at=$5
		WHERE id=$1`

	_, err := r.pool.Exec(ctx, query,
		job.ID, string(job.Status), job.FrameCount, job.ErrorMessage, job.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

func (r *JobRepository) FindByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	query := `
		SELECT id, load_id, generation, worker_id, start_frame, end_frame,
			status, frame_count, error_message, created_at, finished_at
		FROM extraction_jobs WHERE id=$1`

	job := &entity.Job{}
	var (
		status string
		gen    int64
	)
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&job.ID, &job.LoadID, &gen, &job.WorkerID, &job.StartFrame, &job.EndFrame,
		&status, &job.FrameCount, &job.ErrorMessage, &job.CreatedAt, &job.FinishedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("find job by id: %w", err)
	}
	job.Status = entity.JobStatus(status)
	job.Generation = uint64(gen)
	return job, nil
}

// CountByStatus summarizes the jobs of one load.
func (r *JobRepository) CountByStatus(ctx context.Context, loadID uuid.UUID) (map[entity.JobStatus]int, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM extraction_jobs WHERE load_id=$1 GROUP BY status`, loadID)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	out := map[entity.JobStatus]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		out[entity.JobStatus(status)] = n
	}
	return out, rows.Err()
}
