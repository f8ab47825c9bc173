package domain

import (
	"context"
	"fmt"
	"strings"
)

// InterruptedMessage is recorded on jobs found running after a restart.
const InterruptedMessage = "interrupted by a service restart"

// JobService orchestrates job record operations outside of a run.
type JobService struct {
	repo JobRepository
}

// NewJobService creates a new JobService.
func NewJobService(repo JobRepository) *JobService {
	return &JobService{repo: repo}
}

// Submit validates and creates a new pending job.
func (s *JobService) Submit(ctx context.Context, nj NewJob) (*Job, error) {
	if strings.TrimSpace(nj.ProjectID) == "" {
		return nil, fmt.Errorf("%w: project is required", ErrInvalidJob)
	}
	if strings.TrimSpace(nj.SourceKey) == "" {
		return nil, fmt.Errorf("%w: source is required", ErrInvalidJob)
	}
	nj.Settings = nj.Settings.Normalize()
	if err := nj.Settings.Validate(); err != nil {
		return nil, err
	}
	return s.repo.Create(ctx, nj)
}

// Get retrieves a job by ID.
func (s *JobService) Get(ctx context.Context, id int64) (*Job, error) {
	return s.repo.Get(ctx, id)
}

// GetPending retrieves pending jobs up to the limit.
func (s *JobService) GetPending(ctx context.Context, limit int) ([]Job, error) {
	return s.repo.FindPending(ctx, limit)
}

// RecoverStale fails jobs a crash left running so they can be retried.
func (s *JobService) RecoverStale(ctx context.Context) (int64, error) {
	return s.repo.RecoverStale(ctx, InterruptedMessage)
}
