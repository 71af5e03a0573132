package jobmanager

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/keel/pkg/action"
	"github.com/cuemby/keel/pkg/cloud"
	"github.com/cuemby/keel/pkg/log"
	"github.com/cuemby/keel/pkg/model"
	"github.com/cuemby/keel/pkg/reconciler"
	"github.com/cuemby/keel/pkg/types"
	"github.com/cuemby/keel/pkg/validation"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"
)

var (
	// ErrJobNotFound is returned for ids that are not a managed job
	ErrJobNotFound = errors.New("job not found")
	// ErrTaskNotFound is returned for task ids that are not under the given job
	ErrTaskNotFound = errors.New("task not found")
)

// Service is the job manager front end. It validates requests, turns them into
// change actions and submits them to the reconciler. Each job is its own root.
type Service struct {
	reconciler *reconciler.Reconciler
	connector  cloud.InstanceCloudConnector
	assertions *validation.JobAssertions
	clock      clock.PassiveClock
	logger     zerolog.Logger
}

// Config holds the service collaborators
type Config struct {
	Reconciler *reconciler.Reconciler
	Connector  cloud.InstanceCloudConnector
	Assertions *validation.JobAssertions
	Clock      clock.PassiveClock
}

// NewService creates a job manager service
func NewService(cfg Config) *Service {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Service{
		reconciler: cfg.Reconciler,
		connector:  cfg.Connector,
		assertions: cfg.Assertions,
		clock:      clk,
		logger:     log.WithComponent("jobmanager"),
	}
}

// CreateJob validates desc and starts managing a new job in the Accepted
// state. It returns the job id.
func (s *Service) CreateJob(ctx context.Context, desc types.JobDescriptor) (string, error) {
	if s.assertions != nil {
		if err := validation.Check(s.assertions.Validate(desc)); err != nil {
			return "", err
		}
	}

	now := s.clock.Now()
	job := types.Job{
		ID:         uuid.New().String(),
		Status:     types.JobStatus{State: types.JobStateAccepted, Timestamp: now},
		Descriptor: desc,
		CreatedAt:  now,
	}
	if err := s.reconciler.AddRoot(ctx, model.NewEntityHolder(job.ID, job)); err != nil {
		return "", fmt.Errorf("failed to add job: %w", err)
	}

	logger := log.WithRootID(s.logger, job.ID)
	logger.Info().Str("type", string(desc.Type)).Msg("Job created")
	return job.ID, nil
}

// GetJob returns the current value of job id
func (s *Service) GetJob(id string) (types.Job, bool) {
	root, ok := s.reconciler.Root(id)
	if !ok {
		return types.Job{}, false
	}
	job, ok := root.Entity().(types.Job)
	return job, ok
}

// GetTasks returns the tasks of job id in creation order
func (s *Service) GetTasks(id string) ([]types.Task, error) {
	root, ok := s.reconciler.Root(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	var tasks []types.Task
	for _, child := range root.Children() {
		if task, ok := child.Entity().(types.Task); ok {
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

// ListJobs returns every managed job in id order
func (s *Service) ListJobs() []types.Job {
	var jobs []types.Job
	for _, root := range s.reconciler.Roots() {
		if job, ok := root.Entity().(types.Job); ok {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

// UpdateCapacity submits a capacity change of a service job
func (s *Service) UpdateCapacity(jobID string, capacity types.Capacity) (<-chan reconciler.Outcome, error) {
	job, ok := s.GetJob(jobID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return s.reconciler.Submit(jobID, UpdateCapacityAction(s.connector, job, capacity))
}

// AddTask submits the creation of a task and returns its id
func (s *Service) AddTask(jobID string) (string, <-chan reconciler.Outcome, error) {
	if _, ok := s.GetJob(jobID); !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	taskID := uuid.New().String()
	done, err := s.reconciler.Submit(jobID, AddTaskAction(s.clock, jobID, taskID))
	return taskID, done, err
}

// KillTask submits the kill of a task of job jobID
func (s *Service) KillTask(jobID, taskID, reason string) (<-chan reconciler.Outcome, error) {
	root, ok := s.reconciler.Root(jobID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if _, ok := root.Child(taskID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return s.reconciler.Submit(jobID, KillTaskAction(s.clock, taskID, reason, action.TriggerUser))
}

// KillJob submits the kill of a job and all of its tasks
func (s *Service) KillJob(jobID, reason string) (<-chan reconciler.Outcome, error) {
	return s.reconciler.Submit(jobID, KillJobAction(s.clock, jobID, reason))
}

// TerminateInstances submits the termination of instances of the job's
// instance group
func (s *Service) TerminateInstances(jobID string, instanceIDs []string, shrink bool) (<-chan reconciler.Outcome, error) {
	if s.connector == nil {
		return nil, errors.New("no cloud connector configured")
	}
	job, ok := s.GetJob(jobID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	groupID := job.Descriptor.InstanceGroupID
	if groupID == "" {
		return nil, fmt.Errorf("job %s has no instance group", jobID)
	}
	return s.reconciler.Submit(jobID, TerminateInstancesAction(s.connector, s.clock, jobID, groupID, instanceIDs, shrink))
}

// ScaleAll submits a task scaling action for every Accepted service job
func (s *Service) ScaleAll() {
	for _, job := range s.ListJobs() {
		if !job.IsService() || job.Status.State != types.JobStateAccepted {
			continue
		}
		if s.reconciler.Pending(job.ID) > 0 {
			continue
		}
		if _, err := s.reconciler.Submit(job.ID, ScaleTasksAction(s.clock, job.ID)); err != nil {
			logger := log.WithRootID(s.logger, job.ID)
			logger.Warn().Err(err).Msg("Failed to submit task scaling")
		}
	}
}

// Await waits for the outcome of a submitted action. It returns the
// reconciler's error or the action's own failure.
func Await(ctx context.Context, done <-chan reconciler.Outcome) (reconciler.Outcome, error) {
	select {
	case outcome := <-done:
		if outcome.Err != nil {
			return outcome, outcome.Err
		}
		return outcome, outcome.Result.Err
	case <-ctx.Done():
		return reconciler.Outcome{}, ctx.Err()
	}
}
