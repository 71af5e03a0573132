package validation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/keel/pkg/types"
)

// LoadBalancerState is the association state of a job and a load balancer
type LoadBalancerState string

const (
	LoadBalancerAssociated  LoadBalancerState = "Associated"
	LoadBalancerDissociated LoadBalancerState = "Dissociated"
)

const defaultMaxLoadBalancersPerJob = 30

// JobLoadBalancer associates a job with a load balancer
type JobLoadBalancer struct {
	JobID          string
	LoadBalancerID string
}

// JobGetter looks jobs up by id
type JobGetter interface {
	GetJob(id string) (types.Job, bool)
}

// LoadBalancerStore keeps job to load balancer associations
type LoadBalancerStore interface {
	AddOrUpdateLoadBalancer(ctx context.Context, lb JobLoadBalancer, state LoadBalancerState) error
	RemoveLoadBalancer(ctx context.Context, lb JobLoadBalancer) error
	GetAssociatedLoadBalancers(jobID string) []JobLoadBalancer
}

// LoadBalancerValidator checks that a job may be associated with one more
// load balancer
type LoadBalancerValidator struct {
	jobs      JobGetter
	store     LoadBalancerStore
	maxPerJob int
}

// NewLoadBalancerValidator creates a validator. A maxPerJob of zero uses the
// default of 30.
func NewLoadBalancerValidator(jobs JobGetter, store LoadBalancerStore, maxPerJob int) *LoadBalancerValidator {
	if maxPerJob <= 0 {
		maxPerJob = defaultMaxLoadBalancersPerJob
	}
	return &LoadBalancerValidator{jobs: jobs, store: store, maxPerJob: maxPerJob}
}

// ValidateJobID returns a descriptive error when the job does not exist, is
// not Accepted, is not a service, does not request a routable IP, or already
// has the maximum number of load balancers
func (v *LoadBalancerValidator) ValidateJobID(jobID string) error {
	job, ok := v.jobs.GetJob(jobID)
	if !ok {
		return fmt.Errorf("Job %s does not exist", jobID)
	}
	if job.Status.State != types.JobStateAccepted {
		return fmt.Errorf("Job %s is in state %s", jobID, job.Status.State)
	}
	if !job.IsService() {
		return fmt.Errorf("Job %s is NOT of type service", jobID)
	}
	if !job.Descriptor.Container.Resources.AllocateIP {
		return fmt.Errorf("Job must request a routable IP")
	}

	count := len(v.store.GetAssociatedLoadBalancers(jobID))
	if count >= v.maxPerJob {
		return fmt.Errorf("Number of load balancers for Job %s exceeds the maximum of %d", jobID, v.maxPerJob)
	}
	return nil
}

// InMemoryLoadBalancerStore is a LoadBalancerStore over a map
type InMemoryLoadBalancerStore struct {
	mu     sync.RWMutex
	states map[JobLoadBalancer]LoadBalancerState
}

// NewInMemoryLoadBalancerStore creates an empty store
func NewInMemoryLoadBalancerStore() *InMemoryLoadBalancerStore {
	return &InMemoryLoadBalancerStore{states: make(map[JobLoadBalancer]LoadBalancerState)}
}

// AddOrUpdateLoadBalancer implements LoadBalancerStore
func (s *InMemoryLoadBalancerStore) AddOrUpdateLoadBalancer(ctx context.Context, lb JobLoadBalancer, state LoadBalancerState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[lb] = state
	return nil
}

// RemoveLoadBalancer implements LoadBalancerStore
func (s *InMemoryLoadBalancerStore) RemoveLoadBalancer(ctx context.Context, lb JobLoadBalancer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, lb)
	return nil
}

// GetAssociatedLoadBalancers implements LoadBalancerStore
func (s *InMemoryLoadBalancerStore) GetAssociatedLoadBalancers(jobID string) []JobLoadBalancer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []JobLoadBalancer
	for lb, state := range s.states {
		if lb.JobID == jobID && state == LoadBalancerAssociated {
			out = append(out, lb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LoadBalancerID < out[j].LoadBalancerID })
	return out
}
