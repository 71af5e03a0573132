package types

import (
	"fmt"
	"time"
)

// Entity kinds, used to tag entity values in persisted snapshots
const (
	KindJob           = "job"
	KindTask          = "task"
	KindInstanceGroup = "instanceGroup"
	KindInstance      = "instance"
)

// Job is a user-submitted workload and the root of its own entity tree
type Job struct {
	ID         string        `json:"id"`
	Status     JobStatus     `json:"status"`
	Descriptor JobDescriptor `json:"descriptor"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// JobState is the lifecycle state of a job
type JobState string

const (
	JobStateAccepted      JobState = "Accepted"
	JobStateKillInitiated JobState = "KillInitiated"
	JobStateFinished      JobState = "Finished"
)

// JobStatus records the current state of a job and why it got there
type JobStatus struct {
	State     JobState  `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// JobType distinguishes run-to-completion jobs from long running services
type JobType string

const (
	JobTypeBatch   JobType = "batch"
	JobTypeService JobType = "service"
)

// JobDescriptor is the user supplied definition of a job
type JobDescriptor struct {
	Owner           string    `json:"owner"`
	ApplicationName string    `json:"applicationName"`
	CapacityGroup   string    `json:"capacityGroup"`
	Type            JobType   `json:"type"`
	Container       Container `json:"container"`
	Capacity        Capacity  `json:"capacity"`
	InstanceGroupID string    `json:"instanceGroupId,omitempty"`
}

// Capacity is the size range of a service job or instance group
type Capacity struct {
	Min     int `json:"min"`
	Desired int `json:"desired"`
	Max     int `json:"max"`
}

// Validate checks min <= desired <= max and that no value is negative
func (c Capacity) Validate() error {
	if c.Min < 0 || c.Desired < 0 || c.Max < 0 {
		return fmt.Errorf("capacity values must not be negative: %+v", c)
	}
	if c.Min > c.Desired || c.Desired > c.Max {
		return fmt.Errorf("capacity must satisfy min <= desired <= max: %+v", c)
	}
	return nil
}

// Container describes the image and resources of every task of a job
type Container struct {
	Image          Image              `json:"image"`
	Resources      ContainerResources `json:"containerResources"`
	SecurityGroups []string           `json:"securityGroups,omitempty"`
	Env            map[string]string  `json:"env,omitempty"`
}

// Image identifies a container image
type Image struct {
	Name string `json:"name"`
	Tag  string `json:"tag,omitempty"`
}

// ContainerResources is the per-task resource request
type ContainerResources struct {
	CPU         float64 `json:"cpu"`
	GPU         int     `json:"gpu"`
	MemoryMB    int     `json:"memoryMB"`
	DiskMB      int     `json:"diskMB"`
	NetworkMbps int     `json:"networkMbps"`
	AllocateIP  bool    `json:"allocateIP"`
}

// IsService reports whether the job is a service job
func (j Job) IsService() bool {
	return j.Descriptor.Type == JobTypeService
}

// WithState returns a copy of the job moved to state
func (j Job) WithState(state JobState, reason string, now time.Time) Job {
	j.Status = JobStatus{State: state, Reason: reason, Timestamp: now}
	return j
}

// WithCapacity returns a copy of the job with a new capacity
func (j Job) WithCapacity(capacity Capacity) Job {
	j.Descriptor.Capacity = capacity
	return j
}

// Task is a single execution of a job, placed on a cloud instance
type Task struct {
	ID         string    `json:"id"`
	JobID      string    `json:"jobId"`
	State      TaskState `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	InstanceID string    `json:"instanceId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// TaskState is the lifecycle state of a task
type TaskState string

const (
	TaskStateAccepted      TaskState = "Accepted"
	TaskStateLaunched      TaskState = "Launched"
	TaskStateStarted       TaskState = "Started"
	TaskStateKillInitiated TaskState = "KillInitiated"
	TaskStateFinished      TaskState = "Finished"
)

// IsTerminal reports whether the task has reached its final state
func (s TaskState) IsTerminal() bool {
	return s == TaskStateFinished
}

// WithState returns a copy of the task moved to state
func (t Task) WithState(state TaskState, reason string, now time.Time) Task {
	t.State = state
	t.Reason = reason
	t.UpdatedAt = now
	return t
}

// InstanceGroup is a cloud auto scaling group hosting tasks
type InstanceGroup struct {
	ID                      string   `json:"id"`
	InstanceType            string   `json:"instanceType"`
	LaunchConfigurationName string   `json:"launchConfigurationName,omitempty"`
	Capacity                Capacity `json:"capacity"`
	InstanceIDs             []string `json:"instanceIds,omitempty"`
}

// Instance is a single cloud virtual machine
type Instance struct {
	ID              string        `json:"id"`
	InstanceGroupID string        `json:"instanceGroupId"`
	State           InstanceState `json:"state"`
	IPAddress       string        `json:"ipAddress,omitempty"`
	LaunchTime      time.Time     `json:"launchTime"`
}

// InstanceState is the cloud provider state of an instance
type InstanceState string

const (
	InstanceStateStarting    InstanceState = "Starting"
	InstanceStateRunning     InstanceState = "Running"
	InstanceStateTerminating InstanceState = "Terminating"
	InstanceStateTerminated  InstanceState = "Terminated"
)

// ResourceDimension is a resource vector: the size of an instance type or the
// maximum container size of a capacity group
type ResourceDimension struct {
	CPU        float64 `json:"cpu"`
	GPU        int     `json:"gpu"`
	MemoryMB   int     `json:"memoryMB"`
	DiskMB     int     `json:"diskMB"`
	NetworkMbs int     `json:"networkMbs"`
}

func (r ResourceDimension) String() string {
	return fmt.Sprintf("{cpu=%g, gpu=%d, memoryMB=%d, diskMB=%d, networkMbs=%d}",
		r.CPU, r.GPU, r.MemoryMB, r.DiskMB, r.NetworkMbs)
}
