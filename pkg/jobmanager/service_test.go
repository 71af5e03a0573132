package jobmanager

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cuemby/keel/pkg/cloud"
	"github.com/cuemby/keel/pkg/model"
	"github.com/cuemby/keel/pkg/reconciler"
	"github.com/cuemby/keel/pkg/types"
	"github.com/cuemby/keel/pkg/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	service   *Service
	connector *cloud.InMemoryConnector
	clock     *clocktesting.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clocktesting.NewFakeClock(epoch)

	r := reconciler.NewReconciler(reconciler.Config{Interval: 10 * time.Millisecond})
	r.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Drain(ctx)
		r.Stop()
	})

	connector := cloud.NewInMemoryConnector()
	connector.AddInstanceGroup(types.InstanceGroup{
		ID:          "agents-v001",
		Capacity:    types.Capacity{Min: 0, Desired: 2, Max: 10},
		InstanceIDs: []string{"i-1", "i-2"},
	})

	assertions := validation.NewJobAssertions(func(string) types.ResourceDimension {
		return types.ResourceDimension{CPU: 8, GPU: 0, MemoryMB: 32768, DiskMB: 100000, NetworkMbs: 2000}
	})

	return &fixture{
		service: NewService(Config{
			Reconciler: r,
			Connector:  connector,
			Assertions: assertions,
			Clock:      clk,
		}),
		connector: connector,
		clock:     clk,
	}
}

func serviceDescriptor() types.JobDescriptor {
	return types.JobDescriptor{
		Owner:           "team@example.com",
		ApplicationName: "web",
		CapacityGroup:   "flex",
		Type:            types.JobTypeService,
		Container: types.Container{
			Image:     types.Image{Name: "nginx", Tag: "1.25"},
			Resources: types.ContainerResources{CPU: 1, MemoryMB: 512, AllocateIP: true},
		},
		Capacity:        types.Capacity{Min: 1, Desired: 2, Max: 4},
		InstanceGroupID: "agents-v001",
	}
}

func await(t *testing.T, done <-chan reconciler.Outcome, err error) reconciler.Outcome {
	t.Helper()
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	outcome, err := Await(ctx, done)
	require.NoError(t, err)
	return outcome
}

func TestCreateJob(t *testing.T) {
	f := newFixture(t)

	id, err := f.service.CreateJob(context.Background(), serviceDescriptor())
	require.NoError(t, err)

	job, ok := f.service.GetJob(id)
	require.True(t, ok)
	assert.Equal(t, types.JobStateAccepted, job.Status.State)
	assert.Equal(t, epoch, job.CreatedAt)
	assert.Len(t, f.service.ListJobs(), 1)
}

func TestCreateJobRejectsInvalidDescriptor(t *testing.T) {
	f := newFixture(t)

	desc := serviceDescriptor()
	desc.Container.Resources.CPU = 16
	_, err := f.service.CreateJob(context.Background(), desc)

	var verr *validation.ViolationsError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "Above maximum allowed value 8", verr.Violations["container.containerResources.cpu"])
	assert.Empty(t, f.service.ListJobs())
}

func TestTaskLifecycle(t *testing.T) {
	f := newFixture(t)
	id, err := f.service.CreateJob(context.Background(), serviceDescriptor())
	require.NoError(t, err)

	taskID, done, err := f.service.AddTask(id)
	out := await(t, done, err)
	assert.Len(t, out.Changed, 1)

	tasks, err := f.service.GetTasks(id)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, taskID, tasks[0].ID)
	assert.Equal(t, types.TaskStateAccepted, tasks[0].State)

	f.clock.Step(time.Minute)
	done, err = f.service.KillTask(id, taskID, "user request")
	await(t, done, err)

	tasks, _ = f.service.GetTasks(id)
	assert.Equal(t, types.TaskStateFinished, tasks[0].State)
	assert.Equal(t, "user request", tasks[0].Reason)
	assert.Equal(t, epoch.Add(time.Minute), tasks[0].UpdatedAt)

	// killing again is a no-op
	done, err = f.service.KillTask(id, taskID, "again")
	out = await(t, done, err)
	assert.Empty(t, out.Changed)

	_, err = f.service.KillTask(id, "missing", "x")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, _, err = f.service.AddTask("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestUpdateCapacity(t *testing.T) {
	f := newFixture(t)
	id, err := f.service.CreateJob(context.Background(), serviceDescriptor())
	require.NoError(t, err)

	done, err := f.service.UpdateCapacity(id, types.Capacity{Min: 1, Desired: 3, Max: 4})
	await(t, done, err)

	job, _ := f.service.GetJob(id)
	assert.Equal(t, 3, job.Descriptor.Capacity.Desired)

	groups, err := f.connector.GetInstanceGroups(context.Background(), "agents-v001")
	require.NoError(t, err)
	assert.Equal(t, 3, groups[0].Capacity.Desired)

	done, err = f.service.UpdateCapacity(id, types.Capacity{Min: 5, Desired: 3, Max: 4})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := Await(ctx, done)
	assert.Error(t, err)
	assert.True(t, out.Result.Failed())

	job, _ = f.service.GetJob(id)
	assert.Equal(t, 3, job.Descriptor.Capacity.Desired)
}

func TestScaleTasks(t *testing.T) {
	f := newFixture(t)
	id, err := f.service.CreateJob(context.Background(), serviceDescriptor())
	require.NoError(t, err)

	f.service.ScaleAll()
	require.Eventually(t, func() bool {
		tasks, _ := f.service.GetTasks(id)
		return len(tasks) == 2
	}, 5*time.Second, 10*time.Millisecond)

	tasks, _ := f.service.GetTasks(id)
	assert.Equal(t, id+"-0", tasks[0].ID)
	assert.Equal(t, id+"-1", tasks[1].ID)

	done, err := f.service.UpdateCapacity(id, types.Capacity{Min: 1, Desired: 1, Max: 4})
	await(t, done, err)

	f.service.ScaleAll()
	require.Eventually(t, func() bool {
		tasks, _ := f.service.GetTasks(id)
		return tasks[1].State == types.TaskStateFinished
	}, 5*time.Second, 10*time.Millisecond)

	tasks, _ = f.service.GetTasks(id)
	assert.Equal(t, types.TaskStateAccepted, tasks[0].State)
	assert.Equal(t, "scaled down", tasks[1].Reason)
}

func TestTerminateInstancesPartialFailure(t *testing.T) {
	f := newFixture(t)
	id, err := f.service.CreateJob(context.Background(), serviceDescriptor())
	require.NoError(t, err)

	root, _ := f.service.reconciler.Root(id)
	for i, instanceID := range []string{"i-1", "i-2"} {
		task := types.Task{ID: fmt.Sprintf("%s-task-%d", id, i), JobID: id, State: types.TaskStateStarted, InstanceID: instanceID}
		root = root.WithChild(model.NewEntityHolder(task.ID, task))
	}
	f.service.reconciler.Restore([]*model.EntityHolder{root})

	done, err := f.service.TerminateInstances(id, []string{"i-1", "i-unknown"}, true)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := Await(ctx, done)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "instance i-unknown")
	assert.Len(t, out.Changed, 1)

	tasks, _ := f.service.GetTasks(id)
	require.Len(t, tasks, 2)
	assert.Equal(t, types.TaskStateFinished, tasks[0].State)
	assert.Equal(t, "instance terminated", tasks[0].Reason)
	assert.Equal(t, types.TaskStateStarted, tasks[1].State)

	groups, _ := f.connector.GetInstanceGroups(context.Background(), "agents-v001")
	assert.Equal(t, []string{"i-2"}, groups[0].InstanceIDs)
	assert.Equal(t, 1, groups[0].Capacity.Desired)
}

func TestKillJob(t *testing.T) {
	f := newFixture(t)
	id, err := f.service.CreateJob(context.Background(), serviceDescriptor())
	require.NoError(t, err)

	_, done, err := f.service.AddTask(id)
	await(t, done, err)
	_, done, err = f.service.AddTask(id)
	await(t, done, err)

	done, err = f.service.KillJob(id, "decommissioned")
	out := await(t, done, err)
	assert.Len(t, out.Changed, 2)

	job, _ := f.service.GetJob(id)
	assert.Equal(t, types.JobStateFinished, job.Status.State)
	tasks, _ := f.service.GetTasks(id)
	for _, task := range tasks {
		assert.Equal(t, types.TaskStateFinished, task.State)
	}

	// a finished job is not scaled
	f.service.ScaleAll()
	assert.Equal(t, 0, f.service.reconciler.Pending(id))
}

func TestAwaitContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Await(ctx, make(chan reconciler.Outcome))
	assert.ErrorIs(t, err, context.Canceled)
}
