package jobmanager

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/keel/pkg/action"
	"github.com/cuemby/keel/pkg/cloud"
	"github.com/cuemby/keel/pkg/model"
	"github.com/cuemby/keel/pkg/types"
	"k8s.io/utils/clock"
)

func jobMeta(trigger action.Trigger, jobID, summary string) action.UpdateMeta {
	return action.UpdateMeta{
		Kind:    action.KindJob,
		Model:   action.ModelReference,
		Trigger: trigger,
		ID:      jobID,
		Summary: summary,
	}
}

func taskMeta(trigger action.Trigger, taskID, summary string) action.UpdateMeta {
	return action.UpdateMeta{
		Kind:    action.KindTask,
		Model:   action.ModelReference,
		Trigger: trigger,
		ID:      taskID,
		Summary: summary,
	}
}

// updateJob rewrites the job entity of holder jobID with fn
func updateJob(meta action.UpdateMeta, fn func(job types.Job) types.Job) action.ModelUpdateAction {
	return action.UpdateEntity(meta, func(holder *model.EntityHolder) *model.EntityHolder {
		job, ok := holder.Entity().(types.Job)
		if !ok {
			return nil
		}
		return holder.WithEntity(fn(job))
	})
}

// updateTask rewrites the task entity of holder meta.ID with fn. Tasks in a
// terminal state are left alone.
func updateTask(meta action.UpdateMeta, fn func(task types.Task) types.Task) action.ModelUpdateAction {
	return action.UpdateEntity(meta, func(holder *model.EntityHolder) *model.EntityHolder {
		task, ok := holder.Entity().(types.Task)
		if !ok || task.State.IsTerminal() {
			return nil
		}
		return holder.WithEntity(fn(task))
	})
}

// UpdateCapacityAction resizes a service job. When the job is backed by an
// instance group the cloud capacity is changed first; the job is only updated
// if that succeeds.
func UpdateCapacityAction(connector cloud.InstanceCloudConnector, job types.Job, capacity types.Capacity) action.ChangeAction {
	summary := fmt.Sprintf("Changing job capacity to %d/%d/%d", capacity.Min, capacity.Desired, capacity.Max)
	change := action.Change{Kind: action.KindJob, Trigger: action.TriggerUser, ID: job.ID, Summary: summary}

	return action.NewChangeAction(change, func(ctx context.Context) ([]action.ModelUpdateAction, error) {
		if !job.IsService() {
			return nil, fmt.Errorf("job %s is not a service job", job.ID)
		}
		if err := capacity.Validate(); err != nil {
			return nil, err
		}

		if groupID := job.Descriptor.InstanceGroupID; groupID != "" && connector != nil {
			min, desired := capacity.Min, capacity.Desired
			if err := connector.UpdateCapacity(ctx, groupID, &min, &desired); err != nil {
				return nil, fmt.Errorf("failed to update instance group %s: %w", groupID, err)
			}
		}

		return []action.ModelUpdateAction{
			updateJob(jobMeta(action.TriggerUser, job.ID, summary), func(j types.Job) types.Job {
				return j.WithCapacity(capacity)
			}),
		}, nil
	})
}

// AddTaskAction adds a new task in the Accepted state under job jobID
func AddTaskAction(clk clock.PassiveClock, jobID, taskID string) action.ChangeAction {
	summary := "Creating task " + taskID
	change := action.Change{Kind: action.KindTask, Trigger: action.TriggerUser, ID: taskID, Summary: summary}

	return action.NewChangeAction(change, func(ctx context.Context) ([]action.ModelUpdateAction, error) {
		now := clk.Now()
		task := types.Task{
			ID:        taskID,
			JobID:     jobID,
			State:     types.TaskStateAccepted,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return []action.ModelUpdateAction{
			action.AddChild(jobMeta(action.TriggerUser, jobID, summary), model.NewEntityHolder(taskID, task)),
		}, nil
	})
}

// KillTaskAction moves a task to Finished. Killing a task that is already
// finished or gone is a no-op.
func KillTaskAction(clk clock.PassiveClock, taskID, reason string, trigger action.Trigger) action.ChangeAction {
	summary := "Killing task " + taskID
	change := action.Change{Kind: action.KindTask, Trigger: trigger, ID: taskID, Summary: summary}

	return action.NewChangeAction(change, func(ctx context.Context) ([]action.ModelUpdateAction, error) {
		now := clk.Now()
		return []action.ModelUpdateAction{
			updateTask(taskMeta(trigger, taskID, summary), func(t types.Task) types.Task {
				return t.WithState(types.TaskStateFinished, reason, now)
			}),
		}, nil
	})
}

// KillJobAction finishes every task of a job and then the job itself
func KillJobAction(clk clock.PassiveClock, jobID, reason string) action.ChangeAction {
	summary := "Killing job " + jobID
	change := action.Change{Kind: action.KindJob, Trigger: action.TriggerUser, ID: jobID, Summary: summary}

	return action.NewChangeAction(change, func(ctx context.Context) ([]action.ModelUpdateAction, error) {
		now := clk.Now()
		finishTasks := action.NewModelUpdateAction(
			taskMeta(action.TriggerUser, jobID, "Finishing tasks of "+jobID),
			func(root *model.EntityHolder) (*model.EntityHolder, *model.EntityHolder) {
				return finishTasksWhere(root, jobID, reason, now, func(types.Task) bool { return true })
			},
		)
		finishJob := updateJob(jobMeta(action.TriggerUser, jobID, summary), func(j types.Job) types.Job {
			return j.WithState(types.JobStateFinished, reason, now)
		})
		return []action.ModelUpdateAction{finishTasks, finishJob}, nil
	})
}

// TerminateInstancesAction terminates cloud instances of a job's instance
// group and finishes the tasks that ran on the terminated instances. Instances
// that fail to terminate do not fail the batch: their errors are combined
// into the result error while the successful ones are still applied.
func TerminateInstancesAction(connector cloud.InstanceCloudConnector, clk clock.PassiveClock, jobID, groupID string, instanceIDs []string, shrink bool) action.ChangeAction {
	summary := fmt.Sprintf("Terminating %d instance(s) of %s", len(instanceIDs), groupID)
	change := action.Change{Kind: action.KindInstanceGroup, Trigger: action.TriggerUser, ID: groupID, Summary: summary}

	return action.NewChangeAction(change, func(ctx context.Context) ([]action.ModelUpdateAction, error) {
		results, err := connector.TerminateInstances(ctx, groupID, instanceIDs, shrink)
		if err != nil {
			return nil, err
		}

		terminated := make(map[string]bool, len(instanceIDs))
		for i, id := range instanceIDs {
			if i < len(results) && results[i] == nil {
				terminated[id] = true
			}
		}

		now := clk.Now()
		meta := taskMeta(action.TriggerUser, jobID, summary)
		update := action.NewModelUpdateAction(meta, func(root *model.EntityHolder) (*model.EntityHolder, *model.EntityHolder) {
			return finishTasksWhere(root, jobID, "instance terminated", now, func(t types.Task) bool {
				return terminated[t.InstanceID]
			})
		})
		return []action.ModelUpdateAction{update}, cloud.CombineErrors(instanceIDs, results)
	})
}

// ScaleTasksAction brings the number of active tasks of a service job to its
// desired capacity: missing tasks are created, the newest excess tasks are
// finished. The task count is computed against the root the update is applied
// to, so queued actions ahead of it are taken into account.
func ScaleTasksAction(clk clock.PassiveClock, jobID string) action.ChangeAction {
	summary := "Scaling tasks to desired capacity"
	change := action.Change{Kind: action.KindJob, Trigger: action.TriggerReconciler, ID: jobID, Summary: summary}

	return action.NewChangeAction(change, func(ctx context.Context) ([]action.ModelUpdateAction, error) {
		now := clk.Now()
		meta := jobMeta(action.TriggerReconciler, jobID, summary)
		update := action.NewModelUpdateAction(meta, func(root *model.EntityHolder) (*model.EntityHolder, *model.EntityHolder) {
			return scaleTasks(root, jobID, now)
		})
		return []action.ModelUpdateAction{update}, nil
	})
}

func scaleTasks(root *model.EntityHolder, jobID string, now time.Time) (*model.EntityHolder, *model.EntityHolder) {
	holder, ok := root.FindByID(jobID)
	if !ok {
		return root, nil
	}
	job, ok := holder.Entity().(types.Job)
	if !ok || job.Status.State != types.JobStateAccepted {
		return root, nil
	}

	var active []*model.EntityHolder
	for _, child := range holder.Children() {
		if task, ok := child.Entity().(types.Task); ok && !task.State.IsTerminal() {
			active = append(active, child)
		}
	}

	desired := job.Descriptor.Capacity.Desired
	updated := holder
	switch {
	case len(active) < desired:
		next := holder.ChildCount()
		for i := len(active); i < desired; i++ {
			taskID := fmt.Sprintf("%s-%d", jobID, next)
			next++
			task := types.Task{ID: taskID, JobID: jobID, State: types.TaskStateAccepted, CreatedAt: now, UpdatedAt: now}
			updated = updated.WithChild(model.NewEntityHolder(taskID, task))
		}
	case len(active) > desired:
		for _, child := range active[desired:] {
			task := child.Entity().(types.Task)
			updated = updated.WithChild(child.WithEntity(task.WithState(types.TaskStateFinished, "scaled down", now)))
		}
	default:
		return root, nil
	}

	newRoot, _ := root.ReplaceByID(updated)
	return newRoot, updated
}

// finishTasksWhere moves every non-terminal task of job jobID matching match
// to Finished
func finishTasksWhere(root *model.EntityHolder, jobID, reason string, now time.Time, match func(types.Task) bool) (*model.EntityHolder, *model.EntityHolder) {
	holder, ok := root.FindByID(jobID)
	if !ok {
		return root, nil
	}

	updated := holder
	for _, child := range holder.Children() {
		task, ok := child.Entity().(types.Task)
		if !ok || task.State.IsTerminal() || !match(task) {
			continue
		}
		updated = updated.WithChild(child.WithEntity(task.WithState(types.TaskStateFinished, reason, now)))
	}
	if updated == holder {
		return root, nil
	}

	newRoot, _ := root.ReplaceByID(updated)
	return newRoot, updated
}
