package cloud

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/cuemby/keel/pkg/types"
)

// InMemoryConnector is an InstanceCloudConnector over in-process state, used
// for local runs and tests
type InMemoryConnector struct {
	mu            sync.RWMutex
	groups        map[string]types.InstanceGroup
	instances     map[string]types.Instance
	instanceTypes map[string]types.ResourceDimension
	groupFilter   *regexp.Regexp
}

// NewInMemoryConnector creates an empty connector
func NewInMemoryConnector() *InMemoryConnector {
	return &InMemoryConnector{
		groups:        make(map[string]types.InstanceGroup),
		instances:     make(map[string]types.Instance),
		instanceTypes: make(map[string]types.ResourceDimension),
	}
}

// WithInstanceGroupPattern limits GetInstanceGroups to groups whose id fully
// matches pattern
func (c *InMemoryConnector) WithInstanceGroupPattern(pattern string) (*InMemoryConnector, error) {
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, fmt.Errorf("invalid instance group pattern: %w", err)
	}
	c.mu.Lock()
	c.groupFilter = re
	c.mu.Unlock()
	return c, nil
}

// AddInstanceType registers the size of an instance type
func (c *InMemoryConnector) AddInstanceType(instanceType string, dim types.ResourceDimension) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instanceTypes[instanceType] = dim
}

// AddInstanceGroup registers a group. Instances listed in InstanceIDs that
// are not known yet are created in the Running state.
func (c *InMemoryConnector) AddInstanceGroup(group types.InstanceGroup) {
	c.mu.Lock()
	defer c.mu.Unlock()

	group.InstanceIDs = append([]string(nil), group.InstanceIDs...)
	c.groups[group.ID] = group
	for _, id := range group.InstanceIDs {
		if _, ok := c.instances[id]; !ok {
			c.instances[id] = types.Instance{
				ID:              id,
				InstanceGroupID: group.ID,
				State:           types.InstanceStateRunning,
			}
		}
	}
}

// AddInstance registers an instance. An empty group is recorded as
// Unassigned.
func (c *InMemoryConnector) AddInstance(instance types.Instance) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if instance.InstanceGroupID == "" {
		instance.InstanceGroupID = Unassigned
	}
	c.instances[instance.ID] = instance
}

// GetInstanceGroups implements InstanceCloudConnector
func (c *InMemoryConnector) GetInstanceGroups(ctx context.Context, ids ...string) ([]types.InstanceGroup, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(ids) == 0 {
		ids = make([]string, 0, len(c.groups))
		for id := range c.groups {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}

	groups := make([]types.InstanceGroup, 0, len(ids))
	for _, id := range ids {
		group, ok := c.groups[id]
		if !ok {
			continue
		}
		if c.groupFilter != nil && !c.groupFilter.MatchString(id) {
			continue
		}
		group.InstanceIDs = append([]string(nil), group.InstanceIDs...)
		groups = append(groups, group)
	}
	return groups, nil
}

// GetInstances implements InstanceCloudConnector
func (c *InMemoryConnector) GetInstances(ctx context.Context, ids ...string) ([]types.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	instances := make([]types.Instance, 0, len(ids))
	for _, id := range ids {
		if instance, ok := c.instances[id]; ok {
			instances = append(instances, instance)
		}
	}
	return instances, nil
}

// GetInstanceTypeResourceDimension implements InstanceCloudConnector
func (c *InMemoryConnector) GetInstanceTypeResourceDimension(instanceType string) (types.ResourceDimension, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dim, ok := c.instanceTypes[instanceType]
	if !ok {
		return types.ResourceDimension{}, fmt.Errorf("instance type %w: %s", ErrNotFound, instanceType)
	}
	return dim, nil
}

// UpdateCapacity implements InstanceCloudConnector
func (c *InMemoryConnector) UpdateCapacity(ctx context.Context, groupID string, min, desired *int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	group, ok := c.groups[groupID]
	if !ok {
		return fmt.Errorf("instance group %w: %s", ErrNotFound, groupID)
	}

	capacity := group.Capacity
	if min != nil {
		capacity.Min = *min
	}
	if desired != nil {
		capacity.Desired = *desired
	}
	if err := capacity.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCapacity, err)
	}

	group.Capacity = capacity
	c.groups[groupID] = group
	return nil
}

// TerminateInstances implements InstanceCloudConnector
func (c *InMemoryConnector) TerminateInstances(ctx context.Context, groupID string, instanceIDs []string, shrink bool) ([]error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	group, ok := c.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("instance group %w: %s", ErrNotFound, groupID)
	}

	results := make([]error, len(instanceIDs))
	terminated := 0
	for i, id := range instanceIDs {
		instance, ok := c.instances[id]
		if !ok {
			results[i] = fmt.Errorf("instance %w: %s", ErrNotFound, id)
			continue
		}
		if instance.InstanceGroupID != groupID {
			results[i] = fmt.Errorf("instance %s belongs to instance group %s", id, instance.InstanceGroupID)
			continue
		}
		if instance.State == types.InstanceStateTerminated {
			continue
		}

		instance.State = types.InstanceStateTerminated
		c.instances[id] = instance
		group.InstanceIDs = removeString(group.InstanceIDs, id)
		terminated++
	}

	if shrink && terminated > 0 {
		group.Capacity.Desired -= terminated
		if group.Capacity.Desired < group.Capacity.Min {
			group.Capacity.Min = group.Capacity.Desired
		}
		if group.Capacity.Desired < 0 {
			group.Capacity.Desired = 0
			group.Capacity.Min = 0
		}
	}
	c.groups[groupID] = group

	return results, nil
}

func removeString(values []string, target string) []string {
	out := values[:0:0]
	for _, v := range values {
		if v != target {
			out = append(out, v)
		}
	}
	return out
}
