package cloud

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/keel/pkg/types"
	"github.com/hashicorp/go-multierror"
)

// Unassigned is the instance group reported for instances that belong to no
// instance group
const Unassigned = "Unassigned"

var (
	// ErrNotFound is returned for unknown instance groups, instances and
	// instance types
	ErrNotFound = errors.New("not found")

	// ErrInvalidCapacity is returned when a capacity update would break
	// min <= desired <= max
	ErrInvalidCapacity = errors.New("invalid capacity")
)

// InstanceCloudConnector is the interface to the cloud provider's instance
// groups. Change actions call it from their computation; nothing here holds a
// lock on the entity trees.
type InstanceCloudConnector interface {
	// GetInstanceGroups returns the named instance groups, or all of them
	// when no ids are given. Unknown ids are skipped.
	GetInstanceGroups(ctx context.Context, ids ...string) ([]types.InstanceGroup, error)

	// GetInstances returns the instances with the given ids. Unknown ids are
	// skipped.
	GetInstances(ctx context.Context, ids ...string) ([]types.Instance, error)

	// GetInstanceTypeResourceDimension returns the size of an instance type
	GetInstanceTypeResourceDimension(instanceType string) (types.ResourceDimension, error)

	// UpdateCapacity changes the min and/or desired size of a group. A nil
	// value is left unchanged.
	UpdateCapacity(ctx context.Context, groupID string, min, desired *int) error

	// TerminateInstances terminates instances of a group. The returned slice
	// holds one entry per requested id, nil for success. The error is only
	// set when the whole call failed. With shrink set the group's desired
	// size goes down by the number of terminated instances.
	TerminateInstances(ctx context.Context, groupID string, instanceIDs []string, shrink bool) ([]error, error)
}

// CombineErrors folds per-instance termination results into one error, or
// nil when every instance succeeded
func CombineErrors(instanceIDs []string, results []error) error {
	var result *multierror.Error
	for i, err := range results {
		if err == nil {
			continue
		}
		id := "unknown"
		if i < len(instanceIDs) {
			id = instanceIDs[i]
		}
		result = multierror.Append(result, fmt.Errorf("instance %s: %w", id, err))
	}
	return result.ErrorOrNil()
}
