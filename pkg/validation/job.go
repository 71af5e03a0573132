package validation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/cuemby/keel/pkg/types"
)

var sgPattern = regexp.MustCompile(`^sg-.*$`)

// MaxContainerSizeFunc resolves the largest container a capacity group may
// request
type MaxContainerSizeFunc func(capacityGroup string) types.ResourceDimension

// JobAssertions checks job descriptors before a job change action is built
type JobAssertions struct {
	maxContainerSize MaxContainerSizeFunc
}

// NewJobAssertions creates job assertions using resolver for the per
// capacity group limits
func NewJobAssertions(resolver MaxContainerSizeFunc) *JobAssertions {
	return &JobAssertions{maxContainerSize: resolver}
}

// ValidSecurityGroups reports whether every security group id is
// syntactically valid
func (a *JobAssertions) ValidSecurityGroups(securityGroups []string) bool {
	for _, sg := range securityGroups {
		if !sgPattern.MatchString(sg) {
			return false
		}
	}
	return true
}

// NotExceedsComputeResources returns one violation per resource that is above
// the capacity group's maximum container size, keyed by field path. An empty
// map means the request fits.
func (a *JobAssertions) NotExceedsComputeResources(capacityGroup string, container types.Container) map[string]string {
	limit := a.maxContainerSize(capacityGroup)
	res := container.Resources

	violations := make(map[string]string)
	check := func(field string, requested, allowed float64, shown any) {
		if requested > allowed {
			violations[field] = fmt.Sprintf("Above maximum allowed value %v", shown)
		}
	}
	check("container.containerResources.cpu", res.CPU, limit.CPU, limit.CPU)
	check("container.containerResources.gpu", float64(res.GPU), float64(limit.GPU), limit.GPU)
	check("container.containerResources.memoryMB", float64(res.MemoryMB), float64(limit.MemoryMB), limit.MemoryMB)
	check("container.containerResources.diskMB", float64(res.DiskMB), float64(limit.DiskMB), limit.DiskMB)
	check("container.containerResources.networkMbps", float64(res.NetworkMbps), float64(limit.NetworkMbs), limit.NetworkMbs)
	return violations
}

// Validate runs every job descriptor check and returns the violations
func (a *JobAssertions) Validate(desc types.JobDescriptor) map[string]string {
	violations := a.NotExceedsComputeResources(desc.CapacityGroup, desc.Container)

	if !a.ValidSecurityGroups(desc.Container.SecurityGroups) {
		violations["container.securityGroups"] = "Invalid security group syntax"
	}
	if desc.Container.Image.Name == "" {
		violations["container.image.name"] = "Image name must be set"
	}
	if desc.Type != types.JobTypeBatch && desc.Type != types.JobTypeService {
		violations["type"] = fmt.Sprintf("Unknown job type %q", desc.Type)
	}
	if err := desc.Capacity.Validate(); err != nil {
		violations["capacity"] = err.Error()
	}
	return violations
}

// ViolationsError carries the violations of a rejected request
type ViolationsError struct {
	Violations map[string]string
}

// Check turns a violations map into an error, nil when it is empty
func Check(violations map[string]string) error {
	if len(violations) == 0 {
		return nil
	}
	return &ViolationsError{Violations: violations}
}

func (e *ViolationsError) Error() string {
	fields := make([]string, 0, len(e.Violations))
	for field := range e.Violations {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	parts := make([]string, len(fields))
	for i, field := range fields {
		parts[i] = field + ": " + e.Violations[field]
	}
	return "invalid job descriptor: " + strings.Join(parts, "; ")
}
