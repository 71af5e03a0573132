package metrics

import (
	"testing"

	"github.com/cuemby/keel/pkg/action"
	"github.com/cuemby/keel/pkg/model"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type staticRoots []*model.EntityHolder

func (s staticRoots) Roots() []*model.EntityHolder { return s }

type budgetInterceptor struct{}

func (budgetInterceptor) Name() string                                    { return "budget" }
func (budgetInterceptor) Apply(a action.ChangeAction) action.ChangeAction { return a }
func (budgetInterceptor) ExecutionLimits(root *model.EntityHolder) int64 {
	return root.Attribute("budget", int64(1)).(int64)
}

type job struct{}
type task struct{}

func TestCollectorSamplesRoots(t *testing.T) {
	roots := staticRoots{
		model.NewEntityHolder("job-1", job{}).
			WithChild(model.NewEntityHolder("task-1", task{})).
			WithChild(model.NewEntityHolder("task-2", task{})),
		model.NewEntityHolder("job-2", job{}).AddAttribute("budget", int64(0)),
		model.NewEntityHolder("job-3", nil),
	}

	c := NewCollector(roots, []action.Interceptor{budgetInterceptor{}}, func(entity any) string {
		switch entity.(type) {
		case job:
			return "job"
		case task:
			return "task"
		}
		return "other"
	})
	c.Collect()

	assert.Equal(t, 3.0, testutil.ToFloat64(RootsTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(EntitiesTotal.WithLabelValues("job")))
	assert.Equal(t, 2.0, testutil.ToFloat64(EntitiesTotal.WithLabelValues("task")))
	assert.Equal(t, 1.0, testutil.ToFloat64(RateLimitedRoots.WithLabelValues("budget")))
}

func TestCollectorDefaultKind(t *testing.T) {
	c := NewCollector(staticRoots{model.NewEntityHolder("job-1", job{})}, nil, nil)
	c.Collect()

	assert.Equal(t, 1.0, testutil.ToFloat64(EntitiesTotal.WithLabelValues("metrics.job")))
	assert.Equal(t, 1.0, testutil.ToFloat64(RootsTotal))
}
