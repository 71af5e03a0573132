package interceptor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/keel/pkg/action"
	"github.com/cuemby/keel/pkg/model"
	"github.com/cuemby/keel/pkg/tokenbucket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

var epoch = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

func newLimiter(t *testing.T, capacity, initial int64, refill tokenbucket.Refill) (*RateLimiter, *clocktesting.FakeClock) {
	t.Helper()
	clk := clocktesting.NewFakeClock(epoch)
	b, err := tokenbucket.New(capacity, initial, refill, clk)
	require.NoError(t, err)
	return NewRateLimiter("test", b), clk
}

func jobChange() action.Change {
	return action.Change{Kind: action.KindJob, Trigger: action.TriggerUser, ID: "job-1", Summary: "Scale job"}
}

func succeeding(updates ...action.ModelUpdateAction) action.ChangeAction {
	return action.NewChangeAction(jobChange(), func(ctx context.Context) ([]action.ModelUpdateAction, error) {
		return updates, nil
	})
}

func TestAttributeKey(t *testing.T) {
	limiter, _ := newLimiter(t, 1, 1, tokenbucket.Refill{})
	assert.Equal(t, "interceptor.rateLimiter.test", limiter.AttributeKey())
	assert.Equal(t, "test", limiter.Name())
}

func TestExecutionLimitsUsesInitialBucket(t *testing.T) {
	limiter, _ := newLimiter(t, 5, 3, tokenbucket.Refill{})
	root := model.NewEntityHolder("job-1", nil)

	assert.Equal(t, int64(3), limiter.ExecutionLimits(root))
	assert.Equal(t, int64(3), limiter.ExecutionLimits(root))
}

func TestExecutionLimitsIsZeroForUnreadableBucket(t *testing.T) {
	limiter, _ := newLimiter(t, 5, 3, tokenbucket.Refill{})
	root := model.NewEntityHolder("job-1", nil).AddAttribute(limiter.AttributeKey(), "garbage")

	assert.Equal(t, int64(0), limiter.ExecutionLimits(root))

	newRoot, changed := limiter.updateStateAction(jobChange()).Apply(root)
	assert.Same(t, root, newRoot)
	assert.Nil(t, changed)
}

func TestApplyKeepsIdentityAndAppendsDebit(t *testing.T) {
	limiter, _ := newLimiter(t, 5, 5, tokenbucket.Refill{})
	root := model.NewEntityHolder("job-1", "v1")

	domain := action.SetEntity(action.UpdateMeta{Kind: action.KindJob, ID: "job-1"}, "v2")
	wrapped := limiter.Apply(succeeding(domain))
	assert.Equal(t, jobChange(), wrapped.Change())

	res := action.Run(context.Background(), wrapped)
	require.False(t, res.Failed())
	require.Len(t, res.Updates, 2)
	assert.Same(t, domain, res.Updates[0])

	debit := res.Updates[1].Meta()
	assert.Equal(t, action.ModelStore, debit.Model)
	assert.Equal(t, action.TriggerUser, debit.Trigger)
	assert.Equal(t, "job-1", debit.ID)
	assert.Equal(t, "Updating rate limiting data of test", debit.Summary)

	final, changed := action.ApplyAll(root, res.Updates)
	assert.Len(t, changed, 2)
	assert.Equal(t, "v2", final.Entity())
	assert.Equal(t, int64(4), limiter.ExecutionLimits(final))
	assert.Equal(t, int64(5), limiter.ExecutionLimits(root))
}

func TestApplyDoesNotAliasDelegateUpdates(t *testing.T) {
	limiter, _ := newLimiter(t, 5, 5, tokenbucket.Refill{})
	backing := make([]action.ModelUpdateAction, 0, 4)
	domain := action.SetEntity(action.UpdateMeta{ID: "job-1"}, "v2")
	backing = append(backing, domain)

	res := action.Run(context.Background(), limiter.Apply(succeeding(backing...)))
	require.Len(t, res.Updates, 2)
	assert.Len(t, backing, 1)
	assert.Nil(t, backing[:2][1])
}

func TestDebitTakesExactlyOneToken(t *testing.T) {
	limiter, _ := newLimiter(t, 3, 3, tokenbucket.Refill{})
	debit := limiter.updateStateAction(jobChange())
	root := model.NewEntityHolder("job-1", nil)

	for want := int64(2); want >= 0; want-- {
		newRoot, changed := debit.Apply(root)
		require.NotNil(t, changed)
		assert.Same(t, newRoot, changed)
		assert.Equal(t, want, limiter.ExecutionLimits(newRoot))
		root = newRoot
	}

	emptyAttr := root.Attribute(limiter.AttributeKey(), nil)
	newRoot, changed := debit.Apply(root)
	assert.Same(t, root, newRoot)
	assert.Nil(t, changed)
	assert.Equal(t, emptyAttr, newRoot.Attribute(limiter.AttributeKey(), nil))
}

func TestDebitAccountsForRefill(t *testing.T) {
	limiter, clk := newLimiter(t, 2, 2, tokenbucket.Refill{Tokens: 1, Interval: time.Minute})
	debit := limiter.updateStateAction(jobChange())
	root := model.NewEntityHolder("job-1", nil)

	root, _ = debit.Apply(root)
	root, _ = debit.Apply(root)
	assert.Equal(t, int64(0), limiter.ExecutionLimits(root))

	clk.Step(time.Minute)
	assert.Equal(t, int64(1), limiter.ExecutionLimits(root))

	root, changed := debit.Apply(root)
	require.NotNil(t, changed)
	assert.Equal(t, int64(0), limiter.ExecutionLimits(root))
}

func TestFailedActionIsStillDebited(t *testing.T) {
	limiter, _ := newLimiter(t, 2, 2, tokenbucket.Refill{})
	boom := errors.New("cloud call failed")
	failing := action.NewChangeAction(jobChange(), func(ctx context.Context) ([]action.ModelUpdateAction, error) {
		return nil, boom
	})

	res := action.Run(context.Background(), limiter.Apply(failing))

	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, jobChange(), res.Change)
	require.Len(t, res.Updates, 1)
	assert.Equal(t, action.ModelStore, res.Updates[0].Meta().Model)

	root, _ := action.ApplyAll(model.NewEntityHolder("job-1", nil), res.Updates)
	assert.Equal(t, int64(1), limiter.ExecutionLimits(root))
}

func TestPanickingActionIsStillDebited(t *testing.T) {
	limiter, _ := newLimiter(t, 2, 2, tokenbucket.Refill{})
	crashing := action.NewChangeAction(jobChange(), func(ctx context.Context) ([]action.ModelUpdateAction, error) {
		panic("nil instance group")
	})

	res := action.Run(context.Background(), limiter.Apply(crashing))

	var panicErr *action.PanicError
	assert.ErrorAs(t, res.Err, &panicErr)
	require.Len(t, res.Updates, 1)
}

func TestStoredBucketIsRebound(t *testing.T) {
	limiter, clk := newLimiter(t, 1, 0, tokenbucket.Refill{Tokens: 1, Interval: time.Hour})

	// a bucket restored from a snapshot reads the real clock
	restored := tokenbucket.MustNew(1, 0, tokenbucket.Refill{Tokens: 1, Interval: time.Hour}, clocktesting.NewFakeClock(epoch)).WithClock(nil)
	root := model.NewEntityHolder("job-1", nil).AddAttribute(limiter.AttributeKey(), restored)

	assert.Equal(t, int64(0), limiter.ExecutionLimits(root))
	clk.Step(time.Hour)
	assert.Equal(t, int64(1), limiter.ExecutionLimits(root))
}
