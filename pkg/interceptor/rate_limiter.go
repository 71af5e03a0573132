package interceptor

import (
	"context"

	"github.com/cuemby/keel/pkg/action"
	"github.com/cuemby/keel/pkg/log"
	"github.com/cuemby/keel/pkg/model"
	"github.com/cuemby/keel/pkg/tokenbucket"
	"github.com/rs/zerolog"
)

// AttrRateLimiterPrefix prefixes the root attribute that holds a limiter's bucket
const AttrRateLimiterPrefix = "interceptor.rateLimiter."

// RateLimiter is an interceptor that tracks and limits how often change actions
// run against a root. Its bucket is stored as an attribute of the root, so it
// is versioned and persisted with the rest of the model.
type RateLimiter struct {
	name     string
	attrName string
	initial  tokenbucket.Bucket
	logger   zerolog.Logger
}

// NewRateLimiter creates a rate limiter. initial is used for roots that have
// no bucket stored yet.
func NewRateLimiter(name string, initial tokenbucket.Bucket) *RateLimiter {
	return &RateLimiter{
		name:     name,
		attrName: AttrRateLimiterPrefix + name,
		initial:  initial,
		logger:   log.WithComponent("interceptor").With().Str("rate_limiter", name).Logger(),
	}
}

// Name returns the limiter name
func (r *RateLimiter) Name() string {
	return r.name
}

// AttributeKey returns the root attribute the bucket is stored under
func (r *RateLimiter) AttributeKey() string {
	return r.attrName
}

// Bucket returns the bucket stored on root, or the initial bucket
func (r *RateLimiter) Bucket(root *model.EntityHolder) (tokenbucket.Bucket, bool) {
	b, ok := root.Attribute(r.attrName, r.initial).(tokenbucket.Bucket)
	if !ok {
		logger := log.WithRootID(r.logger, root.ID())
		logger.Warn().Msg("Unexpected value stored under rate limiter attribute")
		return tokenbucket.Bucket{}, false
	}
	// buckets restored from a snapshot are bound to the real clock
	return b.WithClock(r.initial.Clock()), true
}

// ExecutionLimits returns the number of tokens available for root, without
// consuming any. It returns zero when the bucket cannot be read.
func (r *RateLimiter) ExecutionLimits(root *model.EntityHolder) int64 {
	b, ok := r.Bucket(root)
	if !ok {
		return 0
	}
	available, _, ok := b.TryTake(0, tokenbucket.Forever)
	if !ok {
		return 0
	}
	return available
}

// Apply wraps a so that every run, successful or not, is debited from the
// bucket exactly once.
func (r *RateLimiter) Apply(a action.ChangeAction) action.ChangeAction {
	return &rateLimitedAction{limiter: r, delegate: a}
}

type rateLimitedAction struct {
	limiter  *RateLimiter
	delegate action.ChangeAction
}

func (a *rateLimitedAction) Change() action.Change {
	return a.delegate.Change()
}

func (a *rateLimitedAction) Apply(ctx context.Context) action.Result {
	res := action.Run(ctx, a.delegate)

	updates := make([]action.ModelUpdateAction, 0, len(res.Updates)+1)
	updates = append(updates, res.Updates...)
	res.Updates = append(updates, a.limiter.updateStateAction(a.delegate.Change()))
	return res
}

func (r *RateLimiter) updateStateAction(change action.Change) action.ModelUpdateAction {
	meta := action.UpdateMeta{
		Kind:    action.KindJob,
		Model:   action.ModelStore,
		Trigger: change.Trigger,
		ID:      change.ID,
		Summary: "Updating rate limiting data of " + r.name,
	}
	return action.NewModelUpdateAction(meta, func(root *model.EntityHolder) (*model.EntityHolder, *model.EntityHolder) {
		b, ok := r.Bucket(root)
		if !ok {
			return root, nil
		}
		_, next, ok := b.TryTakeOne()
		if !ok {
			logger := log.WithEntityID(log.WithRootID(r.logger, root.ID()), change.ID)
			logger.Debug().Msg("Rate limiter bucket empty, debit skipped")
			return root, nil
		}
		newRoot := root.AddAttribute(r.attrName, next)
		return newRoot, newRoot
	})
}
