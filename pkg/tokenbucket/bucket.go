package tokenbucket

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"k8s.io/utils/clock"
)

// Forever is a wait budget that accepts any refill delay.
const Forever time.Duration = math.MaxInt64

// ErrInvalidConfig is returned when bucket parameters cannot describe a valid bucket
var ErrInvalidConfig = errors.New("invalid token bucket configuration")

// Refill adds Tokens to the bucket every Interval. Zero tokens disables refill.
type Refill struct {
	Tokens   int64         `json:"tokens" yaml:"tokens"`
	Interval time.Duration `json:"interval" yaml:"interval"`
}

// Bucket is an immutable token bucket. Every operation returns a new value and
// leaves the receiver usable for further attempts.
type Bucket struct {
	capacity   int64
	tokens     int64
	refill     Refill
	lastRefill time.Time
	clock      clock.PassiveClock
}

// New creates a bucket holding initial tokens, stamped with the clock's current time
func New(capacity, initial int64, refill Refill, clk clock.PassiveClock) (Bucket, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if err := validate(capacity, initial, refill); err != nil {
		return Bucket{}, err
	}
	return Bucket{
		capacity:   capacity,
		tokens:     initial,
		refill:     refill,
		lastRefill: clk.Now(),
		clock:      clk,
	}, nil
}

// MustNew is New for static configuration; it panics on invalid parameters.
func MustNew(capacity, initial int64, refill Refill, clk clock.PassiveClock) Bucket {
	b, err := New(capacity, initial, refill, clk)
	if err != nil {
		panic(err)
	}
	return b
}

func validate(capacity, initial int64, refill Refill) error {
	switch {
	case capacity <= 0:
		return fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidConfig, capacity)
	case initial < 0 || initial > capacity:
		return fmt.Errorf("%w: initial tokens %d outside [0, %d]", ErrInvalidConfig, initial, capacity)
	case refill.Tokens < 0:
		return fmt.Errorf("%w: refill tokens must not be negative, got %d", ErrInvalidConfig, refill.Tokens)
	case refill.Tokens > 0 && refill.Interval <= 0:
		return fmt.Errorf("%w: refill interval must be positive, got %s", ErrInvalidConfig, refill.Interval)
	}
	return nil
}

// Capacity returns the maximum number of tokens the bucket holds
func (b Bucket) Capacity() int64 { return b.capacity }

// Refill returns the refill policy
func (b Bucket) Refill() Refill { return b.refill }

// LastRefill returns the time refill was last accounted for. It may lie in the
// future when tokens were reserved through a wait budget.
func (b Bucket) LastRefill() time.Time { return b.lastRefill }

// Clock returns the clock the bucket reads "now" from
func (b Bucket) Clock() clock.PassiveClock { return b.clock }

// WithClock returns a copy of the bucket that reads time from clk
func (b Bucket) WithClock(clk clock.PassiveClock) Bucket {
	if clk == nil {
		clk = clock.RealClock{}
	}
	b.clock = clk
	return b
}

// Available reports the tokens available now without consuming any
func (b Bucket) Available() int64 {
	remaining, _, _ := b.TryTake(0, Forever)
	return remaining
}

// TryTakeOne attempts to take a single token right now
func (b Bucket) TryTakeOne() (int64, Bucket, bool) {
	return b.TryTake(1, 0)
}

// TryTake attempts to take count tokens at the clock's current time.
// See TryTakeAt.
func (b Bucket) TryTake(count int64, maxWait time.Duration) (int64, Bucket, bool) {
	return b.TryTakeAt(b.now(), count, maxWait)
}

// TryTakeAt attempts to take count tokens at the given instant. If fewer tokens
// are available, the request succeeds only when refill would cover the deficit
// within maxWait; the covering tokens are reserved and LastRefill moves to the
// instant they become available. On success it returns the tokens remaining and
// the new bucket; on failure the receiver is returned unchanged.
//
// A zero count always succeeds and returns the receiver itself, so peeking
// never shifts the refill schedule.
func (b Bucket) TryTakeAt(now time.Time, count int64, maxWait time.Duration) (int64, Bucket, bool) {
	if count < 0 || count > b.capacity {
		return 0, b, false
	}

	r := b.replenish(now)
	if count == 0 {
		return r.tokens, b, true
	}
	if r.tokens >= count {
		r.tokens -= count
		return r.tokens, r, true
	}
	if r.refill.Tokens == 0 {
		return 0, b, false
	}

	deficit := count - r.tokens
	intervals := (deficit + r.refill.Tokens - 1) / r.refill.Tokens
	if intervals > int64(math.MaxInt64/r.refill.Interval) {
		// the wait does not fit in a time.Duration
		return 0, b, false
	}
	readyAt := r.lastRefill.Add(time.Duration(intervals) * r.refill.Interval)
	if readyAt.Sub(now) > maxWait {
		return 0, b, false
	}

	r.tokens = min(r.tokens+intervals*r.refill.Tokens, r.capacity) - count
	r.lastRefill = readyAt
	return r.tokens, r, true
}

// replenish credits the whole refill intervals elapsed since lastRefill, capped
// at capacity. Partial intervals carry over.
func (b Bucket) replenish(now time.Time) Bucket {
	if !now.After(b.lastRefill) {
		return b
	}
	if b.tokens >= b.capacity {
		// a full bucket accrues nothing, so the refill clock restarts now
		b.lastRefill = now
		return b
	}
	if b.refill.Tokens == 0 {
		return b
	}
	intervals := int64(now.Sub(b.lastRefill) / b.refill.Interval)
	if intervals == 0 {
		return b
	}

	missing := b.capacity - b.tokens
	if intervals >= (missing+b.refill.Tokens-1)/b.refill.Tokens {
		b.tokens = b.capacity
		b.lastRefill = now
		return b
	}
	b.tokens += intervals * b.refill.Tokens
	b.lastRefill = b.lastRefill.Add(time.Duration(intervals) * b.refill.Interval)
	return b
}

func (b Bucket) now() time.Time {
	if b.clock == nil {
		return time.Now()
	}
	return b.clock.Now()
}

func (b Bucket) String() string {
	return fmt.Sprintf("TokenBucket{capacity=%d, tokens=%d, refill=%d/%s, lastRefill=%s}",
		b.capacity, b.tokens, b.refill.Tokens, b.refill.Interval, b.lastRefill.Format(time.RFC3339Nano))
}

type bucketState struct {
	Capacity   int64     `json:"capacity"`
	Tokens     int64     `json:"tokens"`
	Refill     Refill    `json:"refill"`
	LastRefill time.Time `json:"lastRefill"`
}

// MarshalJSON encodes the bucket state. The clock is not part of the encoding.
func (b Bucket) MarshalJSON() ([]byte, error) {
	return json.Marshal(bucketState{
		Capacity:   b.capacity,
		Tokens:     b.tokens,
		Refill:     b.refill,
		LastRefill: b.lastRefill,
	})
}

// UnmarshalJSON decodes a bucket bound to the real clock; use WithClock to rebind it.
func (b *Bucket) UnmarshalJSON(data []byte) error {
	var state bucketState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if err := validate(state.Capacity, state.Tokens, state.Refill); err != nil {
		return err
	}
	*b = Bucket{
		capacity:   state.Capacity,
		tokens:     state.Tokens,
		refill:     state.Refill,
		lastRefill: state.LastRefill,
		clock:      clock.RealClock{},
	}
	return nil
}
