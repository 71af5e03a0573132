/*
Package tokenbucket provides an immutable token bucket used to rate limit
change actions.

A Bucket is a value. Taking tokens never modifies the receiver; it returns the
tokens left and the bucket that should replace the old one. Callers that do not
keep the returned value have not consumed anything, which is what makes a
bucket safe to store as an attribute of an immutable model node and to share
between goroutines.

	b := tokenbucket.MustNew(10, 10, tokenbucket.Refill{Tokens: 1, Interval: time.Second}, clock.RealClock{})

	// Peek: how many tokens are available right now?
	available, _, _ := b.TryTake(0, tokenbucket.Forever)

	// Take one token now, no waiting.
	if _, next, ok := b.TryTakeOne(); ok {
		b = next
	}

Refill is accounted in whole intervals. Partial intervals carry over to the
next query, and a bucket that is already full does not bank refill time.

Nothing in this package sleeps. A wait budget passed to TryTake only bounds how
far in the future the covering tokens may become available; when the request
fits the budget the tokens are reserved and LastRefill moves forward.
*/
package tokenbucket
