// Package interceptor contains change action interceptors. RateLimiter keeps a
// token bucket per model root and debits it once for every change action run
// against that root.
package interceptor
