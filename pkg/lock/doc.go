// Package lock provides the per-entity single-writer lock used when several
// reconciler processes share one redis server. NoopLocker is the default for a
// single process.
package lock
