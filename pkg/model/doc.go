// Package model holds the immutable entity holder tree that represents the
// orchestrated state of a job, its tasks and any bookkeeping attributes.
//
// Holders are persistent values: modifying one produces a new holder that
// shares unchanged children and attributes with the old one, so a reader that
// kept an old root keeps a consistent snapshot. Lookups that miss report
// absence instead of failing, since an entity removed concurrently is an
// expected condition.
package model
