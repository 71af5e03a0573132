// Package federation fans a request out to several job manager cells and
// collects the successful per-cell responses. It only marks the boundary
// above the reconciliation core: which cell owns a job is decided by the
// caller.
package federation
