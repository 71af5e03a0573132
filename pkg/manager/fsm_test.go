package manager

import (
	"bytes"
	"io"
)

// memorySink is a raft.SnapshotSink that buffers the snapshot in memory and
// replays it as the reader handed to Restore
type memorySink struct {
	bytes.Buffer
	cancelled bool
}

func (s *memorySink) ID() string    { return "memory" }
func (s *memorySink) Cancel() error { s.cancelled = true; return nil }
func (s *memorySink) Close() error  { return nil }

var _ io.ReadCloser = (*memorySink)(nil)
