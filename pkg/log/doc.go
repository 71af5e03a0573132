/*
Package log provides structured logging for keel using zerolog.

The package keeps a single global zerolog.Logger that every component derives
child loggers from. Until Init is called the global logger discards
everything, which keeps library users and tests quiet by default.

# Configuration

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stderr,
	})

JSON output is meant for production; console output (JSONOutput=false) is
easier to read while developing.

# Component Loggers

Child loggers carry the fields used to correlate reconciliation activity.
The With* helpers extend an existing logger, so component scoping is kept:

	logger := log.WithComponent("reconciler")
	rootLogger := log.WithRootID(logger, "job-1")
	rootLogger.Debug().Str("interceptor", "rateLimiter").Msg("change deferred")

Field names in use:

  - component: the subsystem (reconciler, manager, interceptor, ...)
  - node_id: the manager node
  - root_id: the model root a change belongs to
  - entity_id: the entity a change targets
  - trigger: User or Reconciler
*/
package log
