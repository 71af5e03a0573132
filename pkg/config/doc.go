/*
Package config loads the keel node configuration from YAML.

Values missing from the file keep the defaults returned by Default. Load
rejects unknown keys and validates the result, so a typo fails at startup
instead of silently using a default.

	nodeId: manager-1
	dataDir: /var/lib/keel
	reconciler:
	  interval: 1s
	  admissionRate: 50
	  admissionBurst: 10
	rateLimiters:
	  - name: default
	    capacity: 10
	    initial: 10
	    refillTokens: 1
	    refillInterval: 1s
	redis:
	  addr: 127.0.0.1:6379

Durations use Go duration syntax. Each rate limiter becomes an interceptor
via BuildInterceptors, in file order with the first one outermost.
*/
package config
