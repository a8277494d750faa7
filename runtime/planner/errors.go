package planner

import "errors"

// ErrRateLimited marks planner failures caused by provider rate limiting.
// Provider-backed planners wrap their SDK errors with it so middleware can
// back off without knowing provider internals.
var ErrRateLimited = errors.New("planner: rate limited")
