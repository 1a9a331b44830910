package instancemanager

import "errors"

// ErrRuntimeNotFound means the runtime reports the named container is
// gone; the caller purges the registry record and resyncs capacity.
var ErrRuntimeNotFound = errors.New("instancemanager: runtime reports instance not found")

// ErrRuntimeTransient wraps a create/destroy/fetch failure that should
// be logged and retried on the next heartbeat, without advancing any
// scaling timestamp.
var ErrRuntimeTransient = errors.New("instancemanager: transient runtime failure")

// ErrHealthCheckFailed is returned by performHealthCheck when a failed
// check (non-2xx status or a failed request) brings the consecutive
// failure count to the retry budget and the instance is marked
// unhealthy; failures below the budget return nil.
var ErrHealthCheckFailed = errors.New("instancemanager: health check failed")
