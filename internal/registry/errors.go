package registry

import "errors"

// ErrInstanceNotFound is returned by getInstanceByName when no record
// exists for the given name. It is also the signal the Controller uses
// to distinguish a stale lookup from a transient registry failure.
var ErrInstanceNotFound = errors.New("registry: instance not found")
