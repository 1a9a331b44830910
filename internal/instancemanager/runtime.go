// Package instancemanager wraps the external container runtime:
// create, destroy, replace, health-check, fetch metrics, keep-alive.
package instancemanager

import (
	"context"
	"net/http"
)

// RuntimeState mirrors the consumed contract's handle.state() result.
type RuntimeState struct {
	Status string // "running" | "healthy" | "stopped" | ...
}

// Handle is the opaque runtime handle for one container, returned by
// ContainerRuntime.GetByName/Create.
type Handle interface {
	Name() string
	State(ctx context.Context) (RuntimeState, error)
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
	ContainerFetch(ctx context.Context, url string) (*http.Response, error)
	StartAndWaitForPorts(ctx context.Context) error
	Destroy(ctx context.Context) error
}

// ContainerRuntime is the out-of-scope collaborator consumed at its
// contract surface only (§6): it knows how to look up, create, and
// tear down containers. The only concrete implementation shipped here
// is httpRuntime, which talks to per-container HTTP endpoints over the
// container network; the runtime's own creation/destruction mechanics
// are out of scope and assumed to be provided by whatever environment
// wires a ContainerRuntime in.
type ContainerRuntime interface {
	GetByName(ctx context.Context, name string) (Handle, error)
	Create(ctx context.Context, instanceClass string) (Handle, error)
}
