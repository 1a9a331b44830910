package instancemanager

import (
	"bytes"
	"context"
	"io"
	"net/http"
)

// fakeRuntime is a hand-written ContainerRuntime test double, in the
// teacher's no-mocking-framework style: a map of known handles plus
// counters a test can assert on directly.
type fakeRuntime struct {
	handles       map[string]*fakeHandle
	createCalls   int
	nextCreateErr error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{handles: make(map[string]*fakeHandle)}
}

func (f *fakeRuntime) GetByName(_ context.Context, name string) (Handle, error) {
	h, ok := f.handles[name]
	if !ok {
		return nil, ErrRuntimeNotFound
	}
	return h, nil
}

func (f *fakeRuntime) Create(_ context.Context, _ string) (Handle, error) {
	f.createCalls++
	if f.nextCreateErr != nil {
		err := f.nextCreateErr
		f.nextCreateErr = nil
		return nil, err
	}
	name := "fake-instance"
	h := &fakeHandle{name: name}
	f.handles[name] = h
	return h, nil
}

type fakeHandle struct {
	name        string
	state       RuntimeState
	fetchStatus int
	fetchBody   []byte
	destroyed   bool
	destroyErr  error
	portsWaited bool
}

func (h *fakeHandle) Name() string { return h.name }

func (h *fakeHandle) State(_ context.Context) (RuntimeState, error) {
	return h.state, nil
}

func (h *fakeHandle) Fetch(_ context.Context, _ *http.Request) (*http.Response, error) {
	return &http.Response{StatusCode: h.fetchStatus, Body: http.NoBody}, nil
}

func (h *fakeHandle) ContainerFetch(_ context.Context, _ string) (*http.Response, error) {
	status := h.fetchStatus
	if status == 0 {
		status = http.StatusOK
	}
	body := io.NopCloser(bytes.NewReader(h.fetchBody))
	return &http.Response{StatusCode: status, Body: body}, nil
}

func (h *fakeHandle) StartAndWaitForPorts(_ context.Context) error {
	h.portsWaited = true
	return nil
}

func (h *fakeHandle) Destroy(_ context.Context) error {
	h.destroyed = true
	return h.destroyErr
}
