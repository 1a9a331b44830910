package instancemanager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// httpRuntime is the one concrete ContainerRuntime: it talks to a
// runtime control-plane (out of scope per §6) over HTTP to create and
// destroy containers, and to each container directly over the
// container network for health/metrics/forwarded requests.
type httpRuntime struct {
	controlPlaneURL string
	httpClient      *http.Client
	retryTimeout    time.Duration
}

func NewHTTPRuntime(controlPlaneURL string, callTimeout time.Duration) ContainerRuntime {
	return &httpRuntime{
		controlPlaneURL: controlPlaneURL,
		httpClient:      &http.Client{Timeout: callTimeout},
		retryTimeout:    callTimeout,
	}
}

type httpHandle struct {
	name    string
	address string // ex: "http://10.0.3.4:80"
	runtime *httpRuntime
}

func (h *httpHandle) Name() string { return h.name }

func (h *httpHandle) State(ctx context.Context) (RuntimeState, error) {
	url := fmt.Sprintf("%s/instances/%s", h.runtime.controlPlaneURL, h.name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return RuntimeState{}, err
	}

	resp, err := h.runtime.withRetry(ctx, req)
	if err != nil {
		return RuntimeState{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return RuntimeState{}, ErrRuntimeNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return RuntimeState{}, fmt.Errorf("instancemanager: state returned %d", resp.StatusCode)
	}

	var state RuntimeState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return RuntimeState{}, fmt.Errorf("instancemanager: decode state: %w", err)
	}
	return state, nil
}

func (h *httpHandle) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	cloned := req.Clone(ctx)
	cloned.URL.Scheme = "http"
	cloned.URL.Host = strings.TrimPrefix(strings.TrimPrefix(h.address, "http://"), "https://")
	cloned.RequestURI = ""
	return h.runtime.httpClient.Do(cloned)
}

func (h *httpHandle) ContainerFetch(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.address+url, http.NoBody)
	if err != nil {
		return nil, err
	}
	return h.runtime.httpClient.Do(req)
}

func (h *httpHandle) StartAndWaitForPorts(ctx context.Context) error {
	url := fmt.Sprintf("%s/instances/%s/wait", h.runtime.controlPlaneURL, h.name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := h.runtime.withRetry(ctx, req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("instancemanager: startAndWaitForPorts returned %d", resp.StatusCode)
	}
	return nil
}

func (h *httpHandle) Destroy(ctx context.Context) error {
	url := fmt.Sprintf("%s/instances/%s", h.runtime.controlPlaneURL, h.name)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := h.runtime.withRetry(ctx, req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("instancemanager: destroy returned %d", resp.StatusCode)
	}
	return nil
}

func (r *httpRuntime) GetByName(ctx context.Context, name string) (Handle, error) {
	url := fmt.Sprintf("%s/instances/%s", r.controlPlaneURL, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, err
	}
	resp, err := r.withRetry(ctx, req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrRuntimeNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("instancemanager: getByName returned %d", resp.StatusCode)
	}

	var body struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("instancemanager: decode getByName: %w", err)
	}

	return &httpHandle{name: name, address: body.Address, runtime: r}, nil
}

func (r *httpRuntime) Create(ctx context.Context, instanceClass string) (Handle, error) {
	name := uuid.NewString()
	payload, err := json.Marshal(struct {
		Name  string `json:"name"`
		Class string `json:"class"`
	}{Name: name, Class: instanceClass})
	if err != nil {
		return nil, fmt.Errorf("instancemanager: marshal create payload: %w", err)
	}

	url := fmt.Sprintf("%s/instances", r.controlPlaneURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.withRetry(ctx, req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("instancemanager: create returned %d", resp.StatusCode)
	}

	var body struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("instancemanager: decode create: %w", err)
	}

	return &httpHandle{name: name, address: body.Address, runtime: r}, nil
}

// withRetry executes req with retry-with-backoff against transient
// runtime failures (connection refused, 5xx) — the one-shot-call
// counterpart of the Redis dialer's hand-rolled connectWithRetry loop.
func (r *httpRuntime) withRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("instancemanager: buffer request body: %w", err)
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)

	var resp *http.Response
	operation := func() error {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}
		attempt, err := r.httpClient.Do(req)
		if err != nil {
			return err
		}
		if attempt.StatusCode >= 500 {
			_ = attempt.Body.Close()
			return fmt.Errorf("instancemanager: transient runtime status %d", attempt.StatusCode)
		}
		resp = attempt
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRuntimeTransient, err)
	}
	return resp, nil
}
