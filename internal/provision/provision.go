// Package provision allocates remote browser sandboxes from the external
// provisioning service. The sandbox itself (login endpoint, signaling
// channel, peer transport) is outside this repository; we only hold its
// address and the session credential.
package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrProvisioning is returned when a sandbox cannot be allocated.
var ErrProvisioning = errors.New("provision: sandbox allocation failed")

// Remote is a provisioned sandbox: the base endpoint clients authenticate
// against and the session credential they present.
type Remote struct {
	Endpoint   string `json:"endpoint"`
	Credential string `json:"credential"`
}

type Provisioner interface {
	Provision(ctx context.Context, workspaceID, name string) (Remote, error)

	// Release tears the sandbox down. Best effort: ending a session must not
	// fail because the sandbox was already gone.
	Release(ctx context.Context, endpoint string) error
}

// HTTPProvisioner allocates sandboxes from the provisioning service's REST
// API.
type HTTPProvisioner struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPProvisioner(baseURL, token string) *HTTPProvisioner {
	return &HTTPProvisioner{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type provisionRequest struct {
	WorkspaceID string `json:"workspaceId"`
	Name        string `json:"name"`
}

func (p *HTTPProvisioner) Provision(ctx context.Context, workspaceID, name string) (Remote, error) {
	body, err := json.Marshal(provisionRequest{WorkspaceID: workspaceID, Name: name})
	if err != nil {
		return Remote{}, fmt.Errorf("%w: %v", ErrProvisioning, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/sandboxes", bytes.NewReader(body))
	if err != nil {
		return Remote{}, fmt.Errorf("%w: %v", ErrProvisioning, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Remote{}, fmt.Errorf("%w: %v", ErrProvisioning, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Remote{}, fmt.Errorf("%w: provisioner returned %s", ErrProvisioning, resp.Status)
	}

	var remote Remote
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&remote); err != nil {
		return Remote{}, fmt.Errorf("%w: decode response: %v", ErrProvisioning, err)
	}
	if remote.Endpoint == "" || remote.Credential == "" {
		return Remote{}, fmt.Errorf("%w: incomplete response", ErrProvisioning)
	}
	return remote, nil
}

func (p *HTTPProvisioner) Release(ctx context.Context, endpoint string) error {
	body, err := json.Marshal(map[string]string{"endpoint": endpoint})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/sandboxes/release", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("provisioner release returned %s", resp.Status)
	}
	return nil
}

// Static hands out a fixed sandbox; used in dev and tests.
type Static struct {
	Remote Remote
}

func (s Static) Provision(ctx context.Context, workspaceID, name string) (Remote, error) {
	if s.Remote.Endpoint == "" {
		return Remote{}, fmt.Errorf("%w: no static sandbox configured", ErrProvisioning)
	}
	return s.Remote, nil
}

func (s Static) Release(ctx context.Context, endpoint string) error { return nil }
