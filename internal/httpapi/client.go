package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tandemly/cobrowse/internal/provision"
	"github.com/tandemly/cobrowse/internal/session"
)

// ErrRateLimited is returned when the server refuses a control grant because
// the per-session rate limit is exhausted.
var ErrRateLimited = errors.New("httpapi: rate limited")

// ErrUnauthorized is returned when the access token is missing or rejected.
var ErrUnauthorized = errors.New("httpapi: unauthorized")

// Client is the typed client for the coordination API.
type Client struct {
	baseURL    string
	httpClient *http.Client

	token string
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// SetToken attaches the access token used on subsequent requests.
func (c *Client) SetToken(token string) { c.token = token }

// Login mints an access token for userID and stores it on the client.
func (c *Client) Login(ctx context.Context, userID string) error {
	var resp loginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", loginRequest{UserID: userID}, &resp); err != nil {
		return err
	}
	c.token = resp.Token
	return nil
}

// ClientConfig fetches the transport configuration served by the API.
func (c *Client) ClientConfig(ctx context.Context) (ClientConfig, error) {
	var cfg ClientConfig
	if err := c.do(ctx, http.MethodGet, "/client/config", nil, &cfg); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func (c *Client) CreateSession(ctx context.Context, name, workspaceID string) (*session.Session, error) {
	var sess session.Session
	err := c.do(ctx, http.MethodPost, "/sessions", createSessionRequest{Name: name, WorkspaceID: workspaceID}, &sess)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (*session.Session, error) {
	var sess session.Session
	if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID), nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (c *Client) ListSessions(ctx context.Context, workspaceID string) ([]*session.Session, error) {
	var resp struct {
		Sessions []*session.Session `json:"sessions"`
	}
	path := "/sessions?workspaceId=" + url.QueryEscape(workspaceID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// JoinResult is the join response: the participant record plus the sandbox
// coordinates needed for the media handshake.
type JoinResult struct {
	Participant *session.Participant `json:"participant"`
	Endpoint    string               `json:"endpoint"`
	Credential  string               `json:"credential"`
}

func (c *Client) Join(ctx context.Context, sessionID string) (*JoinResult, error) {
	var result JoinResult
	if err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/join", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Leave(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/leave", nil, nil)
}

func (c *Client) End(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(sessionID), nil, nil)
}

func (c *Client) Participants(ctx context.Context, sessionID string) ([]*session.Participant, error) {
	var resp struct {
		Participants []*session.Participant `json:"participants"`
	}
	if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID)+"/participants", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Participants, nil
}

func (c *Client) SetControl(ctx context.Context, sessionID, targetUserID string, grant bool) error {
	body := controlRequest{TargetUserID: targetUserID, Grant: grant}
	return c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/control", body, nil)
}

func (c *Client) ControlOwner(ctx context.Context, sessionID string) (string, error) {
	var resp struct {
		OwnerUserID string `json:"ownerUserId"`
	}
	if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID)+"/control", nil, &resp); err != nil {
		return "", err
	}
	return resp.OwnerUserID, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("httpapi: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return err
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("httpapi: decode %s %s response: %w", method, path, err)
	}
	return nil
}

// statusError maps HTTP statuses back to the sentinels the server mapped
// them from, so callers can errors.Is against store errors on either side
// of the wire.
func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg := ""
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil {
		msg = body.Error
	}

	var base error
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		base = ErrUnauthorized
	case http.StatusForbidden:
		base = session.ErrAuthorization
	case http.StatusNotFound:
		base = session.ErrNotFound
	case http.StatusConflict:
		base = session.ErrAlreadyEnded
	case http.StatusTooManyRequests:
		base = ErrRateLimited
	case http.StatusBadGateway:
		base = provision.ErrProvisioning
	default:
		return fmt.Errorf("httpapi: unexpected status %s: %s", resp.Status, msg)
	}
	if msg != "" {
		return fmt.Errorf("%w: %s", base, msg)
	}
	return base
}
