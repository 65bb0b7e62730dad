// Package sandbox implements the client half of the remote browser
// handshake: authenticate against the sandbox's login endpoint, then open
// the persistent signaling channel with the ephemeral token.
package sandbox

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

	"github.com/rs/zerolog"

	"github.com/tandemly/cobrowse/internal/signaling"
)

// ErrAuthentication is returned for any non-success login response. There is
// no automatic retry; the caller decides whether to re-run the handshake.
var ErrAuthentication = errors.New("sandbox: authentication failed")

// Credentials are presented to the sandbox login endpoint: the participant's
// display name plus the session credential minted at provisioning time.
type Credentials struct {
	DisplayName string
	Password    string
}

// Profile carries the sandbox-assigned capability flags for the logged-in
// participant.
type Profile struct {
	Name       string `json:"name"`
	CanControl bool   `json:"canControl,omitempty"`
	CanWatch   bool   `json:"canWatch,omitempty"`
}

// LoginResult is the sandbox login response. Token is the ephemeral access
// token used to open the signaling channel.
type LoginResult struct {
	ID      string  `json:"id"`
	Token   string  `json:"token"`
	Profile Profile `json:"profile"`
}

type Client struct {
	endpoint   string
	log        zerolog.Logger
	httpClient *http.Client

	loginTimeout time.Duration
	dialTimeout  time.Duration
}

type Option func(*Client)

func WithLoginTimeout(d time.Duration) Option {
	return func(c *Client) { c.loginTimeout = d }
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// NewClient builds a handshake client for the sandbox at endpoint
// (an http(s) base URL as returned by provisioning).
func NewClient(endpoint string, log zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		endpoint:     endpoint,
		log:          log,
		httpClient:   &http.Client{},
		loginTimeout: 10 * time.Second,
		dialTimeout:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login exchanges credentials for an ephemeral access token. Any non-2xx
// response is ErrAuthentication.
func (c *Client) Login(ctx context.Context, creds Credentials) (LoginResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.loginTimeout)
	defer cancel()

	body, err := json.Marshal(loginRequest{
		Username: creds.DisplayName,
		Password: creds.Password,
	})
	if err != nil {
		return LoginResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/login", bytes.NewReader(body))
	if err != nil {
		return LoginResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return LoginResult{}, fmt.Errorf("sandbox: login request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Debug().Str("status", resp.Status).Msg("sandbox login rejected")
		return LoginResult{}, fmt.Errorf("%w: %s", ErrAuthentication, resp.Status)
	}

	var result LoginResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&result); err != nil {
		return LoginResult{}, fmt.Errorf("sandbox: decode login response: %w", err)
	}
	if result.Token == "" {
		return LoginResult{}, fmt.Errorf("%w: empty token", ErrAuthentication)
	}
	return result, nil
}

// OpenSignaling opens the persistent signaling channel authenticated with
// the ephemeral token.
func (c *Client) OpenSignaling(ctx context.Context, token string, opts ...signaling.DialOption) (*signaling.Channel, error) {
	wsURL, err := c.signalingURL(token)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	return signaling.Dial(ctx, wsURL, c.log, opts...)
}

func (c *Client) signalingURL(token string) (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("sandbox: invalid endpoint %q: %w", c.endpoint, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// Already a WebSocket URL.
	default:
		return "", fmt.Errorf("sandbox: unsupported endpoint scheme %q", u.Scheme)
	}
	u.Path = "/api/ws"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
