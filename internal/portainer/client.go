// Package portainer is a client for the stack endpoints of the Portainer
// REST API. It authenticates lazily with a JWT and re-authenticates once
// when a token is rejected.
package portainer

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"rewind/internal/config"
	"rewind/internal/rewind"
)

// APIError is a non-2xx response.
type APIError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.Status, e.Message)
}

// Client implements rewind.ControlPlane.
type Client struct {
	baseURL         string
	username        string
	password        string
	defaultEndpoint int
	http            *http.Client
	logger          rewind.Logger

	loginAttempts uint
	loginDelay    time.Duration

	mu    sync.Mutex
	token string
}

var _ rewind.ControlPlane = (*Client)(nil)

// NewClient creates a client for the API at baseURL. httpClient may be nil.
func NewClient(baseURL, username, password string, defaultEndpoint int, httpClient *http.Client, logger rewind.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = rewind.NewNopLogger()
	}
	if defaultEndpoint == 0 {
		defaultEndpoint = 1
	}
	return &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		username:        username,
		password:        password,
		defaultEndpoint: defaultEndpoint,
		http:            httpClient,
		logger:          logger,
		loginAttempts:   3,
		loginDelay:      time.Second,
	}
}

// NewClientFromConfig reads the password file and builds a Client.
func NewClientFromConfig(cfg config.ControlPlaneConfig, logger rewind.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("control_plane.url is required")
	}
	var password string
	if cfg.PasswordFile != "" {
		data, err := os.ReadFile(cfg.PasswordFile)
		if err != nil {
			return nil, fmt.Errorf("reading control plane password: %w", err)
		}
		password = strings.TrimSpace(string(data))
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := &http.Client{Transport: transport, Timeout: timeout}
	return NewClient(cfg.URL, cfg.Username, password, cfg.EndpointID, httpClient, logger), nil
}

// SetLoginRetry changes how often and how far apart a failing login is retried.
func (c *Client) SetLoginRetry(attempts uint, delay time.Duration) {
	c.loginAttempts = attempts
	c.loginDelay = delay
}

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	JWT string `json:"jwt"`
}

// Login obtains a fresh token. Transport errors and server errors are
// retried; a rejection of the credentials is returned at once as
// rewind.ErrAuthRejected.
func (c *Client) Login(ctx context.Context) error {
	body, err := json.Marshal(authRequest{Username: c.username, Password: c.password})
	if err != nil {
		return err
	}

	token, err := retry.DoWithData(func() (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/auth", bytes.NewReader(body))
		if err != nil {
			return "", retry.Unrecoverable(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusUnprocessableEntity:
			return "", retry.Unrecoverable(fmt.Errorf("%w: %v", rewind.ErrAuthRejected, readAPIError(resp, "/api/auth")))
		case resp.StatusCode >= 500:
			return "", readAPIError(resp, "/api/auth")
		case resp.StatusCode >= 300:
			return "", retry.Unrecoverable(readAPIError(resp, "/api/auth"))
		}

		var out authResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", retry.Unrecoverable(fmt.Errorf("decoding login response: %w", err))
		}
		if out.JWT == "" {
			return "", retry.Unrecoverable(errors.New("login response carried no token"))
		}
		return out.JWT, nil
	},
		retry.Attempts(c.loginAttempts),
		retry.Delay(c.loginDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("control plane login failed, retrying", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("logging in to control plane: %w", err)
	}

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	c.logger.Debug("logged in to control plane", "url", c.baseURL)
	return nil
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// do sends one API request. A 401 triggers exactly one re-login and one
// resend; a second 401 is returned as an APIError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	if c.currentToken() == "" {
		if err := c.Login(ctx); err != nil {
			return err
		}
	}

	resp, err := c.send(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		c.logger.Debug("control plane token rejected, logging in again", "path", path)
		if err := c.Login(ctx); err != nil {
			return err
		}
		if resp, err = c.send(ctx, method, path, query, body); err != nil {
			return err
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readAPIError(resp, path)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decoding response: %w", method, path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, body []byte) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.currentToken())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func readAPIError(resp *http.Response, path string) error {
	apiErr := &APIError{Method: resp.Request.Method, Path: path, Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var payload struct {
		Message string `json:"message"`
		Details string `json:"details"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Message != "" {
		apiErr.Message = payload.Message
		if payload.Details != "" && payload.Details != payload.Message {
			apiErr.Message += ": " + payload.Details
		}
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}

func (c *Client) endpointQuery(endpointID int) url.Values {
	if endpointID == 0 {
		endpointID = c.defaultEndpoint
	}
	return url.Values{"endpointId": {strconv.Itoa(endpointID)}}
}

func stackPath(id int, suffix string) string {
	return "/api/stacks/" + strconv.Itoa(id) + suffix
}
