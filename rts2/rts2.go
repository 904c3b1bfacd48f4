/*Package rts2 implements device.Proxy over the JSON API of rts2-httpd.

The extended getall response maps each device to its values, each value
being an array whose second element is the value itself:

	{"F0": {"FOC_POS": [0, 3500], "FOC_DEF": [0, 3500]}, "C0": {...}}

Requests are rate limited so that polling loops do not flood the server.
*/
package rts2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nasa-jpl/autofocus/comm"
	"github.com/nasa-jpl/autofocus/device"
)

var (
	// ErrUnauthorized is generated when the server rejects the credentials
	ErrUnauthorized = errors.New("rts2: unauthorized")

	// ErrNotRefreshed is generated when Get is called before any Refresh
	ErrNotRefreshed = errors.New("rts2: state never refreshed")
)

// HTTPError is a non-2xx response from the server
type HTTPError struct {
	Path   string
	Status int
	Body   string
}

func (e HTTPError) Error() string {
	return fmt.Sprintf("rts2: %s returned %d: %s", e.Path, e.Status, e.Body)
}

// Config holds the connection parameters of a Client
type Config struct {
	// URL is the base address, e.g. http://localhost:8889
	URL      string
	User     string
	Password string

	// RequestsPerSecond limits the request rate; zero means unlimited
	RequestsPerSecond float64

	// Timeout bounds each request
	Timeout time.Duration
}

// Client is an RTS2 JSON proxy.  It is safe for concurrent use.
type Client struct {
	base    *url.URL
	user    string
	pass    string
	http    *http.Client
	limiter *rate.Limiter

	mu    sync.RWMutex
	state map[string]map[string]json.RawMessage
}

// New creates a new client.  No request is made.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("rts2: url %q lacks scheme or host", cfg.URL)
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	to := cfg.Timeout
	if to == 0 {
		to = 10 * time.Second
	}
	return &Client{
		base:    u,
		user:    cfg.User,
		pass:    cfg.Password,
		http:    &http.Client{Timeout: to},
		limiter: lim}, nil
}

// Connect performs an initial Refresh, retrying with exponential backoff for
// up to maxElapsed.  Bad credentials are not retried.
func (c *Client) Connect(ctx context.Context, maxElapsed time.Duration) error {
	return comm.ExponentialConnect(ctx, maxElapsed, func(err error) bool {
		return errors.Is(err, ErrUnauthorized)
	}, func() error {
		return c.Refresh(ctx)
	})
}

func (c *Client) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, path)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, HTTPError{Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

// Refresh loads the state of all devices
func (c *Client) Refresh(ctx context.Context) error {
	body, err := c.get(ctx, "/api/getall", url.Values{"e": {"1"}})
	if err != nil {
		return err
	}
	state := make(map[string]map[string]json.RawMessage)
	if err := json.Unmarshal(body, &state); err != nil {
		return fmt.Errorf("rts2: decoding getall: %w", err)
	}
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	return nil
}

// Get returns a value from the last refreshed state.  Numbers are returned
// as float64, strings as string.
func (c *Client) Get(dev, name string) (interface{}, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == nil {
		return nil, ErrNotRefreshed
	}
	d, ok := c.state[dev]
	if !ok {
		return nil, fmt.Errorf("%w: %s", device.ErrUnknownDevice, dev)
	}
	raw, ok := d[name]
	if !ok {
		return nil, fmt.Errorf("%s.%s: %w", dev, name, device.ErrNoValue)
	}
	var ext []interface{}
	if err := json.Unmarshal(raw, &ext); err != nil {
		// plain value, not extended
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
	if len(ext) < 2 || ext[1] == nil {
		return nil, fmt.Errorf("%s.%s: %w", dev, name, device.ErrNoValue)
	}
	return ext[1], nil
}

// GetSelection returns the allowed values of a selection parameter
func (c *Client) GetSelection(ctx context.Context, dev, name string) ([]string, error) {
	body, err := c.get(ctx, "/api/selval", url.Values{"d": {dev}, "n": {name}})
	if err != nil {
		return nil, err
	}
	var out []string
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("rts2: decoding selval: %w", err)
	}
	return out, nil
}

// Set writes a value
func (c *Client) Set(ctx context.Context, dev, name string, value interface{}) error {
	_, err := c.get(ctx, "/api/set", url.Values{"d": {dev}, "n": {name}, "v": {fmt.Sprint(value)}})
	return err
}

// Execute runs a command
func (c *Client) Execute(ctx context.Context, dev, cmd string) error {
	_, err := c.get(ctx, "/api/cmd", url.Values{"d": {dev}, "c": {cmd}})
	return err
}

var _ device.Proxy = (*Client)(nil)
