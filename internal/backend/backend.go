// Package backend is the Map Definition Loader: a client for the map endpoints
// of the platform REST API.
//
// Responses may be wrapped in a {status, code, data} envelope or be the bare
// document; both are accepted.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/joeblew999/plat-mapview/internal/mapdef"
)

// MaxResponseBytes caps the size of a backend response.
const MaxResponseBytes = 16 << 20

// DefinitionLoadError reports a map document that could not be loaded. It is
// the one error a viewer session shows to users.
type DefinitionLoadError struct {
	MapID  string
	Status int
	// Message is the backend's own error message, when it sent one.
	Message string
	Err     error
}

func (e *DefinitionLoadError) Error() string {
	what := "maps"
	if e.MapID != "" {
		what = "map " + e.MapID
	}
	switch {
	case e.Message != "":
		return fmt.Sprintf("loading %s: %s", what, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("loading %s: %v", what, e.Err)
	}
	return fmt.Sprintf("loading %s: status %d", what, e.Status)
}

func (e *DefinitionLoadError) Unwrap() error { return e.Err }

// ErrNoData is the cause of a DefinitionLoadError for empty responses.
var ErrNoData = errors.New("backend returned no data")

// Client talks to the backend REST API.
type Client struct {
	base   string
	client *http.Client
	log    *slog.Logger
}

// New creates a client for the API rooted at baseURL, e.g.
// "http://localhost:8086/api/v1". A nil http client gets a 60s timeout.
func New(baseURL string, client *http.Client, log *slog.Logger) *Client {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		base:   strings.TrimSuffix(baseURL, "/"),
		client: client,
		log:    log.With("component", "backend"),
	}
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string { return c.base }

// ListMaps fetches the map summaries.
func (c *Client) ListMaps(ctx context.Context) ([]mapdef.MapDefinition, error) {
	var maps []mapdef.MapDefinition
	if err := c.get(ctx, "", "/maps", &maps); err != nil {
		return nil, err
	}
	return maps, nil
}

// GetMap fetches a full map definition with its layer groups and layers.
func (c *Client) GetMap(ctx context.Context, id string) (*mapdef.MapDefinition, error) {
	var def mapdef.MapDefinition
	if err := c.get(ctx, id, "/maps/"+url.PathEscape(id), &def); err != nil {
		return nil, err
	}
	if def.ID == "" {
		def.ID = mapdef.ID(id)
	}
	return &def, nil
}

func (c *Client) get(ctx context.Context, mapID, path string, out any) error {
	fail := func(status int, msg string, err error) error {
		return &DefinitionLoadError{MapID: mapID, Status: status, Message: msg, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fail(0, "", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fail(0, "", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
	if err != nil {
		return fail(resp.StatusCode, "", err)
	}
	c.log.Debug("backend request", "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(resp.StatusCode, errorMessage(body), fmt.Errorf("backend: %s", resp.Status))
	}

	data, err := unwrap(body)
	if err != nil {
		return fail(resp.StatusCode, "", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fail(resp.StatusCode, "", fmt.Errorf("decoding response: %w", err))
	}
	return nil
}

type envelope struct {
	Status  any             `json:"status"`
	Code    any             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`

	// RFC 9457 problem details, as sent by huma servers.
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// unwrap returns the payload of an enveloped response, or body itself.
func unwrap(body []byte) (json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, ErrNoData
	}
	if body[0] != '{' {
		return body, nil
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if env.Data == nil {
		return body, nil
	}
	data := bytes.TrimSpace(env.Data)
	if bytes.Equal(data, []byte("null")) {
		return nil, ErrNoData
	}
	return data, nil
}

func errorMessage(body []byte) string {
	var env envelope
	if json.Unmarshal(body, &env) != nil {
		return ""
	}
	switch {
	case env.Message != "":
		return env.Message
	case env.Detail != "":
		return env.Detail
	}
	return env.Title
}
