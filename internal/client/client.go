// Package client talks to the pipeline REST API and event stream.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"hitl-pipeline/backend/internal/api"
	"hitl-pipeline/backend/internal/hitl"
	"hitl-pipeline/backend/pkg/models"
)

// APIError is a non-2xx response decoded from problem+json.
type APIError struct {
	StatusCode int
	Problem    api.ProblemDetails
}

func (e *APIError) Error() string {
	if e.Problem.Detail != "" {
		return fmt.Sprintf("%d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Problem.Detail)
	}
	return fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Client is a pipeline API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
	token      string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithToken sends token as a bearer credential.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New creates a client for the server at baseURL, for example
// http://localhost:8080.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dialer:     websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateRun creates a run and starts it unless deferStart is set.
func (c *Client) CreateRun(ctx context.Context, source models.SourceDescriptor, deferStart bool) (api.RunAccepted, error) {
	var out api.RunAccepted
	err := c.do(ctx, http.MethodPost, "/runs", api.CreateRunRequest{Source: source, DeferStart: deferStart}, &out)
	return out, err
}

// StartRun starts a deferred run.
func (c *Client) StartRun(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(runID)+"/start", nil, nil)
}

// GetRun returns one run.
func (c *Client) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	var run models.Run
	if err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns every run, newest first.
func (c *Client) ListRuns(ctx context.Context) ([]models.Run, error) {
	var runs []models.Run
	err := c.do(ctx, http.MethodGet, "/runs", nil, &runs)
	return runs, err
}

// ListMappings returns the run's candidates and their tally.
func (c *Client) ListMappings(ctx context.Context, runID string) (api.MappingList, error) {
	var out api.MappingList
	err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID)+"/mappings", nil, &out)
	return out, err
}

// SubmitApprovals sends reviewer decisions for a waiting run.
func (c *Client) SubmitApprovals(ctx context.Context, runID string, decisions []hitl.Decision) (hitl.Resolution, error) {
	var out hitl.Resolution
	err := c.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(runID)+"/approvals", api.ApprovalRequest{Decisions: decisions}, &out)
	return out, err
}

// ErrStopWatching ends Watch without an error when returned by the handler.
var ErrStopWatching = errors.New("stop watching")

// Stream is an open event subscription for one run.
type Stream struct {
	conn *websocket.Conn
	stop func() bool
	ctx  context.Context
}

// Subscribe opens the run's event stream. Events published after Subscribe
// returns are delivered in order.
func (c *Client) Subscribe(ctx context.Context, runID string) (*Stream, error) {
	wsURL, err := c.streamURL(runID)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, decodeError(resp)
		}
		return nil, fmt.Errorf("dial event stream: %w", err)
	}

	return &Stream{
		conn: conn,
		stop: context.AfterFunc(ctx, func() { conn.Close() }),
		ctx:  ctx,
	}, nil
}

// Next blocks for the next event. It returns io.EOF when the server closes
// the stream normally.
func (s *Stream) Next() (models.Envelope, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if s.ctx.Err() != nil {
			return models.Envelope{}, s.ctx.Err()
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return models.Envelope{}, io.EOF
		}
		return models.Envelope{}, fmt.Errorf("read event: %w", err)
	}
	env, err := models.DecodeEnvelope(data)
	if err != nil {
		return models.Envelope{}, fmt.Errorf("decode event: %w", err)
	}
	return env, nil
}

// Close ends the subscription.
func (s *Stream) Close() error {
	s.stop()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return s.conn.Close()
}

// Watch streams the run's events to fn until the run finishes, fn returns
// an error or ctx is canceled.
func (c *Client) Watch(ctx context.Context, runID string, fn func(models.Envelope) error) error {
	stream, err := c.Subscribe(ctx, runID)
	if err != nil {
		return err
	}
	defer stream.Close()
	return Drain(stream, fn)
}

// Drain feeds stream events to fn until a terminal event, io.EOF or an error.
func Drain(stream *Stream, fn func(models.Envelope) error) error {
	for {
		env, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(env); err != nil {
			if errors.Is(err, ErrStopWatching) {
				return nil
			}
			return err
		}
		if env.IsTerminal() {
			return nil
		}
	}
}

func (c *Client) streamURL(runID string) (string, error) {
	u, err := url.Parse(c.baseURL + "/api/v1/runs/" + url.PathEscape(runID) + "/events")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v1"+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &apiErr.Problem) != nil {
		apiErr.Problem.Detail = strings.TrimSpace(string(data))
	}
	return apiErr
}
