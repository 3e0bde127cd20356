// Package roomapi is the HTTP client for the backend's room-management
// endpoints: create, join, leave, close and health.
//
// Concurrent create calls for the same user, and concurrent join calls for
// the same room and user, share one in-flight request.
package roomapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/echomeet/internal/observe"
	"github.com/MrWong99/echomeet/internal/resilience"
	"github.com/MrWong99/echomeet/pkg/types"
)

const (
	defaultTimeout = 10 * time.Second

	// maxErrorBody bounds how much of a failed response is kept.
	maxErrorBody = 4 << 10
)

// APIError is returned for non-2xx responses.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("roomapi: %s: HTTP %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("roomapi: %s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithMetrics records request latency to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithBreaker replaces the default circuit breaker. A nil breaker disables
// fail-fast behaviour.
func WithBreaker(b *resilience.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// Client talks to the room-management service. It is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	metrics *observe.Metrics
	breaker *resilience.Breaker
	group   singleflight.Group
	prop    propagation.TextMapPropagator
}

// serverFault reports whether err says something about the service's
// health. 4xx responses and caller cancellations do not.
func serverFault(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}

// New returns a client for the service at baseURL (e.g. "http://localhost:8000").
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("roomapi: base url must not be empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("roomapi: parse base url: %w", err)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		prop:    propagation.TraceContext{},
		breaker: resilience.New(resilience.Config{Name: "roomapi", IsFailure: serverFault}),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type createResponse struct {
	Status       string              `json:"status"`
	RoomCode     string              `json:"room_code"`
	CreatedAt    string              `json:"created_at,omitempty"`
	HostID       string              `json:"host_id,omitempty"`
	Participants []types.Participant `json:"participants,omitempty"`
}

type joinResponse struct {
	Status           string              `json:"status"`
	RoomCode         string              `json:"room_code"`
	HostID           string              `json:"host_id"`
	ParticipantCount int                 `json:"participant_count"`
	Participants     []types.Participant `json:"participants,omitempty"`
}

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// CreateRoom creates a room hosted by userID under the display name name.
func (c *Client) CreateRoom(ctx context.Context, userID, name string) (types.Room, error) {
	key := "create-" + userID
	return c.shared(ctx, key, func(ctx context.Context) (types.Room, error) {
		var resp createResponse
		endpoint := c.endpoint(url.Values{"name": {name}}, "api", "rooms", "create", userID)
		if err := c.do(ctx, "create", http.MethodPost, endpoint, &resp); err != nil {
			return types.Room{}, err
		}
		if resp.RoomCode == "" {
			return types.Room{}, errors.New("roomapi: create: response has no room code")
		}
		return types.Room{Code: resp.RoomCode, HostID: resp.HostID, Participants: resp.Participants}, nil
	})
}

// JoinRoom joins the room identified by code.
func (c *Client) JoinRoom(ctx context.Context, code, userID, name string) (types.Room, error) {
	key := "join-" + code + "-" + userID
	return c.shared(ctx, key, func(ctx context.Context) (types.Room, error) {
		var resp joinResponse
		endpoint := c.endpoint(url.Values{"name": {name}}, "api", "rooms", "join", code, userID)
		if err := c.do(ctx, "join", http.MethodPost, endpoint, &resp); err != nil {
			return types.Room{}, err
		}
		room := types.Room{Code: resp.RoomCode, HostID: resp.HostID, Participants: resp.Participants}
		if room.Code == "" {
			room.Code = code
		}
		return room, nil
	})
}

// LeaveRoom removes userID from whatever room it is in.
func (c *Client) LeaveRoom(ctx context.Context, userID string) error {
	return c.do(ctx, "leave", http.MethodPost, c.endpoint(nil, "api", "rooms", "leave", userID), nil)
}

// CloseRoom ends the room for all participants. The service only accepts
// this from the host.
func (c *Client) CloseRoom(ctx context.Context, code, userID string) error {
	return c.do(ctx, "close", http.MethodPost, c.endpoint(nil, "api", "rooms", "close", code, userID), nil)
}

// Health checks the service's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	var resp healthResponse
	if err := c.do(ctx, "health", http.MethodGet, c.endpoint(nil, "api", "health"), &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("roomapi: health: %s", resp.Error)
	}
	return nil
}

// shared runs fn once per key across concurrent callers. Each caller still
// honours its own ctx; the shared request runs detached from any single
// caller's cancellation.
func (c *Client) shared(ctx context.Context, key string, fn func(context.Context) (types.Room, error)) (types.Room, error) {
	ch := c.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return types.Room{}, res.Err
		}
		room := res.Val.(types.Room)
		room.Participants = slices.Clone(room.Participants)
		return room, nil
	case <-ctx.Done():
		return types.Room{}, ctx.Err()
	}
}

func (c *Client) endpoint(q url.Values, segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	u := c.baseURL + "/" + strings.Join(escaped, "/")
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// do issues one request and decodes a 2xx JSON body into out when out is
// non-nil.
func (c *Client) do(ctx context.Context, op, method, endpoint string, out any) (err error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "roomapi."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
			observe.Logger(ctx).Debug("roomapi: request failed", "op", op, "err", err)
		}
		observe.FinishSpan(span, err)
		c.metrics.RecordRoomAPI(ctx, op, status, time.Since(start).Seconds())
	}()

	err = c.breaker.Execute(func() error {
		return c.roundTrip(ctx, op, method, endpoint, out)
	})
	if errors.Is(err, resilience.ErrOpen) {
		return fmt.Errorf("roomapi: %s: %w", op, err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, op, method, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("roomapi: %s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	c.prop.Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("roomapi: %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("roomapi: %s: decode response: %w", op, err)
	}
	return nil
}
