package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"

	"github.com/seldon-engine/aof/pkg/health"
	"github.com/seldon-engine/aof/pkg/protocol"
	"github.com/seldon-engine/aof/pkg/server"
	"github.com/seldon-engine/aof/pkg/types"
)

// Client talks to a running daemon over its unix socket. Methods block
// until the daemon answers or ctx ends; the client sets no timeout of its
// own, so event tailing can hold a request open as long as the caller
// allows.
type Client struct {
	socketPath string
	http       *http.Client
}

// New creates a client for the daemon socket at socketPath. No connection
// is made until the first call.
func New(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// SocketPath returns the socket this client dials.
func (c *Client) SocketPath() string { return c.socketPath }

// APIError is a non-2xx answer from the daemon, mapped back onto the
// errdefs taxonomy so callers branch the same way on both sides of the
// socket. Reason carries the protocol rejection code when there is one.
type APIError struct {
	Status  int
	Message string
	Reason  string
	cause   error
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("daemon returned HTTP %d", e.Status)
}

func (e *APIError) Unwrap() error { return e.cause }

// sentinelFor inverts the server's status mapping.
func sentinelFor(status int) error {
	switch status {
	case http.StatusBadRequest:
		return errdefs.ErrInvalidArgument
	case http.StatusNotFound:
		return errdefs.ErrNotFound
	case http.StatusForbidden:
		return errdefs.ErrPermissionDenied
	case http.StatusConflict:
		return errdefs.ErrConflict
	case http.StatusPreconditionFailed:
		return errdefs.ErrFailedPrecondition
	case http.StatusTooManyRequests:
		return errdefs.ErrResourceExhausted
	case http.StatusServiceUnavailable:
		return errdefs.ErrUnavailable
	default:
		return errdefs.ErrUnknown
	}
}

// do issues one request and decodes the JSON answer into out when out is
// non-nil. Dial failures surface as unavailable: the usual cause is that
// no daemon is running.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://aof"+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s (%v): %w", c.socketPath, err, errdefs.ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var er server.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
			er.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return &APIError{
			Status:  resp.StatusCode,
			Message: er.Error,
			Reason:  er.Reason,
			cause:   sentinelFor(resp.StatusCode),
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Health fetches the daemon's health report. Both healthy and unhealthy
// daemons answer with a report; only transport failures return an error.
func (c *Client) Health(ctx context.Context) (*health.Report, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://aof/health", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("daemon unreachable at %s (%v): %w", c.socketPath, err, errdefs.ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, &APIError{Status: resp.StatusCode, cause: sentinelFor(resp.StatusCode)}
	}
	var rep health.Report
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		return nil, fmt.Errorf("decode health report: %w", err)
	}
	return &rep, nil
}

// Envelope submits a protocol envelope.
func (c *Client) Envelope(ctx context.Context, env *protocol.Envelope) (*server.EnvelopeAck, error) {
	var ack server.EnvelopeAck
	if err := c.do(ctx, http.MethodPost, "/v1/envelope", env, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// CreateTask files a new task card.
func (c *Client) CreateTask(ctx context.Context, p protocol.CreateParams) (*protocol.ToolResult, error) {
	var res protocol.ToolResult
	if err := c.do(ctx, http.MethodPost, "/v1/tools/create", p, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// UpdateTask edits fields and optionally requests a transition.
func (c *Client) UpdateTask(ctx context.Context, p protocol.UpdateParams) (*protocol.ToolResult, error) {
	var res protocol.ToolResult
	if err := c.do(ctx, http.MethodPost, "/v1/tools/update", p, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CompleteTask records an outcome and walks the lifecycle.
func (c *Client) CompleteTask(ctx context.Context, p protocol.CompleteParams) (*protocol.ToolResult, error) {
	var res protocol.ToolResult
	if err := c.do(ctx, http.MethodPost, "/v1/tools/complete", p, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Dispatch routes a task and makes it dispatchable now.
func (c *Client) Dispatch(ctx context.Context, p protocol.DispatchParams) (*protocol.ToolResult, error) {
	var res protocol.ToolResult
	if err := c.do(ctx, http.MethodPost, "/v1/tools/dispatch", p, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SessionEnded tells the daemon an agent session exited and returns how
// many tasks its run results finalized.
func (c *Client) SessionEnded(ctx context.Context, sessionID string) (int, error) {
	var res server.SessionEndedResponse
	err := c.do(ctx, http.MethodPost, "/v1/sessions/ended",
		server.SessionEndedRequest{SessionID: sessionID}, &res)
	if err != nil {
		return 0, err
	}
	return res.Finalized, nil
}

// TaskFilter selects tasks for Tasks.
type TaskFilter struct {
	Project  string
	Statuses []string
	Agent    string
	Team     string
	ParentID string
	Tag      string
}

// Tasks lists a project's tasks.
func (c *Client) Tasks(ctx context.Context, f TaskFilter) ([]*types.Task, error) {
	q := url.Values{}
	q.Set("project", f.Project)
	if len(f.Statuses) > 0 {
		q.Set("status", strings.Join(f.Statuses, ","))
	}
	if f.Agent != "" {
		q.Set("agent", f.Agent)
	}
	if f.Team != "" {
		q.Set("team", f.Team)
	}
	if f.ParentID != "" {
		q.Set("parent", f.ParentID)
	}
	if f.Tag != "" {
		q.Set("tag", f.Tag)
	}
	var ts []*types.Task
	if err := c.do(ctx, http.MethodGet, "/v1/tasks?"+q.Encode(), nil, &ts); err != nil {
		return nil, err
	}
	return ts, nil
}

// Task fetches one task by id or unique id prefix.
func (c *Client) Task(ctx context.Context, projectID, id string) (*types.Task, error) {
	q := url.Values{}
	q.Set("project", projectID)
	var t types.Task
	if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(id)+"?"+q.Encode(), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Projects lists discovered projects.
func (c *Client) Projects(ctx context.Context, includeArchived bool) ([]server.ProjectInfo, error) {
	path := "/v1/projects"
	if includeArchived {
		path += "?archived=true"
	}
	var infos []server.ProjectInfo
	if err := c.do(ctx, http.MethodGet, path, nil, &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

// EventQuery selects events for Events. A non-zero Wait long-polls: the
// daemon holds the request until something matches or the wait expires.
type EventQuery struct {
	Project string
	Types   []string
	TaskID  string
	Actor   string
	Since   time.Time
	Until   time.Time
	Limit   int
	Wait    time.Duration
}

func (q EventQuery) values() url.Values {
	v := url.Values{}
	v.Set("project", q.Project)
	if len(q.Types) > 0 {
		v.Set("type", strings.Join(q.Types, ","))
	}
	if q.TaskID != "" {
		v.Set("task", q.TaskID)
	}
	if q.Actor != "" {
		v.Set("actor", q.Actor)
	}
	if !q.Since.IsZero() {
		v.Set("since", q.Since.Format(time.RFC3339Nano))
	}
	if !q.Until.IsZero() {
		v.Set("until", q.Until.Format(time.RFC3339Nano))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Wait > 0 {
		v.Set("wait", q.Wait.String())
	}
	return v
}

// Events queries a project's event history.
func (c *Client) Events(ctx context.Context, q EventQuery) ([]*types.Event, error) {
	var evs []*types.Event
	if err := c.do(ctx, http.MethodGet, "/v1/events?"+q.values().Encode(), nil, &evs); err != nil {
		return nil, err
	}
	return evs, nil
}

// Tail follows a project's events from q.Since onward, invoking fn for
// each one until ctx ends. Delivery resumes where the last batch left
// off: Since advances just past the newest timestamp seen.
func (c *Client) Tail(ctx context.Context, q EventQuery, fn func(*types.Event)) error {
	if q.Wait <= 0 {
		q.Wait = 25 * time.Second
	}
	if q.Since.IsZero() {
		q.Since = time.Now().UTC()
	}
	for {
		evs, err := c.Events(ctx, q)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var newest time.Time
		for _, e := range evs {
			fn(e)
			if e.Timestamp.After(newest) {
				newest = e.Timestamp
			}
		}
		if !newest.IsZero() {
			q.Since = newest.Add(time.Nanosecond)
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}
