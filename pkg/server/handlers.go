package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"

	"github.com/seldon-engine/aof/pkg/eventlog"
	"github.com/seldon-engine/aof/pkg/protocol"
	"github.com/seldon-engine/aof/pkg/store"
	"github.com/seldon-engine/aof/pkg/types"
)

// maxLongPoll caps how long GET /v1/events holds a connection open.
const maxLongPoll = 30 * time.Second

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep := s.monitor.Report(r.Context())
	status := http.StatusOK
	if !rep.Healthy() {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, rep)
}

// EnvelopeAck is the response to an accepted envelope.
type EnvelopeAck struct {
	Accepted bool   `json:"accepted"`
	Type     string `json:"type"`
	TaskID   string `json:"taskId"`
}

func (s *Server) handleEnvelope(w http.ResponseWriter, r *http.Request) {
	var env protocol.Envelope
	if err := decodeBody(r, &env); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.router.Handle(&env); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, EnvelopeAck{
		Accepted: true,
		Type:     env.Type,
		TaskID:   env.TaskID,
	})
}

// handleTool fans out on the tool name. Only known names get a metrics
// route label; anything else is a 404 without touching the counters.
func (s *Server) handleTool(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var h http.HandlerFunc
	switch name {
	case "create":
		h = s.toolCreate
	case "update":
		h = s.toolUpdate
	case "complete":
		h = s.toolComplete
	case "dispatch":
		h = s.toolDispatch
	default:
		s.writeError(w, fmt.Errorf("unknown tool %q: %w", name, errdefs.ErrNotFound))
		return
	}
	s.instrument("/v1/tools/"+name, h)(w, r)
}

func (s *Server) toolCreate(w http.ResponseWriter, r *http.Request) {
	var p protocol.CreateParams
	if err := decodeBody(r, &p); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.router.ToolCreate(p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) toolUpdate(w http.ResponseWriter, r *http.Request) {
	var p protocol.UpdateParams
	if err := decodeBody(r, &p); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.router.ToolUpdate(p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) toolComplete(w http.ResponseWriter, r *http.Request) {
	var p protocol.CompleteParams
	if err := decodeBody(r, &p); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.router.ToolComplete(p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) toolDispatch(w http.ResponseWriter, r *http.Request) {
	var p protocol.DispatchParams
	if err := decodeBody(r, &p); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.router.ToolDispatch(p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// SessionEndedRequest reports that an agent session exited.
type SessionEndedRequest struct {
	SessionID string `json:"sessionId"`
}

// SessionEndedResponse says how many tasks the exit finalized.
type SessionEndedResponse struct {
	Finalized int `json:"finalized"`
}

func (s *Server) handleSessionEnded(w http.ResponseWriter, r *http.Request) {
	var req SessionEndedRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.SessionID == "" {
		s.writeError(w, fmt.Errorf("sessionId required: %w", errdefs.ErrInvalidArgument))
		return
	}
	n, err := s.router.HandleSessionEnded(req.SessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, SessionEndedResponse{Finalized: n})
}

// handleEvents reads a project's event history. With wait=<duration> and no
// matches, the handler long-polls: it re-queries whenever the log appends,
// until something matches or the wait runs out.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	projectID := q.Get("project")
	if projectID == "" {
		s.writeError(w, fmt.Errorf("project parameter required: %w", errdefs.ErrInvalidArgument))
		return
	}
	lg, err := s.reg.Events(projectID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	f := eventlog.Filter{
		TaskID: q.Get("task"),
		Actor:  q.Get("actor"),
	}
	if v := q.Get("type"); v != "" {
		f.Types = strings.Split(v, ",")
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			s.writeError(w, fmt.Errorf("bad since %q: %w", v, errdefs.ErrInvalidArgument))
			return
		}
		f.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			s.writeError(w, fmt.Errorf("bad until %q: %w", v, errdefs.ErrInvalidArgument))
			return
		}
		f.Until = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, fmt.Errorf("bad limit %q: %w", v, errdefs.ErrInvalidArgument))
			return
		}
		f.Limit = n
	}

	var wait time.Duration
	if v := q.Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			s.writeError(w, fmt.Errorf("bad wait %q: %w", v, errdefs.ErrInvalidArgument))
			return
		}
		wait = min(d, maxLongPoll)
	}

	evs, err := lg.Query(f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(evs) == 0 && wait > 0 {
		evs, err = s.waitForEvents(r, lg, f, wait)
		if err != nil {
			s.writeError(w, err)
			return
		}
	}
	if evs == nil {
		evs = []*types.Event{}
	}
	s.writeJSON(w, http.StatusOK, evs)
}

// waitForEvents blocks until the log appends something that matches f, the
// wait expires, or the client goes away. Appends that miss the filter just
// trigger another query.
func (s *Server) waitForEvents(r *http.Request, lg *eventlog.Logger, f eventlog.Filter, wait time.Duration) ([]*types.Event, error) {
	sub := lg.Subscribe()
	defer lg.Unsubscribe(sub)

	// Re-query after subscribing: an append between the caller's empty
	// query and the Subscribe above would otherwise go unseen.
	evs, err := lg.Query(f)
	if err != nil || len(evs) > 0 {
		return evs, err
	}

	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		select {
		case <-r.Context().Done():
			return nil, nil
		case <-deadline.C:
			return nil, nil
		case <-sub:
			evs, err := lg.Query(f)
			if err != nil {
				return nil, err
			}
			if len(evs) > 0 {
				return evs, nil
			}
		}
	}
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	projectID := q.Get("project")
	if projectID == "" {
		s.writeError(w, fmt.Errorf("project parameter required: %w", errdefs.ErrInvalidArgument))
		return
	}
	st, err := s.reg.Open(projectID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	f := store.Filter{
		Agent:    q.Get("agent"),
		Team:     q.Get("team"),
		ParentID: q.Get("parent"),
		Tag:      q.Get("tag"),
	}
	if v := q.Get("status"); v != "" {
		for _, raw := range strings.Split(v, ",") {
			status := types.Status(strings.TrimSpace(raw))
			if !status.Valid() {
				s.writeError(w, fmt.Errorf("unknown status %q: %w", raw, errdefs.ErrInvalidArgument))
				return
			}
			f.Statuses = append(f.Statuses, status)
		}
	}

	ts, err := st.List(f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if ts == nil {
		ts = []*types.Task{}
	}
	s.writeJSON(w, http.StatusOK, ts)
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project")
	if projectID == "" {
		s.writeError(w, fmt.Errorf("project parameter required: %w", errdefs.ErrInvalidArgument))
		return
	}
	st, err := s.reg.Open(projectID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	t, err := st.GetByPrefix(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

// ProjectInfo is one row in the projects listing. Err reports manifests
// that exist but cannot be parsed; such projects still count.
type ProjectInfo struct {
	ID       string `json:"id"`
	Path     string `json:"path"`
	Title    string `json:"title,omitempty"`
	Status   string `json:"status,omitempty"`
	Archived bool   `json:"archived,omitempty"`
	Err      string `json:"error,omitempty"`
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	includeArchived := false
	if v := r.URL.Query().Get("archived"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, fmt.Errorf("bad archived %q: %w", v, errdefs.ErrInvalidArgument))
			return
		}
		includeArchived = b
	}
	recs, err := s.reg.Projects(includeArchived)
	if err != nil {
		s.writeError(w, err)
		return
	}

	infos := make([]ProjectInfo, 0, len(recs))
	for _, rec := range recs {
		info := ProjectInfo{ID: rec.ID, Path: rec.Path}
		if rec.Manifest != nil {
			info.Title = rec.Manifest.Title
			info.Status = string(rec.Manifest.Status)
			info.Archived = rec.Manifest.Archived()
		}
		if rec.Err != nil {
			info.Err = rec.Err.Error()
		}
		infos = append(infos, info)
	}
	s.writeJSON(w, http.StatusOK, infos)
}
