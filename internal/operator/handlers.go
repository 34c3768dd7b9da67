package operator

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/relais/internal/dispatch"
	"github.com/hazyhaar/relais/internal/journal"
	"github.com/hazyhaar/relais/internal/snapstore"
	"github.com/hazyhaar/relais/internal/versions"
)

// snapshotView renders a snapshot with its state inlined as JSON instead
// of base64 bytes.
type snapshotView struct {
	Seq       uint64          `json:"seq"`
	Parent    uint64          `json:"parent"`
	Tag       string          `json:"tag"`
	State     json.RawMessage `json:"state,omitempty"`
	CreatedAt int64           `json:"created_at"`
}

func viewSnapshot(sn *snapstore.Snapshot) snapshotView {
	v := snapshotView{Seq: sn.Seq, Parent: sn.Parent, Tag: sn.Tag, CreatedAt: sn.CreatedAt}
	switch {
	case len(sn.Payload) == 0:
	case json.Valid(sn.Payload):
		v.State = json.RawMessage(sn.Payload)
	default:
		quoted, _ := json.Marshal(string(sn.Payload))
		v.State = quoted
	}
	return v
}

type healthView struct {
	Status          string `json:"status"`
	LastHeartbeatAt int64  `json:"last_heartbeat_at,omitempty"` // unix millis
	HeartbeatAgeMS  int64  `json:"heartbeat_age_ms,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	view := healthView{Status: "ok"}
	hb, err := s.deps.Journal.Last(r.Context(), journal.EventHeartbeat)
	if err != nil {
		s.deps.Logger.WarnContext(r.Context(), "health: heartbeat lookup failed", "error", err)
	}
	if hb != nil {
		view.LastHeartbeatAt = hb.CreatedAt
		view.HeartbeatAgeMS = time.Now().UnixMilli() - hb.CreatedAt
	}
	writeJSON(w, 200, view)
}

// dispatchPayload is the POST /api/dispatch body. Timeout is expressed in
// milliseconds; zero means no per-provider deadline.
type dispatchPayload struct {
	ID        string            `json:"id,omitempty"`
	Kind      string            `json:"kind"`
	Params    map[string]string `json:"params,omitempty"`
	Body      json.RawMessage   `json:"body,omitempty"`
	Priority  int               `json:"priority,omitempty"`
	TimeoutMS int64             `json:"timeout_ms,omitempty"`
}

type dispatchView struct {
	Report *dispatch.Report `json:"report"`
	Result *dispatch.Result `json:"result,omitempty"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var payload dispatchPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, 400, err)
		return
	}
	if payload.Kind == "" {
		writeError(w, 400, errors.New("kind is required"))
		return
	}
	req := &dispatch.Request{
		ID:       payload.ID,
		Kind:     dispatch.Kind(payload.Kind),
		Params:   payload.Params,
		Body:     payload.Body,
		Priority: payload.Priority,
		Timeout:  time.Duration(payload.TimeoutMS) * time.Millisecond,
	}
	if req.ID == "" {
		req.ID = s.deps.NewID()
	}

	res, rep := s.deps.Dispatcher.Dispatch(r.Context(), req)
	writeJSON(w, 200, dispatchView{Report: rep, Result: res})
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	head, err := s.deps.Store.Head(r.Context())
	if errors.Is(err, snapstore.ErrEmptyHistory) {
		writeError(w, 404, err)
		return
	}
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, viewSnapshot(head))
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseUint(chi.URLParam(r, "seq"), 10, 64)
	if err != nil {
		writeError(w, 400, errors.New("seq must be a positive integer"))
		return
	}
	snap, err := s.deps.Store.Restore(r.Context(), seq)
	if errors.Is(err, snapstore.ErrNotFound) {
		writeError(w, 404, err)
		return
	}
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, viewSnapshot(snap))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	snaps, err := s.deps.Store.History(r.Context(), limit)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	views := make([]snapshotView, len(snaps))
	for i, sn := range snaps {
		views[i] = viewSnapshot(sn)
	}
	writeJSON(w, 200, views)
}

type versionView struct {
	Records      []versions.Record `json:"records"`
	Synchronized bool              `json:"synchronized"`
}

// handleVersion reports every version record the guard watches, plus the
// tag of the head snapshot. Synchronized is false the moment any two
// records disagree.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.Guard.Records(r.Context())
	if err != nil {
		writeError(w, 500, err)
		return
	}
	head, err := s.deps.Store.Head(r.Context())
	switch {
	case errors.Is(err, snapstore.ErrEmptyHistory):
		// Unseeded chain: only the guard sources exist.
	case err != nil:
		writeError(w, 500, err)
		return
	default:
		records = append(records, versions.Record{Source: versions.SourceSnapshot, Tag: head.Tag})
	}

	sync := len(records) > 0
	for _, rec := range records {
		if rec.Tag != records[0].Tag {
			sync = false
			break
		}
	}
	writeJSON(w, 200, versionView{Records: records, Synchronized: sync})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	after := r.URL.Query().Get("after")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	events, err := s.deps.Journal.Feed(r.Context(), after, limit)
	if err != nil {
		writeError(w, 500, err)
		return
	}
	if events == nil {
		events = []*journal.Event{}
	}
	writeJSON(w, 200, events)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
