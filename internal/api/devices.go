package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nerrad567/daelim-bridge/internal/bridges/daelim"
	"github.com/nerrad567/daelim-bridge/internal/device"
)

// Handler timeouts.
const (
	commandTimeout = 15 * time.Second
	refreshTimeout = 60 * time.Second
	checkTimeout   = 2 * time.Second
)

// commandRequest is the body of POST /devices/{category}/{id}/command.
type commandRequest struct {
	ID         string         `json:"id,omitempty"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// commandResponse reports an accepted command.
type commandResponse struct {
	CommandID string         `json:"command_id"`
	DeviceID  string         `json:"device_id"`
	Status    string         `json:"status"`
	State     map[string]any `json:"state,omitempty"`
	LatencyMS int64          `json:"latency_ms"`
}

// handleHealth reports the session status and any dependency checks.
// It answers 200 while the session is ready and 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.devices.Health()
	status := "ok"
	code := http.StatusOK
	if h.Status != daelim.StatusReady {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	checks := make(map[string]string, len(s.checks))
	for name, c := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.HealthCheck(ctx)
		cancel()
		if err != nil {
			checks[name] = err.Error()
			status = "degraded"
			continue
		}
		checks[name] = "ok"
	}

	writeJSON(w, code, map[string]any{
		"status":  status,
		"version": s.version,
		"session": h,
		"checks":  checks,
	})
}

// handleListDevices returns every known state, optionally filtered by
// ?category=.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("category")
	var want daelim.Category
	if filter != "" {
		c, err := daelim.ParseCategory(filter)
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		want = c
	}

	states := s.devices.States()
	out := make([]daelim.StateMessage, 0, len(states))
	for _, st := range states {
		if filter != "" && st.Category != want {
			continue
		}
		out = append(out, daelim.NewStateMessage(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": out,
		"count":   len(out),
	})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	cat, id, ok := deviceTarget(w, r)
	if !ok {
		return
	}
	st, err := s.devices.State(cat, id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, daelim.NewStateMessage(st))
}

// handleDeviceCommand issues one command and waits for the server's answer.
func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	cat, id, ok := deviceTarget(w, r)
	if !ok {
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Command == "" {
		writeBadRequest(w, "command is required")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	msg := daelim.CommandMessage{ID: req.ID, Command: req.Command, Parameters: req.Parameters}
	params, err := msg.Params()
	if err != nil {
		writeEngineError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	key := cat.String() + "/" + id
	start := time.Now()
	res, err := s.devices.Issue(ctx, cat, id, daelim.Action(req.Command), params)
	s.journalCommand(r.Context(), daelim.CommandEvent{
		CommandID:  req.ID,
		Source:     "api",
		Actor:      actor(r),
		Category:   cat,
		DeviceID:   id,
		Action:     req.Command,
		Parameters: req.Parameters,
		Err:        err,
		Latency:    time.Since(start),
		At:         start,
	})
	if err != nil {
		s.logger.Warn("command failed", "command_id", req.ID, "device_id", key, "command", req.Command, "error", err)
		writeEngineError(w, err)
		return
	}

	resp := commandResponse{
		CommandID: req.ID,
		DeviceID:  key,
		Status:    string(daelim.AckAccepted),
		LatencyMS: res.Latency.Milliseconds(),
	}
	for _, st := range res.States {
		if st.Category == cat && st.ID == id && st.Value != nil {
			resp.State = st.Value.Fields()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDeviceHistory returns recorded state changes, newest first.
// Query parameters: since, until (RFC 3339) and limit.
func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "state history is not enabled")
		return
	}
	cat, id, ok := deviceTarget(w, r)
	if !ok {
		return
	}

	q, err := historyQuery(r.URL.Query())
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	q.Category = cat
	q.DeviceID = id

	entries, err := s.history.History(r.Context(), q)
	if err != nil {
		if errors.Is(err, device.ErrInvalidDevice) {
			writeBadRequest(w, err.Error())
			return
		}
		s.logger.Error("history query failed", "device_id", cat.String()+"/"+id, "error", err)
		writeInternalError(w, "history query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": cat.String() + "/" + id,
		"entries":   entries,
		"count":     len(entries),
	})
}

func historyQuery(v url.Values) (device.HistoryQuery, error) {
	var q device.HistoryQuery
	var err error
	if s := v.Get("since"); s != "" {
		if q.Since, err = time.Parse(time.RFC3339, s); err != nil {
			return q, fmt.Errorf("since: %w", err)
		}
	}
	if s := v.Get("until"); s != "" {
		if q.Until, err = time.Parse(time.RFC3339, s); err != nil {
			return q, fmt.Errorf("until: %w", err)
		}
	}
	if s := v.Get("limit"); s != "" {
		if q.Limit, err = strconv.Atoi(s); err != nil || q.Limit < 0 {
			return q, fmt.Errorf("limit must be a non-negative integer")
		}
	}
	return q, nil
}

// handleInventory returns the devices announced at login, keyed by category.
func (s *Server) handleInventory(w http.ResponseWriter, _ *http.Request) {
	inv := s.devices.Inventory()
	out := make(map[string][]daelim.DeviceInfo, len(inv))
	for c, list := range inv {
		out[c.String()] = list
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"categories": out,
		"count":      inv.Count(),
	})
}

// handleRefresh re-queries every category on the live session.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), refreshTimeout)
	defer cancel()
	if err := s.devices.Refresh(ctx); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "state refreshed"})
}

// deviceTarget resolves the {category}/{id} path parameters, writing a 404
// for an unknown category.
func deviceTarget(w http.ResponseWriter, r *http.Request) (daelim.Category, string, bool) {
	cat, err := daelim.ParseCategory(chi.URLParam(r, "category"))
	if err != nil {
		writeEngineError(w, err)
		return 0, "", false
	}
	id, err := url.PathUnescape(chi.URLParam(r, "id"))
	if err != nil || id == "" {
		writeBadRequest(w, "invalid device id")
		return 0, "", false
	}
	return cat, id, true
}
