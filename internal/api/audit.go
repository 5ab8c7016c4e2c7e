package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/nerrad567/daelim-bridge/internal/audit"
	"github.com/nerrad567/daelim-bridge/internal/bridges/daelim"
)

// journalCommand records ev when auditing is enabled. Failures are logged
// and never fail the command.
func (s *Server) journalCommand(ctx context.Context, ev daelim.CommandEvent) {
	if s.audit == nil {
		return
	}
	if err := s.audit.RecordCommand(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn("failed to journal command", "command_id", ev.CommandID, "error", err)
	}
}

// actor is the authenticated subject of r, or "" when unknown.
func actor(r *http.Request) string {
	if c := claimsFromContext(r.Context()); c != nil {
		return c.Subject
	}
	return ""
}

// handleListAudit returns journaled commands, newest first.
// Query parameters: category, device_id, source, outcome, limit, offset.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "command audit is not enabled")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Category: q.Get("category"),
		DeviceID: q.Get("device_id"),
		Source:   q.Get("source"),
		Outcome:  q.Get("outcome"),
	}
	if filter.Category != "" {
		if _, err := daelim.ParseCategory(filter.Category); err != nil {
			writeBadRequest(w, err.Error())
			return
		}
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, name+" must be a non-negative integer")
			return
		}
		*dst = n
	}

	res, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("audit query failed", "error", err)
		writeInternalError(w, "audit query failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
