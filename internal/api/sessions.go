package api

import (
	"encoding/json"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"

	"github.com/airsalso/dokodemodoor/internal/audit"
	"github.com/airsalso/dokodemodoor/internal/config"
	"github.com/airsalso/dokodemodoor/internal/core"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

func (s *Server) sessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "sessionID")
	if !sessionIDPattern.MatchString(id) {
		s.respondError(w, http.StatusBadRequest, "invalid session id")
		return "", false
	}
	return id, true
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.List(r.Context())
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	if list == nil {
		list = []core.SessionSummary{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": list,
		"count":    len(list),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	session, err := s.store.Load(r.Context(), id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondCacheable(w, r, session)
}

func (s *Server) handleGetMetrics(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	doc, err := audit.ReadMetrics(audit.SessionDir(s.auditDir, id))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	s.respondCacheable(w, r, doc)
}

// respondCacheable writes v with an ETag and answers 304 when the client
// already holds the same representation.
func (s *Server) respondCacheable(w http.ResponseWriter, r *http.Request, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode response", "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	etag := config.CalculateETag(body)
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(append(body, '\n'))
}
