package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airsalso/dokodemodoor/internal/audit"
	"github.com/airsalso/dokodemodoor/internal/core"
	"github.com/airsalso/dokodemodoor/internal/lock"
	"github.com/airsalso/dokodemodoor/internal/testutil"
)

type fixture struct {
	store    *testutil.MemoryStore
	auditDir string
	server   *Server
}

func newFixture(t *testing.T, opts ...ServerOption) *fixture {
	t.Helper()
	f := &fixture{
		store:    testutil.NewMemoryStore(),
		auditDir: t.TempDir(),
	}
	f.server = NewServer(f.store, f.auditDir, opts...)
	return f
}

func (f *fixture) addSession(t *testing.T, id string) *core.Session {
	t.Helper()
	s := core.NewSession(id, "https://app.example", "/srv/app")
	require.NoError(t, f.store.Create(context.Background(), s))
	return s
}

func (f *fixture) get(t *testing.T, path string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestServer_ListSessions(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/api/v1/sessions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sessions":[],"count":0}`, rec.Body.String())

	f.addSession(t, "alpha")
	f.addSession(t, "beta")

	rec = f.get(t, "/api/v1/sessions")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Sessions []core.SessionSummary `json:"sessions"`
		Count    int                   `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Len(t, body.Sessions, 2)
}

func TestServer_GetSession(t *testing.T) {
	f := newFixture(t)
	f.addSession(t, "alpha")

	rec := f.get(t, "/api/v1/sessions/alpha")
	require.Equal(t, http.StatusOK, rec.Code)
	etag := rec.Header().Get("ETag")
	assert.NotEmpty(t, etag)

	var got core.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "alpha", got.ID)
	assert.Equal(t, "https://app.example", got.Target)

	rec = f.get(t, "/api/v1/sessions/alpha", "If-None-Match", etag)
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.String())

	_, err := f.store.Update(context.Background(), "alpha", func(s *core.Session) error {
		s.CompletedAgents = append(s.CompletedAgents, "pre-recon")
		return nil
	})
	require.NoError(t, err)

	rec = f.get(t, "/api/v1/sessions/alpha", "If-None-Match", etag)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEqual(t, etag, rec.Header().Get("ETag"))
}

func TestServer_GetSessionErrors(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/api/v1/sessions/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, core.CodeNotFound, body["code"])

	rec = f.get(t, "/api/v1/sessions/..")
	assert.NotEqual(t, http.StatusOK, rec.Code)

	rec = f.get(t, "/api/v1/sessions/bad%20id")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_StoreFailureHidesDetail(t *testing.T) {
	f := newFixture(t)
	f.addSession(t, "alpha")

	broken := NewServer(failingStore{f.store}, f.auditDir)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	rec := httptest.NewRecorder()
	broken.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk on fire")
}

type failingStore struct {
	*testutil.MemoryStore
}

func (failingStore) List(context.Context) ([]core.SessionSummary, error) {
	return nil, core.ErrFileSystem("disk on fire", os.ErrPermission)
}

func TestServer_GetMetrics(t *testing.T) {
	f := newFixture(t)
	session := f.addSession(t, "alpha")

	rec := f.get(t, "/api/v1/sessions/alpha/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	log, err := audit.New(f.auditDir, session, audit.Options{
		Lock: lock.Options{Timeout: 5 * time.Second, RetryDelay: 2 * time.Millisecond},
	})
	require.NoError(t, err)
	require.NoError(t, log.MarkUnit(context.Background(), "recon", core.UnitSkipped))

	rec = f.get(t, "/api/v1/sessions/alpha/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	var doc audit.MetricsDocument
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "alpha", doc.SessionID)
	require.Contains(t, doc.Units, "recon")
	assert.Equal(t, core.UnitSkipped, doc.Units["recon"].Status)
}

func TestServer_CorruptMetrics(t *testing.T) {
	f := newFixture(t)
	dir := audit.SessionDir(f.auditDir, "alpha")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, audit.MetricsFile), []byte("{not json"), 0o600))

	rec := f.get(t, "/api/v1/sessions/alpha/metrics")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_CORS(t *testing.T) {
	f := newFixture(t, WithCORSOrigins("https://dash.example"))

	rec := f.get(t, "/health", "Origin", "https://dash.example")
	assert.Equal(t, "https://dash.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = f.get(t, "/health", "Origin", "https://evil.example")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHTTPStatusForDomainError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{core.ErrNotFound("session", "x"), http.StatusNotFound},
		{core.ErrConfig("bad"), http.StatusBadRequest},
		{core.ErrState(core.CodeStateCorrupted, "torn"), http.StatusInternalServerError},
		{core.ErrState("SESSION_EXISTS", "dup"), http.StatusConflict},
	}
	for _, tt := range tests {
		got, ok := httpStatusForDomainError(tt.err)
		assert.True(t, ok)
		assert.Equal(t, tt.want, got, tt.err.Error())
	}

	_, ok := httpStatusForDomainError(os.ErrClosed)
	assert.False(t, ok)
}
