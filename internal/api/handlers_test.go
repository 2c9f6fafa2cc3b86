package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"smeagol/internal/config"
	"smeagol/internal/coordinator"
	apperr "smeagol/internal/errors"
	"smeagol/internal/index"
	"smeagol/internal/logging"
	"smeagol/internal/validation"
	"smeagol/internal/wiki"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type testServer struct {
	wiki    *wiki.Wiki
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.Default(filepath.Join(t.TempDir(), "wiki.git"))
	cfg.Repository.Create = true
	cfg.Repository.WriteLockTimeoutMs = 50
	cfg.Server.MaxUploadSize = 1024

	logger := zaptest.NewLogger(t)
	w, err := wiki.Open(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	return &testServer{
		wiki:    w,
		handler: NewRouter(w, &logging.Logger{Logger: logger}, cfg.Server.MaxUploadSize),
	}
}

func (s *testServer) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) put(t *testing.T, slug, content string) EditResponse {
	t.Helper()
	rec := s.do(t, http.MethodPut, "/api/pages/"+slug, validation.EditRequest{
		Content: content,
		Base:    s.wiki.Head().String(),
	})
	require.Contains(t, []int{http.StatusOK, http.StatusCreated}, rec.Code, rec.Body.String())
	var resp EditResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "main", resp.Branch)
	assert.Equal(t, s.wiki.Head().String(), resp.Head)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestPageLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPut, "/api/pages/notes/first.md", validation.EditRequest{
		Content: "hello\n",
		Base:    s.wiki.Head().String(),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[EditResponse](t, rec)
	assert.Equal(t, "succeeded", created.State.String())
	require.NotNil(t, created.Page)
	assert.Equal(t, "notes/first.md", created.Page.Slug)

	rec = s.do(t, http.MethodGet, "/api/pages/notes/first.md", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[PageResponse](t, rec)
	assert.Equal(t, "hello\n", page.Content)
	assert.Equal(t, created.Commit, page.Page.Commit.String())
	assert.Equal(t, created.Commit, page.Head)

	updated := s.put(t, "notes/first.md", "hello\nworld\n")

	rec = s.do(t, http.MethodGet, "/api/pages/notes/first.md?rev="+created.Commit, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello\n", decode[PageResponse](t, rec).Content)

	rec = s.do(t, http.MethodGet, "/api/pages", nil)
	list := decode[PageListResponse](t, rec)
	require.Len(t, list.Pages, 1)
	assert.Equal(t, updated.Commit, list.Head)

	rec = s.do(t, http.MethodDelete, "/api/pages/notes/first.md?base="+updated.Commit, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Nil(t, decode[EditResponse](t, rec).Page)

	rec = s.do(t, http.MethodGet, "/api/pages/notes/first.md", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decode[map[string]map[string]any](t, rec)["error"]["type"])
}

func TestIndexPage(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/index", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	s.put(t, "index.md", "# Home\n")
	rec = s.do(t, http.MethodGet, "/api/index", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# Home\n", decode[PageResponse](t, rec).Content)
}

func TestPutConflict(t *testing.T) {
	s := newTestServer(t)
	base := s.put(t, "a.md", "one\n").Commit
	s.put(t, "a.md", "two\n")

	rec := s.do(t, http.MethodPut, "/api/pages/a.md", validation.EditRequest{Content: "three\n", Base: base})
	require.Equal(t, http.StatusConflict, rec.Code)

	var resp struct {
		Error struct {
			Type    string               `json:"type"`
			Details coordinator.Conflict `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "CONFLICT", resp.Error.Type)
	assert.Equal(t, "two\n", string(resp.Error.Details.HeadText))
	assert.Equal(t, "three\n", string(resp.Error.Details.Proposed))
	require.NotNil(t, resp.Error.Details.Theirs)
	assert.Equal(t, 1, resp.Error.Details.Theirs.Stats.Additions)
}

func TestPutValidation(t *testing.T) {
	s := newTestServer(t)
	head := s.wiki.Head().String()

	tests := []struct {
		name   string
		target string
		body   any
		want   int
	}{
		{"empty content", "/api/pages/a.md", validation.EditRequest{Base: head}, http.StatusBadRequest},
		{"missing base", "/api/pages/a.md", validation.EditRequest{Content: "x"}, http.StatusBadRequest},
		{"git metadata", "/api/pages/.git/config", validation.EditRequest{Content: "x", Base: head}, http.StatusBadRequest},
		{"too large", "/api/pages/a.md", validation.EditRequest{Content: string(make([]byte, 2048)), Base: head}, http.StatusRequestEntityTooLarge},
		{"unknown base", "/api/pages/a.md", validation.EditRequest{Content: "x", Base: "1234567890123456789012345678901234567890"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPut, tt.target, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestHistoryAndDiff(t *testing.T) {
	s := newTestServer(t)
	first := s.put(t, "p.md", "a\nb\n").Commit
	second := s.put(t, "p.md", "a\nc\n").Commit

	rec := s.do(t, http.MethodGet, "/api/history/p.md", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	hist := decode[HistoryResponse](t, rec)
	require.Len(t, hist.Revisions, 2)
	assert.Equal(t, second, hist.Revisions[0].Commit.ID.String())
	assert.Equal(t, "Update p.md", hist.Revisions[0].Commit.Message)

	rec = s.do(t, http.MethodGet, "/api/history/p.md?limit=1", nil)
	assert.Len(t, decode[HistoryResponse](t, rec).Revisions, 1)

	rec = s.do(t, http.MethodGet, "/api/history/p.md?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/history/none.md", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/diff/p.md?from="+first+"&to="+second, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	d := decode[DiffResponse](t, rec)
	assert.Equal(t, "--- a/p.md\n+++ b/p.md\n@@ -1,2 +1,2 @@\n a\n-b\n+c\n", d.Unified)

	// Without from, the diff is against the parent of to.
	rec = s.do(t, http.MethodGet, "/api/diff/p.md", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	d = decode[DiffResponse](t, rec)
	assert.Equal(t, first, d.From)
	assert.Equal(t, second, d.To)

	rec = s.do(t, http.MethodGet, "/api/diff/p.md?from="+second+"&to="+second, nil)
	assert.True(t, decode[DiffResponse](t, rec).Diff.Empty())

	rec = s.do(t, http.MethodGet, "/api/diff/p.md?from=nope", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRaw(t *testing.T) {
	s := newTestServer(t)
	s.put(t, "r.md", "raw text")

	rec := s.do(t, http.MethodGet, "/raw/r.md", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "raw text", rec.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req := httptest.NewRequest(http.MethodGet, "/raw/r.md", nil)
	req.Header.Set("If-None-Match", etag)
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotModified, rec.Code)
}

func TestWriteErrorMapping(t *testing.T) {
	h := NewHandler(nil, &logging.Logger{Logger: zaptest.NewLogger(t)})

	tests := []struct {
		name       string
		err        error
		want       int
		retryAfter string
		retryable  bool
	}{
		{"not found", fmt.Errorf("%w: x.md", index.ErrPageNotFound), http.StatusNotFound, "", false},
		{"validation", apperr.ValidationError("bad", nil), http.StatusBadRequest, "", false},
		{"conflict", apperr.Conflict("stale", nil), http.StatusConflict, "", false},
		{"busy", apperr.Busy("locked", 1500 * time.Millisecond), http.StatusServiceUnavailable, "2", true},
		{"io", apperr.IOError("writing object", errors.New("disk full")), http.StatusInternalServerError, "", true},
		{"corrupt", apperr.Corrupt("bad object", nil), http.StatusInternalServerError, "", false},
		{"cancelled", context.Canceled, http.StatusServiceUnavailable, "", true},
		{"plain", errors.New("boom"), http.StatusInternalServerError, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.writeError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, tt.retryAfter, rec.Header().Get("Retry-After"))
			assert.NotContains(t, rec.Body.String(), "boom")
			assert.NotContains(t, rec.Body.String(), "disk full")

			body := decode[map[string]map[string]any](t, rec)
			assert.Equal(t, tt.retryable, body["error"]["retryable"])
		})
	}
}
