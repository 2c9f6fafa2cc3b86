package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"smeagol/internal/api"
	"smeagol/internal/config"
	"smeagol/internal/coordinator"
	apperr "smeagol/internal/errors"
	"smeagol/internal/logging"
	"smeagol/internal/validation"
	"smeagol/internal/wiki"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Default(filepath.Join(t.TempDir(), "wiki.git"))
	cfg.Repository.Create = true

	logger := zaptest.NewLogger(t)
	w, err := wiki.Open(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	srv := httptest.NewServer(api.NewRouter(w, &logging.Logger{Logger: logger}, cfg.Server.MaxUploadSize))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientRoundTrip(t *testing.T) {
	c := New(newServer(t).URL + "/")
	ctx := context.Background()

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)

	created, err := c.PutPage(ctx, "dir/my page.md", validation.EditRequest{Content: "text", Base: health.Head})
	require.NoError(t, err)
	assert.Equal(t, coordinator.Succeeded, created.State)

	page, err := c.GetPage(ctx, "dir/my page.md")
	require.NoError(t, err)
	assert.Equal(t, "text", page.Content)
	assert.Equal(t, "dir/my page.md", page.Page.Slug)

	list, err := c.ListPages(ctx)
	require.NoError(t, err)
	assert.Len(t, list.Pages, 1)

	_, err = c.DeletePage(ctx, "dir/my page.md", created.Commit, "")
	require.NoError(t, err)

	_, err = c.GetPage(ctx, "dir/my page.md")
	assert.Equal(t, apperr.ErrorTypeNotFound, apperr.TypeOf(err))
}

func TestClientConflict(t *testing.T) {
	c := New(newServer(t).URL)
	ctx := context.Background()

	health, err := c.Health(ctx)
	require.NoError(t, err)
	_, err = c.PutPage(ctx, "a.md", validation.EditRequest{Content: "one\n", Base: health.Head})
	require.NoError(t, err)

	_, err = c.PutPage(ctx, "a.md", validation.EditRequest{Content: "two\n", Base: health.Head})
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.ErrorTypeConflict, e.Type)
	assert.Equal(t, http.StatusConflict, e.Code)

	var details coordinator.Conflict
	require.NoError(t, json.Unmarshal(e.Details.(json.RawMessage), &details))
	assert.Equal(t, "one\n", string(details.HeadText))
}

func TestClientRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"type":"BUSY","message":"write lock is held","code":503}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Health(context.Background())
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.ErrorTypeBusy, e.Type)
	assert.Equal(t, 3*time.Second, e.RetryAfter)
}

func TestClientUnexpectedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Health(context.Background())
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadGateway, e.Code)
}
