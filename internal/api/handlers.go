// Package api serves the wiki over a JSON HTTP interface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"smeagol/internal/coordinator"
	"smeagol/internal/diff"
	apperr "smeagol/internal/errors"
	"smeagol/internal/history"
	"smeagol/internal/index"
	"smeagol/internal/logging"
	"smeagol/internal/middleware"
	"smeagol/internal/safe"
	"smeagol/internal/slug"
	"smeagol/internal/validation"
	"smeagol/internal/wiki"

	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"
)

const defaultHistoryLimit = 100

// PageResponse is a page with its content.
type PageResponse struct {
	Page    index.Page `json:"page"`
	Content string     `json:"content"`
	Head    string     `json:"head"`
}

// PageListResponse lists every page of one head.
type PageListResponse struct {
	Head  string       `json:"head"`
	Pages []index.Page `json:"pages"`
}

// EditResponse reports a committed (or unchanged) page write.
type EditResponse struct {
	State     coordinator.State `json:"state"`
	Commit    string            `json:"commit"`
	Page      *index.Page       `json:"page,omitempty"`
	Unchanged bool              `json:"unchanged,omitempty"`
}

type HistoryResponse struct {
	Slug      string             `json:"slug"`
	Revisions []history.Revision `json:"revisions"`
}

type DiffResponse struct {
	Slug    string           `json:"slug"`
	From    string           `json:"from"`
	To      string           `json:"to"`
	Diff    *diff.DiffResult `json:"diff"`
	Unified string           `json:"unified"`
}

type HealthResponse struct {
	Status string     `json:"status"`
	Branch string     `json:"branch"`
	Head   string     `json:"head"`
	Pages  int        `json:"pages"`
	Cache  safe.Stats `json:"cache"`
}

// ErrorResponse wraps every non-2xx JSON reply.
type ErrorResponse struct {
	Error *apperr.Error `json:"error"`
}

type Handler struct {
	wiki   *wiki.Wiki
	logger *logging.Logger
}

func NewHandler(w *wiki.Wiki, logger *logging.Logger) *Handler {
	return &Handler{wiki: w, logger: logger}
}

// Routes registers the API on a new mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /api/pages", h.ListPages)
	mux.HandleFunc("GET /api/index", h.IndexPage)
	mux.HandleFunc("GET /api/pages/{slug...}", h.GetPage)
	mux.HandleFunc("PUT /api/pages/{slug...}", h.PutPage)
	mux.HandleFunc("DELETE /api/pages/{slug...}", h.DeletePage)
	mux.HandleFunc("GET /api/history/{slug...}", h.History)
	mux.HandleFunc("GET /api/diff/{slug...}", h.Diff)
	mux.HandleFunc("GET /raw/{slug...}", h.Raw)
	return mux
}

// NewRouter is Routes behind the standard middleware chain.
func NewRouter(w *wiki.Wiki, logger *logging.Logger, maxBody int64) http.Handler {
	h := NewHandler(w, logger)
	return middleware.Chain(h.Routes(),
		middleware.RequestID,
		middleware.Logger(logger),
		middleware.Recover(logger),
		middleware.MaxBytes(maxBody),
	)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	snap := h.wiki.Snapshot()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Branch: h.wiki.Branch(),
		Head:   snap.Head().String(),
		Pages:  snap.Len(),
		Cache:  h.wiki.CacheStats(),
	})
}

func (h *Handler) ListPages(w http.ResponseWriter, r *http.Request) {
	snap := h.wiki.Snapshot()
	writeJSON(w, http.StatusOK, PageListResponse{Head: snap.Head().String(), Pages: snap.Pages()})
}

func (h *Handler) IndexPage(w http.ResponseWriter, r *http.Request) {
	h.writePage(w, r, h.wiki.IndexPage())
}

// GetPage returns the current page, or with ?rev= the page as of that commit.
func (h *Handler) GetPage(w http.ResponseWriter, r *http.Request) {
	s, err := slug.Parse(r.PathValue("slug"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rev := r.URL.Query().Get("rev")
	if rev == "" {
		h.writePage(w, r, s)
		return
	}

	commit, err := h.wiki.Resolve(rev)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	content, err := h.wiki.Read(history.Ref{Slug: s, Commit: commit})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PageResponse{
		Page:    index.Page{Slug: s, Path: s, Hash: plumbing.ComputeHash(plumbing.BlobObject, content)},
		Content: string(content),
		Head:    commit.String(),
	})
}

func (h *Handler) writePage(w http.ResponseWriter, r *http.Request, s string) {
	doc, err := h.wiki.Load(s)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PageResponse{Page: doc.Page, Content: string(doc.Content), Head: doc.Head.String()})
}

func (h *Handler) PutPage(w http.ResponseWriter, r *http.Request) {
	edit, err := validation.DecodeEdit(r, r.PathValue("slug"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.submit(w, r, edit)
}

func (h *Handler) DeletePage(w http.ResponseWriter, r *http.Request) {
	edit, err := validation.DeleteEdit(r, r.PathValue("slug"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.submit(w, r, edit)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, edit coordinator.Edit) {
	res, err := h.wiki.Submit(r.Context(), edit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := EditResponse{State: res.State, Commit: res.Commit.String(), Unchanged: res.Unchanged}
	if !edit.Delete {
		resp.Page = &res.Page
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

// History lists revisions newest first, at most ?limit= of them.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	s, err := slug.Parse(r.PathValue("slug"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit, err := intParam(r, "limit", defaultHistoryLimit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	revs := []history.Revision{}
	for rev, err := range h.wiki.History(r.Context(), s) {
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		revs = append(revs, rev)
		if len(revs) == limit {
			break
		}
	}
	if len(revs) == 0 {
		h.writeError(w, r, apperr.NotFound("no history for "+s))
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Slug: s, Revisions: revs})
}

// Diff compares ?from= with ?to=. to defaults to the indexed head and from
// to the first parent of to.
func (h *Handler) Diff(w http.ResponseWriter, r *http.Request) {
	s, err := slug.Parse(r.PathValue("slug"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	to, err := h.wiki.Resolve(r.URL.Query().Get("to"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var from plumbing.Hash
	if rev := r.URL.Query().Get("from"); rev != "" {
		if from, err = h.wiki.Resolve(rev); err != nil {
			h.writeError(w, r, err)
			return
		}
	} else {
		info, err := h.wiki.Commit(to)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if len(info.Parents) > 0 {
			from = info.Parents[0]
		}
	}

	var result *diff.DiffResult
	if from.IsZero() {
		content, err := h.wiki.Read(history.Ref{Slug: s, Commit: to})
		if err != nil && !apperr.Is(err, apperr.ErrorTypeNotFound) {
			h.writeError(w, r, err)
			return
		}
		result = diff.NewEngine(coordinator.DefaultContextLines).Diff(nil, content)
	} else if result, err = h.wiki.Diff(s, from, to); err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, DiffResponse{
		Slug:    s,
		From:    from.String(),
		To:      to.String(),
		Diff:    result,
		Unified: result.Unified("a/"+s, "b/"+s),
	})
}

// Raw serves the current page content as plain text.
func (h *Handler) Raw(w http.ResponseWriter, r *http.Request) {
	s, err := slug.Parse(r.PathValue("slug"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	doc, err := h.wiki.Load(s)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	etag := `"` + doc.Page.Hash.String() + `"`
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Last-Modified", doc.Page.Modified.UTC().Format(http.TimeFormat))
	w.Write(doc.Content)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, apperr.ValidationError("invalid "+name, map[string]string{name: v})
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := apperr.As(err)
	switch {
	case ok:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		e = apperr.Busy("request cancelled", 0)
	default:
		e = apperr.Internal("internal error", err)
	}

	if e.Code >= http.StatusInternalServerError {
		h.logger.WithRequestID(r.Context()).Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("type", string(e.Type)),
			zap.Error(err),
		)
	}
	if e.Type == apperr.ErrorTypeBusy && e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(e.RetryAfter.Seconds()))))
	}
	writeJSON(w, e.Code, ErrorResponse{Error: e})
}
