// Package validation decodes and checks API request payloads.
package validation

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"smeagol/internal/coordinator"
	apperr "smeagol/internal/errors"
	"smeagol/internal/repo"
	"smeagol/internal/slug"

	"github.com/go-git/go-git/v5/plumbing"
)

// EditRequest is the body of PUT /api/pages/{slug}.
type EditRequest struct {
	Content string `json:"content"`
	Base    string `json:"base"`
	Message string `json:"message,omitempty"`
	Author  string `json:"author,omitempty"`
	Email   string `json:"email,omitempty"`
}

// DecodeEdit reads a page write for slug s from the request body.
func DecodeEdit(r *http.Request, s string) (coordinator.Edit, error) {
	var req EditRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return coordinator.Edit{}, bodyError(err)
	}

	base, err := Revision(req.Base)
	if err != nil {
		return coordinator.Edit{}, err
	}
	page, err := slug.Parse(s)
	if err != nil {
		return coordinator.Edit{}, err
	}
	return coordinator.Edit{
		Slug:    page,
		Content: []byte(req.Content),
		Base:    base,
		Author:  repo.Author{Name: strings.TrimSpace(req.Author), Email: strings.TrimSpace(req.Email)},
		Message: strings.TrimSpace(req.Message),
	}, nil
}

// DeleteEdit builds a page deletion for slug s. The base revision comes from
// the "base" query parameter.
func DeleteEdit(r *http.Request, s string) (coordinator.Edit, error) {
	base, err := Revision(r.URL.Query().Get("base"))
	if err != nil {
		return coordinator.Edit{}, err
	}
	page, err := slug.Parse(s)
	if err != nil {
		return coordinator.Edit{}, err
	}
	return coordinator.Edit{
		Slug:    page,
		Delete:  true,
		Base:    base,
		Message: strings.TrimSpace(r.URL.Query().Get("message")),
	}, nil
}

// Revision parses a full hexadecimal commit id.
func Revision(s string) (plumbing.Hash, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return plumbing.ZeroHash, apperr.ValidationError("base revision is required", nil)
	}
	if !plumbing.IsHash(s) {
		return plumbing.ZeroHash, apperr.ValidationError("invalid revision", map[string]string{"revision": s})
	}
	return plumbing.NewHash(s), nil
}

func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		e := apperr.ValidationError("request body too large", map[string]int64{"limit": tooLarge.Limit})
		e.Code = http.StatusRequestEntityTooLarge
		return e
	}
	return apperr.ValidationError("invalid request body", map[string]string{"error": err.Error()})
}
