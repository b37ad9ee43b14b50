// Package api is the HTTP admin surface: tool dispatch, HITL review,
// audit and plan queries. Errors are RFC 7807 Problem Details mapped from
// the error taxonomy.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/hostbridge/hostbridge/pkg/apperr"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// Suggestion and SuggestionTool are extension members pointing the caller
// at a recovery step.
type ProblemDetail struct {
	Type           string `json:"type"`
	Title          string `json:"title"`
	Status         int    `json:"status"`
	Detail         string `json:"detail,omitempty"`
	Instance       string `json:"instance,omitempty"`
	Suggestion     string `json:"suggestion,omitempty"`
	SuggestionTool string `json:"suggestion_tool,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError maps err's kind to a status and writes the problem document.
// Internal error details are never exposed; the generic message stands in.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)

	detail := err.Error()
	if kind == apperr.KindInternal {
		detail = "An unexpected error occurred. Please try again later."
	}

	p := &ProblemDetail{
		Type:     fmt.Sprintf("https://hostbridge.dev/errors/%s", kind),
		Title:    string(kind),
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		p.Suggestion = appErr.Suggestion
		p.SuggestionTool = appErr.SuggestionTool
	}
	writeProblem(w, p)
}

// WriteBadRequest writes a 400 problem document.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:     fmt.Sprintf("https://hostbridge.dev/errors/%s", apperr.KindInvalidParam),
		Title:    string(apperr.KindInvalidParam),
		Status:   http.StatusBadRequest,
		Detail:   detail,
		Instance: r.URL.Path,
	})
}

// WriteNotFound writes a 404 problem document.
func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:     fmt.Sprintf("https://hostbridge.dev/errors/%s", apperr.KindNotFound),
		Title:    string(apperr.KindNotFound),
		Status:   http.StatusNotFound,
		Detail:   detail,
		Instance: r.URL.Path,
	})
}
