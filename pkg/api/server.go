package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hostbridge/hostbridge/pkg/audit"
	"github.com/hostbridge/hostbridge/pkg/dispatch"
	"github.com/hostbridge/hostbridge/pkg/hitl"
	"github.com/hostbridge/hostbridge/pkg/plan"
)

const maxRequestBody = 1 << 20 // 1MB

// Server exposes the admin endpoints over a standard mux.
type Server struct {
	dispatcher  *dispatch.Dispatcher
	registry    *dispatch.Registry
	coordinator *hitl.Coordinator
	audit       *audit.Logger
	plans       *plan.Engine
	logger      *slog.Logger
}

// NewServer wires the admin surface.
func NewServer(d *dispatch.Dispatcher, reg *dispatch.Registry, c *hitl.Coordinator, auditLog *audit.Logger, plans *plan.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		dispatcher:  d,
		registry:    reg,
		coordinator: c,
		audit:       auditLog,
		plans:       plans,
		logger:      logger,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tools/{category}/{name}", s.handleDispatch)
	mux.HandleFunc("GET /api/hitl/pending", s.handleHITLPending)
	mux.HandleFunc("POST /api/hitl/{id}/approve", s.handleHITLDecision(true))
	mux.HandleFunc("POST /api/hitl/{id}/reject", s.handleHITLDecision(false))
	mux.HandleFunc("GET /api/audit/recent", s.handleAuditRecent)
	mux.HandleFunc("GET /api/plans", s.handlePlanList)
	mux.HandleFunc("GET /api/plans/{ref}", s.handlePlanStatus)
	mux.HandleFunc("GET /api/catalog", s.handleCatalog)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleDispatch runs one tool through the pipeline. The request body is
// the tool's params object; HITL-gated calls block until decided or
// expired.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	category := r.PathValue("category")
	name := r.PathValue("name")

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	params := map[string]any{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			WriteBadRequest(w, r, "Invalid request body")
			return
		}
	}

	call := dispatch.CallContext{
		Protocol: "http",
		ClientInfo: map[string]any{
			"remote_addr": r.RemoteAddr,
			"user_agent":  r.UserAgent(),
		},
	}
	result, err := s.dispatcher.Dispatch(r.Context(), category, name, params, call, dispatch.Options{})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHITLPending(w http.ResponseWriter, r *http.Request) {
	pending := s.coordinator.Pending()
	writeJSON(w, http.StatusOK, map[string]any{
		"requests": pending,
		"count":    len(pending),
	})
}

type hitlDecisionBody struct {
	Reviewer string `json:"reviewer"`
	Note     string `json:"note"`
}

func (s *Server) handleHITLDecision(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		var body hitlDecisionBody
		if r.ContentLength != 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				WriteBadRequest(w, r, "Invalid request body")
				return
			}
		}

		var err error
		status := "approved"
		if approve {
			err = s.coordinator.Approve(r.Context(), id, body.Reviewer, body.Note)
		} else {
			status = "rejected"
			err = s.coordinator.Reject(r.Context(), id, body.Reviewer, body.Note)
		}
		if err != nil {
			WriteError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"request_id": id,
			"status":     status,
		})
	}
}

func (s *Server) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			WriteBadRequest(w, r, "limit must be an integer between 1 and 1000")
			return
		}
		limit = n
	}
	records, err := s.audit.Recent(r.Context(), limit)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": records,
		"count":   len(records),
	})
}

func (s *Server) handlePlanList(w http.ResponseWriter, r *http.Request) {
	plans, err := s.plans.List(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"plans": plans,
		"count": len(plans),
	})
}

func (s *Server) handlePlanStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.plans.Status(r.Context(), r.PathValue("ref"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	entries := s.registry.Catalog()
	writeJSON(w, http.StatusOK, map[string]any{
		"tools": entries,
		"count": len(entries),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": "hostbridge",
	})
}
