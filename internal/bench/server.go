// Package bench exposes the run orchestration service over HTTP: the run
// API consumed by operators and the completion webhook consumed by the
// agent runtime.
package bench

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/twitchtv/twirp"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/acai-travel/agent-bench/internal/bench/model"
	"github.com/acai-travel/agent-bench/internal/bench/run"
)

type Server struct {
	svc *run.Service
}

func NewServer(svc *run.Service) *Server {
	return &Server{svc: svc}
}

// Register mounts all routes on the router.
func (s *Server) Register(r *mux.Router) {
	r.HandleFunc("/api/runs", s.CreateRun).Methods(http.MethodPost)
	r.HandleFunc("/api/runs/{id}", s.DescribeRun).Methods(http.MethodGet)
	r.HandleFunc("/api/runs/{id}", s.DeleteRun).Methods(http.MethodDelete)
	r.HandleFunc("/api/runs/{id}/units", s.ListUnits).Methods(http.MethodGet)
	r.HandleFunc("/api/runs/{id}/abort", s.AbortRun).Methods(http.MethodPost)
	r.HandleFunc("/api/runs/{id}/retry", s.RetryErrors).Methods(http.MethodPost)
	r.HandleFunc("/api/runs/{id}/retry/{testCaseId}", s.RetryCase).Methods(http.MethodPost)
	r.HandleFunc("/webhooks/agent-completion", s.Completion).Methods(http.MethodPost)
}

// CreateRunRequest is the JSON body of POST /api/runs. Test cases arrive
// already materialized by the benchmark storage upstream.
type CreateRunRequest struct {
	DatasetID string           `json:"datasetId"`
	AgentID   string           `json:"targetAgentId"`
	Config    model.RunConfig  `json:"config"`
	TestCases []model.TestCase `json:"testCases"`
}

func (s *Server) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, twirp.InvalidArgumentError("body", "is not valid JSON"))
		return
	}

	created, err := s.svc.CreateRun(r.Context(), run.CreateRunParams{
		DatasetID: req.DatasetID,
		AgentID:   req.AgentID,
		Config:    req.Config,
		TestCases: req.TestCases,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	respond(w, http.StatusCreated, created)
}

func (s *Server) DescribeRun(w http.ResponseWriter, r *http.Request) {
	id, err := runID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	out, err := s.svc.Describe(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	respond(w, http.StatusOK, out)
}

func (s *Server) ListUnits(w http.ResponseWriter, r *http.Request) {
	id, err := runID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	units, err := s.svc.ListUnits(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	respond(w, http.StatusOK, map[string]any{"units": units})
}

func (s *Server) AbortRun(w http.ResponseWriter, r *http.Request) {
	id, err := runID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	out, err := s.svc.Abort(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	respond(w, http.StatusOK, out)
}

func (s *Server) RetryErrors(w http.ResponseWriter, r *http.Request) {
	id, err := runID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	out, err := s.svc.RetryErrors(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	respond(w, http.StatusOK, out)
}

func (s *Server) RetryCase(w http.ResponseWriter, r *http.Request) {
	id, err := runID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	out, err := s.svc.RetryCase(r.Context(), id, mux.Vars(r)["testCaseId"])
	if err != nil {
		writeError(w, r, err)
		return
	}

	respond(w, http.StatusOK, out)
}

func (s *Server) DeleteRun(w http.ResponseWriter, r *http.Request) {
	id, err := runID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.svc.DeleteRun(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Completion receives the agent runtime's asynchronous completion report.
// It always answers 200 for deliveries that were processed, including
// no-op duplicates, so the runtime stops retrying them.
func (s *Server) Completion(w http.ResponseWriter, r *http.Request) {
	var payload model.CompletionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, r, twirp.InvalidArgumentError("body", "is not valid JSON"))
		return
	}

	if err := s.svc.HandleCompletion(r.Context(), payload); err != nil {
		writeError(w, r, err)
		return
	}

	respond(w, http.StatusOK, map[string]any{"ok": true})
}

func runID(r *http.Request) (primitive.ObjectID, error) {
	id, err := primitive.ObjectIDFromHex(mux.Vars(r)["id"])
	if err != nil {
		return primitive.NilObjectID, twirp.InvalidArgumentError("id", "is not a valid run ID")
	}
	return id, nil
}

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if te, ok := err.(twirp.Error); ok {
		twirp.WriteError(w, te)
		return
	}

	slog.ErrorContext(r.Context(), "Request failed", "path", r.URL.Path, "error", err)
	twirp.WriteError(w, twirp.InternalErrorWith(err))
}
