package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/loomctl/loom/pkg/apierr"
	"github.com/loomctl/loom/pkg/events"
	"github.com/loomctl/loom/pkg/log"
	"github.com/loomctl/loom/pkg/metrics"
	"github.com/loomctl/loom/pkg/orchestrator"
	"github.com/loomctl/loom/pkg/registry"
	"github.com/loomctl/loom/pkg/storage"
	"github.com/loomctl/loom/pkg/types"
)

// Server exposes the control API: task and worker management, checkpoint
// decisions, the event stream and the worker channel.
type Server struct {
	orch     *orchestrator.Orchestrator
	reg      *registry.Registry
	store    storage.Store
	broker   *events.Broker
	workerCh http.Handler
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewServer builds the API server. workerCh serves the worker websocket
// channel and is mounted at /v1/workers/connect.
func NewServer(orch *orchestrator.Orchestrator, reg *registry.Registry, store storage.Store,
	broker *events.Broker, workerCh http.Handler) *Server {
	return &Server{
		orch:     orch,
		reg:      reg,
		store:    store,
		broker:   broker,
		workerCh: workerCh,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   log.WithComponent("api"),
	}
}

// Router assembles the chi route tree
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.submitTask)
			r.Get("/", s.listTasks)
			r.Get("/{id}", s.getTask)
			r.Delete("/{id}", s.cancelTask)
		})
		r.Route("/workers", func(r chi.Router) {
			r.Get("/connect", s.workerCh.ServeHTTP)
			r.Get("/", s.listWorkers)
			r.Get("/{id}", s.getWorker)
		})
		r.Route("/checkpoints", func(r chi.Router) {
			r.Get("/", s.listCheckpoints)
			r.Get("/{id}", s.getCheckpoint)
			r.Post("/{id}/approve", s.approveCheckpoint)
			r.Post("/{id}/reject", s.rejectCheckpoint)
			r.Post("/{id}/correct", s.correctCheckpoint)
		})
		r.Get("/events", s.streamEvents)
	})
	r.Get("/metrics", metrics.Handler().ServeHTTP)
	r.Get("/healthz", s.healthz)
	return r
}

// observe records request metrics and logs non-2xx responses
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
		if status >= 500 {
			s.logger.Error().Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Msg("request failed")
		}
	})
}

type submitTaskRequest struct {
	Description         string   `json:"description" validate:"required"`
	CheckpointFrequency string   `json:"checkpoint_frequency" validate:"omitempty,oneof=low medium high"`
	Privacy             string   `json:"privacy" validate:"omitempty,oneof=normal sensitive"`
	PreferredTools      []string `json:"preferred_tools" validate:"omitempty,dive,required"`
	Requirements        []string `json:"requirements" validate:"omitempty,dive,required"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := s.decodeRequired(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	task, err := s.orch.SubmitTask(r.Context(), req.Description, &types.TaskConfig{
		CheckpointFrequency: types.CheckpointFrequency(req.CheckpointFrequency),
		Privacy:             types.PrivacyLevel(req.Privacy),
		PreferredTools:      req.PreferredTools,
		Requirements:        req.Requirements,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, task)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	detail, err := s.orch.GetTask(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, detail)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	tasks, total, err := s.orch.ListTasks(orchestrator.ListFilter{
		State:   types.TaskState(q.Get("status")),
		Page:    page,
		PerPage: perPage,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*types.Task{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"tasks": tasks,
		"total": total,
	})
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.orch.CancelTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	workers, err := s.reg.List(registry.Filter{
		State: types.WorkerState(q.Get("state")),
		Tool:  q.Get("tool"),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if workers == nil {
		workers = []*types.Worker{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"workers": workers})
}

func (s *Server) getWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := s.reg.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, worker)
}

func (s *Server) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		s.writeError(w, apierr.Validation("task_id_required", "task_id query parameter is required"))
		return
	}
	cps, err := s.store.ListCheckpointsByTask(taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if cps == nil {
		cps = []*types.Checkpoint{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"checkpoints": cps})
}

func (s *Server) getCheckpoint(w http.ResponseWriter, r *http.Request) {
	ckpt, err := s.store.GetCheckpoint(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ckpt)
}

type decisionRequest struct {
	Notes string `json:"notes"`
}

func (s *Server) approveCheckpoint(w http.ResponseWriter, r *http.Request) {
	s.decideCheckpoint(w, r, true)
}

func (s *Server) rejectCheckpoint(w http.ResponseWriter, r *http.Request) {
	s.decideCheckpoint(w, r, false)
}

func (s *Server) decideCheckpoint(w http.ResponseWriter, r *http.Request, approve bool) {
	var req decisionRequest
	if err := s.decode(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		s.writeError(w, err)
		return
	}
	ckpt, err := s.orch.ApproveCheckpoint(chi.URLParam(r, "id"), approve, req.Notes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ckpt)
}

type correctionRequest struct {
	SubtaskID string `json:"subtask_id" validate:"required"`
	Category  string `json:"category" validate:"omitempty,oneof=wrong_approach incomplete bug style missing_feature other"`
	Guidance  string `json:"guidance" validate:"required"`
}

func (s *Server) correctCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req correctionRequest
	if err := s.decodeRequired(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	category := types.CorrectionCategory(req.Category)
	if category == "" {
		category = types.CorrectionOther
	}
	corr, err := s.orch.SubmitCorrection(chi.URLParam(r, "id"), req.SubtaskID, category, req.Guidance)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, corr)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

var errEmptyBody = errors.New("empty body")

// decodeRequired is decode for endpoints whose body is mandatory; an empty
// body is a validation failure rather than a tolerated omission
func (s *Server) decodeRequired(r *http.Request, dst any) error {
	err := s.decode(r, dst)
	if errors.Is(err, errEmptyBody) {
		return apierr.Validation("body_invalid", "request body is required")
	}
	return err
}

// decode parses and validates a JSON request body
func (s *Server) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return apierr.Validation("body_invalid", "malformed JSON body: %v", err)
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return apierr.Validation("body_invalid", "field %s failed on %s", f.Field(), f.Tag())
		}
		return apierr.Validation("body_invalid", "invalid request body")
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write response")
	}
}

type errorEnvelope struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	ae := apierr.AsError(err)
	s.writeJSON(w, apierr.HTTPStatus(err), errorEnvelope{
		Error:   ae.Code,
		Message: ae.Message,
		Details: ae.Details,
	})
}
