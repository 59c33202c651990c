package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/cartridge/policyrt/internal/errs"
	"github.com/cartridge/policyrt/internal/metrics"
	"github.com/cartridge/policyrt/internal/middleware"
	"github.com/cartridge/policyrt/internal/policy"
	"github.com/cartridge/policyrt/internal/replay"
	"github.com/cartridge/policyrt/internal/service"
	"github.com/cartridge/policyrt/internal/storage"
	"github.com/cartridge/policyrt/internal/vec"
)

// Largest accepted weight upload: a full parameter budget plus headers.
const maxWeightsBody = policy.MaxParameters*4 + 64*1024

const maxJSONBody = 1 << 20

const octetStream = "application/octet-stream"

// Server wires HTTP handlers to the runtime service.
type Server struct {
	rt        *service.Runtime
	collector *metrics.Collector
	logger    *zerolog.Logger
	validate  *validator.Validate
	rps       int
	burst     int
}

// Option configures a Server.
type Option func(*Server)

// WithRateLimit caps the request rate across all clients.
func WithRateLimit(requestsPerSecond, burst int) Option {
	return func(s *Server) {
		s.rps = requestsPerSecond
		s.burst = burst
	}
}

// NewServer constructs a Server instance.
func NewServer(rt *service.Runtime, collector *metrics.Collector, logger *zerolog.Logger, opts ...Option) *Server {
	s := &Server{rt: rt, collector: collector, logger: logger, validate: validator.New()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the HTTP router for the runtime.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CorrelationID)
	r.Use(middleware.RequestLogger(*s.logger))
	r.Use(chimw.Recoverer)
	r.Use(middleware.Metrics(s.collector))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.collector.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimiter(s.rps, s.burst))
		r.Post("/envs", s.handleCreateEnv)
		r.Get("/envs", s.handleListEnvs)
		r.Route("/envs/{envID}", func(r chi.Router) {
			r.Get("/", s.handleGetEnv)
			r.Delete("/", s.handleReleaseEnv)
			r.Post("/reset", s.handleReset)
			r.Post("/step", s.handleStep)
			r.Post("/check", s.handleCheck)
			r.Get("/weights", s.handleGetWeights)
			r.Put("/weights", s.handlePutWeights)
			r.Post("/learn", s.handleLearn)
			r.Get("/checkpoints", s.handleListCheckpoints)
			r.Post("/checkpoints/{checkpointID}/restore", s.handleRestore)
			r.Get("/transitions", s.handleTransitions)
			r.Delete("/transitions", s.handleClearTransitions)
			r.Get("/transitions/stats", s.handleReplayStats)
			r.Get("/transitions/sample", s.handleSampleTransitions)
		})
	})
	return r
}

type weightsRequest struct {
	Weights []byte `json:"weights" validate:"required"`
	Label   string `json:"label" validate:"max=128"`
}

type observationRequest struct {
	Observation vec.Vector `json:"observation"`
}

type checkRequest struct {
	Observation vec.Vector `json:"observation"`
	Action      vec.Vector `json:"action"`
}

type learnRequest struct {
	State           *int      `json:"state" validate:"omitempty,gte=0"`
	NextState       *int      `json:"next_state" validate:"omitempty,gte=0"`
	Action          *int      `json:"action" validate:"omitempty,gte=0"`
	Reward          float32   `json:"reward"`
	Observation     []float32 `json:"observation"`
	NextObservation []float32 `json:"next_observation"`
	Target          []float32 `json:"target"`
	Current         []float32 `json:"current"`
	Checkpoint      bool      `json:"checkpoint"`
}

type transitionsQuery struct {
	Limit int `validate:"gte=0,lte=10000"`
}

type sampleQuery struct {
	BatchSize int `validate:"gte=1,lte=10000"`
}

type clearQuery struct {
	KeepLastN int `validate:"gte=0"`
	Before    *time.Time
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"environments": s.rt.Len(),
	})
}

func (s *Server) handleCreateEnv(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readWeights(w, r)
	if !ok {
		return
	}
	if req.Label == "" {
		req.Label = r.URL.Query().Get("label")
	}
	if err := s.validate.Struct(req); err != nil {
		s.respondError(w, err)
		return
	}
	info, err := s.rt.CreateEnvironment(r.Context(), req.Weights, req.Label)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleListEnvs(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.rt.List(r.Context()))
}

func (s *Server) handleGetEnv(w http.ResponseWriter, r *http.Request) {
	info, err := s.rt.Get(r.Context(), chi.URLParam(r, "envID"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleReleaseEnv(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.Release(r.Context(), chi.URLParam(r, "envID")); err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var payload observationRequest
	if !s.decodeJSON(w, r, &payload) {
		return
	}
	res, err := s.rt.Reset(r.Context(), chi.URLParam(r, "envID"), payload.Observation)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	var payload observationRequest
	if !s.decodeJSON(w, r, &payload) {
		return
	}
	res, err := s.rt.Step(r.Context(), chi.URLParam(r, "envID"), payload.Observation)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var payload checkRequest
	if !s.decodeJSON(w, r, &payload) {
		return
	}
	err := s.rt.CheckInvariant(r.Context(), chi.URLParam(r, "envID"), payload.Observation, payload.Action)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "code": errs.CodeOK})
	case errors.Is(err, errs.ErrInvariantViolation):
		s.writeJSON(w, http.StatusOK, map[string]any{"ok": false, "code": errs.Code(err), "violation": err.Error()})
	default:
		s.respondError(w, err)
	}
}

func (s *Server) handleGetWeights(w http.ResponseWriter, r *http.Request) {
	weights, err := s.rt.Weights(r.Context(), chi.URLParam(r, "envID"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", octetStream)
	w.Header().Set("Content-Length", strconv.Itoa(len(weights)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(weights); err != nil {
		s.logger.Error().Err(err).Msg("failed to write weights")
	}
}

func (s *Server) handlePutWeights(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readWeights(w, r)
	if !ok {
		return
	}
	info, err := s.rt.UpdateWeights(r.Context(), chi.URLParam(r, "envID"), req.Weights, service.SourceAPI)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleLearn(w http.ResponseWriter, r *http.Request) {
	var payload learnRequest
	if !s.decodeJSON(w, r, &payload) {
		return
	}
	if err := s.validate.Struct(payload); err != nil {
		s.respondError(w, err)
		return
	}
	info, err := s.rt.Learn(r.Context(), chi.URLParam(r, "envID"), service.LearnInput{
		State:           payload.State,
		NextState:       payload.NextState,
		Action:          payload.Action,
		Reward:          payload.Reward,
		Observation:     payload.Observation,
		NextObservation: payload.NextObservation,
		Target:          payload.Target,
		Current:         payload.Current,
		Checkpoint:      payload.Checkpoint,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	cps, err := s.rt.Checkpoints(r.Context(), chi.URLParam(r, "envID"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cps)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	info, err := s.rt.Restore(r.Context(), chi.URLParam(r, "envID"), chi.URLParam(r, "checkpointID"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	q := transitionsQuery{Limit: 100}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "limit must be an integer", errs.CodeInternal)
			return
		}
		q.Limit = n
	}
	if err := s.validate.Struct(q); err != nil {
		s.respondError(w, err)
		return
	}
	out, err := s.rt.Transitions(r.Context(), chi.URLParam(r, "envID"), q.Limit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSampleTransitions(w http.ResponseWriter, r *http.Request) {
	q := sampleQuery{BatchSize: 32}
	if raw := r.URL.Query().Get("batch_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "batch_size must be an integer", errs.CodeInternal)
			return
		}
		q.BatchSize = n
	}
	if err := s.validate.Struct(q); err != nil {
		s.respondError(w, err)
		return
	}
	out, err := s.rt.Sample(r.Context(), chi.URLParam(r, "envID"), q.BatchSize)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleClearTransitions(w http.ResponseWriter, r *http.Request) {
	var q clearQuery
	query := r.URL.Query()
	if raw := query.Get("keep_last_n"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "keep_last_n must be an integer", errs.CodeInternal)
			return
		}
		q.KeepLastN = n
	}
	if raw := query.Get("before"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "before must be an RFC 3339 timestamp", errs.CodeInternal)
			return
		}
		q.Before = &ts
	}
	if err := s.validate.Struct(q); err != nil {
		s.respondError(w, err)
		return
	}
	res, err := s.rt.ClearTransitions(r.Context(), chi.URLParam(r, "envID"), q.Before, q.KeepLastN)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReplayStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.rt.ReplayStats(r.Context(), chi.URLParam(r, "envID"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// readWeights accepts either a raw octet-stream body or a JSON object whose
// weights field is base64.
func (s *Server) readWeights(w http.ResponseWriter, r *http.Request) (weightsRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWeightsBody)
	defer r.Body.Close()

	var req weightsRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), octetStream) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			s.writeError(w, http.StatusRequestEntityTooLarge, "weights body too large", errs.CodeBadWeights)
			return req, false
		}
		req.Weights = body
		return req, true
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON payload", errs.CodeBadWeights)
		return req, false
	}
	return req, true
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		s.writeError(w, http.StatusUnsupportedMediaType, "content type must be application/json", errs.CodeInternal)
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON payload", errs.CodeBadSize)
		return false
	}
	return true
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	var rtErr *errs.Error
	switch {
	case errors.Is(err, service.ErrEnvNotFound), errors.Is(err, storage.ErrNotFound), errors.Is(err, replay.ErrEmpty):
		s.writeError(w, http.StatusNotFound, err.Error(), errs.CodeInternal)
	case errors.Is(err, storage.ErrConflict):
		s.writeError(w, http.StatusConflict, err.Error(), errs.CodeInternal)
	case errors.As(err, &verrs):
		s.writeError(w, http.StatusBadRequest, verrs.Error(), errs.CodeBadWeights)
	case errors.As(err, &rtErr) && errs.IsBadInput(err):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error(), errs.Code(err))
	case errors.As(err, &rtErr) && rtErr.Kind == errs.KindOutOfMemory:
		s.writeError(w, http.StatusInsufficientStorage, err.Error(), errs.Code(err))
	default:
		s.logger.Error().Err(err).Msg("request failed")
		s.writeError(w, http.StatusInternalServerError, err.Error(), errs.Code(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string, code int) {
	s.writeJSON(w, status, map[string]any{"error": message, "code": code})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}
