// Package api exposes the extraction core over HTTP: extraction and batch
// submission, the second-factor side channel, and the health query surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/kestrelhq/portico/pkg/config"
	porterr "github.com/kestrelhq/portico/pkg/errors"
	"github.com/kestrelhq/portico/pkg/extract"
	"github.com/kestrelhq/portico/pkg/otp"
	"github.com/kestrelhq/portico/pkg/portal"
	"github.com/kestrelhq/portico/pkg/session"
	"github.com/kestrelhq/portico/pkg/storage"
)

// Extractor runs one record through the extraction pipeline.
type Extractor interface {
	Extract(ctx context.Context, tenant, integration string, record portal.Record) extract.Outcome
}

// BatchExtractor runs a batch through the batch runner.
type BatchExtractor interface {
	Run(ctx context.Context, tenant, integration string, records []portal.Record) extract.BatchResult
}

// HealthReader serves the health query surface. Satisfied by storage.Store.
type HealthReader interface {
	LatestHealthSample(integration string) (*storage.HealthSample, error)
	HealthSamplesSince(integration string, since time.Time, limit int) ([]storage.HealthSample, error)
}

// Options wires a Server.
type Options struct {
	Config    *config.Config
	Extractor Extractor
	Batch     BatchExtractor
	Gateway   *otp.Gateway
	Sessions  *session.Manager
	Health    HealthReader
	Logger    zerolog.Logger
}

// Server is the HTTP surface over the extraction core.
type Server struct {
	cfg       *config.Config
	extractor Extractor
	batch     BatchExtractor
	gateway   *otp.Gateway
	sessions  *session.Manager
	health    HealthReader
	logger    zerolog.Logger
	router    chi.Router
}

// NewServer builds the router.
func NewServer(opts Options) *Server {
	s := &Server{
		cfg:       opts.Config,
		extractor: opts.Extractor,
		batch:     opts.Batch,
		gateway:   opts.Gateway,
		sessions:  opts.Sessions,
		health:    opts.Health,
		logger:    opts.Logger.With().Str("component", "api").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/extract", s.handleExtract)
		r.Post("/batch", s.handleBatch)
		r.Post("/otp/latest", s.handleFulfillLatest)
		r.Post("/otp/{challengeID}", s.handleFulfill)
		r.Get("/otp/pending", s.handlePendingChallenge)
		r.Get("/health", s.handleHealthOverview)
		r.Get("/health/{integration}", s.handleHealthHistory)
		r.Get("/status", s.handleStatus)
	})
	r.Handle("/metrics", promhttp.Handler())

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

type extractRequest struct {
	Tenant      string        `json:"tenant"`
	Integration string        `json:"integration"`
	Record      portal.Record `json:"record"`
}

type batchRequest struct {
	Tenant      string          `json:"tenant"`
	Integration string          `json:"integration"`
	Records     []portal.Record `json:"records"`
}

type fulfillRequest struct {
	Tenant      string `json:"tenant,omitempty"`
	Integration string `json:"integration,omitempty"`
	Secret      string `json:"secret"`
}

// extractResponse flattens an outcome for API consumers; the unexported
// error inside extract.Outcome does not serialize.
type extractResponse struct {
	Succeeded bool           `json:"succeeded"`
	Payload   portal.Payload `json:"payload,omitempty"`
	Kind      porterr.Kind   `json:"kind,omitempty"`
	Message   string         `json:"message,omitempty"`
	Attempts  int            `json:"attempts"`
	Duration  string         `json:"duration"`
}

func toExtractResponse(outcome extract.Outcome) extractResponse {
	return extractResponse{
		Succeeded: outcome.Succeeded(),
		Payload:   outcome.Payload,
		Kind:      outcome.Kind,
		Message:   outcome.Message,
		Attempts:  outcome.Attempts,
		Duration:  outcome.Duration.String(),
	}
}

type batchResponse struct {
	Total     int               `json:"total"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Duration  string            `json:"duration"`
	Outcomes  []extractResponse `json:"outcomes"`
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Tenant == "" || req.Integration == "" {
		s.writeError(w, porterr.New(porterr.KindValidation, "tenant and integration are required"))
		return
	}

	outcome := s.extractor.Extract(r.Context(), req.Tenant, req.Integration, req.Record)
	s.writeJSON(w, http.StatusOK, toExtractResponse(outcome))
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Tenant == "" || req.Integration == "" {
		s.writeError(w, porterr.New(porterr.KindValidation, "tenant and integration are required"))
		return
	}
	if len(req.Records) == 0 {
		s.writeError(w, porterr.New(porterr.KindValidation, "records must not be empty"))
		return
	}

	result := s.batch.Run(r.Context(), req.Tenant, req.Integration, req.Records)
	resp := batchResponse{
		Total:     result.Total,
		Succeeded: result.Succeeded,
		Failed:    result.Failed,
		Duration:  result.Duration.String(),
		Outcomes:  make([]extractResponse, len(result.Outcomes)),
	}
	for i, outcome := range result.Outcomes {
		resp.Outcomes[i] = toExtractResponse(outcome)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFulfill(w http.ResponseWriter, r *http.Request) {
	challengeID := chi.URLParam(r, "challengeID")
	var req fulfillRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Secret == "" {
		s.writeError(w, porterr.New(porterr.KindValidation, "secret is required"))
		return
	}

	if err := s.gateway.Fulfill(challengeID, req.Secret); err != nil {
		s.writeChallengeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"challenge_id": challengeID, "status": "fulfilled"})
}

func (s *Server) handleFulfillLatest(w http.ResponseWriter, r *http.Request) {
	var req fulfillRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Tenant == "" || req.Integration == "" || req.Secret == "" {
		s.writeError(w, porterr.New(porterr.KindValidation, "tenant, integration and secret are required"))
		return
	}

	challengeID, err := s.gateway.FulfillLatest(req.Tenant, req.Integration, req.Secret)
	if err != nil {
		s.writeChallengeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"challenge_id": challengeID, "status": "fulfilled"})
}

func (s *Server) handlePendingChallenge(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	integration := r.URL.Query().Get("integration")
	if tenant == "" || integration == "" {
		s.writeError(w, porterr.New(porterr.KindValidation, "tenant and integration are required"))
		return
	}
	challenge, ok := s.gateway.Pending(tenant, integration)
	if !ok {
		s.writeError(w, porterr.New(porterr.KindNotFound, "no pending challenge"))
		return
	}
	s.writeJSON(w, http.StatusOK, challenge)
}

type healthEntry struct {
	Integration string                `json:"integration"`
	Status      storage.HealthStatus  `json:"status,omitempty"`
	Sample      *storage.HealthSample `json:"sample,omitempty"`
}

func (s *Server) handleHealthOverview(w http.ResponseWriter, r *http.Request) {
	entries := make([]healthEntry, 0, len(s.cfg.Integrations))
	for _, integ := range s.cfg.Integrations {
		sample, err := s.health.LatestHealthSample(integ.ID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		entry := healthEntry{Integration: integ.ID, Sample: sample}
		if sample != nil {
			entry.Status = sample.Status
		}
		entries = append(entries, entry)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"integrations": entries})
}

func (s *Server) handleHealthHistory(w http.ResponseWriter, r *http.Request) {
	integration := chi.URLParam(r, "integration")
	if _, ok := s.cfg.Integration(integration); !ok {
		s.writeError(w, porterr.Newf(porterr.KindNotConfigured, "unknown integration %q", integration))
		return
	}

	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, porterr.Newf(porterr.KindValidation, "invalid window %q", raw))
			return
		}
		window = parsed
	}

	samples, err := s.health.HealthSamplesSince(integration, time.Now().Add(-window), 500)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"integration": integration,
		"window":      window.String(),
		"samples":     samples,
	})
}

type statusEntry struct {
	Integration  string         `json:"integration"`
	SessionState session.State  `json:"session_state,omitempty"`
	Challenge    *otp.Challenge `json:"pending_challenge,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	entries := make([]statusEntry, 0, len(s.cfg.Integrations))
	for _, integ := range s.cfg.Integrations {
		entry := statusEntry{Integration: integ.ID}
		if tenant != "" {
			entry.SessionState = s.sessions.State(tenant, integ.ID)
			if challenge, ok := s.gateway.Pending(tenant, integ.ID); ok {
				entry.Challenge = &challenge
			}
		}
		entries = append(entries, entry)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"integrations": entries})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, porterr.Wrap(err, porterr.KindValidation, "malformed request body"))
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) writeChallengeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, otp.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, otp.ErrAlreadyFulfilled):
		status = http.StatusConflict
	case errors.Is(err, otp.ErrExpired):
		status = http.StatusGone
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusForKind(porterr.KindOf(err)), map[string]string{
		"error": err.Error(),
		"kind":  string(porterr.KindOf(err)),
	})
}

func statusForKind(kind porterr.Kind) int {
	switch kind {
	case porterr.KindValidation:
		return http.StatusBadRequest
	case porterr.KindNotFound, porterr.KindNotConfigured:
		return http.StatusNotFound
	case porterr.KindTimeout:
		return http.StatusGatewayTimeout
	case porterr.KindAuthentication, porterr.KindTransientNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
