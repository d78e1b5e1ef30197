// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api exposes the synchronous HTTP surface: one-shot detection
// and decision, rule apply/rollback, rule listing, audit queries, and
// the Prometheus endpoint.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"grimm.is/netsentry/internal/config"
	"grimm.is/netsentry/internal/detect"
	"grimm.is/netsentry/internal/errors"
	"grimm.is/netsentry/internal/features"
	"grimm.is/netsentry/internal/logging"
	"grimm.is/netsentry/internal/metrics"
	"grimm.is/netsentry/internal/orchestrator"
	"grimm.is/netsentry/internal/pipeline"
	"grimm.is/netsentry/internal/rules"
)

const maxBodyBytes = 1 << 20

// Server handles API requests.
type Server struct {
	cfg    *config.APIConfig
	p      *pipeline.Pipeline
	m      *metrics.Metrics
	logger *logging.Logger
	router *mux.Router
}

// NewServer builds the HTTP surface over the pipeline.
func NewServer(cfg *config.APIConfig, p *pipeline.Pipeline, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:    cfg,
		p:      p,
		m:      m,
		logger: logging.WithComponent("api"),
		router: mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/detect", s.handleDetect).Methods(http.MethodPost)
	v1.HandleFunc("/decide", s.handleDecide).Methods(http.MethodPost)
	v1.HandleFunc("/apply", s.handleApply).Methods(http.MethodPost)
	v1.HandleFunc("/rollback/{ref}", s.handleRollback).Methods(http.MethodPost)
	v1.HandleFunc("/rules", s.handleListRules).Methods(http.MethodGet)
	v1.HandleFunc("/audit/{ref}", s.handleAudit).Methods(http.MethodGet)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.m.Handler()).Methods(http.MethodGet)
}

// Router exposes the handler tree, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

// Run serves until the context is cancelled, then drains.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("API listening", "addr", s.cfg.Listen)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// handleDetect scores one feature vector under the configured budget.
// A degraded ensemble still answers, with an unknown label.
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	var vec features.FeatureVector
	if !s.decode(w, r, &vec) {
		return
	}

	ctx := r.Context()
	if budget := s.cfg.DetectBudgetDuration(); budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	det, err := s.p.Detect(ctx, &vec)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, det)
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var det detect.Detection
	if !s.decode(w, r, &det) {
		return
	}
	dec, err := s.p.Decide(r.Context(), &det)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, dec)
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	var rule rules.UniversalRule
	if !s.decode(w, r, &rule) {
		return
	}
	if rule.RuleID == "" {
		s.writeError(w, errors.New(errors.KindValidation, "rule_id is required"))
		return
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}

	status, err := s.p.Orchestrator().ApplyRule(r.Context(), &rule)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, status)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	ref := mux.Vars(r)["ref"]
	if err := s.p.Orchestrator().Rollback(r.Context(), ref); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "rolled_back", "ref": ref})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := orchestrator.Filter{
		State:  rules.Lifecycle(q.Get("state")),
		Action: rules.Action(q.Get("action")),
		Origin: q.Get("origin"),
	}
	list := s.p.Orchestrator().ListRules(f)
	if list == nil {
		list = []*orchestrator.RuleStatus{}
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	ref := mux.Vars(r)["ref"]
	recs, err := s.p.Audit().Get(ref)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(recs) == 0 {
		s.writeError(w, errors.Errorf(errors.KindNotFound, "no audit records for %q", ref))
		return
	}
	s.writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		s.writeError(w, errors.Wrap(err, errors.KindParse, "invalid request body"))
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch errors.GetKind(err) {
	case errors.KindParse, errors.KindValidation:
		code = http.StatusUnprocessableEntity
	case errors.KindNotFound:
		code = http.StatusNotFound
	case errors.KindConflict:
		code = http.StatusConflict
	case errors.KindUnavailable, errors.KindTransient:
		code = http.StatusServiceUnavailable
	case errors.KindTimeout:
		code = http.StatusGatewayTimeout
	}
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}
