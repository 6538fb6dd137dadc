package monitor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/holistic.report/internal/holistic"
	"github.com/banshee-data/holistic.report/internal/holistic/l1detections"
	"github.com/banshee-data/holistic.report/internal/holistic/l4sequence"
	"github.com/banshee-data/holistic.report/internal/holistic/l5inference"
	"github.com/banshee-data/holistic.report/internal/holistic/pipeline"
	"github.com/banshee-data/holistic.report/internal/holistic/storage/sqlite"
	"github.com/banshee-data/holistic.report/internal/httputil"
	"github.com/banshee-data/holistic.report/internal/monitoring"
	"github.com/banshee-data/holistic.report/internal/version"
)

// Pipeline is the part of the lifecycle controller the monitor drives.
type Pipeline interface {
	holistic.Reporter
	Start(ctx context.Context) error
	Stop()
	State() pipeline.State
	Latest() *l5inference.Prediction
	SetTarget(label string)
	Target() string
	Stats() pipeline.Stats
}

// History is the read side of the prediction history.
type History interface {
	RecentPredictions(session uuid.UUID, limit int) ([]l5inference.Prediction, error)
	TrackingEvents(limit int) ([]sqlite.TrackingEvent, error)
	Sessions(limit int) ([]sqlite.Session, error)
	LabelCounts(since time.Time) ([]sqlite.LabelCount, error)
}

// ServerConfig contains configuration options for the monitor server.
type ServerConfig struct {
	Address          string           // listen address (default: ":8080")
	Pipeline         Pipeline         // required
	History          History          // optional; history routes answer 404 without it
	Quality          *QualityRecorder // optional; a private recorder is created when nil
	QualityThreshold int              // marked on quality charts (default: 1500)
	// BaseContext is the parent of sessions started over HTTP
	// (default: context.Background()).
	BaseContext context.Context
	// Mux, when set, receives extra routes (for example the history admin
	// routes) before the server starts.
	Mux *http.ServeMux
}

// Server exposes the pipeline over HTTP JSON plus debug charts.
type Server struct {
	address   string
	pipeline  Pipeline
	history   History
	quality   *QualityRecorder
	threshold int
	baseCtx   context.Context
	mux       *http.ServeMux
	server    *http.Server
	logf      func(format string, v ...interface{})
}

// NewServer creates a new monitor server with the provided configuration.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Pipeline == nil {
		return nil, errors.New("monitor: pipeline is required")
	}
	if config.Address == "" {
		config.Address = ":8080"
	}
	if config.Quality == nil {
		config.Quality = NewQualityRecorder(0)
	}
	if config.QualityThreshold <= 0 {
		config.QualityThreshold = l4sequence.DefaultQualityThreshold
	}
	if config.BaseContext == nil {
		config.BaseContext = context.Background()
	}
	if config.Mux == nil {
		config.Mux = http.NewServeMux()
	}

	s := &Server{
		address:   config.Address,
		pipeline:  config.Pipeline,
		history:   config.History,
		quality:   config.Quality,
		threshold: config.QualityThreshold,
		baseCtx:   config.BaseContext,
		mux:       config.Mux,
		logf:      monitoring.Component("Monitor"),
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:              s.address,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Quality returns the recorder the quality charts read from.
func (s *Server) Quality() *QualityRecorder { return s.quality }

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler { return s.mux }

// Start serves until ctx is done, then shuts the server down.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logf("HTTP server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logf("HTTP server shutdown error: %v", err)
		if err := s.server.Close(); err != nil {
			s.logf("HTTP server force close error: %v", err)
		}
	}
	s.logf("HTTP server stopped")
	return nil
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/prediction", s.handlePrediction)
	s.mux.HandleFunc("/api/target", s.handleTarget)
	s.mux.HandleFunc("/api/detections", s.handleDetections)
	s.mux.HandleFunc("/api/lifecycle/start", s.handleStart)
	s.mux.HandleFunc("/api/lifecycle/stop", s.handleStop)
	s.mux.HandleFunc("/api/quality", s.handleQuality)
	s.mux.HandleFunc("/api/history/predictions", s.handleHistoryPredictions)
	s.mux.HandleFunc("/api/history/sessions", s.handleHistorySessions)
	s.mux.HandleFunc("/api/history/tracking", s.handleHistoryTracking)
	s.mux.HandleFunc("/api/history/labels", s.handleHistoryLabels)
	s.mux.HandleFunc("/debug/quality", s.handleQualityChart)
	s.mux.HandleFunc("/debug/quality.png", s.handleQualityPlot)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{"status": "ok"})
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Version   string         `json:"version"`
	GitSHA    string         `json:"git_sha"`
	BuildTime string         `json:"build_time"`
	Target    string         `json:"target,omitempty"`
	Pipeline  pipeline.Stats `json:"pipeline"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, StatusResponse{
		Version:   version.Version,
		GitSHA:    version.GitSHA,
		BuildTime: version.BuildTime,
		Target:    s.pipeline.Target(),
		Pipeline:  s.pipeline.Stats(),
	})
}

// PredictionResponse is the body of GET /api/prediction. Prediction is null
// until the first classifier call completes.
type PredictionResponse struct {
	State      string                  `json:"state"`
	Target     string                  `json:"target,omitempty"`
	Prediction *l5inference.Prediction `json:"prediction"`
}

func (s *Server) handlePrediction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, PredictionResponse{
		State:      s.pipeline.State().String(),
		Target:     s.pipeline.Target(),
		Prediction: s.pipeline.Latest(),
	})
}

type targetRequest struct {
	Label string `json:"label"`
}

func (s *Server) handleTarget(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPut, http.MethodPost:
		var req targetRequest
		if err := httputil.DecodeJSONBody(w, r, &req); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		s.pipeline.SetTarget(req.Label)
		s.logf("Target sign set to %q", req.Label)
	case http.MethodDelete:
		s.pipeline.SetTarget("")
	default:
		httputil.MethodNotAllowed(w, "GET, PUT, POST, DELETE")
		return
	}
	httputil.WriteJSONOK(w, targetRequest{Label: s.pipeline.Target()})
}

// IngestResponse is the body of POST /api/detections.
type IngestResponse struct {
	Accepted int `json:"accepted"`
	Skipped  int `json:"skipped"`
}

// handleDetections accepts a JSON array of detection records in wire form.
// The whole batch is validated before any record is reported.
func (s *Server) handleDetections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	if s.pipeline.State() != pipeline.StateRunning {
		httputil.Conflict(w, "pipeline is not running")
		return
	}

	var records []l1detections.Record
	if err := httputil.DecodeJSONBody(w, r, &records); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	results := make([]holistic.PartialResult, 0, len(records))
	var resp IngestResponse
	for i := range records {
		p, err := records[i].PartialResult()
		if errors.Is(err, l1detections.ErrUnknownTimestamp) {
			resp.Skipped++
			continue
		}
		if err != nil {
			httputil.BadRequest(w, "record "+strconv.Itoa(i)+": "+err.Error())
			return
		}
		results = append(results, p)
	}
	for _, p := range results {
		s.pipeline.ReportDetection(p.Timestamp, p.Kind, p.Detection)
	}
	resp.Accepted = len(results)
	httputil.WriteJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	if err := s.pipeline.Start(s.baseCtx); err != nil {
		if errors.Is(err, pipeline.ErrNotStopped) || errors.Is(err, pipeline.ErrClosed) {
			httputil.Conflict(w, err.Error())
			return
		}
		httputil.InternalServerError(w, err.Error())
		return
	}
	s.logf("Pipeline started over HTTP")
	httputil.WriteJSONOK(w, s.pipeline.Stats())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	s.pipeline.Stop()
	httputil.WriteJSONOK(w, s.pipeline.Stats())
}

func (s *Server) handleQuality(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"threshold": s.threshold,
		"resets":    s.quality.Resets(),
		"samples":   s.quality.Samples(),
	})
}

// queryLimit parses ?limit=, clamped to [1, 1000] (default: 100).
func queryLimit(r *http.Request) int {
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 {
			limit = min(v, 1000)
		}
	}
	return limit
}

func (s *Server) historyGuard(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return false
	}
	if s.history == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "history is not enabled")
		return false
	}
	return true
}

func (s *Server) handleHistoryPredictions(w http.ResponseWriter, r *http.Request) {
	if !s.historyGuard(w, r) {
		return
	}
	var session uuid.UUID
	if v := r.URL.Query().Get("session_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			httputil.BadRequest(w, "invalid session_id")
			return
		}
		session = id
	}
	preds, err := s.history.RecentPredictions(session, queryLimit(r))
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, preds)
}

func (s *Server) handleHistorySessions(w http.ResponseWriter, r *http.Request) {
	if !s.historyGuard(w, r) {
		return
	}
	sessions, err := s.history.Sessions(queryLimit(r))
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, sessions)
}

func (s *Server) handleHistoryTracking(w http.ResponseWriter, r *http.Request) {
	if !s.historyGuard(w, r) {
		return
	}
	events, err := s.history.TrackingEvents(queryLimit(r))
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, events)
}

func (s *Server) handleHistoryLabels(w http.ResponseWriter, r *http.Request) {
	if !s.historyGuard(w, r) {
		return
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			httputil.BadRequest(w, "invalid since duration")
			return
		}
		since = time.Now().Add(-d)
	}
	counts, err := s.history.LabelCounts(since)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, counts)
}
