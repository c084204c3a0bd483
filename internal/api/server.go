// Package api exposes the analysis workflow over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"workbench/internal/config"
	"workbench/internal/fhir"
	"workbench/internal/prompt"
	"workbench/internal/sandbox"
	"workbench/internal/storage"
	"workbench/internal/workflow"
)

const Version = "1.0.0"

// Runner executes an analysis request.
type Runner interface {
	Execute(ctx context.Context, req workflow.Request) (*workflow.Outcome, error)
}

type Recorder interface {
	Record(ctx context.Context, out *workflow.Outcome) error
}

type RunReader interface {
	Get(ctx context.Context, id string) (*workflow.Outcome, error)
	ListRecent(ctx context.Context, limit int) ([]*workflow.Outcome, error)
}

type ArtifactReader interface {
	Get(ctx context.Context, id string) (*storage.Artifact, error)
}

type UsageReader interface {
	Daily(ctx context.Context, day string) (storage.DailyUsage, error)
}

// Config wires the server. Runs, Artifacts, Usage and Recorder are optional;
// the matching endpoints answer 503 without them.
type Config struct {
	Runner          Runner
	Recorder        Recorder
	Runs            RunReader
	Artifacts       ArtifactReader
	Usage           UsageReader
	FHIRCheck       func(ctx context.Context, url string) fhir.ConnectionStatus
	DefaultEndpoint string
	Endpoints       []config.FHIREndpoint
	MaxConcurrent   int
}

type Server struct {
	cfg                Config
	router             *mux.Router
	executionSemaphore chan struct{} // Limit concurrent executions
}

func NewServer(cfg Config) *Server {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.FHIRCheck == nil {
		cfg.FHIRCheck = func(ctx context.Context, url string) fhir.ConnectionStatus {
			return fhir.NewClient(url, fhir.DefaultCheckTimeout).CheckConnection(ctx)
		}
	}
	s := &Server{
		cfg:                cfg,
		router:             mux.NewRouter(),
		executionSemaphore: make(chan struct{}, cfg.MaxConcurrent),
	}
	s.setupRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/v1/analyses", s.handleCreateAnalysis).Methods("POST")
	s.router.HandleFunc("/api/v1/analyses", s.handleListAnalyses).Methods("GET")
	s.router.HandleFunc("/api/v1/analyses/{id}", s.handleGetAnalysis).Methods("GET")
	s.router.HandleFunc("/api/v1/artifacts/{id}", s.handleGetArtifact).Methods("GET")

	s.router.HandleFunc("/api/v1/presets", s.handleListPresets).Methods("GET")
	s.router.HandleFunc("/api/v1/fhir/endpoints", s.handleListEndpoints).Methods("GET")
	s.router.HandleFunc("/api/v1/fhir/check", s.handleCheckFHIR).Methods("POST")
	s.router.HandleFunc("/api/v1/usage/{day}", s.handleGetUsage).Methods("GET")
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("🌐 [API] Listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.Printf("🛑 [API] Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// acquireExecutionSlot never blocks: a full semaphore means busy.
func (s *Server) acquireExecutionSlot() (func(), bool) {
	select {
	case s.executionSemaphore <- struct{}{}:
		return func() { <-s.executionSemaphore }, true
	default:
		return nil, false
	}
}

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	InFlight  int    `json:"in_flight"`
	Capacity  int    `json:"capacity"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
		Version:   Version,
		InFlight:  len(s.executionSemaphore),
		Capacity:  cap(s.executionSemaphore),
	})
}

// AnalysisRequest is the body of POST /api/v1/analyses. Kind selects how the
// task instruction is built; "task" passes Task through unchanged.
type AnalysisRequest struct {
	Kind       string `json:"kind"`
	Task       string `json:"task,omitempty"`
	Preset     string `json:"preset,omitempty"`
	Question   string `json:"question,omitempty"`
	Patient    string `json:"patient,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
	BackendURL string `json:"backend_url,omitempty"`
	Model      string `json:"model,omitempty"`
}

// BuildRequest converts an API body into a workflow request.
func (a AnalysisRequest) BuildRequest(defaultEndpoint string) (workflow.Request, error) {
	endpoint := strings.TrimSpace(a.Endpoint)
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	var task string
	switch a.Kind {
	case "", "task":
		task = strings.TrimSpace(a.Task)
		if task == "" {
			return workflow.Request{}, fmt.Errorf("task is required")
		}
	case "case_summary":
		task = prompt.CaseSummaryTask(endpoint, a.Patient)
	case "gap_analysis":
		preset, ok := prompt.LookupPreset(a.Preset)
		if !ok {
			return workflow.Request{}, fmt.Errorf("unknown preset %q", a.Preset)
		}
		task = prompt.GapAnalysisTask(endpoint, preset)
	case "custom_query":
		var err error
		if task, err = prompt.CustomQueryTask(endpoint, a.Question); err != nil {
			return workflow.Request{}, err
		}
	default:
		return workflow.Request{}, fmt.Errorf("unknown kind %q", a.Kind)
	}
	return workflow.Request{
		TaskInstruction: task,
		TargetEndpoint:  endpoint,
		BackendURL:      strings.TrimSpace(a.BackendURL),
		Model:           strings.TrimSpace(a.Model),
	}, nil
}

type AnalysisResponse struct {
	*workflow.Outcome
	ArtifactURLs []string `json:"artifact_urls,omitempty"`
}

func (s *Server) handleCreateAnalysis(w http.ResponseWriter, r *http.Request) {
	var body AnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	req, err := body.BuildRequest(s.cfg.DefaultEndpoint)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	release, acquired := s.acquireExecutionSlot()
	if !acquired {
		http.Error(w, "Server busy - too many concurrent executions. Please try again later.", http.StatusTooManyRequests)
		return
	}
	defer release()

	log.Printf("📥 [API] Analysis request kind=%q endpoint=%s", body.Kind, req.TargetEndpoint)
	out, _ := s.cfg.Runner.Execute(r.Context(), req)

	if s.cfg.Recorder != nil {
		if err := s.cfg.Recorder.Record(context.WithoutCancel(r.Context()), out); err != nil {
			log.Printf("⚠️ [API] Failed to record run %s: %v", out.ID, err)
		}
	}

	resp := AnalysisResponse{Outcome: out}
	for _, id := range out.ArtifactIDs {
		resp.ArtifactURLs = append(resp.ArtifactURLs, "/api/v1/artifacts/"+id)
	}
	writeJSON(w, httpStatusFor(out.Status), resp)

	// Without a recorder nothing else owns the working directory
	if s.cfg.Recorder == nil && out.Execution != nil {
		if err := sandbox.Cleanup(*out.Execution); err != nil {
			log.Printf("⚠️ [API] Failed to remove %s: %v", out.Execution.WorkDir, err)
		}
	}
}

// httpStatusFor maps a workflow status to a response code. A script that
// ran and exited non-zero is still a 200 unless the strict policy failed it.
func httpStatusFor(status workflow.Status) int {
	switch status {
	case workflow.StatusDone:
		return http.StatusOK
	case workflow.StatusBackendUnreachable:
		return http.StatusBadGateway
	case workflow.StatusExecutionTimeout:
		return http.StatusGatewayTimeout
	case workflow.StatusNoCodeFound, workflow.StatusScriptFailed:
		return http.StatusUnprocessableEntity
	case workflow.StatusCanceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleListAnalyses(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Runs == nil {
		http.Error(w, "Run history is disabled", http.StatusServiceUnavailable)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			http.Error(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := s.cfg.Runs.ListRecent(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs, "count": len(runs)})
}

func (s *Server) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Runs == nil {
		http.Error(w, "Run history is disabled", http.StatusServiceUnavailable)
		return
	}
	id := mux.Vars(r)["id"]
	out, err := s.cfg.Runs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, fmt.Sprintf("Run not found: %s", id), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Artifacts == nil {
		http.Error(w, "Artifact storage is disabled", http.StatusServiceUnavailable)
		return
	}
	id := mux.Vars(r)["id"]
	art, err := s.cfg.Artifacts.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, fmt.Sprintf("Artifact not found: %s", id), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", art.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%s", art.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(art.Content)))
	_, _ = w.Write(art.Content)
}

func (s *Server) handleListPresets(w http.ResponseWriter, r *http.Request) {
	presets := make([]prompt.Preset, 0, len(prompt.Presets))
	for _, name := range prompt.PresetNames() {
		presets = append(presets, prompt.Presets[name])
	}
	writeJSON(w, http.StatusOK, presets)
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"default":   s.cfg.DefaultEndpoint,
		"endpoints": s.cfg.Endpoints,
	})
}

type fhirCheckRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleCheckFHIR(w http.ResponseWriter, r *http.Request) {
	var body fhirCheckRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "Invalid JSON body", http.StatusBadRequest)
			return
		}
	}
	url := strings.TrimSpace(body.URL)
	if url == "" {
		url = s.cfg.DefaultEndpoint
	}
	if url == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.FHIRCheck(r.Context(), url))
}

func (s *Server) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Usage == nil {
		http.Error(w, "Usage tracking is disabled", http.StatusServiceUnavailable)
		return
	}
	day := mux.Vars(r)["day"]
	if day == "today" {
		day = time.Now().UTC().Format("2006-01-02")
	}
	usage, err := s.cfg.Usage.Daily(r.Context(), day)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("❌ [API] Failed to encode response: %v", err)
	}
}
