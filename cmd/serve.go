package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stockintel/analysis-cli/internal/model"
	"github.com/stockintel/analysis-cli/internal/pipeline"
	"github.com/stockintel/analysis-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		api := &apiServer{store: env.Store, pipeline: env.Pipeline}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           api.router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// apiServer exposes the pipeline operations over HTTP.
type apiServer struct {
	store    store.Store
	pipeline *pipeline.Pipeline
}

func (s *apiServer) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/analyses", func(r chi.Router) {
		r.Post("/", s.handleCreateAnalysis)
		r.Get("/", s.handleListAnalyses)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetAnalysis)
			r.Delete("/", s.handleDeleteAnalysis)
			r.Post("/mapping/start", s.handleStartMapping)
			r.Post("/mapping/confirm", s.handleConfirmMapping)
			r.Post("/cleaning/prepare", s.handlePrepareCleaning)
			r.Post("/cleaning/execute", s.handleExecuteCleaning)
			r.Post("/script", s.handleScript)
			r.Post("/run", s.handleRunAnalysis)
			r.Post("/restart", s.handleRestart)
			r.Get("/recommendations", s.handleListRecommendations)
		})
	})

	return r
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// createAnalysisRequest registers a new analysis and its already-uploaded
// source files. Storage paths are relative to the configured base dir.
type createAnalysisRequest struct {
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Files    []struct {
		FileName    string `json:"file_name"`
		StoragePath string `json:"storage_path"`
		RowCount    int    `json:"row_count"`
		ColumnCount int    `json:"column_count"`
	} `json:"files"`
}

func (s *apiServer) handleCreateAnalysis(w http.ResponseWriter, r *http.Request) {
	var req createAnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TenantID == "" {
		writeErrorMessage(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	a := &model.Analysis{TenantID: req.TenantID, Name: req.Name}
	if err := s.store.CreateAnalysis(r.Context(), a); err != nil {
		writeError(w, err)
		return
	}

	for _, f := range req.Files {
		sf := &model.SourceFile{
			AnalysisID:  a.ID,
			FileName:    f.FileName,
			StoragePath: f.StoragePath,
			RowCount:    f.RowCount,
			ColumnCount: f.ColumnCount,
		}
		if err := s.store.CreateSourceFile(r.Context(), sf); err != nil {
			writeError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusCreated, a)
}

func (s *apiServer) handleListAnalyses(w http.ResponseWriter, r *http.Request) {
	filter := store.AnalysisFilter{
		TenantID: r.URL.Query().Get("tenant"),
		Status:   model.AnalysisStatus(r.URL.Query().Get("status")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeErrorMessage(w, http.StatusBadRequest, "unknown status "+string(filter.Status))
		return
	}

	analyses, err := s.store.ListAnalyses(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"analyses": analyses})
}

func (s *apiServer) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	a, err := s.store.GetAnalysis(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	files, err := s.store.ListSourceFiles(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.store.CountStockEntries(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"analysis":      a,
		"source_files":  files,
		"stock_entries": entries,
	})
}

func (s *apiServer) handleDeleteAnalysis(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleStartMapping(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	a, err := s.store.GetAnalysis(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if a.Status != model.StatusPending {
		writeErrorMessage(w, http.StatusConflict, "analysis is not pending")
		return
	}

	// Mapping runs out of band; failures land in the analysis status and
	// metadata rather than this response.
	s.pipeline.StartMappingAsync(id)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "analysis_id": id})
}

type confirmMappingRequest struct {
	MappedColumns     map[string]string `json:"mapped_columns"`
	UnavailableFields []string          `json:"unavailable_fields"`
}

func (s *apiServer) handleConfirmMapping(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req confirmMappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.pipeline.ConfirmMapping(r.Context(), id, req.MappedColumns, req.UnavailableFields); err != nil {
		writeError(w, err)
		return
	}

	a, err := s.store.GetAnalysis(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *apiServer) handlePrepareCleaning(w http.ResponseWriter, r *http.Request) {
	plan, err := s.pipeline.PrepareCleaning(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

type executeCleaningRequest struct {
	Toggles map[string]bool `json:"toggles"`
}

func (s *apiServer) handleExecuteCleaning(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req executeCleaningRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	report, err := s.pipeline.ExecuteCleaning(r.Context(), id, req.Toggles)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type scriptRequest struct {
	Intent string `json:"intent"`
	Script string `json:"script"`
}

func (s *apiServer) handleScript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req scriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Script != "" {
		if err := s.pipeline.SetUserScript(r.Context(), id, req.Script); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "installed"})
		return
	}

	result, err := s.pipeline.GenerateScript(r.Context(), id, req.Intent)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type runAnalysisRequest struct {
	Intent string `json:"intent"`
}

func (s *apiServer) handleRunAnalysis(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req runAnalysisRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	a, err := s.store.GetAnalysis(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if a.Status != model.StatusReadyForAnalysis {
		writeErrorMessage(w, http.StatusConflict, "analysis is not ready")
		return
	}
	if !hasScript(a) {
		writeErrorMessage(w, http.StatusBadRequest, "no analysis script")
		return
	}

	// Script execution can run up to the configured timeout plus two model
	// calls; it runs out of band and reports through status and metadata.
	go func() {
		if runErr := s.pipeline.RunAnalysis(context.Background(), id, req.Intent); runErr != nil {
			zap.L().Error("analysis run failed",
				zap.String("analysis", id),
				zap.Error(runErr),
			)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "analysis_id": id})
}

// hasScript reports whether a generated or user script is available.
func hasScript(a *model.Analysis) bool {
	ns := a.MetadataNamespace("analysis")
	if ns == nil {
		return false
	}
	if s, _ := ns["user_script"].(string); s != "" {
		return true
	}
	s, _ := ns["script"].(string)
	return s != ""
}

func (s *apiServer) handleRestart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.pipeline.Restart(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "analysis_id": id})
}

func (s *apiServer) handleListRecommendations(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// 404 for an unknown analysis rather than an empty list.
	if _, err := s.store.GetAnalysis(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	recs, err := s.store.ListRecommendations(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recommendations": recs})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps pipeline and store errors onto HTTP statuses. Input errors
// and state-machine violations are client errors; everything else is a 500
// with the detail kept in the server log.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeErrorMessage(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrStatusConflict):
		writeErrorMessage(w, http.StatusConflict, "analysis is in a conflicting state")
	case errors.Is(err, pipeline.ErrInvalidInput):
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
	default:
		zap.L().Error("request failed", zap.Error(err))
		writeErrorMessage(w, http.StatusInternalServerError, "internal error")
	}
}
