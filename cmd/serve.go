package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"orchestrator/internal/apply"
	"orchestrator/internal/config"
	"orchestrator/internal/pipeline"
	"orchestrator/pkg/logging"
)

const serveSubsystem = "serve"

var serveAddr string

// newServeCmd creates the Cobra command that exposes the wizard API
// over HTTP: reading and updating the stack document, validating it,
// triggering an apply run, and polling a run's recorded events. It also
// runs the media pipeline worker in the background, ticking every
// PIPELINE_INTERVAL seconds.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the stack configuration API over HTTP",
		RunE:  runServe,
	}
	cmd.Flags().StringVar(&serveAddr, "addr", ":8787", "Address to listen on")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, store, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	worker := pipeline.NewWorker(cfg, store)
	go worker.Run(context.Background(), time.Duration(config.PipelineInterval())*time.Second)

	mux := http.NewServeMux()
	srv := &server{store: store, runner: apply.NewRunner(store, config.RootDir())}

	mux.HandleFunc("GET /api/config", srv.getConfig)
	mux.HandleFunc("PUT /api/config", srv.putConfig)
	mux.HandleFunc("POST /api/validate", srv.postValidate)
	mux.HandleFunc("POST /api/apply", srv.postApply)
	mux.HandleFunc("GET /api/runs/{run_id}", srv.getRun)
	mux.HandleFunc("GET /api/runs", srv.listRuns)

	logging.Info(serveSubsystem, "listening on %s", serveAddr)
	httpServer := &http.Server{Addr: serveAddr, Handler: mux}
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

type server struct {
	store  *config.Store
	runner *apply.Runner
}

func (s *server) getConfig(w http.ResponseWriter, r *http.Request) {
	cfg, _, err := s.store.LoadConfig()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *server) putConfig(w http.ResponseWriter, r *http.Request) {
	var cfg config.StackConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.SaveConfig(cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *server) postValidate(w http.ResponseWriter, r *http.Request) {
	var cfg config.StackConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	verrs := config.NewValidator(cfg).Validate()
	if verrs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "errors": []string{}})
		return
	}
	messages := make([]string, len(verrs.Errors))
	for i, e := range verrs.Errors {
		messages[i] = e.Error()
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": false, "errors": messages})
}

func (s *server) postApply(w http.ResponseWriter, r *http.Request) {
	var cfg config.StackConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Minute)
	defer cancel()

	result, err := s.runner.Run(ctx, cfg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     result.OK,
		"run_id": result.RunID,
		"events": result.Events,
	})
}

func (s *server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	run, err := s.store.GetRun(runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("run %s not found", runID))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(config.MaxRunLogEntries)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
