package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/swarmguard/taskengine"
	"github.com/swarmguard/taskengine/internal/logging"
	"github.com/swarmguard/taskengine/internal/model"
	"github.com/swarmguard/taskengine/internal/otelinit"
)

type submitRequest struct {
	Title             string                      `json:"title"`
	Description       string                      `json:"description"`
	Category          string                      `json:"category,omitempty"`
	Priority          int                         `json:"priority,omitempty"`
	ExecutorKey       string                      `json:"executor_key"`
	Params            map[string]interface{}      `json:"params,omitempty"`
	EstimatedDuration string                      `json:"estimated_duration,omitempty"`
	Timeout           string                      `json:"timeout,omitempty"`
	MaxRetries        int                         `json:"max_retries,omitempty"`
	RequiredResources []model.ResourceRequirement `json:"required_resources,omitempty"`
}

type cancelRequest struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

func main() {
	service := "taskengine"
	logging.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, _ := otelinit.InitMetrics(ctx, service)

	workDir := os.Getenv("TASKENGINE_WORK_DIR")
	if workDir == "" {
		workDir = "./taskengine-data"
	}
	eng, err := taskengine.New(taskengine.Config{
		WorkDir: workDir,
		NATSURL: os.Getenv("TASKENGINE_NATS_URL"),
	})
	if err != nil {
		slog.Error("engine init failed", "error", err)
		os.Exit(1)
	}
	if err := eng.Start(ctx); err != nil {
		slog.Error("engine start failed", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.Title == "" || req.ExecutorKey == "" {
			http.Error(w, "title and executor_key required", http.StatusBadRequest)
			return
		}
		estimated, _ := time.ParseDuration(req.EstimatedDuration)
		timeout, _ := time.ParseDuration(req.Timeout)
		id, err := eng.Submit(req.Title, req.Description, taskengine.SubmitOptions{
			Category:          model.Category(req.Category),
			Priority:          model.BasePriority(req.Priority),
			ExecutorKey:       req.ExecutorKey,
			Params:            req.Params,
			EstimatedDuration: estimated,
			Timeout:           timeout,
			MaxRetries:        req.MaxRetries,
			RequiredResources: req.RequiredResources,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"task_id": id})
	})
	mux.HandleFunc("/v1/tasks/status", func(w http.ResponseWriter, r *http.Request) {
		view, ok := eng.Status(r.URL.Query().Get("id"))
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(view)
	})
	mux.HandleFunc("/v1/tasks/cancel", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req cancelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if !eng.Cancel(req.TaskID, req.Reason) {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/sequence", func(w http.ResponseWriter, r *http.Request) {
		algo := taskengine.Algorithm(r.URL.Query().Get("algorithm"))
		_ = json.NewEncoder(w).Encode(eng.Sequence(algo))
	})
	mux.HandleFunc("/v1/snapshot", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		id, err := eng.Snapshot(model.SnapshotManual)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"snapshot_id": id})
	})
	mux.HandleFunc("/v1/recommendations", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(eng.Recommendations())
	})

	addr := os.Getenv("TASKENGINE_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()
	slog.Info("service started", "addr", addr)
	<-ctx.Done()
	slog.Info("shutdown initiated")
	ctxSd, c2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer c2()
	_ = srv.Shutdown(ctxSd)
	if err := eng.Shutdown(ctxSd); err != nil {
		slog.Warn("engine shutdown", "error", err)
	}
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	slog.Info("shutdown complete")
}
