// Package server implements the jobmon HTTP API. Every state mutation runs
// inside a single database transaction so the FSMs observe atomic
// transitions, and all error responses share one envelope so clients can
// classify failures without parsing messages.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jobmon-org/jobmon/internal/cmn/config"
	"github.com/jobmon-org/jobmon/internal/cmn/logger"
	"github.com/jobmon-org/jobmon/internal/cmn/logger/tag"
	"github.com/jobmon-org/jobmon/internal/store"
)

// Server serves the jobmon API over HTTP.
type Server struct {
	config     *config.Config
	store      *store.Store
	registry   *prometheus.Registry
	httpServer *http.Server
	listener   net.Listener
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithListener sets a pre-bound listener, letting tests and callers manage
// the port themselves.
func WithListener(l net.Listener) ServerOption {
	return func(srv *Server) {
		srv.listener = l
	}
}

// New creates a server backed by the given store. The prometheus registry
// may be nil when metrics are not exposed.
func New(cfg *config.Config, st *store.Store, registry *prometheus.Registry, opts ...ServerOption) *Server {
	srv := &Server{
		config:   cfg,
		store:    st,
		registry: registry,
	}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

// Handler builds the complete router, middleware included. Exposed so tests
// can drive the API through httptest without binding a port.
func (srv *Server) Handler() http.Handler {
	requestLogger := httplog.NewLogger("jobmon-http", httplog.Options{
		LogLevel:         slog.LevelDebug,
		JSON:             srv.config.Core.LogFormat == "json",
		Concise:          true,
		MessageFieldName: "msg",
	})

	r := chi.NewMux()
	r.Use(middleware.RealIP)
	r.Use(middleware.Compress(5))
	r.Use(httplog.RequestLogger(requestLogger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Accept", structlogHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RedirectSlashes)
	r.Use(requestContext)

	srv.routes(r)
	return r
}

func (srv *Server) routes(r chi.Router) {
	r.Get("/health", srv.health)
	r.Get("/time", srv.serverTime)
	if srv.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(srv.registry, promhttp.HandlerOpts{}))
	}

	// Metadata binding, called by the client during workflow construction.
	r.Post("/tool", srv.bindTool)
	r.Post("/tool_version", srv.addToolVersion)
	r.Get("/tool/{id}/tool_versions", srv.listToolVersions)
	r.Post("/task_template", srv.bindTaskTemplate)
	r.Post("/task_template/{id}/version", srv.addTaskTemplateVersion)
	r.Post("/nodes", srv.addNodes)
	r.Post("/dag", srv.addDag)
	r.Post("/dag/{id}/edges", srv.addEdges)
	r.Get("/cluster/{name}", srv.getCluster)
	r.Get("/cluster/{name}/queue/{queue}", srv.getQueue)

	// Workflow lifecycle and queries.
	r.Post("/workflow", srv.bindWorkflow)
	r.Post("/workflow/{id}/tasks", srv.bindTasks)
	r.Post("/workflow/{id}/resume", srv.setResume)
	r.Post("/workflow/{id}/reset_tasks", srv.resetTasks)
	r.Get("/workflow/{id}/is_resumable", srv.isResumable)
	r.Get("/workflow/{id}/status", srv.workflowStatus)
	r.Get("/workflow/{id}/task_statuses", srv.workflowTaskStatuses)
	r.Get("/workflow/{id}/usage", srv.workflowUsage)
	r.Get("/workflow/{id}/task_status_updates", srv.taskStatusUpdates)
	r.Get("/workflow/{id}/concurrency", srv.workflowConcurrency)
	r.Get("/workflow/{id}/array_concurrency", srv.arrayConcurrency)
	r.Post("/workflow/fix_status_inconsistency", srv.fixStatusInconsistency)

	// Workflow run lifecycle.
	r.Post("/workflow_run", srv.registerWorkflowRun)
	r.Put("/workflow_run/{id}/link", srv.linkWorkflowRun)
	r.Put("/workflow_run/{id}/status", srv.updateWorkflowRunStatus)
	r.Post("/workflow_run/{id}/log_heartbeat", srv.logWorkflowRunHeartbeat)
	r.Post("/workflow_run/{id}/request_triage", srv.requestTriage)
	r.Get("/workflow_run/lost", srv.lostWorkflowRuns)
	r.Put("/workflow_run/{id}/reap", srv.reapWorkflowRun)

	// Tasks and their resources.
	r.Post("/task_resources", srv.bindTaskResources)
	r.Post("/task/{id}/update_resources", srv.updateTaskResources)
	r.Get("/task/{id}/status", srv.taskStatus)
	r.Get("/task/{id}/dependencies", srv.taskDependencies)
	r.Get("/task/recursive", srv.recursiveTasks)
	r.Post("/task/update_statuses", srv.updateTaskStatuses)

	// Batching and instantiation, called by swarm and distributor.
	r.Post("/batch", srv.queueTaskBatch)
	r.Post("/batch/{id}/transition_to_launched", srv.transitionBatchToLaunched)
	r.Post("/batch/{id}/log_distributor_ids", srv.logDistributorIDs)
	r.Post("/task_instance/instantiate", srv.instantiateTaskInstances)
	r.Get("/task_instance/{id}", srv.getTaskInstance)

	// Task instance reports from workers and the distributor.
	r.Post("/task_instance/{id}/log_running", srv.logRunning)
	r.Post("/task_instance/{id}/log_done", srv.logDone)
	r.Post("/task_instance/{id}/log_report_by", srv.logReportBy)
	r.Post("/task_instance/{id}/log_error_worker_node", srv.logErrorWorkerNode)
	r.Post("/task_instance/{id}/log_known_error", srv.logKnownError)
	r.Post("/task_instance/{id}/log_unknown_error", srv.logUnknownError)
	r.Post("/task_instance/{id}/log_no_distributor_id", srv.logNoDistributorID)

	// Distributor instance liveness.
	r.Post("/distributor_instance", srv.registerDistributorInstance)
	r.Post("/distributor_instance/{id}/heartbeat", srv.distributorHeartbeat)
	r.Post("/distributor_instance/expunge", srv.expungeDistributorInstances)
	r.Get("/distributor_instance/{id}/task_instances", srv.syncTaskInstances)
}

// Serve starts the HTTP server and blocks until the context is cancelled or
// a termination signal arrives.
func (srv *Server) Serve(ctx context.Context) error {
	addr := srv.config.Server.Addr()
	srv.httpServer = &http.Server{
		Handler:           srv.Handler(),
		Addr:              addr,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		WriteTimeout:      60 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	logger.Info(ctx, "Server is starting", tag.Addr(addr))

	go srv.startServer(ctx)

	srv.setupGracefulShutdown(ctx)
	return nil
}

func (srv *Server) startServer(ctx context.Context) {
	var err error
	if srv.listener != nil {
		logger.Info(ctx, "Starting server on pre-bound listener")
		err = srv.httpServer.Serve(srv.listener)
	} else {
		err = srv.httpServer.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		logger.Error(ctx, "Server failed to start or unexpected shutdown", tag.Error(err))
	}
}

// Shutdown gracefully shuts down the server.
func (srv *Server) Shutdown(ctx context.Context) error {
	if srv.httpServer != nil {
		logger.Info(ctx, "Server is shutting down", tag.Addr(srv.httpServer.Addr))

		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		srv.httpServer.SetKeepAlivesEnabled(false)
		return srv.httpServer.Shutdown(shutdownCtx)
	}
	return nil
}

// setupGracefulShutdown blocks until the context is done or a termination
// signal is received, then drains in-flight requests.
func (srv *Server) setupGracefulShutdown(ctx context.Context) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-ctx.Done():
		logger.Info(ctx, "Context done, shutting down server")
	case sig := <-quit:
		logger.Info(ctx, "Received shutdown signal", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv.httpServer.SetKeepAlivesEnabled(false)
	if err := srv.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "Failed to shutdown server gracefully", tag.Error(err))
	}
}
