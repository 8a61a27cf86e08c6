// Package main is the sandbox control plane entry point. One binary
// runs the REST API, the schedulers and sweepers, and the runtime
// driver for the configured backend.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kweaver-ai/sandbox/internal/artifacts"
	"github.com/kweaver-ai/sandbox/internal/common/config"
	"github.com/kweaver-ai/sandbox/internal/common/httpmw"
	"github.com/kweaver-ai/sandbox/internal/common/logger"
	"github.com/kweaver-ai/sandbox/internal/events/bus"
	"github.com/kweaver-ai/sandbox/internal/execution"
	"github.com/kweaver-ai/sandbox/internal/health"
	"github.com/kweaver-ai/sandbox/internal/node"
	"github.com/kweaver-ai/sandbox/internal/reconciler"
	"github.com/kweaver-ai/sandbox/internal/runtime"
	dockerdriver "github.com/kweaver-ai/sandbox/internal/runtime/docker"
	kubedriver "github.com/kweaver-ai/sandbox/internal/runtime/kube"
	"github.com/kweaver-ai/sandbox/internal/scheduler"
	"github.com/kweaver-ai/sandbox/internal/session"
	"github.com/kweaver-ai/sandbox/internal/store"
	"github.com/kweaver-ai/sandbox/internal/template"
	v1 "github.com/kweaver-ai/sandbox/pkg/api/v1"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting sandbox control plane...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		defer natsBus.Close()
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// 4. Entity store: Postgres when a URL is configured, SQLite otherwise.
	var repo store.Repository
	if cfg.Database.URL != "" {
		repo, err = store.OpenPostgres(cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			log.Fatal("Failed to connect to Postgres", zap.Error(err))
		}
		log.Info("Connected to Postgres entity store")
	} else {
		repo, err = store.OpenSQLite(cfg.Database.SQLitePath)
		if err != nil {
			log.Fatal("Failed to open SQLite entity store", zap.Error(err))
		}
		log.Info("SQLite entity store initialized", zap.String("path", cfg.Database.SQLitePath))
	}
	defer repo.Close()

	// 5. Artifact store.
	artifactStore, err := artifacts.New(ctx, cfg.Artifacts, log)
	if err != nil {
		log.Fatal("Failed to initialize artifact store", zap.Error(err))
	}
	if err := artifactStore.EnsureBucket(ctx); err != nil {
		log.Fatal("Failed to ensure artifact bucket", zap.Error(err))
	}
	log.Info("Artifact store ready", zap.String("bucket", cfg.Artifacts.Bucket))

	// 6. Runtime driver.
	driver, err := buildDriver(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize runtime driver", zap.Error(err))
	}
	defer driver.Close()
	log.Info("Runtime driver ready", zap.String("kind", string(driver.Kind())))

	registerNodes(ctx, cfg, driver, repo, log)

	// 7. Managers.
	sched := scheduler.New(repo, log)

	sessionMgr := session.NewManager(repo, sched, driver, artifactStore, eventBus, session.Options{
		ControlPlaneURL:       cfg.Runtime.ControlPlaneURL,
		InternalToken:         cfg.Internal.APIToken,
		CreateDeadline:        cfg.Runtime.CreateDeadlineDuration(),
		IdleTimeout:           cfg.Session.IdleTimeout(),
		MaxLifetime:           cfg.Session.MaxLifetime(),
		SweepInterval:         cfg.Session.SweepInterval(),
		DefaultTimeoutSeconds: cfg.Execution.DefaultTimeoutSeconds,
		MaxTimeoutSeconds:     cfg.Execution.MaxTimeoutSeconds,
		StrictTimeouts:        cfg.Execution.StrictTimeoutValidation,
	}, log)

	executionMgr := execution.NewManager(repo, driver, execution.NewHTTPExecutorClient(), artifactStore, eventBus, execution.Options{
		DefaultTimeoutSeconds: cfg.Execution.DefaultTimeoutSeconds,
		MaxTimeoutSeconds:     cfg.Execution.MaxTimeoutSeconds,
		StrictTimeouts:        cfg.Execution.StrictTimeoutValidation,
		HeartbeatTimeout:      cfg.Execution.HeartbeatTimeout(),
		HeartbeatInterval:     time.Duration(cfg.Execution.HeartbeatIntervalSecs) * time.Second,
		Grace:                 cfg.Execution.Grace(),
		MaxRetries:            cfg.Execution.MaxRetries,
		OutputCapBytes:        cfg.Execution.OutputCapBytes,
	}, log)

	// A session that loses its container crash-classifies its in-flight
	// executions.
	sessionMgr.SetContainerLostHandler(executionMgr.HandleSessionCrash)

	templateSvc := template.NewService(repo, log)

	// 8. Reconciler: converge once before accepting traffic, then
	// periodically.
	rec := reconciler.New(repo, driver, sessionMgr, 30*time.Second, cfg.Runtime.CreateDeadlineDuration(), log)
	log.Info("Running startup reconcile sweep...")
	rec.SweepAll(ctx)
	go rec.Run(ctx)

	// 9. Health prober; a lost node relocates its sessions.
	prober := health.NewProber(repo, driver, eventBus, 10*time.Second, log)
	prober.SetNodeLostHandler(rec.ReconcileNode)
	go prober.Run(ctx)

	// 10. Background sweeps.
	go sessionMgr.RunSweeper(ctx)
	go executionMgr.RunWatchdog(ctx)

	// 11. HTTP server.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "sandboxd"))

	sessionHandlers := session.NewHandlers(sessionMgr, artifactStore, cfg.Artifacts.InlineThresholdBytes, log)
	executionHandlers := execution.NewHandlers(executionMgr, log)
	templateHandlers := template.NewHandlers(templateSvc, log)
	nodeHandlers := node.NewHandlers(repo, log)

	api := router.Group("/api/v1")
	sessionHandlers.RegisterRoutes(api)
	executionHandlers.RegisterRoutes(api)
	templateHandlers.RegisterRoutes(api)
	nodeHandlers.RegisterRoutes(api)

	internal := router.Group("/internal", httpmw.InternalAuth(cfg.Internal.APIToken))
	sessionHandlers.RegisterInternalRoutes(internal)
	executionHandlers.RegisterInternalRoutes(internal)

	health.NewHandlers(repo, artifactStore, log).RegisterRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("API server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 12. Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down sandbox control plane...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Sandbox control plane stopped")
}

// buildDriver selects the runtime backend. Auto mode picks Kubernetes
// when running inside a cluster and Docker otherwise.
func buildDriver(cfg *config.Config, log *logger.Logger) (runtime.Driver, error) {
	kind := cfg.Runtime.Kind
	if kind == "" || kind == "auto" {
		if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
			kind = "kubernetes"
		} else {
			kind = "docker"
		}
	}

	switch kind {
	case "docker":
		return dockerdriver.NewDriver(cfg.Runtime, log)
	case "kubernetes":
		return kubedriver.NewDriver(cfg.Runtime, log)
	default:
		return nil, fmt.Errorf("unknown runtime kind %q", kind)
	}
}

// registerNodes seeds the node table: statically configured Docker
// nodes, or one logical node representing the Kubernetes cluster.
func registerNodes(ctx context.Context, cfg *config.Config, driver runtime.Driver, repo store.Repository, log *logger.Logger) {
	switch driver.Kind() {
	case v1.RuntimeKindDocker:
		for _, nc := range cfg.Runtime.DockerNodes {
			rn := &store.RuntimeNode{
				ID:           nc.ID,
				Kind:         v1.RuntimeKindDocker,
				Endpoint:     nc.Host,
				Status:       v1.NodeStatusOnline,
				CPUTotal:     nc.CPUCores,
				MemoryTotal:  nc.MemoryBytes,
				CapacityCap:  nc.CapacityCap,
				WorkspaceDir: nc.WorkspaceDir,
			}
			if err := repo.UpsertNode(ctx, rn); err != nil {
				log.WithNodeID(nc.ID).WithError(err).Error("Failed to register Docker node")
				continue
			}
			log.WithNodeID(nc.ID).Info("Registered Docker node", zap.String("endpoint", nc.Host))
		}
	case v1.RuntimeKindKubernetes:
		rn := &store.RuntimeNode{
			ID:       "kubernetes",
			Kind:     v1.RuntimeKindKubernetes,
			Endpoint: cfg.Runtime.Namespace,
			Status:   v1.NodeStatusOnline,
			// Capacity is enforced by the cluster's own quota machinery;
			// the scheduler sees a single large logical node.
			CPUTotal:    1024,
			MemoryTotal: 4 * 1024 * 1024 * 1024 * 1024,
			CapacityCap: 10000,
		}
		if err := repo.UpsertNode(ctx, rn); err != nil {
			log.WithError(err).Error("Failed to register Kubernetes node")
			return
		}
		log.Info("Registered Kubernetes logical node", zap.String("namespace", cfg.Runtime.Namespace))
	}
}
