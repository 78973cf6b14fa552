package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/TocharianOU/newrag/api"
	"github.com/TocharianOU/newrag/auth"
	"github.com/TocharianOU/newrag/common"
	"github.com/TocharianOU/newrag/config"
	"github.com/TocharianOU/newrag/db"
	"github.com/TocharianOU/newrag/gateway"
	"github.com/TocharianOU/newrag/index"
	"github.com/TocharianOU/newrag/mcptool"
	"github.com/TocharianOU/newrag/pipeline"
	"github.com/TocharianOU/newrag/queue"
	"github.com/TocharianOU/newrag/render"
	"github.com/TocharianOU/newrag/search"
	"github.com/TocharianOU/newrag/storage"
	"github.com/TocharianOU/newrag/task"
	"github.com/TocharianOU/newrag/versions"
	"github.com/TocharianOU/newrag/worker"
)

func init() {
	RootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the API server and ingestion workers",
	Long:  "serve starts the HTTP API, the MCP tool endpoint, the worker pools and the lease sweeper in one process.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg)
	},
}

func runServe(parent context.Context, cfg *config.Config) error {
	log := common.ServiceLogger("serve")
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return err
	}
	docs := db.NewDocumentStore(gormDB)
	tasks := db.NewTaskStore(gormDB)
	users := db.NewUserStore(gormDB)
	audit := db.NewAuditStore(gormDB)

	blobs, err := storage.NewS3BlobStore(ctx, cfg.Blob)
	if err != nil {
		return err
	}
	if err := blobs.EnsureBucket(ctx); err != nil {
		return err
	}

	idx, err := index.New(cfg.Index)
	if err != nil {
		return err
	}
	if err := idx.EnsureIndex(ctx); err != nil {
		return err
	}

	dispatch, err := queue.New(ctx, cfg.Queue)
	if err != nil {
		return err
	}
	defer dispatch.Close()

	embedder := gateway.NewEmbeddingClient(cfg.Models)
	vlm := gateway.NewVLMClient(cfg.Models)
	registry := render.NewRegistry(cfg.OCR)
	engines := render.NewEngineSet(cfg.OCR)

	runner := pipeline.NewRunner(docs, blobs, idx, embedder, vlm, registry, engines, audit, pipeline.Options{
		AdmitLimit:         cfg.Worker.AdmitLimit,
		PageParallelism:    cfg.Worker.PageParallelism,
		PageIndexThreshold: cfg.Search.PageIndexThreshold,
	})
	manager := task.NewManager(tasks, docs, blobs, runner, dispatch, audit, cfg.Worker)
	go manager.RunSweeper(ctx)

	cpuPool := worker.NewPool(dispatch, manager, worker.Config{Name: "cpu", Size: cfg.Worker.CPUPoolSize})
	modelPool := worker.NewPool(dispatch, manager, worker.Config{Name: "model", Size: cfg.Worker.ModelPoolSize})
	cpuPool.Start(ctx)
	modelPool.Start(ctx)

	log.WithField("jwt_secret", common.MaskSecret(cfg.Auth.JWTSecret)).Debug("Auth configured")
	tokens := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)
	authSvc := auth.NewService(users, tokens, cfg.Auth.RefreshTokenTTL, audit)
	orchestrator := search.New(embedder, idx, docs, cfg.Search)
	verMgr := versions.New(docs, idx, blobs, audit)

	server := api.New(cfg.Server, api.Deps{
		Auth:     authSvc,
		Docs:     docs,
		Blobs:    blobs,
		Tasks:    manager,
		Search:   orchestrator,
		Versions: verMgr,
		Index:    idx,
		Audit:    audit,
		Health: map[string]api.HealthCheck{
			"database": pingDatabase(gormDB),
			"index":    idx.Ping,
			"queue": func(ctx context.Context) error {
				_, err := dispatch.Depth(ctx)
				return err
			},
		},
	})

	tools := mcptool.New(orchestrator, idx, idx.Name())
	server.Mount("/mcp", tools.Handler(), server.AuthRequired())

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.WithField("signal", sig.String()).Info("Shutting down")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP shutdown incomplete")
	}

	// Stop claiming new work, then wait for in-flight tasks to checkpoint.
	cancel()
	cpuPool.Wait()
	modelPool.Wait()
	return nil
}

func pingDatabase(gormDB *gorm.DB) api.HealthCheck {
	return func(ctx context.Context) error {
		sqlDB, err := gormDB.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
}
