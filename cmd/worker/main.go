package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/dlcs/composite-handler/internal/config"
	"github.com/dlcs/composite-handler/internal/dlcs"
	"github.com/dlcs/composite-handler/internal/pipeline"
	"github.com/dlcs/composite-handler/internal/queue"
	"github.com/dlcs/composite-handler/internal/storage"
	"github.com/dlcs/composite-handler/internal/store"
	"github.com/dlcs/composite-handler/internal/telemetry"
	"github.com/dlcs/composite-handler/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	q := queue.NewRedisQueue(cfg)

	objects, err := storage.NewS3Store(ctx, cfg)
	if err != nil {
		log.Fatalf("init object storage: %v", err)
	}

	pipe := pipeline.New(
		cfg,
		st,
		pipeline.NewOriginFetcher(cfg.OriginTimeout, cfg.OriginMaxBytes),
		pipeline.NewFitzRasterizer(cfg.RasterDPI, cfg.RasterFormat, cfg.RasterQuality),
		pipeline.NewImageUploader(objects, cfg.S3KeyPrefix, cfg.UploadWorkers),
		dlcs.NewClient(cfg.DLCSBaseURL, cfg.DLCSTimeout),
		q,
	)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor := worker.NewProcessor(cfg, q, workerID)
	processor.RegisterHandler(queue.TaskProcessMember, worker.ProcessMemberHandler(pipe))
	processor.RegisterHandler(queue.TaskCleanupWorkspace, worker.CleanupHandler(cfg.ScratchDir))

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker %s started (batch_size=%d upload_workers=%d stage_timeout=%s)", workerID, cfg.DLCSBatchSize, cfg.UploadWorkers, cfg.StageTimeout)
	if err := processor.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
