// The reconciler sweeps unfinished jobs and polls the provider for their
// outcome. It backstops lost webhooks; both paths converge on the same
// compare-and-swap transitions, so overlap with webhook delivery is safe.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"atelier/internal/adapter/repo"
	"atelier/internal/artifacts"
	"atelier/internal/domain"
	"atelier/internal/infra"
	"atelier/internal/ingest"
	"atelier/internal/jobstate"
	"atelier/internal/providers/replicate"
	"atelier/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("reconciler: db connection failed")
	}
	defer pool.Close()

	jobs := repo.NewJobRepository(pool)
	workspaces := repo.NewWorkspaceRepository(pool)
	artifactRepo := repo.NewArtifactRepository(pool)

	var blobs storage.BlobStore
	switch cfg.StorageBackend {
	case "s3":
		blobs, err = storage.NewS3Store(ctx, storage.S3Options{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Secure:    cfg.S3Secure,
		})
	case "file":
		blobs, err = storage.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
	}
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StorageBackend).Msg("reconciler: failed to configure storage")
	}

	provider, err := replicate.NewClient(replicate.Options{
		APIToken:      cfg.ProviderAPIToken,
		BaseURL:       cfg.ProviderBaseURL,
		WebhookSecret: cfg.ProviderWebhookSecret,
		Logger:        &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("reconciler: failed to build provider client")
	}

	machine := jobstate.NewMachine(jobs)
	store := artifacts.NewStore(artifactRepo, blobs, logger)
	ingestor := ingest.New(jobs, workspaces, machine, provider, store, logger)

	logger.Info().
		Dur("interval", cfg.ReconcileInterval).
		Int("batch", cfg.ReconcileBatch).
		Msg("reconciler started")

	ticker := time.NewTicker(cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("reconciler stopped")
			return
		case <-ticker.C:
			sweep(ctx, jobs, ingestor, cfg.ReconcileBatch, logger)
		}
	}
}

func sweep(ctx context.Context, jobs domain.JobRepository, ingestor *ingest.Ingestor, batch int, logger infra.Logger) {
	unfinished, err := jobs.ListUnfinished(ctx, batch)
	if err != nil {
		logger.Error().Err(err).Msg("reconciler: list unfinished jobs failed")
		return
	}
	for _, job := range unfinished {
		if ctx.Err() != nil {
			return
		}
		if _, err := ingestor.Poll(ctx, job.ID); err != nil {
			logger.Warn().Err(err).Str("job_id", job.ID).Msg("reconciler: poll failed")
		}
	}
	if len(unfinished) > 0 {
		logger.Debug().Int("count", len(unfinished)).Msg("reconciler: sweep complete")
	}
}
