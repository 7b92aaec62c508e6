package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"atelier/internal/adapter/repo"
	"atelier/internal/artifacts"
	"atelier/internal/billing"
	"atelier/internal/catalog"
	"atelier/internal/engine"
	"atelier/internal/http/handlers"
	"atelier/internal/http/httpapi"
	"atelier/internal/identity"
	"atelier/internal/infra"
	"atelier/internal/infra/geoip"
	"atelier/internal/ingest"
	"atelier/internal/jobstate"
	"atelier/internal/ledger"
	"atelier/internal/notify"
	"atelier/internal/providers/prompt"
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

	ctx := context.Background()
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	credits := repo.NewCreditRepository(dbpool)
	jobs := repo.NewJobRepository(dbpool)
	artifactRepo := repo.NewArtifactRepository(dbpool)
	workspaces := repo.NewWorkspaceRepository(dbpool)
	payments := repo.NewPaymentRepository(dbpool)

	var events notify.Publisher = notify.Discard{}
	if cfg.RedisURL != "" {
		hub, err := notify.NewRedisHub(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer hub.Close()
		events = hub
	}

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
	case "none":
		// Provider URLs are persisted as-is.
	default:
		logger.Fatal().Str("backend", cfg.StorageBackend).Msg("unknown storage backend")
	}
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StorageBackend).Msg("failed to initialize storage")
	}

	var geo geoip.CountryResolver
	if cfg.GeoIPDBPath != "" {
		geo, err = geoip.NewResolver(cfg.GeoIPDBPath)
		if err != nil {
			logger.Warn().Err(err).Msg("geoip database unavailable, country resolution disabled")
			geo = nil
		}
	}

	cat := catalog.Default()
	if cfg.ToolCatalogPath != "" {
		cat, err = catalog.Load(cfg.ToolCatalogPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.ToolCatalogPath).Msg("failed to load tool catalog")
		}
	}

	provider, err := replicate.NewClient(replicate.Options{
		APIToken:      cfg.ProviderAPIToken,
		BaseURL:       cfg.ProviderBaseURL,
		WebhookSecret: cfg.ProviderWebhookSecret,
		Logger:        &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build provider client")
	}

	var assistant prompt.Assistant = prompt.NewStaticAssistant()
	if cfg.OpenAIAPIKey != "" {
		assistant, err = prompt.NewOpenAIAssistant(prompt.OpenAIOptions{
			APIKey:   cfg.OpenAIAPIKey,
			Model:    cfg.OpenAIModel,
			Fallback: prompt.NewStaticAssistant(),
			OnFallback: func(reason string, err error) {
				logger.Warn().Err(err).Str("reason", reason).Msg("prompt assistant fell back to static rewrite")
			},
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to build prompt assistant")
		}
	}

	ledgerSvc := ledger.NewService(credits, events, logger)
	machine := jobstate.NewMachine(jobs)
	store := artifacts.NewStore(artifactRepo, blobs, logger)

	eng := engine.New(engine.Options{
		Catalog:    cat,
		Ledger:     ledgerSvc,
		Provider:   provider,
		Machine:    machine,
		Jobs:       jobs,
		Workspaces: workspaces,
		Payments:   payments,
		Artifacts:  store,
		ArtRepo:    artifactRepo,
		Assistant:  assistant,
		WebhookURL: cfg.PublicBaseURL + "/v1/webhooks/provider",
		Logger:     logger,
	})
	ingestor := ingest.New(jobs, workspaces, machine, provider, store, logger)

	var confirmer *billing.Confirmer
	if cfg.PaymentAPIKey != "" {
		sessions, err := billing.NewSessionClient(billing.SessionClientOptions{
			APIKey:  cfg.PaymentAPIKey,
			BaseURL: cfg.PaymentBaseURL,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to build payment client")
		}
		confirmer = billing.NewConfirmer(sessions, payments, workspaces, ledgerSvc, logger)
	} else {
		logger.Warn().Msg("PAYMENT_API_KEY not set, payment confirmation disabled")
	}

	app := &handlers.App{
		Ledger:           ledgerSvc,
		Engine:           eng,
		Ingestor:         ingestor,
		Confirmer:        confirmer,
		Identity:         identity.NewProcessor(ledgerSvc, jobs, workspaces, store, logger),
		IdentityVerifier: identity.NewVerifier(cfg.IdentityWebhookSecret),
		Artifacts:        store,
		Jobs:             jobs,
		Workspaces:       workspaces,
		Geo:              geo,
		Logger:           logger,
	}

	router := httpapi.NewRouter(cfg, logger, app)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && err != os.ErrClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
