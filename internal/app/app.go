package app

import (
	"context"
	"log/slog"
	"net/http"

	httpapp "authcore/internal/app/http"
	"authcore/internal/config"
	authhttp "authcore/internal/http/auth"
	"authcore/internal/http/extract"
	"authcore/internal/lib/jwt"
	"authcore/internal/services/auth"
	"authcore/internal/services/cleanup"
	"authcore/internal/services/limiter"
	"authcore/internal/storage/memory"
	"authcore/internal/storage/mongodb"
	"authcore/internal/storage/redisattempts"
)

type App struct {
	HTTPSrv *httpapp.App
	Cleanup *cleanup.Scheduler
	storage *mongodb.Storage
}

func New(ctx context.Context, logger *slog.Logger, cfg *config.Config) *App {
	storage, err := mongodb.New(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
	if err != nil {
		panic(err)
	}

	// The attempt counter lives in Redis when the deployment is shared so
	// the limit holds across instances; the in-process store only throttles
	// per instance.
	var attempts limiter.AttemptStore
	if cfg.Redis.Enabled {
		client, err := redisattempts.Open(cfg.Redis.Addr)
		if err != nil {
			panic(err)
		}
		attempts = redisattempts.New(client)
	} else {
		attempts = memory.New()
	}

	attemptLimiter := limiter.New(logger, attempts, cfg.Auth.MaxAttempts, cfg.Auth.AttemptWindow)

	issuer := jwt.NewIssuer(
		cfg.Auth.AccessSecret,
		cfg.Auth.RefreshSecret,
		cfg.Auth.AccessTTL,
		cfg.Auth.RefreshTTL,
	)

	authService := auth.New(
		logger,
		storage,
		storage,
		storage,
		storage,
		attemptLimiter,
		issuer,
		cfg.Auth.SessionCap,
		cfg.Auth.FingerprintPepper,
		cfg.Auth.AllowUnlistedRefresh,
	)

	extractor, err := extract.FromNames(cfg.Auth.Extractors, authhttp.AccessCookieName)
	if err != nil {
		panic(err)
	}

	handler := authhttp.NewHandler(
		logger,
		authService,
		issuer,
		extractor,
		cfg.Auth.RefreshTTL,
		cfg.Env != "local",
	)

	mux := http.NewServeMux()
	handler.Register(mux)

	httpApp := httpapp.New(logger, mux, cfg.HTTP.Port, cfg.HTTP.Timeout, cfg.HTTP.CORSOrigins)

	scheduler := cleanup.New(
		logger,
		storage,
		storage,
		cfg.Cleanup.SessionInterval,
		cfg.Cleanup.RevokedInterval,
		cfg.Cleanup.BatchSize,
	)

	return &App{
		HTTPSrv: httpApp,
		Cleanup: scheduler,
		storage: storage,
	}
}

func (a *App) Close(ctx context.Context) error {
	return a.storage.Close(ctx)
}
