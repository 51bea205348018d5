package main

import (
	"context"
	"errors"
	"net/http"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/Tyrowin/lingochat/internal/chat"
	"github.com/Tyrowin/lingochat/internal/presence"
	"github.com/Tyrowin/lingochat/internal/server"
	"github.com/Tyrowin/lingochat/internal/storage"
	"github.com/Tyrowin/lingochat/internal/translate"
)

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	config := server.NewConfigFromEnv()

	logger, err := newLogger(config.LogLevel)
	if err != nil {
		panic(err)
	}

	logger.Info("starting LingoChat server",
		zap.String("port", config.Port),
		zap.String("broadcast_scope", string(config.BroadcastScope)),
		zap.Strings("allowed_origins", config.AllowedOrigins))
	if config.JWTSecret == "" {
		logger.Warn("JWT_SECRET is not set; REST API requests will be rejected")
	}

	store, err := storage.Open(config.DatabaseURL, storage.DefaultOptions(), logger.Named("storage"))
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	if err := store.EnsureDefaultRoom(context.Background()); err != nil {
		logger.Fatal("failed to create default room", zap.Error(err))
	}

	var cache *translate.Cache
	if config.RedisURL != "" {
		cache, err = translate.NewCacheFromURL(context.Background(), config.RedisURL, config.CacheTTL)
		if err != nil {
			// Translation keeps working without the cache.
			logger.Warn("translation cache disabled", zap.Error(err))
			cache = nil
		}
	}
	translator := translate.New(translate.Config{
		URL:     config.Translate.URL,
		APIKey:  config.Translate.APIKey,
		Timeout: config.Translate.Timeout,
	}, cache, logger.Named("translate"))

	service := chat.NewService(store, logger.Named("chat"))
	hub := server.NewHub(*config, service, presence.NewTracker(), logger.Named("hub"))
	service.SetBroadcaster(hub)
	go hub.Run()

	api := server.NewAPI(hub, service, translator, logger.Named("api"))
	router := server.SetupRoutes(hub, api, logger.Named("http"))
	httpServer := server.CreateServer(config.Port, router)

	go func() {
		if err := server.StartServer(httpServer, logger); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Operations may run concurrently, so the dependent steps share one
	// operation: stop accepting requests, close sockets, then release storage.
	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		config.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"lingochat": func(ctx context.Context) error {
				var errs []error
				if err := server.ShutdownServer(ctx, httpServer, logger); err != nil {
					errs = append(errs, err)
				}
				if err := hub.Shutdown(config.ShutdownTimeout); err != nil {
					errs = append(errs, err)
				}
				if cache != nil {
					if err := cache.Close(); err != nil {
						errs = append(errs, err)
					}
				}
				if err := store.Close(); err != nil {
					errs = append(errs, err)
				}
				return errors.Join(errs...)
			},
		},
	)

	exitCode := <-wait
	logger.Info("server exited", zap.Int("exit_code", exitCode))
	_ = logger.Sync()
	os.Exit(exitCode)
}

// newLogger builds a development logger for LOG_LEVEL=debug and a production
// logger at the requested level otherwise.
func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}

	cfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		lvl = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	cfg.Level = lvl
	return cfg.Build()
}
