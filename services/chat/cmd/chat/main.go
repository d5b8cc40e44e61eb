package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"learnloop/internal/ratelimit"
	"learnloop/internal/usertoken"
	"learnloop/internal/util"
	"learnloop/pkg/ai"
	"learnloop/pkg/queue"
	"learnloop/pkg/store"
	"learnloop/services/chat/internal/anchorclient"
	"learnloop/services/chat/internal/app"
	"learnloop/services/chat/internal/authclient"
	"learnloop/services/chat/internal/config"
	"learnloop/services/chat/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger("chat", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("chat service stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.FileConfig, logger *slog.Logger) error {
	var chatStore store.Store
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		gs, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("init postgres store: %w", err)
		}
		chatStore = gs
	} else {
		logger.Warn("databaseURL not set, using in-memory store")
		chatStore = store.NewMemoryStore()
	}

	completer, err := ai.NewCompleter(ai.ProviderConfig{
		Provider: cfg.CompletionProvider,
		Model:    cfg.CompletionModel,
		APIKey:   cfg.CompletionAPIKey,
		BaseURL:  cfg.CompletionBaseURL,
	})
	if err != nil {
		return fmt.Errorf("init completer: %w", err)
	}

	appCfg := app.Config{Store: chatStore, Completer: completer}
	if cfg.ContentServiceURL != "" {
		appCfg.Anchors = anchorclient.NewClient(cfg.ContentServiceURL)
	}

	var (
		titleQueue  *queue.TitleQueue
		sendLimiter server.Limiter
	)
	if strings.TrimSpace(cfg.RedisAddr) != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}

		if cfg.HistoryCacheTTLSeconds > 0 {
			ttl := time.Duration(cfg.HistoryCacheTTLSeconds) * time.Second
			appCfg.History = store.NewCachedHistory(chatStore, rdb, "", ttl)
		}
		titleQueue, err = queue.NewTitleQueue(rdb, queue.Config{
			Stream:     cfg.TitleQueueStream,
			Group:      cfg.TitleQueueGroup,
			MaxRetries: cfg.TitleMaxRetries,
		})
		if err != nil {
			return fmt.Errorf("init title queue: %w", err)
		}
		appCfg.Titles = app.NewQueueDispatcher(titleQueue)
		if cfg.SendRateLimitPerMinute > 0 {
			limiter, err := ratelimit.NewFixedWindowLimiter(rdb, "", cfg.SendRateLimitPerMinute, time.Minute)
			if err != nil {
				return fmt.Errorf("init send limiter: %w", err)
			}
			sendLimiter = limiter
		}
	}

	appCore, err := app.New(appCfg)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	if titleQueue != nil {
		workers := cfg.TitleWorkers
		if workers <= 0 {
			workers = 2
		}
		titleQueue.Start(ctx, workers, appCore.HandleTitleJob)
	}

	srvCfg := server.Config{
		App:            appCore,
		SendLimiter:    sendLimiter,
		AllowedOrigins: cfg.AllowedOrigins,
	}
	if cfg.AuthJWKSURL != "" {
		leeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
		if err != nil {
			return err
		}
		verifier, err := usertoken.NewVerifier(ctx, usertoken.Config{
			JWKSURL:    cfg.AuthJWKSURL,
			Issuer:     cfg.JWTIssuer,
			Audience:   cfg.JWTAudience,
			Leeway:     leeway,
			HTTPClient: &http.Client{Timeout: 5 * time.Second},
		})
		if err != nil {
			return fmt.Errorf("init jwks verifier: %w", err)
		}
		srvCfg.TokenVerifier = verifier
	}
	if cfg.AuthServiceURL != "" {
		srvCfg.Auth = authclient.NewClient(cfg.AuthServiceURL)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return fmt.Errorf("parse trusted proxies: %w", err)
	}
	srvCfg.TrustedProxies = trusted

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.New(srvCfg).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("chat server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", "err", err)
		}
	}
	appCore.Wait()
	return nil
}
