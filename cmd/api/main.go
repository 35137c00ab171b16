// Package main is the entry point for the API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/patientbuddy/chat-platform/internal/config"
	"github.com/patientbuddy/chat-platform/internal/gateway"
	"github.com/patientbuddy/chat-platform/internal/handler"
	"github.com/patientbuddy/chat-platform/internal/identity"
	"github.com/patientbuddy/chat-platform/internal/llm"
	"github.com/patientbuddy/chat-platform/internal/lock"
	natsclient "github.com/patientbuddy/chat-platform/internal/nats"
	"github.com/patientbuddy/chat-platform/internal/service"
	"github.com/patientbuddy/chat-platform/internal/store"
	"github.com/patientbuddy/chat-platform/pkg/logger"
	"github.com/patientbuddy/chat-platform/pkg/tracing"
)

// leaseMargin keeps a thread lease alive past the turn deadline so the final
// write still runs under it.
const leaseMargin = 30 * time.Second

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.NewFromEnv(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := run(cfg, log); err != nil {
		log.Error("server exited", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log.Info("starting API server",
		zap.String("backend", cfg.AssistantBackend),
		zap.String("store", cfg.StoreDriver),
		zap.String("lock", cfg.LockDriver),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "chat-platform", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	// Storage
	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	st, err := store.Open(startCtx, cfg.StoreDriver, cfg.DatabaseURL, true)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// Per-thread leases
	var locker lock.Locker = lock.NewMemory()
	if cfg.LockDriver == "redis" {
		rdb, err := lock.NewRedisClient(startCtx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		locker = lock.NewRedis(rdb, cfg.TurnTimeout+leaseMargin)
	}

	gw, err := newGateway(cfg)
	if err != nil {
		return err
	}

	// Optional JetStream outbox
	var (
		outbox *natsclient.TurnOutbox
		health = map[string]handler.Pinger{"store": st}
	)
	if cfg.NATSURL != "" {
		natsClient, err := natsclient.Connect(startCtx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return err
		}
		defer natsClient.Close()

		outbox = natsclient.NewTurnOutbox(natsClient, log)
		if err := outbox.EnsureStream(startCtx); err != nil {
			return fmt.Errorf("ensure stream: %w", err)
		}
		health["outbox"] = outbox
	} else {
		log.Warn("NATS_URL not set, turns that fail to persist will not be reconciled")
	}

	// Initialize services
	auth := identity.NewAuthenticator(cfg.JWTSecret, cfg.JWTExpiration)
	userSvc := service.NewUserService(st, auth, log)
	conversationSvc := service.NewConversationService(st, log)

	var chatOutbox service.Outbox
	if outbox != nil {
		chatOutbox = outbox
	}
	chatSvc := service.NewChatService(st, gw, locker, chatOutbox, service.ChatConfig{
		TurnTimeout:    cfg.TurnTimeout,
		PersistRetries: cfg.PersistRetries,
	}, log)

	router := handler.NewRouter(handler.RouterConfig{
		Chat:              chatSvc,
		Conversations:     conversationSvc,
		Users:             userSvc,
		Auth:              auth,
		Health:            health,
		AllowedOrigins:    cfg.CORSAllowedOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		Logger:            log,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ServerReadTimeout,
		WriteTimeout:      cfg.ServerWriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if outbox != nil {
		reconciler := service.NewReconciler(st, locker, outbox, log)
		g.Go(func() error {
			return reconciler.Run(gctx, outbox)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")

		// In-flight turns get the full turn timeout to finish and persist.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.TurnTimeout+leaseMargin)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}

func newGateway(cfg *config.Config) (gateway.Gateway, error) {
	switch cfg.AssistantBackend {
	case config.BackendAssistants:
		oaCfg := openai.DefaultConfig(cfg.OpenAIAPIKey)
		return gateway.NewAssistants(
			openai.NewClientWithConfig(oaCfg),
			gateway.NewHTTPRunStreamer(cfg.OpenAIAPIKey, oaCfg),
			cfg.OpenAIAssistantID,
		), nil
	case config.BackendOpenAI:
		client, err := llm.NewClient(llm.ProviderOpenAI, cfg.OpenAIAPIKey)
		if err != nil {
			return nil, fmt.Errorf("create OpenAI client: %w", err)
		}
		return gateway.NewCompletion(client, cfg.LLMModel), nil
	case config.BackendAnthropic:
		client, err := llm.NewClient(llm.ProviderAnthropic, cfg.AnthropicAPIKey)
		if err != nil {
			return nil, fmt.Errorf("create Anthropic client: %w", err)
		}
		return gateway.NewCompletion(client, cfg.LLMModel), nil
	default:
		return nil, fmt.Errorf("unknown assistant backend %q", cfg.AssistantBackend)
	}
}
