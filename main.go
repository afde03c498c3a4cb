package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v9"

	"github.com/bytechat/engine/pkg/database"
	"github.com/bytechat/engine/pkg/domain"
	"github.com/bytechat/engine/pkg/engine"
	"github.com/bytechat/engine/pkg/logger"
	"github.com/bytechat/engine/pkg/provider"
	"github.com/bytechat/engine/pkg/repository"
	"github.com/bytechat/engine/pkg/storage"
	"github.com/bytechat/engine/pkg/transport"
	"github.com/bytechat/engine/pkg/workers"
)

type Config struct {
	Provider    string  `env:"BYTECHAT_PROVIDER" envDefault:"openai"`
	Model       string  `env:"BYTECHAT_MODEL"`
	Temperature float64 `env:"BYTECHAT_TEMPERATURE"`
	MaxTokens   int     `env:"BYTECHAT_MAX_TOKENS"`

	OpenAIKey    string `env:"OPENAI_API_KEY"`
	AnthropicKey string `env:"ANTHROPIC_API_KEY"`
	GeminiKey    string `env:"GEMINI_API_KEY"`

	// AccessToken is the managed-identity token. When set, every call goes to
	// the metered backend and the provider keys above are ignored.
	AccessToken string `env:"BYTECHAT_ACCESS_TOKEN"`
	BackendURL  string `env:"BYTECHAT_BACKEND_URL"`

	OpenAIBaseURL    string `env:"BYTECHAT_OPENAI_BASE_URL"`
	AnthropicBaseURL string `env:"BYTECHAT_ANTHROPIC_BASE_URL"`
	GeminiBaseURL    string `env:"BYTECHAT_GEMINI_BASE_URL"`

	StoreDriver   string `env:"BYTECHAT_STORE" envDefault:"bolt"`
	StorePath     string `env:"BYTECHAT_STORE_PATH" envDefault:".bytechat/store.db"`
	StoreCapacity int64  `env:"BYTECHAT_STORE_CAPACITY" envDefault:"1048576"`
	MirrorPath    string `env:"BYTECHAT_MIRROR_PATH" envDefault:".bytechat/mirror.json"`
	PgURL         string `env:"DATABASE_URL"`

	MaintenanceInterval time.Duration `env:"BYTECHAT_MAINTENANCE_INTERVAL" envDefault:"1m"`
	MirrorSyncInterval  time.Duration `env:"BYTECHAT_MIRROR_SYNC_INTERVAL" envDefault:"1m"`
}

func main() {
	slog.SetDefault(slog.New(logger.NewHandler(os.Stderr, logger.DefaultOptions)))

	if err := runMain(); err != nil {
		slog.Error("shutting down due to error", logger.Err(err))
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

func runMain() error {
	workerGroup, err := setupWorkers()
	if err != nil {
		return err
	}

	ctx, cancelFn := context.WithCancel(context.Background())
	defer cancelFn()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGHUP)
		select {
		case s := <-sigCh:
			slog.Info("shutting down due to signal", "signal", s.String())
			cancelFn()
		case <-ctx.Done():
		}
	}()

	return workerGroup.Start(ctx)
}

func setupWorkers() (workers.Group, error) {
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parsing env config: %w", err)
	}

	primary, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening primary store: %w", err)
	}

	var mirror storage.Store
	if cfg.MirrorPath != "" {
		if mirror, err = storage.NewFile(cfg.MirrorPath, 0); err != nil {
			return nil, fmt.Errorf("opening mirror store: %w", err)
		}
	}

	checkpoints := repository.NewCheckpointRepository(primary)
	sessions := repository.NewSessionRepository(primary, mirror)
	quota := repository.NewQuotaRepository(primary)

	registry := provider.NewRegistry(provider.Config{
		OpenAIBaseURL:    cfg.OpenAIBaseURL,
		AnthropicBaseURL: cfg.AnthropicBaseURL,
		GeminiBaseURL:    cfg.GeminiBaseURL,
		MeteredBaseURL:   cfg.BackendURL,
	})
	dispatcher := transport.NewDispatcher(registry, quota)
	completionEngine := engine.NewEngine(dispatcher, checkpoints, sessions, quota)

	base, err := baseRequest(cfg)
	if err != nil {
		return nil, err
	}

	return workers.Group{
		workers.NewConsoleChat(completionEngine, base, os.Stdin, os.Stdout),
		workers.NewSessionMaintenance(sessions, cfg.MaintenanceInterval),
		workers.NewReplicaSync(sessions, cfg.MirrorSyncInterval),
	}, nil
}

func openStore(cfg Config) (storage.Store, error) {
	switch cfg.StoreDriver {
	case "memory":
		return storage.NewMemory(cfg.StoreCapacity), nil
	case "file":
		return storage.NewFile(cfg.StorePath, cfg.StoreCapacity)
	case "bolt":
		return storage.NewBolt(cfg.StorePath, cfg.StoreCapacity)
	case "sqlite":
		return storage.NewSQLite(cfg.StorePath, cfg.StoreCapacity)
	case "postgres":
		db, err := database.NewPostgres(cfg.PgURL)
		if err != nil {
			return nil, err
		}
		return storage.NewPostgres(db, cfg.StoreCapacity), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func baseRequest(cfg Config) (domain.StreamRequest, error) {
	target := domain.ProviderTarget(cfg.Provider)

	credential := domain.Credential{IdentityToken: cfg.AccessToken}
	switch target {
	case domain.ProviderOpenAI:
		credential.APIKey = cfg.OpenAIKey
	case domain.ProviderAnthropic:
		credential.APIKey = cfg.AnthropicKey
	case domain.ProviderGemini:
		credential.APIKey = cfg.GeminiKey
	default:
		return domain.StreamRequest{}, fmt.Errorf("unknown provider %q", cfg.Provider)
	}

	if credential.APIKey == "" && credential.IdentityToken == "" {
		return domain.StreamRequest{}, fmt.Errorf("no credential configured for provider %q", cfg.Provider)
	}

	return domain.StreamRequest{
		Target:      target,
		Model:       cfg.Model,
		Credential:  credential,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}, nil
}
