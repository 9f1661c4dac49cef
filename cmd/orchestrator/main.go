package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/opencode-relay/orchestrator/internal/config"
	"github.com/opencode-relay/orchestrator/internal/glue"
	"github.com/opencode-relay/orchestrator/internal/httpapi"
	"github.com/opencode-relay/orchestrator/internal/infrastructure/portpool"
	"github.com/opencode-relay/orchestrator/internal/infrastructure/store"
	"github.com/opencode-relay/orchestrator/internal/manager"
	"github.com/opencode-relay/orchestrator/internal/redisclient"
	"github.com/opencode-relay/orchestrator/internal/sessionregistry"
	"github.com/opencode-relay/orchestrator/internal/streambridge"
	"github.com/opencode-relay/orchestrator/internal/transport"
	"github.com/opencode-relay/orchestrator/internal/transport/telegram"
	"github.com/opencode-relay/orchestrator/pkg/errchain"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "orchestrator",
		Short:   "Telegram-fronted orchestrator for a fleet of OpenCode processes",
		Version: Version,
	}
	root.SetVersionTemplate(fmt.Sprintf("orchestrator %s (commit %s, built %s)\n", Version, Commit, BuildTime))

	var configFile string
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to config file")

	root.AddCommand(serveCmd(&configFile), configCheckCmd(&configFile), diagCmd())
	return root
}

func buildLogger(env string) *zap.Logger {
	var cfg zap.Config
	if env == "dev" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.DisableStacktrace = true
	return zap.Must(cfg.Build())
}

func loadConfig(cmd *cobra.Command, configFile *string) (config.Config, error) {
	cfg, err := config.Load(cmd.Flags(), *configFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func configCheckCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config-check",
		Short: "Load and validate configuration, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configFile)
			if err != nil {
				return err
			}
			fmt.Printf("%+v\n", cfg)
			return nil
		},
	}
}

func diagCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diag",
		Short: "Print a diagnostic error chain for a synthetic failure",
		Long:  "Exercises the errchain package's unwrap-and-dump path; useful when triaging a wrapped error from the logs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			sample := fmt.Errorf("admin http: %w", fmt.Errorf("listen: %w", errors.New("address already in use")))
			errchain.PrintDebug(sample)
			return nil
		},
	}
}

func serveCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator: instance manager, admin API, and Telegram transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configFile)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
}

func run(cfg config.Config) error {
	log := buildLogger(cfg.Env)
	defer log.Sync()
	log = log.Named("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redisclient.New(cfg.RedisAddr, cfg.RedisDB, log)
	defer rdb.Close()

	st, err := store.New(ctx, log, rdb.Client, "ocr:instance:")
	if err != nil {
		return fmt.Errorf("instance store: %w", err)
	}

	ports := portpool.New(log, cfg.PortStart, cfg.PortPoolSize)

	mgr := manager.New(log, cfg, st, ports)
	if err := mgr.RecoverFromDB(ctx); err != nil {
		log.Warn("recover_from_db failed", zap.Error(err))
	}
	mgr.StartHealthLoop(ctx)

	bridge := streambridge.New(log, cfg.BatchInterval)
	sessions := sessionregistry.New(log, rdb.Client, "ocr:session:")

	var chat transport.ForumTransport
	var bot *tgbotapi.BotAPI
	if cfg.TelegramToken != "" {
		tg, err := telegram.New(log, cfg.TelegramToken)
		if err != nil {
			return fmt.Errorf("telegram transport: %w", err)
		}
		chat = tg
		bot = tg.BotAPI()
	} else {
		log.Warn("telegram_token not set; chat transport disabled")
	}

	g := glue.New(log, mgr, bridge, chat, sessions)

	admin, err := httpapi.New(log, cfg, mgr)
	if err != nil {
		return fmt.Errorf("admin http server: %w", err)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- admin.Run(ctx) }()
	if bot != nil {
		go runTelegramLoop(ctx, log, bot, g, sessions)
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error("server exited with error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout+2*time.Second)
	defer cancel()
	return mgr.Shutdown(shutdownCtx)
}

// runTelegramLoop polls Telegram long-poll updates and routes each to
// glue, following the transport's non-goal of owning no business logic
// itself (spec.md §1): this is composition in main, not in the telegram
// package.
func runTelegramLoop(ctx context.Context, log *zap.Logger, bot *tgbotapi.BotAPI, g *glue.Glue, sessions *sessionregistry.Registry) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			return
		case upd := <-updates:
			handleUpdate(ctx, log, g, upd)
		}
	}
}

func handleUpdate(ctx context.Context, log *zap.Logger, g *glue.Glue, upd tgbotapi.Update) {
	switch {
	case upd.Message != nil && upd.Message.MessageThreadID != 0:
		sessionID := fmt.Sprintf("%d:%d", upd.Message.Chat.ID, upd.Message.MessageThreadID)
		msg := transport.InboundMessage{
			ChatID:  fmt.Sprintf("%d", upd.Message.Chat.ID),
			TopicID: fmt.Sprintf("%d:%d", upd.Message.Chat.ID, upd.Message.MessageThreadID),
			Sender:  upd.Message.From.UserName,
			Text:    upd.Message.Text,
		}
		if err := g.HandleInbound(ctx, sessionID, msg); err != nil {
			log.Warn("handle inbound failed", zap.String("session_id", sessionID), zap.Error(err))
		}

	case upd.CallbackQuery != nil && strings.HasPrefix(upd.CallbackQuery.Data, "perm:"):
		parts := strings.SplitN(upd.CallbackQuery.Data, ":", 4)
		if len(parts) != 4 {
			return
		}
		cb := transport.PermissionCallback{
			SessionID:    parts[1],
			PermissionID: parts[2],
			Allow:        parts[3] == "allow",
		}
		if err := g.HandlePermissionCallback(ctx, cb); err != nil {
			log.Warn("handle permission callback failed", zap.String("session_id", cb.SessionID), zap.Error(err))
		}
	}
}
