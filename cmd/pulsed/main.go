// Pulse daemon - conversation intelligence and rule automation
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quantumlife/pulse/internal/actions"
	"github.com/quantumlife/pulse/internal/api"
	"github.com/quantumlife/pulse/internal/config"
	"github.com/quantumlife/pulse/internal/conversation"
	"github.com/quantumlife/pulse/internal/core"
	"github.com/quantumlife/pulse/internal/intelligence"
	"github.com/quantumlife/pulse/internal/lexicon"
	"github.com/quantumlife/pulse/internal/llm"
	"github.com/quantumlife/pulse/internal/logging"
	"github.com/quantumlife/pulse/internal/notifications"
	"github.com/quantumlife/pulse/internal/proactive"
	"github.com/quantumlife/pulse/internal/rules"
	"github.com/quantumlife/pulse/internal/scheduler"
	"github.com/quantumlife/pulse/internal/storage"
	"github.com/quantumlife/pulse/internal/window"
)

var log = logging.WithField("component", "pulsed")

var (
	configPath string
	dataDir    string
	port       int
	logLevel   string
)

const notificationRetention = 30 * 24 * time.Hour

func main() {
	rootCmd := &cobra.Command{
		Use:           "pulsed",
		Short:         "Pulse daemon - conversation insights and automation",
		RunE:          runDaemon,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "config file (default $HOME/.pulse/config.json)")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory")
	rootCmd.Flags().IntVar(&port, "port", 0, "HTTP server port")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, cfg.Validate()
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logging.SetLevel(logging.ParseLevel(cfg.Logging.Level))
	logging.SetFormat(logging.Format(cfg.Logging.Format))
	defer logging.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	// Storage
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.Open(storage.Config{Driver: cfg.Storage.Driver, Path: cfg.DBPath()})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	// Lexicon
	lex, err := lexicon.Load(cfg.Lexicon.Path)
	if err != nil {
		return fmt.Errorf("load lexicon: %w", err)
	}
	lexProvider := lexicon.NewProvider(lex)
	if cfg.Lexicon.Path != "" && cfg.Lexicon.Watch {
		watcher, err := lexicon.NewWatcher(cfg.Lexicon.Path, lexProvider, func(*lexicon.Lexicon) {
			log.Info("Lexicon reloaded from %s", cfg.Lexicon.Path)
		})
		if err != nil {
			log.Warn("Lexicon hot reload unavailable: %v", err)
		} else if err := watcher.Start(ctx); err != nil {
			log.Warn("Lexicon hot reload unavailable: %v", err)
		} else {
			defer watcher.Stop()
		}
	}

	// Rules
	engine := rules.NewEngine(rules.Options{
		Location: loc,
		Lexicon:  lexProvider,
		Store:    storage.NewRuleStore(db),
	})
	if err := engine.LoadStore(ctx); err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	for _, inv := range engine.Invalid() {
		log.WithField("rule_id", inv.RuleID).Warn("Rule cannot fire (%s): %s", inv.Kind, inv.Error)
	}

	sched, err := scheduler.NewScheduler(scheduler.Config{Timezone: cfg.Rules.Timezone})
	if err != nil {
		return err
	}

	// Generation
	router := llm.NewRouterFromConfig(cfg.AI)
	if len(router.Providers()) == 0 {
		log.Warn("No AI provider configured, ai_generate actions will fail")
	} else {
		log.Info("AI providers: %v", router.Providers())
	}

	// Notifications
	notifs := notifications.NewService(db)
	defer notifs.Close()
	if cfg.Redis.Enabled {
		pub, err := notifications.NewRedisPublisher(cfg.Redis)
		if err != nil {
			log.Warn("Redis publisher disabled: %v", err)
		} else if err := pub.Ping(ctx); err != nil {
			log.Warn("Redis not reachable, publisher disabled: %v", err)
			pub.Close()
		} else {
			notifs.AddPublisher(pub)
			log.Info("Publishing notifications to redis stream %s", pub.Stream())
		}
	}

	// Dispatch
	hub := api.NewWebSocketHub(cfg.Server.AllowedOrigins...)
	var convs *conversation.Service
	dispatcher, err := actions.NewDispatcher(actions.ConfigFrom(cfg.Dispatch), actions.Options{
		Messenger: api.NewMessenger(hub),
		Notifier:  notifs,
		Generator: router,
		Committer: engine,
		Timers:    sched,
		OnFailure: func(m core.RuleMatch, stage string, err error) {
			convs.ReportFailure(m, stage, err)
		},
	})
	if err != nil {
		return err
	}
	defer dispatcher.Close()

	// Conversations
	aggregator := proactive.NewAggregator()
	convs = conversation.New(conversation.Options{
		Windows: window.NewManager(window.Options{
			MaxMessages: cfg.Window.MaxMessages,
			MaxAge:      cfg.Window.MaxAge(),
		}),
		Engine:     engine,
		Aggregator: aggregator,
		Dispatcher: dispatcher,
		Lexicon:    lexProvider,
		Insights:   intelligence.InsightConfig{StaleDays: cfg.Insights.StaleDays},
	})
	defer convs.Close()

	proactiveSvc := proactive.NewService(aggregator, proactive.DefaultServiceConfig())
	if err := proactiveSvc.Start(ctx); err != nil {
		return err
	}
	defer proactiveSvc.Stop()

	// Periodic work
	if err := sched.Register(scheduler.IntervalTask("rules-tick", "Clock rules and staleness",
		cfg.Rules.TickInterval(), func(ctx context.Context) error {
			_, err := convs.Tick(ctx, time.Now())
			return err
		})); err != nil {
		return err
	}
	if err := sched.Register(scheduler.DailyTask("notifications-cleanup", "Drop old notifications",
		"03:30", func(ctx context.Context) error {
			_, err := notifs.Cleanup(ctx, notificationRetention)
			return err
		})); err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop()

	// API
	server := api.New(api.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Conversations:  convs,
		Dispatcher:     dispatcher,
		Notifications:  notifs,
		Proactive:      proactiveSvc,
		LLMRouter:      router,
		DB:             db,
		Hub:            hub,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	log.WithFields(map[string]interface{}{
		"rules":  len(engine.List()),
		"driver": db.Driver(),
	}).Info("Pulse started")

	select {
	case err = <-errCh:
	case <-ctx.Done():
		log.Info("Shutting down...")
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		err = server.Stop(shutdownCtx)
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}
