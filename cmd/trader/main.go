package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gregtusar/rangebreak/api"
	"github.com/gregtusar/rangebreak/internal/config"
	"github.com/gregtusar/rangebreak/pkg/ibkr"
	"github.com/gregtusar/rangebreak/pkg/notify"
	"github.com/gregtusar/rangebreak/pkg/store"
	"github.com/gregtusar/rangebreak/pkg/trader"
)

var cfgFile string

func main() {
	// Best effort; a missing .env is fine.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "rangebreak",
		Short: "Opening-range breakout trading system",
		Long:  `Automated opening-range breakout trader for a brokerage REST API: derives a live session token, tracks opening ranges over a daily candidate set, and enters breakouts with stop-loss management`,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(
		runCmd(),
		connectCmd(),
		phaseCmd("scan", "Resolve and promote today's candidates", func(ctx context.Context, app *app) int {
			return app.orch.Scan(ctx)
		}),
		phaseCmd("ranges", "Track opening ranges for today's candidates", func(ctx context.Context, app *app) int {
			return app.orch.TrackRanges(ctx)
		}),
		phaseCmd("trade", "Run one breakout entry pass", func(ctx context.Context, app *app) int {
			return app.orch.Trade(ctx)
		}),
		phaseCmd("manage", "Run one position management pass", func(ctx context.Context, app *app) int {
			return app.orch.Manage(ctx)
		}),
		statusCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// app holds the wired component graph shared by all subcommands.
type app struct {
	cfg     *config.Config
	logger  *logrus.Logger
	session *ibkr.SessionManager
	orch    *trader.Orchestrator
	repo    store.CandidateRepository
	pos     store.PositionRepository
	stream  *ibkr.QuoteStream
}

func buildApp() (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := newLogger(cfg.Logging)

	cred, err := ibkr.LoadCredential(ibkr.CredentialConfig{
		ConsumerKey:       cfg.Broker.ConsumerKey,
		AccessToken:       cfg.Broker.AccessToken,
		AccessTokenSecret: cfg.Broker.AccessTokenSecret,
		DHPrimeHex:        cfg.Broker.DHPrime,
		Realm:             cfg.Broker.Realm,
		SigningKeyPath:    cfg.Broker.SigningKeyPath,
		EncryptionKeyPath: cfg.Broker.EncryptionKeyPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load broker credential: %w", err)
	}

	deriver := ibkr.NewDeriver(cred, cfg.Broker.BaseURL, logger)
	exec := ibkr.NewExecutor(cred, deriver, cfg.Broker.BaseURL, ibkr.ExecutorConfig{
		MaxRetries:  cfg.Broker.MaxRetries,
		BackoffBase: time.Duration(cfg.Broker.BackoffBaseMillis) * time.Millisecond,
		ExpirySkew:  time.Duration(cfg.Broker.ExpirySkewSecs) * time.Second,
		RateLimit:   cfg.Broker.RateLimit,
	}, logger)

	session := ibkr.NewSessionManager(exec, ibkr.SessionConfig{
		PollInterval:      time.Duration(cfg.Broker.PollIntervalSecs) * time.Second,
		MaxPollAttempts:   cfg.Broker.MaxPollAttempts,
		SettleDelay:       time.Duration(cfg.Broker.SettleDelaySecs) * time.Second,
		KeepaliveInterval: time.Duration(cfg.Broker.KeepaliveSecs) * time.Second,
		PaperOnly:         cfg.Broker.PaperOnly,
		PaperPrefix:       cfg.Broker.PaperPrefix,
	}, logger)

	var stream *ibkr.QuoteStream
	if cfg.Broker.StreamQuotes {
		stream = ibkr.NewQuoteStream(cfg.Broker.WebSocketURL, exec, logger)
	}

	md := ibkr.NewMarketDataGateway(exec, stream, logger)
	orders := ibkr.NewOrderGateway(exec, session, md, logger)

	var repo store.CandidateRepository
	var positions store.PositionRepository
	if cfg.Database.UseMemory || cfg.Database.DSN == "" {
		mem := store.NewMemoryStore()
		repo, positions = mem, mem.Positions()
		logger.Warn("Using in-memory store; candidates and positions will not survive a restart")
	} else {
		pg, err := store.NewPostgresStore(cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		repo, positions = pg, pg.Positions()
	}

	var sink notify.Sink = notify.NopSink{}
	if cfg.Notify.WebhookURL != "" {
		sink = notify.NewWebhookSink(cfg.Notify.WebhookURL, logger)
	}

	loc, err := time.LoadLocation(cfg.Trading.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Trading.Timezone, err)
	}

	tracker := trader.NewRangeTracker(md, repo, trader.RangeConfig{
		SessionOpen: cfg.Trading.SessionOpen,
		Duration:    time.Duration(cfg.Trading.RangeMinutes) * time.Minute,
		Location:    loc,
	}, logger)

	tr := trader.NewTrader(md, orders, repo, positions, sink, trader.TradingConfig{
		Allocation:          cfg.Trading.Allocation,
		MaxShares:           cfg.Trading.MaxShares,
		DefaultStopPct:      cfg.Trading.DefaultStopPct,
		PartialExitDays:     cfg.Trading.PartialExitDays,
		PartialExitFraction: cfg.Trading.PartialExitFraction,
	}, logger)

	orch := trader.NewOrchestrator(session, tracker, tr, md, repo, positions, sink, logger)

	return &app{
		cfg:     cfg,
		logger:  logger,
		session: session,
		orch:    orch,
		repo:    repo,
		pos:     positions,
		stream:  stream,
	}, nil
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the full trading daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			apiServer := api.NewServer(app.orch, app.repo, app.pos, app.logger,
				fmt.Sprintf("%d", app.cfg.Server.Port), app.cfg.Server.APISecret)
			go func() {
				if err := apiServer.Start(); err != nil {
					app.logger.WithError(err).Fatal("Failed to start API server")
				}
			}()

			go func() {
				interval := time.Duration(app.cfg.Trading.LoopSecs) * time.Second
				if err := app.orch.Run(ctx, interval); err != nil && ctx.Err() == nil {
					app.logger.WithError(err).Error("Strategy loop stopped")
				}
			}()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			app.logger.Info("Rangebreak trader is running. Press Ctrl+C to stop.")
			<-sigChan
			app.logger.Info("Received shutdown signal")

			cancel()
			app.session.Disconnect()
			if app.stream != nil {
				app.stream.Close()
			}

			app.logger.Info("Rangebreak trader stopped")
			return nil
		},
	}
}

func connectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Verify broker connectivity and credential derivation",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp()
			if err != nil {
				return err
			}
			defer app.session.Disconnect()

			if err := app.session.Connect(cmd.Context()); err != nil {
				return err
			}
			app.logger.WithField("account_id", app.session.AccountID()).Info("Connectivity check passed")
			return nil
		},
	}
}

func phaseCmd(name, short string, fn func(ctx context.Context, app *app) int) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp()
			if err != nil {
				return err
			}
			defer app.session.Disconnect()

			n := fn(cmd.Context(), app)
			app.logger.WithFields(logrus.Fields{"phase": name, "result": n}).Info("Phase complete")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report connectivity and book state",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp()
			if err != nil {
				return err
			}
			defer app.session.Disconnect()

			report := app.orch.HealthCheck(cmd.Context())
			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}
