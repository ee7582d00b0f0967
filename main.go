package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"hunch-copytrader/api"
	"hunch-copytrader/config"
	"hunch-copytrader/handlers"
	"hunch-copytrader/middleware"
	"hunch-copytrader/models"
	"hunch-copytrader/queue"
	"hunch-copytrader/storage"
	"hunch-copytrader/syncer"
	"hunch-copytrader/wallet"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	cfgFile string
	logger  *logrus.Logger
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	rootCmd := &cobra.Command{
		Use:   "copytrader",
		Short: "Copy-trade job executor",
		Long:  `Executes copy-trade jobs: replicates a leader's trade into a follower's custodial wallet within the follower's budget, at most once.`,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(serveCmd(), migrateCmd(), stalePendingCmd(), enqueueCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	logger = logrus.New()
	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*storage.PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return storage.NewPostgres(ctx, storage.Options{
		Host:          cfg.Postgres.Host,
		Port:          cfg.Postgres.Port,
		User:          cfg.Postgres.User,
		Password:      cfg.Postgres.Password,
		Database:      cfg.Postgres.Database,
		SSLMode:       cfg.Postgres.SSLMode,
		MaxConns:      cfg.Postgres.MaxConns,
		MinConns:      cfg.Postgres.MinConns,
		RedisAddr:     cfg.Redis.Addr,
		RedisPassword: cfg.Redis.Password,
		RedisDB:       cfg.Redis.DB,
	})
}

type closableKeyStore interface {
	wallet.KeyStore
	Close() error
}

type nopCloser struct{ wallet.KeyStore }

func (nopCloser) Close() error { return nil }

func openKeyStore(ctx context.Context, cfg *config.Config) (closableKeyStore, error) {
	if cfg.Custody.Mode == config.CustodyGCP {
		keys, err := wallet.NewSecretManagerKeyStore(ctx, cfg.Custody.ProjectID, cfg.Custody.SecretPrefix, cfg.Custody.CredentialsFile, logger)
		if err != nil {
			return nil, err
		}
		return keys, nil
	}
	keys, err := wallet.ParseStaticKeys(cfg.Custody.StaticKeys)
	if err != nil {
		return nil, err
	}
	return nopCloser{keys}, nil
}

func kafkaConfig(cfg *config.Config) queue.Config {
	return queue.Config{
		Brokers:       cfg.Kafka.Brokers,
		Topic:         cfg.Kafka.Topic,
		GroupID:       cfg.Kafka.GroupID,
		DLQTopic:      cfg.Kafka.DLQTopic,
		Subject:       cfg.Kafka.Subject,
		MaxDeliveries: cfg.Kafka.MaxDeliveries,
		RetryBackoff:  cfg.Kafka.RetryBackoff,
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the job endpoint and, when enabled, consume jobs from Kafka",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to init storage: %w", err)
	}
	defer store.Close()
	logger.WithField("postgres", cfg.PostgresAddr()).Info("Connected to storage")

	chain, err := wallet.DialRPC(ctx, cfg.Chain.RPCURL, cfg.Chain.Commitment)
	if err != nil {
		return fmt.Errorf("failed to dial chain rpc: %w", err)
	}
	defer chain.Close()

	keys, err := openKeyStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to init key store: %w", err)
	}
	defer keys.Close()

	markets := api.NewMarketClient(cfg.Markets.BaseURL, cfg.Markets.SettlementAsset, store, logger)
	broker := api.NewBrokerClient(cfg.Broker.BaseURL, cfg.Broker.APIKey,
		api.WithRateLimit(cfg.Broker.RateLimit, cfg.Broker.RateBurst))
	signer := wallet.NewSigner(keys, chain, wallet.SignerConfig{
		ConfirmInterval: cfg.Chain.ConfirmInterval,
		ConfirmAttempts: cfg.Chain.ConfirmAttempts,
	}, logger)

	executor := syncer.NewCopyExecutor(store, markets, broker, signer, syncer.ExecutorConfig{
		StableAsset:    cfg.Broker.StableAsset,
		StableDecimals: cfg.Broker.StableDecimals,
		SlippageBps:    cfg.Broker.SlippageBps,
		PollInterval:   cfg.Broker.PollInterval,
		PollAttempts:   cfg.Broker.PollAttempts,
	}, logger)

	verifier, err := middleware.NewVerifier(cfg.Signing.CurrentKey, cfg.Signing.NextKey)
	if err != nil {
		return err
	}

	operatorAuth := func(c *gin.Context) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "operator endpoints disabled"})
	}
	if cfg.Server.AdminUser != "" {
		operatorAuth = middleware.BasicAuth(cfg.Server.AdminUser, cfg.Server.AdminPassword)
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	h := handlers.NewHandler(executor, store, logger)
	h.RegisterRoutes(r, middleware.JobSignature(verifier, cfg.Server.CallbackURL, logger), operatorAuth)

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.WithField("addr", srv.Addr).Info("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("Shutting down server")
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.Kafka.Enabled {
		consumer := queue.NewJobConsumer(kafkaConfig(cfg), verifier, executor, logger)
		g.Go(func() error {
			defer consumer.Close()
			return consumer.Run(gctx)
		})
	}

	return g.Wait()
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to init storage: %w", err)
			}
			defer store.Close()

			if err := store.EnsureSchema(cmd.Context()); err != nil {
				return err
			}
			logger.Info("Schema applied")
			return nil
		},
	}
}

func stalePendingCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "stale-pending",
		Short: "Print execution records stuck in pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to init storage: %w", err)
			}
			defer store.Close()

			logs, err := store.ListStalePendingCopyLogs(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, l := range logs {
				if err := enc.Encode(l); err != nil {
					return err
				}
			}
			logger.WithField("count", len(logs)).Info("Stale pending records listed")
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 10*time.Minute, "minimum age of a pending record")
	return cmd
}

func enqueueCmd() *cobra.Command {
	var job models.CopyJob
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Publish a signed copy job to Kafka",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Signing.CurrentKey == "" {
				return errors.New("signing.current_key is required to sign jobs")
			}

			publisher := queue.NewJobPublisher(kafkaConfig(cfg), cfg.Signing.CurrentKey)
			defer publisher.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := publisher.Publish(ctx, job); err != nil {
				return err
			}
			logger.WithFields(logrus.Fields{
				"leader_trade_id": job.LeaderTradeID,
				"follower_id":     job.FollowerID,
				"topic":           cfg.Kafka.Topic,
			}).Info("Job enqueued")
			return nil
		},
	}
	cmd.Flags().StringVar(&job.LeaderTradeID, "leader-trade-id", "", "leader trade to copy")
	cmd.Flags().StringVar(&job.FollowerID, "follower-id", "", "follower to copy into")
	_ = cmd.MarkFlagRequired("leader-trade-id")
	_ = cmd.MarkFlagRequired("follower-id")
	return cmd
}
