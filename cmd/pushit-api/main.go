package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pushit-labs/pushit/backend/internal/auth"
	"github.com/pushit-labs/pushit/backend/internal/config"
	"github.com/pushit-labs/pushit/backend/internal/database"
	"github.com/pushit-labs/pushit/backend/internal/holds"
	"github.com/pushit-labs/pushit/backend/internal/logging"
	"github.com/pushit-labs/pushit/backend/internal/polls"
	"github.com/pushit-labs/pushit/backend/internal/queue"
	"github.com/pushit-labs/pushit/backend/internal/server"
	"github.com/pushit-labs/pushit/backend/internal/stats"
	"github.com/pushit-labs/pushit/backend/internal/users"
	"github.com/pushit-labs/pushit/backend/internal/votes"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pushit-api",
		Short: "Push It! polling and presence backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")
	cmd.PersistentFlags().Int("heartbeat-interval-s", defaults.GetInt("hold.heartbeat_interval_s"), "Hold heartbeat interval in seconds")
	cmd.PersistentFlags().Int("liveness-timeout-s", defaults.GetInt("hold.liveness_timeout_s"), "Hold liveness timeout in seconds")
	cmd.PersistentFlags().Int("hold-duration-s", defaults.GetInt("hold.duration_s"), "Hold-to-vote confirmation window in seconds")
	cmd.PersistentFlags().Int("reap-interval-s", defaults.GetInt("sweep.reap_interval_s"), "Stale hold sweep interval in seconds")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for rate limiting (empty disables)")
	cmd.PersistentFlags().String("amqp-url", defaults.GetString("amqp.url"), "AMQP broker URL for lifecycle events (empty disables)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "hold.heartbeat_interval_s", "heartbeat-interval-s")
	bindFlag(cmd, "hold.liveness_timeout_s", "liveness-timeout-s")
	bindFlag(cmd, "hold.duration_s", "hold-duration-s")
	bindFlag(cmd, "sweep.reap_interval_s", "reap-interval-s")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "amqp.url", "amqp-url")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

type uuidProvider struct{}

func (p uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "pushit-auth",
		Audience:      "pushit-api",
	})

	holdService, err := holds.NewService(holds.ServiceConfig{
		Database:          db,
		Clock:             time.Now,
		IDProvider:        uuidProvider{},
		Logger:            logger,
		HeartbeatInterval: appConfig.HeartbeatInterval,
		LivenessTimeout:   appConfig.LivenessTimeout,
	})
	if err != nil {
		return err
	}

	pollService, err := polls.NewService(polls.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: uuidProvider{},
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	voteService, err := votes.NewService(votes.ServiceConfig{
		Database:     db,
		Clock:        time.Now,
		Holds:        holdService,
		Logger:       logger,
		HoldDuration: appConfig.HoldDuration,
	})
	if err != nil {
		return err
	}

	statsService, err := stats.NewService(stats.ServiceConfig{
		Database: db,
		Holds:    holdService,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	dispatcher := server.NewRealtimeDispatcher()
	events := queue.NewPublisher(appConfig.AMQPURL, logger)

	var redisClient *redis.Client
	if appConfig.RedisAddress != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: appConfig.RedisAddress})
		defer redisClient.Close()
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		Holds:        holdService,
		Polls:        pollService,
		Votes:        voteService,
		Stats:        statsService,
		Users:        userService,
		Realtime:     dispatcher,
		Events:       events,
		Logger:       logger,
		RateLimiter: server.NewRateLimiter(server.RateLimitConfig{
			Client:          redisClient,
			Capacity:        appConfig.RateCapacity,
			RefillPerSecond: appConfig.RateRefillPerSec,
			Logger:          logger,
		}),
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reaper := holds.NewReaper(holds.ReaperConfig{
		Service:  holdService,
		Interval: appConfig.ReapInterval,
		Logger:   logger,
		OnSweep: func(reaped, active int64) {
			now := time.Now().UTC()
			dispatcher.Publish(server.RealtimeMessage{
				Topic:       server.TopicHolds,
				EventType:   server.RealtimeEventHoldChanged,
				ActiveCount: active,
				Timestamp:   now,
			})
			_ = events.Publish(signalCtx, queue.QueueHoldReaped, queue.HoldReapedEvent{
				Reaped:      reaped,
				ActiveCount: active,
				SweptAt:     now,
			})
		},
	})
	go reaper.Run(signalCtx)

	archiver := polls.NewArchiver(polls.ArchiverConfig{
		Service:   pollService,
		Interval:  appConfig.ArchiveInterval,
		Retention: appConfig.StaleRetention,
		Logger:    logger,
		OnArchive: func(archived, deleted int64) {
			now := time.Now().UTC()
			dispatcher.Publish(server.RealtimeMessage{
				Topic:     server.TopicPolls,
				EventType: server.RealtimeEventPollChanged,
				Timestamp: now,
			})
			if archived > 0 {
				_ = events.Publish(signalCtx, queue.QueuePollArchived, queue.PollLifecycleEvent{
					Archived: archived,
					SweptAt:  now,
				})
			}
			if deleted > 0 {
				_ = events.Publish(signalCtx, queue.QueuePollDeleted, queue.PollLifecycleEvent{
					Deleted: deleted,
					SweptAt: now,
				})
			}
		},
	})
	go archiver.Run(signalCtx)

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
