package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"okxflow/config"
	"okxflow/internal/channel"
	"okxflow/internal/dashboard"
	"okxflow/internal/metrics"
	"okxflow/logger"
	"okxflow/models"
	"okxflow/processor"
	"okxflow/reader/okx"
	"okxflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	path := config.ResolvePath(*configPath)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"path": path}).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	env := config.AppEnvironment()
	log.WithFields(logger.Fields{
		"service": cfg.Okxflow.Name,
		"version": cfg.Okxflow.Version,
		"env":     env,
		"config":  path,
	}).Info("starting okxflow")

	if err := run(cfg, env, log); err != nil {
		log.WithError(err).Error("okxflow stopped with error")
		os.Exit(1)
	}
	log.Info("okxflow stopped")
}

func run(cfg *config.Config, env string, log *logger.Log) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The ops server and reports outlive the ingest context so the final
	// drain stays observable.
	opsCtx, stopOps := context.WithCancel(context.Background())
	defer stopOps()

	if cfg.CloudWatch.Enabled {
		logger.InitCloudWatch(opsCtx, cfg.CloudWatch.Region, cfg.CloudWatch.Namespace)
	}
	if cfg.Report.Enabled {
		logger.StartReport(opsCtx, log, cfg.Report.Interval)
	}
	metrics.Init()

	startCtx, startCancel := context.WithTimeout(ctx, 30*time.Second)
	defer startCancel()

	store, err := writer.NewPostgresStore(startCtx, postgresConfig(cfg.Storage.Postgres))
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer store.Close()
	if err := store.EnsureSchema(startCtx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	mirrors, err := buildMirrors(startCtx, cfg.Storage)
	if err != nil {
		return err
	}

	persister := writer.NewPersister(store, writer.RetryConfig{
		MaxAttempts: cfg.Writer.Retry.MaxAttempts,
		BaseDelay:   cfg.Writer.Retry.BaseDelay,
		MaxDelay:    cfg.Writer.Retry.MaxDelay,
	}, writer.MirrorConfig{
		Timeout:   cfg.Writer.Mirror.Timeout,
		QueueSize: cfg.Writer.Mirror.QueueSize,
	}, onBatchLost(log), mirrors...)
	defer func() {
		if err := persister.Close(); err != nil {
			log.WithComponent("main").WithError(err).Warn("closing mirrors")
		}
	}()

	channels := channel.NewChannels(cfg.Channels.EventBuffer)
	channels.StartMetricsReporting(opsCtx, cfg.Channels.ReportInterval)

	orchestrator := processor.NewOrchestrator(processor.Options{
		Trades:          processor.BufferConfig{MaxSize: cfg.Buffers.Trades.MaxSize, MaxAge: cfg.Buffers.Trades.MaxAge},
		OrderBooks:      processor.BufferConfig{MaxSize: cfg.Buffers.OrderBook.MaxSize, MaxAge: cfg.Buffers.OrderBook.MaxAge},
		CheckInterval:   cfg.Buffers.CheckInterval,
		QueueSize:       cfg.Writer.QueueSize,
		ShutdownTimeout: cfg.Writer.ShutdownTimeout,
		ReportInterval:  cfg.Writer.ReportInterval,
	}, channels, persister)

	status := dashboard.NewStatus(cfg.Okxflow.Name, log, 200)
	defer status.Close()
	status.SetPending(func() map[string]int {
		trades, books := orchestrator.Pending()
		return map[string]int{
			models.KindTrade.String():     trades,
			models.KindOrderBook.String(): books,
		}
	})

	public, private := splitSubscriptions(cfg.Feed.Subscriptions)
	if cfg.Feed.ValidateInstruments && len(public) > 0 {
		public, err = validateSubscriptions(startCtx, cfg.Feed, public, log)
		if err != nil {
			if config.IsProductionLike(env) {
				return fmt.Errorf("validate instruments: %w", err)
			}
			log.WithComponent("main").WithError(err).Warn("instrument validation skipped")
		}
	}
	if len(public) == 0 && len(private) == 0 {
		return fmt.Errorf("no subscriptions left to ingest")
	}

	dialer := okx.WSDialer{LocalIP: cfg.Feed.LocalIP}
	if len(public) > 0 {
		sc := supervisorConfig(cfg.Feed, "public", cfg.Feed.PublicURL, public)
		orchestrator.AddFeed(newSupervisor(sc, dialer, orchestrator, status))
	}
	if len(private) > 0 {
		sc := supervisorConfig(cfg.Feed, "private", cfg.Feed.PrivateURL, private)
		sc.Login = true
		sc.Credentials = cfg.Credentials()
		orchestrator.AddFeed(newSupervisor(sc, dialer, orchestrator, status))
	}

	if cfg.Metrics.Enabled {
		server := metrics.NewServer(cfg.Metrics.Address, cfg.Metrics.Path, func() map[string]error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return map[string]error{"postgres": store.Ping(pingCtx)}
		})
		server.Mount(status.Register)
		go func() {
			if err := server.Run(opsCtx); err != nil {
				log.WithComponent("main").WithError(err).Error("metrics server failed")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
	}()

	log.Info("all components started successfully")
	return orchestrator.Run(ctx)
}

func postgresConfig(c config.PostgresConfig) writer.PostgresConfig {
	return writer.PostgresConfig{
		Host:            c.Host,
		Port:            c.Port,
		Database:        c.Database,
		User:            c.User,
		Password:        c.Password,
		SSLMode:         c.SSLMode,
		MaxConns:        c.MaxConns,
		MinConns:        c.MinConns,
		MaxConnLifetime: c.MaxConnLifetime,
		MaxConnIdleTime: c.MaxConnIdleTime,
		ConnectTimeout:  c.ConnectTimeout,
	}
}

func buildMirrors(ctx context.Context, c config.StorageConfig) ([]writer.Mirror, error) {
	var mirrors []writer.Mirror
	if c.S3.Enabled {
		archive, err := writer.NewS3Archive(ctx, writer.S3Config{
			Bucket:          c.S3.Bucket,
			Region:          c.S3.Region,
			Prefix:          c.S3.Prefix,
			Endpoint:        c.S3.Endpoint,
			PathStyle:       c.S3.PathStyle,
			AccessKeyID:     c.S3.AccessKeyID,
			SecretAccessKey: c.S3.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("create s3 archive: %w", err)
		}
		mirrors = append(mirrors, archive)
	}
	if c.Kafka.Enabled {
		mirror, err := writer.NewKafkaMirror(writer.KafkaConfig{
			Brokers:        c.Kafka.Brokers,
			TradesTopic:    c.Kafka.TradesTopic,
			OrderBookTopic: c.Kafka.OrderBookTopic,
			BatchTimeout:   c.Kafka.BatchTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("create kafka mirror: %w", err)
		}
		mirrors = append(mirrors, mirror)
	}
	return mirrors, nil
}

func onBatchLost(log *logger.Log) func(writer.LostBatch) {
	return func(lost writer.LostBatch) {
		logger.IncrementBatchLost()
		log.WithComponent("main").LogMetric("persister", "batch_lost_rows", lost.Rows, "counter", logger.Fields{
			"kind":     lost.Kind,
			"batch_id": lost.BatchID,
			"attempts": lost.Attempts,
		})
	}
}

func splitSubscriptions(subs []config.SubscriptionConfig) (public, private []okx.Subscription) {
	for _, s := range subs {
		sub := okx.Subscription{Channel: s.Channel, InstrumentIDs: append([]string(nil), s.Instruments...)}
		if s.Private {
			private = append(private, sub)
		} else {
			public = append(public, sub)
		}
	}
	return public, private
}

// validateSubscriptions drops instruments the exchange does not list. On a
// lookup failure the subscriptions are returned unchanged with the error.
func validateSubscriptions(ctx context.Context, feed config.FeedConfig, subs []okx.Subscription, log *logger.Log) ([]okx.Subscription, error) {
	client := okx.NewHTTPClient(feed.LocalIP, 10*time.Second)
	out := make([]okx.Subscription, 0, len(subs))
	for _, sub := range subs {
		valid, unknown, err := okx.ValidateInstruments(ctx, client, feed.RestURL, feed.InstType, sub.InstrumentIDs)
		if err != nil {
			return subs, err
		}
		if len(unknown) > 0 {
			log.WithComponent("main").WithFields(logger.Fields{
				"channel": sub.Channel,
				"unknown": unknown,
			}).Warn("dropping instruments not listed by the exchange")
		}
		if len(valid) == 0 {
			continue
		}
		out = append(out, okx.Subscription{Channel: sub.Channel, InstrumentIDs: valid})
	}
	return out, nil
}

func supervisorConfig(feed config.FeedConfig, name, url string, subs []okx.Subscription) okx.SupervisorConfig {
	return okx.SupervisorConfig{
		Name:              name,
		URL:               url,
		Subscriptions:     subs,
		PingInterval:      feed.Heartbeat.PingInterval,
		StaleTimeout:      feed.Heartbeat.StaleTimeout,
		BackoffBase:       feed.Backoff.Base,
		BackoffMax:        feed.Backoff.Max,
		BackoffFactor:     feed.Backoff.Factor,
		BackoffJitter:     feed.Backoff.Jitter,
		StableAfter:       feed.Backoff.StableAfter,
		ConnectsPerSecond: feed.RateLimit.ConnectsPerSecond,
		ConnectBurst:      feed.RateLimit.Burst,
	}
}

func newSupervisor(sc okx.SupervisorConfig, dialer okx.Dialer, orchestrator *processor.Orchestrator, status *dashboard.Status) *okx.Supervisor {
	sup := okx.NewSupervisor(sc, dialer, orchestrator.Route)
	name := sc.Name
	sup.OnStateChange(func(from, to okx.State) {
		metrics.SetFeedState(name, int(to))
		status.FeedState(name, to.String())
	})
	sup.OnSequenceGap(func(gap *okx.SequenceGapError) {
		metrics.IncrementSequenceGap(gap.InstrumentID)
		status.SequenceGap(name, gap.Error())
	})
	return sup
}
