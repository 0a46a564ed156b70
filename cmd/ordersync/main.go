// Command ordersync runs the Bybit spot order tracker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/coachpo/ordersync/errs"
	"github.com/coachpo/ordersync/internal/app/ordersync"
	"github.com/coachpo/ordersync/internal/app/stream"
	"github.com/coachpo/ordersync/internal/app/tracker"
	"github.com/coachpo/ordersync/internal/domain/orderstore"
	"github.com/coachpo/ordersync/internal/domain/schema"
	"github.com/coachpo/ordersync/internal/infra/adapters/bybit"
	"github.com/coachpo/ordersync/internal/infra/config"
	"github.com/coachpo/ordersync/internal/infra/logging"
	"github.com/coachpo/ordersync/internal/infra/persistence/memory"
	"github.com/coachpo/ordersync/internal/infra/persistence/migrations"
	"github.com/coachpo/ordersync/internal/infra/persistence/postgres"
	"github.com/coachpo/ordersync/internal/infra/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	shutdownTimeout          = 15 * time.Second
	trackerShutdownTimeout   = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	startupTimeout           = 30 * time.Second
)

type flags struct {
	configPath string
	envFile    string
	sync       bool
	place      orderFlags
}

type orderFlags struct {
	symbol string
	side   string
	kind   string
	qty    string
	price  string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	opts := parseFlags()
	if err := config.LoadDotEnv(opts.envFile); err != nil {
		return err
	}
	ctx, cancel := newSignalContext()
	defer cancel()

	appCfg, err := config.LoadOrDefault(ctx, resolveConfigPath(opts.configPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := appCfg.RequireCredentials(); err != nil {
		return err
	}

	base, closeLogs, err := logging.New(appCfg.Logging)
	if err != nil {
		return fmt.Errorf("initialise logging: %w", err)
	}
	defer func() { _ = closeLogs() }()
	logger := logging.Component(base, "ordersync")
	logger.WithFields(logrus.Fields{
		"environment": appCfg.Environment,
		"testnet":     appCfg.Exchange.Testnet,
		"topics":      appCfg.Stream.Topics,
		"storage":     appCfg.Storage.Driver,
	}).Info("configuration loaded")

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg)
	if err != nil {
		return err
	}

	startupCtx, startupCancel := context.WithTimeout(ctx, startupTimeout)
	store, closeStore, err := openStore(startupCtx, base, appCfg.Storage)
	startupCancel()
	if err != nil {
		return err
	}
	defer closeStore()

	rest, err := bybit.NewRESTClient(bybit.RESTConfig{
		BaseURL:    appCfg.Exchange.RESTBaseURL,
		APIKey:     appCfg.Exchange.APIKey,
		APISecret:  appCfg.Exchange.APISecret,
		RecvWindow: appCfg.Exchange.RecvWindow,
		Timeout:    appCfg.Exchange.HTTPTimeout,
		RateLimit:  appCfg.Exchange.RateLimit,
		RateBurst:  appCfg.Exchange.RateBurst,
		Logger:     logging.Component(base, "bybit-rest"),
	})
	if err != nil {
		return err
	}
	transport, err := bybit.NewStreamTransport(bybit.StreamConfig{
		URL:               appCfg.Exchange.PrivateWSURL,
		APIKey:            appCfg.Exchange.APIKey,
		APISecret:         appCfg.Exchange.APISecret,
		HeartbeatInterval: appCfg.Stream.HeartbeatInterval,
		HeartbeatTimeout:  appCfg.Stream.HeartbeatTimeout,
		DialTimeout:       appCfg.Stream.DialTimeout,
		AuthExpiry:        appCfg.Stream.AuthExpiry,
		Logger:            logging.Component(base, "bybit-stream"),
	})
	if err != nil {
		return err
	}

	orderLog := logging.Component(base, "orders")
	tr, err := tracker.New(tracker.Options{
		Transport:      transport,
		Trade:          rest,
		Store:          store,
		Decode:         bybit.DecodeOrderUpdates,
		BackoffBase:    appCfg.Stream.Backoff.Base,
		BackoffCap:     appCfg.Stream.Backoff.Cap,
		DispatchBuffer: appCfg.Stream.DispatchBuffer,
		Retry: ordersync.RetryPolicy{
			MaxAttempts:     appCfg.Storage.Retry.MaxAttempts,
			InitialInterval: appCfg.Storage.Retry.InitialInterval,
			MaxInterval:     appCfg.Storage.Retry.MaxInterval,
		},
		ResyncOnLive: opts.sync,
		Logger:       logger,
		OnError: func(err error) {
			logger.WithError(err).WithField("code", errs.CodeOf(err)).Warn("background failure")
		},
		OnOrderUpdate: func(r orderstore.Record) {
			orderLog.WithFields(logrus.Fields{
				"order_id": r.OrderID,
				"symbol":   r.Symbol,
				"status":   r.Status,
				"filled":   r.FilledQuantity,
				"sequence": r.LastUpdateSequence,
			}).Info("order updated")
		},
		OnStateChange: func(_, to stream.State) {
			logger.WithField("state", to.String()).Info("stream state")
		},
	})
	if err != nil {
		return err
	}
	if err := subscribeExtras(tr, appCfg.Stream.Topics, logging.Component(base, "account")); err != nil {
		return err
	}

	if err := tr.Start(ctx); err != nil {
		return err
	}
	logger.Info("tracker started; awaiting shutdown signal")

	if opts.place.symbol != "" {
		if err := placeOnce(ctx, tr, rest, opts.place, logger); err != nil {
			logger.WithError(err).Error("one-shot placement failed")
		}
	}

	var fatal error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case <-tr.Done():
		fatal = tr.Err()
		logger.WithError(fatal).Error("stream stopped")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	performGracefulShutdown(shutdownCtx, logger, tr, telemetryProvider)
	return fatal
}

func parseFlags() flags {
	var opts flags
	flag.StringVar(&opts.configPath, "config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.StringVar(&opts.envFile, "env", ".env", "Optional dotenv file with credentials")
	flag.BoolVar(&opts.sync, "sync", true, "Reconcile open orders from REST after every reconnect")
	flag.StringVar(&opts.place.symbol, "place-symbol", "", "Place one order for this symbol after start")
	flag.StringVar(&opts.place.side, "place-side", "Buy", "Side of the one-shot order")
	flag.StringVar(&opts.place.kind, "place-type", "Limit", "Type of the one-shot order (Limit|Market)")
	flag.StringVar(&opts.place.qty, "place-qty", "", "Quantity of the one-shot order")
	flag.StringVar(&opts.place.price, "place-price", "", "Limit price of the one-shot order")
	flag.Parse()
	return opts
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func initTelemetry(ctx context.Context, logger *logrus.Entry, appCfg config.AppConfig) (*telemetry.Provider, error) {
	cfg := telemetry.DefaultConfig()
	cfg.Enabled = cfg.Enabled || appCfg.Telemetry.Enabled
	if appCfg.Telemetry.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = appCfg.Telemetry.OTLPEndpoint
	}
	if appCfg.Telemetry.ServiceName != "" {
		cfg.ServiceName = appCfg.Telemetry.ServiceName
	}
	if appCfg.Telemetry.MetricInterval > 0 {
		cfg.MetricInterval = appCfg.Telemetry.MetricInterval
	}
	cfg.OTLPInsecure = cfg.OTLPInsecure || appCfg.Telemetry.OTLPInsecure
	cfg.Environment = string(appCfg.Environment)

	provider, err := telemetry.NewProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initialise telemetry provider: %w", err)
	}
	if cfg.Enabled {
		logger.WithFields(logrus.Fields{"endpoint": cfg.OTLPEndpoint, "service": cfg.ServiceName}).Info("telemetry initialised")
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

func openStore(ctx context.Context, base *logrus.Logger, cfg config.StorageConfig) (orderstore.Store, func(), error) {
	if cfg.Driver == "memory" {
		return memory.NewOrderStore(), func() {}, nil
	}
	log := logging.Component(base, "storage")
	if cfg.Database.RunMigrations {
		if err := migrations.Apply(ctx, cfg.Database.DSN, cfg.Database.MigrationsPath, log); err != nil {
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	if err := postgres.ObservePoolMetrics(pool, "orders"); err != nil {
		log.WithError(err).Warn("pool metrics unavailable")
	}
	store := postgres.NewOrderStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	log.Info("postgres order store ready")
	return store, pool.Close, nil
}

// subscribeExtras logs account topics configured next to the order topic.
func subscribeExtras(tr *tracker.Tracker, topics []string, log *logrus.Entry) error {
	for _, raw := range topics {
		topic := schema.Topic(raw)
		var handler stream.Handler
		switch topic {
		case schema.TopicOrder:
			continue
		case schema.TopicExecution:
			handler = func(_ context.Context, msg schema.InboundMessage) error {
				execs, err := bybit.DecodeExecutions(msg.Payload)
				if err != nil {
					return err
				}
				for _, e := range execs {
					log.WithFields(logrus.Fields{
						"order_id": e.OrderID,
						"exec_id":  e.ExecID,
						"price":    e.Price.String(),
						"qty":      e.Quantity.String(),
						"maker":    e.IsMaker,
					}).Info("execution")
				}
				return nil
			}
		case schema.TopicWallet:
			handler = func(_ context.Context, msg schema.InboundMessage) error {
				wallets, err := bybit.DecodeWallet(msg.Payload)
				if err != nil {
					return err
				}
				for _, w := range wallets {
					for _, coin := range w.Coins {
						log.WithFields(logrus.Fields{
							"account": w.AccountType,
							"coin":    coin.Coin,
							"balance": coin.WalletBalance.String(),
							"free":    coin.Free.String(),
						}).Info("wallet")
					}
				}
				return nil
			}
		default:
			handler = func(_ context.Context, msg schema.InboundMessage) error {
				log.WithFields(logrus.Fields{"topic": msg.Topic, "bytes": len(msg.Payload)}).Debug("push")
				return nil
			}
		}
		if _, err := tr.Subscribe(topic, handler); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return nil
}

func placeOnce(ctx context.Context, tr *tracker.Tracker, rest *bybit.RESTClient, o orderFlags, logger *logrus.Entry) error {
	req := schema.OrderRequest{
		Symbol:    o.symbol,
		Side:      schema.TradeSide(o.side),
		OrderType: schema.OrderType(o.kind),
		Quantity:  o.qty,
	}
	if o.price != "" {
		price := o.price
		req.Price = &price
	}
	if ticker, err := rest.Ticker(ctx, o.symbol); err == nil {
		logger.WithFields(logrus.Fields{
			"symbol": ticker.Symbol,
			"bid":    ticker.BidPrice.String(),
			"ask":    ticker.AskPrice.String(),
		}).Info("ticker before placement")
	}
	orderID, err := tr.PlaceAndTrack(ctx, req)
	if err != nil {
		return err
	}
	logger.WithField("order_id", orderID).Info("one-shot order placed")
	return nil
}

func performGracefulShutdown(ctx context.Context, logger *logrus.Entry, tr *tracker.Tracker, provider *telemetry.Provider) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Infof("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.WithError(err).Warnf("shutdown: %s failed", name)
		} else {
			logger.Infof("shutdown: %s completed", name)
		}
	}

	shutdownStep("stopping tracker", trackerShutdownTimeout, func(stepCtx context.Context) error {
		done := make(chan struct{})
		go func() {
			tr.Stop()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return fmt.Errorf("timeout waiting for tracker: %w", stepCtx.Err())
		}
	})

	if provider != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			err := provider.Shutdown(stepCtx)
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("telemetry flush: %w", err)
			}
			return err
		})
	}
}
