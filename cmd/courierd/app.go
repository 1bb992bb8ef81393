package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/snehjoshi/courier/internal/config"
	"github.com/snehjoshi/courier/internal/coordinator"
	"github.com/snehjoshi/courier/internal/dispatcher"
	"github.com/snehjoshi/courier/internal/dlq"
	"github.com/snehjoshi/courier/internal/events"
	"github.com/snehjoshi/courier/internal/metrics"
	"github.com/snehjoshi/courier/internal/netmon"
	"github.com/snehjoshi/courier/internal/node"
	"github.com/snehjoshi/courier/internal/queue"
	"github.com/snehjoshi/courier/internal/retry"
	"github.com/snehjoshi/courier/internal/sender"
	"github.com/snehjoshi/courier/internal/storage"
	"github.com/snehjoshi/courier/internal/storage/local"
	"github.com/snehjoshi/courier/internal/storage/postgres"
	"github.com/snehjoshi/courier/internal/storage/redisstore"
	transphttp "github.com/snehjoshi/courier/internal/transport/http"
	"github.com/snehjoshi/courier/internal/transport/websocket"
)

// NodeHeader carries the node ID on every outbound request.
const NodeHeader = "X-Courier-Node"

// appOptions assembles the daemon. Hooks start in provide order and stop in
// reverse, so the store outlives the coordinator's final persist.
func appOptions(cfg *config.Config, log *zap.Logger) fx.Option {
	return fx.Options(
		fx.Supply(cfg, log),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Provide(
			provideNode,
			provideStore,
			provideBus,
			provideTransport,
			provideDispatcher,
			provideQueue,
			provideMonitor,
			provideCoordinator,
			provideNATS,
			provideDLQ,
			provideMetrics,
			provideServer,
		),
		fx.Invoke(func(*transphttp.Server) {}),
	)
}

// ─── Storage ──────────────────────────────────────────────────────────────────

func provideNode(cfg *config.Config) (*node.Node, error) {
	n, err := node.New(cfg.Node.DataDir, cfg.Node.ID)
	if err != nil {
		return nil, fmt.Errorf("init node: %w", err)
	}
	return n, nil
}

func provideStore(lc fx.Lifecycle, cfg *config.Config, n *node.Node, log *zap.Logger) (storage.BlobStore, error) {
	store, err := openStore(context.Background(), cfg.Storage, n)
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", zap.String("driver", cfg.Storage.Driver))
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return store.Close() },
	})
	return store, nil
}

func openStore(ctx context.Context, cfg config.StorageConfig, n *node.Node) (storage.BlobStore, error) {
	switch cfg.Driver {
	case config.DriverBolt:
		path := cfg.Path
		if path == "" {
			path = n.Path("courier.db")
		}
		return local.Open(path, local.Options{OpenTimeout: 5 * time.Second})
	case config.DriverRedis:
		return redisstore.Open(ctx, cfg.URL, redisstore.WithPrefix(cfg.KeyPrefix))
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.URL, cfg.Table)
	case config.DriverMemory:
		return storage.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// ─── Delivery ─────────────────────────────────────────────────────────────────

func provideBus(lc fx.Lifecycle, log *zap.Logger) *events.Bus {
	bus := events.NewBus(log)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			bus.Close()
			return nil
		},
	})
	return bus
}

func provideTransport(cfg *config.Config, n *node.Node, log *zap.Logger) sender.Transport {
	var t sender.Transport = sender.NewHTTPTransport(
		sender.WithDefaultHeader(NodeHeader, n.ID().String()),
	)
	if !cfg.Breaker.Enabled {
		return t
	}
	return sender.NewBreakerTransport(t, sender.BreakerConfig{
		Enabled:             true,
		ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
		OpenTimeout:         cfg.Breaker.OpenTimeout,
		HalfOpenRequests:    cfg.Breaker.HalfOpenRequests,
	}, log)
}

func provideDispatcher(cfg *config.Config, t sender.Transport, log *zap.Logger) *dispatcher.Dispatcher {
	return dispatcher.New(t, dispatcher.Config{
		DefaultTimeout: cfg.Delivery.Timeout,
		RateLimit:      cfg.Delivery.RateLimit,
		RateBurst:      cfg.Delivery.RateBurst,
		Retry:          retry.Config(cfg.Delivery.Retry),
	}, dispatcher.WithLogger(log))
}

func provideQueue(cfg *config.Config, store storage.BlobStore, bus *events.Bus, log *zap.Logger) (*queue.Queue, error) {
	policy, err := queue.ParseOverflowPolicy(cfg.Queue.OverflowPolicy)
	if err != nil {
		return nil, err
	}
	return queue.New(queue.Config{
		MaxSize:          cfg.Queue.MaxSize,
		Overflow:         policy,
		MaxAge:           cfg.Queue.MaxAge(),
		MaxFlushAttempts: cfg.Queue.MaxFlushAttempts,
		StorageKey:       cfg.Queue.StorageKey,
		SyncWrites:       cfg.Queue.SyncWrites,
		PersistInterval:  cfg.Queue.PersistInterval,
		EvictInterval:    cfg.Queue.EvictionInterval,
	},
		queue.WithStore(store),
		queue.WithPublisher(bus),
		queue.WithLogger(log),
	), nil
}

func provideMonitor(cfg *config.Config, bus *events.Bus, log *zap.Logger) *netmon.Monitor {
	opts := []netmon.Option{netmon.WithPublisher(bus), netmon.WithLogger(log)}
	if cfg.Network.Target != "" {
		opts = append(opts, netmon.WithProber(&netmon.DialProber{}))
	}
	return netmon.New(netmon.Config{
		ProbeInterval:     cfg.Network.ProbeInterval,
		ProbeTimeout:      cfg.Network.ProbeTimeout,
		Target:            cfg.Network.Target,
		FailureThreshold:  cfg.Network.FailureThreshold,
		CompressThreshold: cfg.Network.CompressThreshold,
		ExcellentLatency:  cfg.Network.ExcellentLatency,
		GoodLatency:       cfg.Network.GoodLatency,
		FairLatency:       cfg.Network.PoorLatency,
	}, opts...)
}

type coordinatorParams struct {
	fx.In

	LC         fx.Lifecycle
	Config     *config.Config
	Dispatcher *dispatcher.Dispatcher
	Queue      *queue.Queue
	Monitor    *netmon.Monitor
	Bus        *events.Bus
	Log        *zap.Logger
}

func provideCoordinator(p coordinatorParams) *coordinator.Coordinator {
	c := coordinator.New(coordinator.Config{
		Concurrency:       p.Config.Delivery.Concurrency,
		AutoFlush:         p.Config.Delivery.AutoFlush,
		FlushOnStart:      p.Config.Delivery.FlushOnStart,
		SigningSecret:     p.Config.Delivery.SigningSecret,
		MobileConstrained: p.Config.Network.MobileConstrained,
	}, p.Dispatcher, p.Queue, p.Monitor, p.Bus, coordinator.WithLogger(p.Log))

	p.LC.Append(fx.Hook{
		OnStart: c.Start,
		OnStop:  c.Stop,
	})
	return c
}

// ─── Dead letters and metrics ─────────────────────────────────────────────────

// provideNATS returns nil when no NATS URL is configured.
func provideNATS(lc fx.Lifecycle, cfg *config.Config, n *node.Node, log *zap.Logger) (*nats.Conn, error) {
	if cfg.Events.NATSURL == "" || !cfg.DLQ.Enabled {
		return nil, nil
	}
	nc, err := nats.Connect(cfg.Events.NATSURL,
		nats.Name("courier-"+n.ID().String()),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	log.Info("nats connected", zap.String("url", nc.ConnectedUrl()))
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return nc.Drain() },
	})
	return nc, nil
}

type dlqParams struct {
	fx.In

	LC     fx.Lifecycle
	Config *config.Config
	Store  storage.BlobStore
	NATS   *nats.Conn
	Bus    *events.Bus
	Log    *zap.Logger

	// Built first so the recorder's stop hook runs after the coordinator's
	// and sees every drop it publishes.
	Coordinator *coordinator.Coordinator
}

// provideDLQ returns nil when the dead-letter log is disabled.
func provideDLQ(p dlqParams) *dlq.Recorder {
	if !p.Config.DLQ.Enabled {
		return nil
	}
	opts := []dlq.Option{dlq.WithStore(p.Store), dlq.WithLogger(p.Log)}
	if p.NATS != nil {
		opts = append(opts, dlq.WithNATS(p.NATS))
	}
	rec := dlq.New(dlq.Config{
		Capacity:      p.Config.DLQ.Capacity,
		StorageKey:    p.Config.DLQ.StorageKey,
		SubjectPrefix: p.Config.Events.SubjectPrefix,
	}, opts...)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var sub *events.Subscription
	p.LC.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := rec.Load(ctx); err != nil {
				cancel()
				return err
			}
			sub = p.Bus.SubscribeReliable(events.EntryDropped)
			go func() {
				defer close(done)
				rec.Run(runCtx, sub)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			// Closing the bus lets the recorder drain its backlog.
			p.Bus.Close()
			defer cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				sub.Close()
				return ctx.Err()
			}
		},
	})
	return rec
}

type metricsParams struct {
	fx.In

	LC          fx.Lifecycle
	Config      *config.Config
	Dispatcher  *dispatcher.Dispatcher
	Coordinator *coordinator.Coordinator
	Bus         *events.Bus
}

// provideMetrics returns nil when metrics are disabled.
func provideMetrics(p metricsParams) *metrics.Registry {
	if !p.Config.Metrics.Enabled {
		return nil
	}
	reg := metrics.New()
	reg.WatchQueue(p.Coordinator.QueueStats)
	remove := p.Dispatcher.Observe(reg.ObserveAttempt)

	runCtx, cancel := context.WithCancel(context.Background())
	var sub *events.Subscription
	p.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			sub = p.Bus.SubscribeReliable()
			go reg.Run(runCtx, sub)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			sub.Close()
			remove()
			return nil
		},
	})
	return reg
}

// ─── API ──────────────────────────────────────────────────────────────────────

type serverParams struct {
	fx.In

	LC          fx.Lifecycle
	Config      *config.Config
	Node        *node.Node
	Coordinator *coordinator.Coordinator
	Monitor     *netmon.Monitor
	DLQ         *dlq.Recorder
	Metrics     *metrics.Registry
	Log         *zap.Logger
}

func provideServer(p serverParams) *transphttp.Server {
	srv := transphttp.New(p.Config.API, transphttp.Deps{
		Coordinator:       p.Coordinator,
		Monitor:           p.Monitor,
		DLQ:               p.DLQ,
		Metrics:           p.Metrics,
		Events:            &websocket.Handler{Source: p.Coordinator, Log: p.Log},
		NodeID:            p.Node.ID().String(),
		MetricsPath:       p.Config.Metrics.Path,
		Logger:            p.Log,
		DefaultEndpoint:   p.Config.Delivery.DefaultEndpoint,
		DefaultMaxRetries: p.Config.Delivery.MaxRetries,
	})

	p.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr())
			if err != nil {
				return fmt.Errorf("listen %s: %w", srv.Addr(), err)
			}
			p.Log.Info("http server listening", zap.String("addr", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					p.Log.Error("http server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: srv.Shutdown,
	})
	return srv
}
