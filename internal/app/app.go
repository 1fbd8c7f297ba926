// Package app assembles the services shared by the HTTP server and the
// stall worker from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	cfg "github.com/feichai0017/shadowtwin/config"
	"github.com/feichai0017/shadowtwin/internal/adapters"
	"github.com/feichai0017/shadowtwin/internal/imagestore"
	"github.com/feichai0017/shadowtwin/internal/models"
	"github.com/feichai0017/shadowtwin/internal/phases"
	"github.com/feichai0017/shadowtwin/internal/provider"
	"github.com/feichai0017/shadowtwin/internal/provider/localfs"
	"github.com/feichai0017/shadowtwin/internal/provider/objectstore"
	"github.com/feichai0017/shadowtwin/internal/service/events"
	"github.com/feichai0017/shadowtwin/internal/service/jobs"
	"github.com/feichai0017/shadowtwin/internal/service/logbuffer"
	"github.com/feichai0017/shadowtwin/internal/service/orchestrator"
	"github.com/feichai0017/shadowtwin/internal/service/watchdog"
	"github.com/feichai0017/shadowtwin/internal/shadowtwin"
	"github.com/feichai0017/shadowtwin/pkg/logger"
	"github.com/feichai0017/shadowtwin/pkg/metrics"
	"github.com/feichai0017/shadowtwin/pkg/queue"
	"github.com/feichai0017/shadowtwin/pkg/storage"
)

const stallTimeout = 2 * time.Minute

// Role selects how a process publishes job updates.
type Role int

const (
	// RoleServer holds the SSE subscribers and listens on the relay.
	RoleServer Role = iota
	// RoleWorker publishes through the relay.
	RoleWorker
)

type App struct {
	Config       *cfg.Config
	Logger       logger.Logger
	Redis        *redis.Client
	Registry     *prometheus.Registry
	Metrics      *metrics.Metrics
	Bus          *events.Bus
	Relay        *events.RedisRelay
	Watchdog     *watchdog.Watchdog
	Orchestrator *orchestrator.Service
	Adapters     *adapters.Registry

	queue *queue.AsynqQueue
}

// Build wires every component. Escalation to the queue and the event relay
// are only set up when the configuration asks for queue escalation.
func Build(ctx context.Context, c *cfg.Config, log logger.Logger, role Role) (*App, error) {
	// 初始化 Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Redis.Addr,
		DB:       c.Redis.DB,
		Password: c.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	a := &App{Config: c, Logger: log, Redis: rdb}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	// 初始化存储
	blobs, err := storage.NewStorage(c, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	p, err := newProvider(c, blobs)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize provider: %w", err)
	}
	p = provider.Logged(p, log.Named("provider"))

	store := jobs.NewStore(rdb, c.Redis.JobTTL)
	index := shadowtwin.NewRedisIndex(rdb)
	writer := shadowtwin.NewWriter(p, index, store, a.Metrics, log)

	a.Bus = events.NewBus(log, a.Metrics)
	var publisher events.Publisher = a.Bus
	if c.Watchdog.Escalation == watchdog.EscalationQueue {
		a.Relay = events.NewRedisRelay(rdb, log)
		if role == RoleWorker {
			publisher = a.Relay
		}
	}
	a.Watchdog = watchdog.New(c.Watchdog.Timeout, log)

	var ingestor phases.Ingestor
	if c.Elasticsearch.Enabled {
		if ingestor, err = phases.NewElasticIngestor(c.Elasticsearch, nil, log); err != nil {
			return nil, err
		}
	}

	a.Orchestrator = orchestrator.NewService(orchestrator.Deps{
		Jobs:        store,
		Logs:        logbuffer.New(),
		Watchdog:    a.Watchdog,
		Events:      publisher,
		Provider:    p,
		Writer:      writer,
		Resolver:    shadowtwin.NewResolver(p, index, log),
		Images:      imagestore.New(blobs, imagestore.Options{HashLength: c.Images.HashLength, BatchSize: c.Images.BatchSize, Parallelism: c.Images.Parallelism}, a.Metrics, log),
		Transformer: phases.NewFrontmatterTransformer(),
		Ingestor:    ingestor,
		Metrics:     a.Metrics,
		Logger:      log,
	}, &orchestrator.ServiceConfig{
		TemplateEnabled:  c.Phases.TemplateEnabled,
		IngestEnabled:    c.Phases.IngestEnabled,
		WatchdogPolicy:   c.Watchdog.Policy,
		WatchdogTimeout:  c.Watchdog.Timeout,
		FetchTimeout:     c.Fetch.Timeout,
		MaxArchiveBytes:  c.Fetch.MaxArchiveBytes,
		MediaParallelism: c.Images.Parallelism,
		CallbackTimeout:  c.Server.CallbackTimeout,
	})

	// 看门狗升级方式
	switch c.Watchdog.Escalation {
	case watchdog.EscalationQueue:
		a.queue, err = queue.NewAsynqQueue(QueueConfig(c))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize queue: %w", err)
		}
		a.Watchdog.SetHandler(watchdog.Enqueue(a.queue, a.Orchestrator, c.Watchdog.Policy, log))
	default:
		a.Watchdog.SetHandler(watchdog.Direct(a.Orchestrator, stallTimeout, log))
	}

	a.Adapters = adapters.NewRegistry(adapters.TwinRawStore{Writer: writer}, adapters.NewFetcher(c.Fetch.Timeout, 0))

	ok = true
	return a, nil
}

// StartRelay subscribes to updates published by the stall worker and feeds
// them to the local bus. It returns once the subscription is live.
func (a *App) StartRelay(ctx context.Context) error {
	if a.Relay == nil {
		return nil
	}
	l, err := a.Relay.Listen(ctx)
	if err != nil {
		return err
	}
	go func() {
		err := l.Run(ctx, func(recipient string, ev models.JobUpdateEvent) {
			a.Bus.EmitUpdate(recipient, ev)
			if !ev.Status.Terminal() {
				return
			}
			a.Watchdog.Clear(ev.JobID)
			// 持久化本进程缓存的日志
			if err := a.Orchestrator.FlushLogs(ctx, ev.JobID); err != nil {
				a.Logger.Warn("Failed to flush logs of relayed job", logger.String("jobId", ev.JobID), logger.Error(err))
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error("Event relay stopped", logger.Error(err))
		}
	}()
	return nil
}

func newProvider(c *cfg.Config, blobs storage.Storage) (provider.Provider, error) {
	switch c.Provider.Type {
	case "objectstore":
		return objectstore.New(blobs, c.Provider.Prefix), nil
	case "local":
		return localfs.New(c.Provider.Root)
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", c.Provider.Type)
	}
}

func QueueConfig(c *cfg.Config) *queue.Config {
	return &queue.Config{
		RedisAddr:     c.Redis.Addr,
		RedisDB:       c.Redis.DB,
		RedisPassword: c.Redis.Password,
	}
}

// Close stops the watchdog and releases connections.
func (a *App) Close() error {
	if a.Watchdog != nil {
		a.Watchdog.Stop()
	}
	if a.queue != nil {
		_ = a.queue.Close()
	}
	if a.Redis != nil {
		return a.Redis.Close()
	}
	return nil
}
