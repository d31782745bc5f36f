package app

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/rdpk/metering/internal/aggregate"
	"github.com/rdpk/metering/internal/buffer"
	"github.com/rdpk/metering/internal/config"
	"github.com/rdpk/metering/internal/counters"
	"github.com/rdpk/metering/internal/ingest"
	"github.com/rdpk/metering/internal/latevents"
	"github.com/rdpk/metering/internal/lock"
	"github.com/rdpk/metering/internal/observability"
	"github.com/rdpk/metering/internal/persist"
	"github.com/rdpk/metering/internal/resilience"
	"github.com/rdpk/metering/internal/store"
)

// Container wires the service's dependencies once, at startup.
type Container struct {
	Config  *config.Config
	DBPool  *pgxpool.Pool
	Redis   *redis.Client
	Metrics *observability.Metrics

	Store    *store.Store
	Counters *counters.Counters
	Buffer   *buffer.Buffer
	Locker   *lock.Locker

	Ingest     *ingest.Service
	Persister  *persist.Worker
	Aggregator *aggregate.Scheduler
	Reconciler *latevents.Reconciler
}

// NewContainer builds the dependency graph from already-connected pools.
func NewContainer(cfg *config.Config, pool *pgxpool.Pool, redisClient *redis.Client) *Container {
	metrics := observability.NewMetrics()

	pgPolicy := resilience.NewPolicy("postgres", cfg.Resilience.Postgres)
	redisPolicy := resilience.NewPolicy("redis", cfg.Resilience.Redis)

	st := store.New(pool, pgPolicy)
	ctrs := counters.New(redisClient, redisPolicy)
	buf := buffer.New(redisClient, redisPolicy)
	locker := lock.New(redisClient)
	stager := latevents.NewStager(st)

	m := cfg.Metering
	ingestSvc := ingest.NewService(st, ctrs, buf, stager, metrics, m.WindowDuration, m.LateThreshold)
	persister := persist.NewWorker(buf, st, metrics, m.PersistInterval, m.PersistBatchSize)
	processor := aggregate.NewProcessor(st, ctrs, locker, metrics, m.LockAcquireTimeout, m.LockLeaseTime)
	aggregator := aggregate.NewScheduler(processor, st, m.AggregationInterval, m.WindowDuration)
	reconciler := latevents.NewReconciler(st, locker, metrics,
		m.ReconcileInterval, m.ReconcileBatchSize, m.WindowDuration, m.LockAcquireTimeout, m.LockLeaseTime)

	return &Container{
		Config:     cfg,
		DBPool:     pool,
		Redis:      redisClient,
		Metrics:    metrics,
		Store:      st,
		Counters:   ctrs,
		Buffer:     buf,
		Locker:     locker,
		Ingest:     ingestSvc,
		Persister:  persister,
		Aggregator: aggregator,
		Reconciler: reconciler,
	}
}

// Close releases the container's connections.
func (c *Container) Close() {
	if c.DBPool != nil {
		c.DBPool.Close()
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
}
