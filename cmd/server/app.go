package main

import (
	"context"
	"fmt"
	"time"

	"fieldsync-server/internal/config"
	"fieldsync-server/internal/logger"
	"fieldsync-server/internal/ratelimit"
	"fieldsync-server/internal/repository"
	"fieldsync-server/internal/service"

	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/bsm/redislock"
	"github.com/go-kivik/kivik/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// app holds everything the commands share once configuration is loaded.
type app struct {
	cfg     *config.Config
	log     *logrus.Logger
	couch   *kivik.Client
	redis   *redis.Client
	access  *service.AccessService
	sync    *service.SyncService
	purge   *service.PurgeService
	limiter ratelimit.Limiter
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.New(cfg.Logging.Level, cfg.Server.Env)

	couch, err := kivik.New("couch", cfg.Database.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CouchDB: %w", err)
	}

	a := &app{cfg: cfg, log: log, couch: couch}
	a.redis = connectRedis(ctx, cfg.Redis, log)
	a.wire()

	return a, nil
}

// connectRedis returns nil when Redis is not configured or not reachable.
// Callers fall back to in-process rate limiting and an unlocked purge.
func connectRedis(ctx context.Context, cfg config.RedisConfig, log logrus.FieldLogger) *redis.Client {
	if cfg.Addr == "" {
		log.Info("redis not configured, using in-process rate limiting")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.LogError(log, "main", "connectRedis", "redis unreachable, using in-process rate limiting",
			logrus.Fields{"addr": cfg.Addr}, err)
		client.Close()
		return nil
	}

	log.WithField("addr", cfg.Addr).Info("connected to redis")
	return client
}

func (a *app) wire() {
	db := a.cfg.Database.Name

	outcomeRepo := repository.NewOutcomeRepository(a.couch, db)
	batchRepo := repository.NewBatchRepository(a.couch, db)
	cursorRepo := repository.NewCursorRepository(a.couch, db)
	deviceRepo := repository.NewDeviceRepository(a.couch, db)
	userRepo := repository.NewUserRepository(a.couch, db)
	auditRepo := repository.NewAuditRepository(a.couch, db)
	referenceRepo := repository.NewReferenceRepository(a.couch, db)
	entityStore := repository.NewEntityStore(a.couch, db, auditRepo, a.cfg.Sync.TxMaxAttempts, a.log)

	registry := service.DefaultPolicies(userRepo, a.log)
	idem := service.NewIdempotencyService(outcomeRepo, batchRepo, a.log)
	a.access = service.NewAccessService(deviceRepo, userRepo)

	a.sync = service.NewSyncService(service.SyncDeps{
		Idempotency: idem,
		Conflicts:   service.NewConflictService(registry, a.log),
		Applier:     service.NewApplierService(registry, a.log),
		Access:      a.access,
		Store:       entityStore,
		Outcomes:    outcomeRepo,
		Batches:     batchRepo,
		Cursors:     cursorRepo,
		References:  referenceRepo,
		Devices:     deviceRepo,
		Audit:       auditRepo,
	}, a.cfg.Sync, a.log)

	var locker *redislock.Client
	if a.redis != nil {
		locker = redislock.New(a.redis)
	}
	a.purge = service.NewPurgeService(idem, locker, a.cfg.Sync.RetentionDays, a.log)

	policies := ratelimit.Policies{
		ratelimit.ClassPush: {PerMinute: a.cfg.RateLimit.PushPerMinute},
		ratelimit.ClassPull: {PerMinute: a.cfg.RateLimit.PullPerMinute},
	}
	switch {
	case !a.cfg.RateLimit.Enabled:
		a.limiter = ratelimit.Noop{}
	case a.redis != nil:
		a.limiter = ratelimit.NewRedisLimiter(a.redis, policies)
	default:
		a.limiter = ratelimit.NewLocalLimiter(policies)
	}
}

func (a *app) close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if err := a.couch.Close(); err != nil {
		a.log.WithError(err).Warn("failed to close couchdb client")
	}
}
