package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	supa "github.com/supabase-community/supabase-go"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/vcode/internal/config"
	"github.com/xxxsen/vcode/internal/db"
	"github.com/xxxsen/vcode/internal/ratelimit"
	"github.com/xxxsen/vcode/internal/repo"
	"github.com/xxxsen/vcode/internal/service"
)

type appDeps struct {
	Codes    repo.CodeRepo
	Accounts repo.AccountRepo
	Sender   service.CodeSender
	Limiters service.Limiters

	closers []io.Closer
}

func (d *appDeps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			logutil.GetLogger(context.Background()).Error("close resource failed", zap.Error(err))
		}
	}
}

func buildDeps(cfg *config.Config) (*appDeps, error) {
	deps := &appDeps{}
	var (
		sqlDB    *sql.DB
		rdb      *redis.Client
		supabase *supa.Client
		err      error
	)
	if cfg.Uses(config.StorePostgres) {
		sqlDB, err = db.Open(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
		deps.closers = append(deps.closers, sqlDB)
		if err := db.ApplyMigrations(sqlDB); err != nil {
			deps.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
	}
	if cfg.Uses(config.StoreRedis) {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		deps.closers = append(deps.closers, rdb)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
	}
	if cfg.Uses(config.StoreSupabase) {
		supabase, err = supa.NewClient(cfg.Supabase.URL, cfg.Supabase.ServiceKey, nil)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("init supabase client: %w", err)
		}
	}

	switch cfg.CodeStore {
	case config.StoreRedis:
		deps.Codes = repo.NewRedisCodeRepo(rdb)
	case config.StoreSupabase:
		deps.Codes = repo.NewSupabaseCodeRepo(supabase)
	default:
		deps.Codes = repo.NewPostgresCodeRepo(sqlDB)
	}
	switch cfg.AccountStore {
	case config.StoreSupabase:
		deps.Accounts = repo.NewSupabaseAccountRepo(supabase)
	default:
		deps.Accounts = repo.NewPostgresAccountRepo(sqlDB)
	}

	deps.Limiters = buildLimiters(cfg.RateLimit, rdb)

	deps.Sender = service.NewCodeSender(cfg.Mail)
	if closer, ok := deps.Sender.(io.Closer); ok {
		deps.closers = append(deps.closers, closer)
	}
	return deps, nil
}

func buildLimiters(cfg config.RateLimitConfig, rdb redis.UniversalClient) service.Limiters {
	ttl := time.Duration(cfg.EntryTTLHours) * time.Hour
	build := func(p ratelimit.Policy) ratelimit.Limiter {
		if cfg.Store == config.StoreRedis {
			return ratelimit.NewRedis(rdb, p, ratelimit.WithRedisTTL(ttl))
		}
		return ratelimit.NewMemory(p, ratelimit.WithCapacity(cfg.Capacity, ttl))
	}
	return service.Limiters{
		Send:        build(ratelimit.SendPolicy),
		Verify:      build(ratelimit.VerifyPolicy),
		VerifyEmail: build(ratelimit.VerifyEmailPolicy),
	}
}
