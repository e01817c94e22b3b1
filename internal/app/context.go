package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"civicflow/internal/config"
	"civicflow/internal/db"
	"civicflow/internal/engine"
	"civicflow/internal/feedcache"
	"civicflow/internal/logx"
	"civicflow/internal/migrate"
)

// Options select the workspace and overrides shared by the CLI and server.
type Options struct {
	Workspace  string
	ConfigPath string
	// LogLevel overrides log.level from the config file when set.
	LogLevel string
	Service  string
}

// Env is an opened workspace: database, config and a ready engine.
type Env struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
	Log    logx.Logger
	cache  *feedcache.Client
}

// ResolveConfig prefers an explicit path, then the workspace civicflow.yml,
// then built-in defaults.
func ResolveConfig(workspace, path string) (*config.Config, error) {
	if strings.TrimSpace(path) != "" {
		return config.FromFile(path)
	}
	return config.LoadOrDefault(workspace)
}

// Open migrates the workspace database and wires the engine. A configured
// but unreachable Redis is logged and skipped; the feed then reads straight
// from the database.
func Open(ctx context.Context, opts Options) (*Env, error) {
	cfg, err := ResolveConfig(opts.Workspace, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	level := cfg.Log.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	service := opts.Service
	if service == "" {
		service = "civicflow"
	}
	log := logx.New(service, level)

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	eng := engine.New(conn, cfg)
	eng.Log = log
	env := &Env{DB: conn, Config: cfg, Engine: eng, Log: log}

	if cfg.Redis.Addr != "" && cfg.FeedCacheTTL() > 0 {
		client, err := feedcache.New(cfg.Redis)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err = client.Ping(pingCtx)
			cancel()
			if err != nil {
				client.Close()
			}
		}
		if err != nil {
			log.Warn(ctx, "feed_cache_disabled", "redis unavailable; feed cache disabled",
				slog.String("addr", cfg.Redis.Addr), slog.String("error", err.Error()))
		} else {
			env.cache = client
			env.Engine.Cache = client
		}
	}
	return env, nil
}

func (e *Env) Close() error {
	if e == nil {
		return nil
	}
	if e.cache != nil {
		e.cache.Close()
	}
	return e.DB.Close()
}
