package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/oarkflow/squealx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/propauthz"
	"github.com/oarkflow/propauthz/guard"
	"github.com/oarkflow/propauthz/logger"
	"github.com/oarkflow/propauthz/stores"
)

func main() {
	_ = godotenv.Load()

	var (
		addr       = flag.String("addr", getenv("PROPAUTHZ_ADDR", ":8080"), "listen address")
		configPath = flag.String("config", os.Getenv("PROPAUTHZ_CONFIG"), "optional seed configuration (yaml or json)")
		driver     = flag.String("db-driver", os.Getenv("PROPAUTHZ_DB_DRIVER"), "sqlite or postgres; empty keeps everything in memory")
		dsn        = flag.String("db-dsn", os.Getenv("PROPAUTHZ_DB_DSN"), "database dsn")
		redisURL   = flag.String("redis", os.Getenv("REDIS_URL"), "redis url for the super-admin directory")
		natsURL    = flag.String("nats", os.Getenv("NATS_URL"), "nats url for cache invalidation fan-out")
		userHeader = flag.String("user-header", "X-User-ID", "header carrying the user id")
		orgHeader  = flag.String("org-header", "X-Organization-ID", "header carrying the organization id")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if lvl, err := zerolog.ParseLevel(getenv("LOG_LEVEL", "info")); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	var l logger.Logger = logger.NewZerologLogger(log.Logger)
	if os.Getenv("LOG_FORMAT") == "json" {
		l = logger.NewPhusluLogger()
	}

	st, closeDB, err := openStores(*driver, *dsn)
	if err != nil {
		log.Fatal().Err(err).Str("driver", *driver).Msg("failed to open stores")
	}
	defer closeDB()

	if *redisURL != "" {
		opt, err := redis.ParseURL(*redisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid redis url")
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()
		st.SuperAdmins = stores.NewRedisSuperAdminDirectory(rdb)
		log.Info().Str("addr", opt.Addr).Msg("super-admin directory backed by redis")
	}

	var cfg *propauthz.Config
	if *configPath != "" {
		cfg, err = propauthz.NewConfigLoader().LoadFile(*configPath)
		if err != nil {
			log.Fatal().Err(err).Str("config_path", *configPath).Msg("failed to load config")
		}
	}

	opts := []propauthz.EngineOption{propauthz.WithLogger(l)}
	if cfg != nil {
		opts = append(opts, propauthz.WithEngineConfig(cfg.Engine))
	}

	if *natsURL != "" {
		nc, err := nats.Connect(*natsURL,
			nats.Name("propauthz-server"),
			nats.ReconnectWait(2*time.Second),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			log.Fatal().Err(err).Str("url", *natsURL).Msg("failed to connect to nats")
		}
		defer nc.Drain()
		opts = append(opts, propauthz.WithInvalidationBus(
			stores.NewNATSInvalidationBus(nc, getenv("PROPAUTHZ_NATS_SUBJECT", stores.DefaultInvalidationSubject), l),
		))
		log.Info().Str("url", *natsURL).Msg("cache invalidation over nats")
	}

	engine, err := propauthz.NewEngine(st, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create engine")
	}
	defer engine.Close()

	if cfg != nil {
		if err := engine.ApplyConfig(context.Background(), cfg); err != nil {
			log.Fatal().Err(err).Msg("failed to apply config")
		}
		s := cfg.Stats()
		log.Info().Int("plans", s.Plans).Int("organizations", s.Organizations).Int("users", s.Users).Msg("seed configuration applied")
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           guard.NewDecisionServer(engine, guard.HeaderPrincipal(*userHeader, *orgHeader), l),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", *addr).Msg("decision server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// openStores returns SQL-backed stores when a driver is set and in-memory ones otherwise.
func openStores(driver, dsn string) (propauthz.Stores, func(), error) {
	if driver == "" {
		return stores.NewMemory().Stores(), func() {}, nil
	}
	switch driver {
	case "sqlite", "postgres":
	default:
		return propauthz.Stores{}, nil, fmt.Errorf("unsupported driver: %s", driver)
	}
	if dsn == "" {
		return propauthz.Stores{}, nil, fmt.Errorf("%s requires a dsn", driver)
	}
	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return propauthz.Stores{}, nil, err
	}
	if driver == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	}
	db := squealx.NewDb(sqlDB, driver, "propauthz")
	if err := stores.Migrate(db); err != nil {
		sqlDB.Close()
		return propauthz.Stores{}, nil, fmt.Errorf("migrate: %w", err)
	}
	st, err := stores.NewSQLStores(db)
	if err != nil {
		sqlDB.Close()
		return propauthz.Stores{}, nil, err
	}
	return st, func() { sqlDB.Close() }, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
