package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/xraph/courier"
	redisbroker "github.com/xraph/courier/broker/redis"
	"github.com/xraph/courier/engine"
	"github.com/xraph/courier/store"
	"github.com/xraph/courier/store/memory"
	"github.com/xraph/courier/store/mongo"
	"github.com/xraph/courier/store/postgres"
	"github.com/xraph/courier/store/sqlite"
)

// globals holds the persistent flag values shared by every subcommand.
type globals struct {
	store       string
	postgresDSN string
	mongoURI    string
	mongoDB     string
	sqlitePath  string
	redisAddr   string
	logLevel    string
	jsonOutput  bool
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	cmd := &cobra.Command{
		Use:          "courier",
		Short:        "Durable two-tier job scheduling",
		SilenceUsage: true,
	}

	f := cmd.PersistentFlags()
	f.StringVar(&g.store, "store", "", "record store: memory, postgres, mongo or sqlite")
	f.StringVar(&g.postgresDSN, "postgres-dsn", "", "PostgreSQL connection string")
	f.StringVar(&g.mongoURI, "mongo-uri", "", "MongoDB connection URI")
	f.StringVar(&g.mongoDB, "mongo-db", "", "MongoDB database name")
	f.StringVar(&g.sqlitePath, "sqlite-path", "", "SQLite database file")
	f.StringVar(&g.redisAddr, "redis-addr", "", "Redis broker address (empty disables the broker)")
	f.StringVar(&g.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	f.BoolVar(&g.jsonOutput, "json", false, "print results as JSON")

	cmd.AddCommand(
		newServeCmd(g),
		newEnqueueCmd(g),
		newStatsCmd(g),
		newListCmd(g),
		newGetCmd(g),
		newCancelCmd(g),
		newRetryCmd(g),
		newPromoteCmd(g),
		newCleanupCmd(g),
	)
	return cmd
}

// config loads the environment configuration and applies flag overrides.
func (g *globals) config() (courier.Config, error) {
	cfg, err := courier.LoadConfig()
	if err != nil {
		return courier.Config{}, err
	}
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&cfg.Store, g.store)
	override(&cfg.PostgresDSN, g.postgresDSN)
	override(&cfg.MongoURI, g.mongoURI)
	override(&cfg.MongoDB, g.mongoDB)
	override(&cfg.SQLitePath, g.sqlitePath)
	override(&cfg.RedisAddr, g.redisAddr)
	return cfg, nil
}

func (g *globals) logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.logLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openStore connects to and migrates the configured store.
func openStore(ctx context.Context, cfg courier.Config, logger *slog.Logger) (store.Store, error) {
	var (
		s   store.Store
		err error
	)
	switch strings.ToLower(cfg.Store) {
	case "", "memory":
		logger.Warn("using the in-memory store, records do not outlive this process")
		s = memory.New()
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, errors.New("courier: postgres store needs COURIER_POSTGRES_DSN or --postgres-dsn")
		}
		s, err = postgres.New(ctx, cfg.PostgresDSN, postgres.WithLogger(logger))
	case "mongo":
		if cfg.MongoURI == "" {
			return nil, errors.New("courier: mongo store needs COURIER_MONGO_URI or --mongo-uri")
		}
		s, err = mongo.New(ctx, cfg.MongoURI, cfg.MongoDB,
			mongo.WithLogger(logger),
			mongo.WithRetention(cfg.CompletedRetention, cfg.FailedRetention),
		)
	case "sqlite":
		s, err = sqlite.Open(cfg.SQLitePath, sqlite.WithLogger(logger))
	default:
		return nil, fmt.Errorf("courier: unknown store %q", cfg.Store)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// openEngine builds an engine over the configured store and broker. The
// returned close func releases the store; Engine.Stop releases the broker
// for started engines.
func (g *globals) openEngine(ctx context.Context, opts ...engine.Option) (*engine.Engine, func(), error) {
	cfg, err := g.config()
	if err != nil {
		return nil, nil, err
	}
	logger := g.logger()

	s, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	base := []engine.Option{
		engine.WithConfig(cfg),
		engine.WithStore(s),
		engine.WithLogger(logger),
	}
	var b *redisbroker.Broker
	if cfg.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		b = redisbroker.New(client, redisbroker.WithOwnedClient(), redisbroker.WithLogger(logger))
		base = append(base, engine.WithBroker(b))
	}

	eng, err := engine.Build(append(base, opts...)...)
	if err != nil {
		if b != nil {
			_ = b.Close()
		}
		_ = s.Close()
		return nil, nil, err
	}

	closeFn := func() {
		if b != nil {
			_ = b.Close()
		}
		if err := s.Close(); err != nil {
			logger.Warn("failed to close store", slog.String("error", err.Error()))
		}
	}
	return eng, closeFn, nil
}
