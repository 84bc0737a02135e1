package repository

import (
	"fmt"

	"github.com/pendingjustification/pjedge/internal/config"
	"github.com/pendingjustification/pjedge/internal/repository/couchbase"
	"github.com/pendingjustification/pjedge/internal/repository/memory"
	"github.com/pendingjustification/pjedge/internal/repository/mongo"
	"github.com/pendingjustification/pjedge/internal/repository/oracle"
	"github.com/pendingjustification/pjedge/internal/repository/postgres"
	"github.com/pendingjustification/pjedge/internal/repository/sqlite"
	"github.com/rs/zerolog/log"
	ora "github.com/sijms/go-ora/v2"
)

var defaultPorts = map[string]int{
	"postgres":  5432,
	"oracle":    1521,
	"couchbase": 11210,
}

func port(cfg *config.LogStoreConfig) int {
	if cfg.Port > 0 {
		return cfg.Port
	}
	return defaultPorts[cfg.Type]
}

// NewRepository connects the log store selected by cfg.Type. Migrate is
// left to the caller.
func NewRepository(cfg *config.LogStoreConfig) (LogRepository, error) {
	log.Info().
		Str("type", cfg.Type).
		Str("host", cfg.Host).
		Str("database", cfg.Database).
		Msg("Connecting to log store")

	switch cfg.Type {
	case "sqlite":
		return sqlite.NewSQLiteRepository(cfg.Path)

	case "memory":
		return memory.NewMemoryRepository(), nil

	case "postgres":
		connStr := fmt.Sprintf(
			"postgres://%s:%s@%s:%d/%s?pool_max_conns=%d&pool_min_conns=%d",
			cfg.User, cfg.Password, cfg.Host, port(cfg), cfg.Database,
			cfg.Pool.MaxConns, cfg.Pool.MinConns,
		)
		repo, err := postgres.NewPostgresRepository(connStr)
		if err != nil {
			return nil, err
		}
		repo.BatchSize = cfg.Pool.BatchSize
		return repo, nil

	case "oracle":
		connStr := ora.BuildUrl(cfg.Host, port(cfg), cfg.Database, cfg.User, cfg.Password, nil)
		return oracle.NewOracleRepository(connStr)

	case "mongodb":
		uri := cfg.URI
		if uri == "" {
			uri = fmt.Sprintf("mongodb://%s:%d", cfg.Host, 27017)
			if cfg.Port > 0 {
				uri = fmt.Sprintf("mongodb://%s:%d", cfg.Host, cfg.Port)
			}
		}
		return mongo.NewMongoRepository(uri, cfg.Database)

	case "couchbase":
		connStr := fmt.Sprintf("couchbase://%s:%d", cfg.Host, port(cfg))
		return couchbase.NewCouchbaseRepository(connStr, cfg.Database, cfg.User, cfg.Password)

	default:
		return nil, fmt.Errorf("unsupported log store type: %s", cfg.Type)
	}
}
