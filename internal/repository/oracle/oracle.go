package oracle

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pendingjustification/pjedge/internal/model"
	"github.com/pendingjustification/pjedge/internal/repository/migrations"
	"github.com/pendingjustification/pjedge/internal/repository/sqlutil"
	"github.com/rs/zerolog"
	_ "github.com/sijms/go-ora/v2"
)

var insertSQL = "INSERT INTO " + sqlutil.Table + " (" + sqlutil.InsertColumns + ") VALUES (" +
	sqlutil.Oracle.Placeholders(1, 10) + ") RETURNING id INTO " + sqlutil.Oracle.Placeholder(11)

type OracleRepository struct {
	DB *sql.DB
}

func NewOracleRepository(connStr string) (*OracleRepository, error) {
	db, err := sql.Open("oracle", connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to Oracle: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("unable to ping Oracle: %w", err)
	}

	return &OracleRepository{DB: db}, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insert(ctx context.Context, db execer, rec *model.LogRecord) (int64, error) {
	var id int64
	args := append(sqlutil.InsertArgs(rec), sql.Out{Dest: &id})
	if _, err := db.ExecContext(ctx, insertSQL, args...); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *OracleRepository) Append(ctx context.Context, rec *model.LogRecord) (int64, error) {
	rec.Normalize(time.Now())

	id, err := insert(ctx, r.DB, rec)
	if err != nil {
		return 0, fmt.Errorf("insert request log: %w", err)
	}
	rec.ID = id
	return id, nil
}

func (r *OracleRepository) AppendBatch(ctx context.Context, recs []*model.LogRecord) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	ids := make([]int64, len(recs))
	for i, rec := range recs {
		rec.Normalize(now)
		if ids[i], err = insert(ctx, tx, rec); err != nil {
			return fmt.Errorf("insert request log batch: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	for i, rec := range recs {
		rec.ID = ids[i]
	}
	return nil
}

func (r *OracleRepository) Query(ctx context.Context, filter model.LogFilter, limit, offset int) (*model.LogPage, error) {
	return sqlutil.QueryPage(ctx, r.DB, sqlutil.Oracle, filter, limit, offset)
}

func (r *OracleRepository) Stats(ctx context.Context, now time.Time) (*model.StatsSnapshot, error) {
	return sqlutil.QueryStats(ctx, r.DB, sqlutil.Oracle, now)
}

func (r *OracleRepository) Close() error {
	return r.DB.Close()
}

func (r *OracleRepository) Migrate(ctx context.Context) error {
	log := zerolog.Ctx(ctx)
	log.Info().Msg("Starting Oracle migrations")

	for _, stmt := range migrations.OracleSchema {
		if _, err := r.DB.ExecContext(ctx, stmt); err != nil {
			log.Error().Err(err).Msg("Oracle migrations failed")
			return fmt.Errorf("migration error: %w", err)
		}
	}

	log.Info().Msg("Oracle migrations completed successfully")
	return nil
}
