package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pendingjustification/pjedge/internal/model"
	"github.com/pendingjustification/pjedge/internal/repository/migrations"
	"github.com/pendingjustification/pjedge/internal/repository/sqlutil"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

var insertSQL = "INSERT INTO " + sqlutil.Table + " (" + sqlutil.InsertColumns + ") VALUES (" +
	sqlutil.SQLite.Placeholders(1, 10) + ") RETURNING id"

type SQLiteRepository struct {
	DB *sql.DB
}

// NewSQLiteRepository opens (or creates) the database file at path.
// A single connection serializes writers so ids follow commit order.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLiteRepository{DB: db}, nil
}

func (r *SQLiteRepository) Append(ctx context.Context, rec *model.LogRecord) (int64, error) {
	rec.Normalize(time.Now())

	var id int64
	if err := r.DB.QueryRowContext(ctx, insertSQL, sqlutil.InsertArgs(rec)...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert request log: %w", err)
	}
	rec.ID = id
	return id, nil
}

func (r *SQLiteRepository) AppendBatch(ctx context.Context, recs []*model.LogRecord) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	ids := make([]int64, len(recs))
	for i, rec := range recs {
		rec.Normalize(now)
		if err := stmt.QueryRowContext(ctx, sqlutil.InsertArgs(rec)...).Scan(&ids[i]); err != nil {
			return fmt.Errorf("insert request log batch: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	for i, rec := range recs {
		rec.ID = ids[i]
	}
	zerolog.Ctx(ctx).Debug().Int("count", len(recs)).Msg("Saved request log batch")
	return nil
}

func (r *SQLiteRepository) Query(ctx context.Context, filter model.LogFilter, limit, offset int) (*model.LogPage, error) {
	return sqlutil.QueryPage(ctx, r.DB, sqlutil.SQLite, filter, limit, offset)
}

func (r *SQLiteRepository) Stats(ctx context.Context, now time.Time) (*model.StatsSnapshot, error) {
	return sqlutil.QueryStats(ctx, r.DB, sqlutil.SQLite, now)
}

func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	log := zerolog.Ctx(ctx)
	log.Info().Msg("Starting SQLite migrations")

	if err := migrations.ApplySQLite(ctx, r.DB); err != nil {
		log.Error().Err(err).Msg("SQLite migrations failed")
		return fmt.Errorf("migration error: %w", err)
	}

	log.Info().Msg("SQLite migrations completed successfully")
	return nil
}

func (r *SQLiteRepository) Close() error {
	return r.DB.Close()
}
