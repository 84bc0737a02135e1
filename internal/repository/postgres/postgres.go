package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pendingjustification/pjedge/internal/model"
	"github.com/pendingjustification/pjedge/internal/repository/migrations"
	"github.com/pendingjustification/pjedge/internal/repository/sqlutil"
	"github.com/rs/zerolog"
)

var insertSQL = "INSERT INTO " + sqlutil.Table + " (" + sqlutil.InsertColumns + ") VALUES (" +
	sqlutil.Postgres.Placeholders(1, 10) + ") RETURNING id"

type PostgresRepository struct {
	Pool      *pgxpool.Pool
	BatchSize int
}

func NewPostgresRepository(connStr string) (*PostgresRepository, error) {
	pool, err := pgxpool.Connect(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	return &PostgresRepository{Pool: pool}, nil
}

func insertArgs(rec *model.LogRecord) []interface{} {
	return []interface{}{
		rec.TS, rec.RequestID, rec.IP, rec.Source, rec.Method,
		rec.Path, rec.Status, rec.LatencyMS, rec.Cache, rec.UserAgent,
	}
}

func (r *PostgresRepository) Append(ctx context.Context, rec *model.LogRecord) (int64, error) {
	rec.Normalize(time.Now())

	var id int64
	if err := r.Pool.QueryRow(ctx, insertSQL, insertArgs(rec)...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert request log: %w", err)
	}
	rec.ID = id
	return id, nil
}

func (r *PostgresRepository) AppendBatch(ctx context.Context, recs []*model.LogRecord) error {
	if len(recs) == 0 {
		return nil
	}
	logger := zerolog.Ctx(ctx)

	logger.Debug().
		Int("count", len(recs)).
		Msg("Saving request logs to database")

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	size := r.BatchSize
	if size <= 0 {
		size = len(recs)
	}

	now := time.Now()
	ids := make([]int64, len(recs))
	for start := 0; start < len(recs); start += size {
		end := start + size
		if end > len(recs) {
			end = len(recs)
		}

		batch := &pgx.Batch{}
		for _, rec := range recs[start:end] {
			rec.Normalize(now)
			batch.Queue(insertSQL, insertArgs(rec)...)
		}

		br := tx.SendBatch(ctx, batch)
		for i := start; i < end; i++ {
			if err := br.QueryRow().Scan(&ids[i]); err != nil {
				_ = br.Close()
				logger.Error().Err(err).Msg("Failed to save request logs")
				return fmt.Errorf("insert request log batch: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	for i, rec := range recs {
		rec.ID = ids[i]
	}
	logger.Debug().Msg("Successfully saved request logs")
	return nil
}

func (r *PostgresRepository) Query(ctx context.Context, filter model.LogFilter, limit, offset int) (*model.LogPage, error) {
	limit, offset = model.ClampPage(limit, offset)
	d := sqlutil.Postgres
	where, args := d.Where(filter, 1)

	page := &model.LogPage{Rows: []model.LogRecord{}, Limit: limit, Offset: offset}
	if err := r.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+sqlutil.Table+where, args...).Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("count request log: %w", err)
	}
	if page.Total == 0 || int64(offset) >= page.Total {
		return page, nil
	}

	pageSQL, pageArgs := d.Page(len(args)+1, limit, offset)
	rows, err := r.Pool.Query(ctx,
		"SELECT "+sqlutil.Columns+" FROM "+sqlutil.Table+where+" ORDER BY id DESC"+pageSQL,
		append(args, pageArgs...)...)
	if err != nil {
		return nil, fmt.Errorf("query request log: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec model.LogRecord
		if err := rows.Scan(&rec.ID, &rec.TS, &rec.RequestID, &rec.IP, &rec.Source, &rec.Method,
			&rec.Path, &rec.Status, &rec.LatencyMS, &rec.Cache, &rec.UserAgent); err != nil {
			return nil, fmt.Errorf("scan request log: %w", err)
		}
		rec.TS = rec.TS.UTC()
		page.Rows = append(page.Rows, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate request log: %w", err)
	}
	return page, nil
}

func (r *PostgresRepository) Stats(ctx context.Context, now time.Time) (*model.StatsSnapshot, error) {
	hour := now.Add(-time.Hour)
	day := now.Add(-24 * time.Hour)

	stats := &model.StatsSnapshot{BySource: []model.SourceCount{}}
	err := r.Pool.QueryRow(ctx,
		`SELECT COUNT(*),
			COUNT(*) FILTER (WHERE ts >= $1),
			COUNT(*) FILTER (WHERE ts >= $2)
		FROM `+sqlutil.Table, hour, day).
		Scan(&stats.Total, &stats.LastHour, &stats.LastDay)
	if err != nil {
		return nil, fmt.Errorf("count request log windows: %w", err)
	}

	rows, err := r.Pool.Query(ctx,
		`SELECT source, COUNT(*) AS n FROM `+sqlutil.Table+`
		WHERE ts >= $1 GROUP BY source ORDER BY n DESC, source ASC`, day)
	if err != nil {
		return nil, fmt.Errorf("group request log by source: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sc model.SourceCount
		if err := rows.Scan(&sc.Source, &sc.Count); err != nil {
			return nil, fmt.Errorf("scan source count: %w", err)
		}
		stats.BySource = append(stats.BySource, sc)
	}
	return stats, rows.Err()
}

func (r *PostgresRepository) Close() error {
	r.Pool.Close()
	return nil
}

func (r *PostgresRepository) Migrate(ctx context.Context) error {
	log := zerolog.Ctx(ctx)
	log.Info().Msg("Starting PostgreSQL migrations")

	_, err := r.Pool.Exec(ctx, migrations.PostgresSchema)
	if err != nil {
		log.Error().Err(err).Msg("PostgreSQL migrations failed")
		return fmt.Errorf("migration error: %w", err)
	}

	log.Info().Msg("PostgreSQL migrations completed successfully")
	return nil
}
