package couchbase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/couchbase/gocb/v2"
	"github.com/pendingjustification/pjedge/internal/model"
	"github.com/pendingjustification/pjedge/internal/repository/migrations"
	"github.com/rs/zerolog"
)

const (
	docType    = "request_log"
	counterKey = "request_log::seq"
)

type CouchbaseRepository struct {
	Cluster *gocb.Cluster
	Bucket  *gocb.Bucket
}

func NewCouchbaseRepository(connStr, bucketName, username, password string) (*CouchbaseRepository, error) {
	cluster, err := gocb.Connect(
		connStr,
		gocb.ClusterOptions{
			Username: username,
			Password: password,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to Couchbase: %w", err)
	}

	bucket := cluster.Bucket(bucketName)
	err = bucket.WaitUntilReady(5*time.Second, nil)
	if err != nil {
		return nil, fmt.Errorf("bucket not ready: %w", err)
	}

	return &CouchbaseRepository{
		Cluster: cluster,
		Bucket:  bucket,
	}, nil
}

// logDoc is the stored document. ts holds epoch milliseconds so range
// predicates compare numbers.
type logDoc struct {
	Type      string  `json:"type"`
	ID        int64   `json:"id"`
	TS        int64   `json:"ts"`
	RequestID string  `json:"request_id"`
	IP        string  `json:"ip"`
	Source    string  `json:"source"`
	Method    string  `json:"method"`
	Path      string  `json:"path"`
	Status    int     `json:"status"`
	LatencyMS float64 `json:"latency_ms"`
	Cache     string  `json:"cache"`
	UserAgent string  `json:"user_agent"`
}

func toDoc(rec *model.LogRecord) logDoc {
	return logDoc{
		Type: docType, ID: rec.ID, TS: rec.TS.UTC().UnixMilli(),
		RequestID: rec.RequestID, IP: rec.IP, Source: rec.Source, Method: rec.Method,
		Path: rec.Path, Status: rec.Status, LatencyMS: rec.LatencyMS, Cache: rec.Cache, UserAgent: rec.UserAgent,
	}
}

func (d logDoc) record() model.LogRecord {
	return model.LogRecord{
		ID: d.ID, TS: time.UnixMilli(d.TS).UTC(),
		RequestID: d.RequestID, IP: d.IP, Source: d.Source, Method: d.Method,
		Path: d.Path, Status: d.Status, LatencyMS: d.LatencyMS, Cache: d.Cache, UserAgent: d.UserAgent,
	}
}

// reserve allocates n consecutive ids and returns the first.
func (r *CouchbaseRepository) reserve(ctx context.Context, n int) (int64, error) {
	res, err := r.Bucket.DefaultCollection().Binary().Increment(counterKey, &gocb.IncrementOptions{
		Initial: int64(n),
		Delta:   uint64(n),
		Context: ctx,
	})
	if err != nil {
		return 0, fmt.Errorf("reserve request log id: %w", err)
	}
	return int64(res.Content()) - int64(n) + 1, nil
}

func (r *CouchbaseRepository) insert(ctx context.Context, rec *model.LogRecord) error {
	_, err := r.Bucket.DefaultCollection().Insert(
		fmt.Sprintf("log::%d", rec.ID),
		toDoc(rec),
		&gocb.InsertOptions{Context: ctx},
	)
	return err
}

func (r *CouchbaseRepository) Append(ctx context.Context, rec *model.LogRecord) (int64, error) {
	rec.Normalize(time.Now())

	id, err := r.reserve(ctx, 1)
	if err != nil {
		return 0, err
	}
	rec.ID = id
	if err := r.insert(ctx, rec); err != nil {
		rec.ID = 0
		return 0, fmt.Errorf("insert request log: %w", err)
	}
	return id, nil
}

func (r *CouchbaseRepository) AppendBatch(ctx context.Context, recs []*model.LogRecord) error {
	if len(recs) == 0 {
		return nil
	}

	first, err := r.reserve(ctx, len(recs))
	if err != nil {
		return err
	}

	now := time.Now()
	for i, rec := range recs {
		rec.Normalize(now)
		rec.ID = first + int64(i)
		if err := r.insert(ctx, rec); err != nil {
			return fmt.Errorf("insert request log batch: %w", err)
		}
	}
	return nil
}

func (r *CouchbaseRepository) query(ctx context.Context, stmt string, params map[string]interface{}) (*gocb.QueryResult, error) {
	return r.Cluster.Query(stmt, &gocb.QueryOptions{
		NamedParameters: params,
		ScanConsistency: gocb.QueryScanConsistencyRequestPlus,
		Context:         ctx,
	})
}

func (r *CouchbaseRepository) from() string {
	return fmt.Sprintf("FROM `%s` AS d WHERE d.`type` = $type", r.Bucket.Name())
}

func where(f model.LogFilter, params map[string]interface{}) string {
	var conds []string
	if f.Source != "" {
		conds = append(conds, "d.`source` = $source")
		params["source"] = f.Source
	}
	if f.Path != "" {
		conds = append(conds, "CONTAINS(d.`path`, $path)")
		params["path"] = f.Path
	}
	if f.IP != "" {
		conds = append(conds, "d.`ip` = $ip")
		params["ip"] = f.IP
	}
	if f.Status != nil {
		conds = append(conds, "d.`status` = $status")
		params["status"] = *f.Status
	}
	if len(conds) == 0 {
		return ""
	}
	return " AND " + strings.Join(conds, " AND ")
}

func (r *CouchbaseRepository) Query(ctx context.Context, filter model.LogFilter, limit, offset int) (*model.LogPage, error) {
	limit, offset = model.ClampPage(limit, offset)
	page := &model.LogPage{Rows: []model.LogRecord{}, Limit: limit, Offset: offset}

	params := map[string]interface{}{"type": docType}
	cond := r.from() + where(filter, params)

	res, err := r.query(ctx, "SELECT RAW COUNT(*) "+cond, params)
	if err != nil {
		return nil, fmt.Errorf("count request log: %w", err)
	}
	if err := res.One(&page.Total); err != nil {
		return nil, fmt.Errorf("count request log: %w", err)
	}
	if page.Total == 0 || int64(offset) >= page.Total {
		return page, nil
	}

	params["limit"] = limit
	params["offset"] = offset
	res, err = r.query(ctx, "SELECT d.* "+cond+" ORDER BY d.`id` DESC LIMIT $limit OFFSET $offset", params)
	if err != nil {
		return nil, fmt.Errorf("query request log: %w", err)
	}
	defer res.Close()

	for res.Next() {
		var doc logDoc
		if err := res.Row(&doc); err != nil {
			return nil, fmt.Errorf("decode request log: %w", err)
		}
		page.Rows = append(page.Rows, doc.record())
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("iterate request log: %w", err)
	}
	return page, nil
}

func (r *CouchbaseRepository) Stats(ctx context.Context, now time.Time) (*model.StatsSnapshot, error) {
	params := map[string]interface{}{
		"type": docType,
		"hour": now.Add(-time.Hour).UTC().UnixMilli(),
		"day":  now.Add(-24 * time.Hour).UTC().UnixMilli(),
	}

	var counts struct {
		Total    int64 `json:"total"`
		LastHour int64 `json:"lastHour"`
		LastDay  int64 `json:"lastDay"`
	}
	res, err := r.query(ctx, "SELECT COUNT(*) AS total, "+
		"IFNULL(SUM(CASE WHEN d.`ts` >= $hour THEN 1 ELSE 0 END), 0) AS lastHour, "+
		"IFNULL(SUM(CASE WHEN d.`ts` >= $day THEN 1 ELSE 0 END), 0) AS lastDay "+r.from(), params)
	if err != nil {
		return nil, fmt.Errorf("count request log windows: %w", err)
	}
	if err := res.One(&counts); err != nil {
		return nil, fmt.Errorf("count request log windows: %w", err)
	}

	stats := &model.StatsSnapshot{
		Total:    counts.Total,
		LastHour: counts.LastHour,
		LastDay:  counts.LastDay,
		BySource: []model.SourceCount{},
	}

	res, err = r.query(ctx, "SELECT d.`source` AS source, COUNT(*) AS v "+r.from()+
		" AND d.`ts` >= $day GROUP BY d.`source` ORDER BY v DESC, source ASC", params)
	if err != nil {
		return nil, fmt.Errorf("group request log by source: %w", err)
	}
	defer res.Close()

	for res.Next() {
		var sc model.SourceCount
		if err := res.Row(&sc); err != nil {
			return nil, fmt.Errorf("decode source count: %w", err)
		}
		stats.BySource = append(stats.BySource, sc)
	}
	return stats, res.Err()
}

func (r *CouchbaseRepository) Close() error {
	return r.Cluster.Close(nil)
}

func (r *CouchbaseRepository) Migrate(ctx context.Context) error {
	log := zerolog.Ctx(ctx)
	log.Info().Msg("Starting Couchbase migrations")

	indexes := migrations.GetCouchbaseIndexes(r.Bucket.Name())
	for _, indexQuery := range indexes {
		_, err := r.Cluster.Query(indexQuery, &gocb.QueryOptions{Context: ctx})
		if err != nil && !strings.Contains(err.Error(), "already exists") {
			log.Error().Err(err).Str("query", indexQuery).Msg("Failed to create Couchbase index")
			return fmt.Errorf("index creation error: %w", err)
		}
	}

	log.Info().Msg("Couchbase migrations completed successfully")
	return nil
}

// Purge deletes every request log document. The id counter is kept so ids
// stay increasing.
func (r *CouchbaseRepository) Purge(ctx context.Context) error {
	_, err := r.query(ctx, fmt.Sprintf("DELETE FROM `%s` AS d WHERE d.`type` = $type", r.Bucket.Name()),
		map[string]interface{}{"type": docType})
	return err
}
