// Package sqlutil holds the request_log query building shared by the SQL backends.
package sqlutil

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pendingjustification/pjedge/internal/model"
)

const Table = "request_log"

// Columns is the select list every SQL backend scans with ScanRecord.
const Columns = "id, ts, request_id, client_ip, source, method, path, status_code, latency_ms, cache_status, user_agent"

// InsertColumns is Columns without the store-assigned id.
const InsertColumns = "ts, request_id, client_ip, source, method, path, status_code, latency_ms, cache_status, user_agent"

// Dialect captures the syntax differences between the SQL backends.
type Dialect struct {
	placeholder func(n int) string
	contains    string // fmt pattern: column, placeholder
	offsetFetch bool
}

var (
	SQLite = Dialect{
		placeholder: func(int) string { return "?" },
		contains:    "instr(%s, %s) > 0",
	}
	Postgres = Dialect{
		placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
		contains:    "strpos(%s, %s) > 0",
	}
	Oracle = Dialect{
		placeholder: func(n int) string { return ":" + strconv.Itoa(n) },
		contains:    "INSTR(%s, %s) > 0",
		offsetFetch: true,
	}
)

// Placeholder returns the bind marker for the n-th (1-based) argument.
func (d Dialect) Placeholder(n int) string {
	return d.placeholder(n)
}

// Placeholders returns count markers starting at first, comma separated.
func (d Dialect) Placeholders(first, count int) string {
	parts := make([]string, count)
	for i := range parts {
		parts[i] = d.placeholder(first + i)
	}
	return strings.Join(parts, ", ")
}

// Where renders f as a WHERE clause (with leading space) and its arguments.
// Bind numbering starts at first. The path filter is a literal substring match.
func (d Dialect) Where(f model.LogFilter, first int) (string, []interface{}) {
	var conds []string
	var args []interface{}
	next := func(v interface{}) string {
		args = append(args, v)
		return d.placeholder(first + len(args) - 1)
	}

	if f.Source != "" {
		conds = append(conds, "source = "+next(f.Source))
	}
	if f.Path != "" {
		conds = append(conds, fmt.Sprintf(d.contains, "path", next(f.Path)))
	}
	if f.IP != "" {
		conds = append(conds, "client_ip = "+next(f.IP))
	}
	if f.Status != nil {
		conds = append(conds, "status_code = "+next(*f.Status))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Page renders the pagination suffix with bind numbering starting at first.
func (d Dialect) Page(first, limit, offset int) (string, []interface{}) {
	if d.offsetFetch {
		return fmt.Sprintf(" OFFSET %s ROWS FETCH NEXT %s ROWS ONLY", d.placeholder(first), d.placeholder(first+1)),
			[]interface{}{offset, limit}
	}
	return fmt.Sprintf(" LIMIT %s OFFSET %s", d.placeholder(first), d.placeholder(first+1)),
		[]interface{}{limit, offset}
}

// ToMillis and FromMillis convert between time.Time and the integer
// millisecond timestamps stored by the SQLite and Oracle schemas.
func ToMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// InsertArgs returns the values for InsertColumns with ts in milliseconds.
func InsertArgs(rec *model.LogRecord) []interface{} {
	return []interface{}{
		ToMillis(rec.TS), rec.RequestID, rec.IP, rec.Source, rec.Method,
		rec.Path, rec.Status, rec.LatencyMS, rec.Cache, rec.UserAgent,
	}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// ScanRecord reads one Columns row whose ts is stored in milliseconds.
// Text columns go through sql.NullString since Oracle stores '' as NULL.
func ScanRecord(row scanner) (model.LogRecord, error) {
	var rec model.LogRecord
	var ts int64
	var requestID, ip, source, method, path, cache, userAgent sql.NullString
	err := row.Scan(&rec.ID, &ts, &requestID, &ip, &source, &method,
		&path, &rec.Status, &rec.LatencyMS, &cache, &userAgent)
	if err != nil {
		return rec, err
	}
	rec.TS = FromMillis(ts)
	rec.RequestID = requestID.String
	rec.IP = ip.String
	rec.Source = source.String
	rec.Method = method.String
	rec.Path = path.String
	rec.Cache = cache.String
	rec.UserAgent = userAgent.String
	return rec, nil
}

// QueryPage runs the count and page queries on a millisecond-ts schema.
func QueryPage(ctx context.Context, db *sql.DB, d Dialect, f model.LogFilter, limit, offset int) (*model.LogPage, error) {
	limit, offset = model.ClampPage(limit, offset)
	where, args := d.Where(f, 1)

	page := &model.LogPage{Rows: []model.LogRecord{}, Limit: limit, Offset: offset}
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+Table+where, args...).Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("count request log: %w", err)
	}
	if page.Total == 0 || int64(offset) >= page.Total {
		return page, nil
	}

	pageSQL, pageArgs := d.Page(len(args)+1, limit, offset)
	rows, err := db.QueryContext(ctx,
		"SELECT "+Columns+" FROM "+Table+where+" ORDER BY id DESC"+pageSQL,
		append(args, pageArgs...)...)
	if err != nil {
		return nil, fmt.Errorf("query request log: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := ScanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request log: %w", err)
		}
		page.Rows = append(page.Rows, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate request log: %w", err)
	}
	return page, nil
}

// QueryStats computes the snapshot on a millisecond-ts schema.
func QueryStats(ctx context.Context, db *sql.DB, d Dialect, now time.Time) (*model.StatsSnapshot, error) {
	hour := ToMillis(now.Add(-time.Hour))
	day := ToMillis(now.Add(-24 * time.Hour))

	stats := &model.StatsSnapshot{BySource: []model.SourceCount{}}
	err := db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT COUNT(*), COALESCE(SUM(CASE WHEN ts >= %s THEN 1 ELSE 0 END), 0), COALESCE(SUM(CASE WHEN ts >= %s THEN 1 ELSE 0 END), 0) FROM %s",
		d.placeholder(1), d.placeholder(2), Table), hour, day).
		Scan(&stats.Total, &stats.LastHour, &stats.LastDay)
	if err != nil {
		return nil, fmt.Errorf("count request log windows: %w", err)
	}

	rows, err := db.QueryContext(ctx, fmt.Sprintf(
		"SELECT source, COUNT(*) AS n FROM %s WHERE ts >= %s GROUP BY source ORDER BY n DESC, source ASC",
		Table, d.placeholder(1)), day)
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
