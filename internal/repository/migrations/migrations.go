package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

//go:embed sqlite/*.sql
var sqliteFS embed.FS

const migrationTable = "schema_migrations"

// ApplySQLite executes each embedded SQLite migration at most once,
// recording applied files in schema_migrations.
func ApplySQLite(ctx context.Context, db *sql.DB) error {
	entries, err := fs.ReadDir(sqliteFS, "sqlite")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+migrationTable+` (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, name := range files {
		var found int
		err := db.QueryRowContext(ctx, "SELECT 1 FROM "+migrationTable+" WHERE name = ?", name).Scan(&found)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check migration %s: %w", name, err)
		}

		content, err := fs.ReadFile(sqliteFS, "sqlite/"+name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		up := upSection(string(content))
		if strings.TrimSpace(up) == "" {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, up); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO "+migrationTable+" (name, applied_at) VALUES (?, ?)",
			name, time.Now().UTC().UnixMilli(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}
	return nil
}

func upSection(content string) string {
	const up, down = "-- +migrate Up", "-- +migrate Down"
	start := strings.Index(content, up)
	if start == -1 {
		return content
	}
	end := strings.Index(content, down)
	if end == -1 {
		return content[start+len(up):]
	}
	return content[start+len(up) : end]
}

// PostgreSQL migrations
var PostgresSchema = `
CREATE TABLE IF NOT EXISTS request_log (
    id BIGSERIAL PRIMARY KEY,
    ts TIMESTAMP WITH TIME ZONE NOT NULL,
    request_id VARCHAR(64) NOT NULL DEFAULT '',
    client_ip VARCHAR(45) NOT NULL DEFAULT '',
    source VARCHAR(64) NOT NULL DEFAULT 'unknown',
    method VARCHAR(10) NOT NULL DEFAULT '',
    path TEXT NOT NULL DEFAULT '',
    status_code INTEGER NOT NULL,
    latency_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
    cache_status VARCHAR(4) NOT NULL DEFAULT '-',
    user_agent TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_request_log_ts ON request_log(ts);
CREATE INDEX IF NOT EXISTS idx_request_log_source ON request_log(source);
CREATE INDEX IF NOT EXISTS idx_request_log_client_ip ON request_log(client_ip);
CREATE INDEX IF NOT EXISTS idx_request_log_status ON request_log(status_code);
`

// Oracle migrations. Each entry is run on its own; ORA-00955 (name already
// used) makes them idempotent. ts holds epoch milliseconds.
var OracleSchema = []string{
	oracleIgnoreExisting(`CREATE TABLE request_log (
        id NUMBER(19) GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
        ts NUMBER(19) NOT NULL,
        request_id VARCHAR2(64),
        client_ip VARCHAR2(45),
        source VARCHAR2(64) NOT NULL,
        method VARCHAR2(10),
        path VARCHAR2(2048),
        status_code NUMBER(5) NOT NULL,
        latency_ms BINARY_DOUBLE NOT NULL,
        cache_status VARCHAR2(4) NOT NULL,
        user_agent VARCHAR2(1024)
    )`),
	oracleIgnoreExisting(`CREATE INDEX idx_request_log_ts ON request_log(ts)`),
	oracleIgnoreExisting(`CREATE INDEX idx_request_log_source ON request_log(source)`),
	oracleIgnoreExisting(`CREATE INDEX idx_request_log_client_ip ON request_log(client_ip)`),
	oracleIgnoreExisting(`CREATE INDEX idx_request_log_status ON request_log(status_code)`),
}

func oracleIgnoreExisting(ddl string) string {
	return `BEGIN
    EXECUTE IMMEDIATE '` + strings.ReplaceAll(ddl, "'", "''") + `';
EXCEPTION
    WHEN OTHERS THEN
        IF SQLCODE != -955 THEN
            RAISE;
        END IF;
END;`
}

// Couchbase indexes
func GetCouchbaseIndexes(bucketName string) []string {
	return []string{
		fmt.Sprintf("CREATE PRIMARY INDEX IF NOT EXISTS ON `%s`", bucketName),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_request_log_id ON `%s`(id DESC) WHERE type = \"request_log\"", bucketName),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_request_log_ts ON `%s`(ts) WHERE type = \"request_log\"", bucketName),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_request_log_source ON `%s`(source, ts) WHERE type = \"request_log\"", bucketName),
	}
}
