package sqlutil

import (
	"reflect"
	"testing"
	"time"

	"github.com/pendingjustification/pjedge/internal/model"
)

func TestWhereEmptyFilter(t *testing.T) {
	where, args := Postgres.Where(model.LogFilter{}, 1)
	if where != "" || args != nil {
		t.Errorf("Where(empty) = %q, %v; want empty", where, args)
	}
}

func TestWhereDialects(t *testing.T) {
	status := 429
	f := model.LogFilter{Source: "ui", Path: "jaas", IP: "1.2.3.4", Status: &status}
	wantArgs := []interface{}{"ui", "jaas", "1.2.3.4", 429}

	cases := []struct {
		name    string
		dialect Dialect
		first   int
		want    string
	}{
		{"postgres", Postgres, 1, " WHERE source = $1 AND strpos(path, $2) > 0 AND client_ip = $3 AND status_code = $4"},
		{"postgres offset", Postgres, 3, " WHERE source = $3 AND strpos(path, $4) > 0 AND client_ip = $5 AND status_code = $6"},
		{"sqlite", SQLite, 1, " WHERE source = ? AND instr(path, ?) > 0 AND client_ip = ? AND status_code = ?"},
		{"oracle", Oracle, 1, " WHERE source = :1 AND INSTR(path, :2) > 0 AND client_ip = :3 AND status_code = :4"},
	}
	for _, c := range cases {
		where, args := c.dialect.Where(f, c.first)
		if where != c.want {
			t.Errorf("%s: where = %q, want %q", c.name, where, c.want)
		}
		if !reflect.DeepEqual(args, wantArgs) {
			t.Errorf("%s: args = %v, want %v", c.name, args, wantArgs)
		}
	}
}

func TestPage(t *testing.T) {
	sql, args := SQLite.Page(2, 10, 20)
	if sql != " LIMIT ? OFFSET ?" || !reflect.DeepEqual(args, []interface{}{10, 20}) {
		t.Errorf("sqlite page = %q %v", sql, args)
	}
	sql, args = Oracle.Page(2, 10, 20)
	if sql != " OFFSET :2 ROWS FETCH NEXT :3 ROWS ONLY" || !reflect.DeepEqual(args, []interface{}{20, 10}) {
		t.Errorf("oracle page = %q %v", sql, args)
	}
	sql, _ = Postgres.Page(5, 10, 20)
	if sql != " LIMIT $5 OFFSET $6" {
		t.Errorf("postgres page = %q", sql)
	}
}

func TestPlaceholders(t *testing.T) {
	if got := Oracle.Placeholders(1, 3); got != ":1, :2, :3" {
		t.Errorf("Placeholders = %q", got)
	}
}

func TestMillisRoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 9, 10, 11, 12, 345_000_000, time.UTC)
	if got := FromMillis(ToMillis(ts)); !got.Equal(ts) {
		t.Errorf("round trip = %v, want %v", got, ts)
	}
}
