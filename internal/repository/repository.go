package repository

import (
	"context"
	"time"

	"github.com/pendingjustification/pjedge/internal/model"
)

// LogRepository is the append-only request log. Implementations must be
// safe for concurrent use and assign strictly increasing ids.
type LogRepository interface {
	// Append stores rec, sets rec.ID and returns it.
	Append(ctx context.Context, rec *model.LogRecord) (int64, error)
	// AppendBatch stores recs in order and sets each rec.ID.
	AppendBatch(ctx context.Context, recs []*model.LogRecord) error
	// Query returns matching rows newest first; limit and offset are clamped.
	Query(ctx context.Context, filter model.LogFilter, limit, offset int) (*model.LogPage, error)
	// Stats counts rows overall and in the trailing hour and day before now.
	Stats(ctx context.Context, now time.Time) (*model.StatsSnapshot, error)
	Migrate(ctx context.Context) error
	Close() error
}
