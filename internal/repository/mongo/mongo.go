package mongo

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/pendingjustification/pjedge/internal/model"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	logCollection     = "request_log"
	counterCollection = "counters"
	counterID         = "request_log"
)

type MongoRepository struct {
	client *mongo.Client
	db     *mongo.Database
}

func NewMongoRepository(uri, dbName string) (*MongoRepository, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("unable to ping MongoDB: %w", err)
	}

	return &MongoRepository{
		client: client,
		db:     client.Database(dbName),
	}, nil
}

func (r *MongoRepository) Close() error {
	return r.client.Disconnect(context.Background())
}

// reserve allocates n consecutive ids and returns the first.
func (r *MongoRepository) reserve(ctx context.Context, n int) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := r.db.Collection(counterCollection).FindOneAndUpdate(ctx,
		bson.M{"_id": counterID},
		bson.M{"$inc": bson.M{"seq": int64(n)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("reserve request log id: %w", err)
	}
	return counter.Seq - int64(n) + 1, nil
}

func (r *MongoRepository) Append(ctx context.Context, rec *model.LogRecord) (int64, error) {
	rec.Normalize(time.Now())

	id, err := r.reserve(ctx, 1)
	if err != nil {
		return 0, err
	}
	rec.ID = id
	if _, err := r.db.Collection(logCollection).InsertOne(ctx, rec); err != nil {
		rec.ID = 0
		return 0, fmt.Errorf("insert request log: %w", err)
	}
	return id, nil
}

func (r *MongoRepository) AppendBatch(ctx context.Context, recs []*model.LogRecord) error {
	if len(recs) == 0 {
		return nil
	}

	first, err := r.reserve(ctx, len(recs))
	if err != nil {
		return err
	}

	now := time.Now()
	docs := make([]interface{}, len(recs))
	for i, rec := range recs {
		rec.Normalize(now)
		rec.ID = first + int64(i)
		docs[i] = rec
	}

	if _, err := r.db.Collection(logCollection).InsertMany(ctx, docs, options.InsertMany().SetOrdered(true)); err != nil {
		return fmt.Errorf("insert request log batch: %w", err)
	}
	zerolog.Ctx(ctx).Debug().Int("count", len(recs)).Msg("Saved request log batch")
	return nil
}

func filterDoc(f model.LogFilter) bson.M {
	doc := bson.M{}
	if f.Source != "" {
		doc["source"] = f.Source
	}
	if f.Path != "" {
		doc["path"] = primitive.Regex{Pattern: regexp.QuoteMeta(f.Path)}
	}
	if f.IP != "" {
		doc["ip"] = f.IP
	}
	if f.Status != nil {
		doc["status"] = *f.Status
	}
	return doc
}

func (r *MongoRepository) Query(ctx context.Context, filter model.LogFilter, limit, offset int) (*model.LogPage, error) {
	limit, offset = model.ClampPage(limit, offset)
	page := &model.LogPage{Rows: []model.LogRecord{}, Limit: limit, Offset: offset}
	coll := r.db.Collection(logCollection)
	doc := filterDoc(filter)

	total, err := coll.CountDocuments(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("count request log: %w", err)
	}
	page.Total = total
	if total == 0 || int64(offset) >= total {
		return page, nil
	}

	cursor, err := coll.Find(ctx, doc, options.Find().
		SetSort(bson.D{{Key: "_id", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("query request log: %w", err)
	}
	if err := cursor.All(ctx, &page.Rows); err != nil {
		return nil, fmt.Errorf("decode request log: %w", err)
	}
	for i := range page.Rows {
		page.Rows[i].TS = page.Rows[i].TS.UTC()
	}
	return page, nil
}

func (r *MongoRepository) Stats(ctx context.Context, now time.Time) (*model.StatsSnapshot, error) {
	coll := r.db.Collection(logCollection)
	hour := now.Add(-time.Hour)
	day := now.Add(-24 * time.Hour)

	stats := &model.StatsSnapshot{BySource: []model.SourceCount{}}
	var err error
	if stats.Total, err = coll.CountDocuments(ctx, bson.M{}); err != nil {
		return nil, fmt.Errorf("count request log: %w", err)
	}
	if stats.LastHour, err = coll.CountDocuments(ctx, bson.M{"ts": bson.M{"$gte": hour}}); err != nil {
		return nil, fmt.Errorf("count last hour: %w", err)
	}
	if stats.LastDay, err = coll.CountDocuments(ctx, bson.M{"ts": bson.M{"$gte": day}}); err != nil {
		return nil, fmt.Errorf("count last day: %w", err)
	}

	cursor, err := coll.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"ts": bson.M{"$gte": day}}}},
		{{Key: "$group", Value: bson.M{"_id": "$source", "count": bson.M{"$sum": 1}}}},
		{{Key: "$sort", Value: bson.D{{Key: "count", Value: -1}, {Key: "_id", Value: 1}}}},
	})
	if err != nil {
		return nil, fmt.Errorf("group request log by source: %w", err)
	}
	if err := cursor.All(ctx, &stats.BySource); err != nil {
		return nil, fmt.Errorf("decode source counts: %w", err)
	}
	return stats, nil
}

func (r *MongoRepository) Migrate(ctx context.Context) error {
	log := zerolog.Ctx(ctx)
	log.Info().Msg("Starting MongoDB migrations")

	_, err := r.db.Collection(logCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "ts", Value: 1}}},
		{Keys: bson.D{{Key: "source", Value: 1}, {Key: "ts", Value: 1}}},
		{Keys: bson.D{{Key: "ip", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	})
	if err != nil {
		log.Error().Err(err).Msg("MongoDB migrations failed")
		return fmt.Errorf("migration error: %w", err)
	}

	log.Info().Msg("MongoDB migrations completed successfully")
	return nil
}

// Drop removes the database and everything in it.
func (r *MongoRepository) Drop(ctx context.Context) error {
	return r.db.Drop(ctx)
}
