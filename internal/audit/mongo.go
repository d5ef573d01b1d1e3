package audit

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/kebairia/mongokeeper/internal/database"
	"github.com/kebairia/mongokeeper/internal/logger"
)

// MongoRepository stores records in one MongoDB collection.
type MongoRepository struct {
	provider   *database.ConnectionProvider
	database   string
	collection string
	log        logger.Logger

	indexOnce sync.Once
}

// NewMongoRepository returns a repository using database.collection on
// the provider's server. The connection is made on first use.
func NewMongoRepository(provider *database.ConnectionProvider, db, collection string, log logger.Logger) *MongoRepository {
	if log == nil {
		log = logger.Nop()
	}
	return &MongoRepository{provider: provider, database: db, collection: collection, log: log}
}

func (m *MongoRepository) coll(ctx context.Context) (*mongo.Collection, error) {
	client, err := m.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	c := client.Database(m.database).Collection(m.collection)
	m.indexOnce.Do(func() {
		_, err := c.Indexes().CreateMany(ctx, []mongo.IndexModel{
			{Keys: bson.D{{Key: "timestamp", Value: -1}}},
			{Keys: bson.D{{Key: "endpoint", Value: 1}}},
		})
		if err != nil {
			m.log.Warn("audit index creation failed", "error", err.Error())
		}
	})
	return c, nil
}

func (m *MongoRepository) Insert(ctx context.Context, rec Record) error {
	c, err := m.coll(ctx)
	if err != nil {
		return err
	}
	if _, err := c.InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (m *MongoRepository) Query(ctx context.Context, f Filter) (Page, error) {
	f, err := f.Normalize()
	if err != nil {
		return Page{}, err
	}
	c, err := m.coll(ctx)
	if err != nil {
		return Page{}, err
	}

	filter := mongoFilter(f)
	dir := 1
	if f.Descending {
		dir = -1
	}
	opts := options.Find().
		SetSort(bson.D{{Key: f.SortBy, Value: dir}, {Key: "_id", Value: dir}}).
		SetSkip(int64(f.Skip())).
		SetLimit(int64(f.Limit))

	cur, err := c.Find(ctx, filter, opts)
	if err != nil {
		return Page{}, fmt.Errorf("query audit records: %w", err)
	}
	records := []Record{}
	if err := cur.All(ctx, &records); err != nil {
		return Page{}, fmt.Errorf("decode audit records: %w", err)
	}
	total, err := c.CountDocuments(ctx, filter)
	if err != nil {
		return Page{}, fmt.Errorf("count audit records: %w", err)
	}
	return Page{
		Records:    records,
		TotalCount: total,
		Page:       f.Page,
		Limit:      f.Limit,
		TotalPages: totalPages(total, f.Limit),
	}, nil
}

func (m *MongoRepository) Stats(ctx context.Context) (Stats, error) {
	c, err := m.coll(ctx)
	if err != nil {
		return Stats{}, err
	}

	overall := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "total", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "success", Value: countStatus(StatusSuccess)},
			{Key: "error", Value: countStatus(StatusError)},
			{Key: "avgDuration", Value: bson.D{{Key: "$avg", Value: "$duration"}}},
		}}},
	}
	cur, err := c.Aggregate(ctx, overall)
	if err != nil {
		return Stats{}, fmt.Errorf("aggregate audit stats: %w", err)
	}
	var totals []struct {
		Total       int64   `bson:"total"`
		Success     int64   `bson:"success"`
		Error       int64   `bson:"error"`
		AvgDuration float64 `bson:"avgDuration"`
	}
	if err := cur.All(ctx, &totals); err != nil {
		return Stats{}, fmt.Errorf("decode audit stats: %w", err)
	}

	var st Stats
	if len(totals) > 0 {
		st.TotalCalls = totals[0].Total
		st.SuccessCalls = totals[0].Success
		st.ErrorCalls = totals[0].Error
		st.AvgDurationMillis = totals[0].AvgDuration
	}

	top := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$endpoint"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "successCount", Value: countStatus(StatusSuccess)},
			{Key: "errorCount", Value: countStatus(StatusError)},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "count", Value: -1}, {Key: "_id", Value: 1}}}},
		{{Key: "$limit", Value: TopEndpointLimit}},
	}
	cur, err = c.Aggregate(ctx, top)
	if err != nil {
		return Stats{}, fmt.Errorf("aggregate top endpoints: %w", err)
	}
	st.TopEndpoints = []EndpointStat{}
	if err := cur.All(ctx, &st.TopEndpoints); err != nil {
		return Stats{}, fmt.Errorf("decode top endpoints: %w", err)
	}
	return st, nil
}

// Close is a no-op; the provider owns the connection.
func (m *MongoRepository) Close(context.Context) error { return nil }

func countStatus(s Status) bson.D {
	return bson.D{{Key: "$sum", Value: bson.D{{Key: "$cond", Value: bson.A{
		bson.D{{Key: "$eq", Value: bson.A{"$status", string(s)}}}, 1, 0,
	}}}}}
}

// mongoFilter translates f into a query document. Search text is
// matched literally and case-insensitively.
func mongoFilter(f Filter) bson.M {
	filter := bson.M{}
	if f.Search != "" {
		re := primitive.Regex{Pattern: regexp.QuoteMeta(f.Search), Options: "i"}
		fields := []string{"endpoint", "action", "actionType", "target", "message", "database", "collection"}
		or := make(bson.A, len(fields))
		for i, field := range fields {
			or[i] = bson.M{field: re}
		}
		filter["$or"] = or
	}
	if f.Endpoint != "" {
		filter["endpoint"] = f.Endpoint
	}
	if f.ActionType != "" {
		filter["actionType"] = string(f.ActionType)
	}
	if f.Status != "" {
		filter["status"] = string(f.Status)
	}
	if !f.Start.IsZero() || !f.End.IsZero() {
		ts := bson.M{}
		if !f.Start.IsZero() {
			ts["$gte"] = f.Start
		}
		if !f.End.IsZero() {
			ts["$lte"] = f.End
		}
		filter["timestamp"] = ts
	}
	return filter
}
