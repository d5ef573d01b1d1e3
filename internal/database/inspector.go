package database

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/kebairia/mongokeeper/internal/logger"
)

var systemDatabases = map[string]bool{"admin": true, "local": true, "config": true}

// DatabaseInfo describes one user database.
type DatabaseInfo struct {
	Name        string `json:"name"`
	SizeOnDisk  int64  `json:"sizeOnDisk"`
	Empty       bool   `json:"empty"`
	Collections int    `json:"collections"`
}

// CollectionInfo describes one collection.
type CollectionInfo struct {
	Name          string  `json:"name"`
	DocumentCount int64   `json:"count"`
	Size          float64 `json:"size"`
	StorageSize   float64 `json:"storageSize"`
}

// ServerStatus is the subset of serverStatus the dashboard shows.
type ServerStatus struct {
	Version     string   `bson:"version"     json:"version"`
	Uptime      float64  `bson:"uptime"      json:"uptime"`
	Mem         memInfo  `bson:"mem"         json:"mem"`
	Connections connInfo `bson:"connections" json:"connections"`
}

type memInfo struct {
	Resident float64 `bson:"resident" json:"resident"`
	Virtual  float64 `bson:"virtual"  json:"virtual"`
}

type connInfo struct {
	Current   float64 `bson:"current"   json:"current"`
	Available float64 `bson:"available" json:"available"`
}

// Status combines server status with the user database list.
type Status struct {
	Server    ServerStatus   `json:"server"`
	Databases []DatabaseInfo `json:"databases"`
	TotalSize int64          `json:"totalSize"`
}

// Inspector answers read-only questions about the server and seeds
// sample data through the driver.
type Inspector struct {
	provider *ConnectionProvider
	log      logger.Logger
}

// NewInspector returns an Inspector backed by provider.
func NewInspector(provider *ConnectionProvider, log logger.Logger) *Inspector {
	if log == nil {
		log = logger.Nop()
	}
	return &Inspector{provider: provider, log: log}
}

// ListDatabases returns user databases sorted by name.
func (i *Inspector) ListDatabases(ctx context.Context) ([]DatabaseInfo, error) {
	client, err := i.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	res, err := client.ListDatabases(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("list databases: %w", err)
	}

	dbs := make([]DatabaseInfo, 0, len(res.Databases))
	for _, spec := range res.Databases {
		if systemDatabases[spec.Name] {
			continue
		}
		info := DatabaseInfo{Name: spec.Name, SizeOnDisk: spec.SizeOnDisk, Empty: spec.Empty}
		names, err := client.Database(spec.Name).ListCollectionNames(ctx, bson.D{})
		if err != nil {
			i.log.Warn("list collections failed", "database", spec.Name, "error", err.Error())
		} else {
			info.Collections = len(names)
		}
		dbs = append(dbs, info)
	}
	sort.Slice(dbs, func(a, b int) bool { return dbs[a].Name < dbs[b].Name })
	return dbs, nil
}

// Status reports the server version, uptime, memory and connections
// together with the user databases.
func (i *Inspector) Status(ctx context.Context) (Status, error) {
	client, err := i.provider.Client(ctx)
	if err != nil {
		return Status{}, err
	}
	var st Status
	if err := client.Database("admin").RunCommand(ctx, bson.D{{Key: "serverStatus", Value: 1}}).Decode(&st.Server); err != nil {
		return Status{}, fmt.Errorf("server status: %w", err)
	}
	st.Databases, err = i.ListDatabases(ctx)
	if err != nil {
		return Status{}, err
	}
	for _, db := range st.Databases {
		st.TotalSize += db.SizeOnDisk
	}
	return st, nil
}

// ListCollections returns the collections of database with estimated
// counts and sizes. Per-collection stats failures leave zero values.
func (i *Inspector) ListCollections(ctx context.Context, database string) ([]CollectionInfo, error) {
	client, err := i.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	db := client.Database(database)
	names, err := db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("list collections of %s: %w", database, err)
	}
	sort.Strings(names)

	out := make([]CollectionInfo, 0, len(names))
	for _, name := range names {
		info := CollectionInfo{Name: name}
		if n, err := db.Collection(name).EstimatedDocumentCount(ctx); err == nil {
			info.DocumentCount = n
		}
		var stats struct {
			Size        float64 `bson:"size"`
			StorageSize float64 `bson:"storageSize"`
		}
		if err := db.RunCommand(ctx, bson.D{{Key: "collStats", Value: name}}).Decode(&stats); err != nil {
			i.log.Debug("collStats failed", "database", database, "collection", name, "error", err.Error())
		} else {
			info.Size = stats.Size
			info.StorageSize = stats.StorageSize
		}
		out = append(out, info)
	}
	return out, nil
}

// SeedDummyData inserts count generated documents of kind into
// database.collection and returns how many were inserted.
func (i *Inspector) SeedDummyData(ctx context.Context, database, collection, kind string, count int) (int, error) {
	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x6d6b))
	docs, err := GenerateDocuments(kind, count, rng, time.Now())
	if err != nil {
		return 0, err
	}
	client, err := i.provider.Client(ctx)
	if err != nil {
		return 0, err
	}
	res, err := client.Database(database).Collection(collection).InsertMany(ctx, docs)
	if err != nil {
		return 0, fmt.Errorf("insert into %s.%s: %w", database, collection, err)
	}
	i.log.Info("dummy data inserted",
		"database", database,
		"collection", collection,
		"kind", kind,
		"count", len(res.InsertedIDs),
	)
	return len(res.InsertedIDs), nil
}
