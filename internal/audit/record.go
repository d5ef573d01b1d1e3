// Package audit records one immutable entry per guarded operation and
// answers history queries over them.
package audit

import (
	"context"
	"errors"
	"time"
)

// ActionType categorises an operation.
type ActionType string

const (
	ActionBackup   ActionType = "backup"
	ActionRestore  ActionType = "restore"
	ActionSnapshot ActionType = "snapshot"
	ActionCron     ActionType = "cron"
	ActionOther    ActionType = "other"
)

// Status is the outcome of an operation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Record is one audit entry. It is never updated after insertion.
type Record struct {
	ID             string         `bson:"_id"                  json:"id"`
	Timestamp      time.Time      `bson:"timestamp"            json:"timestamp"`
	Endpoint       string         `bson:"endpoint"             json:"endpoint"`
	Method         string         `bson:"method"               json:"method"`
	Action         string         `bson:"action"               json:"action"`
	ActionType     ActionType     `bson:"actionType"           json:"actionType"`
	Target         string         `bson:"target"               json:"target"`
	Database       string         `bson:"database,omitempty"   json:"database,omitempty"`
	Collection     string         `bson:"collection,omitempty" json:"collection,omitempty"`
	Status         Status         `bson:"status"               json:"status"`
	Message        string         `bson:"message"              json:"message"`
	UserEmail      string         `bson:"userEmail"            json:"userEmail"`
	DurationMillis int64          `bson:"duration"             json:"duration"`
	Details        map[string]any `bson:"details,omitempty"    json:"details,omitempty"`
}

// Page is one page of query results.
type Page struct {
	Records    []Record `json:"data"`
	TotalCount int64    `json:"totalCount"`
	Page       int      `json:"page"`
	Limit      int      `json:"limit"`
	TotalPages int      `json:"totalPages"`
}

// EndpointStat counts the calls of one endpoint.
type EndpointStat struct {
	Endpoint     string `bson:"_id"          json:"endpoint"`
	Count        int64  `bson:"count"        json:"count"`
	SuccessCount int64  `bson:"successCount" json:"successCount"`
	ErrorCount   int64  `bson:"errorCount"   json:"errorCount"`
}

// Stats aggregates the whole history.
type Stats struct {
	TotalCalls        int64          `json:"totalCalls"`
	SuccessCalls      int64          `json:"successCalls"`
	ErrorCalls        int64          `json:"errorCalls"`
	AvgDurationMillis float64        `json:"avgDuration"`
	TopEndpoints      []EndpointStat `json:"topEndpoints"`
}

// TopEndpointLimit bounds Stats.TopEndpoints.
const TopEndpointLimit = 10

// ErrUnavailable is returned by repositories that do not store records.
var ErrUnavailable = errors.New("audit history unavailable")

// Repository persists records.
type Repository interface {
	Insert(ctx context.Context, rec Record) error
	Query(ctx context.Context, f Filter) (Page, error)
	Stats(ctx context.Context) (Stats, error)
	Close(ctx context.Context) error
}

// NopRepository drops every record.
type NopRepository struct{}

func (NopRepository) Insert(context.Context, Record) error { return nil }

func (NopRepository) Query(context.Context, Filter) (Page, error) {
	return Page{}, ErrUnavailable
}

func (NopRepository) Stats(context.Context) (Stats, error) { return Stats{}, ErrUnavailable }

func (NopRepository) Close(context.Context) error { return nil }

func totalPages(total int64, limit int) int {
	if limit <= 0 {
		return 0
	}
	return int((total + int64(limit) - 1) / int64(limit))
}
