package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS api_history (
	id          TEXT PRIMARY KEY,
	timestamp   INTEGER NOT NULL,
	endpoint    TEXT NOT NULL,
	method      TEXT NOT NULL,
	action      TEXT NOT NULL,
	action_type TEXT NOT NULL,
	target      TEXT NOT NULL,
	db_name     TEXT NOT NULL DEFAULT '',
	coll_name   TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	message     TEXT NOT NULL,
	user_email  TEXT NOT NULL,
	duration    INTEGER NOT NULL,
	details     TEXT
);
CREATE INDEX IF NOT EXISTS idx_api_history_timestamp ON api_history (timestamp);
CREATE INDEX IF NOT EXISTS idx_api_history_endpoint ON api_history (endpoint);
`

var sqliteSortColumns = map[string]string{
	"timestamp":  "timestamp",
	"action":     "action",
	"actionType": "action_type",
	"target":     "target",
	"endpoint":   "endpoint",
	"status":     "status",
	"duration":   "duration",
}

// SQLiteRepository stores records in a local SQLite file.
type SQLiteRepository struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at dsn and runs
// the schema migration.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Test the connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

func (s *SQLiteRepository) Insert(ctx context.Context, rec Record) error {
	var details []byte
	if len(rec.Details) > 0 {
		var err error
		if details, err = json.Marshal(rec.Details); err != nil {
			return fmt.Errorf("encode audit details: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_history (id, timestamp, endpoint, method, action, action_type, target,
			db_name, coll_name, status, message, user_email, duration, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().UnixMilli(),
		rec.Endpoint,
		rec.Method,
		rec.Action,
		string(rec.ActionType),
		rec.Target,
		rec.Database,
		rec.Collection,
		string(rec.Status),
		rec.Message,
		rec.UserEmail,
		rec.DurationMillis,
		nullableString(details),
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (s *SQLiteRepository) Query(ctx context.Context, f Filter) (Page, error) {
	f, err := f.Normalize()
	if err != nil {
		return Page{}, err
	}
	where, args := sqliteWhere(f)

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM api_history"+where, args...).Scan(&total); err != nil {
		return Page{}, fmt.Errorf("count audit records: %w", err)
	}

	dir := "ASC"
	if f.Descending {
		dir = "DESC"
	}
	query := fmt.Sprintf(`
		SELECT id, timestamp, endpoint, method, action, action_type, target,
			db_name, coll_name, status, message, user_email, duration, details
		FROM api_history%s
		ORDER BY %s %s, id %s
		LIMIT ? OFFSET ?`, where, sqliteSortColumns[f.SortBy], dir, dir)
	rows, err := s.db.QueryContext(ctx, query, append(args, f.Limit, f.Skip())...)
	if err != nil {
		return Page{}, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var (
			r       Record
			ts      int64
			details sql.NullString
		)
		if err := rows.Scan(&r.ID, &ts, &r.Endpoint, &r.Method, &r.Action, &r.ActionType, &r.Target,
			&r.Database, &r.Collection, &r.Status, &r.Message, &r.UserEmail, &r.DurationMillis, &details); err != nil {
			return Page{}, fmt.Errorf("scan audit record: %w", err)
		}
		r.Timestamp = time.UnixMilli(ts).UTC()
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &r.Details); err != nil {
				return Page{}, fmt.Errorf("decode audit details: %w", err)
			}
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}
	return Page{
		Records:    records,
		TotalCount: total,
		Page:       f.Page,
		Limit:      f.Limit,
		TotalPages: totalPages(total, f.Limit),
	}, nil
}

func (s *SQLiteRepository) Stats(ctx context.Context) (Stats, error) {
	var (
		st  Stats
		avg sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0),
			AVG(duration)
		FROM api_history`).Scan(&st.TotalCalls, &st.SuccessCalls, &st.ErrorCalls, &avg)
	if err != nil {
		return Stats{}, fmt.Errorf("aggregate audit stats: %w", err)
	}
	st.AvgDurationMillis = avg.Float64

	rows, err := s.db.QueryContext(ctx, `
		SELECT endpoint, COUNT(*) AS n,
			SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END)
		FROM api_history
		GROUP BY endpoint
		ORDER BY n DESC, endpoint ASC
		LIMIT ?`, TopEndpointLimit)
	if err != nil {
		return Stats{}, fmt.Errorf("aggregate top endpoints: %w", err)
	}
	defer rows.Close()

	st.TopEndpoints = []EndpointStat{}
	for rows.Next() {
		var es EndpointStat
		if err := rows.Scan(&es.Endpoint, &es.Count, &es.SuccessCount, &es.ErrorCount); err != nil {
			return Stats{}, fmt.Errorf("scan top endpoint: %w", err)
		}
		st.TopEndpoints = append(st.TopEndpoints, es)
	}
	return st, rows.Err()
}

func (s *SQLiteRepository) Close(context.Context) error {
	return s.db.Close()
}

func sqliteWhere(f Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.Search != "" {
		pattern := "%" + escapeLike(strings.ToLower(f.Search)) + "%"
		cols := []string{"endpoint", "action", "action_type", "target", "message", "db_name", "coll_name"}
		ors := make([]string, len(cols))
		for i, c := range cols {
			ors[i] = "LOWER(" + c + `) LIKE ? ESCAPE '\'`
			args = append(args, pattern)
		}
		clauses = append(clauses, "("+strings.Join(ors, " OR ")+")")
	}
	if f.Endpoint != "" {
		clauses = append(clauses, "endpoint = ?")
		args = append(args, f.Endpoint)
	}
	if f.ActionType != "" {
		clauses = append(clauses, "action_type = ?")
		args = append(args, string(f.ActionType))
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.Start.IsZero() {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, f.Start.UTC().UnixMilli())
	}
	if !f.End.IsZero() {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, f.End.UTC().UnixMilli())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(s)
}

func nullableString(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
