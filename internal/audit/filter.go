package audit

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
	dateLayout   = "2006-01-02"
)

// ErrInvalidFilter is returned for malformed query parameters.
var ErrInvalidFilter = errors.New("invalid history filter")

// SortFields lists the fields a query may be ordered by.
var SortFields = map[string]bool{
	"timestamp":  true,
	"action":     true,
	"actionType": true,
	"target":     true,
	"endpoint":   true,
	"status":     true,
	"duration":   true,
}

// Filter selects and orders history records. Zero values mean "any".
type Filter struct {
	Search     string
	Endpoint   string
	ActionType ActionType
	Status     Status
	Start      time.Time
	End        time.Time
	SortBy     string
	Descending bool
	Page       int
	Limit      int
}

// Normalize fills defaults and validates the sort field.
func (f Filter) Normalize() (Filter, error) {
	if f.SortBy == "" {
		f.SortBy = "timestamp"
		f.Descending = true
	}
	if !SortFields[f.SortBy] {
		return f, fmt.Errorf("%w: cannot sort by %q", ErrInvalidFilter, f.SortBy)
	}
	if f.Page < 1 {
		f.Page = 1
	}
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultLimit
	case f.Limit > MaxLimit:
		f.Limit = MaxLimit
	}
	if !f.Start.IsZero() && !f.End.IsZero() && f.End.Before(f.Start) {
		return f, fmt.Errorf("%w: end date before start date", ErrInvalidFilter)
	}
	return f, nil
}

// Skip is the number of records before the current page.
func (f Filter) Skip() int {
	return (f.Page - 1) * f.Limit
}

// Matches applies the filter to one record in memory.
func (f Filter) Matches(r Record) bool {
	if f.Endpoint != "" && r.Endpoint != f.Endpoint {
		return false
	}
	if f.ActionType != "" && r.ActionType != f.ActionType {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if !f.Start.IsZero() && r.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && r.Timestamp.After(f.End) {
		return false
	}
	if f.Search == "" {
		return true
	}
	needle := strings.ToLower(f.Search)
	for _, field := range searchFields(r) {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

func searchFields(r Record) []string {
	return []string{r.Endpoint, r.Action, string(r.ActionType), r.Target, r.Message, r.Database, r.Collection}
}

// ParseDateBound parses a date filter value. Dates without a time of
// day cover the whole day: as an end bound they resolve to the last
// millisecond of that day.
func ParseDateBound(s string, end bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation(dateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q", ErrInvalidFilter, s)
	}
	if end {
		t = t.Add(24*time.Hour - time.Millisecond)
	}
	return t, nil
}
