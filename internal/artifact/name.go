// Package artifact defines the on-disk naming grammar of backups and
// snapshots.
//
//	backup:   {database}_{timestamp}
//	snapshot: {database}_{collection}_{label}_{timestamp}
//	timestamp: 2006-01-02T15-04-05-000Z (UTC, millisecond precision)
//
// Components are separated by "_". A literal "_" or "%" inside a
// component is written as "%5F" or "%25" so names always split into the
// expected number of fields.
package artifact

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/xid"
)

// Kind selects the artifact family, which is also its store subdirectory.
type Kind string

const (
	KindBackup   Kind = "allbackup"
	KindSnapshot Kind = "snapshot"
)

const (
	separator    = "_"
	layoutSecond = "2006-01-02T15-04-05"
)

var (
	// ErrInvalidName is returned for names that do not follow the grammar.
	ErrInvalidName = errors.New("invalid artifact name")
	// ErrInvalidComponent is returned for a database, collection or label
	// that cannot be used in a name.
	ErrInvalidComponent = errors.New("invalid name component")
)

var (
	escaper   = strings.NewReplacer("%", "%25", "_", "%5F")
	unescaper = strings.NewReplacer("%25", "%", "%5F", "_")

	databasePattern   = regexp.MustCompile(`^[A-Za-z0-9_-]{1,63}$`)
	collectionPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,119}$`)
	labelPattern      = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)
)

// Name is a parsed artifact name.
type Name struct {
	Kind       Kind
	Database   string
	Collection string
	Label      string
	Timestamp  time.Time
}

// String renders the name according to the grammar.
func (n Name) String() string {
	parts := []string{escaper.Replace(n.Database)}
	if n.Kind == KindSnapshot {
		parts = append(parts, escaper.Replace(n.Collection), escaper.Replace(n.Label))
	}
	parts = append(parts, FormatTimestamp(n.Timestamp))
	return strings.Join(parts, separator)
}

// Group is the retention key: the database for backups, database and
// collection for snapshots.
func (n Name) Group() string {
	if n.Kind == KindSnapshot {
		return escaper.Replace(n.Database) + separator + escaper.Replace(n.Collection)
	}
	return escaper.Replace(n.Database)
}

// BackupName formats the name of a full backup of database taken at t.
func BackupName(database string, t time.Time) string {
	return Name{Kind: KindBackup, Database: database, Timestamp: t}.String()
}

// SnapshotName formats the name of a snapshot taken at t.
func SnapshotName(database, collection, label string, t time.Time) string {
	return Name{
		Kind:       KindSnapshot,
		Database:   database,
		Collection: collection,
		Label:      label,
		Timestamp:  t,
	}.String()
}

// Parse splits s according to the grammar of kind.
func Parse(kind Kind, s string) (Name, error) {
	fields := strings.Split(s, separator)
	want := 2
	if kind == KindSnapshot {
		want = 4
	}
	if len(fields) != want {
		return Name{}, fmt.Errorf("%w: %q has %d fields, want %d", ErrInvalidName, s, len(fields), want)
	}
	ts, err := ParseTimestamp(fields[want-1])
	if err != nil {
		return Name{}, fmt.Errorf("%w: %q: %v", ErrInvalidName, s, err)
	}

	n := Name{Kind: kind, Database: unescaper.Replace(fields[0]), Timestamp: ts}
	if kind == KindSnapshot {
		n.Collection = unescaper.Replace(fields[1])
		n.Label = unescaper.Replace(fields[2])
	}
	if n.Database == "" || (kind == KindSnapshot && (n.Collection == "" || n.Label == "")) {
		return Name{}, fmt.Errorf("%w: %q has an empty component", ErrInvalidName, s)
	}
	return n, nil
}

// FormatTimestamp renders t in UTC as an ISO-8601 instant with ":" and
// "." replaced by "-", e.g. 2024-01-01T00-00-00-000Z.
func FormatTimestamp(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s-%03dZ", t.Format(layoutSecond), t.Nanosecond()/int(time.Millisecond))
}

// ParseTimestamp is the inverse of FormatTimestamp.
func ParseTimestamp(s string) (time.Time, error) {
	if len(s) != len(layoutSecond)+5 || s[len(s)-1] != 'Z' || s[len(layoutSecond)] != '-' {
		return time.Time{}, fmt.Errorf("malformed timestamp %q", s)
	}
	t, err := time.ParseInLocation(layoutSecond, s[:len(layoutSecond)], time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	ms, err := strconv.Atoi(s[len(layoutSecond)+1 : len(s)-1])
	if err != nil || ms < 0 {
		return time.Time{}, fmt.Errorf("malformed milliseconds in %q", s)
	}
	return t.Add(time.Duration(ms) * time.Millisecond), nil
}

// NewLabel returns a short, time-ordered random label.
func NewLabel() string {
	return xid.New().String()
}

// ValidateDatabase checks a MongoDB database name.
func ValidateDatabase(name string) error {
	if !databasePattern.MatchString(name) {
		return fmt.Errorf("%w: database %q must match %s", ErrInvalidComponent, name, databasePattern)
	}
	return nil
}

// ValidateCollection checks a collection name. System collections are
// rejected.
func ValidateCollection(name string) error {
	if !collectionPattern.MatchString(name) || strings.HasPrefix(name, "system.") {
		return fmt.Errorf("%w: collection %q", ErrInvalidComponent, name)
	}
	return nil
}

// ValidateLabel checks a snapshot label supplied by the caller.
func ValidateLabel(label string) error {
	if !labelPattern.MatchString(label) || label == "." || label == ".." {
		return fmt.Errorf("%w: label %q", ErrInvalidComponent, label)
	}
	return nil
}
