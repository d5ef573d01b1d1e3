package database

import (
	"regexp"
	"strings"
)

// Operation names a tool step whose stderr gets classified.
type Operation string

const (
	OpDump           Operation = "dump"
	OpRestore        Operation = "restore"
	OpDropDatabase   Operation = "drop-database"
	OpDropCollection Operation = "drop-collection"
)

// OutputClassifier decides whether stderr from a successful exit
// reports a real failure.
type OutputClassifier interface {
	Classify(tool string, op Operation, stderr string) error
}

// Rules lists the stderr patterns for one operation. A line matching
// any of Failures is always an error. Every other non-blank line must
// contain one of Allowed or match one of Patterns.
type Rules struct {
	Allowed  []string
	Patterns []*regexp.Regexp
	Failures []string
}

func (r Rules) allows(line string) bool {
	if containsAny(line, r.Allowed) {
		return true
	}
	for _, re := range r.Patterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// AllowList classifies stderr line by line against per-operation rules.
type AllowList map[Operation]Rules

var failureMarkers = []string{"Failed:", "error connecting", "SyntaxError", "MongoServerError"}

// progressBar matches the per-collection progress lines the database
// tools print for transfers longer than a second, e.g.
// "2024-01-01T10:00:00.000+0000 [####....]  shop.orders  101000/250000  (40.4%)".
var progressBar = regexp.MustCompile(`^(\S+\s+)?\[[#.]+\]\s+\S+\s+\S+\s+\(\d+(\.\d+)?%\)$`)

// DefaultAllowList matches the progress output of the MongoDB
// database tools and mongosh.
var DefaultAllowList = AllowList{
	OpDump: {
		Allowed: []string{
			"done dumping",
			"writing",
			"connected to",
		},
		Patterns: []*regexp.Regexp{progressBar},
		Failures: failureMarkers,
	},
	OpRestore: {
		Allowed: []string{
			"done restoring",
			"finished restoring",
			"restoring",
			"writing",
			"connected to",
			"document(s) restored successfully",
			"no indexes to restore",
			"preparing collections to restore",
			"reading metadata for",
			"building a list of",
			"dropping collection",
			"index:",
			"done",
			"finished",
		},
		Patterns: []*regexp.Regexp{progressBar},
		Failures: failureMarkers,
	},
	OpDropDatabase: {
		Allowed:  []string{"ok", "connected to"},
		Failures: failureMarkers,
	},
	OpDropCollection: {
		Allowed:  []string{"ok", "true", "connected to"},
		Failures: failureMarkers,
	},
}

// Classify returns a *ToolReportedError listing each offending line, or
// nil when stderr holds only known progress output. Operations without
// rules treat any stderr as an error.
func (a AllowList) Classify(tool string, op Operation, stderr string) error {
	rules := a[op]
	var unexpected []string
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if containsAny(line, rules.Failures) || !rules.allows(line) {
			unexpected = append(unexpected, line)
		}
	}
	if len(unexpected) == 0 {
		return nil
	}
	return &ToolReportedError{
		Tool:       tool,
		Operation:  op,
		Stderr:     stderr,
		Unexpected: unexpected,
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
