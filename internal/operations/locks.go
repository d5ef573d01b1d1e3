package operations

import (
	"fmt"
	"sync"

	"github.com/kebairia/mongokeeper/internal/artifact"
	"github.com/kebairia/mongokeeper/internal/database"
)

// lockSet is a non-blocking keyed lock. A database wide hold conflicts
// with every hold on the same database; collection holds conflict only
// with the same collection.
type lockSet struct {
	mu        sync.Mutex
	targets   map[database.Target]string
	artifacts map[string]string
}

func newLockSet() *lockSet {
	return &lockSet{
		targets:   make(map[database.Target]string),
		artifacts: make(map[string]string),
	}
}

func artifactKey(kind artifact.Kind, name string) string {
	return string(kind) + "/" + name
}

func conflicts(a, b database.Target) bool {
	if a.Database != b.Database {
		return false
	}
	return a.Collection == "" || b.Collection == "" || a.Collection == b.Collection
}

// acquire takes all targets and artifacts for action or none of them.
// The returned release func is safe to call more than once.
func (l *lockSet) acquire(action string, targets []database.Target, artifacts []string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, t := range targets {
		for held, by := range l.targets {
			if conflicts(held, t) {
				return nil, fmt.Errorf("%w: %s is held by %s", ErrOperationInProgress, held, by)
			}
		}
		for _, other := range targets[:i] {
			if other != t && conflicts(other, t) {
				return nil, fmt.Errorf("%w: %s overlaps %s", ErrInvalidArgument, t, other)
			}
		}
	}
	for _, key := range artifacts {
		if by, ok := l.artifacts[key]; ok {
			return nil, fmt.Errorf("%w: %s is held by %s", ErrOperationInProgress, key, by)
		}
	}

	taken := make([]database.Target, 0, len(targets))
	for _, t := range targets {
		if _, ok := l.targets[t]; !ok {
			l.targets[t] = action
			taken = append(taken, t)
		}
	}
	keys := make([]string, 0, len(artifacts))
	for _, key := range artifacts {
		if _, ok := l.artifacts[key]; !ok {
			l.artifacts[key] = action
			keys = append(keys, key)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			for _, t := range taken {
				delete(l.targets, t)
			}
			for _, key := range keys {
				delete(l.artifacts, key)
			}
		})
	}, nil
}

func (l *lockSet) lockTargets(action string, targets ...database.Target) (func(), error) {
	return l.acquire(action, targets, nil)
}

func (l *lockSet) lockArtifact(action string, kind artifact.Kind, name string) (func(), error) {
	return l.acquire(action, nil, []string{artifactKey(kind, name)})
}
