package audit

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryRepository keeps records in process memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	records []Record
	// InsertErr, when set, is returned by every Insert.
	InsertErr error
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (m *MemoryRepository) Insert(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InsertErr != nil {
		return m.InsertErr
	}
	m.records = append(m.records, rec)
	return nil
}

// Records returns a copy of everything inserted, oldest first.
func (m *MemoryRepository) Records() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Record(nil), m.records...)
}

func (m *MemoryRepository) Query(_ context.Context, f Filter) (Page, error) {
	f, err := f.Normalize()
	if err != nil {
		return Page{}, err
	}

	var matched []Record
	for _, r := range m.Records() {
		if f.Matches(r) {
			matched = append(matched, r)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		c := compareBy(f.SortBy, matched[i], matched[j])
		if f.Descending {
			return c > 0
		}
		return c < 0
	})

	total := int64(len(matched))
	from := min(f.Skip(), len(matched))
	to := min(from+f.Limit, len(matched))
	return Page{
		Records:    append([]Record{}, matched[from:to]...),
		TotalCount: total,
		Page:       f.Page,
		Limit:      f.Limit,
		TotalPages: totalPages(total, f.Limit),
	}, nil
}

func compareBy(field string, a, b Record) int {
	switch field {
	case "action":
		return strings.Compare(a.Action, b.Action)
	case "actionType":
		return strings.Compare(string(a.ActionType), string(b.ActionType))
	case "target":
		return strings.Compare(a.Target, b.Target)
	case "endpoint":
		return strings.Compare(a.Endpoint, b.Endpoint)
	case "status":
		return strings.Compare(string(a.Status), string(b.Status))
	case "duration":
		return int(a.DurationMillis - b.DurationMillis)
	default:
		return a.Timestamp.Compare(b.Timestamp)
	}
}

func (m *MemoryRepository) Stats(_ context.Context) (Stats, error) {
	records := m.Records()
	var st Stats
	var totalDuration int64
	byEndpoint := map[string]*EndpointStat{}
	for _, r := range records {
		st.TotalCalls++
		totalDuration += r.DurationMillis
		es, ok := byEndpoint[r.Endpoint]
		if !ok {
			es = &EndpointStat{Endpoint: r.Endpoint}
			byEndpoint[r.Endpoint] = es
		}
		es.Count++
		switch r.Status {
		case StatusSuccess:
			st.SuccessCalls++
			es.SuccessCount++
		case StatusError:
			st.ErrorCalls++
			es.ErrorCount++
		}
	}
	if st.TotalCalls > 0 {
		st.AvgDurationMillis = float64(totalDuration) / float64(st.TotalCalls)
	}
	for _, es := range byEndpoint {
		st.TopEndpoints = append(st.TopEndpoints, *es)
	}
	sortTopEndpoints(st.TopEndpoints)
	if len(st.TopEndpoints) > TopEndpointLimit {
		st.TopEndpoints = st.TopEndpoints[:TopEndpointLimit]
	}
	return st, nil
}

func (m *MemoryRepository) Close(context.Context) error { return nil }

func sortTopEndpoints(eps []EndpointStat) {
	sort.Slice(eps, func(i, j int) bool {
		if eps[i].Count != eps[j].Count {
			return eps[i].Count > eps[j].Count
		}
		return eps[i].Endpoint < eps[j].Endpoint
	})
}
