package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-memory Store used by tests and local demos. It interprets
// the query subset the orchestrator actually issues: match_all, term, terms,
// ids, exists, range, match, and bool combinations of those. Trailing-*
// index patterns are supported.
type Memory struct {
	mu      sync.RWMutex
	indices map[string]map[string]*memDoc

	// ESQLHandler, when set, serves ESQL calls. Unset, ESQL returns an
	// empty result.
	ESQLHandler func(query string, params []ESQLParam) (*ESQLResult, error)

	// SearchHook, when set, is consulted first for Search calls; returning
	// handled=true short-circuits the built-in matcher. Used to fake
	// knn/hybrid scoring.
	SearchHook func(req *SearchRequest) (*SearchResult, bool)
}

type memDoc struct {
	source      Doc
	seqNo       int64
	primaryTerm int64
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{indices: make(map[string]map[string]*memDoc)}
}

func (m *Memory) index(name string) map[string]*memDoc {
	if m.indices[name] == nil {
		m.indices[name] = make(map[string]*memDoc)
	}
	return m.indices[name]
}

func (m *Memory) Get(_ context.Context, index, id string) (*GetResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.indices[index][id]
	if !ok {
		return nil, fmt.Errorf("get %s/%s: %w", index, id, ErrNotFound)
	}
	return &GetResult{
		ID:          id,
		Source:      deepCopy(doc.source),
		SeqNo:       doc.seqNo,
		PrimaryTerm: doc.primaryTerm,
	}, nil
}

func (m *Memory) Create(_ context.Context, index, id string, doc Doc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.index(index)
	if _, ok := idx[id]; ok {
		return fmt.Errorf("create %s/%s: %w", index, id, ErrAlreadyExists)
	}
	idx[id] = &memDoc{source: deepCopy(doc), seqNo: 0, primaryTerm: 1}
	return nil
}

func (m *Memory) Update(_ context.Context, index, id string, patch Doc, seqNo, primaryTerm int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.indices[index][id]
	if !ok {
		return fmt.Errorf("update %s/%s: %w", index, id, ErrNotFound)
	}
	if doc.seqNo != seqNo || doc.primaryTerm != primaryTerm {
		return fmt.Errorf("update %s/%s: %w", index, id, ErrConflict)
	}
	for k, v := range patch {
		setPath(doc.source, k, v)
	}
	doc.seqNo++
	return nil
}

func (m *Memory) Index(_ context.Context, index, id string, doc Doc) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	}
	idx := m.index(index)
	if existing, ok := idx[id]; ok {
		existing.source = deepCopy(doc)
		existing.seqNo++
	} else {
		idx[id] = &memDoc{source: deepCopy(doc), seqNo: 0, primaryTerm: 1}
	}
	return id, nil
}

func (m *Memory) Search(_ context.Context, req *SearchRequest) (*SearchResult, error) {
	if m.SearchHook != nil {
		if res, handled := m.SearchHook(req); handled {
			return res, nil
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	type scored struct {
		id  string
		doc Doc
	}
	var matched []scored
	for name, idx := range m.indices {
		if !indexMatches(req.Index, name) {
			continue
		}
		for id, d := range idx {
			if matches(req.Query, d.source, id) {
				matched = append(matched, scored{id: id, doc: deepCopy(d.source)})
			}
		}
	}

	// Deterministic order before explicit sort.
	sort.Slice(matched, func(i, j int) bool { return matched[i].id < matched[j].id })
	applySort(matched, req.Sort, func(s scored) Doc { return s.doc })

	total := len(matched)
	if req.Size > 0 && len(matched) > req.Size {
		matched = matched[:req.Size]
	}

	result := &SearchResult{Total: total}
	for _, s := range matched {
		src := s.doc
		if len(req.Source) > 0 {
			src = projectFields(src, req.Source)
		}
		result.Hits = append(result.Hits, Hit{ID: s.id, Score: 1.0, Source: src})
	}
	return result, nil
}

// UpdateByQuery applies the script params as field assignments to every
// matching document. The painless source itself is not interpreted; the
// orchestrator's scripts all reduce to "set these params as fields".
func (m *Memory) UpdateByQuery(_ context.Context, index string, query Doc, _ string, params Doc) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	updated := 0
	for name, idx := range m.indices {
		if !indexMatches(index, name) {
			continue
		}
		for id, d := range idx {
			if matches(query, d.source, id) {
				for k, v := range params {
					setPath(d.source, k, v)
				}
				d.seqNo++
				updated++
			}
		}
	}
	return updated, nil
}

func (m *Memory) Bulk(ctx context.Context, ops []BulkOp) error {
	for _, op := range ops {
		switch op.Action {
		case "create":
			if err := m.Create(ctx, op.Index, op.ID, op.Doc); err != nil {
				return err
			}
		default:
			if _, err := m.Index(ctx, op.Index, op.ID, op.Doc); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Memory) ESQL(_ context.Context, query string, params []ESQLParam) (*ESQLResult, error) {
	if m.ESQLHandler != nil {
		return m.ESQLHandler(query, params)
	}
	return &ESQLResult{}, nil
}

// Count returns the number of documents in an index (test helper).
func (m *Memory) Count(index string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for name, idx := range m.indices {
		if indexMatches(index, name) {
			n += len(idx)
		}
	}
	return n
}

func indexMatches(pattern, name string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(name, prefix)
	}
	return pattern == name
}

func matches(query Doc, doc Doc, id string) bool {
	if len(query) == 0 {
		return true
	}
	for clause, body := range query {
		switch clause {
		case "match_all":
			continue
		case "term", "match":
			for field, want := range body.(Doc) {
				// {"term": {"field": {"value": v}}} and {"term": {"field": v}}
				if inner, ok := want.(Doc); ok {
					if v, ok := inner["value"]; ok {
						want = v
					} else if v, ok := inner["query"]; ok {
						want = v
					}
				}
				if !looseEqual(getPath(doc, field), want) {
					return false
				}
			}
		case "terms":
			for field, want := range body.(Doc) {
				vals, _ := want.([]any)
				got := getPath(doc, field)
				found := false
				for _, v := range vals {
					if looseEqual(got, v) {
						found = true
						break
					}
				}
				if !found {
					return false
				}
			}
		case "ids":
			vals, _ := body.(Doc)["values"].([]any)
			found := false
			for _, v := range vals {
				if fmt.Sprint(v) == id {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case "exists":
			field, _ := body.(Doc)["field"].(string)
			if getPath(doc, field) == nil {
				return false
			}
		case "range":
			for field, bounds := range body.(Doc) {
				if !inRange(getPath(doc, field), bounds.(Doc)) {
					return false
				}
			}
		case "bool":
			b := body.(Doc)
			for _, key := range []string{"must", "filter"} {
				for _, sub := range asClauseList(b[key]) {
					if !matches(sub, doc, id) {
						return false
					}
				}
			}
			for _, sub := range asClauseList(b["must_not"]) {
				if matches(sub, doc, id) {
					return false
				}
			}
			if should := asClauseList(b["should"]); len(should) > 0 {
				any := false
				for _, sub := range should {
					if matches(sub, doc, id) {
						any = true
						break
					}
				}
				if !any {
					return false
				}
			}
		default:
			// Unknown clause: treat as non-matching rather than guessing.
			return false
		}
	}
	return true
}

func asClauseList(v any) []Doc {
	switch t := v.(type) {
	case nil:
		return nil
	case []Doc:
		return t
	case []any:
		out := make([]Doc, 0, len(t))
		for _, e := range t {
			if d, ok := e.(Doc); ok {
				out = append(out, d)
			}
		}
		return out
	case Doc:
		return []Doc{t}
	}
	return nil
}

func inRange(val any, bounds Doc) bool {
	if val == nil {
		return false
	}
	// Numeric comparison when both sides are numbers, string otherwise
	// (ISO-8601 timestamps compare correctly as strings).
	for op, bound := range bounds {
		if op == "format" || op == "time_zone" {
			continue
		}
		cmp, ok := compareValues(val, bound)
		if !ok {
			return false
		}
		switch op {
		case "gte":
			if cmp < 0 {
				return false
			}
		case "gt":
			if cmp <= 0 {
				return false
			}
		case "lte":
			if cmp > 0 {
				return false
			}
		case "lt":
			if cmp >= 0 {
				return false
			}
		}
	}
	return true
}

func compareValues(a, b any) (int, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	}
	return 0, false
}

func looseEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func applySort[T any](items []T, sorts []Doc, source func(T) Doc) {
	if len(sorts) == 0 {
		return
	}
	sort.SliceStable(items, func(i, j int) bool {
		for _, s := range sorts {
			for field, spec := range s {
				order := "asc"
				switch t := spec.(type) {
				case string:
					order = t
				case Doc:
					if o, ok := t["order"].(string); ok {
						order = o
					}
				}
				cmp, ok := compareValues(getPath(source(items[i]), field), getPath(source(items[j]), field))
				if !ok || cmp == 0 {
					continue
				}
				if order == "desc" {
					return cmp > 0
				}
				return cmp < 0
			}
		}
		return false
	})
}

func projectFields(doc Doc, fields []string) Doc {
	out := Doc{}
	for _, f := range fields {
		if v := getPath(doc, f); v != nil {
			setPath(out, f, v)
		}
	}
	return out
}

func getPath(doc Doc, path string) any {
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, p := range parts {
		m, ok := cur.(Doc)
		if !ok {
			if mm, ok2 := cur.(map[string]any); ok2 {
				m = mm
			} else {
				return nil
			}
		}
		cur = m[p]
		if cur == nil {
			return nil
		}
	}
	return cur
}

func setPath(doc Doc, path string, val any) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(Doc)
		if !ok {
			if mm, ok2 := cur[p].(map[string]any); ok2 {
				next = mm
			} else {
				next = Doc{}
				cur[p] = next
			}
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = val
}

func deepCopy(doc Doc) Doc {
	out := make(Doc, len(doc))
	for k, v := range doc {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case Doc:
		return deepCopy(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	}
	return v
}
