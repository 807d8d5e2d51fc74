// Package store defines the document-store surface the orchestrator depends
// on: reads that carry optimistic-concurrency tokens, conditional writes,
// search, and parameterized ES|QL queries. The production implementation is
// backed by Elasticsearch; tests use the in-memory store.
package store

import (
	"context"
	"errors"
	"fmt"
)

// Document indices used by the orchestrator.
const (
	IndexIncidents         = "vigil-incidents"
	IndexAlerts            = "vigil-alerts-default"
	IndexAlertsPattern     = "vigil-alerts-*"
	IndexAlertClaims       = "vigil-alert-claims"
	IndexActions           = "vigil-actions"
	IndexApprovalResponses = "vigil-approval-responses"
	IndexInvestigations    = "vigil-investigations"
	IndexRunbooks          = "vigil-runbooks"
	IndexThreatIntel       = "vigil-threat-intel"
	IndexAssets            = "vigil-assets"
	IndexBaselines         = "vigil-baselines"
	IndexMetrics           = "vigil-metrics-default"
	IndexLearnings         = "vigil-learnings"
	IndexAgentTelemetry    = "vigil-agent-telemetry"
	IndexAnalystStatus     = "vigil-analyst-status"
	IndexAlertsOperational = "vigil-alerts-operational"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrAlreadyExists is returned by Create when the id is taken.
	ErrAlreadyExists = errors.New("document already exists")

	// ErrConflict is returned when optimistic-concurrency tokens do not
	// match the current document version.
	ErrConflict = errors.New("version conflict")
)

// StatusError is a transport-level failure carrying the backend HTTP status.
// Retry classification (429 and 5xx are transient) keys off this type.
type StatusError struct {
	StatusCode int
	Op         string
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

// IsTransient reports whether err is a retryable transport failure
// (HTTP 429 or any 5xx).
func IsTransient(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.StatusCode == 429 || se.StatusCode >= 500
}

// Doc is a JSON document.
type Doc = map[string]any

// GetResult is a read together with its concurrency tokens. Any subsequent
// Update of the same document must present these tokens.
type GetResult struct {
	ID          string
	Source      Doc
	SeqNo       int64
	PrimaryTerm int64
}

// Hit is a single search result.
type Hit struct {
	ID     string
	Score  float64
	Source Doc
}

// KNNQuery is a pure vector query clause.
type KNNQuery struct {
	Field         string
	Vector        []float64
	K             int
	NumCandidates int
}

// RRFParams configures reciprocal-rank-fusion for hybrid search.
type RRFParams struct {
	RankWindowSize int
	RankConstant   int
}

// SearchRequest describes a search against one index (trailing-* patterns
// are allowed).
type SearchRequest struct {
	Index  string
	Query  Doc
	KNN    *KNNQuery
	RRF    *RRFParams
	Sort   []Doc
	Size   int
	Source []string
	Aggs   Doc
}

// SearchResult is the decoded response of a SearchRequest.
type SearchResult struct {
	Hits         []Hit
	Total        int
	Aggregations Doc
}

// ESQLParam is a named query parameter. Parameters travel separately from
// the query text; values are never concatenated into the query string.
type ESQLParam struct {
	Name  string
	Value any
}

// ESQLColumn describes one column of an ES|QL result.
type ESQLColumn struct {
	Name string
	Type string
}

// ESQLResult is a columnar ES|QL response.
type ESQLResult struct {
	Columns []ESQLColumn
	Values  [][]any
}

// Column returns the index of the named column, or -1. Consumers address
// rows by column name, never by position.
func (r *ESQLResult) Column(name string) int {
	for i, c := range r.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Rows converts the columnar result into one map per row.
func (r *ESQLResult) Rows() []map[string]any {
	rows := make([]map[string]any, 0, len(r.Values))
	for _, v := range r.Values {
		row := make(map[string]any, len(r.Columns))
		for i, c := range r.Columns {
			if i < len(v) {
				row[c.Name] = v[i]
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// BulkOp is one operation of a bulk write.
type BulkOp struct {
	Action string // "index" or "create"
	Index  string
	ID     string
	Doc    Doc
}

// Store is the document-store contract. All writes use wait-for-visible
// refresh semantics so a subsequent read observes them.
type Store interface {
	// Get reads a document and its concurrency tokens.
	Get(ctx context.Context, index, id string) (*GetResult, error)

	// Create writes a new document; fails with ErrAlreadyExists if the id
	// is taken. Create is the claim primitive: first writer wins.
	Create(ctx context.Context, index, id string, doc Doc) error

	// Update applies a partial document update guarded by the concurrency
	// tokens from the matching Get; fails with ErrConflict on mismatch.
	Update(ctx context.Context, index, id string, patch Doc, seqNo, primaryTerm int64) error

	// Index writes a document, generating an id when id is empty.
	Index(ctx context.Context, index, id string, doc Doc) (string, error)

	// Search executes a search request.
	Search(ctx context.Context, req *SearchRequest) (*SearchResult, error)

	// UpdateByQuery applies a scripted update to every document matching
	// query. Returns the number of updated documents.
	UpdateByQuery(ctx context.Context, index string, query Doc, script string, params Doc) (int, error)

	// Bulk executes a batch of writes.
	Bulk(ctx context.Context, ops []BulkOp) error

	// ESQL runs a parameterized ES|QL query.
	ESQL(ctx context.Context, query string, params []ESQLParam) (*ESQLResult, error)
}
