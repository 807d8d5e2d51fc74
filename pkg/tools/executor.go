package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/arome3/vigil/pkg/async"
	"github.com/arome3/vigil/pkg/store"
)

// Embedder turns query text into a vector for knn/hybrid search. The model
// itself is external; tests inject a static implementation.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Result is a tool execution outcome: columnar for ES|QL tools, hits for
// search tools.
type Result struct {
	ESQL *store.ESQLResult
	Hits []store.Hit
}

// Executor runs registered tools against the store.
type Executor struct {
	registry *Registry
	store    store.Store
	embedder Embedder
	logger   *slog.Logger
	retry    async.RetryOptions
}

// NewExecutor creates a tool executor. embedder may be nil when no knn or
// hybrid tools are in the catalog.
func NewExecutor(registry *Registry, st store.Store, embedder Embedder) *Executor {
	return &Executor{
		registry: registry,
		store:    st,
		embedder: embedder,
		logger:   slog.Default().With("component", "tool-executor"),
		retry:    async.DefaultRetryOptions(store.IsTransient),
	}
}

// Execute runs the tool by id with the provided parameters. Parameters are
// validated and coerced against the declared schema first.
func (e *Executor) Execute(ctx context.Context, toolID string, params map[string]any) (*Result, error) {
	def, err := e.registry.Get(toolID)
	if err != nil {
		return nil, err
	}

	coerced, err := coerceParams(def, params)
	if err != nil {
		return nil, err
	}

	switch def.RetrievalStrategy {
	case StrategyESQL:
		res, err := e.executeESQL(ctx, def, coerced)
		if err != nil {
			return nil, err
		}
		return &Result{ESQL: res}, nil
	default:
		hits, err := e.executeSearch(ctx, def, params)
		if err != nil {
			return nil, err
		}
		return &Result{Hits: hits}, nil
	}
}

func (e *Executor) executeESQL(ctx context.Context, def *Definition, params map[string]any) (*store.ESQLResult, error) {
	query, esqlParams := expandArrayParams(def.Configuration.Query, params)

	res, err := async.Retry(ctx, e.retry, func(ctx context.Context) (*store.ESQLResult, error) {
		return e.store.ESQL(ctx, query, esqlParams)
	})
	if err == nil {
		return res, nil
	}

	if def.LookupJoinTechPreview && isLookupJoinError(err) {
		fallback, ok := esqlFallbacks[def.ID]
		if !ok {
			return nil, err
		}
		e.logger.Warn("Lookup-join rejected, using client-side fallback",
			"tool", def.ID, "error", err)
		return fallback(ctx, e.store, params)
	}
	return nil, err
}

// isLookupJoinError matches the query engine's rejection of the LOOKUP JOIN
// preview syntax.
func isLookupJoinError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "lookup join") || strings.Contains(msg, "lookup_join")
}

func (e *Executor) executeSearch(ctx context.Context, def *Definition, params map[string]any) ([]store.Hit, error) {
	text, _ := params["query"].(string)
	k := def.MaxResults
	if k <= 0 {
		k = 10
	}

	var req *store.SearchRequest
	switch def.RetrievalStrategy {
	case StrategyKeyword:
		req = e.keywordRequest(def, text, k)
	case StrategyKNN:
		knnReq, err := e.knnRequest(ctx, def, text, k)
		if err != nil {
			return nil, err
		}
		req = knnReq
	case StrategyHybrid:
		knnReq, err := e.knnRequest(ctx, def, text, k)
		if err != nil {
			return nil, err
		}
		// Hybrid: keyword clause + knn clause fused by reciprocal rank.
		req = e.keywordRequest(def, text, k)
		req.KNN = knnReq.KNN
		window := def.Configuration.RankWindowSize
		if window <= 0 {
			window = 100
		}
		constant := def.Configuration.RankConstant
		if constant <= 0 {
			constant = 60
		}
		req.RRF = &store.RRFParams{RankWindowSize: window, RankConstant: constant}
	default:
		return nil, fmt.Errorf("tool %s: unsupported strategy %q", def.ID, def.RetrievalStrategy)
	}

	res, err := async.Retry(ctx, e.retry, func(ctx context.Context) (*store.SearchResult, error) {
		return e.store.Search(ctx, req)
	})
	if err != nil && def.RetrievalStrategy == StrategyHybrid && isRRFError(err) {
		// RRF unavailable (license or parser): degrade to pure knn.
		e.logger.Warn("Hybrid search unavailable, falling back to knn", "tool", def.ID, "error", err)
		knnReq, kerr := e.knnRequest(ctx, def, text, k)
		if kerr != nil {
			return nil, kerr
		}
		res, err = async.Retry(ctx, e.retry, func(ctx context.Context) (*store.SearchResult, error) {
			return e.store.Search(ctx, knnReq)
		})
	}
	if err != nil {
		return nil, err
	}

	return filterHits(res.Hits, def.ResultFields), nil
}

func (e *Executor) keywordRequest(def *Definition, text string, k int) *store.SearchRequest {
	query := store.Doc{"multi_match": store.Doc{
		"query":  text,
		"fields": def.QueryFields,
	}}
	if def.Filter != nil {
		query = store.Doc{"bool": store.Doc{
			"must":   []store.Doc{query},
			"filter": []store.Doc{def.Filter},
		}}
	}
	return &store.SearchRequest{Index: def.Index, Query: query, Size: k}
}

func (e *Executor) knnRequest(ctx context.Context, def *Definition, text string, k int) (*store.SearchRequest, error) {
	if e.embedder == nil {
		return nil, fmt.Errorf("tool %s: no embedder configured for %s search", def.ID, def.RetrievalStrategy)
	}
	vector, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("tool %s: embed query: %w", def.ID, err)
	}
	candidates := 10 * k
	if candidates > 100 {
		candidates = 100
	}
	return &store.SearchRequest{
		Index: def.Index,
		KNN: &store.KNNQuery{
			Field:         def.VectorField,
			Vector:        vector,
			K:             k,
			NumCandidates: candidates,
		},
		Size: k,
	}, nil
}

func isRRFError(err error) bool {
	var se *store.StatusError
	if !errors.As(err, &se) {
		return false
	}
	msg := strings.ToLower(se.Message)
	if !strings.Contains(msg, "rrf") {
		return false
	}
	return strings.Contains(msg, "license") || strings.Contains(msg, "parse") || strings.Contains(msg, "parsing")
}

// filterHits defensively restricts each hit's source to the declared result
// fields. Id and score survive as hit metadata.
func filterHits(hits []store.Hit, resultFields []string) []store.Hit {
	if len(resultFields) == 0 {
		return hits
	}
	out := make([]store.Hit, len(hits))
	for i, h := range hits {
		src := store.Doc{}
		for _, f := range resultFields {
			if v, ok := h.Source[f]; ok {
				src[f] = v
			}
		}
		out[i] = store.Hit{ID: h.ID, Score: h.Score, Source: src}
	}
	return out
}
