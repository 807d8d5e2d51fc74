package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// Elastic is the Elasticsearch-backed Store.
type Elastic struct {
	es     *elasticsearch.Client
	logger *slog.Logger
}

var _ Store = (*Elastic)(nil)

// NewElastic creates a Store over an Elasticsearch client.
func NewElastic(es *elasticsearch.Client) *Elastic {
	return &Elastic{
		es:     es,
		logger: slog.Default().With("component", "store"),
	}
}

// NewElasticFromEnv connects using ELASTICSEARCH_URL / ELASTICSEARCH_API_KEY
// style configuration picked up by the client library.
func NewElasticFromEnv() (*Elastic, error) {
	es, err := elasticsearch.NewDefaultClient()
	if err != nil {
		return nil, fmt.Errorf("elasticsearch client: %w", err)
	}
	return NewElastic(es), nil
}

func (s *Elastic) Get(ctx context.Context, index, id string) (*GetResult, error) {
	res, err := s.es.Get(index, id, s.es.Get.WithContext(ctx))
	if err != nil {
		return nil, &StatusError{StatusCode: 0, Op: "get", Message: err.Error()}
	}
	defer res.Body.Close()

	if res.StatusCode == 404 {
		return nil, fmt.Errorf("get %s/%s: %w", index, id, ErrNotFound)
	}
	if res.IsError() {
		return nil, statusErr("get", res)
	}

	var body struct {
		ID          string `json:"_id"`
		SeqNo       int64  `json:"_seq_no"`
		PrimaryTerm int64  `json:"_primary_term"`
		Source      Doc    `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode get response: %w", err)
	}
	return &GetResult{
		ID:          body.ID,
		Source:      body.Source,
		SeqNo:       body.SeqNo,
		PrimaryTerm: body.PrimaryTerm,
	}, nil
}

func (s *Elastic) Create(ctx context.Context, index, id string, doc Doc) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	res, err := s.es.Create(index, id, bytes.NewReader(body),
		s.es.Create.WithContext(ctx),
		s.es.Create.WithRefresh("wait_for"),
	)
	if err != nil {
		return &StatusError{StatusCode: 0, Op: "create", Message: err.Error()}
	}
	defer res.Body.Close()

	if res.StatusCode == 409 {
		return fmt.Errorf("create %s/%s: %w", index, id, ErrAlreadyExists)
	}
	if res.IsError() {
		return statusErr("create", res)
	}
	return drain(res.Body)
}

func (s *Elastic) Update(ctx context.Context, index, id string, patch Doc, seqNo, primaryTerm int64) error {
	body, err := json.Marshal(Doc{"doc": patch})
	if err != nil {
		return fmt.Errorf("encode patch: %w", err)
	}

	res, err := s.es.Update(index, id, bytes.NewReader(body),
		s.es.Update.WithContext(ctx),
		s.es.Update.WithIfSeqNo(int(seqNo)),
		s.es.Update.WithIfPrimaryTerm(int(primaryTerm)),
		s.es.Update.WithRefresh("wait_for"),
	)
	if err != nil {
		return &StatusError{StatusCode: 0, Op: "update", Message: err.Error()}
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == 404:
		return fmt.Errorf("update %s/%s: %w", index, id, ErrNotFound)
	case res.StatusCode == 409:
		return fmt.Errorf("update %s/%s: %w", index, id, ErrConflict)
	case res.IsError():
		return statusErr("update", res)
	}
	return drain(res.Body)
}

func (s *Elastic) Index(ctx context.Context, index, id string, doc Doc) (string, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}

	opts := []func(*esapi.IndexRequest){
		s.es.Index.WithContext(ctx),
		s.es.Index.WithRefresh("wait_for"),
	}
	if id != "" {
		opts = append(opts, s.es.Index.WithDocumentID(id))
	}

	res, err := s.es.Index(index, bytes.NewReader(body), opts...)
	if err != nil {
		return "", &StatusError{StatusCode: 0, Op: "index", Message: err.Error()}
	}
	defer res.Body.Close()

	if res.IsError() {
		return "", statusErr("index", res)
	}

	var out struct {
		ID string `json:"_id"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode index response: %w", err)
	}
	return out.ID, nil
}

func (s *Elastic) Search(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	body := Doc{}
	if req.Query != nil {
		body["query"] = req.Query
	}
	if req.KNN != nil {
		body["knn"] = Doc{
			"field":          req.KNN.Field,
			"query_vector":   req.KNN.Vector,
			"k":              req.KNN.K,
			"num_candidates": req.KNN.NumCandidates,
		}
	}
	if req.RRF != nil {
		body["rank"] = Doc{"rrf": Doc{
			"rank_window_size": req.RRF.RankWindowSize,
			"rank_constant":    req.RRF.RankConstant,
		}}
	}
	if len(req.Sort) > 0 {
		body["sort"] = req.Sort
	}
	if req.Size > 0 {
		body["size"] = req.Size
	}
	if len(req.Source) > 0 {
		body["_source"] = req.Source
	}
	if req.Aggs != nil {
		body["aggs"] = req.Aggs
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode search request: %w", err)
	}

	res, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(req.Index),
		s.es.Search.WithBody(bytes.NewReader(raw)),
	)
	if err != nil {
		return nil, &StatusError{StatusCode: 0, Op: "search", Message: err.Error()}
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, statusErr("search", res)
	}

	var out struct {
		Hits struct {
			Total struct {
				Value int `json:"value"`
			} `json:"total"`
			Hits []struct {
				ID     string  `json:"_id"`
				Score  float64 `json:"_score"`
				Source Doc     `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
		Aggregations Doc `json:"aggregations"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	result := &SearchResult{
		Total:        out.Hits.Total.Value,
		Aggregations: out.Aggregations,
	}
	for _, h := range out.Hits.Hits {
		result.Hits = append(result.Hits, Hit{ID: h.ID, Score: h.Score, Source: h.Source})
	}
	return result, nil
}

func (s *Elastic) UpdateByQuery(ctx context.Context, index string, query Doc, script string, params Doc) (int, error) {
	body := Doc{
		"query": query,
		"script": Doc{
			"source": script,
			"lang":   "painless",
			"params": params,
		},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encode update-by-query: %w", err)
	}

	res, err := s.es.UpdateByQuery([]string{index},
		s.es.UpdateByQuery.WithContext(ctx),
		s.es.UpdateByQuery.WithBody(bytes.NewReader(raw)),
		s.es.UpdateByQuery.WithRefresh(true),
	)
	if err != nil {
		return 0, &StatusError{StatusCode: 0, Op: "update_by_query", Message: err.Error()}
	}
	defer res.Body.Close()

	if res.IsError() {
		return 0, statusErr("update_by_query", res)
	}

	var out struct {
		Updated int `json:"updated"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode update-by-query response: %w", err)
	}
	return out.Updated, nil
}

func (s *Elastic) Bulk(ctx context.Context, ops []BulkOp) error {
	if len(ops) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, op := range ops {
		action := op.Action
		if action == "" {
			action = "index"
		}
		meta := Doc{action: Doc{"_index": op.Index}}
		if op.ID != "" {
			meta[action].(Doc)["_id"] = op.ID
		}
		if err := enc.Encode(meta); err != nil {
			return fmt.Errorf("encode bulk meta: %w", err)
		}
		if err := enc.Encode(op.Doc); err != nil {
			return fmt.Errorf("encode bulk doc: %w", err)
		}
	}

	res, err := s.es.Bulk(&buf,
		s.es.Bulk.WithContext(ctx),
		s.es.Bulk.WithRefresh("wait_for"),
	)
	if err != nil {
		return &StatusError{StatusCode: 0, Op: "bulk", Message: err.Error()}
	}
	defer res.Body.Close()

	if res.IsError() {
		return statusErr("bulk", res)
	}
	return drain(res.Body)
}

func (s *Elastic) ESQL(ctx context.Context, query string, params []ESQLParam) (*ESQLResult, error) {
	// Named params are sent as an ordered array of single-entry objects,
	// matching the ?name placeholders in the query text.
	paramList := make([]Doc, 0, len(params))
	for _, p := range params {
		paramList = append(paramList, Doc{p.Name: p.Value})
	}
	body := Doc{"query": query}
	if len(paramList) > 0 {
		body["params"] = paramList
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode esql request: %w", err)
	}

	res, err := s.es.EsqlQuery(bytes.NewReader(raw), s.es.EsqlQuery.WithContext(ctx))
	if err != nil {
		return nil, &StatusError{StatusCode: 0, Op: "esql", Message: err.Error()}
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, statusErr("esql", res)
	}

	var out struct {
		Columns []ESQLColumn `json:"columns"`
		Values  [][]any      `json:"values"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode esql response: %w", err)
	}
	return &ESQLResult{Columns: out.Columns, Values: out.Values}, nil
}

func statusErr(op string, res *esapi.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
	return &StatusError{StatusCode: res.StatusCode, Op: op, Message: string(msg)}
}

func drain(r io.Reader) error {
	_, err := io.Copy(io.Discard, r)
	return err
}
