// Package tools loads JSON tool definitions and executes them against the
// store: parameterized ES|QL queries and keyword/hybrid/knn searches.
// Parameter values always travel separately from query text; nothing is
// ever concatenated into a query string.
package tools

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Retrieval strategies.
const (
	StrategyESQL    = "esql"
	StrategyKeyword = "keyword"
	StrategyHybrid  = "hybrid"
	StrategyKNN     = "knn"
)

// Parameter types accepted in tool definitions.
const (
	ParamKeyword = "keyword"
	ParamInteger = "integer"
	ParamDouble  = "double"
	ParamIP      = "ip"
	ParamDate    = "date"
)

// ParamSpec declares one parameter of a tool.
type ParamSpec struct {
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Default  any    `json:"default,omitempty"`
}

// Configuration holds the strategy-specific parts of a definition.
type Configuration struct {
	Query          string               `json:"query,omitempty"` // ES|QL source
	Params         map[string]ParamSpec `json:"params,omitempty"`
	RankWindowSize int                  `json:"rank_window_size,omitempty"`
	RankConstant   int                  `json:"rank_constant,omitempty"`
}

// Definition is one JSON tool definition.
type Definition struct {
	ID                    string         `json:"id"`
	RetrievalStrategy     string         `json:"retrieval_strategy"`
	Index                 string         `json:"index"`
	QueryFields           []string       `json:"query_fields,omitempty"`
	VectorField           string         `json:"vector_field,omitempty"`
	Configuration         Configuration  `json:"configuration"`
	ResultFields          []string       `json:"result_fields,omitempty"`
	MaxResults            int            `json:"max_results,omitempty"`
	Filter                map[string]any `json:"filter,omitempty"`
	LookupJoinTechPreview bool           `json:"lookupJoinTechPreview,omitempty"`
}

// Validate checks structural consistency of a definition.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("tool definition missing id")
	}
	switch d.RetrievalStrategy {
	case StrategyESQL:
		if d.Configuration.Query == "" {
			return fmt.Errorf("tool %s: esql strategy requires configuration.query", d.ID)
		}
	case StrategyKeyword, StrategyHybrid:
		if d.Index == "" || len(d.QueryFields) == 0 {
			return fmt.Errorf("tool %s: %s strategy requires index and query_fields", d.ID, d.RetrievalStrategy)
		}
	case StrategyKNN:
		if d.Index == "" || d.VectorField == "" {
			return fmt.Errorf("tool %s: knn strategy requires index and vector_field", d.ID)
		}
	default:
		return fmt.Errorf("tool %s: unknown retrieval_strategy %q", d.ID, d.RetrievalStrategy)
	}
	for name, spec := range d.Configuration.Params {
		switch spec.Type {
		case ParamKeyword, ParamInteger, ParamDouble, ParamIP, ParamDate:
		default:
			return fmt.Errorf("tool %s: param %s has unknown type %q", d.ID, name, spec.Type)
		}
	}
	return nil
}

// Registry caches tool definitions by id.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Definition
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]*Definition),
		logger: slog.Default().With("component", "tool-registry"),
	}
}

// LoadDir loads every *.json definition in dir. Invalid definitions fail
// the load; a deployment with a broken catalog should not start.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read tools dir: %w", err)
	}

	loaded := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		var def Definition
		if err := json.Unmarshal(raw, &def); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if err := def.Validate(); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := r.Add(&def); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		loaded++
	}

	r.logger.Info("Tool catalog loaded", "dir", dir, "tools", loaded)
	return nil
}

// Add registers a definition. Duplicate ids are rejected.
func (r *Registry) Add(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[def.ID]; ok {
		return fmt.Errorf("duplicate tool id %q", def.ID)
	}
	r.byID[def.ID] = def
	return nil
}

// Get returns the definition for id.
func (r *Registry) Get(id string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", id)
	}
	return def, nil
}

// IDs lists the registered tool ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	return ids
}
