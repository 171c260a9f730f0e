package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Node is one engine graph node in the API format: a class type plus a free
// form inputs object whose values are literals or [nodeID, outputIndex]
// links.
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
	Meta      map[string]any `json:"_meta,omitempty"`
}

// Graph is a complete node-link execution graph keyed by node id.
type Graph map[string]Node

// Template is a parameterized workflow loaded from disk or from the recipe
// registry. Templates are immutable and shared read-only across
// concurrently processed jobs; compilation always works on a deep copy.
type Template struct {
	ModelID string
	Path    string
	Graph   Graph
}

// ParseTemplate decodes raw workflow JSON into a Template.
func ParseTemplate(modelID string, raw []byte) (*Template, error) {
	var graph Graph
	if err := json.Unmarshal(raw, &graph); err != nil {
		return nil, fmt.Errorf("workflow: parse template %s: %w", modelID, err)
	}
	if len(graph) == 0 {
		return nil, fmt.Errorf("workflow: template %s has no nodes", modelID)
	}
	return &Template{ModelID: modelID, Graph: graph}, nil
}

// LoadTemplate reads a workflow template file. The model id is the file's
// base name without extension.
func LoadTemplate(path string) (*Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workflow: read template: %w", err)
	}
	modelID := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	t, err := ParseTemplate(modelID, raw)
	if err != nil {
		return nil, err
	}
	t.Path = path
	return t, nil
}

// NodeIDs returns the graph's node ids in generation order: numeric ids
// ascend numerically, the rest lexically after them.
func (g Graph) NodeIDs() []string {
	ids := make([]string, 0, len(g))
	for id := range g {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, aerr := strconv.Atoi(ids[i])
		b, berr := strconv.Atoi(ids[j])
		switch {
		case aerr == nil && berr == nil:
			return a < b
		case aerr == nil:
			return true
		case berr == nil:
			return false
		default:
			return ids[i] < ids[j]
		}
	})
	return ids
}

// samplerClasses are the node classes whose seed input reflects the value
// actually used by the engine.
var samplerClasses = map[string]string{
	"KSampler":         "seed",
	"KSamplerAdvanced": "noise_seed",
	"SamplerCustom":    "noise_seed",
	"RandomNoise":      "noise_seed",
}

// SamplerSeed reads the seed back from the graph's sampler node. Random
// seed requests resolve at compile time, so after compilation this is the
// value the engine will actually use.
func (g Graph) SamplerSeed() (int64, bool) {
	for _, id := range g.NodeIDs() {
		node := g[id]
		field, ok := samplerClasses[node.ClassType]
		if !ok {
			continue
		}
		if seed, ok := numericValue(node.Inputs[field]); ok {
			return int64(seed), true
		}
	}
	return 0, false
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
