package workflow

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"

	"worker/internal/domain"
)

// fieldKind is the destination type of a canonical placeholder field.
type fieldKind int

const (
	kindString fieldKind = iota
	kindInt
	kindFloat
)

// fieldKinds declares every canonical placeholder field and its type.
var fieldKinds = map[string]fieldKind{
	"STEPS":           kindInt,
	"CFG":             kindFloat,
	"SAMPLER":         kindString,
	"SCHEDULER":       kindString,
	"SEED":            kindInt,
	"WIDTH":           kindInt,
	"HEIGHT":          kindInt,
	"DENOISE":         kindFloat,
	"PROMPT":          kindString,
	"NEGATIVE_PROMPT": kindString,
	"LENGTH":          kindInt,
	"FPS":             kindInt,
	"FILENAME_PREFIX": kindString,
	"SOURCE_IMAGE":    kindString,
}

// fieldDefaults are the built-in values used when a job binds nothing for a
// field. Fields absent here (PROMPT, SEED, ...) must come from the job.
var fieldDefaults = map[string]any{
	"STEPS":     20,
	"CFG":       7.0,
	"SAMPLER":   "euler",
	"SCHEDULER": "normal",
	"DENOISE":   1.0,
	"WIDTH":     1024,
	"HEIGHT":    1024,
	"FPS":       25,
	"LENGTH":    81,
}

// paramKeys lists the job parameter spellings accepted for each field, in
// lookup order.
var paramKeys = map[string][]string{
	"STEPS":        {"steps"},
	"CFG":          {"cfg", "cfg_scale"},
	"SAMPLER":      {"sampler", "sampler_name"},
	"SCHEDULER":    {"scheduler"},
	"SEED":         {"seed"},
	"WIDTH":        {"width"},
	"HEIGHT":       {"height"},
	"DENOISE":      {"denoise", "denoising_strength"},
	"LENGTH":       {"length", "frames", "num_frames"},
	"FPS":          {"fps", "frame_rate"},
	"SOURCE_IMAGE": {"source_image"},
}

// Bindings maps canonical field names to resolved values for one job
// attempt. Building bindings is the only non-deterministic step (random
// seeds resolve here); Compile itself is pure.
type Bindings map[string]any

// BindJob resolves every bindable field from the job. Parameter precedence
// is payload.params over legacy top-level params over built-in defaults; a
// field with neither stays unbound and fails compilation if the template
// references it.
func BindJob(job *domain.Job) Bindings {
	b := Bindings{
		"PROMPT":          job.Prompt,
		"NEGATIVE_PROMPT": job.NegativePrompt,
		"FILENAME_PREFIX": job.ID,
	}
	// Image-to-video jobs carry their input frame in the payload; a job
	// without one stays unbound so text-to-video templates are unaffected.
	if job.SourceImage != "" {
		b["SOURCE_IMAGE"] = job.SourceImage
	}
	for field, keys := range paramKeys {
		for _, key := range keys {
			if v, ok := job.Param(key); ok {
				b[field] = v
				break
			}
		}
	}
	for field, def := range fieldDefaults {
		if _, ok := b[field]; !ok {
			b[field] = def
		}
	}
	if !b.hasSeed() {
		b["SEED"] = rand.Int64N(1 << 53)
	}
	return b
}

func (b Bindings) hasSeed() bool {
	v, ok := b["SEED"]
	if !ok {
		return false
	}
	// Zero and negative request a random seed.
	if n, ok := numericValue(v); ok && n <= 0 {
		return false
	}
	return true
}

// Seed returns the resolved seed value.
func (b Bindings) Seed() int64 {
	if n, ok := numericValue(b["SEED"]); ok {
		return int64(n)
	}
	return 0
}

// IntValue reads a binding as an int, tolerating string and float forms.
func (b Bindings) IntValue(field string, fallback int) int {
	if n, ok := numericValue(b[field]); ok {
		return int(n)
	}
	return fallback
}

// FloatValue reads a binding as a float64, tolerating string forms.
func (b Bindings) FloatValue(field string, fallback float64) float64 {
	if n, ok := numericValue(b[field]); ok {
		return n
	}
	return fallback
}

// StringValue reads a binding as a string.
func (b Bindings) StringValue(field, fallback string) string {
	if s, ok := b[field].(string); ok && s != "" {
		return s
	}
	return fallback
}

// CompileError reports an unresolved or mistyped placeholder with the node
// and field it occurred in. Compile errors are fatal and never retried.
type CompileError struct {
	Node   string
	Field  string
	Token  string
	Reason string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile node %s field %s: %s %s", e.Node, e.Field, e.Token, e.Reason)
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// Compile substitutes bindings into every placeholder occurrence in the
// template and returns a new graph. The template is never mutated, so
// concurrent compilation of a shared template is safe. Repeated calls with
// the same bindings yield identical graphs.
func Compile(t *Template, b Bindings) (Graph, error) {
	graph, err := deepCopy(t.Graph)
	if err != nil {
		return nil, err
	}
	for _, id := range graph.NodeIDs() {
		node := graph[id]
		for field, value := range node.Inputs {
			replaced, err := substitute(id, field, value, b)
			if err != nil {
				return nil, err
			}
			node.Inputs[field] = replaced
		}
		graph[id] = node
	}
	return graph, nil
}

// deepCopy round-trips through JSON so no slice or map is shared with the
// template.
func deepCopy(g Graph) (Graph, error) {
	raw, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("compile: copy template: %w", err)
	}
	var copied Graph
	if err := json.Unmarshal(raw, &copied); err != nil {
		return nil, fmt.Errorf("compile: copy template: %w", err)
	}
	return copied, nil
}

// substitute walks one input value. Only string leaves can carry
// placeholders; arrays and objects recurse, everything else passes through.
func substitute(node, field string, value any, b Bindings) (any, error) {
	switch v := value.(type) {
	case string:
		return substituteString(node, field, v, b)
	case []any:
		for i, item := range v {
			replaced, err := substitute(node, field, item, b)
			if err != nil {
				return nil, err
			}
			v[i] = replaced
		}
		return v, nil
	case map[string]any:
		for key, item := range v {
			replaced, err := substitute(node, field, item, b)
			if err != nil {
				return nil, err
			}
			v[key] = replaced
		}
		return v, nil
	default:
		return value, nil
	}
}

func substituteString(node, field, s string, b Bindings) (any, error) {
	match := placeholderPattern.FindStringSubmatch(strings.TrimSpace(s))
	if match != nil && match[0] == strings.TrimSpace(s) {
		// The whole string is one token: replace with a typed value.
		return resolveToken(node, field, match[1], b)
	}
	// Token embedded in literal text: interpolate each occurrence.
	var firstErr error
	replaced := placeholderPattern.ReplaceAllStringFunc(s, func(token string) string {
		name := placeholderPattern.FindStringSubmatch(token)[1]
		value, err := resolveToken(node, field, name, b)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return token
		}
		return stringify(value)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return replaced, nil
}

// resolveToken produces the typed value for one placeholder, coercing
// string-typed bindings into the field's numeric kind when needed.
func resolveToken(node, field, token string, b Bindings) (any, error) {
	canonical := strings.ToUpper(token)
	value, bound := b[canonical]
	if !bound {
		return nil, &CompileError{Node: node, Field: field, Token: token, Reason: "has no binding and no default"}
	}
	kind, known := fieldKinds[canonical]
	if !known {
		kind = kindString
	}
	switch kind {
	case kindInt:
		n, ok := numericValue(value)
		if !ok {
			return nil, &CompileError{Node: node, Field: field, Token: token, Reason: fmt.Sprintf("requires an integer, got %v", value)}
		}
		return int64(n), nil
	case kindFloat:
		n, ok := numericValue(value)
		if !ok {
			return nil, &CompileError{Node: node, Field: field, Token: token, Reason: fmt.Sprintf("requires a number, got %v", value)}
		}
		return n, nil
	default:
		return stringify(value), nil
	}
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
