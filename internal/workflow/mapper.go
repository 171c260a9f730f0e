package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"worker/internal/domain"
	"worker/internal/infra"
)

// modelAliases bridges known naming mismatches between registry model ids
// and the local template corpus. Keys and values are compared normalized,
// so separator and case differences never need their own entry.
var modelAliases = map[string]string{
	"wan2.2-t2v-a14b":   "wan2_2_t2v_14b",
	"wan2.2-i2v-a14b":   "wan2_2_i2v_14b",
	"wan2.1-t2v-1.3b":   "wan2_1_t2v_1_3b",
	"flux.1-dev":        "flux1-dev",
	"flux.1-schnell":    "flux1-schnell",
	"sdxl-base-1.0":     "sd_xl_base_1.0",
	"sd3.5-large":       "sd3_5_large",
	"ltx-video":         "ltxv",
	"hunyuan-video-t2v": "hunyuan_video",
}

// loaderClasses maps recognized model-loading node classes to the inputs
// holding file names and the engine models subdirectory they live in.
// Unrecognized classes are inert.
var loaderClasses = map[string]struct {
	inputs []string
	subdir string
}{
	"CheckpointLoaderSimple": {inputs: []string{"ckpt_name"}, subdir: "checkpoints"},
	"VAELoader":              {inputs: []string{"vae_name"}, subdir: "vae"},
	"CLIPLoader":             {inputs: []string{"clip_name"}, subdir: "clip"},
	"DualCLIPLoader":         {inputs: []string{"clip_name1", "clip_name2"}, subdir: "clip"},
	"UNETLoader":             {inputs: []string{"unet_name"}, subdir: "unet"},
	"LoraLoader":             {inputs: []string{"lora_name"}, subdir: "loras"},
}

// ModelFile is a model artifact a template expects to find installed.
type ModelFile struct {
	Subdir string
	Name   string
}

// Mapper resolves requested model ids to workflow template files and the
// model files those templates reference.
type Mapper struct {
	dir    string
	logger *infra.Logger
}

// NewMapper creates a mapper over the given templates directory.
func NewMapper(dir string, logger *infra.Logger) *Mapper {
	return &Mapper{dir: dir, logger: logger}
}

// BuildWorkflowMap enumerates on-disk templates and returns modelID →
// template path keyed by normalized template name.
func (m *Mapper) BuildWorkflowMap() (map[string]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("mapper: read workflows dir: %w", err)
	}
	byName := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".json") {
			continue
		}
		base := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		byName[normalizeName(base)] = filepath.Join(m.dir, entry.Name())
	}
	return byName, nil
}

// Resolve maps a model id to its template path: exact name first, then the
// alias table, then a fuzzy match with dots folded. No match is a hard
// failure that blocks compilation.
func (m *Mapper) Resolve(modelID string) (string, error) {
	byName, err := m.BuildWorkflowMap()
	if err != nil {
		return "", err
	}
	if path, ok := byName[normalizeName(modelID)]; ok {
		return path, nil
	}
	for alias, target := range modelAliases {
		if normalizeName(alias) == normalizeName(modelID) || fuzzyName(alias) == fuzzyName(modelID) {
			if path, ok := byName[normalizeName(target)]; ok {
				return path, nil
			}
		}
	}
	wanted := fuzzyName(modelID)
	for name, path := range byName {
		if fuzzyName(name) == wanted {
			return path, nil
		}
	}
	return "", fmt.Errorf("mapper: %w: %s", domain.ErrNoWorkflow, modelID)
}

// Load resolves and parses the template for a model id.
func (m *Mapper) Load(modelID string) (*Template, error) {
	path, err := m.Resolve(modelID)
	if err != nil {
		return nil, err
	}
	return LoadTemplate(path)
}

// ExtractModelFiles scans nodes of known loader classes for the model files
// the template references.
func ExtractModelFiles(t *Template) []ModelFile {
	var files []ModelFile
	for _, id := range t.Graph.NodeIDs() {
		node := t.Graph[id]
		loader, ok := loaderClasses[node.ClassType]
		if !ok {
			continue
		}
		for _, input := range loader.inputs {
			name, ok := node.Inputs[input].(string)
			if !ok || strings.TrimSpace(name) == "" {
				continue
			}
			files = append(files, ModelFile{Subdir: loader.subdir, Name: name})
		}
	}
	return files
}

// VerifyLocalFiles confirms every referenced model file exists under the
// engine's models directory before a job is accepted.
func VerifyLocalFiles(t *Template, modelsDir string) error {
	var missing []string
	for _, file := range ExtractModelFiles(t) {
		path := filepath.Join(modelsDir, file.Subdir, filepath.FromSlash(file.Name))
		if _, err := os.Stat(path); err != nil {
			missing = append(missing, filepath.Join(file.Subdir, file.Name))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("workflow %s: %w: %s", t.ModelID, domain.ErrMissingModelFile, strings.Join(missing, ", "))
	}
	return nil
}

// SameModelID reports whether two model ids refer to the same model under
// case and separator folding.
func SameModelID(a, b string) bool {
	return fuzzyName(a) == fuzzyName(b)
}

// normalizeName case-folds and treats '-' and '_' as interchangeable.
func normalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.ReplaceAll(name, "-", "_")
}

// fuzzyName additionally folds dots, for ids like "wan2.2" vs "wan2_2".
func fuzzyName(name string) string {
	return strings.ReplaceAll(normalizeName(name), ".", "_")
}
