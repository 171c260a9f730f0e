package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MediaType distinguishes generation outputs with different execution budgets.
type MediaType string

const (
	MediaTypeImage MediaType = "image"
	MediaTypeVideo MediaType = "video"
)

// Job is a single generation request popped from the queue. It is immutable
// once decoded; per-attempt state (compiled graph, retries) lives with the
// orchestrator.
type Job struct {
	ID             string
	ModelID        string
	Prompt         string
	NegativePrompt string
	// PayloadParams are the parameters nested under payload.params and take
	// precedence over Params, the legacy top-level location.
	PayloadParams map[string]any
	Params        map[string]any
	SourceImage   string
	MediaType     MediaType
}

// queueJob mirrors the queue's pop response wire shape.
type queueJob struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Payload struct {
		Prompt         string         `json:"prompt"`
		NegativePrompt string         `json:"negative_prompt"`
		SourceImage    string         `json:"source_image"`
		MediaType      string         `json:"media_type"`
		Params         map[string]any `json:"params"`
	} `json:"payload"`
	Params map[string]any `json:"params"`
}

// DecodeJob converts a raw queue pop response into a Job. The media type is
// taken from the payload when present, otherwise inferred from the model id.
func DecodeJob(raw []byte) (*Job, error) {
	var qj queueJob
	if err := json.Unmarshal(raw, &qj); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	if strings.TrimSpace(qj.ID) == "" {
		return nil, fmt.Errorf("decode job: missing id")
	}
	if strings.TrimSpace(qj.Model) == "" {
		return nil, fmt.Errorf("decode job %s: missing model", qj.ID)
	}
	return &Job{
		ID:             qj.ID,
		ModelID:        qj.Model,
		Prompt:         qj.Payload.Prompt,
		NegativePrompt: qj.Payload.NegativePrompt,
		PayloadParams:  qj.Payload.Params,
		Params:         qj.Params,
		SourceImage:    qj.Payload.SourceImage,
		MediaType:      mediaTypeFor(qj.Payload.MediaType, qj.Model),
	}, nil
}

// Param looks up a parameter by key, preferring payload.params over the
// legacy top-level params.
func (j *Job) Param(key string) (any, bool) {
	if v, ok := j.PayloadParams[key]; ok {
		return v, true
	}
	if v, ok := j.Params[key]; ok {
		return v, true
	}
	return nil, false
}

var videoModelMarkers = []string{"t2v", "i2v", "v2v", "video", "wan", "ltx", "mochi"}

func mediaTypeFor(declared, modelID string) MediaType {
	switch strings.ToLower(strings.TrimSpace(declared)) {
	case "image":
		return MediaTypeImage
	case "video":
		return MediaTypeVideo
	}
	lowered := strings.ToLower(modelID)
	for _, marker := range videoModelMarkers {
		if strings.Contains(lowered, marker) {
			return MediaTypeVideo
		}
	}
	return MediaTypeImage
}
