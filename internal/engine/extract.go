package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"worker/internal/domain"
	"worker/internal/infra"
	"worker/internal/workflow"
)

// outputClasses are the node classes recognized as artifact producers.
// Nodes of any other class found in history outputs are inert.
var outputClasses = map[string]domain.ArtifactKind{
	"SaveImage":        domain.ArtifactImage,
	"SaveAnimatedWEBP": domain.ArtifactVideo,
	"SaveAnimatedPNG":  domain.ArtifactVideo,
	"SaveWEBM":         domain.ArtifactVideo,
	"SaveVideo":        domain.ArtifactVideo,
	"VHS_VideoCombine": domain.ArtifactVideo,
}

// Extractor locates produced media for completed executions.
type Extractor struct {
	client     *Client
	outputDir  string
	workerName string
	logger     *infra.Logger
}

// NewExtractor builds an extractor over the engine client. outputDir is the
// engine's output directory, used by the filesystem fallback.
func NewExtractor(client *Client, outputDir, workerName string, logger *infra.Logger) *Extractor {
	return &Extractor{client: client, outputDir: outputDir, workerName: workerName, logger: logger}
}

// Extract walks the execution's history outputs and returns the produced
// artifacts in generation order. When history reports success but lists no
// outputs, which happens across engine versions whose history schema
// drifted, it falls back to scanning the output directory for files newer
// than submission carrying the expected name prefix. Success with nothing
// found even then is an internal inconsistency.
func (e *Extractor) Extract(ctx context.Context, promptID string, media domain.MediaType, graph workflow.Graph, prefix string, submittedAt time.Time) ([]domain.ResultArtifact, error) {
	entry, found, err := e.client.history(ctx, promptID)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", promptID, err)
	}
	seed, _ := graph.SamplerSeed()
	var artifacts []domain.ResultArtifact
	if found {
		if entry.failed() {
			return nil, fmt.Errorf("extract %s: %w: %s", promptID, domain.ErrEngineFailure, entry.failureMessage())
		}
		artifacts = e.fromHistory(ctx, entry, graph, seed)
	}
	if len(artifacts) == 0 {
		artifacts = e.fromFilesystem(media, prefix, seed, submittedAt)
	}
	if len(artifacts) == 0 {
		return nil, fmt.Errorf("extract %s: %w", promptID, domain.ErrNoArtifact)
	}
	return artifacts, nil
}

func (e *Extractor) fromHistory(ctx context.Context, entry *historyEntry, graph workflow.Graph, seed int64) []domain.ResultArtifact {
	var artifacts []domain.ResultArtifact
	for _, nodeID := range graph.NodeIDs() {
		output, ok := entry.Outputs[nodeID]
		if !ok {
			continue
		}
		kind, recognized := outputClasses[graph[nodeID].ClassType]
		if !recognized {
			continue
		}
		files := output.Images
		files = append(files, output.Gifs...)
		files = append(files, output.Videos...)
		for _, file := range files {
			if file.Type != "" && file.Type != "output" {
				continue
			}
			data, err := e.client.view(ctx, file)
			if err != nil {
				if e.logger != nil {
					e.logger.Warn().Err(err).Str("file", file.Filename).Msg("extract: fetch output failed")
				}
				continue
			}
			artifacts = append(artifacts, domain.ResultArtifact{
				Kind:     kind,
				MimeType: mimeForFile(file.Filename),
				FileName: file.Filename,
				Data:     data,
				Seed:     seed,
				WorkerMeta: map[string]string{
					"worker": e.workerName,
					"node":   nodeID,
				},
			})
		}
	}
	return artifacts
}

// fromFilesystem is the schema-drift guard: collect output files written
// after submission whose names start with the expected prefix.
func (e *Extractor) fromFilesystem(media domain.MediaType, prefix string, seed int64, submittedAt time.Time) []domain.ResultArtifact {
	if e.outputDir == "" || prefix == "" {
		return nil
	}
	kind := domain.ArtifactImage
	if media == domain.MediaTypeVideo {
		kind = domain.ArtifactVideo
	}
	var artifacts []domain.ResultArtifact
	walkErr := filepath.WalkDir(e.outputDir, func(path string, entry os.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return nil
		}
		if !strings.HasPrefix(entry.Name(), prefix) {
			return nil
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().Before(submittedAt) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		artifacts = append(artifacts, domain.ResultArtifact{
			Kind:     kind,
			MimeType: mimeForFile(entry.Name()),
			FileName: entry.Name(),
			Data:     data,
			Seed:     seed,
			WorkerMeta: map[string]string{
				"worker": e.workerName,
				"source": "filesystem",
			},
		})
		return nil
	})
	if walkErr != nil && e.logger != nil {
		e.logger.Warn().Err(walkErr).Str("dir", e.outputDir).Msg("extract: output scan failed")
	}
	return artifacts
}

func mimeForFile(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	default:
		return "application/octet-stream"
	}
}
