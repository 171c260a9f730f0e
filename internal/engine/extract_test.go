package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"worker/internal/domain"
	"worker/internal/workflow"
)

func saverGraph(t *testing.T) workflow.Graph {
	t.Helper()
	tmpl, err := workflow.ParseTemplate("test", []byte(`{
		"3": {"class_type": "KSampler", "inputs": {"seed": 7, "steps": 20}},
		"9": {"class_type": "SaveImage", "inputs": {"filename_prefix": "job-1"}}
	}`))
	if err != nil {
		t.Fatalf("parse template: %v", err)
	}
	return tmpl.Graph
}

func TestExtractReturnsOneImageArtifact(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/history/p-1":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"p-1": map[string]any{
					"outputs": map[string]any{
						"9": map[string]any{
							"images": []map[string]string{{"filename": "job-1_00001_.png", "subfolder": "", "type": "output"}},
						},
					},
					"status": map[string]any{"status_str": "success", "completed": true},
				},
			})
		case r.URL.Path == "/view":
			if got := r.URL.Query().Get("filename"); got != "job-1_00001_.png" {
				t.Fatalf("unexpected filename: %s", got)
			}
			_, _ = w.Write([]byte{0x89, 0x50, 0x4e, 0x47})
		default:
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer ts.Close()

	client := NewClient(Options{BaseURL: ts.URL})
	ex := NewExtractor(client, "", "worker-a", nil)

	artifacts, err := ex.Extract(context.Background(), "p-1", domain.MediaTypeImage, saverGraph(t), "job-1", time.Now())
	if err != nil {
		t.Fatalf("Extract error: %v", err)
	}
	if len(artifacts) != 1 {
		t.Fatalf("expected exactly one artifact, got %d", len(artifacts))
	}
	a := artifacts[0]
	if a.Kind != domain.ArtifactImage {
		t.Fatalf("unexpected kind: %s", a.Kind)
	}
	if a.MimeType != "image/png" {
		t.Fatalf("unexpected mime: %s", a.MimeType)
	}
	if a.Seed != 7 {
		t.Fatalf("seed must be read back from the sampler node, got %d", a.Seed)
	}
	if len(a.Data) == 0 {
		t.Fatalf("artifact bytes missing")
	}
}

func TestExtractEngineErrorYieldsNoArtifacts(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"p-1": map[string]any{
				"error": map[string]string{"type": "execution_error", "message": "node 3 blew up"},
			},
		})
	}))
	defer ts.Close()

	client := NewClient(Options{BaseURL: ts.URL})
	ex := NewExtractor(client, "", "worker-a", nil)

	artifacts, err := ex.Extract(context.Background(), "p-1", domain.MediaTypeImage, saverGraph(t), "job-1", time.Now())
	if !errors.Is(err, domain.ErrEngineFailure) {
		t.Fatalf("expected ErrEngineFailure, got %v", err)
	}
	if len(artifacts) != 0 {
		t.Fatalf("expected zero artifacts, got %d", len(artifacts))
	}
}

func TestExtractFallsBackToFilesystemScan(t *testing.T) {
	outputDir := t.TempDir()
	submitted := time.Now().Add(-time.Minute)
	if err := os.WriteFile(filepath.Join(outputDir, "job-1_00001_.png"), []byte("png-bytes"), 0o644); err != nil {
		t.Fatalf("write output file: %v", err)
	}
	// Older file and foreign prefix must both be ignored.
	stale := filepath.Join(outputDir, "job-1_stale.png")
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatalf("write stale file: %v", err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if err := os.WriteFile(filepath.Join(outputDir, "other-job.png"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write foreign file: %v", err)
	}

	// History reports success but carries no outputs (schema drift).
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"p-1": map[string]any{
				"outputs": map[string]any{},
				"status":  map[string]any{"status_str": "success", "completed": true},
			},
		})
	}))
	defer ts.Close()

	client := NewClient(Options{BaseURL: ts.URL})
	ex := NewExtractor(client, outputDir, "worker-a", nil)

	artifacts, err := ex.Extract(context.Background(), "p-1", domain.MediaTypeImage, saverGraph(t), "job-1", submitted)
	if err != nil {
		t.Fatalf("Extract error: %v", err)
	}
	if len(artifacts) != 1 {
		t.Fatalf("expected the fallback to find one file, got %d", len(artifacts))
	}
	if artifacts[0].WorkerMeta["source"] != "filesystem" {
		t.Fatalf("artifact should be marked as filesystem-sourced")
	}
}

func TestExtractNothingFoundIsExtractionMiss(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"p-1": map[string]any{
				"outputs": map[string]any{},
				"status":  map[string]any{"status_str": "success", "completed": true},
			},
		})
	}))
	defer ts.Close()

	client := NewClient(Options{BaseURL: ts.URL})
	ex := NewExtractor(client, t.TempDir(), "worker-a", nil)

	_, err := ex.Extract(context.Background(), "p-1", domain.MediaTypeImage, saverGraph(t), "job-1", time.Now())
	if !errors.Is(err, domain.ErrNoArtifact) {
		t.Fatalf("expected ErrNoArtifact, got %v", err)
	}
}

func TestExtractIgnoresUnrecognizedOutputNodes(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/history/p-1":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"p-1": map[string]any{
					"outputs": map[string]any{
						// PreviewImage is not a recognized saver class in the graph below.
						"5": map[string]any{"images": []map[string]string{{"filename": "preview.png", "type": "temp"}}},
						"9": map[string]any{"images": []map[string]string{{"filename": "final.png", "type": "output"}}},
					},
					"status": map[string]any{"status_str": "success", "completed": true},
				},
			})
		case "/view":
			_, _ = w.Write([]byte("data"))
		}
	}))
	defer ts.Close()

	tmpl, err := workflow.ParseTemplate("test", []byte(`{
		"3": {"class_type": "KSampler", "inputs": {"seed": 1}},
		"5": {"class_type": "PreviewImage", "inputs": {}},
		"9": {"class_type": "SaveImage", "inputs": {"filename_prefix": "job-1"}}
	}`))
	if err != nil {
		t.Fatalf("parse template: %v", err)
	}

	client := NewClient(Options{BaseURL: ts.URL})
	ex := NewExtractor(client, "", "worker-a", nil)
	artifacts, err := ex.Extract(context.Background(), "p-1", domain.MediaTypeImage, tmpl.Graph, "job-1", time.Now())
	if err != nil {
		t.Fatalf("Extract error: %v", err)
	}
	if len(artifacts) != 1 || artifacts[0].FileName != "final.png" {
		t.Fatalf("only the recognized saver output should be returned: %+v", artifacts)
	}
}
