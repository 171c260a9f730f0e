package domain

// ArtifactKind enumerates the media categories the extractor recognizes.
type ArtifactKind string

const (
	ArtifactImage ArtifactKind = "image"
	ArtifactVideo ArtifactKind = "video"
)

// ResultArtifact is one generated output, ready for the payload builder.
// Either Data or URL is set depending on how the artifact was obtained.
type ResultArtifact struct {
	Kind     ArtifactKind
	MimeType string
	FileName string
	Data     []byte
	URL      string
	// Seed is the value read back from the compiled graph's sampler node,
	// not the requested one; random seeds resolve before submission.
	Seed       int64
	WorkerMeta map[string]string
}

// Generation is the queue submission shape for one artifact.
type Generation struct {
	Artifact   string `json:"artifact"`
	Seed       int64  `json:"seed"`
	WorkerName string `json:"workerName"`
}
