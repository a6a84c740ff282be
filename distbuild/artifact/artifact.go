// Package artifact defines the read-only Artifact handle the coordinator
// core treats as an external, immutable entity: it never builds, fetches,
// or mutates one, it only dispatches jobs for them and derives cache URLs
// from their fields.
package artifact

import "encoding/json"

// Kind classifies what an Artifact was produced from, which in turn
// determines how the Worker Session derives its artifact-cache URL
// (worker.cacheSuffixes).
type Kind string

const (
	KindChunk   Kind = "chunk"
	KindStratum Kind = "stratum"
	KindSystem  Kind = "system"
)

// Source describes the provenance of an Artifact.
type Source struct {
	// CacheKey is an opaque content fingerprint for the artifact's
	// source; it addresses cache lookups.
	CacheKey string `json:"cache_key"`

	// Kind classifies the source.
	Kind Kind `json:"kind"`

	// Artifacts lists sibling artifact names produced from the same
	// source. Only meaningful when Kind == KindChunk, where a single
	// chunk build can emit several named artifacts (e.g. "foo-bin",
	// "foo-devel").
	Artifacts []string `json:"artifacts,omitempty"`
}

// Artifact is an immutable handle to a buildable unit. Equivalent
// artifacts (ones that would produce byte-identical output) share a
// Basename and a CacheKey.
type Artifact struct {
	// Basename uniquely identifies this artifact within the coordinator;
	// it is the Job Table's key.
	Basename string `json:"basename"`

	// Name is the display name, passed to the worker-side build command.
	Name string `json:"name"`

	Source Source `json:"source"`
}

// Serialise renders the artifact as the stdin payload sent alongside an
// exec-request to a worker.
func Serialise(a Artifact) ([]byte, error) {
	return json.Marshal(a)
}
