// Package cache provides the manifest response cache. Keys embed the
// repository version they were computed against, so publishing a new version
// naturally orphans stale entries instead of requiring invalidation.
package cache

import (
	"context"
	"fmt"

	"github.com/opencontainers/go-digest"
)

// Entry is one cached manifest response.
type Entry struct {
	Payload   []byte        `json:"payload"`
	MediaType string        `json:"mediaType"`
	Digest    digest.Digest `json:"digest"`
}

// ManifestCache caches rendered manifest responses.
type ManifestCache interface {
	// Get returns the cached entry for key, if present.
	Get(ctx context.Context, key string) (Entry, bool)

	// Set stores the entry under key.
	Set(ctx context.Context, key string, e Entry)
}

// Key builds a cache key from the repository name, the version number the
// response was rendered against, the reference requested, and a fingerprint
// of the client's media type negotiation.
func Key(repo string, version int, reference, acceptProfile string) string {
	return fmt.Sprintf("%s@%d|%s|%s", repo, version, reference, acceptProfile)
}
