package storage

import (
	"fmt"

	"github.com/opencontainers/go-digest"
)

// Artifacts are stored under a content-addressed tree, with upload sessions
// living in a separate area until committed. Bytes live only under the
// canonical sha256 key; alternate-algorithm keys hold a link file naming the
// canonical digest.
//
//	/artifact/sha256/<first two hex characters>/<remaining hex>/data
//	/artifact/<algorithm>/<first two hex characters>/<remaining hex>/link
//	/uploads/<session id>/data
//
// The two-character fan-out keeps any single directory from growing
// unboundedly on filesystem-like backends.

func blobDataPath(dgst digest.Digest) (string, error) {
	if err := validateDigest(dgst); err != nil {
		return "", fmt.Errorf("invalid digest %q: %w", dgst, err)
	}
	hex := dgst.Encoded()
	return fmt.Sprintf("/artifact/%s/%s/%s/data", dgst.Algorithm(), hex[:2], hex[2:]), nil
}

func blobLinkPath(dgst digest.Digest) (string, error) {
	if err := validateDigest(dgst); err != nil {
		return "", fmt.Errorf("invalid digest %q: %w", dgst, err)
	}
	hex := dgst.Encoded()
	return fmt.Sprintf("/artifact/%s/%s/%s/link", dgst.Algorithm(), hex[:2], hex[2:]), nil
}

func blobPath(dgst digest.Digest) (string, error) {
	if err := validateDigest(dgst); err != nil {
		return "", fmt.Errorf("invalid digest %q: %w", dgst, err)
	}
	hex := dgst.Encoded()
	return fmt.Sprintf("/artifact/%s/%s/%s", dgst.Algorithm(), hex[:2], hex[2:]), nil
}

func uploadDataPath(id string) string {
	return fmt.Sprintf("/uploads/%s/data", id)
}

func uploadPath(id string) string {
	return fmt.Sprintf("/uploads/%s", id)
}
