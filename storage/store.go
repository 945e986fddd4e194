// Package storage implements the content-addressed object store. Every byte
// sequence is stored exactly once, keyed by its digest, regardless of how
// many manifests, repositories or tags reference it.
package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"regexp"
	"strings"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/stevedore-project/stevedore/internal/dcontext"
	storagedriver "github.com/stevedore-project/stevedore/storage/driver"
)

var (
	// ErrBlobUnknown is returned when a digest is not present in the store.
	ErrBlobUnknown = errors.New("unknown blob")

	// ErrDigestMismatch is returned when committed content does not match
	// the digest the client declared for it.
	ErrDigestMismatch = errors.New("content does not match digest")

	// ErrUnsupportedAlgorithm is returned for digests whose algorithm the
	// store does not compute.
	ErrUnsupportedAlgorithm = errors.New("unsupported digest algorithm")
)

// SHA224 is computed alongside go-digest's built-in algorithms. go-digest
// ships a fixed algorithm table without sha224, so its hasher and digest
// grammar are wired here.
const SHA224 = digest.Algorithm("sha224")

var sha224Encoded = regexp.MustCompile(`^[a-f0-9]{56}$`)

// supportedAlgorithms are the checksum algorithms computed for every stored
// artifact. sha256 is the canonical identity; the others exist so clients
// may address content by an alternate digest.
var supportedAlgorithms = []digest.Algorithm{
	digest.SHA256,
	SHA224,
	digest.SHA512,
}

func newHasher(algorithm digest.Algorithm) hash.Hash {
	if algorithm == SHA224 {
		return sha256.New224()
	}
	return algorithm.Hash()
}

// ParseDigest parses a digest string, accepting every algorithm the store
// can validate. Unlike digest.Parse it admits sha224.
func ParseDigest(s string) (digest.Digest, error) {
	d := digest.Digest(s)
	if err := validateDigest(d); err != nil {
		return "", err
	}
	return d, nil
}

func validateDigest(dgst digest.Digest) error {
	if dgst.Algorithm() == SHA224 {
		encoded := strings.TrimPrefix(string(dgst), string(SHA224)+":")
		if encoded == string(dgst) || !sha224Encoded.MatchString(encoded) {
			return fmt.Errorf("invalid sha224 digest %q", dgst)
		}
		return nil
	}
	return dgst.Validate()
}

// ObjectStore is a content-addressed byte store layered over a
// storagedriver.StorageDriver.
type ObjectStore struct {
	driver storagedriver.StorageDriver
}

// NewObjectStore creates an ObjectStore backed by the given driver.
func NewObjectStore(driver storagedriver.StorageDriver) *ObjectStore {
	return &ObjectStore{driver: driver}
}

// Driver exposes the underlying storage driver, primarily for tests and
// maintenance tooling.
func (s *ObjectStore) Driver() storagedriver.StorageDriver {
	return s.driver
}

// Algorithms returns the digest algorithms computed on ingest.
func Algorithms() []digest.Algorithm {
	out := make([]digest.Algorithm, len(supportedAlgorithms))
	copy(out, supportedAlgorithms)
	return out
}

func supported(algorithm digest.Algorithm) bool {
	for _, a := range supportedAlgorithms {
		if a == algorithm {
			return true
		}
	}
	return false
}

// resolve maps any supported digest onto the canonical sha256 identity of
// the stored content, following the alternate-digest link when needed.
func (s *ObjectStore) resolve(ctx context.Context, dgst digest.Digest) (digest.Digest, error) {
	if dgst.Algorithm() == digest.Canonical {
		return dgst, nil
	}

	path, err := blobLinkPath(dgst)
	if err != nil {
		return "", err
	}
	p, err := s.driver.GetContent(ctx, path)
	if err != nil {
		if storagedriver.IsPathNotFound(err) {
			return "", ErrBlobUnknown
		}
		return "", err
	}
	return digest.Parse(string(p))
}

// linkAlternate records that an alternate-algorithm digest resolves to the
// canonical identity.
func (s *ObjectStore) linkAlternate(ctx context.Context, alt, canonical digest.Digest) error {
	path, err := blobLinkPath(alt)
	if err != nil {
		return err
	}
	return s.driver.PutContent(ctx, path, []byte(canonical))
}

// Stat returns a descriptor for the stored blob, or ErrBlobUnknown. The
// descriptor always carries the canonical identity, whatever digest the blob
// was addressed by.
func (s *ObjectStore) Stat(ctx context.Context, dgst digest.Digest) (v1.Descriptor, error) {
	canonical, err := s.resolve(ctx, dgst)
	if err != nil {
		return v1.Descriptor{}, err
	}
	path, err := blobDataPath(canonical)
	if err != nil {
		return v1.Descriptor{}, err
	}

	fi, err := s.driver.Stat(ctx, path)
	if err != nil {
		if storagedriver.IsPathNotFound(err) {
			return v1.Descriptor{}, ErrBlobUnknown
		}
		return v1.Descriptor{}, err
	}

	return v1.Descriptor{
		MediaType: "application/octet-stream",
		Digest:    canonical,
		Size:      fi.Size(),
	}, nil
}

// Get returns the full contents of the blob identified by dgst.
func (s *ObjectStore) Get(ctx context.Context, dgst digest.Digest) ([]byte, error) {
	canonical, err := s.resolve(ctx, dgst)
	if err != nil {
		return nil, err
	}
	path, err := blobDataPath(canonical)
	if err != nil {
		return nil, err
	}

	p, err := s.driver.GetContent(ctx, path)
	if err != nil {
		if storagedriver.IsPathNotFound(err) {
			return nil, ErrBlobUnknown
		}
		return nil, err
	}
	return p, nil
}

// Open returns a reader positioned at offset within the stored blob.
func (s *ObjectStore) Open(ctx context.Context, dgst digest.Digest, offset int64) (io.ReadCloser, error) {
	canonical, err := s.resolve(ctx, dgst)
	if err != nil {
		return nil, err
	}
	path, err := blobDataPath(canonical)
	if err != nil {
		return nil, err
	}

	rc, err := s.driver.Reader(ctx, path, offset)
	if err != nil {
		if storagedriver.IsPathNotFound(err) {
			return nil, ErrBlobUnknown
		}
		return nil, err
	}
	return rc, nil
}

// Put streams content into the store, returning a descriptor whose digest is
// the sha256 of the bytes read. Storing content that already exists is a
// no-op beyond the stream consumption.
func (s *ObjectStore) Put(ctx context.Context, mediaType string, r io.Reader) (v1.Descriptor, error) {
	upload, err := s.Create(ctx)
	if err != nil {
		return v1.Descriptor{}, err
	}

	if _, err := upload.Append(ctx, r); err != nil {
		_ = upload.Cancel(ctx)
		return v1.Descriptor{}, err
	}

	desc, err := upload.Commit(ctx, "")
	if err != nil {
		return v1.Descriptor{}, err
	}
	if mediaType != "" {
		desc.MediaType = mediaType
	}
	return desc, nil
}

// PutBytes stores a byte slice, returning its descriptor.
func (s *ObjectStore) PutBytes(ctx context.Context, mediaType string, p []byte) (v1.Descriptor, error) {
	return s.Put(ctx, mediaType, bytes.NewReader(p))
}

// Delete removes the blob's bytes from the backend, along with the
// alternate-digest links pointing at them. Callers are responsible for
// ensuring nothing references the digest anymore.
func (s *ObjectStore) Delete(ctx context.Context, dgst digest.Digest) error {
	canonical, err := s.resolve(ctx, dgst)
	if err != nil {
		return err
	}
	dataPath, err := blobDataPath(canonical)
	if err != nil {
		return err
	}

	// The links are re-derived from the bytes before those go away.
	if digests, _, err := s.digestAll(ctx, dataPath); err == nil {
		for alg, d := range digests {
			if alg == digest.Canonical {
				continue
			}
			linkDir, err := blobPath(d)
			if err != nil {
				continue
			}
			if err := s.driver.Delete(ctx, linkDir); err != nil && !storagedriver.IsPathNotFound(err) {
				return err
			}
		}
	}

	path, err := blobPath(canonical)
	if err != nil {
		return err
	}
	err = s.driver.Delete(ctx, path)
	if err != nil {
		if storagedriver.IsPathNotFound(err) {
			return ErrBlobUnknown
		}
		return err
	}
	return nil
}

// URLFor returns a direct URL serving the blob's bytes, when the backend
// supports one. Callers must be prepared for ErrUnsupportedMethod and fall
// back to streaming through the registry.
func (s *ObjectStore) URLFor(ctx context.Context, dgst digest.Digest) (string, error) {
	canonical, err := s.resolve(ctx, dgst)
	if err != nil {
		return "", err
	}
	path, err := blobDataPath(canonical)
	if err != nil {
		return "", err
	}
	return s.driver.URLFor(ctx, path, map[string]interface{}{"method": "GET"})
}

// ingest writes the blob's bytes into its content-addressed location. The
// write happens under a digest-derived temporary key followed by a move, so
// concurrent ingests of the same content converge on identical bytes.
func (s *ObjectStore) ingest(ctx context.Context, sourcePath string, dgst digest.Digest) error {
	destPath, err := blobDataPath(dgst)
	if err != nil {
		return err
	}

	if _, err := s.driver.Stat(ctx, destPath); err == nil {
		// Already stored; drop the staged copy.
		if err := s.driver.Delete(ctx, sourcePath); err != nil && !storagedriver.IsPathNotFound(err) {
			dcontext.GetLogger(ctx).Errorf("failed to clean up staged content %s: %v", sourcePath, err)
		}
		return nil
	} else if !storagedriver.IsPathNotFound(err) {
		return err
	}

	return s.driver.Move(ctx, sourcePath, destPath)
}

// digestAll reads the content at path and computes every supported digest
// over it.
func (s *ObjectStore) digestAll(ctx context.Context, path string) (map[digest.Algorithm]digest.Digest, int64, error) {
	rc, err := s.driver.Reader(ctx, path, 0)
	if err != nil {
		return nil, 0, err
	}
	defer rc.Close()

	hashers := make(map[digest.Algorithm]hash.Hash, len(supportedAlgorithms))
	writers := make([]io.Writer, 0, len(supportedAlgorithms))
	for _, alg := range supportedAlgorithms {
		h := newHasher(alg)
		hashers[alg] = h
		writers = append(writers, h)
	}

	n, err := io.Copy(io.MultiWriter(writers...), rc)
	if err != nil {
		return nil, 0, err
	}

	digests := make(map[digest.Algorithm]digest.Digest, len(hashers))
	for alg, h := range hashers {
		digests[alg] = digest.NewDigest(alg, h)
	}
	return digests, n, nil
}

// VerifyBytes checks a byte slice against a digest of any supported
// algorithm.
func VerifyBytes(dgst digest.Digest, p []byte) error {
	if err := validateDigest(dgst); err != nil {
		return err
	}
	if !supported(dgst.Algorithm()) {
		return fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, dgst.Algorithm())
	}
	h := newHasher(dgst.Algorithm())
	h.Write(p)
	if digest.NewDigest(dgst.Algorithm(), h) != dgst {
		return ErrDigestMismatch
	}
	return nil
}
