package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	storagedriver "github.com/stevedore-project/stevedore/storage/driver"
)

// ErrUploadUnknown is returned when resuming a session that does not exist
// or was already committed or cancelled.
var ErrUploadUnknown = errors.New("unknown upload session")

// Upload is a staged write session. Bytes are appended in order and become a
// content-addressed blob on Commit. Sessions survive across requests; only
// the session ID travels with the client.
type Upload struct {
	store     *ObjectStore
	id        string
	startedAt time.Time
	size      int64
}

// Create opens a new upload session.
func (s *ObjectStore) Create(ctx context.Context) (*Upload, error) {
	id := uuid.NewString()

	// Touch the data file so Resume can distinguish a fresh zero-byte
	// session from a nonexistent one.
	if err := s.driver.PutContent(ctx, uploadDataPath(id), nil); err != nil {
		return nil, err
	}

	return &Upload{
		store:     s,
		id:        id,
		startedAt: time.Now().UTC(),
	}, nil
}

// Resume reopens an existing upload session by ID.
func (s *ObjectStore) Resume(ctx context.Context, id string) (*Upload, error) {
	fi, err := s.driver.Stat(ctx, uploadDataPath(id))
	if err != nil {
		if storagedriver.IsPathNotFound(err) {
			return nil, ErrUploadUnknown
		}
		return nil, err
	}

	return &Upload{
		store:     s,
		id:        id,
		startedAt: fi.ModTime(),
		size:      fi.Size(),
	}, nil
}

// ID returns the session identifier.
func (u *Upload) ID() string {
	return u.id
}

// StartedAt returns when the session was opened.
func (u *Upload) StartedAt() time.Time {
	return u.startedAt
}

// Size returns the number of bytes staged so far.
func (u *Upload) Size() int64 {
	return u.size
}

// Append writes the reader's content to the end of the staged data and
// returns the number of bytes consumed.
func (u *Upload) Append(ctx context.Context, r io.Reader) (int64, error) {
	fw, err := u.store.driver.Writer(ctx, uploadDataPath(u.id), true)
	if err != nil {
		if storagedriver.IsPathNotFound(err) {
			return 0, ErrUploadUnknown
		}
		return 0, err
	}

	n, err := io.Copy(fw, r)
	if err != nil {
		fw.Close()
		return n, err
	}

	if err := fw.Commit(ctx); err != nil {
		fw.Close()
		return n, err
	}
	if err := fw.Close(); err != nil {
		return n, err
	}

	u.size = fw.Size()
	return n, nil
}

// Commit seals the session: the staged bytes are hashed, verified against
// the expected digest when one is given, and moved into the
// content-addressed tree. The returned descriptor always carries the sha256
// identity.
func (u *Upload) Commit(ctx context.Context, expected digest.Digest) (v1.Descriptor, error) {
	dataPath := uploadDataPath(u.id)

	digests, size, err := u.store.digestAll(ctx, dataPath)
	if err != nil {
		if storagedriver.IsPathNotFound(err) {
			return v1.Descriptor{}, ErrUploadUnknown
		}
		return v1.Descriptor{}, err
	}

	if expected != "" {
		if err := validateDigest(expected); err != nil {
			return v1.Descriptor{}, err
		}
		actual, ok := digests[expected.Algorithm()]
		if !ok {
			return v1.Descriptor{}, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, expected.Algorithm())
		}
		if actual != expected {
			_ = u.Cancel(ctx)
			return v1.Descriptor{}, ErrDigestMismatch
		}
	}

	canonical := digests[digest.SHA256]
	if err := u.store.ingest(ctx, dataPath, canonical); err != nil {
		return v1.Descriptor{}, err
	}

	for alg, d := range digests {
		if alg == digest.Canonical {
			continue
		}
		if err := u.store.linkAlternate(ctx, d, canonical); err != nil {
			return v1.Descriptor{}, err
		}
	}

	// Remove the rest of the session directory.
	if err := u.store.driver.Delete(ctx, uploadPath(u.id)); err != nil && !storagedriver.IsPathNotFound(err) {
		return v1.Descriptor{}, err
	}

	return v1.Descriptor{
		MediaType: "application/octet-stream",
		Digest:    canonical,
		Size:      size,
	}, nil
}

// Cancel discards the session and any staged bytes.
func (u *Upload) Cancel(ctx context.Context) error {
	err := u.store.driver.Delete(ctx, uploadPath(u.id))
	if err != nil && !storagedriver.IsPathNotFound(err) {
		return err
	}
	return nil
}
