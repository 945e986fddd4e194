package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/opencontainers/go-digest"

	"github.com/stevedore-project/stevedore/content"
	"github.com/stevedore-project/stevedore/namespace"
	"github.com/stevedore-project/stevedore/registry/api/errcode"
	"github.com/stevedore-project/stevedore/registry/cache"
	"github.com/stevedore-project/stevedore/remote"
	"github.com/stevedore-project/stevedore/repository"
	"github.com/stevedore-project/stevedore/task"
)

// manifestDispatcher takes the request context and builds the appropriate
// handler for handling manifest requests.
func manifestDispatcher(ctx *Context, r *http.Request) http.Handler {
	manifestHandler := &manifestHandler{Context: ctx}
	ref := mux.Vars(r)["reference"]
	if dgst, err := digest.Parse(ref); err == nil {
		manifestHandler.Digest = dgst
	} else {
		manifestHandler.Tag = ref
	}

	return handlers.MethodHandler{
		http.MethodGet:    http.HandlerFunc(manifestHandler.GetManifest),
		http.MethodHead:   http.HandlerFunc(manifestHandler.GetManifest),
		http.MethodPut:    http.HandlerFunc(manifestHandler.PutManifest),
		http.MethodDelete: http.HandlerFunc(manifestHandler.DeleteManifest),
	}
}

// manifestHandler handles http operations on image manifests.
type manifestHandler struct {
	*Context

	// One of Tag or Digest gets set, depending on what is present in the
	// request URL.
	Tag    string
	Digest digest.Digest
}

func (imh *manifestHandler) reference() string {
	if imh.Tag != "" {
		return imh.Tag
	}
	return imh.Digest.String()
}

// GetManifest fetches the image manifest from the storage backend, if it
// exists. Pull-through names that miss locally trigger a cache task against
// the upstream.
func (imh *manifestHandler) GetManifest(w http.ResponseWriter, r *http.Request) {
	res, err := imh.resolvePull()
	if err != nil {
		imh.Errors = append(imh.Errors, errcode.ErrorCodeNameUnknown.WithDetail(map[string]string{"name": imh.Name}))
		return
	}

	acceptProfile := strings.Join(r.Header.Values("Accept"), ",")
	cacheKey := ""
	if imh.App.manifestCache != nil {
		cacheKey = cache.Key(res.repo.Name, res.version.Number, imh.reference(), acceptProfile)
		if entry, ok := imh.App.manifestCache.Get(imh.Context, cacheKey); ok {
			writeManifestResponse(w, r, entry.MediaType, entry.Digest, entry.Payload)
			return
		}
	}

	m, err := imh.lookup(res)
	if err != nil && res.client != nil && imh.canFetchUpstream() {
		m, res, err = imh.pullThrough(res)
	}
	if err != nil {
		imh.Errors = append(imh.Errors, manifestLookupError(err, imh.reference()))
		return
	}
	if m == nil {
		// Pull-through task still running.
		imh.throttled(w, "caching from upstream")
		return
	}

	// Schema 1 content survives only for upstream compatibility; it is
	// never served to clients.
	if m.SchemaVersion == 1 {
		imh.Errors = append(imh.Errors, errcode.ErrorCodeManifestUnknown.WithDetail(map[string]string{"reference": imh.reference()}))
		return
	}

	// Content negotiation: a client that does not accept the stored media
	// type gets a 404. There is no down-conversion for old clients.
	if !manifestAcceptable(r, m.MediaType) {
		imh.Errors = append(imh.Errors, errcode.ErrorCodeManifestUnknown.WithDetail(map[string]string{"reference": imh.reference()}))
		return
	}

	payload, mediaType, err := imh.App.graph.ManifestPayload(imh.Context, m.Digest)
	if err != nil {
		imh.Errors = append(imh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	if imh.App.manifestCache != nil && cacheKey != "" {
		imh.App.manifestCache.Set(imh.Context, cacheKey, cache.Entry{
			Payload:   payload,
			MediaType: mediaType,
			Digest:    m.Digest,
		})
	}

	if r.Method == http.MethodHead {
		setManifestHeaders(w, mediaType, m.Digest, int64(len(payload)))
		return
	}
	writeManifestResponse(w, r, mediaType, m.Digest, payload)
}

func (imh *manifestHandler) lookup(res *resolved) (*content.Manifest, error) {
	if imh.Digest != "" {
		return res.version.LookupManifest(imh.Digest)
	}
	return res.version.LookupTag(imh.Tag)
}

// pullThrough caches the requested image from the upstream behind the
// distribution. It waits the synchronous budget for the cache task; a nil
// manifest with nil error means the task is still running and the client
// should retry.
func (imh *manifestHandler) pullThrough(res *resolved) (*content.Manifest, *resolved, error) {
	ref := imh.reference()
	t := imh.App.runtime.Dispatch(imh.Context, "pull-through "+imh.Name+":"+ref,
		[]string{repositoryResource(res.repo.Name)},
		func(taskCtx context.Context, _ *task.Task) error {
			_, err := imh.App.sync.SyncImage(taskCtx, res.repo, res.client, ref)
			return err
		})

	if !imh.App.runtime.WaitTimeout(t, taskWait) {
		return nil, res, nil
	}
	if err := t.Err(); err != nil {
		return nil, res, err
	}

	refreshed := *res
	refreshed.version = res.repo.Latest()
	m, err := imh.lookup(&refreshed)
	return m, &refreshed, err
}

// PutManifest validates and stores a manifest in the repository. The commit
// runs as a task reserving the repository; clients whose task overruns the
// synchronous budget get throttled and retry.
func (imh *manifestHandler) PutManifest(w http.ResponseWriter, r *http.Request) {
	res, err := imh.resolvePush()
	if err != nil {
		if errors.Is(err, namespace.ErrInvalidName) {
			imh.Errors = append(imh.Errors, errcode.ErrorCodeNameInvalid.WithDetail(err))
		} else {
			imh.Errors = append(imh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		}
		return
	}

	var jsonBuf bytes.Buffer
	if err := copyFullPayload(imh.Context, w, r, &jsonBuf, maxManifestBodySize, "image manifest PUT"); err != nil {
		imh.Errors = append(imh.Errors, errcode.ErrorCodeManifestInvalid.WithDetail(err.Error()))
		return
	}

	mediaType := r.Header.Get("Content-Type")
	payload := jsonBuf.Bytes()

	var committed *content.Manifest
	t := imh.App.runtime.Dispatch(imh.Context, "manifest put "+imh.Name,
		[]string{repositoryResource(res.repo.Name)},
		func(taskCtx context.Context, _ *task.Task) error {
			m, err := imh.App.graph.PutManifest(taskCtx, payload, mediaType, true)
			if err != nil {
				return err
			}
			if imh.Digest != "" && m.Digest != imh.Digest {
				return fmt.Errorf("%w: payload digest %s", errDigestMismatch, m.Digest)
			}

			if imh.Tag != "" {
				if _, err := res.repo.TagManifest(taskCtx, imh.Tag, m.Digest); err != nil {
					return err
				}
			} else {
				if _, err := res.repo.RecursiveAdd(taskCtx, []content.Unit{m.Unit()}); err != nil {
					return err
				}
			}

			imh.signManifest(taskCtx, res.repo, m)

			committed = m
			return nil
		})

	if !imh.App.runtime.WaitTimeout(t, taskWait) {
		imh.throttled(w, "manifest commit")
		return
	}
	if err := t.Err(); err != nil {
		imh.Errors = append(imh.Errors, manifestPutError(err))
		return
	}

	location, err := imh.urlBuilder.BuildManifestURL(imh.Name, committed.Digest.String())
	if err != nil {
		imh.Errors = append(imh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	w.Header().Set("Location", location)
	w.Header().Set("Docker-Content-Digest", committed.Digest.String())
	w.WriteHeader(http.StatusCreated)
}

// signManifest produces and attaches a server-side signature when a signer
// is configured. Signing failures are logged, not fatal to the push.
func (imh *manifestHandler) signManifest(ctx context.Context, repo *repository.Repository, m *content.Manifest) {
	if imh.App.signer == nil {
		return
	}

	pullRef := imh.Name + "@" + m.Digest.String()
	raw, keyID, err := imh.App.signer.Sign(ctx, pullRef, m.Digest)
	if err != nil {
		imh.log().Errorf("signing pushed manifest %s: %v", m.Digest, err)
		return
	}

	sig := &content.Signature{
		Type:           content.SignatureTypeAtomic,
		KeyID:          keyID,
		SignedManifest: m.Digest,
		Data:           raw,
	}
	row, err := imh.App.graph.AddSignature(ctx, sig)
	if err != nil {
		imh.log().Errorf("storing signature for %s: %v", m.Digest, err)
		return
	}
	if _, err := repo.RecursiveAdd(ctx, []content.Unit{row.Unit()}); err != nil {
		imh.log().Errorf("publishing signature for %s: %v", m.Digest, err)
	}
}

// DeleteManifest removes the manifest with the given digest, or the tag
// with the given name, from the registry. Removal runs as a task and
// preserves content still referenced elsewhere in the repository.
func (imh *manifestHandler) DeleteManifest(w http.ResponseWriter, r *http.Request) {
	res, err := imh.resolvePull()
	if err != nil {
		imh.Errors = append(imh.Errors, errcode.ErrorCodeNameUnknown.WithDetail(map[string]string{"name": imh.Name}))
		return
	}

	t := imh.App.runtime.Dispatch(imh.Context, "manifest delete "+imh.Name,
		[]string{repositoryResource(res.repo.Name)},
		func(taskCtx context.Context, _ *task.Task) error {
			latest := res.repo.Latest()
			if imh.Tag != "" {
				_, err := res.repo.Untag(taskCtx, imh.Tag)
				return err
			}

			m, err := latest.LookupManifest(imh.Digest)
			if err != nil {
				return err
			}
			_, err = res.repo.RecursiveRemove(taskCtx, []content.Unit{m.Unit()})
			return err
		})

	if !imh.App.runtime.WaitTimeout(t, taskWait) {
		imh.throttled(w, "manifest removal")
		return
	}
	if err := t.Err(); err != nil {
		imh.Errors = append(imh.Errors, manifestLookupError(err, imh.reference()))
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// maxManifestBodySize is a hard upper bound on manifest payloads read off
// the wire, independent of the configurable validation cap.
const maxManifestBodySize = 4 * 1024 * 1024

var errDigestMismatch = errors.New("manifest digest does not match reference")

// manifestAcceptable reports whether the client's Accept header admits the
// stored media type. An absent header admits anything, as do wildcards.
func manifestAcceptable(r *http.Request, mediaType string) bool {
	values := r.Header.Values("Accept")
	if len(values) == 0 {
		return true
	}
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			media := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
			switch media {
			case mediaType, "*/*", "application/*":
				return true
			}
		}
	}
	return false
}

func setManifestHeaders(w http.ResponseWriter, mediaType string, dgst digest.Digest, size int64) {
	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.Header().Set("Etag", fmt.Sprintf(`"%s"`, dgst))
}

func writeManifestResponse(w http.ResponseWriter, r *http.Request, mediaType string, dgst digest.Digest, payload []byte) {
	setManifestHeaders(w, mediaType, dgst, int64(len(payload)))
	if r.Method == http.MethodHead {
		return
	}
	w.Write(payload)
}

// manifestLookupError maps lookup failures onto API error codes.
func manifestLookupError(err error, reference string) error {
	var notFound remote.ErrUpstreamNotFound
	switch {
	case errors.Is(err, repository.ErrTagUnknown),
		errors.Is(err, repository.ErrManifestNotInVersion),
		errors.As(err, &notFound):
		return errcode.ErrorCodeManifestUnknown.WithDetail(map[string]string{"reference": reference})
	default:
		return errcode.ErrorCodeUnknown.WithDetail(err)
	}
}

// manifestPutError maps commit failures onto API error codes.
func manifestPutError(err error) error {
	var mediaTypeErr content.MediaTypeError
	var blobUnknown content.ErrManifestBlobUnknown
	switch {
	case errors.As(err, &blobUnknown):
		return errcode.ErrorCodeManifestBlobUnknown.WithDetail(map[string]string{"digest": blobUnknown.Digest.String()})
	case errors.As(err, &mediaTypeErr):
		return errcode.ErrorCodeManifestInvalid.WithDetail(mediaTypeErr.Error())
	case errors.Is(err, content.ErrPayloadTooLarge):
		return errcode.ErrorCodeManifestInvalid.WithDetail("payload size limit exceeded")
	case errors.Is(err, content.ErrSchema1Unsupported):
		return errcode.ErrorCodeManifestInvalid.WithDetail("schema 1 manifests are not accepted")
	case errors.Is(err, errDigestMismatch):
		return errcode.ErrorCodeDigestInvalid.WithDetail(err.Error())
	default:
		return errcode.ErrorCodeManifestInvalid.WithDetail(err.Error())
	}
}
