package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/opencontainers/go-digest"

	"github.com/stevedore-project/stevedore/content"
	"github.com/stevedore-project/stevedore/registry/api/errcode"
	"github.com/stevedore-project/stevedore/remote"
	"github.com/stevedore-project/stevedore/repository"
	"github.com/stevedore-project/stevedore/storage"
	storagedriver "github.com/stevedore-project/stevedore/storage/driver"
	"github.com/stevedore-project/stevedore/task"
)

// blobDispatcher uses the request context to build a blobHandler.
func blobDispatcher(ctx *Context, r *http.Request) http.Handler {
	dgst, err := storage.ParseDigest(mux.Vars(r)["digest"])
	if err != nil {
		// Route regex keeps this rare; answer uniformly anyway.
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx.Errors = append(ctx.Errors, errcode.ErrorCodeDigestInvalid.WithDetail(err.Error()))
		})
	}

	if dgst.Algorithm() != digest.Canonical {
		// Version membership is keyed by the canonical identity; map
		// alternate-algorithm digests onto it up front.
		if desc, err := ctx.App.store.Stat(ctx, dgst); err == nil {
			dgst = desc.Digest
		}
	}

	blobHandler := &blobHandler{Context: ctx, Digest: dgst}
	return handlers.MethodHandler{
		http.MethodGet:    http.HandlerFunc(blobHandler.GetBlob),
		http.MethodHead:   http.HandlerFunc(blobHandler.GetBlob),
		http.MethodDelete: http.HandlerFunc(blobHandler.DeleteBlob),
	}
}

// blobHandler serves http blob requests.
type blobHandler struct {
	*Context

	Digest digest.Digest
}

// GetBlob fetches the binary data from backend storage returns it in the
// response. Blobs referenced by an on-demand cached image are downloaded
// from the upstream on first access; streamed distributions proxy the bytes
// without storing them.
func (bh *blobHandler) GetBlob(w http.ResponseWriter, r *http.Request) {
	res, err := bh.resolvePull()
	if err != nil {
		bh.Errors = append(bh.Errors, errcode.ErrorCodeNameUnknown.WithDetail(map[string]string{"name": bh.Name}))
		return
	}

	if !res.version.ContainsBlob(bh.Digest) {
		// Lazily cached images reference layers the registry has not yet
		// downloaded; those are only known through their manifests.
		if res.client == nil || !referencedByVersion(res.version, bh.Digest) || !bh.canFetchUpstream() {
			bh.Errors = append(bh.Errors, errcode.ErrorCodeBlobUnknown.WithDetail(bh.Digest))
			return
		}
		bh.serveRemoteBlob(w, r, res)
		return
	}

	desc, err := bh.App.store.Stat(bh.Context, bh.Digest)
	if err != nil {
		if !errors.Is(err, storage.ErrBlobUnknown) || res.client == nil || !bh.canFetchUpstream() {
			bh.Errors = append(bh.Errors, errcode.ErrorCodeBlobUnknown.WithDetail(bh.Digest))
			return
		}
		bh.serveRemoteBlob(w, r, res)
		return
	}

	if redirectURL, err := bh.App.store.URLFor(bh.Context, bh.Digest); err == nil {
		w.Header().Set("Docker-Content-Digest", bh.Digest.String())
		http.Redirect(w, r, redirectURL, http.StatusTemporaryRedirect)
		return
	} else {
		var unsupported storagedriver.ErrUnsupportedMethod
		if !errors.As(err, &unsupported) {
			bh.log().Errorf("error building blob redirect URL: %v", err)
		}
	}

	setBlobHeaders(w, bh.Digest, desc.Size)
	if r.Method == http.MethodHead {
		return
	}

	reader, err := bh.App.store.Open(bh.Context, bh.Digest, 0)
	if err != nil {
		bh.Errors = append(bh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}
	defer reader.Close()

	if _, err := io.Copy(w, reader); err != nil {
		bh.log().Errorf("error streaming blob %s: %v", bh.Digest, err)
	}
}

// serveRemoteBlob satisfies a request for blob bytes the registry does not
// hold locally. Streamed distributions proxy the upstream response directly;
// otherwise the blob is downloaded into storage first so later pulls are
// local.
func (bh *blobHandler) serveRemoteBlob(w http.ResponseWriter, r *http.Request, res *resolved) {
	if res.client.Remote().Policy == remote.PolicyStreamed {
		rc, size, err := res.client.OpenBlob(bh.Context, bh.Digest)
		if err != nil {
			bh.Errors = append(bh.Errors, remoteBlobError(err, bh.Digest))
			return
		}
		defer rc.Close()

		setBlobHeaders(w, bh.Digest, size)
		if r.Method == http.MethodHead {
			return
		}
		if _, err := io.Copy(w, rc); err != nil {
			bh.log().Errorf("error proxying blob %s: %v", bh.Digest, err)
		}
		return
	}

	t := bh.App.runtime.Dispatch(bh.Context, "blob fetch "+bh.Digest.String(),
		[]string{"blob:" + bh.Digest.String(), repositoryResource(res.repo.Name)},
		func(taskCtx context.Context, _ *task.Task) error {
			rc, _, err := res.client.OpenBlob(taskCtx, bh.Digest)
			if err != nil {
				return err
			}
			defer rc.Close()

			desc, err := bh.App.store.Put(taskCtx, "", rc)
			if err != nil {
				return err
			}
			if desc.Digest != bh.Digest {
				return storage.ErrDigestMismatch
			}
			if _, err := bh.App.graph.AddBlob(taskCtx, desc); err != nil {
				return err
			}
			unit := content.Unit{Kind: content.KindBlob, Key: desc.Digest.String()}
			_, err = res.repo.RecursiveAdd(taskCtx, []content.Unit{unit})
			return err
		})

	if !bh.App.runtime.WaitTimeout(t, taskWait) {
		bh.throttled(w, "caching blob from upstream")
		return
	}
	if err := t.Err(); err != nil {
		bh.Errors = append(bh.Errors, remoteBlobError(err, bh.Digest))
		return
	}

	bh.GetBlob(w, r)
}

// DeleteBlob removes the blob from the repository version. The bytes stay in
// storage while other repositories reference them.
func (bh *blobHandler) DeleteBlob(w http.ResponseWriter, r *http.Request) {
	res, err := bh.resolvePull()
	if err != nil {
		bh.Errors = append(bh.Errors, errcode.ErrorCodeNameUnknown.WithDetail(map[string]string{"name": bh.Name}))
		return
	}

	if !res.version.ContainsBlob(bh.Digest) {
		bh.Errors = append(bh.Errors, errcode.ErrorCodeBlobUnknown.WithDetail(bh.Digest))
		return
	}

	t := bh.App.runtime.Dispatch(bh.Context, "blob delete "+bh.Name,
		[]string{repositoryResource(res.repo.Name)},
		func(taskCtx context.Context, _ *task.Task) error {
			unit := content.Unit{Kind: content.KindBlob, Key: bh.Digest.String()}
			_, err := res.repo.RecursiveRemove(taskCtx, []content.Unit{unit})
			return err
		})

	if !bh.App.runtime.WaitTimeout(t, taskWait) {
		bh.throttled(w, "blob removal")
		return
	}
	if err := t.Err(); err != nil {
		bh.Errors = append(bh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusAccepted)
}

func setBlobHeaders(w http.ResponseWriter, dgst digest.Digest, size int64) {
	w.Header().Set("Content-Type", "application/octet-stream")
	if size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.Header().Set("Docker-Content-Digest", dgst.String())
}

// referencedByVersion reports whether any manifest in the version names the
// digest as its config or a layer.
func referencedByVersion(v *repository.Version, dgst digest.Digest) bool {
	for _, m := range v.Manifests() {
		if m.Config.Digest == dgst {
			return true
		}
		for _, layer := range m.Layers {
			if layer.Digest == dgst {
				return true
			}
		}
	}
	return false
}

func remoteBlobError(err error, dgst digest.Digest) error {
	var notFound remote.ErrUpstreamNotFound
	if errors.As(err, &notFound) {
		return errcode.ErrorCodeBlobUnknown.WithDetail(dgst)
	}
	return errcode.ErrorCodeUnknown.WithDetail(err.Error())
}
