package handlers

import (
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
	"github.com/stevedore-project/stevedore/registry/api/errcode"
	"github.com/stevedore-project/stevedore/registry/auth"
	"github.com/stevedore-project/stevedore/storage"
	"github.com/stevedore-project/stevedore/task"
)

// blobUploadDispatcher constructs and returns the blob upload handler for
// the given request context.
func blobUploadDispatcher(ctx *Context, r *http.Request) http.Handler {
	buh := &blobUploadHandler{
		Context: ctx,
		UUID:    mux.Vars(r)["uuid"],
	}

	return handlers.MethodHandler{
		http.MethodPost:   http.HandlerFunc(buh.StartBlobUpload),
		http.MethodGet:    http.HandlerFunc(buh.GetUploadStatus),
		http.MethodHead:   http.HandlerFunc(buh.GetUploadStatus),
		http.MethodPatch:  http.HandlerFunc(buh.PatchBlobData),
		http.MethodPut:    http.HandlerFunc(buh.PutBlobUploadComplete),
		http.MethodDelete: http.HandlerFunc(buh.CancelBlobUpload),
	}
}

// blobUploadHandler handles the http blob upload process.
type blobUploadHandler struct {
	*Context

	// UUID identifies the upload session, when the route carries one.
	UUID string
}

// StartBlobUpload begins the blob upload process and allocates a server-side
// upload session. Optionally, if the digest parameter is present, the request
// body is a monolithic upload and the session commits immediately. The
// mount and from parameters attempt a cross-repository blob mount instead.
func (buh *blobUploadHandler) StartBlobUpload(w http.ResponseWriter, r *http.Request) {
	res, err := buh.resolvePush()
	if err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeNameInvalid.WithDetail(err))
		return
	}

	q := r.URL.Query()
	if mountDigest := q.Get("mount"); mountDigest != "" {
		if buh.mountBlob(w, res, mountDigest, q.Get("from")) {
			return
		}
		// Fall back to a regular upload per the distribution protocol.
	}

	upload, err := buh.App.store.Create(buh.Context)
	if err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	if dgstStr := q.Get("digest"); dgstStr != "" {
		dgst, err := storage.ParseDigest(dgstStr)
		if err != nil {
			buh.Errors = append(buh.Errors, errcode.ErrorCodeDigestInvalid.WithDetail(err.Error()))
			return
		}
		if _, err := upload.Append(buh.Context, r.Body); err != nil {
			buh.Errors = append(buh.Errors, errcode.ErrorCodeBlobUploadInvalid.WithDetail(err.Error()))
			return
		}
		buh.commitUpload(w, res, upload, dgst)
		return
	}

	buh.UUID = upload.ID()
	if err := buh.writeUploadLocation(w, upload.ID(), 0); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// mountBlob links an existing blob from another repository into this one
// without a data transfer. It reports whether the mount was answered.
func (buh *blobUploadHandler) mountBlob(w http.ResponseWriter, res *resolved, dgstStr, from string) bool {
	dgst, err := digest.Parse(dgstStr)
	if err != nil {
		return false
	}

	if from != "" {
		// The source must be readable by the bearer; otherwise the mount
		// falls through to a regular upload and leaks nothing.
		if !buh.canMountFrom(from) {
			return false
		}
		source, err := buh.App.engine.Get(from)
		if err != nil || !source.Latest().ContainsBlob(dgst) {
			return false
		}
	}
	desc, err := buh.App.store.Stat(buh.Context, dgst)
	if err != nil {
		return false
	}

	t := buh.App.runtime.Dispatch(buh.Context, "blob mount "+buh.Name,
		[]string{repositoryResource(res.repo.Name)},
		func(taskCtx context.Context, _ *task.Task) error {
			if _, err := buh.App.graph.AddBlob(taskCtx, desc); err != nil {
				return err
			}
			unit := content.Unit{Kind: content.KindBlob, Key: dgst.String()}
			_, err := res.repo.RecursiveAdd(taskCtx, []content.Unit{unit})
			return err
		})

	if !buh.App.runtime.WaitTimeout(t, taskWait) {
		buh.throttled(w, "blob mount")
		return true
	}
	if err := t.Err(); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return true
	}

	location, err := buh.urlBuilder.BuildBlobURL(buh.Name, dgst)
	if err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return true
	}
	w.Header().Set("Location", location)
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.WriteHeader(http.StatusCreated)
	return true
}

// canMountFrom reports whether the bearer may read the mount source. With
// token auth disabled every repository is readable.
func (buh *blobUploadHandler) canMountFrom(from string) bool {
	if buh.App.evaluator == nil {
		return true
	}
	return buh.App.evaluator.CanPull(auth.UserName(buh.Context), from)
}

// GetUploadStatus returns the status of a given upload, identified by id.
func (buh *blobUploadHandler) GetUploadStatus(w http.ResponseWriter, r *http.Request) {
	upload, ok := buh.resumeUpload(w)
	if !ok {
		return
	}

	if err := buh.writeUploadLocation(w, upload.ID(), upload.Size()); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PatchBlobData writes data to an upload. Chunks must be appended in order;
// a Content-Range that does not pick up at the current session offset gets a
// 416.
func (buh *blobUploadHandler) PatchBlobData(w http.ResponseWriter, r *http.Request) {
	if _, err := buh.resolvePush(); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeNameInvalid.WithDetail(err))
		return
	}

	upload, ok := buh.resumeUpload(w)
	if !ok {
		return
	}

	if rangeHeader := r.Header.Get("Content-Range"); rangeHeader != "" {
		start, _, err := parseContentRange(rangeHeader)
		if err != nil || start != upload.Size() {
			w.Header().Set("Range", fmt.Sprintf("0-%d", maxInt64(upload.Size()-1, 0)))
			buh.Errors = append(buh.Errors, errcode.ErrorCodeRangeInvalid.WithDetail(rangeHeader))
			return
		}
	}

	n, err := upload.Append(buh.Context, r.Body)
	if err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeBlobUploadInvalid.WithDetail(err.Error()))
		return
	}
	if r.ContentLength > 0 && n != r.ContentLength {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeBlobUploadInvalid.WithDetail(
			fmt.Sprintf("declared %d bytes, received %d", r.ContentLength, n)))
		return
	}

	if err := buh.writeUploadLocation(w, upload.ID(), upload.Size()); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// PutBlobUploadComplete takes the final request of a blob upload. The
// request may include all the blob data or no blob data. Any data provided
// is received and verified. If successful, the blob is linked into the
// repository version.
func (buh *blobUploadHandler) PutBlobUploadComplete(w http.ResponseWriter, r *http.Request) {
	res, err := buh.resolvePush()
	if err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeNameInvalid.WithDetail(err))
		return
	}

	upload, ok := buh.resumeUpload(w)
	if !ok {
		return
	}

	dgstStr := r.URL.Query().Get("digest")
	if dgstStr == "" {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeDigestInvalid.WithDetail("digest missing"))
		return
	}
	dgst, err := storage.ParseDigest(dgstStr)
	if err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeDigestInvalid.WithDetail(err.Error()))
		return
	}

	if r.ContentLength != 0 {
		if _, err := upload.Append(buh.Context, r.Body); err != nil {
			buh.Errors = append(buh.Errors, errcode.ErrorCodeBlobUploadInvalid.WithDetail(err.Error()))
			return
		}
	}

	buh.commitUpload(w, res, upload, dgst)
}

// commitUpload verifies and promotes the upload into content storage, then
// links the blob into the repository as a task.
func (buh *blobUploadHandler) commitUpload(w http.ResponseWriter, res *resolved, upload *storage.Upload, dgst digest.Digest) {
	desc, err := upload.Commit(buh.Context, dgst)
	if err != nil {
		if errors.Is(err, storage.ErrDigestMismatch) || errors.Is(err, storage.ErrUnsupportedAlgorithm) {
			buh.Errors = append(buh.Errors, errcode.ErrorCodeDigestInvalid.WithDetail(err.Error()))
		} else {
			buh.Errors = append(buh.Errors, errcode.ErrorCodeBlobUploadInvalid.WithDetail(err.Error()))
		}
		return
	}

	t := buh.App.runtime.Dispatch(buh.Context, "blob link "+buh.Name,
		[]string{repositoryResource(res.repo.Name)},
		func(taskCtx context.Context, _ *task.Task) error {
			if _, err := buh.App.graph.AddBlob(taskCtx, desc); err != nil {
				return err
			}
			unit := content.Unit{Kind: content.KindBlob, Key: desc.Digest.String()}
			_, err := res.repo.RecursiveAdd(taskCtx, []content.Unit{unit})
			return err
		})

	if !buh.App.runtime.WaitTimeout(t, taskWait) {
		buh.throttled(w, "blob commit")
		return
	}
	if err := t.Err(); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	location, err := buh.urlBuilder.BuildBlobURL(buh.Name, desc.Digest)
	if err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	w.Header().Set("Location", location)
	w.Header().Set("Content-Length", "0")
	w.Header().Set("Docker-Content-Digest", desc.Digest.String())
	w.WriteHeader(http.StatusCreated)
}

// CancelBlobUpload cancels an in-progress upload of a blob.
func (buh *blobUploadHandler) CancelBlobUpload(w http.ResponseWriter, r *http.Request) {
	upload, ok := buh.resumeUpload(w)
	if !ok {
		return
	}

	if err := upload.Cancel(buh.Context); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}
	w.Header().Set("Docker-Upload-UUID", buh.UUID)
	w.WriteHeader(http.StatusNoContent)
}

func (buh *blobUploadHandler) resumeUpload(w http.ResponseWriter) (*storage.Upload, bool) {
	upload, err := buh.App.store.Resume(buh.Context, buh.UUID)
	if err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeBlobUploadUnknown.WithDetail(err.Error()))
		return nil, false
	}
	return upload, true
}

// writeUploadLocation sets the session headers common to upload responses.
func (buh *blobUploadHandler) writeUploadLocation(w http.ResponseWriter, id string, size int64) error {
	location, err := buh.urlBuilder.BuildBlobUploadChunkURL(buh.Name, id)
	if err != nil {
		return err
	}
	w.Header().Set("Location", location)
	w.Header().Set("Docker-Upload-UUID", id)
	w.Header().Set("Range", fmt.Sprintf("0-%d", maxInt64(size-1, 0)))
	w.Header().Set("Content-Length", "0")
	return nil
}

// parseContentRange parses a "start-end" Content-Range header value.
func parseContentRange(value string) (int64, int64, error) {
	startStr, endStr, ok := strings.Cut(value, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid content range %q", value)
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid content range %q", value)
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid content range %q", value)
	}
	if end < start {
		return 0, 0, fmt.Errorf("invalid content range %q", value)
	}
	return start, end, nil
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
