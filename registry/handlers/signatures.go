package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/opencontainers/go-digest"

	"github.com/stevedore-project/stevedore/content"
	"github.com/stevedore-project/stevedore/registry/api/errcode"
	"github.com/stevedore-project/stevedore/task"
)

// maxSignatureBodySize bounds a single uploaded signature blob.
const maxSignatureBodySize = 256 * 1024

// signaturesDispatcher constructs the handler for the image signatures
// extension endpoint.
func signaturesDispatcher(ctx *Context, r *http.Request) http.Handler {
	sh := &signaturesHandler{Context: ctx}
	if dgst, err := digest.Parse(mux.Vars(r)["digest"]); err == nil {
		sh.Digest = dgst
	}

	return handlers.MethodHandler{
		http.MethodGet: http.HandlerFunc(sh.GetSignatures),
		http.MethodPut: http.HandlerFunc(sh.PutSignature),
	}
}

// signaturesHandler serves detached signatures for a manifest over the
// extensions API.
type signaturesHandler struct {
	*Context

	Digest digest.Digest
}

type signatureEntry struct {
	SchemaVersion int    `json:"schemaVersion"`
	Type          string `json:"type"`
	Name          string `json:"name"`
	Content       []byte `json:"content"`
}

type signaturesAPIResponse struct {
	Signatures []signatureEntry `json:"signatures"`
}

// GetSignatures returns all stored signatures covering the requested
// manifest.
func (sh *signaturesHandler) GetSignatures(w http.ResponseWriter, r *http.Request) {
	res, err := sh.resolvePull()
	if err != nil {
		sh.Errors = append(sh.Errors, errcode.ErrorCodeNameUnknown.WithDetail(map[string]string{"name": sh.Name}))
		return
	}

	if _, err := res.version.LookupManifest(sh.Digest); err != nil {
		sh.Errors = append(sh.Errors, errcode.ErrorCodeManifestUnknown.WithDetail(map[string]string{"reference": sh.Digest.String()}))
		return
	}

	response := signaturesAPIResponse{Signatures: []signatureEntry{}}
	for _, sig := range res.version.Signatures(sh.Digest) {
		data := sig.Data
		if data == nil {
			data, err = sh.App.store.Get(sh.Context, sig.Digest)
			if err != nil {
				sh.log().Errorf("reading signature blob %s: %v", sig.Digest, err)
				continue
			}
		}
		response.Signatures = append(response.Signatures, signatureEntry{
			SchemaVersion: 2,
			Type:          string(sig.Type),
			Name:          sig.Name,
			Content:       data,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		sh.Errors = append(sh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
	}
}

// PutSignature stores a detached signature for the manifest named by digest.
// The request body is the raw signature blob.
func (sh *signaturesHandler) PutSignature(w http.ResponseWriter, r *http.Request) {
	res, err := sh.resolvePush()
	if err != nil {
		sh.Errors = append(sh.Errors, errcode.ErrorCodeNameInvalid.WithDetail(err))
		return
	}

	var body bytes.Buffer
	if err := copyFullPayload(sh.Context, w, r, &body, maxSignatureBodySize, "signature PUT"); err != nil {
		sh.Errors = append(sh.Errors, errcode.ErrorCodeUnknown.WithDetail(err.Error()))
		return
	}

	if _, err := res.repo.Latest().LookupManifest(sh.Digest); err != nil {
		sh.Errors = append(sh.Errors, errcode.ErrorCodeManifestUnknown.WithDetail(map[string]string{"reference": sh.Digest.String()}))
		return
	}

	t := sh.App.runtime.Dispatch(sh.Context, "signature put "+sh.Name,
		[]string{repositoryResource(res.repo.Name)},
		func(taskCtx context.Context, _ *task.Task) error {
			sig := &content.Signature{
				Type:           content.SignatureTypeAtomic,
				SignedManifest: sh.Digest,
				Data:           body.Bytes(),
			}
			row, err := sh.App.graph.AddSignature(taskCtx, sig)
			if err != nil {
				return err
			}
			_, err = res.repo.RecursiveAdd(taskCtx, []content.Unit{row.Unit()})
			return err
		})

	if !sh.App.runtime.WaitTimeout(t, taskWait) {
		sh.throttled(w, "signature storage")
		return
	}
	if err := t.Err(); err != nil {
		sh.Errors = append(sh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	w.WriteHeader(http.StatusCreated)
}
