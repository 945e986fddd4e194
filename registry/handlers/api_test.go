package handlers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/stevedore-project/stevedore/configuration"
	"github.com/stevedore-project/stevedore/content"
	"github.com/stevedore-project/stevedore/namespace"
	"github.com/stevedore-project/stevedore/remote"
	"github.com/stevedore-project/stevedore/repository"
	"github.com/stevedore-project/stevedore/storage"
	_ "github.com/stevedore-project/stevedore/storage/driver/inmemory"
)

func testConfig() *configuration.Configuration {
	return &configuration.Configuration{
		Version: "0.1",
		Storage: configuration.Storage{"inmemory": configuration.Parameters{}},
		Auth:    configuration.Auth{TokenAuthDisabled: true},
		Registry: configuration.Registry{
			FlatpakIndexEnabled: true,
		},
	}
}

func tokenAuthConfig() *configuration.Configuration {
	config := testConfig()
	config.Auth = configuration.Auth{
		Realm: "test",
		Token: configuration.Token{
			ServerURL:          "http://example.com/token",
			Issuer:             "test-issuer",
			Service:            "test-service",
			SignatureAlgorithm: "ES256",
			ExpirationSeconds:  300,
		},
	}
	return config
}

// writeHtpasswd stores bcrypt credentials in a temporary htpasswd file.
func writeHtpasswd(t *testing.T, users map[string]string) string {
	t.Helper()
	var b strings.Builder
	for user, password := range users {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		require.NoError(t, err)
		fmt.Fprintf(&b, "%s:%s\n", user, hash)
	}
	path := filepath.Join(t.TempDir(), "htpasswd")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))
	return path
}

// fetchToken obtains a bearer token for the given scopes, authenticating
// with basic credentials when a user is given.
func fetchToken(t *testing.T, app *App, scopes []string, user, password string) string {
	t.Helper()
	target := "/token?service=test-service"
	for _, s := range scopes {
		target += "&scope=" + url.QueryEscape(s)
	}
	var header http.Header
	if user != "" {
		header = http.Header{"Authorization": []string{
			"Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+password))}}
	}
	rec := do(t, app, http.MethodGet, target, nil, header)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Token
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": []string{"Bearer " + token}}
}

func newTestApp(t *testing.T, config *configuration.Configuration) *App {
	t.Helper()
	app, err := NewApp(context.Background(), config)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, app.Shutdown(context.Background()))
	})
	return app
}

// do runs one request through the full app handler chain.
func do(t *testing.T, app *App, method, target string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, req)
	return rec
}

// pushBlob uploads a blob through the chunked protocol and returns its digest.
func pushBlob(t *testing.T, app *App, repo string, payload []byte) digest.Digest {
	t.Helper()
	dgst := digest.FromBytes(payload)

	rec := do(t, app, http.MethodPost, "/v2/"+repo+"/blobs/uploads/", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	location := rec.Header().Get("Location")
	require.NotEmpty(t, location)
	require.NotEmpty(t, rec.Header().Get("Docker-Upload-UUID"))

	rec = do(t, app, http.MethodPatch, location, payload, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	location = rec.Header().Get("Location")

	rec = do(t, app, http.MethodPut, location+"?digest="+dgst.String(), nil, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, dgst.String(), rec.Header().Get("Docker-Content-Digest"))
	return dgst
}

// pushImage uploads config and layer blobs, then puts a manifest under ref.
func pushImage(t *testing.T, app *App, repo, ref string, configPayload []byte, layers ...[]byte) digest.Digest {
	t.Helper()
	configDigest := pushBlob(t, app, repo, configPayload)

	descs := make([]v1.Descriptor, 0, len(layers))
	for _, layer := range layers {
		d := pushBlob(t, app, repo, layer)
		descs = append(descs, v1.Descriptor{
			MediaType: v1.MediaTypeImageLayerGzip,
			Digest:    d,
			Size:      int64(len(layer)),
		})
	}

	payload, err := json.Marshal(map[string]interface{}{
		"schemaVersion": 2,
		"mediaType":     v1.MediaTypeImageManifest,
		"config": v1.Descriptor{
			MediaType: v1.MediaTypeImageConfig,
			Digest:    configDigest,
			Size:      int64(len(configPayload)),
		},
		"layers": descs,
	})
	require.NoError(t, err)

	rec := do(t, app, http.MethodPut, "/v2/"+repo+"/manifests/"+ref, payload,
		http.Header{"Content-Type": []string{v1.MediaTypeImageManifest}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return digest.FromBytes(payload)
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Errors []struct {
			Code string `json:"code"`
		} `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	require.NotEmpty(t, body.Errors)
	return body.Errors[0].Code
}

func TestAPIBase(t *testing.T) {
	app := newTestApp(t, testConfig())

	rec := do(t, app, http.MethodGet, "/v2/", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "registry/2.0", rec.Header().Get("Docker-Distribution-API-Version"))
	require.JSONEq(t, "{}", rec.Body.String())
}

func TestAPIPushPullRoundtrip(t *testing.T) {
	app := newTestApp(t, testConfig())

	configPayload := []byte(`{"architecture":"amd64","os":"linux","config":{}}`)
	layer := []byte("layer data")
	manifestDigest := pushImage(t, app, "library/app", "latest", configPayload, layer)

	// Pull the manifest by tag.
	rec := do(t, app, http.MethodGet, "/v2/library/app/manifests/latest", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, v1.MediaTypeImageManifest, rec.Header().Get("Content-Type"))
	require.Equal(t, manifestDigest.String(), rec.Header().Get("Docker-Content-Digest"))
	require.Equal(t, fmt.Sprintf("%q", manifestDigest), rec.Header().Get("Etag"))

	// And by digest, including HEAD.
	rec = do(t, app, http.MethodGet, "/v2/library/app/manifests/"+manifestDigest.String(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, app, http.MethodHead, "/v2/library/app/manifests/latest", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Body.Bytes())

	// Pull the layer back.
	layerDigest := digest.FromBytes(layer)
	rec = do(t, app, http.MethodGet, "/v2/library/app/blobs/"+layerDigest.String(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, layer, rec.Body.Bytes())
	require.Equal(t, layerDigest.String(), rec.Header().Get("Docker-Content-Digest"))

	// Tags list includes the pushed tag.
	rec = do(t, app, http.MethodGet, "/v2/library/app/tags/list", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tags struct {
		Name string   `json:"name"`
		Tags []string `json:"tags"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tags))
	require.Equal(t, "library/app", tags.Name)
	require.Equal(t, []string{"latest"}, tags.Tags)
}

func TestAPIMonolithicUpload(t *testing.T) {
	app := newTestApp(t, testConfig())

	payload := []byte("monolithic blob")
	dgst := digest.FromBytes(payload)

	rec := do(t, app, http.MethodPost, "/v2/library/app/blobs/uploads/?digest="+dgst.String(), payload, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, dgst.String(), rec.Header().Get("Docker-Content-Digest"))

	rec = do(t, app, http.MethodGet, "/v2/library/app/blobs/"+dgst.String(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, payload, rec.Body.Bytes())
}

func TestAPIBlobBySha224Digest(t *testing.T) {
	app := newTestApp(t, testConfig())

	payload := []byte("alternate checksum")
	pushBlob(t, app, "library/app", payload)

	h := sha256.New224()
	h.Write(payload)
	sha224Digest := digest.NewDigest(storage.SHA224, h)

	rec := do(t, app, http.MethodGet, "/v2/library/app/blobs/"+sha224Digest.String(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, payload, rec.Body.Bytes())
}

func TestAPIUploadDigestMismatch(t *testing.T) {
	app := newTestApp(t, testConfig())

	wrong := digest.FromString("something else")
	rec := do(t, app, http.MethodPost, "/v2/library/app/blobs/uploads/?digest="+wrong.String(), []byte("actual data"), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "DIGEST_INVALID", errorCode(t, rec))
}

func TestAPIChunkedUploadOutOfOrder(t *testing.T) {
	app := newTestApp(t, testConfig())

	rec := do(t, app, http.MethodPost, "/v2/library/app/blobs/uploads/", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	location := rec.Header().Get("Location")

	rec = do(t, app, http.MethodPatch, location, []byte("first"), http.Header{"Content-Range": []string{"0-4"}})
	require.Equal(t, http.StatusAccepted, rec.Code)
	location = rec.Header().Get("Location")

	// A chunk that does not pick up at the current offset is rejected.
	rec = do(t, app, http.MethodPatch, location, []byte("gap"), http.Header{"Content-Range": []string{"10-12"}})
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
	require.Equal(t, "RANGE_INVALID", errorCode(t, rec))
}

func TestAPIChunkedUploadContentLengthMismatch(t *testing.T) {
	app := newTestApp(t, testConfig())

	rec := do(t, app, http.MethodPost, "/v2/library/app/blobs/uploads/", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	location := rec.Header().Get("Location")

	// The declared length does not match the bytes actually sent.
	req := httptest.NewRequest(http.MethodPatch, location, bytes.NewReader([]byte("short")))
	req.ContentLength = 100
	rec = httptest.NewRecorder()
	app.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "BLOB_UPLOAD_INVALID", errorCode(t, rec))
}

func TestAPIUploadStatusAndCancel(t *testing.T) {
	app := newTestApp(t, testConfig())

	rec := do(t, app, http.MethodPost, "/v2/library/app/blobs/uploads/", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	location := rec.Header().Get("Location")

	rec = do(t, app, http.MethodPatch, location, []byte("12345"), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	location = rec.Header().Get("Location")

	rec = do(t, app, http.MethodGet, location, nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "0-4", rec.Header().Get("Range"))

	rec = do(t, app, http.MethodDelete, location, nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// The session is gone afterwards.
	rec = do(t, app, http.MethodGet, location, nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "BLOB_UPLOAD_UNKNOWN", errorCode(t, rec))
}

func TestAPICrossRepositoryMount(t *testing.T) {
	app := newTestApp(t, testConfig())

	payload := []byte("shared base layer")
	dgst := pushBlob(t, app, "library/source", payload)

	rec := do(t, app, http.MethodPost,
		"/v2/library/target/blobs/uploads/?mount="+dgst.String()+"&from=library/source", nil, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Contains(t, rec.Header().Get("Location"), "/v2/library/target/blobs/"+dgst.String())

	rec = do(t, app, http.MethodGet, "/v2/library/target/blobs/"+dgst.String(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, payload, rec.Body.Bytes())
}

func TestAPIMountUnknownBlobFallsBack(t *testing.T) {
	app := newTestApp(t, testConfig())

	dgst := digest.FromString("never uploaded")
	rec := do(t, app, http.MethodPost,
		"/v2/library/target/blobs/uploads/?mount="+dgst.String()+"&from=library/source", nil, nil)
	// Protocol: a failed mount degrades to a regular upload session.
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Docker-Upload-UUID"))
}

func TestAPIMountFromUnreadableSourceFallsBack(t *testing.T) {
	config := tokenAuthConfig()
	config.Auth.HTPasswdPath = writeHtpasswd(t, map[string]string{"alice": "hunter2"})
	config.Registry.Distributions = []configuration.DistributionConfig{{
		BasePath: "secret/src",
		Private:  true,
	}}
	app := newTestApp(t, config)

	// Seed a blob into the private source repository.
	ctx := context.Background()
	payload := []byte("private base layer")
	desc, err := app.store.PutBytes(ctx, "", payload)
	require.NoError(t, err)
	_, err = app.graph.AddBlob(ctx, desc)
	require.NoError(t, err)
	src := app.engine.GetOrCreate("secret/src", repository.TypePush)
	_, err = src.RecursiveAdd(ctx, []content.Unit{{Kind: content.KindBlob, Key: desc.Digest.String()}})
	require.NoError(t, err)

	// Without pull access on the source the mount quietly degrades to a
	// regular upload session.
	tok := fetchToken(t, app, []string{"repository:alice/target:push,pull"}, "alice", "hunter2")
	rec := do(t, app, http.MethodPost,
		"/v2/alice/target/blobs/uploads/?mount="+desc.Digest.String()+"&from=secret/src", nil, bearer(tok))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("Docker-Upload-UUID"))

	// A consumer role on the owning namespace makes the mount go through.
	ns, err := app.namespaces.EnsureNamespace("secret", "")
	require.NoError(t, err)
	ns.SetRole("alice", namespace.RoleConsumer)

	tok = fetchToken(t, app, []string{"repository:alice/target:push,pull"}, "alice", "hunter2")
	rec = do(t, app, http.MethodPost,
		"/v2/alice/target/blobs/uploads/?mount="+desc.Digest.String()+"&from=secret/src", nil, bearer(tok))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, desc.Digest.String(), rec.Header().Get("Docker-Content-Digest"))
}

func TestAPIManifestPutDigestMismatch(t *testing.T) {
	app := newTestApp(t, testConfig())

	configPayload := []byte(`{"config":{}}`)
	configDigest := pushBlob(t, app, "library/app", configPayload)

	payload, err := json.Marshal(map[string]interface{}{
		"schemaVersion": 2,
		"mediaType":     v1.MediaTypeImageManifest,
		"config": v1.Descriptor{
			MediaType: v1.MediaTypeImageConfig,
			Digest:    configDigest,
			Size:      int64(len(configPayload)),
		},
		"layers": []v1.Descriptor{},
	})
	require.NoError(t, err)

	wrong := digest.FromString("not the payload")
	rec := do(t, app, http.MethodPut, "/v2/library/app/manifests/"+wrong.String(), payload,
		http.Header{"Content-Type": []string{v1.MediaTypeImageManifest}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "DIGEST_INVALID", errorCode(t, rec))
}

func TestAPIManifestUnknownLayer(t *testing.T) {
	app := newTestApp(t, testConfig())

	configPayload := []byte(`{"config":{}}`)
	configDigest := pushBlob(t, app, "library/app", configPayload)

	payload, err := json.Marshal(map[string]interface{}{
		"schemaVersion": 2,
		"mediaType":     v1.MediaTypeImageManifest,
		"config": v1.Descriptor{
			MediaType: v1.MediaTypeImageConfig,
			Digest:    configDigest,
			Size:      int64(len(configPayload)),
		},
		"layers": []v1.Descriptor{{
			MediaType: v1.MediaTypeImageLayerGzip,
			Digest:    digest.FromString("missing layer"),
			Size:      13,
		}},
	})
	require.NoError(t, err)

	rec := do(t, app, http.MethodPut, "/v2/library/app/manifests/latest", payload,
		http.Header{"Content-Type": []string{v1.MediaTypeImageManifest}})
	require.Equal(t, "MANIFEST_BLOB_UNKNOWN", errorCode(t, rec))
}

func TestAPIManifestUnknown(t *testing.T) {
	app := newTestApp(t, testConfig())
	pushImage(t, app, "library/app", "latest", []byte(`{"config":{}}`))

	rec := do(t, app, http.MethodGet, "/v2/library/app/manifests/nope", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "MANIFEST_UNKNOWN", errorCode(t, rec))

	// A repository nobody pushed to does not resolve at all.
	rec = do(t, app, http.MethodGet, "/v2/library/ghost/manifests/latest", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "NAME_UNKNOWN", errorCode(t, rec))
}

func TestAPIManifestAcceptNegotiation(t *testing.T) {
	app := newTestApp(t, testConfig())
	manifestDigest := pushImage(t, app, "library/app", "latest", []byte(`{"config":{}}`))

	// An Accept list with no room for the stored media type is a 404: the
	// registry never converts between manifest schemas.
	rec := do(t, app, http.MethodGet, "/v2/library/app/manifests/latest", nil,
		http.Header{"Accept": []string{"application/vnd.docker.distribution.manifest.v2+json"}})
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "MANIFEST_UNKNOWN", errorCode(t, rec))

	// Naming the stored type alongside others serves it.
	rec = do(t, app, http.MethodGet, "/v2/library/app/manifests/latest", nil,
		http.Header{"Accept": []string{
			"application/vnd.docker.distribution.manifest.v2+json, " + v1.MediaTypeImageManifest}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, v1.MediaTypeImageManifest, rec.Header().Get("Content-Type"))

	// So does a wildcard.
	rec = do(t, app, http.MethodGet, "/v2/library/app/manifests/"+manifestDigest.String(), nil,
		http.Header{"Accept": []string{"*/*"}})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIManifestDelete(t *testing.T) {
	app := newTestApp(t, testConfig())
	manifestDigest := pushImage(t, app, "library/app", "latest", []byte(`{"config":{}}`), []byte("layer"))

	// Untagging drops the manifest too: nothing else holds it in place.
	rec := do(t, app, http.MethodDelete, "/v2/library/app/manifests/latest", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, app, http.MethodGet, "/v2/library/app/manifests/latest", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, app, http.MethodGet, "/v2/library/app/manifests/"+manifestDigest.String(), nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIManifestDeleteByDigest(t *testing.T) {
	app := newTestApp(t, testConfig())
	manifestDigest := pushImage(t, app, "library/app", "v1", []byte(`{"config":{}}`))

	rec := do(t, app, http.MethodDelete, "/v2/library/app/manifests/"+manifestDigest.String(), nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, app, http.MethodGet, "/v2/library/app/manifests/v1", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPITagsPagination(t *testing.T) {
	app := newTestApp(t, testConfig())

	configPayload := []byte(`{"config":{}}`)
	for _, tag := range []string{"a", "b", "c"} {
		pushImage(t, app, "library/app", tag, configPayload)
	}

	rec := do(t, app, http.MethodGet, "/v2/library/app/tags/list?n=2", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Tags []string `json:"tags"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Equal(t, []string{"a", "b"}, page.Tags)

	link := rec.Header().Get("Link")
	require.Contains(t, link, `rel="next"`)
	next := strings.TrimSuffix(strings.TrimPrefix(link, "<"), `>; rel="next"`)

	rec = do(t, app, http.MethodGet, next, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Equal(t, []string{"c"}, page.Tags)
	require.Empty(t, rec.Header().Get("Link"))
}

func TestAPITagsInvalidPageSize(t *testing.T) {
	app := newTestApp(t, testConfig())
	pushImage(t, app, "library/app", "latest", []byte(`{"config":{}}`))

	rec := do(t, app, http.MethodGet, "/v2/library/app/tags/list?n=-1", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "PAGINATION_NUMBER_INVALID", errorCode(t, rec))
}

func TestAPICatalog(t *testing.T) {
	app := newTestApp(t, testConfig())

	configPayload := []byte(`{"config":{}}`)
	for _, repo := range []string{"library/alpha", "library/beta", "library/gamma"} {
		pushImage(t, app, repo, "latest", configPayload)
	}

	rec := do(t, app, http.MethodGet, "/v2/_catalog?n=2", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Repositories []string `json:"repositories"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Equal(t, []string{"library/alpha", "library/beta"}, page.Repositories)
	require.Contains(t, rec.Header().Get("Link"), `rel="next"`)

	rec = do(t, app, http.MethodGet, "/v2/_catalog?n=2&last=library/beta", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Equal(t, []string{"library/gamma"}, page.Repositories)
}

func TestAPISignatures(t *testing.T) {
	app := newTestApp(t, testConfig())
	manifestDigest := pushImage(t, app, "library/app", "latest", []byte(`{"config":{}}`))

	sigPayload := []byte("detached signature bytes")
	rec := do(t, app, http.MethodPut,
		"/extensions/v2/library/app/signatures/"+manifestDigest.String(), sigPayload, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, app, http.MethodGet,
		"/extensions/v2/library/app/signatures/"+manifestDigest.String(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Signatures []struct {
			SchemaVersion int    `json:"schemaVersion"`
			Type          string `json:"type"`
			Name          string `json:"name"`
			Content       []byte `json:"content"`
		} `json:"signatures"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Signatures, 1)
	require.Equal(t, 2, body.Signatures[0].SchemaVersion)
	require.Equal(t, "atomic", body.Signatures[0].Type)
	require.Equal(t, sigPayload, body.Signatures[0].Content)
}

func TestAPISignaturesUnknownManifest(t *testing.T) {
	app := newTestApp(t, testConfig())
	pushImage(t, app, "library/app", "latest", []byte(`{"config":{}}`))

	rec := do(t, app, http.MethodGet,
		"/extensions/v2/library/app/signatures/"+digest.FromString("nope").String(), nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "MANIFEST_UNKNOWN", errorCode(t, rec))
}

func TestAPIFlatpakIndex(t *testing.T) {
	app := newTestApp(t, testConfig())

	flatpakConfig := []byte(`{"architecture":"amd64","os":"linux","config":{"Labels":{"org.flatpak.ref":"app/org.example.App/x86_64/stable"}}}`)
	plainConfig := []byte(`{"config":{}}`)
	pushImage(t, app, "apps/example", "stable", flatpakConfig)
	pushImage(t, app, "library/plain", "latest", plainConfig)

	rec := do(t, app, http.MethodGet, "/index/static", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "max-age=86400", rec.Header().Get("Cache-Control"))

	var index struct {
		Registry string `json:"Registry"`
		Results  []struct {
			Name   string `json:"Name"`
			Images []struct {
				Tags   []string          `json:"Tags"`
				Digest string            `json:"Digest"`
				Labels map[string]string `json:"Labels"`
			} `json:"Images"`
		} `json:"Results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &index))

	// Only the flatpak-labeled image is listed.
	require.Len(t, index.Results, 1)
	require.Equal(t, "apps/example", index.Results[0].Name)
	require.Len(t, index.Results[0].Images, 1)
	require.Equal(t, []string{"stable"}, index.Results[0].Images[0].Tags)
	require.Equal(t, "app/org.example.App/x86_64/stable", index.Results[0].Images[0].Labels["org.flatpak.ref"])

	rec = do(t, app, http.MethodGet, "/index/dynamic", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	// Label filters narrow the result set.
	rec = do(t, app, http.MethodGet, "/index/dynamic?label:org.flatpak.ref=other", nil, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &index))
	require.Empty(t, index.Results)
}

func TestAPITokenEndpointDisabled(t *testing.T) {
	app := newTestApp(t, testConfig())

	rec := do(t, app, http.MethodGet, "/token?service=svc&scope=repository:library/app:pull", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAPITokenEndpoint(t *testing.T) {
	config := testConfig()
	config.Auth = configuration.Auth{
		Realm: "test",
		Token: configuration.Token{
			ServerURL:          "http://example.com/token",
			Issuer:             "test-issuer",
			Service:            "test-service",
			SignatureAlgorithm: "ES256",
			ExpirationSeconds:  300,
		},
	}
	app := newTestApp(t, config)

	rec := do(t, app, http.MethodGet, "/token?service=test-service&scope=repository:library/app:pull", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		IssuedAt    string `json:"issued_at"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Token)
	require.Equal(t, body.Token, body.AccessToken)
	require.Equal(t, 300, body.ExpiresIn)
	require.NotEmpty(t, body.IssuedAt)
}

func TestAPITokenAuthEnforced(t *testing.T) {
	config := testConfig()
	config.Auth = configuration.Auth{
		Realm: "test",
		Token: configuration.Token{
			ServerURL:          "http://example.com/token",
			Issuer:             "test-issuer",
			Service:            "test-service",
			SignatureAlgorithm: "ES256",
			ExpirationSeconds:  300,
		},
	}
	app := newTestApp(t, config)

	// No token: challenged with the token endpoint coordinates.
	rec := do(t, app, http.MethodGet, "/v2/library/app/manifests/latest", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	challenge := rec.Header().Get("WWW-Authenticate")
	require.Contains(t, challenge, `Bearer realm="http://example.com/token"`)
	require.Contains(t, challenge, `service="test-service"`)
	require.Contains(t, challenge, "repository:library/app:pull")

	// A token from the endpoint opens the door.
	rec = do(t, app, http.MethodGet, "/token?service=test-service&scope=repository:library/app:pull", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	rec = do(t, app, http.MethodGet, "/v2/library/app/manifests/latest", nil,
		http.Header{"Authorization": []string{"Bearer " + body.Token}})
	// Authenticated but the repository is empty: a regular 404, not a 401.
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIPullThrough(t *testing.T) {
	upstreamName := "library/busybox"
	configPayload := []byte(`{"architecture":"amd64","os":"linux","config":{}}`)
	configDigest := digest.FromBytes(configPayload)
	layerPayload := []byte("cached layer")
	layerDigest := digest.FromBytes(layerPayload)

	manifestPayload, err := json.Marshal(map[string]interface{}{
		"schemaVersion": 2,
		"mediaType":     v1.MediaTypeImageManifest,
		"config": v1.Descriptor{
			MediaType: v1.MediaTypeImageConfig,
			Digest:    configDigest,
			Size:      int64(len(configPayload)),
		},
		"layers": []v1.Descriptor{{
			MediaType: v1.MediaTypeImageLayerGzip,
			Digest:    layerDigest,
			Size:      int64(len(layerPayload)),
		}},
	})
	require.NoError(t, err)
	manifestDigest := digest.FromBytes(manifestPayload)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/" + upstreamName + "/manifests/latest",
			"/v2/" + upstreamName + "/manifests/" + manifestDigest.String():
			w.Header().Set("Content-Type", v1.MediaTypeImageManifest)
			w.Header().Set("Docker-Content-Digest", manifestDigest.String())
			if r.Method != http.MethodHead {
				w.Write(manifestPayload)
			}
		case "/v2/" + upstreamName + "/blobs/" + configDigest.String():
			w.Write(configPayload)
		case "/v2/" + upstreamName + "/blobs/" + layerDigest.String():
			w.Write(layerPayload)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer upstream.Close()

	config := testConfig()
	config.Registry.Remotes = []configuration.RemoteConfig{{
		Name:   "upstream",
		URL:    upstream.URL,
		Policy: "on_demand",
	}}
	config.Registry.Distributions = []configuration.DistributionConfig{{
		BasePath: "cache",
		Remote:   "upstream",
	}}
	app := newTestApp(t, config)

	// First manifest pull syncs the image from the upstream.
	rec := do(t, app, http.MethodGet, "/v2/cache/"+upstreamName+"/manifests/latest", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, manifestDigest.String(), rec.Header().Get("Docker-Content-Digest"))
	require.Equal(t, manifestPayload, rec.Body.Bytes())

	// The layer was not synced (on_demand); the blob endpoint fetches it
	// lazily on first access.
	rec = do(t, app, http.MethodGet, "/v2/cache/"+upstreamName+"/blobs/"+layerDigest.String(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, layerPayload, rec.Body.Bytes())

	// Unknown upstream references answer 404.
	rec = do(t, app, http.MethodGet, "/v2/cache/"+upstreamName+"/manifests/missing", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "MANIFEST_UNKNOWN", errorCode(t, rec))
}

func TestAPIPullThroughAnonymousServedFromCacheOnly(t *testing.T) {
	upstreamName := "library/busybox"
	configPayload := []byte(`{"architecture":"amd64","os":"linux","config":{}}`)
	configDigest := digest.FromBytes(configPayload)

	manifestPayload, err := json.Marshal(map[string]interface{}{
		"schemaVersion": 2,
		"mediaType":     v1.MediaTypeImageManifest,
		"config": v1.Descriptor{
			MediaType: v1.MediaTypeImageConfig,
			Digest:    configDigest,
			Size:      int64(len(configPayload)),
		},
		"layers": []v1.Descriptor{},
	})
	require.NoError(t, err)
	manifestDigest := digest.FromBytes(manifestPayload)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/" + upstreamName + "/manifests/latest",
			"/v2/" + upstreamName + "/manifests/" + manifestDigest.String():
			w.Header().Set("Content-Type", v1.MediaTypeImageManifest)
			w.Header().Set("Docker-Content-Digest", manifestDigest.String())
			if r.Method != http.MethodHead {
				w.Write(manifestPayload)
			}
		case "/v2/" + upstreamName + "/blobs/" + configDigest.String():
			w.Write(configPayload)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer upstream.Close()

	config := tokenAuthConfig()
	config.Auth.HTPasswdPath = writeHtpasswd(t, map[string]string{"alice": "hunter2"})
	config.Registry.Remotes = []configuration.RemoteConfig{{
		Name:   "upstream",
		URL:    upstream.URL,
		Policy: "on_demand",
	}}
	config.Registry.Distributions = []configuration.DistributionConfig{{
		BasePath: "cache",
		Remote:   "upstream",
	}}
	app := newTestApp(t, config)

	name := "cache/" + upstreamName
	scope := "repository:" + name + ":pull"

	// Nothing is cached yet and anonymous clients may not trigger an
	// upstream fetch.
	anon := fetchToken(t, app, []string{scope}, "", "")
	rec := do(t, app, http.MethodGet, "/v2/"+name+"/manifests/latest", nil, bearer(anon))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "MANIFEST_UNKNOWN", errorCode(t, rec))

	// An authenticated pull populates the cache from the upstream.
	user := fetchToken(t, app, []string{scope}, "alice", "hunter2")
	rec = do(t, app, http.MethodGet, "/v2/"+name+"/manifests/latest", nil, bearer(user))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, manifestPayload, rec.Body.Bytes())

	// Cached content is open to anonymous pulls.
	rec = do(t, app, http.MethodGet, "/v2/"+name+"/manifests/latest", nil, bearer(anon))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestAPIPrivateDistributionHiddenFromCatalog(t *testing.T) {
	config := testConfig()
	config.Registry.Distributions = []configuration.DistributionConfig{
		{BasePath: "org/public"},
		{BasePath: "org/secret", Private: true},
	}
	app := newTestApp(t, config)

	rec := do(t, app, http.MethodGet, "/v2/_catalog", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Repositories []string `json:"repositories"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Equal(t, []string{"org/public"}, page.Repositories)
}

func TestAPIReclaim(t *testing.T) {
	app := newTestApp(t, testConfig())

	pushImage(t, app, "library/app", "latest", []byte(`{"config":{}}`), []byte("layer"))

	// Everything pushed is held by the repository's versions.
	stats, err := app.Reclaim(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.Units)

	// Dropping the repository orphans its tag, manifest and blobs.
	require.NoError(t, app.engine.Delete("library/app"))
	stats, err = app.Reclaim(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, stats.Units)
	require.Equal(t, 3, stats.Blobs)

	rec := do(t, app, http.MethodGet, "/v2/library/app/manifests/latest", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestThrottledSuggestsNoRetryInterval(t *testing.T) {
	ctx := &Context{}
	rec := httptest.NewRecorder()
	ctx.throttled(rec, "upstream sync")

	require.Empty(t, rec.Header().Get("Retry-After"))
	require.Len(t, ctx.Errors, 1)
}

func TestRemoteClientConcurrentAccess(t *testing.T) {
	config := testConfig()
	config.Registry.Remotes = []configuration.RemoteConfig{{
		Name:   "upstream",
		URL:    "http://upstream.example.com",
		Policy: "on_demand",
	}}
	app := newTestApp(t, config)

	clients := make([]*remote.Client, 8)
	errs := make([]error, len(clients))
	var wg sync.WaitGroup
	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			clients[i], errs[i] = app.remoteClient("upstream")
		}(i)
	}
	wg.Wait()

	for i := range clients {
		require.NoError(t, errs[i])
		require.Same(t, clients[0], clients[i])
	}
}
