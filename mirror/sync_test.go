package mirror

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"

	"github.com/stevedore-project/stevedore/content"
	"github.com/stevedore-project/stevedore/remote"
	"github.com/stevedore-project/stevedore/repository"
	"github.com/stevedore-project/stevedore/storage"
	"github.com/stevedore-project/stevedore/storage/driver/inmemory"
)

// fakeUpstream is an in-memory upstream registry serving the distribution
// API surface the synchronizer touches.
type fakeUpstream struct {
	name      string
	tags      map[string]digest.Digest
	manifests map[digest.Digest]upstreamManifest
	blobs     map[digest.Digest][]byte

	blobRequests     int
	manifestRequests int
}

type upstreamManifest struct {
	payload   []byte
	mediaType string
}

func newFakeUpstream(name string) *fakeUpstream {
	return &fakeUpstream{
		name:      name,
		tags:      map[string]digest.Digest{},
		manifests: map[digest.Digest]upstreamManifest{},
		blobs:     map[digest.Digest][]byte{},
	}
}

// addImage builds an OCI image on the upstream and tags it.
func (f *fakeUpstream) addImage(t *testing.T, tag string, layerPayloads ...string) digest.Digest {
	t.Helper()
	configPayload := []byte(`{"architecture":"amd64","os":"linux","config":{}}`)
	configDigest := digest.FromBytes(configPayload)
	f.blobs[configDigest] = configPayload

	layers := make([]v1.Descriptor, 0, len(layerPayloads))
	for _, p := range layerPayloads {
		d := digest.FromString(p)
		f.blobs[d] = []byte(p)
		layers = append(layers, v1.Descriptor{
			MediaType: v1.MediaTypeImageLayerGzip,
			Digest:    d,
			Size:      int64(len(p)),
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
		"layers": layers,
	})
	require.NoError(t, err)

	dgst := digest.FromBytes(payload)
	f.manifests[dgst] = upstreamManifest{payload: payload, mediaType: v1.MediaTypeImageManifest}
	if tag != "" {
		f.tags[tag] = dgst
	}
	return dgst
}

func (f *fakeUpstream) handler(t *testing.T) http.Handler {
	prefix := "/v2/" + f.name + "/"
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == prefix+"tags/list":
			var tags []string
			for tag := range f.tags {
				tags = append(tags, tag)
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"name": f.name, "tags": tags})

		case len(r.URL.Path) > len(prefix+"manifests/") && r.URL.Path[:len(prefix+"manifests/")] == prefix+"manifests/":
			ref := r.URL.Path[len(prefix+"manifests/"):]
			dgst, ok := f.tags[ref]
			if !ok {
				if parsed, err := digest.Parse(ref); err == nil {
					dgst = parsed
				}
			}
			m, ok := f.manifests[dgst]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", m.mediaType)
			w.Header().Set("Docker-Content-Digest", dgst.String())
			if r.Method == http.MethodHead {
				return
			}
			f.manifestRequests++
			w.Write(m.payload)

		case len(r.URL.Path) > len(prefix+"blobs/") && r.URL.Path[:len(prefix+"blobs/")] == prefix+"blobs/":
			f.blobRequests++
			dgst := digest.Digest(r.URL.Path[len(prefix+"blobs/"):])
			p, ok := f.blobs[dgst]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(p)

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

type syncEnv struct {
	store  *storage.ObjectStore
	graph  *content.Graph
	engine *repository.Engine
	sync   *Synchronizer
}

func newSyncEnv() *syncEnv {
	store := storage.NewObjectStore(inmemory.New())
	graph := content.NewGraph(store, content.ValidationOptions{})
	engine := repository.NewEngine(graph)
	return &syncEnv{store: store, graph: graph, engine: engine, sync: New(graph, engine)}
}

func startUpstream(t *testing.T, f *fakeUpstream, policy remote.Policy) (*remote.Client, func()) {
	t.Helper()
	server := httptest.NewServer(f.handler(t))
	client := remote.NewClient(&remote.Remote{
		Name:         "upstream",
		URL:          server.URL,
		UpstreamName: f.name,
		Policy:       policy,
	})
	return client, server.Close
}

func TestSyncImmediateDownloadsEverything(t *testing.T) {
	f := newFakeUpstream("library/app")
	dgst := f.addImage(t, "latest", "layer one", "layer two")

	client, stop := startUpstream(t, f, remote.PolicyImmediate)
	defer stop()

	env := newSyncEnv()
	repo := env.engine.GetOrCreate("library/app", repository.TypeSync)

	require.NoError(t, env.sync.Sync(context.Background(), repo, client, Options{}))

	v := repo.Latest()
	m, err := v.LookupTag("latest")
	require.NoError(t, err)
	require.Equal(t, dgst, m.Digest)

	// Config and both layers landed in the store.
	for _, layer := range m.Layers {
		_, err := env.store.Stat(context.Background(), layer.Digest)
		require.NoError(t, err)
		require.True(t, v.ContainsBlob(layer.Digest))
	}
	_, err = env.store.Stat(context.Background(), m.Config.Digest)
	require.NoError(t, err)
}

func TestSyncOnDemandSkipsLayers(t *testing.T) {
	f := newFakeUpstream("library/app")
	f.addImage(t, "latest", "big layer")

	client, stop := startUpstream(t, f, remote.PolicyOnDemand)
	defer stop()

	env := newSyncEnv()
	repo := env.engine.GetOrCreate("library/app", repository.TypeSync)

	require.NoError(t, env.sync.Sync(context.Background(), repo, client, Options{}))

	m, err := repo.Latest().LookupTag("latest")
	require.NoError(t, err)

	// The config blob is always fetched, layers are not.
	_, err = env.store.Stat(context.Background(), m.Config.Digest)
	require.NoError(t, err)
	_, err = env.store.Stat(context.Background(), m.Layers[0].Digest)
	require.ErrorIs(t, err, storage.ErrBlobUnknown)
}

func TestSyncTagFiltering(t *testing.T) {
	f := newFakeUpstream("library/app")
	f.addImage(t, "v1.0", "stable")
	f.addImage(t, "dev", "unstable")

	server := httptest.NewServer(f.handler(t))
	defer server.Close()
	client := remote.NewClient(&remote.Remote{
		Name:         "upstream",
		URL:          server.URL,
		UpstreamName: f.name,
		Policy:       remote.PolicyImmediate,
		IncludeTags:  []string{"v*"},
	})

	env := newSyncEnv()
	repo := env.engine.GetOrCreate("library/app", repository.TypeSync)

	require.NoError(t, env.sync.Sync(context.Background(), repo, client, Options{}))
	require.Equal(t, []string{"v1.0"}, repo.Latest().TagNames())
}

func TestSyncMirrorRemovesStaleContent(t *testing.T) {
	f := newFakeUpstream("library/app")
	f.addImage(t, "keep", "kept layer")

	client, stop := startUpstream(t, f, remote.PolicyImmediate)
	defer stop()

	env := newSyncEnv()
	repo := env.engine.GetOrCreate("library/app", repository.TypeSync)

	// Seed local content the upstream does not have.
	staleConfig := []byte(`{"config":{}}`)
	staleDesc, err := env.store.PutBytes(context.Background(), v1.MediaTypeImageConfig, staleConfig)
	require.NoError(t, err)
	_, err = env.graph.AddBlob(context.Background(), staleDesc)
	require.NoError(t, err)
	stalePayload, err := json.Marshal(map[string]interface{}{
		"schemaVersion": 2,
		"mediaType":     v1.MediaTypeImageManifest,
		"config":        staleDesc,
		"layers":        []v1.Descriptor{},
	})
	require.NoError(t, err)
	stale, err := env.graph.PutManifest(context.Background(), stalePayload, v1.MediaTypeImageManifest, true)
	require.NoError(t, err)
	_, err = repo.TagManifest(context.Background(), "stale", stale.Digest)
	require.NoError(t, err)

	require.NoError(t, env.sync.Sync(context.Background(), repo, client, Options{Mirror: true}))

	v := repo.Latest()
	require.Equal(t, []string{"keep"}, v.TagNames())
	require.False(t, v.Contains(stale.Unit()))
}

func TestSyncSignedOnlySkipsUnsigned(t *testing.T) {
	f := newFakeUpstream("library/app")
	f.addImage(t, "unsigned", "layer")

	client, stop := startUpstream(t, f, remote.PolicyImmediate)
	defer stop()

	env := newSyncEnv()
	repo := env.engine.GetOrCreate("library/app", repository.TypeSync)

	require.NoError(t, env.sync.Sync(context.Background(), repo, client, Options{SignedOnly: true}))
	require.Empty(t, repo.Latest().TagNames())
}

func TestSyncImageByTag(t *testing.T) {
	f := newFakeUpstream("library/app")
	dgst := f.addImage(t, "latest", "layer")

	client, stop := startUpstream(t, f, remote.PolicyImmediate)
	defer stop()

	env := newSyncEnv()
	repo := env.engine.GetOrCreate("cache/library/app", repository.TypeSync)

	m, err := env.sync.SyncImage(context.Background(), repo, client, "latest")
	require.NoError(t, err)
	require.Equal(t, dgst, m.Digest)

	got, err := repo.Latest().LookupTag("latest")
	require.NoError(t, err)
	require.Equal(t, dgst, got.Digest)
}

func TestSyncImageByDigestDoesNotTag(t *testing.T) {
	f := newFakeUpstream("library/app")
	dgst := f.addImage(t, "latest", "layer")

	client, stop := startUpstream(t, f, remote.PolicyImmediate)
	defer stop()

	env := newSyncEnv()
	repo := env.engine.GetOrCreate("cache/library/app", repository.TypeSync)

	m, err := env.sync.SyncImage(context.Background(), repo, client, dgst.String())
	require.NoError(t, err)
	require.Equal(t, dgst, m.Digest)

	v := repo.Latest()
	require.Empty(t, v.TagNames())
	require.True(t, v.Contains(m.Unit()))
}

func TestSyncImageUnknownReference(t *testing.T) {
	f := newFakeUpstream("library/app")

	client, stop := startUpstream(t, f, remote.PolicyImmediate)
	defer stop()

	env := newSyncEnv()
	repo := env.engine.GetOrCreate("cache/library/app", repository.TypeSync)

	_, err := env.sync.SyncImage(context.Background(), repo, client, "missing")
	var notFound remote.ErrUpstreamNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestSyncReusesLocalBlobs(t *testing.T) {
	f := newFakeUpstream("library/app")
	f.addImage(t, "latest", "layer")

	client, stop := startUpstream(t, f, remote.PolicyImmediate)
	defer stop()

	env := newSyncEnv()
	repo := env.engine.GetOrCreate("library/app", repository.TypeSync)

	require.NoError(t, env.sync.Sync(context.Background(), repo, client, Options{}))
	first := f.blobRequests

	// A second sync finds everything local.
	require.NoError(t, env.sync.Sync(context.Background(), repo, client, Options{}))
	require.Equal(t, first, f.blobRequests)
}

func TestSyncUnchangedTagSkipsManifestDownload(t *testing.T) {
	f := newFakeUpstream("library/app")
	f.addImage(t, "latest", "layer")

	client, stop := startUpstream(t, f, remote.PolicyImmediate)
	defer stop()

	env := newSyncEnv()
	repo := env.engine.GetOrCreate("library/app", repository.TypeSync)

	require.NoError(t, env.sync.Sync(context.Background(), repo, client, Options{}))
	first := f.manifestRequests
	require.Positive(t, first)

	// The upstream digest is unchanged, so a re-sync resolves the tag with
	// a HEAD and never downloads the manifest again.
	require.NoError(t, env.sync.Sync(context.Background(), repo, client, Options{}))
	require.Equal(t, first, f.manifestRequests)
}
