package content

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/docker/libtrust"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"

	"github.com/stevedore-project/stevedore/manifest/schema1"
	"github.com/stevedore-project/stevedore/storage"
	"github.com/stevedore-project/stevedore/storage/driver/inmemory"
)

func testGraph(t *testing.T, opts ValidationOptions) (*Graph, *storage.ObjectStore) {
	t.Helper()
	store := storage.NewObjectStore(inmemory.New())
	return NewGraph(store, opts), store
}

// putBlob stores payload and registers it as a blob row.
func putBlob(t *testing.T, g *Graph, store *storage.ObjectStore, mediaType string, payload []byte) v1.Descriptor {
	t.Helper()
	ctx := context.Background()
	desc, err := store.PutBytes(ctx, mediaType, payload)
	require.NoError(t, err)
	desc.MediaType = mediaType
	_, err = g.AddBlob(ctx, desc)
	require.NoError(t, err)
	return desc
}

// buildImageManifest returns an OCI image manifest payload referencing the
// given config and layers.
func buildImageManifest(t *testing.T, config v1.Descriptor, layers ...v1.Descriptor) []byte {
	t.Helper()
	m := map[string]interface{}{
		"schemaVersion": 2,
		"mediaType":     v1.MediaTypeImageManifest,
		"config":        config,
		"layers":        layers,
	}
	p, err := json.Marshal(m)
	require.NoError(t, err)
	return p
}

func configPayload(t *testing.T, labels map[string]string) []byte {
	t.Helper()
	p, err := json.Marshal(map[string]interface{}{
		"architecture": "amd64",
		"os":           "linux",
		"config":       map[string]interface{}{"Labels": labels},
	})
	require.NoError(t, err)
	return p
}

func TestPutManifestRoundtrip(t *testing.T) {
	ctx := context.Background()
	g, store := testGraph(t, ValidationOptions{})

	config := putBlob(t, g, store, v1.MediaTypeImageConfig, configPayload(t, nil))
	layer := putBlob(t, g, store, v1.MediaTypeImageLayerGzip, []byte("layer bytes"))
	payload := buildImageManifest(t, config, layer)

	m, err := g.PutManifest(ctx, payload, v1.MediaTypeImageManifest, true)
	require.NoError(t, err)
	require.Equal(t, digest.FromBytes(payload), m.Digest)
	require.Equal(t, v1.MediaTypeImageManifest, m.MediaType)
	require.Equal(t, config.Digest, m.Config.Digest)
	require.Len(t, m.Layers, 1)

	stored, mediaType, err := g.ManifestPayload(ctx, m.Digest)
	require.NoError(t, err)
	require.Equal(t, payload, stored)
	require.Equal(t, v1.MediaTypeImageManifest, mediaType)
}

func TestPutManifestMissingLayer(t *testing.T) {
	ctx := context.Background()
	g, store := testGraph(t, ValidationOptions{})

	config := putBlob(t, g, store, v1.MediaTypeImageConfig, configPayload(t, nil))
	missing := v1.Descriptor{
		MediaType: v1.MediaTypeImageLayerGzip,
		Digest:    digest.FromString("never uploaded"),
		Size:      14,
	}
	payload := buildImageManifest(t, config, missing)

	_, err := g.PutManifest(ctx, payload, v1.MediaTypeImageManifest, true)
	var blobErr ErrManifestBlobUnknown
	require.ErrorAs(t, err, &blobErr)
	require.Equal(t, missing.Digest, blobErr.Digest)

	// Sync ingest tolerates out-of-order arrival.
	_, err = g.PutManifest(ctx, payload, v1.MediaTypeImageManifest, false)
	require.NoError(t, err)
}

func TestPutManifestRejectsUnknownConfigType(t *testing.T) {
	ctx := context.Background()
	g, store := testGraph(t, ValidationOptions{})

	config := putBlob(t, g, store, "application/x-unknown-config", []byte("{}"))
	layer := putBlob(t, g, store, v1.MediaTypeImageLayerGzip, []byte("layer"))
	payload := buildImageManifest(t, config, layer)

	_, err := g.PutManifest(ctx, payload, v1.MediaTypeImageManifest, true)
	var mtErr MediaTypeError
	require.ErrorAs(t, err, &mtErr)
	require.Equal(t, "config", mtErr.Role)
}

func TestPutManifestRejectsUnknownLayerType(t *testing.T) {
	ctx := context.Background()
	g, store := testGraph(t, ValidationOptions{})

	config := putBlob(t, g, store, v1.MediaTypeImageConfig, configPayload(t, nil))
	layer := putBlob(t, g, store, "application/x-strange-layer", []byte("layer"))
	payload := buildImageManifest(t, config, layer)

	_, err := g.PutManifest(ctx, payload, v1.MediaTypeImageManifest, true)
	var mtErr MediaTypeError
	require.ErrorAs(t, err, &mtErr)
	require.Equal(t, "layer", mtErr.Role)
}

func TestRelaxedLayerChecks(t *testing.T) {
	ctx := context.Background()
	g, store := testGraph(t, ValidationOptions{RelaxedLayerChecks: true})

	config := putBlob(t, g, store, v1.MediaTypeImageConfig, configPayload(t, nil))
	layer := putBlob(t, g, store, "application/x-strange-layer", []byte("layer"))
	payload := buildImageManifest(t, config, layer)

	_, err := g.PutManifest(ctx, payload, v1.MediaTypeImageManifest, true)
	require.NoError(t, err)
}

func TestAdditionalArtifactTypes(t *testing.T) {
	ctx := context.Background()
	g, store := testGraph(t, ValidationOptions{
		AdditionalArtifactTypes: map[string][]string{
			"application/x-model-config": nil,
		},
	})

	config := putBlob(t, g, store, "application/x-model-config", []byte("{}"))
	layer := putBlob(t, g, store, "application/x-model-weights", []byte("weights"))
	payload := buildImageManifest(t, config, layer)

	_, err := g.PutManifest(ctx, payload, v1.MediaTypeImageManifest, true)
	require.NoError(t, err)
}

func TestPayloadSizeLimit(t *testing.T) {
	ctx := context.Background()
	g, _ := testGraph(t, ValidationOptions{PayloadMaxBytes: 16})

	payload := buildImageManifest(t, v1.Descriptor{MediaType: v1.MediaTypeImageConfig})
	_, err := g.PutManifest(ctx, payload, v1.MediaTypeImageManifest, true)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestConfigLabelsAnnotateManifest(t *testing.T) {
	ctx := context.Background()
	g, store := testGraph(t, ValidationOptions{})

	config := putBlob(t, g, store, v1.MediaTypeImageConfig, configPayload(t, map[string]string{
		LabelBootc:      "1",
		LabelFlatpakRef: "app/org.example.App/x86_64/stable",
		"custom":        "value",
	}))
	layer := putBlob(t, g, store, v1.MediaTypeImageLayerGzip, []byte("layer"))
	payload := buildImageManifest(t, config, layer)

	m, err := g.PutManifest(ctx, payload, v1.MediaTypeImageManifest, true)
	require.NoError(t, err)
	require.True(t, m.IsBootable)
	require.True(t, m.IsFlatpak)
	require.Equal(t, "value", m.Labels["custom"])
}

// signedSchema1Payload builds a libtrust-signed schema 1 manifest.
func signedSchema1Payload(t *testing.T) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"schemaVersion": 1,
		"name":          "library/app",
		"tag":           "latest",
		"architecture":  "amd64",
		"fsLayers": []map[string]string{
			{"blobSum": digest.FromString("schema1 layer").String()},
		},
		"history": []map[string]string{
			{"v1Compatibility": "{}"},
		},
	})
	require.NoError(t, err)

	js, err := libtrust.NewJSONSignature(payload)
	require.NoError(t, err)
	key, err := libtrust.GenerateECP256PrivateKey()
	require.NoError(t, err)
	require.NoError(t, js.Sign(key))

	signed, err := js.PrettySignature("signatures")
	require.NoError(t, err)
	return signed
}

func TestPutManifestSignedSchema1(t *testing.T) {
	ctx := context.Background()
	g, _ := testGraph(t, ValidationOptions{})

	signed := signedSchema1Payload(t)

	var sm schema1.SignedManifest
	require.NoError(t, sm.UnmarshalJSON(signed))
	canonical := digest.FromBytes(sm.Canonical)

	// Push paths refuse schema 1 outright.
	_, err := g.PutManifest(ctx, signed, schema1.MediaTypeSignedManifest, true)
	require.ErrorIs(t, err, ErrSchema1Unsupported)

	// Sync ingest identifies the manifest by its canonical form while the
	// stored payload keeps the signature envelope.
	m, err := g.PutManifest(ctx, signed, schema1.MediaTypeSignedManifest, false)
	require.NoError(t, err)
	require.Equal(t, canonical, m.Digest)
	require.Equal(t, 1, m.SchemaVersion)
	require.Len(t, m.Layers, 1)

	payload, mediaType, err := g.ManifestPayload(ctx, m.Digest)
	require.NoError(t, err)
	require.Equal(t, signed, payload)
	require.Equal(t, schema1.MediaTypeSignedManifest, mediaType)
}

func TestTagRequiresKnownManifest(t *testing.T) {
	ctx := context.Background()
	g, store := testGraph(t, ValidationOptions{})

	_, err := g.Tag("latest", digest.FromString("unknown"))
	require.Error(t, err)

	config := putBlob(t, g, store, v1.MediaTypeImageConfig, configPayload(t, nil))
	layer := putBlob(t, g, store, v1.MediaTypeImageLayerGzip, []byte("layer"))
	m, err := g.PutManifest(ctx, buildImageManifest(t, config, layer), v1.MediaTypeImageManifest, true)
	require.NoError(t, err)

	tag, err := g.Tag("latest", m.Digest)
	require.NoError(t, err)
	require.Equal(t, "latest@"+m.Digest.String(), tag.Unit().Key)
}

func TestSignatures(t *testing.T) {
	ctx := context.Background()
	g, store := testGraph(t, ValidationOptions{})

	config := putBlob(t, g, store, v1.MediaTypeImageConfig, configPayload(t, nil))
	layer := putBlob(t, g, store, v1.MediaTypeImageLayerGzip, []byte("layer"))
	m, err := g.PutManifest(ctx, buildImageManifest(t, config, layer), v1.MediaTypeImageManifest, true)
	require.NoError(t, err)

	sig, err := g.AddSignature(ctx, &Signature{
		Type:           SignatureTypeAtomic,
		SignedManifest: m.Digest,
		Data:           []byte("signature bytes"),
	})
	require.NoError(t, err)
	require.NotEmpty(t, sig.Name)
	require.Equal(t, digest.FromString("signature bytes"), sig.Digest)

	sigs := g.SignaturesFor(m.Digest)
	require.Len(t, sigs, 1)
	require.Equal(t, sig.Name, sigs[0].Name)

	// Re-adding is a no-op.
	again, err := g.AddSignature(ctx, &Signature{
		Type:           SignatureTypeAtomic,
		SignedManifest: m.Digest,
		Data:           []byte("signature bytes"),
	})
	require.NoError(t, err)
	require.Equal(t, sig.Name, again.Name)
	require.Len(t, g.SignaturesFor(m.Digest), 1)
}
