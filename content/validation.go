package content

import (
	"errors"
	"fmt"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/stevedore-project/stevedore/manifest"
	"github.com/stevedore-project/stevedore/manifest/manifestlist"
	"github.com/stevedore-project/stevedore/manifest/ocischema"
	"github.com/stevedore-project/stevedore/manifest/schema1"
	"github.com/stevedore-project/stevedore/manifest/schema2"
)

// defaultPayloadMaxBytes caps manifest payload sizes. Manifests are metadata;
// anything larger is either abuse or a client bug.
const defaultPayloadMaxBytes = 4 * 1024 * 1024

var (
	// ErrPayloadTooLarge is returned for manifest payloads over the
	// configured ceiling.
	ErrPayloadTooLarge = errors.New("manifest payload exceeds size limit")

	// ErrSchema1Unsupported is returned when a client pushes a schema 1
	// manifest. Schema 1 is ingest-only from upstreams and never accepted
	// on push.
	ErrSchema1Unsupported = errors.New("schema 1 manifests are not accepted")
)

// MediaTypeError reports a config or layer media type outside the allow-list
// for the enclosing manifest's media type.
type MediaTypeError struct {
	ManifestType string
	Role         string // "config" or "layer"
	MediaType    string
}

func (e MediaTypeError) Error() string {
	return fmt.Sprintf("media type %q is not allowed as a %s of %q", e.MediaType, e.Role, e.ManifestType)
}

// ValidationOptions control manifest ingest policy.
type ValidationOptions struct {
	// PayloadMaxBytes caps manifest payload size. Zero means the default.
	PayloadMaxBytes int64

	// RelaxedLayerChecks disables the layer media type allow-list, keeping
	// only the config type check. Needed for artifact ecosystems that mint
	// novel layer types faster than allow-lists can track.
	RelaxedLayerChecks bool

	// AdditionalArtifactTypes extends the OCI allow-list: each key is an
	// accepted config media type, mapped to the layer media types permitted
	// alongside it. An empty layer list permits any layer type for that
	// config type.
	AdditionalArtifactTypes map[string][]string
}

func (o ValidationOptions) payloadMax() int64 {
	if o.PayloadMaxBytes > 0 {
		return o.PayloadMaxBytes
	}
	return defaultPayloadMaxBytes
}

// ValidateManifest parses and validates a manifest payload, returning the
// parsed form and its canonical descriptor. The descriptor digest is the
// content identity the payload will be stored under.
func ValidateManifest(payload []byte, mediaType string, opts ValidationOptions) (manifest.Manifest, v1.Descriptor, error) {
	if int64(len(payload)) > opts.payloadMax() {
		return nil, v1.Descriptor{}, ErrPayloadTooLarge
	}

	m, desc, err := manifest.Unmarshal(mediaType, payload)
	if err != nil {
		return nil, v1.Descriptor{}, err
	}

	if err := checkArtifactTypes(m, desc.MediaType, opts); err != nil {
		return nil, v1.Descriptor{}, err
	}

	return m, desc, nil
}

func checkArtifactTypes(m manifest.Manifest, mediaType string, opts ValidationOptions) error {
	allowed, ok := allowedArtifacts[mediaType]
	if !ok {
		// Manifest lists, indexes and schema 1 reference no config or
		// layers directly.
		return nil
	}

	var config v1.Descriptor
	var layers []v1.Descriptor
	switch mt := m.(type) {
	case *schema2.DeserializedManifest:
		config = mt.Config
		layers = mt.Layers
	case *ocischema.DeserializedManifest:
		config = mt.Config
		layers = mt.Layers
	default:
		return nil
	}

	extraLayers, configAllowed := opts.AdditionalArtifactTypes[config.MediaType]
	if !allowed.configTypes.has(config.MediaType) && !configAllowed {
		return MediaTypeError{ManifestType: mediaType, Role: "config", MediaType: config.MediaType}
	}

	if opts.RelaxedLayerChecks {
		return nil
	}
	if configAllowed && len(extraLayers) == 0 {
		return nil
	}

	extra := makeTypeSet(extraLayers...)
	for _, layer := range layers {
		if !allowed.layerTypes.has(layer.MediaType) && !extra.has(layer.MediaType) {
			return MediaTypeError{ManifestType: mediaType, Role: "layer", MediaType: layer.MediaType}
		}
	}

	return nil
}

// manifestRow converts a parsed manifest into its graph row.
func manifestRow(m manifest.Manifest, desc v1.Descriptor) *Manifest {
	row := &Manifest{
		Digest:    desc.Digest,
		MediaType: desc.MediaType,
		Size:      desc.Size,
	}

	switch mt := m.(type) {
	case *schema2.DeserializedManifest:
		row.SchemaVersion = 2
		row.Config = mt.Config
		row.Layers = append([]v1.Descriptor(nil), mt.Layers...)
	case *ocischema.DeserializedManifest:
		row.SchemaVersion = 2
		row.Config = mt.Config
		row.Layers = append([]v1.Descriptor(nil), mt.Layers...)
		row.Annotations = mt.Annotations
	case *manifestlist.DeserializedManifestList:
		row.SchemaVersion = 2
		row.Listed = mt.References()
	case *ocischema.DeserializedImageIndex:
		row.SchemaVersion = 2
		row.Listed = mt.References()
		row.Annotations = mt.Annotations
	case *schema1.SignedManifest:
		row.SchemaVersion = 1
		row.Layers = mt.References()
	}

	return row
}
