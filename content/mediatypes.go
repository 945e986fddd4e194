package content

import v1 "github.com/opencontainers/image-spec/specs-go/v1"

// Docker media types not covered by the OCI image-spec module.
const (
	mediaTypeManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"

	MediaTypeDockerConfig       = "application/vnd.docker.container.image.v1+json"
	MediaTypeDockerLayer        = "application/vnd.docker.image.rootfs.diff.tar.gzip"
	MediaTypeDockerForeignLayer = "application/vnd.docker.image.rootfs.foreign.diff.tar.gzip"
	MediaTypeDockerLayerTar     = "application/vnd.docker.image.rootfs.diff.tar"
)

// Artifact media types accepted in OCI manifests out of the box. Operators
// extend the set through configuration.
const (
	MediaTypeHelmConfig = "application/vnd.cncf.helm.config.v1+json"
	MediaTypeHelmChart  = "application/vnd.cncf.helm.chart.content.v1.tar+gzip"

	MediaTypeCosignConfig        = "application/vnd.dev.cosign.artifact.sig.v1+json"
	MediaTypeCosignSimpleSigning = "application/vnd.dev.cosign.simplesigning.v1+json"
	MediaTypeCosignAttestation   = "application/vnd.dsse.envelope.v1+json"
	MediaTypeInTotoPayload       = "application/vnd.in-toto+json"
)

// Labels with registry-visible semantics.
const (
	LabelFlatpakRef     = "org.flatpak.ref"
	LabelFlatpakRuntime = "org.flatpak.runtime"
	LabelBootc          = "containers.bootc"
)

// nondistributable layer media types, deprecated by the OCI image spec but
// still emitted by older build tooling.
const (
	mediaTypeOCILayerNonDist     = "application/vnd.oci.image.layer.nondistributable.v1.tar"
	mediaTypeOCILayerNonDistGzip = "application/vnd.oci.image.layer.nondistributable.v1.tar+gzip"
	mediaTypeOCILayerNonDistZstd = "application/vnd.oci.image.layer.nondistributable.v1.tar+zstd"
)

type typeSet map[string]struct{}

func (s typeSet) has(mt string) bool {
	_, ok := s[mt]
	return ok
}

func makeTypeSet(types ...string) typeSet {
	s := make(typeSet, len(types))
	for _, t := range types {
		s[t] = struct{}{}
	}
	return s
}

// allowedArtifact describes the acceptable config/layer media type pairs for
// one manifest media type.
type allowedArtifact struct {
	configTypes typeSet
	layerTypes  typeSet
}

var allowedArtifacts = map[string]allowedArtifact{
	"application/vnd.docker.distribution.manifest.v2+json": {
		configTypes: makeTypeSet(MediaTypeDockerConfig),
		layerTypes: makeTypeSet(
			MediaTypeDockerLayer,
			MediaTypeDockerForeignLayer,
			MediaTypeDockerLayerTar,
		),
	},
	v1.MediaTypeImageManifest: {
		configTypes: makeTypeSet(
			v1.MediaTypeImageConfig,
			MediaTypeHelmConfig,
			MediaTypeCosignConfig,
		),
		layerTypes: makeTypeSet(
			v1.MediaTypeImageLayer,
			v1.MediaTypeImageLayerGzip,
			v1.MediaTypeImageLayerZstd,
			mediaTypeOCILayerNonDist,
			mediaTypeOCILayerNonDistGzip,
			mediaTypeOCILayerNonDistZstd,
			MediaTypeHelmChart,
			MediaTypeCosignSimpleSigning,
			MediaTypeCosignAttestation,
			MediaTypeInTotoPayload,
		),
	},
}
