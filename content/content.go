// Package content models the content graph: every unit of registry content
// (blobs, manifests, tags, signatures) as immutable, deduplicated rows keyed
// by identity, with typed references between them.
package content

import (
	"fmt"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Kind discriminates the content unit types.
type Kind string

const (
	KindBlob      Kind = "blob"
	KindManifest  Kind = "manifest"
	KindTag       Kind = "tag"
	KindSignature Kind = "signature"
)

// Unit is the identity of a content unit. Two units with equal Kind and Key
// are the same row; repository versions are sets of Units.
type Unit struct {
	Kind Kind
	Key  string
}

func (u Unit) String() string {
	return string(u.Kind) + ":" + u.Key
}

// Blob is a stored byte sequence referenced by manifests, either as an image
// layer or as a config object.
type Blob struct {
	Digest    digest.Digest
	Size      int64
	MediaType string
}

// Unit returns the Blob's identity.
func (b *Blob) Unit() Unit {
	return Unit{Kind: KindBlob, Key: b.Digest.String()}
}

// Descriptor returns the blob as an OCI descriptor.
func (b *Blob) Descriptor() v1.Descriptor {
	return v1.Descriptor{MediaType: b.MediaType, Digest: b.Digest, Size: b.Size}
}

// Manifest is a parsed, validated image manifest or manifest list. The raw
// payload lives in the object store under Digest; this row carries the
// extracted references and characteristics.
type Manifest struct {
	Digest        digest.Digest
	SchemaVersion int
	MediaType     string
	Size          int64

	// PayloadDigest locates the stored bytes when they differ from the
	// identity digest: a signed schema 1 manifest hashes its
	// signature-stripped canonical form but is stored intact. Zero when the
	// two coincide.
	PayloadDigest digest.Digest

	// Config is the config blob descriptor. Zero for manifest lists and
	// schema 1 manifests.
	Config v1.Descriptor

	// Layers are the blob references of an image manifest, in order.
	Layers []v1.Descriptor

	// Listed are the child manifests of a manifest list or image index.
	Listed []v1.Descriptor

	// Annotations are the manifest's own annotations (OCI only).
	Annotations map[string]string

	// Labels are the labels extracted from the config blob.
	Labels map[string]string

	// IsBootable marks bootc-style bootable container images.
	IsBootable bool

	// IsFlatpak marks flatpak application or runtime images.
	IsFlatpak bool
}

// Unit returns the Manifest's identity.
func (m *Manifest) Unit() Unit {
	return Unit{Kind: KindManifest, Key: m.Digest.String()}
}

// Descriptor returns the manifest as an OCI descriptor.
func (m *Manifest) Descriptor() v1.Descriptor {
	return v1.Descriptor{MediaType: m.MediaType, Digest: m.Digest, Size: m.Size}
}

// IsList reports whether the manifest references other manifests rather than
// layers.
func (m *Manifest) IsList() bool {
	return len(m.Listed) > 0 || m.MediaType == mediaTypeManifestList || m.MediaType == v1.MediaTypeImageIndex
}

// IsCosign reports whether the manifest carries a cosign signature,
// attestation or SBOM payload rather than a runnable image.
func (m *Manifest) IsCosign() bool {
	for _, layer := range m.Layers {
		switch layer.MediaType {
		case MediaTypeCosignSimpleSigning, MediaTypeCosignAttestation:
			return true
		}
	}
	return false
}

// IsHelm reports whether the manifest packages a Helm chart.
func (m *Manifest) IsHelm() bool {
	return m.Config.MediaType == MediaTypeHelmConfig
}

// Tag is a named pointer at a manifest. Its identity includes the target, so
// retagging produces a new unit rather than mutating an old one.
type Tag struct {
	Name     string
	Manifest digest.Digest
}

// Unit returns the Tag's identity.
func (t *Tag) Unit() Unit {
	return Unit{Kind: KindTag, Key: t.Name + "@" + t.Manifest.String()}
}

// SignatureType enumerates the supported signature flavors.
type SignatureType string

const (
	// SignatureTypeAtomic is the "atomic" simple-signing JSON format
	// produced by skopeo and podman.
	SignatureTypeAtomic SignatureType = "atomic"
)

// Signature is a detached image signature bound to a manifest.
type Signature struct {
	// Name is "<manifest digest>@<signature hex>", unique per signature.
	Name string

	// Digest is the digest of the signature blob itself.
	Digest digest.Digest

	// Type is the signature payload format.
	Type SignatureType

	// KeyID is the fingerprint of the signing key, when known.
	KeyID string

	// SignedManifest is the digest of the manifest the signature covers.
	SignedManifest digest.Digest

	// Data is the raw signature blob.
	Data []byte
}

// Unit returns the Signature's identity.
func (s *Signature) Unit() Unit {
	return Unit{Kind: KindSignature, Key: s.Name}
}

// SignatureName builds the canonical signature name from the signed manifest
// digest and the digest of the signature blob.
func SignatureName(signedManifest, sigDigest digest.Digest) string {
	return fmt.Sprintf("%s@%s", signedManifest, sigDigest.Encoded()[:32])
}
