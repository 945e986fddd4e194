package content

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/stevedore-project/stevedore/internal/dcontext"
	"github.com/stevedore-project/stevedore/storage"
)

// ErrManifestBlobUnknown reports a manifest reference that is not present in
// the store at validation time.
type ErrManifestBlobUnknown struct {
	Digest digest.Digest
}

func (e ErrManifestBlobUnknown) Error() string {
	return fmt.Sprintf("unknown blob %s referenced by manifest", e.Digest)
}

// Graph is the content graph: deduplicated rows for every known blob,
// manifest, tag and signature, with payload bytes delegated to the object
// store. All methods are safe for concurrent use.
type Graph struct {
	store *storage.ObjectStore
	opts  ValidationOptions

	blobs      *xsync.MapOf[digest.Digest, *Blob]
	manifests  *xsync.MapOf[digest.Digest, *Manifest]
	tags       *xsync.MapOf[string, *Tag]
	signatures *xsync.MapOf[string, *Signature]
}

// NewGraph creates an empty Graph over the given object store.
func NewGraph(store *storage.ObjectStore, opts ValidationOptions) *Graph {
	return &Graph{
		store:      store,
		opts:       opts,
		blobs:      xsync.NewMapOf[digest.Digest, *Blob](),
		manifests:  xsync.NewMapOf[digest.Digest, *Manifest](),
		tags:       xsync.NewMapOf[string, *Tag](),
		signatures: xsync.NewMapOf[string, *Signature](),
	}
}

// Store returns the underlying object store.
func (g *Graph) Store() *storage.ObjectStore {
	return g.store
}

// AddBlob records a blob row for content already present in the object
// store. Adding the same digest twice returns the existing row.
func (g *Graph) AddBlob(ctx context.Context, desc v1.Descriptor) (*Blob, error) {
	if _, err := g.store.Stat(ctx, desc.Digest); err != nil {
		return nil, err
	}

	row, _ := g.blobs.LoadOrStore(desc.Digest, &Blob{
		Digest:    desc.Digest,
		Size:      desc.Size,
		MediaType: desc.MediaType,
	})
	return row, nil
}

// GetBlob looks up a blob row by digest.
func (g *Graph) GetBlob(dgst digest.Digest) (*Blob, bool) {
	return g.blobs.Load(dgst)
}

// PutManifest validates a manifest payload, stores its bytes and records its
// row. When requireReferences is set, every referenced blob and child
// manifest must already be known; sync paths relax this because children
// arrive out of order.
func (g *Graph) PutManifest(ctx context.Context, payload []byte, mediaType string, requireReferences bool) (*Manifest, error) {
	m, desc, err := ValidateManifest(payload, mediaType, g.opts)
	if err != nil {
		return nil, err
	}

	if existing, ok := g.manifests.Load(desc.Digest); ok {
		return existing, nil
	}

	row := manifestRow(m, desc)

	// Schema 1 only enters through sync, where references are relaxed.
	if requireReferences {
		if row.SchemaVersion == 1 {
			return nil, ErrSchema1Unsupported
		}
		if err := g.checkReferences(ctx, row); err != nil {
			return nil, err
		}
	}

	if row.Config.Digest != "" {
		g.annotateFromConfig(ctx, row)
	}

	stored, err := g.store.PutBytes(ctx, desc.MediaType, payload)
	if err != nil {
		return nil, err
	}
	switch {
	case stored.Digest == desc.Digest:
	case row.SchemaVersion == 1:
		// Signed schema 1 is identified by its canonical form; the stored
		// payload keeps its signature envelope and its own digest.
		row.PayloadDigest = stored.Digest
	default:
		return nil, fmt.Errorf("stored manifest digest %s does not match computed %s", stored.Digest, desc.Digest)
	}

	row, _ = g.manifests.LoadOrStore(desc.Digest, row)
	return row, nil
}

func (g *Graph) checkReferences(ctx context.Context, row *Manifest) error {
	for _, child := range row.Listed {
		if _, ok := g.manifests.Load(child.Digest); !ok {
			return ErrManifestBlobUnknown{Digest: child.Digest}
		}
	}

	refs := row.Layers
	if row.Config.Digest != "" {
		refs = append([]v1.Descriptor{row.Config}, refs...)
	}
	for _, ref := range refs {
		if ref.MediaType == MediaTypeDockerForeignLayer {
			// Foreign layers are fetched from their upstream URLs, never
			// stored here.
			continue
		}
		if _, ok := g.blobs.Load(ref.Digest); ok {
			continue
		}
		if _, err := g.store.Stat(ctx, ref.Digest); err != nil {
			return ErrManifestBlobUnknown{Digest: ref.Digest}
		}
	}
	return nil
}

// annotateFromConfig extracts labels from the config blob and derives the
// manifest's characteristics from them. A missing or malformed config blob
// degrades to an unannotated manifest rather than failing the put.
func (g *Graph) annotateFromConfig(ctx context.Context, row *Manifest) {
	p, err := g.store.Get(ctx, row.Config.Digest)
	if err != nil {
		dcontext.GetLogger(ctx).Debugf("config blob %s not readable: %v", row.Config.Digest, err)
		return
	}

	var config struct {
		Config struct {
			Labels map[string]string `json:"Labels"`
		} `json:"config"`
	}
	if err := json.Unmarshal(p, &config); err != nil {
		dcontext.GetLogger(ctx).Debugf("config blob %s not parseable: %v", row.Config.Digest, err)
		return
	}

	row.Labels = config.Config.Labels
	if _, ok := row.Labels[LabelBootc]; ok {
		row.IsBootable = true
	}
	if _, ok := row.Labels[LabelFlatpakRef]; ok {
		row.IsFlatpak = true
	}
	if _, ok := row.Labels[LabelFlatpakRuntime]; ok {
		row.IsFlatpak = true
	}
}

// AnnotateManifest re-derives a manifest's labels and characteristics from
// its config blob. Sync paths call it after the config blob lands, since the
// blob may not have been local when the row was first built.
func (g *Graph) AnnotateManifest(ctx context.Context, m *Manifest) {
	if m.Config.Digest == "" || m.Labels != nil {
		return
	}
	g.annotateFromConfig(ctx, m)
}

// GetManifest looks up a manifest row by digest.
func (g *Graph) GetManifest(dgst digest.Digest) (*Manifest, bool) {
	return g.manifests.Load(dgst)
}

// ManifestPayload returns the raw bytes and media type of a stored manifest.
func (g *Graph) ManifestPayload(ctx context.Context, dgst digest.Digest) ([]byte, string, error) {
	row, ok := g.manifests.Load(dgst)
	if !ok {
		return nil, "", storage.ErrBlobUnknown
	}
	stored := dgst
	if row.PayloadDigest != "" {
		stored = row.PayloadDigest
	}
	p, err := g.store.Get(ctx, stored)
	if err != nil {
		return nil, "", err
	}
	return p, row.MediaType, nil
}

// Tag records a tag unit pointing at a manifest. The same (name, digest)
// pair always yields the same row.
func (g *Graph) Tag(name string, dgst digest.Digest) (*Tag, error) {
	if _, ok := g.manifests.Load(dgst); !ok {
		return nil, storage.ErrBlobUnknown
	}
	t := &Tag{Name: name, Manifest: dgst}
	row, _ := g.tags.LoadOrStore(t.Unit().Key, t)
	return row, nil
}

// GetTag looks up a tag row by its unit key ("name@digest").
func (g *Graph) GetTag(key string) (*Tag, bool) {
	return g.tags.Load(key)
}

// AddSignature records a signature row, storing its blob. Re-adding an
// existing signature is a no-op.
func (g *Graph) AddSignature(ctx context.Context, sig *Signature) (*Signature, error) {
	if _, ok := g.manifests.Load(sig.SignedManifest); !ok {
		return nil, storage.ErrBlobUnknown
	}

	desc, err := g.store.PutBytes(ctx, "application/octet-stream", sig.Data)
	if err != nil {
		return nil, err
	}
	sig.Digest = desc.Digest
	if sig.Name == "" {
		sig.Name = SignatureName(sig.SignedManifest, desc.Digest)
	}

	row, _ := g.signatures.LoadOrStore(sig.Unit().Key, sig)
	return row, nil
}

// GetSignature looks up a signature row by its unit key.
func (g *Graph) GetSignature(key string) (*Signature, bool) {
	return g.signatures.Load(key)
}

// SignaturesFor returns all known signatures covering the given manifest,
// ordered by name for stable output.
func (g *Graph) SignaturesFor(dgst digest.Digest) []*Signature {
	var out []*Signature
	g.signatures.Range(func(_ string, sig *Signature) bool {
		if sig.SignedManifest == dgst {
			out = append(out, sig)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Units returns every unit currently recorded in the graph.
func (g *Graph) Units() []Unit {
	var out []Unit
	g.blobs.Range(func(dgst digest.Digest, _ *Blob) bool {
		out = append(out, Unit{Kind: KindBlob, Key: dgst.String()})
		return true
	})
	g.manifests.Range(func(dgst digest.Digest, _ *Manifest) bool {
		out = append(out, Unit{Kind: KindManifest, Key: dgst.String()})
		return true
	})
	g.tags.Range(func(key string, _ *Tag) bool {
		out = append(out, Unit{Kind: KindTag, Key: key})
		return true
	})
	g.signatures.Range(func(key string, _ *Signature) bool {
		out = append(out, Unit{Kind: KindSignature, Key: key})
		return true
	})
	return out
}

// RemoveUnit drops a unit's row from the graph, returning the digest of the
// object-store bytes it owned, or "" when the unit carries no bytes of its
// own (tags, already-removed rows).
func (g *Graph) RemoveUnit(u Unit) digest.Digest {
	switch u.Kind {
	case KindBlob:
		if _, ok := g.blobs.LoadAndDelete(digest.Digest(u.Key)); ok {
			return digest.Digest(u.Key)
		}
	case KindManifest:
		if m, ok := g.manifests.LoadAndDelete(digest.Digest(u.Key)); ok {
			if m.PayloadDigest != "" {
				return m.PayloadDigest
			}
			return digest.Digest(u.Key)
		}
	case KindTag:
		g.tags.LoadAndDelete(u.Key)
	case KindSignature:
		if sig, ok := g.signatures.LoadAndDelete(u.Key); ok {
			return sig.Digest
		}
	}
	return ""
}

// Resolve returns the row behind a unit identity.
func (g *Graph) Resolve(u Unit) (interface{}, bool) {
	switch u.Kind {
	case KindBlob:
		if b, ok := g.blobs.Load(digest.Digest(u.Key)); ok {
			return b, true
		}
	case KindManifest:
		if m, ok := g.manifests.Load(digest.Digest(u.Key)); ok {
			return m, true
		}
	case KindTag:
		if t, ok := g.tags.Load(u.Key); ok {
			return t, true
		}
	case KindSignature:
		if s, ok := g.signatures.Load(u.Key); ok {
			return s, true
		}
	}
	return nil, false
}
