// Package mirror synchronizes repositories from upstream registries: full
// repository syncs driven by tag filters, and single-image syncs backing
// pull-through distributions.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"

	"github.com/stevedore-project/stevedore/content"
	"github.com/stevedore-project/stevedore/internal/dcontext"
	"github.com/stevedore-project/stevedore/remote"
	"github.com/stevedore-project/stevedore/repository"
)

// maxConcurrentTags bounds how many tags a sync run downloads at once.
const maxConcurrentTags = 4

// cosignTagSuffixes are the suffixes of cosign's tag-addressed artifacts,
// probed for every synced manifest.
var cosignTagSuffixes = []string{".sig", ".att", ".sbom"}

// Options control one sync run.
type Options struct {
	// Mirror makes the repository converge on exactly the upstream's
	// filtered content, removing anything local the upstream no longer
	// has. Without it the sync is additive.
	Mirror bool

	// SignedOnly skips images for which no signature can be discovered.
	SignedOnly bool
}

// Synchronizer pulls content from remotes into repositories.
type Synchronizer struct {
	graph  *content.Graph
	engine *repository.Engine
}

// New creates a Synchronizer over the given graph and engine.
func New(graph *content.Graph, engine *repository.Engine) *Synchronizer {
	return &Synchronizer{graph: graph, engine: engine}
}

// Sync performs one full repository sync from the remote behind client,
// publishing a new repository version when anything changed.
func (s *Synchronizer) Sync(ctx context.Context, repo *repository.Repository, client *remote.Client, opts Options) error {
	log := dcontext.GetLoggerWithField(ctx, "repository", repo.Name)

	tags, err := client.Tags(ctx)
	if err != nil {
		return fmt.Errorf("listing upstream tags: %w", err)
	}

	rmt := client.Remote()
	wanted := make([]string, 0, len(tags))
	for _, tag := range tags {
		if rmt.AcceptsTag(tag) {
			wanted = append(wanted, tag)
		}
	}
	log.Infof("syncing %d of %d upstream tag(s) from %s", len(wanted), len(tags), rmt.Name)

	var mu sync.Mutex
	var units []content.Unit

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentTags)
	for _, tag := range wanted {
		tag := tag
		g.Go(func() error {
			tagUnits, err := s.syncTag(gctx, client, tag, opts)
			if err != nil {
				return fmt.Errorf("tag %q: %w", tag, err)
			}
			mu.Lock()
			units = append(units, tagUnits...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var version *repository.Version
	if opts.Mirror {
		version, err = repo.ReplaceContent(ctx, units)
	} else {
		version, err = repo.RecursiveAdd(ctx, units)
	}
	if err != nil {
		return err
	}

	log.Infof("sync finished at version %d with %d unit(s)", version.Number, version.Len())
	return nil
}

// SyncImage caches a single image, addressed by tag or digest, into the
// repository. It backs pull-through distributions: the first client pull of
// a reference triggers it. The returned manifest is the cached image.
func (s *Synchronizer) SyncImage(ctx context.Context, repo *repository.Repository, client *remote.Client, ref string) (*content.Manifest, error) {
	m, err := s.fetchManifest(ctx, client, ref, client.Remote().Policy)
	if err != nil {
		return nil, err
	}

	units := []content.Unit{m.Unit()}
	if _, err := digest.Parse(ref); err != nil {
		// Tag reference: record the tag unit too.
		t, err := s.graph.Tag(ref, m.Digest)
		if err != nil {
			return nil, err
		}
		units = append(units, t.Unit())
	}

	sigUnits, _ := s.discoverSignatures(ctx, client, m.Digest)
	units = append(units, sigUnits...)

	if _, err := repo.RecursiveAdd(ctx, units); err != nil {
		return nil, err
	}
	return m, nil
}

// syncTag downloads one tag and everything it references, returning the
// units to publish.
func (s *Synchronizer) syncTag(ctx context.Context, client *remote.Client, tag string, opts Options) ([]content.Unit, error) {
	m, err := s.fetchManifest(ctx, client, tag, client.Remote().Policy)
	if err != nil {
		return nil, err
	}

	sigUnits, err := s.discoverSignatures(ctx, client, m.Digest)
	if err != nil {
		return nil, err
	}
	if opts.SignedOnly && len(sigUnits) == 0 {
		dcontext.GetLogger(ctx).Warnf("skipping unsigned tag %q (%s)", tag, m.Digest)
		return nil, nil
	}

	t, err := s.graph.Tag(tag, m.Digest)
	if err != nil {
		return nil, err
	}

	units := append([]content.Unit{t.Unit(), m.Unit()}, sigUnits...)
	return units, nil
}

// fetchManifest downloads a manifest by reference and, recursively, the
// content it needs: child manifests of a list, the config blob always, and
// layer blobs when the policy is immediate.
func (s *Synchronizer) fetchManifest(ctx context.Context, client *remote.Client, ref string, policy remote.Policy) (*content.Manifest, error) {
	if dgst, err := digest.Parse(ref); err == nil {
		if m, ok := s.graph.GetManifest(dgst); ok {
			return m, nil
		}
	} else if dgst, err := client.HeadManifest(ctx, ref); err == nil {
		// Tag reference: the HEAD response names the digest, so a manifest
		// already local needs no re-download.
		if m, ok := s.graph.GetManifest(dgst); ok {
			return m, nil
		}
	}

	payload, mediaType, _, err := client.GetManifest(ctx, ref)
	if err != nil {
		return nil, err
	}

	m, err := s.graph.PutManifest(ctx, payload, mediaType, false)
	if err != nil {
		return nil, err
	}

	for _, child := range m.Listed {
		if _, err := s.fetchManifest(ctx, client, child.Digest.String(), policy); err != nil {
			return nil, fmt.Errorf("child manifest %s: %w", child.Digest, err)
		}
	}

	if m.Config.Digest != "" {
		if err := s.fetchBlob(ctx, client, m.Config); err != nil {
			return nil, fmt.Errorf("config blob %s: %w", m.Config.Digest, err)
		}
		// The config was not yet local when the row was built; redo the
		// characteristic extraction now that it is.
		s.graph.AnnotateManifest(ctx, m)
	}

	if policy == remote.PolicyImmediate {
		for _, layer := range m.Layers {
			if layer.MediaType == content.MediaTypeDockerForeignLayer {
				continue
			}
			if err := s.fetchBlob(ctx, client, layer); err != nil {
				return nil, fmt.Errorf("layer blob %s: %w", layer.Digest, err)
			}
		}
	}

	return m, nil
}

// fetchBlob downloads one blob into the store unless it is already present.
func (s *Synchronizer) fetchBlob(ctx context.Context, client *remote.Client, desc v1.Descriptor) error {
	if _, ok := s.graph.GetBlob(desc.Digest); ok {
		return nil
	}
	if _, err := s.graph.Store().Stat(ctx, desc.Digest); err == nil {
		_, err := s.graph.AddBlob(ctx, desc)
		return err
	}

	rc, _, err := client.OpenBlob(ctx, desc.Digest)
	if err != nil {
		return err
	}
	defer rc.Close()

	stored, err := s.graph.Store().Put(ctx, desc.MediaType, rc)
	if err != nil {
		return err
	}
	if stored.Digest != desc.Digest {
		return fmt.Errorf("upstream blob %s hashed to %s", desc.Digest, stored.Digest)
	}

	_, err = s.graph.AddBlob(ctx, desc)
	return err
}

// discoverSignatures collects signatures for a manifest from every source
// the remote offers: the signature extension API, a lookaside sigstore, and
// cosign tag-addressed artifacts.
func (s *Synchronizer) discoverSignatures(ctx context.Context, client *remote.Client, dgst digest.Digest) ([]content.Unit, error) {
	var units []content.Unit

	extSigs, err := client.ExtensionSignatures(ctx, dgst)
	if err != nil {
		dcontext.GetLogger(ctx).Warnf("signature extension lookup for %s failed: %v", dgst, err)
	}
	for _, es := range extSigs {
		sig := &content.Signature{
			Name:           es.Name,
			Type:           content.SignatureTypeAtomic,
			SignedManifest: dgst,
			Data:           es.Content,
		}
		row, err := s.graph.AddSignature(ctx, sig)
		if err != nil {
			return nil, err
		}
		units = append(units, row.Unit())
	}

	blobs, err := client.SigstoreSignatures(ctx, dgst)
	if err != nil {
		dcontext.GetLogger(ctx).Warnf("sigstore lookup for %s failed: %v", dgst, err)
	}
	for _, raw := range blobs {
		sig := &content.Signature{
			Type:           content.SignatureTypeAtomic,
			SignedManifest: dgst,
			Data:           raw,
		}
		row, err := s.graph.AddSignature(ctx, sig)
		if err != nil {
			return nil, err
		}
		units = append(units, row.Unit())
	}

	cosignUnits, err := s.discoverCosign(ctx, client, dgst)
	if err != nil {
		return nil, err
	}
	units = append(units, cosignUnits...)

	return units, nil
}

// discoverCosign probes the cosign tag convention (sha256-<hex>.sig and
// friends) for a manifest and syncs whatever exists.
func (s *Synchronizer) discoverCosign(ctx context.Context, client *remote.Client, dgst digest.Digest) ([]content.Unit, error) {
	var units []content.Unit
	base := strings.Replace(dgst.String(), ":", "-", 1)

	for _, suffix := range cosignTagSuffixes {
		tag := base + suffix
		if _, err := client.HeadManifest(ctx, tag); err != nil {
			var notFound remote.ErrUpstreamNotFound
			if errors.As(err, &notFound) {
				continue
			}
			return nil, err
		}

		m, err := s.fetchManifest(ctx, client, tag, remote.PolicyImmediate)
		if err != nil {
			return nil, err
		}
		t, err := s.graph.Tag(tag, m.Digest)
		if err != nil {
			return nil, err
		}
		units = append(units, t.Unit(), m.Unit())
	}

	return units, nil
}
