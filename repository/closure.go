package repository

import (
	"context"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/stevedore-project/stevedore/content"
	"github.com/stevedore-project/stevedore/internal/dcontext"
)

// RecursiveAdd publishes a new version containing the latest version's units
// plus the requested units and everything they transitively reference: a tag
// pulls in its manifest, a manifest list its children, a manifest its config
// and layer blobs and any known signatures. Adding a tag displaces any
// existing tag of the same name.
func (r *Repository) RecursiveAdd(ctx context.Context, units []content.Unit) (*Version, error) {
	next := r.Latest().unitSet()

	added := make(map[content.Unit]struct{})
	for _, u := range units {
		r.addClosure(u, added)
	}

	for u := range added {
		if u.Kind == content.KindTag {
			displaceTag(next, u)
		}
		next[u] = struct{}{}
	}

	v := r.publish(next)
	dcontext.GetLoggerWithField(ctx, "repository", r.Name).Debugf("added %d unit(s), version %d", len(added), v.Number)
	return v, nil
}

// addClosure expands a unit into itself plus everything it references.
func (r *Repository) addClosure(u content.Unit, out map[content.Unit]struct{}) {
	if _, ok := out[u]; ok {
		return
	}

	switch u.Kind {
	case content.KindTag:
		t, ok := r.graph.GetTag(u.Key)
		if !ok {
			return
		}
		out[u] = struct{}{}
		r.addClosure(content.Unit{Kind: content.KindManifest, Key: t.Manifest.String()}, out)

	case content.KindManifest:
		m, ok := r.graph.GetManifest(digest.Digest(u.Key))
		if !ok {
			return
		}
		out[u] = struct{}{}

		for _, child := range m.Listed {
			r.addClosure(content.Unit{Kind: content.KindManifest, Key: child.Digest.String()}, out)
		}
		if m.Config.Digest != "" {
			r.addBlobUnit(m.Config.Digest, out)
		}
		for _, layer := range m.Layers {
			if layer.MediaType == content.MediaTypeDockerForeignLayer {
				continue
			}
			r.addBlobUnit(layer.Digest, out)
		}
		for _, sig := range r.graph.SignaturesFor(m.Digest) {
			out[sig.Unit()] = struct{}{}
		}

	default:
		if _, ok := r.graph.Resolve(u); ok {
			out[u] = struct{}{}
		}
	}
}

func (r *Repository) addBlobUnit(dgst digest.Digest, out map[content.Unit]struct{}) {
	u := content.Unit{Kind: content.KindBlob, Key: dgst.String()}
	if _, ok := r.graph.GetBlob(dgst); ok {
		out[u] = struct{}{}
	}
}

// displaceTag removes from the set any tag unit carrying the same name as
// the incoming tag. Tag names are unique within a version.
func displaceTag(set map[content.Unit]struct{}, incoming content.Unit) {
	name := tagUnitName(incoming.Key)
	for u := range set {
		if u.Kind == content.KindTag && u.Key != incoming.Key && tagUnitName(u.Key) == name {
			delete(set, u)
		}
	}
}

func tagUnitName(key string) string {
	if idx := strings.LastIndex(key, "@"); idx >= 0 {
		return key[:idx]
	}
	return key
}

// RecursiveRemove publishes a new version with the requested units removed,
// along with everything they referenced that nothing else in the version
// still needs. Removing a manifest explicitly takes its tags with it; a
// manifest swept only as a dependency stays if a surviving tag or manifest
// list points at it, and a blob stays if a surviving manifest references it.
func (r *Repository) RecursiveRemove(ctx context.Context, units []content.Unit) (*Version, error) {
	current := r.Latest().unitSet()

	requested := make(map[content.Unit]struct{}, len(units))
	for _, u := range units {
		if _, ok := current[u]; ok {
			requested[u] = struct{}{}
		}
	}

	removed := r.removalClosure(current, requested)

	next := make(map[content.Unit]struct{}, len(current))
	for u := range current {
		if _, gone := removed[u]; !gone {
			next[u] = struct{}{}
		}
	}

	v := r.publish(next)
	dcontext.GetLoggerWithField(ctx, "repository", r.Name).Debugf("removed %d unit(s), version %d", len(removed), v.Number)
	return v, nil
}

// removalClosure computes the full set of units leaving the version, in
// dependency order: tags first, then manifest lists, image manifests, and
// finally blobs and signatures. At each stage, content still referenced by
// surviving units must remain.
func (r *Repository) removalClosure(current, requested map[content.Unit]struct{}) map[content.Unit]struct{} {
	removed := make(map[content.Unit]struct{})

	// Stage 1: tags. Tags are leaves; requested tags are always removable.
	// Tags whose manifest is itself explicitly requested leave with it: a
	// version never holds a tag without its manifest.
	for u := range requested {
		if u.Kind == content.KindTag {
			removed[u] = struct{}{}
		}
	}
	requestedManifests := make(map[digest.Digest]struct{})
	for u := range requested {
		if u.Kind == content.KindManifest {
			requestedManifests[digest.Digest(u.Key)] = struct{}{}
		}
	}
	for u := range current {
		if u.Kind != content.KindTag {
			continue
		}
		if t, ok := r.graph.GetTag(u.Key); ok {
			if _, ok := requestedManifests[t.Manifest]; ok {
				removed[u] = struct{}{}
			}
		}
	}

	// Manifests targeted by surviving tags must remain.
	mustRemain := make(map[digest.Digest]struct{})
	for u := range current {
		if u.Kind != content.KindTag {
			continue
		}
		if _, gone := removed[u]; gone {
			continue
		}
		if t, ok := r.graph.GetTag(u.Key); ok {
			mustRemain[t.Manifest] = struct{}{}
		}
	}

	// Stage 2: manifests, lists before their children. Candidates are the
	// requested manifests plus the targets of removed tags; children of a
	// removed list become candidates in turn.
	candidates := make([]digest.Digest, 0)
	for u := range requested {
		if u.Kind == content.KindManifest {
			candidates = append(candidates, digest.Digest(u.Key))
		}
	}
	for u := range removed {
		if t, ok := r.graph.GetTag(u.Key); ok {
			candidates = append(candidates, t.Manifest)
		}
	}

	for len(candidates) > 0 {
		dgst := candidates[0]
		candidates = candidates[1:]

		u := content.Unit{Kind: content.KindManifest, Key: dgst.String()}
		if _, inVersion := current[u]; !inVersion {
			continue
		}
		if _, gone := removed[u]; gone {
			continue
		}
		if _, keep := mustRemain[dgst]; keep {
			continue
		}

		// A manifest listed by a surviving manifest list must remain.
		if r.listedBySurvivor(current, removed, dgst) {
			continue
		}

		removed[u] = struct{}{}
		if m, ok := r.graph.GetManifest(dgst); ok {
			for _, child := range m.Listed {
				candidates = append(candidates, child.Digest)
			}
		}
	}

	// Stage 3: blobs. A blob leaves only when no surviving manifest
	// references it.
	blobsInUse := make(map[digest.Digest]struct{})
	for u := range current {
		if u.Kind != content.KindManifest {
			continue
		}
		if _, gone := removed[u]; gone {
			continue
		}
		if m, ok := r.graph.GetManifest(digest.Digest(u.Key)); ok {
			if m.Config.Digest != "" {
				blobsInUse[m.Config.Digest] = struct{}{}
			}
			for _, layer := range m.Layers {
				blobsInUse[layer.Digest] = struct{}{}
			}
		}
	}

	for u := range current {
		switch u.Kind {
		case content.KindBlob:
			referenced := false
			if _, ok := blobsInUse[digest.Digest(u.Key)]; ok {
				referenced = true
			}
			_, explicitlyRequested := requested[u]
			if !referenced && (explicitlyRequested || r.blobOrphanedByRemoval(removed, digest.Digest(u.Key))) {
				removed[u] = struct{}{}
			}
		case content.KindSignature:
			if _, explicit := requested[u]; explicit {
				removed[u] = struct{}{}
				continue
			}
			if sig, ok := r.graph.GetSignature(u.Key); ok {
				manifestUnit := content.Unit{Kind: content.KindManifest, Key: sig.SignedManifest.String()}
				if _, gone := removed[manifestUnit]; gone {
					removed[u] = struct{}{}
				}
			}
		}
	}

	return removed
}

// listedBySurvivor reports whether any manifest list in the version, not
// itself being removed, references dgst.
func (r *Repository) listedBySurvivor(current, removed map[content.Unit]struct{}, dgst digest.Digest) bool {
	for u := range current {
		if u.Kind != content.KindManifest {
			continue
		}
		if _, gone := removed[u]; gone {
			continue
		}
		m, ok := r.graph.GetManifest(digest.Digest(u.Key))
		if !ok {
			continue
		}
		for _, child := range m.Listed {
			if child.Digest == dgst {
				return true
			}
		}
	}
	return false
}

// blobOrphanedByRemoval reports whether the blob was referenced by at least
// one manifest that is leaving the version.
func (r *Repository) blobOrphanedByRemoval(removed map[content.Unit]struct{}, dgst digest.Digest) bool {
	for u := range removed {
		if u.Kind != content.KindManifest {
			continue
		}
		m, ok := r.graph.GetManifest(digest.Digest(u.Key))
		if !ok {
			continue
		}
		if m.Config.Digest == dgst {
			return true
		}
		for _, layer := range m.Layers {
			if layer.Digest == dgst {
				return true
			}
		}
	}
	return false
}
