// Package repository implements versioned repositories over the content
// graph. A repository is an append-only sequence of immutable versions; each
// version is a set of content units. Content is never copied between
// versions, only referenced.
package repository

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/stevedore-project/stevedore/content"
)

var (
	// ErrVersionUnknown is returned when addressing a version number the
	// repository never produced.
	ErrVersionUnknown = errors.New("unknown repository version")

	// ErrTagUnknown is returned when a tag name is not present in the
	// version being queried.
	ErrTagUnknown = errors.New("unknown tag")

	// ErrManifestNotInVersion is returned when a manifest exists in the
	// graph but is not part of the addressed version.
	ErrManifestNotInVersion = errors.New("manifest not in repository version")
)

// Type discriminates how a repository receives content.
type Type string

const (
	// TypePush repositories are written through the distribution API.
	TypePush Type = "push"

	// TypeSync repositories are populated from an upstream registry.
	TypeSync Type = "sync"
)

// Version is one immutable snapshot of a repository's content. Once
// published it never changes; new operations produce new versions.
type Version struct {
	Number    int
	Base      int
	CreatedAt time.Time

	graph *content.Graph
	units map[content.Unit]struct{}
}

func newVersion(graph *content.Graph, number, base int, units map[content.Unit]struct{}) *Version {
	return &Version{
		Number:    number,
		Base:      base,
		CreatedAt: time.Now().UTC(),
		graph:     graph,
		units:     units,
	}
}

// Contains reports whether the unit is part of this version.
func (v *Version) Contains(u content.Unit) bool {
	_, ok := v.units[u]
	return ok
}

// Len returns the number of units in this version.
func (v *Version) Len() int {
	return len(v.units)
}

// Units returns the version's units, sorted for stable iteration.
func (v *Version) Units() []content.Unit {
	out := make([]content.Unit, 0, len(v.units))
	for u := range v.units {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// unitSet returns a copy of the version's unit set.
func (v *Version) unitSet() map[content.Unit]struct{} {
	out := make(map[content.Unit]struct{}, len(v.units))
	for u := range v.units {
		out[u] = struct{}{}
	}
	return out
}

// Tags returns the version's tags sorted by name.
func (v *Version) Tags() []*content.Tag {
	var out []*content.Tag
	for u := range v.units {
		if u.Kind != content.KindTag {
			continue
		}
		if t, ok := v.graph.GetTag(u.Key); ok {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// TagNames returns the sorted tag names in this version.
func (v *Version) TagNames() []string {
	tags := v.Tags()
	names := make([]string, len(tags))
	for i, t := range tags {
		names[i] = t.Name
	}
	return names
}

// LookupTag resolves a tag name to its manifest within this version.
func (v *Version) LookupTag(name string) (*content.Manifest, error) {
	for u := range v.units {
		if u.Kind != content.KindTag {
			continue
		}
		if !strings.HasPrefix(u.Key, name+"@") {
			continue
		}
		t, ok := v.graph.GetTag(u.Key)
		if !ok || t.Name != name {
			continue
		}
		if m, ok := v.graph.GetManifest(t.Manifest); ok {
			return m, nil
		}
	}
	return nil, ErrTagUnknown
}

// LookupManifest returns the manifest row if the digest is in this version.
func (v *Version) LookupManifest(dgst digest.Digest) (*content.Manifest, error) {
	if !v.Contains(content.Unit{Kind: content.KindManifest, Key: dgst.String()}) {
		return nil, ErrManifestNotInVersion
	}
	m, ok := v.graph.GetManifest(dgst)
	if !ok {
		return nil, ErrManifestNotInVersion
	}
	return m, nil
}

// ContainsBlob reports whether the version references the given blob.
func (v *Version) ContainsBlob(dgst digest.Digest) bool {
	return v.Contains(content.Unit{Kind: content.KindBlob, Key: dgst.String()})
}

// Manifests returns the version's manifest rows, sorted by digest.
func (v *Version) Manifests() []*content.Manifest {
	var out []*content.Manifest
	for u := range v.units {
		if u.Kind != content.KindManifest {
			continue
		}
		if m, ok := v.graph.GetManifest(digest.Digest(u.Key)); ok {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Digest < out[j].Digest })
	return out
}

// Signatures returns the version's signature rows covering the given
// manifest.
func (v *Version) Signatures(dgst digest.Digest) []*content.Signature {
	var out []*content.Signature
	for _, sig := range v.graph.SignaturesFor(dgst) {
		if v.Contains(sig.Unit()) {
			out = append(out, sig)
		}
	}
	return out
}

// Repository is a named, versioned collection of content units.
type Repository struct {
	Name string
	Type Type

	mu       sync.RWMutex
	graph    *content.Graph
	versions []*Version
}

func newRepository(graph *content.Graph, name string, typ Type) *Repository {
	r := &Repository{Name: name, Type: typ, graph: graph}
	// Version 0 is always the empty set.
	r.versions = []*Version{newVersion(graph, 0, 0, map[content.Unit]struct{}{})}
	return r
}

// Latest returns the repository's newest version.
func (r *Repository) Latest() *Version {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.versions[len(r.versions)-1]
}

// Version returns a specific version by number.
func (r *Repository) Version(n int) (*Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n < 0 || n >= len(r.versions) {
		return nil, fmt.Errorf("%w: %s version %d", ErrVersionUnknown, r.Name, n)
	}
	return r.versions[n], nil
}

// Versions returns all versions, oldest first.
func (r *Repository) Versions() []*Version {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Version, len(r.versions))
	copy(out, r.versions)
	return out
}

// publish appends a new version built from the given unit set. If the set is
// identical to the latest version's, no version is created and the latest is
// returned unchanged.
func (r *Repository) publish(units map[content.Unit]struct{}) *Version {
	r.mu.Lock()
	defer r.mu.Unlock()

	latest := r.versions[len(r.versions)-1]
	if unitSetsEqual(latest.units, units) {
		return latest
	}

	next := newVersion(r.graph, latest.Number+1, latest.Number, units)
	r.versions = append(r.versions, next)
	return next
}

func unitSetsEqual(a, b map[content.Unit]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for u := range a {
		if _, ok := b[u]; !ok {
			return false
		}
	}
	return true
}
