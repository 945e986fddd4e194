package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/opencontainers/go-digest"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/stevedore-project/stevedore/content"
)

// ErrRepositoryUnknown is returned when addressing a repository that does
// not exist.
var ErrRepositoryUnknown = errors.New("unknown repository")

// ErrRepositoryExists is returned when creating a repository whose name is
// taken.
var ErrRepositoryExists = errors.New("repository already exists")

// Engine owns all repositories and the content graph they share.
type Engine struct {
	graph *content.Graph
	repos *xsync.MapOf[string, *Repository]
}

// NewEngine creates an Engine over the given content graph.
func NewEngine(graph *content.Graph) *Engine {
	return &Engine{
		graph: graph,
		repos: xsync.NewMapOf[string, *Repository](),
	}
}

// Graph returns the shared content graph.
func (e *Engine) Graph() *content.Graph {
	return e.graph
}

// Create makes a new, empty repository.
func (e *Engine) Create(name string, typ Type) (*Repository, error) {
	r := newRepository(e.graph, name, typ)
	if _, loaded := e.repos.LoadOrStore(name, r); loaded {
		return nil, fmt.Errorf("%w: %s", ErrRepositoryExists, name)
	}
	return r, nil
}

// GetOrCreate returns the named repository, creating it when absent.
func (e *Engine) GetOrCreate(name string, typ Type) *Repository {
	r, _ := e.repos.LoadOrStore(name, newRepository(e.graph, name, typ))
	return r
}

// Get returns the named repository.
func (e *Engine) Get(name string) (*Repository, error) {
	r, ok := e.repos.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRepositoryUnknown, name)
	}
	return r, nil
}

// Delete removes a repository. The content it referenced stays in the graph
// until reclaimed.
func (e *Engine) Delete(name string) error {
	if _, ok := e.repos.LoadAndDelete(name); !ok {
		return fmt.Errorf("%w: %s", ErrRepositoryUnknown, name)
	}
	return nil
}

// Names returns all repository names in sorted order.
func (e *Engine) Names() []string {
	var names []string
	e.repos.Range(func(name string, _ *Repository) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// TagManifest records a tag pointing at a manifest already in the graph and
// publishes a version carrying it. Any previous tag of the same name is
// displaced.
func (r *Repository) TagManifest(ctx context.Context, name string, dgst digest.Digest) (*Version, error) {
	t, err := r.graph.Tag(name, dgst)
	if err != nil {
		return nil, err
	}
	return r.RecursiveAdd(ctx, []content.Unit{t.Unit()})
}

// Untag removes the named tag from the repository, along with any content
// only it was holding in place.
func (r *Repository) Untag(ctx context.Context, name string) (*Version, error) {
	var units []content.Unit
	for _, t := range r.Latest().Tags() {
		if t.Name == name {
			units = append(units, t.Unit())
		}
	}
	if len(units) == 0 {
		return nil, ErrTagUnknown
	}
	return r.RecursiveRemove(ctx, units)
}

// ReplaceContent publishes a version containing exactly the closure of the
// given units, discarding everything else. Mirror-mode sync uses this to
// converge on the upstream's content set.
func (r *Repository) ReplaceContent(ctx context.Context, units []content.Unit) (*Version, error) {
	next := make(map[content.Unit]struct{})
	for _, u := range units {
		r.addClosure(u, next)
	}
	for u := range next {
		if u.Kind == content.KindTag {
			displaceTag(next, u)
			next[u] = struct{}{}
		}
	}
	return r.publish(next), nil
}

// CopyTags adds the source version's tags, filtered by name when names is
// non-empty, to this repository along with their closures.
func (r *Repository) CopyTags(ctx context.Context, source *Version, names []string) (*Version, error) {
	wanted := make(map[string]struct{}, len(names))
	for _, n := range names {
		wanted[n] = struct{}{}
	}

	var units []content.Unit
	for _, t := range source.Tags() {
		if len(wanted) > 0 {
			if _, ok := wanted[t.Name]; !ok {
				continue
			}
		}
		units = append(units, t.Unit())
	}
	return r.RecursiveAdd(ctx, units)
}

// CopyManifests adds the source version's manifests, filtered by digest
// and/or media type when the filters are non-empty, to this repository along
// with their closures.
func (r *Repository) CopyManifests(ctx context.Context, source *Version, digests []digest.Digest, mediaTypes []string) (*Version, error) {
	wantedDigest := make(map[digest.Digest]struct{}, len(digests))
	for _, d := range digests {
		wantedDigest[d] = struct{}{}
	}
	wantedType := make(map[string]struct{}, len(mediaTypes))
	for _, mt := range mediaTypes {
		wantedType[mt] = struct{}{}
	}

	var units []content.Unit
	for _, m := range source.Manifests() {
		if len(wantedDigest) > 0 {
			if _, ok := wantedDigest[m.Digest]; !ok {
				continue
			}
		}
		if len(wantedType) > 0 {
			if _, ok := wantedType[m.MediaType]; !ok {
				continue
			}
		}
		units = append(units, m.Unit())
	}
	return r.RecursiveAdd(ctx, units)
}

// ContentSummary counts units by kind for a version, or the churn between
// two versions.
type ContentSummary struct {
	Present map[content.Kind]int
	Added   map[content.Kind]int
	Removed map[content.Kind]int
}

// Summarize reports the unit counts of a version and its delta against the
// version it was built from.
func (r *Repository) Summarize(v *Version) ContentSummary {
	cs := ContentSummary{
		Present: make(map[content.Kind]int),
		Added:   make(map[content.Kind]int),
		Removed: make(map[content.Kind]int),
	}

	for u := range v.units {
		cs.Present[u.Kind]++
	}

	base, err := r.Version(v.Base)
	if err != nil || base.Number == v.Number {
		return cs
	}

	for u := range v.units {
		if _, ok := base.units[u]; !ok {
			cs.Added[u.Kind]++
		}
	}
	for u := range base.units {
		if _, ok := v.units[u]; !ok {
			cs.Removed[u.Kind]++
		}
	}
	return cs
}
