// Package remote models upstream registries and implements the client used
// to pull content from them.
package remote

import (
	"errors"
	"fmt"
	"path"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
)

// ErrRemoteUnknown is returned when a remote name is not registered.
var ErrRemoteUnknown = errors.New("unknown remote")

// Policy controls how much content a sync run downloads up front.
type Policy string

const (
	// PolicyImmediate downloads manifests and all blobs during sync.
	PolicyImmediate Policy = "immediate"

	// PolicyOnDemand downloads manifests during sync and fetches blobs
	// lazily on first client pull.
	PolicyOnDemand Policy = "on_demand"

	// PolicyStreamed proxies blobs through without storing them.
	PolicyStreamed Policy = "streamed"
)

// Remote describes an upstream registry and how to talk to it.
type Remote struct {
	// Name identifies the remote within this registry.
	Name string

	// URL is the upstream registry root, e.g. "https://registry-1.docker.io".
	URL string

	// UpstreamName is the repository to pull from on the remote.
	UpstreamName string

	// Username and Password authenticate against the upstream when set.
	Username string
	Password string

	// SigstoreURL points at a lookaside signature store laid out in the
	// atomic sigstore format. Empty disables sigstore discovery.
	SigstoreURL string

	// IncludeTags and ExcludeTags filter which tags a sync considers,
	// using shell-style wildcard patterns. An empty include list admits
	// every tag; exclusions are applied afterwards.
	IncludeTags []string
	ExcludeTags []string

	// Policy selects the download policy for synced content.
	Policy Policy

	// TLSSkipVerify disables certificate validation for the upstream.
	TLSSkipVerify bool
}

// AcceptsTag applies the remote's include and exclude patterns to a tag
// name. Malformed patterns never match.
func (r *Remote) AcceptsTag(tag string) bool {
	if len(r.IncludeTags) > 0 {
		matched := false
		for _, pattern := range r.IncludeTags {
			if ok, err := path.Match(pattern, tag); err == nil && ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, pattern := range r.ExcludeTags {
		if ok, err := path.Match(pattern, tag); err == nil && ok {
			return false
		}
	}
	return true
}

// Store tracks configured remotes by name.
type Store struct {
	remotes *xsync.MapOf[string, *Remote]
}

// NewStore creates an empty remote Store.
func NewStore() *Store {
	return &Store{remotes: xsync.NewMapOf[string, *Remote]()}
}

// Add registers a remote, replacing any previous remote of the same name.
func (s *Store) Add(r *Remote) {
	s.remotes.Store(r.Name, r)
}

// Get returns the named remote.
func (s *Store) Get(name string) (*Remote, error) {
	r, ok := s.remotes.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRemoteUnknown, name)
	}
	return r, nil
}

// Delete removes the named remote.
func (s *Store) Delete(name string) error {
	if _, ok := s.remotes.LoadAndDelete(name); !ok {
		return fmt.Errorf("%w: %s", ErrRemoteUnknown, name)
	}
	return nil
}

// Names returns all remote names in sorted order.
func (s *Store) Names() []string {
	var names []string
	s.remotes.Range(func(name string, _ *Remote) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}
