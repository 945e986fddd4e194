// Package namespace models the naming layer above repositories: namespaces
// that own them, the role grants controlling who may touch them, and
// distributions that map served base paths onto repository versions.
package namespace

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

var (
	// ErrNamespaceUnknown is returned when a namespace does not exist.
	ErrNamespaceUnknown = errors.New("unknown namespace")

	// ErrDistributionUnknown is returned when no distribution serves a
	// base path.
	ErrDistributionUnknown = errors.New("unknown distribution")

	// ErrBasePathTaken is returned when a distribution's base path is
	// already served.
	ErrBasePathTaken = errors.New("base path already in use")

	// ErrInvalidName is returned for names outside the repository name
	// grammar.
	ErrInvalidName = errors.New("invalid name")
)

// namePattern anchors the repository name grammar shared with the
// distribution API: lowercase path components joined by slashes. PathRegexp
// rather than NameRegexp, which tolerates an uppercase domain component.
var namePattern = regexp.MustCompile(`^[a-z0-9]+(?:(?:[._]|__|[-]+)[a-z0-9]+)*(?:/[a-z0-9]+(?:(?:[._]|__|[-]+)[a-z0-9]+)*)*$`)

// ValidateName checks a repository or distribution base path against the
// name grammar.
func ValidateName(name string) error {
	if name == "" || !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// NamespaceOf returns the namespace component of a repository name: the
// first path segment, or the whole name when it has no slash.
func NamespaceOf(name string) string {
	if idx := strings.IndexByte(name, '/'); idx >= 0 {
		return name[:idx]
	}
	return name
}

// Role is a grant level within a namespace.
type Role string

const (
	// RoleOwner may administer the namespace and push and pull.
	RoleOwner Role = "owner"

	// RoleCollaborator may push and pull.
	RoleCollaborator Role = "collaborator"

	// RoleConsumer may pull, including from private distributions.
	RoleConsumer Role = "consumer"
)

// CanPull reports whether the role allows pull access.
func (r Role) CanPull() bool {
	return r == RoleOwner || r == RoleCollaborator || r == RoleConsumer
}

// CanPush reports whether the role allows push access.
func (r Role) CanPush() bool {
	return r == RoleOwner || r == RoleCollaborator
}

// Namespace is a named container of repositories with per-user role grants.
type Namespace struct {
	Name string

	mu    sync.RWMutex
	roles map[string]Role
}

// SetRole grants a user a role in the namespace.
func (n *Namespace) SetRole(user string, role Role) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.roles[user] = role
}

// RemoveRole revokes a user's grant.
func (n *Namespace) RemoveRole(user string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.roles, user)
}

// RoleOf returns the user's role in the namespace, if any.
func (n *Namespace) RoleOf(user string) (Role, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	role, ok := n.roles[user]
	return role, ok
}

// Distribution publishes a repository version under a base path.
type Distribution struct {
	// BasePath is the path the distribution answers under, unique across
	// the registry.
	BasePath string

	// RepositoryName is the backing repository.
	RepositoryName string

	// Version pins a specific repository version. Nil serves the latest.
	Version *int

	// Private restricts pull access to users with a role in the owning
	// namespace.
	Private bool

	// RemoteName links a remote for pull-through caching. Empty for
	// origin distributions.
	RemoteName string
}

// Registry tracks every namespace and distribution.
type Registry struct {
	namespaces    *xsync.MapOf[string, *Namespace]
	distributions *xsync.MapOf[string, *Distribution]
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		namespaces:    xsync.NewMapOf[string, *Namespace](),
		distributions: xsync.NewMapOf[string, *Distribution](),
	}
}

// EnsureNamespace returns the named namespace, creating it when absent. A
// freshly created namespace grants its creator the owner role.
func (r *Registry) EnsureNamespace(name, creator string) (*Namespace, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	ns, loaded := r.namespaces.LoadOrStore(name, &Namespace{
		Name:  name,
		roles: map[string]Role{},
	})
	if !loaded && creator != "" {
		ns.SetRole(creator, RoleOwner)
	}
	return ns, nil
}

// Namespace returns the named namespace.
func (r *Registry) Namespace(name string) (*Namespace, error) {
	ns, ok := r.namespaces.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNamespaceUnknown, name)
	}
	return ns, nil
}

// CreateDistribution registers a distribution. The base path must be unique
// and well-formed.
func (r *Registry) CreateDistribution(d *Distribution) error {
	if err := ValidateName(d.BasePath); err != nil {
		return err
	}
	if _, loaded := r.distributions.LoadOrStore(d.BasePath, d); loaded {
		return fmt.Errorf("%w: %s", ErrBasePathTaken, d.BasePath)
	}
	return nil
}

// Distribution returns the distribution serving the given base path.
func (r *Registry) Distribution(basePath string) (*Distribution, error) {
	d, ok := r.distributions.Load(basePath)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDistributionUnknown, basePath)
	}
	return d, nil
}

// DeleteDistribution removes the distribution at the given base path.
func (r *Registry) DeleteDistribution(basePath string) error {
	if _, ok := r.distributions.LoadAndDelete(basePath); !ok {
		return fmt.Errorf("%w: %s", ErrDistributionUnknown, basePath)
	}
	return nil
}

// BasePaths returns every served base path in sorted order.
func (r *Registry) BasePaths() []string {
	var paths []string
	r.distributions.Range(func(p string, _ *Distribution) bool {
		paths = append(paths, p)
		return true
	})
	sort.Strings(paths)
	return paths
}
