package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/stevedore-project/stevedore/internal/dcontext"
	"github.com/stevedore-project/stevedore/namespace"
	"github.com/stevedore-project/stevedore/registry/api/errcode"
	v2 "github.com/stevedore-project/stevedore/registry/api/v2"
	"github.com/stevedore-project/stevedore/remote"
	"github.com/stevedore-project/stevedore/repository"
)

// Context should contain the request specific context for use in across
// handlers. Resources that don't need to be shared across handlers should
// not be on this object.
type Context struct {
	// App points to the application structure that created this context.
	*App
	context.Context

	// Name is the repository name from the route, when present.
	Name string

	// Errors is a collection of errors encountered during the request to
	// be logged and converted to the response format.
	Errors errcode.Errors

	urlBuilder *v2.URLBuilder
}

// Value overrides context.Context.Value to ensure that calls are routed to
// correct context.
func (ctx *Context) Value(key interface{}) interface{} {
	return ctx.Context.Value(key)
}

// resolved carries the outcome of mapping a request's repository name onto
// the serving machinery.
type resolved struct {
	repo    *repository.Repository
	version *repository.Version
	dist    *namespace.Distribution

	// client is non-nil when the name is served by pull-through caching.
	client *remote.Client
}

// resolvePull maps the request name onto a repository version for read
// operations. Pull-through roots match by path prefix: a distribution at
// "cache" backed by a remote serves "cache/library/busybox" by caching it
// from upstream on first use.
func (ctx *Context) resolvePull() (*resolved, error) {
	name := ctx.Name

	if d, err := ctx.App.namespaces.Distribution(name); err == nil {
		repo, err := ctx.App.engine.Get(d.RepositoryName)
		if err != nil {
			return nil, err
		}
		res := &resolved{repo: repo, dist: d}
		if d.Version != nil {
			res.version, err = repo.Version(*d.Version)
			if err != nil {
				return nil, err
			}
		} else {
			res.version = repo.Latest()
		}
		if d.RemoteName != "" {
			res.client, err = ctx.App.remoteClient(d.RemoteName)
			if err != nil {
				return nil, err
			}
		}
		return res, nil
	}

	// Walk ancestors looking for a pull-through root, longest path first.
	for prefix := parentPath(name); prefix != ""; prefix = parentPath(prefix) {
		d, err := ctx.App.namespaces.Distribution(prefix)
		if err != nil || d.RemoteName == "" {
			continue
		}

		base, err := ctx.App.remotes.Get(d.RemoteName)
		if err != nil {
			return nil, err
		}

		// Derive a per-path remote addressing the requested image on the
		// upstream.
		derived := *base
		derived.Name = base.Name + ":" + name
		derived.UpstreamName = strings.TrimPrefix(name, prefix+"/")
		if base.UpstreamName != "" {
			derived.UpstreamName = base.UpstreamName
		}

		repo := ctx.App.engine.GetOrCreate(name, repository.TypeSync)
		return &resolved{
			repo:    repo,
			version: repo.Latest(),
			dist:    d,
			client:  remote.NewClient(&derived),
		}, nil
	}

	return nil, namespace.ErrDistributionUnknown
}

func parentPath(name string) string {
	if idx := strings.LastIndexByte(name, '/'); idx > 0 {
		return name[:idx]
	}
	return ""
}

// resolvePush maps the request name onto a repository for write operations,
// creating the repository, namespace and distribution on first push.
func (ctx *Context) resolvePush() (*resolved, error) {
	name := ctx.Name
	if err := namespace.ValidateName(name); err != nil {
		return nil, err
	}

	user := authUserName(ctx.Context)
	if _, err := ctx.App.namespaces.EnsureNamespace(namespace.NamespaceOf(name), user); err != nil {
		return nil, err
	}

	repo := ctx.App.engine.GetOrCreate(name, repository.TypePush)

	d, err := ctx.App.namespaces.Distribution(name)
	if err != nil {
		d = &namespace.Distribution{BasePath: name, RepositoryName: name}
		if err := ctx.App.namespaces.CreateDistribution(d); err != nil {
			// Lost a race with a concurrent first push; the existing
			// distribution serves the same repository.
			d, err = ctx.App.namespaces.Distribution(name)
			if err != nil {
				return nil, err
			}
		}
	}

	return &resolved{repo: repo, version: repo.Latest(), dist: d}, nil
}

// repositoryResource is the task reservation key for a repository.
func repositoryResource(name string) string {
	return "repository:" + name
}

func (ctx *Context) log() dcontext.Logger {
	return dcontext.GetLogger(ctx.Context)
}

// canFetchUpstream reports whether the request may trigger a new upstream
// fetch. Anonymous clients are served already-cached content only; with no
// access controller configured there is no authentication to require.
func (ctx *Context) canFetchUpstream() bool {
	if ctx.App.accessController == nil {
		return true
	}
	return authUserName(ctx.Context) != ""
}

// throttled answers 429, used when a backing task has not finished within
// the synchronous wait budget. No retry interval is suggested; clients pick
// their own backoff.
func (ctx *Context) throttled(w http.ResponseWriter, what string) {
	ctx.Errors = append(ctx.Errors, errcode.ErrorCodeTooManyRequests.WithMessage(fmt.Sprintf("%s is still in progress", what)))
}
