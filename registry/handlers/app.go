// Package handlers implements the HTTP surface of the registry: the
// distribution API, the token endpoint, the signature extension and the
// flatpak index.
package handlers

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	metrics "github.com/docker/go-metrics"
	"github.com/docker/libtrust"
	gorillahandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"

	"github.com/stevedore-project/stevedore/configuration"
	"github.com/stevedore-project/stevedore/content"
	"github.com/stevedore-project/stevedore/internal/dcontext"
	"github.com/stevedore-project/stevedore/mirror"
	"github.com/stevedore-project/stevedore/namespace"
	"github.com/stevedore-project/stevedore/registry/api/errcode"
	v2 "github.com/stevedore-project/stevedore/registry/api/v2"
	"github.com/stevedore-project/stevedore/registry/auth"
	_ "github.com/stevedore-project/stevedore/registry/auth/htpasswd"
	"github.com/stevedore-project/stevedore/registry/auth/token"
	"github.com/stevedore-project/stevedore/registry/cache"
	"github.com/stevedore-project/stevedore/remote"
	"github.com/stevedore-project/stevedore/repository"
	"github.com/stevedore-project/stevedore/signing"
	"github.com/stevedore-project/stevedore/storage"
	storagedriver "github.com/stevedore-project/stevedore/storage/driver"
	"github.com/stevedore-project/stevedore/storage/driver/factory"
	"github.com/stevedore-project/stevedore/task"
)

// taskWait is how long synchronous API calls wait for a backing task before
// answering 429 Too Many Requests.
const taskWait = 3 * time.Second

// App is a global registry application object. Shared resources can be
// placed on this object that will be accessible from all requests.
type App struct {
	context.Context

	Config *configuration.Configuration

	router  *mux.Router
	handler http.Handler

	driver storagedriver.StorageDriver
	store  *storage.ObjectStore
	graph  *content.Graph
	engine *repository.Engine

	namespaces *namespace.Registry
	remotes    *remote.Store
	runtime    *task.Runtime
	sync       *mirror.Synchronizer

	manifestCache cache.ManifestCache

	issuer           *token.Issuer
	evaluator        *token.Evaluator
	accessController auth.AccessController
	credentials      auth.CredentialAuthenticator

	signer signing.Signer

	clients *xsync.MapOf[string, *remote.Client]
}

// NewApp takes a configuration and returns a configured app. The app only
// implements ServeHTTP and can be wrapped in other handlers accordingly.
func NewApp(ctx context.Context, config *configuration.Configuration) (*App, error) {
	app := &App{
		Context: ctx,
		Config:  config,
		clients: xsync.NewMapOf[string, *remote.Client](),
	}

	driver, err := factory.Create(config.Storage.Type(), config.Storage.Parameters())
	if err != nil {
		return nil, fmt.Errorf("creating storage driver %q: %w", config.Storage.Type(), err)
	}
	app.driver = driver
	app.store = storage.NewObjectStore(driver)
	app.graph = content.NewGraph(app.store, content.ValidationOptions{
		PayloadMaxBytes:         config.Registry.OCIPayloadMaxBytes,
		RelaxedLayerChecks:      config.Registry.RelaxedLayerChecks,
		AdditionalArtifactTypes: config.Registry.AdditionalOCIArtifactTypes,
	})
	app.engine = repository.NewEngine(app.graph)
	app.namespaces = namespace.NewRegistry()
	app.remotes = remote.NewStore()
	app.runtime = task.NewRuntime(clock.New())
	app.sync = mirror.New(app.graph, app.engine)

	if config.Registry.CacheEnabled {
		if config.Registry.Redis != nil {
			app.manifestCache = cache.NewRedis(config.Registry.Redis.Addr, config.Registry.Redis.Password, config.Registry.Redis.DB, 0)
		} else {
			app.manifestCache, err = cache.NewInMemory(0, 0)
			if err != nil {
				return nil, fmt.Errorf("creating manifest cache: %w", err)
			}
		}
	}

	if err := app.configureAuth(ctx); err != nil {
		return nil, err
	}
	if err := app.configureRemotes(ctx); err != nil {
		return nil, err
	}
	app.configureSigner()

	app.router = v2.RouterWithPrefix(config.HTTP.Prefix)
	app.register(v2.RouteNameBase, baseDispatcher)
	app.register(v2.RouteNameCatalog, catalogDispatcher)
	app.register(v2.RouteNameTags, tagsDispatcher)
	app.register(v2.RouteNameManifest, manifestDispatcher)
	app.register(v2.RouteNameBlob, blobDispatcher)
	app.register(v2.RouteNameBlobUpload, blobUploadDispatcher)
	app.register(v2.RouteNameBlobUploadChunk, blobUploadDispatcher)
	app.register(v2.RouteNameSignatures, signaturesDispatcher)

	prefix := app.router
	if config.HTTP.Prefix != "" {
		prefix = app.router.PathPrefix(config.HTTP.Prefix).Subrouter()
	}
	// The exact path registers first; with StrictSlash the trailing-slash
	// route would otherwise answer GET /token with a redirect.
	prefix.Path("/token").Methods(http.MethodGet).HandlerFunc(app.tokenHandler)
	prefix.Path("/token/").Methods(http.MethodGet).HandlerFunc(app.tokenHandler)
	prefix.Path("/metrics").Methods(http.MethodGet).Handler(metrics.Handler())
	if config.Registry.FlatpakIndexEnabled {
		prefix.Path("/index/static").Methods(http.MethodGet).HandlerFunc(app.flatpakIndexHandler)
		prefix.Path("/index/dynamic").Methods(http.MethodGet).HandlerFunc(app.flatpakIndexHandler)
	}

	app.handler = gorillahandlers.CombinedLoggingHandler(
		logrus.StandardLogger().Writer(),
		gorillahandlers.RecoveryHandler(gorillahandlers.PrintRecoveryStack(true))(app.router),
	)

	return app, nil
}

// configureAuth sets up the token issuer and the access controller guarding
// the API.
func (app *App) configureAuth(ctx context.Context) error {
	cfg := app.Config.Auth

	if cfg.HTPasswdPath != "" {
		controller, err := auth.GetAccessController("htpasswd", map[string]interface{}{
			"realm": cfg.Realm,
			"path":  cfg.HTPasswdPath,
		})
		if err != nil {
			return fmt.Errorf("configuring htpasswd: %w", err)
		}
		app.credentials = controller.(auth.CredentialAuthenticator)
	}

	if cfg.TokenAuthDisabled {
		dcontext.GetLogger(ctx).Warn("token authentication is disabled; all requests are anonymous")
		return nil
	}

	key, pub, err := loadSigningKey(cfg.Token)
	if err != nil {
		return err
	}

	issuer, err := token.NewIssuer(
		cfg.Token.Issuer,
		key,
		cfg.Token.SignatureAlgorithm,
		time.Duration(cfg.Token.ExpirationSeconds)*time.Second,
		clock.New(),
	)
	if err != nil {
		return fmt.Errorf("configuring token issuer: %w", err)
	}
	app.issuer = issuer
	app.evaluator = token.NewEvaluator(app.namespaces)
	app.accessController = token.NewAccessController(
		cfg.Token.ServerURL,
		cfg.Token.Issuer,
		cfg.Token.Service,
		map[string]crypto.PublicKey{issuer.KeyID(): pub},
	)
	return nil
}

// loadSigningKey loads the configured token signing key, generating an
// ephemeral ES256 key when none is configured.
func loadSigningKey(cfg configuration.Token) (crypto.PrivateKey, crypto.PublicKey, error) {
	if cfg.PrivateKeyPath == "" {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, nil, fmt.Errorf("generating ephemeral signing key: %w", err)
		}
		return key, key.Public(), nil
	}

	ltKey, err := libtrust.LoadKeyFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading signing key %s: %w", cfg.PrivateKeyPath, err)
	}
	cryptoKey := ltKey.CryptoPrivateKey()
	return cryptoKey, ltKey.PublicKey().CryptoPublicKey(), nil
}

// configureRemotes seeds remotes and distributions from configuration.
func (app *App) configureRemotes(ctx context.Context) error {
	for _, rc := range app.Config.Registry.Remotes {
		policy := remote.Policy(rc.Policy)
		if policy == "" {
			policy = remote.PolicyImmediate
		}
		app.remotes.Add(&remote.Remote{
			Name:          rc.Name,
			URL:           rc.URL,
			UpstreamName:  rc.UpstreamName,
			Username:      rc.Username,
			Password:      rc.Password,
			SigstoreURL:   rc.SigstoreURL,
			IncludeTags:   rc.IncludeTags,
			ExcludeTags:   rc.ExcludeTags,
			Policy:        policy,
			TLSSkipVerify: rc.TLSSkipVerify,
		})
	}

	for _, dc := range app.Config.Registry.Distributions {
		repoName := dc.Repository
		if repoName == "" {
			repoName = dc.BasePath
		}
		repoType := repository.TypePush
		if dc.Remote != "" {
			repoType = repository.TypeSync
			if _, err := app.remotes.Get(dc.Remote); err != nil {
				return fmt.Errorf("distribution %s: %w", dc.BasePath, err)
			}
		}
		app.engine.GetOrCreate(repoName, repoType)
		if _, err := app.namespaces.EnsureNamespace(namespace.NamespaceOf(dc.BasePath), ""); err != nil {
			return err
		}
		if err := app.namespaces.CreateDistribution(&namespace.Distribution{
			BasePath:       dc.BasePath,
			RepositoryName: repoName,
			Private:        dc.Private,
			RemoteName:     dc.Remote,
		}); err != nil {
			return err
		}
		dcontext.GetLogger(ctx).Infof("serving %s from repository %s", dc.BasePath, repoName)
	}
	return nil
}

func (app *App) configureSigner() {
	if app.Config.Registry.SigningCommand == "" {
		return
	}
	app.signer = signing.NewScriptSigner(
		app.Config.Registry.SigningCommand,
		app.Config.Registry.SigningKeyID,
		app.Config.Registry.MaxParallelSigningTasks,
	)
}

// remoteClient returns a cached client for the named remote.
func (app *App) remoteClient(name string) (*remote.Client, error) {
	if c, ok := app.clients.Load(name); ok {
		return c, nil
	}
	r, err := app.remotes.Get(name)
	if err != nil {
		return nil, err
	}
	c, _ := app.clients.LoadOrStore(name, remote.NewClient(r))
	return c, nil
}

func (app *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	app.handler.ServeHTTP(w, r)
}

// Shutdown drains background tasks.
func (app *App) Shutdown(ctx context.Context) error {
	return app.runtime.Shutdown(ctx)
}

// Reclaim sweeps orphaned content from the graph and object store. The sweep
// runs as a task holding every repository, so it cannot interleave with a
// push or sync that has stored content but not yet published a version.
func (app *App) Reclaim(ctx context.Context) (repository.ReclaimStats, error) {
	names := app.engine.Names()
	exclusive := make([]string, 0, len(names))
	for _, name := range names {
		exclusive = append(exclusive, repositoryResource(name))
	}

	var stats repository.ReclaimStats
	t := app.runtime.Dispatch(ctx, "orphan reclaim", exclusive,
		func(taskCtx context.Context, _ *task.Task) error {
			var err error
			stats, err = app.engine.Reclaim(taskCtx)
			return err
		})
	<-t.Done()
	return stats, t.Err()
}

// dispatchFunc takes a context and request and returns a constructed handler
// for the route. The "http.request" and repository name are available from
// the context.
type dispatchFunc func(ctx *Context, r *http.Request) http.Handler

// register a handler with the application, by route name.
func (app *App) register(routeName string, dispatch dispatchFunc) {
	app.router.GetRoute(routeName).Handler(app.dispatcher(routeName, dispatch))
}

// dispatcher returns a handler that constructs a request specific context
// and handler, using the dispatch factory function.
func (app *App) dispatcher(routeName string, dispatch dispatchFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Docker-Distribution-API-Version", "registry/2.0")
		w.Header().Add("X-Registry-Supports-Signatures", "1")
		requestsCounter.WithValues(routeName).Inc(1)
		ctx := app.context(r)

		if err := app.authorized(w, r, ctx, routeName); err != nil {
			dcontext.GetLogger(ctx).Warnf("error authorizing context: %v", err)
			return
		}

		// Sync the request context with the app-derived one after auth.
		r = r.WithContext(ctx)

		dispatch(ctx, r).ServeHTTP(w, r)

		if len(ctx.Errors) > 0 {
			if err := errcode.ServeJSON(w, ctx.Errors); err != nil {
				dcontext.GetLogger(ctx).Errorf("error serving error json: %v (from %v)", err, ctx.Errors)
			}
			app.logError(ctx, ctx.Errors)
		}
	})
}

func (app *App) logError(ctx context.Context, errors errcode.Errors) {
	for _, e := range errors {
		var code errcode.ErrorCode
		var message, detail string

		switch ex := e.(type) {
		case errcode.Error:
			code = ex.Code
			message = ex.Message
			detail = fmt.Sprintf("%+v", ex.Detail)
		case errcode.ErrorCode:
			code = ex
			message = ex.Message()
		default:
			code = errcode.ErrorCodeUnknown
			message = e.Error()
		}

		errorsCounter.WithValues(code.String()).Inc(1)

		fields := map[interface{}]interface{}{"err.code": code, "err.message": message}
		if detail != "" {
			fields["err.detail"] = detail
		}
		dcontext.GetLoggerWithFields(ctx, fields).Errorf("response completed with error: %s", code)
	}
}

// context constructs the context object for the application. This only be
// called once per request. The request's own context is the base so values
// the router stored there (the route vars) survive.
func (app *App) context(r *http.Request) *Context {
	requestCtx := dcontext.WithRequest(r.Context(), r)
	requestCtx = dcontext.WithLogger(requestCtx, dcontext.GetRequestLogger(requestCtx))

	ctx := &Context{
		App:     app,
		Context: requestCtx,
	}
	ctx.urlBuilder = v2.NewURLBuilderFromRequest(r, app.Config.HTTP.RelativeURLs)

	if name, ok := mux.Vars(r)["name"]; ok {
		ctx.Name = name
		ctx.Context = dcontext.WithValues(ctx.Context, map[string]interface{}{"vars.name": name})
		ctx.Context = dcontext.WithLogger(ctx.Context, dcontext.GetLoggerWithField(ctx.Context, "vars.name", name))
	}

	return ctx
}

// authorized checks the request against the access controller, answering
// challenges itself. A nil return means the request may proceed.
func (app *App) authorized(w http.ResponseWriter, r *http.Request, ctx *Context, routeName string) error {
	if app.accessController == nil {
		return nil
	}

	records := app.accessRecords(r, ctx.Name, routeName)
	grant, err := app.accessController.Authorized(r.WithContext(ctx.Context), records...)
	if err != nil {
		var challenge auth.Challenge
		if ch, ok := err.(auth.Challenge); ok {
			challenge = ch
			challenge.SetHeaders(r, w)
			if err := errcode.ServeJSON(w, errcode.ErrorCodeUnauthorized.WithDetail(records)); err != nil {
				dcontext.GetLogger(ctx).Errorf("error serving error json: %v", err)
			}
			return challenge
		}

		if err := errcode.ServeJSON(w, errcode.ErrorCodeUnavailable.WithDetail(err)); err != nil {
			dcontext.GetLogger(ctx).Errorf("error serving error json: %v", err)
		}
		return err
	}

	ctx.Context = auth.WithUser(ctx.Context, grant.User)
	ctx.Context = auth.WithResources(ctx.Context, grant.Resources)
	return nil
}

// accessRecords maps a request onto the access it requires.
func (app *App) accessRecords(r *http.Request, repoName, routeName string) []auth.Access {
	if routeName == v2.RouteNameCatalog {
		return []auth.Access{{
			Resource: auth.Resource{Type: token.TypeRegistry, Name: "catalog"},
			Action:   token.ActionAll,
		}}
	}

	if repoName == "" {
		// Base route: any valid token will do.
		return nil
	}

	resource := auth.Resource{Type: token.TypeRepository, Name: repoName}
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		return []auth.Access{{Resource: resource, Action: token.ActionPull}}
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return []auth.Access{
			{Resource: resource, Action: token.ActionPull},
			{Resource: resource, Action: token.ActionPush},
		}
	default:
		return []auth.Access{{Resource: resource, Action: token.ActionAll}}
	}
}
