// Package configuration defines the registry's configuration file format
// and its environment variable overrides.
package configuration

import (
	"fmt"
	"time"
)

// Configuration is the root of the registry configuration.
type Configuration struct {
	// Version is the configuration schema version.
	Version string `yaml:"version"`

	Log      Log      `yaml:"log"`
	HTTP     HTTP     `yaml:"http"`
	Storage  Storage  `yaml:"storage"`
	Auth     Auth     `yaml:"auth"`
	Registry Registry `yaml:"registry"`
}

// Log configures logging output.
type Log struct {
	// Level is the granularity: error, warn, info, debug.
	Level string `yaml:"level"`

	// Formatter selects the log output format: text or json.
	Formatter string `yaml:"formatter"`

	// Fields are added to every log line.
	Fields map[string]interface{} `yaml:"fields,omitempty"`
}

// HTTP configures the API listener.
type HTTP struct {
	// Addr is the listen address, e.g. ":5000".
	Addr string `yaml:"addr"`

	// Prefix is prepended to all route paths when the registry is served
	// under a sub-path.
	Prefix string `yaml:"prefix,omitempty"`

	// RelativeURLs makes Location headers relative instead of absolute.
	RelativeURLs bool `yaml:"relativeurls,omitempty"`

	// DrainTimeout bounds graceful shutdown.
	DrainTimeout time.Duration `yaml:"draintimeout,omitempty"`
}

// Parameters is a driver-specific options map.
type Parameters map[string]interface{}

// Storage selects and parameterizes the storage driver. It is a map with a
// single key: the driver name.
type Storage map[string]Parameters

// Type returns the selected storage driver name.
func (storage Storage) Type() string {
	for k := range storage {
		return k
	}
	return ""
}

// Parameters returns the Parameters map for a Storage configuration.
func (storage Storage) Parameters() Parameters {
	return storage[storage.Type()]
}

// Auth configures authentication and the token service.
type Auth struct {
	// TokenAuthDisabled turns off bearer token enforcement entirely. Meant
	// for development only.
	TokenAuthDisabled bool `yaml:"token_auth_disabled"`

	// Realm is the basic-auth realm presented by the token endpoint.
	Realm string `yaml:"realm"`

	// HTPasswdPath is the credential file checked by the token endpoint.
	HTPasswdPath string `yaml:"htpasswd_path"`

	Token Token `yaml:"token"`
}

// Token configures bearer token issuance and verification.
type Token struct {
	// ServerURL is the externally reachable token endpoint, advertised in
	// auth challenges.
	ServerURL string `yaml:"token_server_url"`

	// Issuer is the "iss" claim written into and required of tokens.
	Issuer string `yaml:"issuer"`

	// Service is the audience tokens must be addressed to.
	Service string `yaml:"service"`

	// SignatureAlgorithm selects the JWS algorithm: ES256, RS256 or PS256.
	SignatureAlgorithm string `yaml:"token_signature_algorithm"`

	// PrivateKeyPath and PublicKeyPath hold the signing key pair in PEM
	// form. When unset, an ephemeral ES256 key is generated at startup.
	PrivateKeyPath string `yaml:"private_key_path"`
	PublicKeyPath  string `yaml:"public_key_path"`

	// ExpirationSeconds is the token lifetime.
	ExpirationSeconds int `yaml:"token_expiration_seconds"`
}

// Redis configures the shared manifest cache backend.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// Registry configures content policy and optional features.
type Registry struct {
	// OCIPayloadMaxBytes caps manifest payload sizes. Zero keeps the
	// built-in default.
	OCIPayloadMaxBytes int64 `yaml:"oci_payload_max_bytes"`

	// AdditionalOCIArtifactTypes extends the accepted artifact media
	// types: config media type mapped to its permitted layer types.
	AdditionalOCIArtifactTypes map[string][]string `yaml:"additional_oci_artifact_types,omitempty"`

	// RelaxedLayerChecks disables the layer media type allow-list.
	RelaxedLayerChecks bool `yaml:"relaxed_layer_checks"`

	// FlatpakIndexEnabled serves the flatpak index endpoints.
	FlatpakIndexEnabled bool `yaml:"flatpak_index_enabled"`

	// CacheEnabled turns on the manifest response cache.
	CacheEnabled bool `yaml:"cache_enabled"`

	// Redis, when configured, backs the manifest cache; otherwise an
	// in-process cache is used.
	Redis *Redis `yaml:"redis,omitempty"`

	// MaxParallelSigningTasks caps concurrent invocations of the signing
	// command.
	MaxParallelSigningTasks int64 `yaml:"max_parallel_signing_tasks"`

	// SigningCommand is the external command producing detached
	// signatures. Empty disables server-side signing.
	SigningCommand string `yaml:"signing_command,omitempty"`

	// SigningKeyID names the key the signing command should use.
	SigningKeyID string `yaml:"signing_key_id,omitempty"`

	// ReclaimInterval is how often orphaned content is swept from the
	// graph and object store. Zero disables the periodic sweep.
	ReclaimInterval time.Duration `yaml:"reclaim_interval"`

	// Remotes declares upstream registries available for syncing and
	// pull-through caching.
	Remotes []RemoteConfig `yaml:"remotes,omitempty"`

	// Distributions declares the base paths served at startup. Push
	// repositories are additionally created on the fly.
	Distributions []DistributionConfig `yaml:"distributions,omitempty"`
}

// RemoteConfig declares one upstream registry.
type RemoteConfig struct {
	Name          string   `yaml:"name"`
	URL           string   `yaml:"url"`
	UpstreamName  string   `yaml:"upstream_name"`
	Username      string   `yaml:"username,omitempty"`
	Password      string   `yaml:"password,omitempty"`
	SigstoreURL   string   `yaml:"sigstore_url,omitempty"`
	Policy        string   `yaml:"policy,omitempty"`
	IncludeTags   []string `yaml:"include_tags,omitempty"`
	ExcludeTags   []string `yaml:"exclude_tags,omitempty"`
	TLSSkipVerify bool     `yaml:"tls_skip_verify,omitempty"`
}

// DistributionConfig declares one served base path.
type DistributionConfig struct {
	BasePath   string `yaml:"base_path"`
	Repository string `yaml:"repository"`
	Private    bool   `yaml:"private,omitempty"`
	Remote     string `yaml:"remote,omitempty"`
}

// Validate checks the configuration for fatal inconsistencies.
func (c *Configuration) Validate() error {
	if c.Version != "0.1" {
		return fmt.Errorf("unsupported configuration version %q", c.Version)
	}
	if c.Storage.Type() == "" {
		return fmt.Errorf("no storage driver configured")
	}
	if len(c.Storage) > 1 {
		return fmt.Errorf("must provide exactly one storage driver, got %d", len(c.Storage))
	}
	if !c.Auth.TokenAuthDisabled {
		if c.Auth.Token.ServerURL == "" {
			return fmt.Errorf("auth.token.token_server_url is required unless token auth is disabled")
		}
		if c.Auth.Token.Service == "" {
			return fmt.Errorf("auth.token.service is required unless token auth is disabled")
		}
	}
	return nil
}
