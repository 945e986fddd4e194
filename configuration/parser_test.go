package configuration

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const minimalConfig = `
version: "0.1"
storage:
  inmemory: {}
auth:
  token_auth_disabled: true
`

func TestParseMinimal(t *testing.T) {
	c, err := Parse(strings.NewReader(minimalConfig))
	require.NoError(t, err)

	require.Equal(t, "inmemory", c.Storage.Type())
	require.Equal(t, "info", c.Log.Level)
	require.Equal(t, "text", c.Log.Formatter)
	require.Equal(t, ":5000", c.HTTP.Addr)
	require.Equal(t, 10*time.Second, c.HTTP.DrainTimeout)
	require.Equal(t, "ES256", c.Auth.Token.SignatureAlgorithm)
	require.Equal(t, 300, c.Auth.Token.ExpirationSeconds)
}

func TestParseFull(t *testing.T) {
	in := `
version: "0.1"
log:
  level: debug
  formatter: json
http:
  addr: ":5001"
  prefix: /registry/
storage:
  filesystem:
    rootdirectory: /var/lib/stevedore
auth:
  realm: example
  token:
    token_server_url: https://registry.example.com/token
    issuer: example-issuer
    service: registry.example.com
registry:
  oci_payload_max_bytes: 1048576
  reclaim_interval: 1h
  relaxed_layer_checks: true
  flatpak_index_enabled: true
  additional_oci_artifact_types:
    application/x-custom-config:
      - application/x-custom-layer
  remotes:
    - name: upstream
      url: https://registry-1.docker.io
      upstream_name: library/busybox
      policy: on_demand
      include_tags: ["latest", "v*"]
  distributions:
    - base_path: cache/busybox
      repository: cache/busybox
      remote: upstream
`
	c, err := Parse(strings.NewReader(in))
	require.NoError(t, err)

	require.Equal(t, "debug", c.Log.Level)
	require.Equal(t, "json", c.Log.Formatter)
	require.Equal(t, "filesystem", c.Storage.Type())
	require.Equal(t, "/var/lib/stevedore", c.Storage.Parameters()["rootdirectory"])
	require.Equal(t, "example-issuer", c.Auth.Token.Issuer)
	require.Equal(t, int64(1048576), c.Registry.OCIPayloadMaxBytes)
	require.Equal(t, time.Hour, c.Registry.ReclaimInterval)
	require.True(t, c.Registry.RelaxedLayerChecks)
	require.Equal(t, []string{"application/x-custom-layer"},
		c.Registry.AdditionalOCIArtifactTypes["application/x-custom-config"])
	require.Len(t, c.Registry.Remotes, 1)
	require.Equal(t, "on_demand", c.Registry.Remotes[0].Policy)
	require.Equal(t, []string{"latest", "v*"}, c.Registry.Remotes[0].IncludeTags)
	require.Len(t, c.Registry.Distributions, 1)
	require.Equal(t, "upstream", c.Registry.Distributions[0].Remote)
}

func TestParseEnvOverrides(t *testing.T) {
	t.Setenv("STEVEDORE_LOG_LEVEL", "error")
	t.Setenv("STEVEDORE_HTTP_ADDR", ":8080")
	t.Setenv("STEVEDORE_STORAGE", "filesystem")
	t.Setenv("STEVEDORE_STORAGE_ROOTDIRECTORY", "/srv/registry")
	t.Setenv("STEVEDORE_REGISTRY_CACHE_ENABLED", "true")
	t.Setenv("STEVEDORE_AUTH_TOKEN_EXPIRATION_SECONDS", "900")

	c, err := Parse(strings.NewReader(minimalConfig))
	require.NoError(t, err)

	require.Equal(t, "error", c.Log.Level)
	require.Equal(t, ":8080", c.HTTP.Addr)
	require.Equal(t, "filesystem", c.Storage.Type())
	require.Equal(t, "/srv/registry", c.Storage.Parameters()["rootdirectory"])
	require.True(t, c.Registry.CacheEnabled)
	require.Equal(t, 900, c.Auth.Token.ExpirationSeconds)
}

func TestParseRedisEnvOverride(t *testing.T) {
	t.Setenv("STEVEDORE_REGISTRY_REDIS_ADDR", "localhost:6379")
	t.Setenv("STEVEDORE_REGISTRY_REDIS_DB", "2")

	c, err := Parse(strings.NewReader(minimalConfig))
	require.NoError(t, err)
	require.NotNil(t, c.Registry.Redis)
	require.Equal(t, "localhost:6379", c.Registry.Redis.Addr)
	require.Equal(t, 2, c.Registry.Redis.DB)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "bad version",
			in:   "version: \"9.9\"\nstorage:\n  inmemory: {}\nauth:\n  token_auth_disabled: true\n",
			want: "unsupported configuration version",
		},
		{
			name: "no storage",
			in:   "version: \"0.1\"\nauth:\n  token_auth_disabled: true\n",
			want: "no storage driver",
		},
		{
			name: "two storage drivers",
			in:   "version: \"0.1\"\nstorage:\n  inmemory: {}\n  filesystem: {}\nauth:\n  token_auth_disabled: true\n",
			want: "exactly one storage driver",
		},
		{
			name: "token auth without server url",
			in:   "version: \"0.1\"\nstorage:\n  inmemory: {}\n",
			want: "token_server_url is required",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(c.in))
			require.ErrorContains(t, err, c.want)
		})
	}
}
