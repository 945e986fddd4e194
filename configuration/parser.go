package configuration

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// envPrefix is the prefix of environment variables that override
// configuration file values.
const envPrefix = "STEVEDORE"

// Parse reads a YAML configuration, applies defaults and environment
// overrides, and validates the result.
func Parse(rd io.Reader) (*Configuration, error) {
	in, err := io.ReadAll(rd)
	if err != nil {
		return nil, err
	}

	config := defaultConfiguration()
	if err := yaml.Unmarshal(in, config); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func defaultConfiguration() *Configuration {
	return &Configuration{
		Version: "0.1",
		Log: Log{
			Level:     "info",
			Formatter: "text",
		},
		HTTP: HTTP{
			Addr:         ":5000",
			DrainTimeout: 10 * time.Second,
		},
		Auth: Auth{
			Realm: "stevedore",
			Token: Token{
				Issuer:             "stevedore-token-service",
				SignatureAlgorithm: "ES256",
				ExpirationSeconds:  300,
			},
		},
		Registry: Registry{
			MaxParallelSigningTasks: 10,
		},
	}
}

// applyEnvOverrides maps STEVEDORE_* environment variables onto the
// configuration. Only scalar knobs are overridable; structured sections
// belong in the file.
func applyEnvOverrides(c *Configuration) {
	envString("LOG_LEVEL", &c.Log.Level)
	envString("LOG_FORMATTER", &c.Log.Formatter)

	envString("HTTP_ADDR", &c.HTTP.Addr)
	envString("HTTP_PREFIX", &c.HTTP.Prefix)
	envBool("HTTP_RELATIVEURLS", &c.HTTP.RelativeURLs)

	if driver, ok := os.LookupEnv(envPrefix + "_STORAGE"); ok {
		params := Parameters{}
		if root, ok := os.LookupEnv(envPrefix + "_STORAGE_ROOTDIRECTORY"); ok {
			params["rootdirectory"] = root
		}
		c.Storage = Storage{driver: params}
	}

	envBool("AUTH_TOKEN_AUTH_DISABLED", &c.Auth.TokenAuthDisabled)
	envString("AUTH_REALM", &c.Auth.Realm)
	envString("AUTH_HTPASSWD_PATH", &c.Auth.HTPasswdPath)
	envString("AUTH_TOKEN_SERVER_URL", &c.Auth.Token.ServerURL)
	envString("AUTH_TOKEN_ISSUER", &c.Auth.Token.Issuer)
	envString("AUTH_TOKEN_SERVICE", &c.Auth.Token.Service)
	envString("AUTH_TOKEN_SIGNATURE_ALGORITHM", &c.Auth.Token.SignatureAlgorithm)
	envString("AUTH_TOKEN_PRIVATE_KEY_PATH", &c.Auth.Token.PrivateKeyPath)
	envString("AUTH_TOKEN_PUBLIC_KEY_PATH", &c.Auth.Token.PublicKeyPath)
	envInt("AUTH_TOKEN_EXPIRATION_SECONDS", &c.Auth.Token.ExpirationSeconds)

	envInt64("REGISTRY_OCI_PAYLOAD_MAX_BYTES", &c.Registry.OCIPayloadMaxBytes)
	envBool("REGISTRY_RELAXED_LAYER_CHECKS", &c.Registry.RelaxedLayerChecks)
	envBool("REGISTRY_FLATPAK_INDEX_ENABLED", &c.Registry.FlatpakIndexEnabled)
	envBool("REGISTRY_CACHE_ENABLED", &c.Registry.CacheEnabled)
	envInt64("REGISTRY_MAX_PARALLEL_SIGNING_TASKS", &c.Registry.MaxParallelSigningTasks)
	envString("REGISTRY_SIGNING_COMMAND", &c.Registry.SigningCommand)
	envString("REGISTRY_SIGNING_KEY_ID", &c.Registry.SigningKeyID)
	envDuration("REGISTRY_RECLAIM_INTERVAL", &c.Registry.ReclaimInterval)

	if addr, ok := os.LookupEnv(envPrefix + "_REGISTRY_REDIS_ADDR"); ok {
		if c.Registry.Redis == nil {
			c.Registry.Redis = &Redis{}
		}
		c.Registry.Redis.Addr = addr
		envString("REGISTRY_REDIS_PASSWORD", &c.Registry.Redis.Password)
		envInt("REGISTRY_REDIS_DB", &c.Registry.Redis.DB)
	}
}

func envString(suffix string, target *string) {
	if v, ok := os.LookupEnv(envPrefix + "_" + suffix); ok {
		*target = v
	}
}

func envBool(suffix string, target *bool) {
	if v, ok := os.LookupEnv(envPrefix + "_" + suffix); ok {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*target = parsed
		}
	}
}

func envInt(suffix string, target *int) {
	if v, ok := os.LookupEnv(envPrefix + "_" + suffix); ok {
		if parsed, err := strconv.Atoi(v); err == nil {
			*target = parsed
		}
	}
}

func envDuration(suffix string, target *time.Duration) {
	if v, ok := os.LookupEnv(envPrefix + "_" + suffix); ok {
		if parsed, err := time.ParseDuration(v); err == nil {
			*target = parsed
		}
	}
}

func envInt64(suffix string, target *int64) {
	if v, ok := os.LookupEnv(envPrefix + "_" + suffix); ok {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = parsed
		}
	}
}
