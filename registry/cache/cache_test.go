package cache

import (
	"context"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	require.Equal(t,
		"library/busybox@3|latest|application/vnd.oci.image.manifest.v1+json",
		Key("library/busybox", 3, "latest", "application/vnd.oci.image.manifest.v1+json"))

	// A new version produces a different key for the same reference.
	require.NotEqual(t,
		Key("library/busybox", 3, "latest", "p"),
		Key("library/busybox", 4, "latest", "p"))
}

func TestInMemoryCache(t *testing.T) {
	c, err := NewInMemory(100, time.Minute)
	require.NoError(t, err)

	ctx := context.Background()
	payload := []byte(`{"schemaVersion":2}`)
	entry := Entry{
		Payload:   payload,
		MediaType: "application/vnd.oci.image.manifest.v1+json",
		Digest:    digest.FromBytes(payload),
	}

	_, ok := c.Get(ctx, "missing")
	require.False(t, ok)

	c.Set(ctx, "k", entry)
	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	require.Equal(t, entry, got)
}

func TestInMemoryCacheDefaults(t *testing.T) {
	c, err := NewInMemory(0, 0)
	require.NoError(t, err)

	ctx := context.Background()
	c.Set(ctx, "k", Entry{MediaType: "x"})
	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	require.Equal(t, "x", got.MediaType)
}
