package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

func TestAcceptsTag(t *testing.T) {
	cases := []struct {
		include []string
		exclude []string
		tag     string
		want    bool
	}{
		{nil, nil, "latest", true},
		{[]string{"v*"}, nil, "v1.2", true},
		{[]string{"v*"}, nil, "latest", false},
		{nil, []string{"*-rc*"}, "v1.0-rc1", false},
		{nil, []string{"*-rc*"}, "v1.0", true},
		{[]string{"v*"}, []string{"v0*"}, "v0.9", false},
		{[]string{"v*"}, []string{"v0*"}, "v1.0", true},
		{[]string{"["}, nil, "anything", false},
	}
	for _, c := range cases {
		r := &Remote{IncludeTags: c.include, ExcludeTags: c.exclude}
		require.Equal(t, c.want, r.AcceptsTag(c.tag), "include=%v exclude=%v tag=%s", c.include, c.exclude, c.tag)
	}
}

func TestStore(t *testing.T) {
	s := NewStore()
	s.Add(&Remote{Name: "upstream"})

	r, err := s.Get("upstream")
	require.NoError(t, err)
	require.Equal(t, "upstream", r.Name)

	_, err = s.Get("nope")
	require.Error(t, err)

	require.NoError(t, s.Delete("upstream"))
	_, err = s.Get("upstream")
	require.Error(t, err)
}

func TestParseChallenges(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	resp.Header.Add("Www-Authenticate", `Bearer realm="https://auth.example.com/token",service="registry.example.com",scope="repository:library/busybox:pull"`)

	challenges := parseChallenges(resp)
	require.Len(t, challenges, 1)
	require.Equal(t, "bearer", challenges[0].Scheme)
	require.Equal(t, "https://auth.example.com/token", challenges[0].Parameters["realm"])
	require.Equal(t, "registry.example.com", challenges[0].Parameters["service"])
}

func TestClientTagsFollowsPagination(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/library/busybox/tags/list", r.URL.Path)
		switch r.URL.Query().Get("last") {
		case "":
			w.Header().Set("Link", fmt.Sprintf(`<%s/v2/library/busybox/tags/list?last=b&n=2>; rel="next"`, server.URL))
			json.NewEncoder(w).Encode(map[string]interface{}{"name": "library/busybox", "tags": []string{"a", "b"}})
		case "b":
			json.NewEncoder(w).Encode(map[string]interface{}{"name": "library/busybox", "tags": []string{"c"}})
		default:
			t.Fatalf("unexpected page %q", r.URL.RawQuery)
		}
	}))
	defer server.Close()

	c := NewClient(&Remote{Name: "test", URL: server.URL, UpstreamName: "library/busybox"})
	tags, err := c.Tags(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, tags)
}

func TestClientGetManifest(t *testing.T) {
	payload := []byte(`{"schemaVersion":2}`)
	dgst := digest.FromBytes(payload)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/library/busybox/manifests/latest":
			require.Contains(t, r.Header.Values("Accept"), "application/vnd.oci.image.manifest.v1+json")
			w.Header().Set("Content-Type", "application/vnd.docker.distribution.manifest.v2+json")
			w.Header().Set("Docker-Content-Digest", dgst.String())
			w.Write(payload)
		case "/v2/library/busybox/manifests/missing":
			w.WriteHeader(http.StatusNotFound)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	c := NewClient(&Remote{Name: "test", URL: server.URL, UpstreamName: "library/busybox"})

	got, mediaType, gotDigest, err := c.GetManifest(context.Background(), "latest")
	require.NoError(t, err)
	require.Equal(t, payload, got)
	require.Equal(t, "application/vnd.docker.distribution.manifest.v2+json", mediaType)
	require.Equal(t, dgst, gotDigest)

	_, _, _, err = c.GetManifest(context.Background(), "missing")
	var notFound ErrUpstreamNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestClientBearerTokenFlow(t *testing.T) {
	const tokenValue = "sesame"

	tokenRequests := 0
	authServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenRequests++
		require.Equal(t, "repository:library/busybox:pull", r.URL.Query().Get("scope"))
		json.NewEncoder(w).Encode(map[string]interface{}{"token": tokenValue, "expires_in": 300})
	}))
	defer authServer.Close()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+tokenValue {
			w.Header().Set("Www-Authenticate", fmt.Sprintf(`Bearer realm=%q,service="test"`, authServer.URL))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"name": "library/busybox", "tags": []string{"latest"}})
	}))
	defer server.Close()

	c := NewClient(&Remote{Name: "test", URL: server.URL, UpstreamName: "library/busybox"})

	tags, err := c.Tags(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"latest"}, tags)

	// The cached token is reused; no second trip to the token server.
	_, err = c.Tags(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, tokenRequests)
}

func TestClientOpenBlob(t *testing.T) {
	payload := []byte("blob bytes")
	dgst := digest.FromBytes(payload)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/library/busybox/blobs/"+dgst.String(), r.URL.Path)
		w.Write(payload)
	}))
	defer server.Close()

	c := NewClient(&Remote{Name: "test", URL: server.URL, UpstreamName: "library/busybox"})
	rc, size, err := c.OpenBlob(context.Background(), dgst)
	require.NoError(t, err)
	defer rc.Close()
	require.Equal(t, int64(len(payload)), size)

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}
