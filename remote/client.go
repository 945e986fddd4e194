package remote

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/opencontainers/go-digest"

	"github.com/stevedore-project/stevedore/internal/dcontext"
)

// manifestAcceptHeaders is the Accept set sent when fetching manifests, in
// preference order.
var manifestAcceptHeaders = []string{
	"application/vnd.docker.distribution.manifest.v2+json",
	"application/vnd.docker.distribution.manifest.list.v2+json",
	"application/vnd.oci.image.manifest.v1+json",
	"application/vnd.oci.image.index.v1+json",
	"application/vnd.docker.distribution.manifest.v1+prettyjws",
	"application/vnd.docker.distribution.manifest.v1+json",
}

// ErrUpstreamNotFound is returned for upstream 404s.
type ErrUpstreamNotFound struct {
	URL string
}

func (e ErrUpstreamNotFound) Error() string {
	return fmt.Sprintf("upstream resource not found: %s", e.URL)
}

// Client talks the distribution API to one remote, handling bearer and
// basic auth challenges and retrying transient failures.
type Client struct {
	remote *Remote
	http   *retryablehttp.Client
	tokens *tokenCache
}

// NewClient builds a Client for the given remote.
func NewClient(r *Remote) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.Logger = nil
	if r.TLSSkipVerify {
		rc.HTTPClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &Client{
		remote: r,
		http:   rc,
		tokens: newTokenCache(),
	}
}

// Remote returns the remote this client talks to.
func (c *Client) Remote() *Remote {
	return c.remote
}

func (c *Client) v2URL(parts ...string) string {
	return strings.TrimSuffix(c.remote.URL, "/") + "/v2/" + strings.Join(parts, "/")
}

// do performs an authenticated request against the remote, answering a 401
// by solving the server's challenge and retrying once.
func (c *Client) do(ctx context.Context, method, rawURL, scope string, header http.Header) (*http.Response, error) {
	attempt := func(authorization string) (*http.Response, error) {
		req, err := retryablehttp.NewRequestWithContext(ctx, method, rawURL, nil)
		if err != nil {
			return nil, err
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		if authorization != "" {
			req.Header.Set("Authorization", authorization)
		}
		return c.http.Do(req)
	}

	var authorization string
	if token, ok := c.tokens.get(scope); ok {
		authorization = "Bearer " + token
	}

	resp, err := attempt(authorization)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	challenges := parseChallenges(resp)
	resp.Body.Close()

	for _, ch := range challenges {
		switch ch.Scheme {
		case "bearer":
			token, err := c.fetchToken(ctx, ch, scope)
			if err != nil {
				return nil, err
			}
			return attempt("Bearer " + token)
		case "basic":
			if c.remote.Username == "" {
				continue
			}
			creds := base64.StdEncoding.EncodeToString([]byte(c.remote.Username + ":" + c.remote.Password))
			return attempt("Basic " + creds)
		}
	}

	return nil, fmt.Errorf("cannot satisfy auth challenge from %s", rawURL)
}

func pullScope(name string) string {
	return "repository:" + name + ":pull"
}

// Ping checks the remote answers the API version endpoint.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, c.v2URL(), "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("remote %s: unexpected status %d from version check", c.remote.Name, resp.StatusCode)
	}
	return nil
}

var nextLinkPattern = regexp.MustCompile(`<([^>]+)>;\s*rel="?next"?`)

// Tags lists every tag of the remote's upstream repository, following
// pagination links.
func (c *Client) Tags(ctx context.Context) ([]string, error) {
	name := c.remote.UpstreamName
	pageURL := c.v2URL(name, "tags", "list") + "?n=100"

	var tags []string
	for pageURL != "" {
		resp, err := c.do(ctx, http.MethodGet, pageURL, pullScope(name), nil)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("listing tags of %s: status %d", name, resp.StatusCode)
		}

		var page struct {
			Name string   `json:"name"`
			Tags []string `json:"tags"`
		}
		err = json.NewDecoder(resp.Body).Decode(&page)
		link := resp.Header.Get("Link")
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decoding tag list of %s: %w", name, err)
		}

		tags = append(tags, page.Tags...)

		pageURL = ""
		if m := nextLinkPattern.FindStringSubmatch(link); m != nil {
			next, err := url.Parse(m[1])
			if err != nil {
				return nil, fmt.Errorf("bad pagination link from %s: %w", name, err)
			}
			base, _ := url.Parse(c.remote.URL)
			pageURL = base.ResolveReference(next).String()
		}
	}

	dcontext.GetLogger(ctx).Debugf("remote %s: %d tag(s) in %s", c.remote.Name, len(tags), name)
	return tags, nil
}

// GetManifest fetches a manifest by tag or digest, returning the raw
// payload, its media type and the digest the upstream reported.
func (c *Client) GetManifest(ctx context.Context, ref string) ([]byte, string, digest.Digest, error) {
	name := c.remote.UpstreamName
	rawURL := c.v2URL(name, "manifests", ref)

	header := http.Header{}
	for _, mt := range manifestAcceptHeaders {
		header.Add("Accept", mt)
	}

	resp, err := c.do(ctx, http.MethodGet, rawURL, pullScope(name), header)
	if err != nil {
		return nil, "", "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, "", "", ErrUpstreamNotFound{URL: rawURL}
	default:
		return nil, "", "", fmt.Errorf("fetching manifest %s/%s: status %d", name, ref, resp.StatusCode)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", "", err
	}

	mediaType := resp.Header.Get("Content-Type")
	dgst := digest.Digest(resp.Header.Get("Docker-Content-Digest"))
	if dgst != "" {
		if err := dgst.Validate(); err != nil {
			dgst = ""
		}
	}

	return payload, mediaType, dgst, nil
}

// HeadManifest probes a manifest by reference, returning the digest the
// upstream advertises without transferring the payload.
func (c *Client) HeadManifest(ctx context.Context, ref string) (digest.Digest, error) {
	name := c.remote.UpstreamName
	rawURL := c.v2URL(name, "manifests", ref)

	header := http.Header{}
	for _, mt := range manifestAcceptHeaders {
		header.Add("Accept", mt)
	}

	resp, err := c.do(ctx, http.MethodHead, rawURL, pullScope(name), header)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", ErrUpstreamNotFound{URL: rawURL}
	default:
		return "", fmt.Errorf("probing manifest %s/%s: status %d", name, ref, resp.StatusCode)
	}

	dgst := digest.Digest(resp.Header.Get("Docker-Content-Digest"))
	if dgst == "" {
		return "", fmt.Errorf("upstream %s sent no digest for %s", name, ref)
	}
	if err := dgst.Validate(); err != nil {
		return "", fmt.Errorf("upstream %s sent invalid digest for %s: %w", name, ref, err)
	}
	return dgst, nil
}

// OpenBlob opens a streaming read of a blob from the upstream.
func (c *Client) OpenBlob(ctx context.Context, dgst digest.Digest) (io.ReadCloser, int64, error) {
	name := c.remote.UpstreamName
	rawURL := c.v2URL(name, "blobs", dgst.String())

	resp, err := c.do(ctx, http.MethodGet, rawURL, pullScope(name), nil)
	if err != nil {
		return nil, 0, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, 0, ErrUpstreamNotFound{URL: rawURL}
	default:
		resp.Body.Close()
		return nil, 0, fmt.Errorf("fetching blob %s from %s: status %d", dgst, name, resp.StatusCode)
	}

	return resp.Body, resp.ContentLength, nil
}

// ExtensionSignature is one signature entry from the signature extension
// endpoint.
type ExtensionSignature struct {
	SchemaVersion int    `json:"schemaVersion"`
	Name          string `json:"name"`
	Type          string `json:"type"`
	Content       []byte `json:"content"`
}

// ExtensionSignatures fetches signatures for a manifest through the
// extensions API. Registries without the extension yield an empty slice.
func (c *Client) ExtensionSignatures(ctx context.Context, dgst digest.Digest) ([]ExtensionSignature, error) {
	name := c.remote.UpstreamName
	rawURL := strings.TrimSuffix(c.remote.URL, "/") + "/extensions/v2/" + name + "/signatures/" + dgst.String()

	resp, err := c.do(ctx, http.MethodGet, rawURL, pullScope(name), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching signatures for %s: status %d", dgst, resp.StatusCode)
	}

	var body struct {
		Signatures []ExtensionSignature `json:"signatures"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding signatures for %s: %w", dgst, err)
	}
	return body.Signatures, nil
}

// SigstoreSignatures fetches signatures from the remote's lookaside
// sigstore, probing signature-1, signature-2, ... until the first miss.
func (c *Client) SigstoreSignatures(ctx context.Context, dgst digest.Digest) ([][]byte, error) {
	if c.remote.SigstoreURL == "" {
		return nil, nil
	}

	base := strings.TrimSuffix(c.remote.SigstoreURL, "/")
	dir := fmt.Sprintf("%s/%s@%s=%s", base, c.remote.UpstreamName, dgst.Algorithm(), dgst.Encoded())

	var sigs [][]byte
	for i := 1; ; i++ {
		rawURL := fmt.Sprintf("%s/signature-%d", dir, i)
		resp, err := c.do(ctx, http.MethodGet, rawURL, "", nil)
		if err != nil {
			return sigs, err
		}
		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			return sigs, nil
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return sigs, fmt.Errorf("fetching sigstore signature %s: status %d", rawURL, resp.StatusCode)
		}
		p, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return sigs, err
		}
		sigs = append(sigs, p)
	}
}
