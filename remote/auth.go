package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// challenge is a parsed WWW-Authenticate challenge.
type challenge struct {
	Scheme     string
	Parameters map[string]string
}

// parseChallenges extracts the auth challenges from a 401 response. Only the
// schemes the client understands are returned.
func parseChallenges(resp *http.Response) []challenge {
	var out []challenge
	for _, h := range resp.Header.Values("WWW-Authenticate") {
		scheme, params := parseValueAndParams(h)
		if scheme == "" {
			continue
		}
		out = append(out, challenge{Scheme: scheme, Parameters: params})
	}
	return out
}

// parseValueAndParams splits "Bearer realm=...,service=..." into the scheme
// and its parameter map. Quoted values are unquoted.
func parseValueAndParams(header string) (string, map[string]string) {
	params := map[string]string{}
	idx := strings.IndexAny(header, " \t")
	if idx < 0 {
		return strings.ToLower(header), params
	}
	scheme := strings.ToLower(header[:idx])
	for _, part := range splitParams(header[idx+1:]) {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		value := strings.TrimSpace(kv[1])
		value = strings.Trim(value, `"`)
		params[key] = value
	}
	return scheme, params
}

// splitParams splits challenge parameters on commas outside quotes.
func splitParams(s string) []string {
	var parts []string
	var sb strings.Builder
	inQuotes := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			sb.WriteRune(r)
		case r == ',' && !inQuotes:
			parts = append(parts, sb.String())
			sb.Reset()
		default:
			sb.WriteRune(r)
		}
	}
	if sb.Len() > 0 {
		parts = append(parts, sb.String())
	}
	return parts
}

// tokenResponse is the body returned by a token server.
type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	IssuedAt    string `json:"issued_at"`
}

// tokenCache holds bearer tokens keyed by scope, refreshing them shortly
// before expiry.
type tokenCache struct {
	mu     sync.Mutex
	tokens map[string]cachedToken
}

type cachedToken struct {
	value   string
	expires time.Time
}

func newTokenCache() *tokenCache {
	return &tokenCache{tokens: make(map[string]cachedToken)}
}

func (tc *tokenCache) get(scope string) (string, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	t, ok := tc.tokens[scope]
	if !ok || time.Now().After(t.expires) {
		return "", false
	}
	return t.value, true
}

func (tc *tokenCache) put(scope, value string, ttl time.Duration) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	// Refresh a minute early so in-flight requests don't race expiry.
	if ttl > 2*time.Minute {
		ttl -= time.Minute
	}
	tc.tokens[scope] = cachedToken{value: value, expires: time.Now().Add(ttl)}
}

// fetchToken requests a bearer token from the realm named in a challenge,
// presenting the remote's basic credentials when it has any.
func (c *Client) fetchToken(ctx context.Context, ch challenge, scope string) (string, error) {
	realm := ch.Parameters["realm"]
	if realm == "" {
		return "", fmt.Errorf("bearer challenge without realm")
	}

	u, err := url.Parse(realm)
	if err != nil {
		return "", fmt.Errorf("invalid token realm %q: %w", realm, err)
	}
	q := u.Query()
	if service := ch.Parameters["service"]; service != "" {
		q.Set("service", service)
	}
	if scope != "" {
		q.Set("scope", scope)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	if c.remote.Username != "" {
		req.SetBasicAuth(c.remote.Username, c.remote.Password)
	}

	resp, err := c.http.StandardClient().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token server %s returned %d", realm, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}

	token := tr.Token
	if token == "" {
		token = tr.AccessToken
	}
	if token == "" {
		return "", fmt.Errorf("token server %s returned no token", realm)
	}

	ttl := time.Duration(tr.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Minute
	}
	c.tokens.put(scope, token, ttl)

	return token, nil
}
