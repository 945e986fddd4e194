package token

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/stevedore-project/stevedore/namespace"
)

func TestParseScope(t *testing.T) {
	ra, err := ParseScope("repository:library/busybox:pull,push")
	require.NoError(t, err)
	require.Equal(t, "repository", ra.Type)
	require.Equal(t, "library/busybox", ra.Name)
	require.Equal(t, []string{"pull", "push"}, ra.Actions)

	// Resource names may contain colons.
	ra, err = ParseScope("repository:localhost:5000/library/busybox:pull")
	require.NoError(t, err)
	require.Equal(t, "localhost:5000/library/busybox", ra.Name)
	require.Equal(t, []string{"pull"}, ra.Actions)

	// Class annotation.
	ra, err = ParseScope("repository(plugin):library/tool:pull")
	require.NoError(t, err)
	require.Equal(t, "repository", ra.Type)
	require.Equal(t, "plugin", ra.Class)

	for _, malformed := range []string{"", "repository", "repository:name", ":name:pull", "repository:name:"} {
		_, err := ParseScope(malformed)
		require.Error(t, err, malformed)
	}
}

func TestParseScopesDropsMalformed(t *testing.T) {
	out := ParseScopes([]string{
		"repository:good:pull",
		"garbage",
		"registry:catalog:*",
	})
	require.Len(t, out, 2)
}

func TestScopeString(t *testing.T) {
	ra := &ResourceActions{Type: "repository", Name: "library/busybox", Actions: []string{"push", "pull"}}
	require.Equal(t, "repository:library/busybox:pull,push", ScopeString(ra))

	ra = &ResourceActions{Type: "repository", Class: "plugin", Name: "x", Actions: []string{"pull"}}
	require.Equal(t, "repository(plugin):x:pull", ScopeString(ra))
}

func testEvaluator(t *testing.T) (*Evaluator, *namespace.Registry) {
	t.Helper()
	reg := namespace.NewRegistry()
	return NewEvaluator(reg), reg
}

func TestEvaluatePublicPull(t *testing.T) {
	e, _ := testEvaluator(t)

	granted := e.Evaluate("", ParseScopes([]string{"repository:library/busybox:pull"}))
	require.Len(t, granted, 1)
	require.Equal(t, []string{ActionPull}, granted[0].Actions)
}

func TestEvaluateAnonymousCannotPush(t *testing.T) {
	e, _ := testEvaluator(t)

	granted := e.Evaluate("", ParseScopes([]string{"repository:library/busybox:pull,push"}))
	require.Len(t, granted, 1)
	require.Equal(t, []string{ActionPull}, granted[0].Actions)
}

func TestEvaluateOwnerPushImpliesPull(t *testing.T) {
	e, reg := testEvaluator(t)
	ns, err := reg.EnsureNamespace("alice", "alice")
	require.NoError(t, err)
	_ = ns

	granted := e.Evaluate("alice", ParseScopes([]string{"repository:alice/app:push"}))
	require.Len(t, granted, 1)
	require.ElementsMatch(t, []string{ActionPush, ActionPull}, granted[0].Actions)
}

func TestEvaluateAccountNamespaceAutoCreate(t *testing.T) {
	e, _ := testEvaluator(t)

	// No namespace "bob" exists yet; the account may still claim it.
	granted := e.Evaluate("bob", ParseScopes([]string{"repository:bob/app:pull,push"}))
	require.Len(t, granted, 1)
	require.ElementsMatch(t, []string{ActionPush, ActionPull}, granted[0].Actions)

	// But not someone else's namespace.
	granted = e.Evaluate("bob", ParseScopes([]string{"repository:alice/app:push"}))
	require.Empty(t, granted)
}

func TestEvaluatePrivateDistribution(t *testing.T) {
	e, reg := testEvaluator(t)
	ns, err := reg.EnsureNamespace("org", "owner")
	require.NoError(t, err)
	ns.SetRole("reader", namespace.RoleConsumer)
	require.NoError(t, reg.CreateDistribution(&namespace.Distribution{
		BasePath:       "org/secret",
		RepositoryName: "org/secret",
		Private:        true,
	}))

	// Anonymous and unrelated accounts get nothing.
	require.Empty(t, e.Evaluate("", ParseScopes([]string{"repository:org/secret:pull"})))
	require.Empty(t, e.Evaluate("stranger", ParseScopes([]string{"repository:org/secret:pull"})))

	// A consumer role may pull but not push.
	granted := e.Evaluate("reader", ParseScopes([]string{"repository:org/secret:pull,push"}))
	require.Len(t, granted, 1)
	require.Equal(t, []string{ActionPull}, granted[0].Actions)

	// The owner may do both.
	granted = e.Evaluate("owner", ParseScopes([]string{"repository:org/secret:pull,push"}))
	require.Len(t, granted, 1)
	require.ElementsMatch(t, []string{ActionPush, ActionPull}, granted[0].Actions)
}

func TestEvaluateCatalog(t *testing.T) {
	e, _ := testEvaluator(t)

	require.Empty(t, e.Evaluate("", ParseScopes([]string{"registry:catalog:*"})))

	granted := e.Evaluate("alice", ParseScopes([]string{"registry:catalog:*"}))
	require.Len(t, granted, 1)
	require.Equal(t, []string{ActionAll}, granted[0].Actions)
}

func TestIssueAndVerifyES256(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	issuer, err := NewIssuer("registry-token-issuer", key, "ES256", 5*time.Minute, clock.New())
	require.NoError(t, err)

	access := []*ResourceActions{{Type: "repository", Name: "library/busybox", Actions: []string{"pull"}}}
	signed, claims, err := issuer.Issue("alice", "registry.example.com", access)
	require.NoError(t, err)
	require.NotEmpty(t, signed)
	require.Equal(t, "alice", claims.Subject)

	verifier := NewVerifier("registry-token-issuer", "registry.example.com", map[string]crypto.PublicKey{
		issuer.KeyID(): key.Public(),
	})
	verified, err := verifier.Verify(signed)
	require.NoError(t, err)
	require.Len(t, verified.Access, 1)
	require.Equal(t, "library/busybox", verified.Access[0].Name)
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	issuer, err := NewIssuer("registry-token-issuer", key, "ES256", 5*time.Minute, clock.New())
	require.NoError(t, err)

	signed, _, err := issuer.Issue("alice", "other-service", nil)
	require.NoError(t, err)

	verifier := NewVerifier("registry-token-issuer", "registry.example.com", map[string]crypto.PublicKey{
		issuer.KeyID(): key.Public(),
	})
	_, err = verifier.Verify(signed)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyRejectsUnknownKey(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	issuer, err := NewIssuer("registry-token-issuer", key, "ES256", 5*time.Minute, clock.New())
	require.NoError(t, err)

	signed, _, err := issuer.Issue("alice", "svc", nil)
	require.NoError(t, err)

	verifier := NewVerifier("registry-token-issuer", "svc", map[string]crypto.PublicKey{})
	_, err = verifier.Verify(signed)
	require.Error(t, err)
}

func TestIssuerRS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	issuer, err := NewIssuer("iss", key, "RS256", time.Minute, clock.New())
	require.NoError(t, err)

	signed, _, err := issuer.Issue("bob", "svc", nil)
	require.NoError(t, err)

	verifier := NewVerifier("iss", "svc", map[string]crypto.PublicKey{issuer.KeyID(): key.Public()})
	_, err = verifier.Verify(signed)
	require.NoError(t, err)
}

func TestIssuerRejectsUnknownAlgorithm(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	_, err = NewIssuer("iss", key, "HS256", time.Minute, clock.New())
	require.Error(t, err)
}
