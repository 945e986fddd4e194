package token

import (
	"crypto"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stevedore-project/stevedore/registry/auth"
)

var (
	// ErrTokenRequired is returned for requests carrying no bearer token.
	ErrTokenRequired = errors.New("authorization token required")

	// ErrInsufficientScope is returned when a token does not cover the
	// requested access.
	ErrInsufficientScope = errors.New("insufficient scope")
)

// authChallenge implements the auth.Challenge interface for bearer tokens.
type authChallenge struct {
	err            error
	realm          string
	service        string
	accessSet      []auth.Access
	scopeSpecifier string
}

var _ auth.Challenge = authChallenge{}

func (ac authChallenge) Error() string {
	return fmt.Sprintf("token auth attempt for realm %q: %s", ac.realm, ac.err)
}

// challengeParams constructs the value to be used in the WWW-Authenticate
// response challenge header, in the form
//
//	Bearer realm="...",service="...",scope="...",error="..."
func (ac authChallenge) challengeParams() string {
	str := fmt.Sprintf("Bearer realm=%q,service=%q", ac.realm, ac.service)

	if scope := ac.scope(); scope != "" {
		str = fmt.Sprintf("%s,scope=%q", str, scope)
	}

	switch {
	case errors.Is(ac.err, ErrTokenInvalid):
		str = fmt.Sprintf("%s,error=%q", str, "invalid_token")
	case errors.Is(ac.err, ErrInsufficientScope):
		str = fmt.Sprintf("%s,error=%q", str, "insufficient_scope")
	}

	return str
}

// scope renders the requested access set as a space-delimited scope field.
func (ac authChallenge) scope() string {
	if ac.scopeSpecifier != "" {
		return ac.scopeSpecifier
	}

	scopes := make([]string, 0, len(ac.accessSet))
	for _, a := range ac.accessSet {
		scopes = append(scopes, ScopeString(&ResourceActions{
			Type:    a.Type,
			Class:   a.Class,
			Name:    a.Name,
			Actions: []string{a.Action},
		}))
	}
	return strings.Join(scopes, " ")
}

// SetHeaders sets the WWW-Authenticate value for the response.
func (ac authChallenge) SetHeaders(r *http.Request, w http.ResponseWriter) {
	w.Header().Add("WWW-Authenticate", ac.challengeParams())
}

// accessController validates bearer tokens on registry API requests.
type accessController struct {
	realm    string
	service  string
	verifier *Verifier
}

var _ auth.AccessController = &accessController{}

// NewAccessController builds the bearer-token access controller used by the
// registry API. The realm is the token endpoint URL advertised in
// challenges; service is this registry's audience value; keys are the
// trusted signing keys by ID.
func NewAccessController(realm, issuer, service string, keys map[string]crypto.PublicKey) auth.AccessController {
	return &accessController{
		realm:    realm,
		service:  service,
		verifier: NewVerifier(issuer, service, keys),
	}
}

func (ac *accessController) Authorized(req *http.Request, accessItems ...auth.Access) (*auth.Grant, error) {
	challenge := authChallenge{
		realm:     ac.realm,
		service:   ac.service,
		accessSet: accessItems,
	}

	prefix, rawToken, ok := strings.Cut(req.Header.Get("Authorization"), " ")
	if !ok || rawToken == "" || !strings.EqualFold(prefix, "bearer") {
		challenge.err = ErrTokenRequired
		return nil, challenge
	}

	claims, err := ac.verifier.Verify(rawToken)
	if err != nil {
		challenge.err = err
		return nil, challenge
	}

	for _, access := range accessItems {
		if !claims.contains(access.Type, access.Name, access.Action) {
			challenge.err = fmt.Errorf("%w: %s:%s:%s", ErrInsufficientScope, access.Type, access.Name, access.Action)
			return nil, challenge
		}
	}

	resources := make([]auth.Resource, 0, len(claims.Access))
	for _, ra := range claims.Access {
		resources = append(resources, auth.Resource{
			Type:  ra.Type,
			Class: ra.Class,
			Name:  ra.Name,
		})
	}

	return &auth.Grant{
		User:      auth.UserInfo{Name: claims.Subject},
		Resources: resources,
	}, nil
}
