package token

import (
	"crypto"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v4"
)

var (
	// ErrTokenInvalid is returned for tokens that fail signature or claim
	// validation.
	ErrTokenInvalid = errors.New("invalid token")

	// ErrTokenKeyUnknown is returned when a token names a signing key the
	// verifier does not trust.
	ErrTokenKeyUnknown = errors.New("token signed by unknown key")
)

// Verifier validates bearer tokens presented to the registry API.
type Verifier struct {
	// Issuer is the trusted "iss" value.
	Issuer string

	// Service is the audience the token must be addressed to.
	Service string

	// Keys maps trusted key IDs to their public keys.
	Keys map[string]crypto.PublicKey

	parser *jwt.Parser
}

// NewVerifier builds a Verifier trusting the given keys.
func NewVerifier(issuer, service string, keys map[string]crypto.PublicKey) *Verifier {
	return &Verifier{
		Issuer:  issuer,
		Service: service,
		Keys:    keys,
		parser:  jwt.NewParser(jwt.WithValidMethods(signingAlgorithms)),
	}
}

// Verify validates a raw token and returns its claim set.
func (v *Verifier) Verify(rawToken string) (*ClaimSet, error) {
	claims := &ClaimSet{}
	_, err := v.parser.ParseWithClaims(rawToken, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := v.Keys[kid]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrTokenKeyUnknown, kid)
		}
		return key, nil
	})
	if err != nil {
		if errors.Is(err, ErrTokenKeyUnknown) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	if claims.Issuer != v.Issuer {
		return nil, fmt.Errorf("%w: untrusted issuer %q", ErrTokenInvalid, claims.Issuer)
	}

	audienceOK := false
	for _, aud := range claims.Audience {
		if aud == v.Service {
			audienceOK = true
			break
		}
	}
	if !audienceOK {
		return nil, fmt.Errorf("%w: token not intended for %q", ErrTokenInvalid, v.Service)
	}

	return claims, nil
}
