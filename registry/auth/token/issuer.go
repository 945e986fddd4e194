package token

import (
	"crypto"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/docker/libtrust"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

// signingAlgorithms are the JWS algorithms the service will sign and accept.
var signingAlgorithms = []string{"ES256", "RS256", "PS256"}

// Issuer signs bearer tokens for the registry's token endpoint.
type Issuer struct {
	// Issuer is the "iss" claim, which verifying registries must trust.
	Issuer string

	// Expiration is the token lifetime.
	Expiration time.Duration

	alg   string
	key   crypto.PrivateKey
	keyID string
	clock clock.Clock
}

// NewIssuer builds an Issuer around a signing key. The key ID placed in the
// token header is derived from the public key the way libtrust-based
// registries expect, so any distribution-compatible verifier can match it.
func NewIssuer(issuer string, key crypto.PrivateKey, alg string, expiration time.Duration, clk clock.Clock) (*Issuer, error) {
	valid := false
	for _, a := range signingAlgorithms {
		if a == alg {
			valid = true
			break
		}
	}
	if !valid {
		return nil, fmt.Errorf("unsupported token signing algorithm %q", alg)
	}

	ltKey, err := libtrust.FromCryptoPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("deriving key ID: %w", err)
	}

	if expiration <= 0 {
		expiration = 5 * time.Minute
	}
	if clk == nil {
		clk = clock.New()
	}

	return &Issuer{
		Issuer:     issuer,
		Expiration: expiration,
		alg:        alg,
		key:        key,
		keyID:      ltKey.PublicKey().KeyID(),
		clock:      clk,
	}, nil
}

// KeyID returns the identifier of the signing key as it appears in token
// headers.
func (iss *Issuer) KeyID() string {
	return iss.keyID
}

// Issue signs a token for the subject, audience and granted access set. The
// grants must already be the evaluated intersection of what the client asked
// for and what the account may do.
func (iss *Issuer) Issue(subject, audience string, granted []*ResourceActions) (string, *ClaimSet, error) {
	now := iss.clock.Now().UTC()

	claims := &ClaimSet{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    iss.Issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(iss.Expiration)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		Access: granted,
	}
	if claims.Access == nil {
		claims.Access = []*ResourceActions{}
	}

	tok := jwt.NewWithClaims(jwt.GetSigningMethod(iss.alg), claims)
	tok.Header["kid"] = iss.keyID

	signed, err := tok.SignedString(iss.key)
	if err != nil {
		return "", nil, fmt.Errorf("signing token: %w", err)
	}
	return signed, claims, nil
}
