package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/stevedore-project/stevedore/registry/api/errcode"
	"github.com/stevedore-project/stevedore/registry/auth/token"
)

// tokenResponse is the body returned by the token endpoint, shaped per the
// docker token specification.
type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	IssuedAt    string `json:"issued_at"`
}

// tokenHandler implements the docker token endpoint. Clients present basic
// credentials (or none, for anonymous access) and a list of requested
// scopes; they get back a bearer token carrying the granted subset.
func (app *App) tokenHandler(w http.ResponseWriter, r *http.Request) {
	ctx := app.context(r)

	if app.issuer == nil {
		errcode.ServeJSON(w, errcode.ErrorCodeUnavailable.WithMessage("token authentication is not configured"))
		return
	}

	account := r.URL.Query().Get("account")
	service := r.URL.Query().Get("service")
	scopes := r.URL.Query()["scope"]

	if username, password, ok := r.BasicAuth(); ok {
		if app.credentials == nil {
			errcode.ServeJSON(w, errcode.ErrorCodeUnauthorized.WithMessage("credential authentication is not configured"))
			return
		}
		if err := app.credentials.AuthenticateUser(username, password); err != nil {
			ctx.log().Warnf("failed authentication for %q: %v", username, err)
			errcode.ServeJSON(w, errcode.ErrorCodeUnauthorized.WithMessage("invalid credentials"))
			return
		}
		account = username
	} else if account != "" {
		// An account without credentials only gets anonymous grants.
		account = ""
	}

	requested := token.ParseScopes(scopes)
	granted := app.evaluator.Evaluate(account, requested)

	signed, claims, err := app.issuer.Issue(account, service, granted)
	if err != nil {
		ctx.log().Errorf("issuing token: %v", err)
		errcode.ServeJSON(w, errcode.ErrorCodeUnknown.WithMessage("token issue failed"))
		return
	}

	expiresIn := int(claims.ExpiresAt.Sub(claims.IssuedAt.Time) / time.Second)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tokenResponse{
		Token:       signed,
		AccessToken: signed,
		ExpiresIn:   expiresIn,
		IssuedAt:    claims.IssuedAt.Time.Format(time.RFC3339),
	})
}
