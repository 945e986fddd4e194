// Package htpasswd provides a simple authentication scheme that checks for
// the user credential hash in an htpasswd formatted file in a configuration-
// determined location.
//
// This authentication method MUST be used under TLS, as simple token-replay
// attack is possible.
package htpasswd

import (
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/stevedore-project/stevedore/internal/dcontext"
	"github.com/stevedore-project/stevedore/registry/auth"
)

type accessController struct {
	realm string
	path  string
	mu    sync.Mutex
}

var _ auth.AccessController = &accessController{}
var _ auth.CredentialAuthenticator = &accessController{}

func newAccessController(options map[string]interface{}) (auth.AccessController, error) {
	realm, present := options["realm"]
	if _, ok := realm.(string); !present || !ok {
		return nil, fmt.Errorf(`"realm" must be set for htpasswd access controller`)
	}

	pathOpt, present := options["path"]
	path, ok := pathOpt.(string)
	if !present || !ok {
		return nil, fmt.Errorf(`"path" must be set for htpasswd access controller`)
	}
	if err := createHtpasswdFile(path); err != nil {
		return nil, err
	}
	return &accessController{realm: realm.(string), path: path}, nil
}

func (ac *accessController) Authorized(req *http.Request, accessRecords ...auth.Access) (*auth.Grant, error) {
	username, password, ok := req.BasicAuth()
	if !ok {
		return nil, &challenge{
			realm: ac.realm,
			err:   auth.ErrInvalidCredential,
		}
	}

	if err := ac.AuthenticateUser(username, password); err != nil {
		dcontext.GetLogger(req.Context()).Errorf("error authenticating user %q: %v", username, err)
		return nil, &challenge{
			realm: ac.realm,
			err:   auth.ErrAuthenticationFailure,
		}
	}

	return &auth.Grant{User: auth.UserInfo{Name: username}}, nil
}

// AuthenticateUser checks a username and password against the htpasswd
// file backing the controller, reloading the file when it changes on disk.
func (ac *accessController) AuthenticateUser(username, password string) error {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	f, err := os.Open(ac.path)
	if err != nil {
		return err
	}
	defer f.Close()

	h, err := newHTPasswd(f)
	if err != nil {
		return err
	}

	return h.authenticateUser(username, password)
}

// createHtpasswdFile creates and populates htpasswd file with a new user in
// case the file is missing.
func createHtpasswdFile(path string) error {
	if f, err := os.Open(path); err == nil {
		f.Close()
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open htpasswd path %s", err)
	}
	return f.Close()
}

// challenge implements the auth.Challenge interface.
type challenge struct {
	realm string
	err   error
}

var _ auth.Challenge = challenge{}

// SetHeaders sets the basic challenge header on the response.
func (ch challenge) SetHeaders(r *http.Request, w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", ch.realm))
}

func (ch challenge) Error() string {
	return fmt.Sprintf("basic authentication challenge for realm %q: %s", ch.realm, ch.err)
}

func init() {
	auth.Register("htpasswd", auth.InitFunc(newAccessController))
}
