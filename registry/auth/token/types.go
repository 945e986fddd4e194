// Package token implements the bearer token side of the distribution auth
// flow: issuing JWTs scoped to granted resources, verifying them on API
// requests, and evaluating which of a client's requested scopes its account
// actually permits.
package token

import (
	"github.com/golang-jwt/jwt/v4"
)

// ResourceActions stores allowed actions on a named and typed resource.
type ResourceActions struct {
	Type    string   `json:"type"`
	Class   string   `json:"class,omitempty"`
	Name    string   `json:"name"`
	Actions []string `json:"actions"`
}

// ClaimSet describes the main section of a JSON Web Token.
type ClaimSet struct {
	jwt.RegisteredClaims

	// Access carries the resource grants the token conveys.
	Access []*ResourceActions `json:"access"`
}

// contains reports whether the claim set grants the action on the resource.
func (c *ClaimSet) contains(resourceType, resourceName, action string) bool {
	for _, ra := range c.Access {
		if ra.Type != resourceType || ra.Name != resourceName {
			continue
		}
		for _, a := range ra.Actions {
			if a == action || a == "*" {
				return true
			}
		}
	}
	return false
}

// Resource action names used across the token flow.
const (
	ActionPull = "pull"
	ActionPush = "push"
	ActionAll  = "*"
)

// Resource types used across the token flow.
const (
	TypeRepository = "repository"
	TypeRegistry   = "registry"
)
