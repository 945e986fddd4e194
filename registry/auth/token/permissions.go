package token

import (
	"github.com/stevedore-project/stevedore/namespace"
)

// Evaluator computes the intersection of the scopes a client requests and
// what its account is permitted to do. The result is what gets signed into
// the token; the API side then only has to trust the claims.
type Evaluator struct {
	namespaces *namespace.Registry
}

// NewEvaluator builds an Evaluator over the namespace registry.
func NewEvaluator(reg *namespace.Registry) *Evaluator {
	return &Evaluator{namespaces: reg}
}

// Evaluate filters the requested scopes down to the granted ones for the
// given account. An empty account is an anonymous client.
func (e *Evaluator) Evaluate(account string, requested []*ResourceActions) []*ResourceActions {
	granted := make([]*ResourceActions, 0, len(requested))
	for _, ra := range requested {
		if g := e.evaluateOne(account, ra); g != nil {
			granted = append(granted, g)
		}
	}
	return granted
}

func (e *Evaluator) evaluateOne(account string, ra *ResourceActions) *ResourceActions {
	switch ra.Type {
	case TypeRegistry:
		// The catalog is open to any authenticated account; the listing
		// itself is filtered by visibility when served.
		if ra.Name == "catalog" && account != "" {
			return &ResourceActions{Type: ra.Type, Class: ra.Class, Name: ra.Name, Actions: []string{ActionAll}}
		}
		return nil

	case TypeRepository:
		canPull, canPush := e.repositoryPermissions(account, ra.Name)

		actions := make([]string, 0, 2)
		wantsPull, wantsPush := false, false
		for _, a := range ra.Actions {
			switch a {
			case ActionPull:
				wantsPull = true
			case ActionPush:
				wantsPush = true
			case ActionAll:
				wantsPull, wantsPush = true, true
			}
		}

		// Push implies pull: an account that may write a repository may
		// always read it back.
		if wantsPush && canPush {
			actions = append(actions, ActionPush)
			wantsPull = true
		}
		if wantsPull && canPull {
			actions = append(actions, ActionPull)
		}

		if len(actions) == 0 {
			return nil
		}
		return &ResourceActions{Type: ra.Type, Class: ra.Class, Name: ra.Name, Actions: actions}
	}

	return nil
}

// CanPull reports whether the account may read the named repository.
func (e *Evaluator) CanPull(account, name string) bool {
	canPull, _ := e.repositoryPermissions(account, name)
	return canPull
}

// repositoryPermissions resolves what the account may do with one
// repository name.
func (e *Evaluator) repositoryPermissions(account, name string) (canPull, canPush bool) {
	if err := namespace.ValidateName(name); err != nil {
		return false, false
	}

	ns := namespace.NamespaceOf(name)

	var role namespace.Role
	var hasRole bool
	if nsObj, err := e.namespaces.Namespace(ns); err == nil {
		role, hasRole = nsObj.RoleOf(account)
	} else if account != "" && account == ns {
		// First push into an account-named namespace creates it with the
		// account as owner.
		return true, true
	}

	if hasRole && role.CanPush() {
		return true, true
	}

	private := false
	if d, err := e.namespaces.Distribution(name); err == nil {
		private = d.Private
	}

	if private {
		return hasRole && role.CanPull(), false
	}
	return true, false
}
