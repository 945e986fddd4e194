package token

import (
	"fmt"
	"sort"
	"strings"
)

// ParseScope parses one scope specifier of the form
// "type[(class)]:name:action[,action...]". Resource names may themselves
// contain colons (host:port/path), so the type is split off the front and
// the actions off the back.
func ParseScope(specifier string) (*ResourceActions, error) {
	parts := strings.Split(specifier, ":")
	if len(parts) < 3 {
		return nil, fmt.Errorf("malformed scope specifier %q", specifier)
	}

	resourceType := parts[0]
	resourceName := strings.Join(parts[1:len(parts)-1], ":")
	actions := strings.Split(parts[len(parts)-1], ",")

	if resourceType == "" || resourceName == "" || len(actions) == 0 {
		return nil, fmt.Errorf("malformed scope specifier %q", specifier)
	}

	resourceClass := ""
	if idx := strings.IndexByte(resourceType, '('); idx >= 0 && strings.HasSuffix(resourceType, ")") {
		resourceClass = resourceType[idx+1 : len(resourceType)-1]
		resourceType = resourceType[:idx]
	}

	for _, a := range actions {
		if a == "" {
			return nil, fmt.Errorf("malformed scope specifier %q: empty action", specifier)
		}
	}

	return &ResourceActions{
		Type:    resourceType,
		Class:   resourceClass,
		Name:    resourceName,
		Actions: actions,
	}, nil
}

// ParseScopes parses a list of scope specifiers, such as the repeated
// "scope" query parameters of a token request. Malformed specifiers are
// dropped rather than failing the whole request.
func ParseScopes(specifiers []string) []*ResourceActions {
	out := make([]*ResourceActions, 0, len(specifiers))
	for _, s := range specifiers {
		ra, err := ParseScope(s)
		if err != nil {
			continue
		}
		out = append(out, ra)
	}
	return out
}

// ScopeString renders a ResourceActions back into specifier form with
// sorted actions.
func ScopeString(ra *ResourceActions) string {
	actions := append([]string(nil), ra.Actions...)
	sort.Strings(actions)
	resourceType := ra.Type
	if ra.Class != "" {
		resourceType = fmt.Sprintf("%s(%s)", resourceType, ra.Class)
	}
	return fmt.Sprintf("%s:%s:%s", resourceType, ra.Name, strings.Join(actions, ","))
}
