package auth

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// WildcardScope grants every scope known to the role table.
const WildcardScope = "*"

// RoleConfig describes a role loaded from configuration.
type RoleConfig struct {
	Scopes      []string `yaml:"scopes"`
	Description string   `yaml:"description,omitempty"`
}

// RoleTable maps external group names to internal roles and roles to scopes.
// It is built once at startup and immutable afterwards, so lookups need no
// synchronization.
type RoleTable struct {
	roles       map[string]RoleConfig
	groupToRole map[string]string
	defaultRole string
	allScopes   []string
}

// NewRoleTable validates the configured roles and group mappings and
// precomputes the full scope set used for wildcard expansion.
func NewRoleTable(roles map[string]RoleConfig, groupMappings map[string]string, defaultRole string) (*RoleTable, error) {
	if len(roles) == 0 {
		return nil, errors.New("auth: at least one role is required")
	}
	defaultRole = strings.TrimSpace(defaultRole)
	if defaultRole == "" {
		return nil, errors.New("auth: default role is required")
	}
	if _, ok := roles[defaultRole]; !ok {
		return nil, fmt.Errorf("auth: default role %q is not defined", defaultRole)
	}
	for group, role := range groupMappings {
		if _, ok := roles[role]; !ok {
			return nil, fmt.Errorf("auth: group %q maps to undefined role %q", group, role)
		}
	}

	seen := make(map[string]struct{})
	for _, rc := range roles {
		for _, scope := range rc.Scopes {
			scope = strings.TrimSpace(scope)
			if scope == "" || scope == WildcardScope {
				continue
			}
			seen[scope] = struct{}{}
		}
	}
	all := make([]string, 0, len(seen))
	for scope := range seen {
		all = append(all, scope)
	}
	sort.Strings(all)

	return &RoleTable{
		roles:       roles,
		groupToRole: groupMappings,
		defaultRole: defaultRole,
		allScopes:   all,
	}, nil
}

// MapGroupsToRoles resolves external group names to internal roles,
// preserving first-seen order and dropping duplicates. Unmatched groups are
// ignored; when nothing matches the default low-privilege role is returned.
func (t *RoleTable) MapGroupsToRoles(groups []string) []string {
	var roles []string
	seen := make(map[string]struct{}, len(groups))
	for _, group := range groups {
		role, ok := t.groupToRole[strings.TrimSpace(group)]
		if !ok {
			continue
		}
		if _, dup := seen[role]; dup {
			continue
		}
		seen[role] = struct{}{}
		roles = append(roles, role)
	}
	if len(roles) == 0 {
		roles = []string{t.defaultRole}
	}
	return roles
}

// ResolveScopes unions the scopes of the given roles into a sorted,
// deduplicated list. A role holding the wildcard scope expands to every
// scope known to the table, excluding the wildcard itself.
func (t *RoleTable) ResolveScopes(roles []string) []string {
	set := make(map[string]struct{})
	for _, role := range roles {
		rc, ok := t.roles[strings.TrimSpace(role)]
		if !ok {
			continue
		}
		for _, scope := range rc.Scopes {
			scope = strings.TrimSpace(scope)
			if scope == "" {
				continue
			}
			if scope == WildcardScope {
				for _, s := range t.allScopes {
					set[s] = struct{}{}
				}
				continue
			}
			set[scope] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for scope := range set {
		out = append(out, scope)
	}
	sort.Strings(out)
	return out
}

// DefaultRole returns the role granted when no group mapping matches.
func (t *RoleTable) DefaultRole() string {
	return t.defaultRole
}

// RoleNames returns the configured role names in sorted order.
func (t *RoleTable) RoleNames() []string {
	names := make([]string, 0, len(t.roles))
	for name := range t.roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ScopeAllows reports whether the held scopes satisfy the required scope:
// a verbatim match, a prefix wildcard such as "api:hr:*", or the universal
// wildcard.
func ScopeAllows(held []string, required string) bool {
	required = strings.TrimSpace(required)
	if required == "" {
		return false
	}
	for _, scope := range held {
		if scope == required {
			return true
		}
		if scope == WildcardScope {
			return true
		}
		if strings.HasSuffix(scope, WildcardScope) {
			if strings.HasPrefix(required, scope[:len(scope)-1]) {
				return true
			}
		}
	}
	return false
}
