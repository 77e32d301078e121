// Package rbac defines the permission collaborator the kernel consults.
// The kernel only depends on the Authorizer interface; permission storage
// lives outside the trust boundary. The static engine here is the default
// collaborator: a role hierarchy with per-role operation grants, bound to
// identities from configuration. Everything is deny-by-default, and an
// unreachable authorizer is a denial, never an approval.
package rbac

import (
	"context"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

// Authorizer answers whether an identity may invoke an operation. Any
// error return is treated by the kernel as a denial.
type Authorizer interface {
	HasPermission(ctx context.Context, identity, operation string) (bool, error)
}

// Role is one level of the built-in hierarchy. Each role inherits every
// grant of the roles below it.
type Role string

const (
	RoleExternal    Role = "external"
	RoleAnalyst     Role = "analyst"
	RoleDeveloper   Role = "developer"
	RoleTenantAdmin Role = "tenant-admin"
	RoleAdmin       Role = "admin"
)

// roleOrder lists the hierarchy from least to most privileged.
var roleOrder = []Role{RoleExternal, RoleAnalyst, RoleDeveloper, RoleTenantAdmin, RoleAdmin}

// defaultGrants are the per-role additions: a role holds its own grants
// plus everything below it. "*" grants every operation.
var defaultGrants = map[Role][]string{
	RoleExternal:    {},
	RoleAnalyst:     {"read_file"},
	RoleDeveloper:   {"write_file", "exec_code", "git_commit", "network_request"},
	RoleTenantAdmin: {"delete_file"},
	RoleAdmin:       {"*"},
}

func roleRank(r Role) (int, bool) {
	for i, candidate := range roleOrder {
		if candidate == r {
			return i, true
		}
	}
	return 0, false
}

// StaticAuthorizer is an in-process Authorizer over an identity→role
// binding table. Reads take the read lock; configuration loads take the
// write lock.
type StaticAuthorizer struct {
	mu       sync.RWMutex
	bindings map[string]Role
	grants   map[Role][]string
}

// NewStaticAuthorizer returns an engine with the default role grants and
// no identity bindings: until identities are bound, everything is denied.
func NewStaticAuthorizer() *StaticAuthorizer {
	grants := make(map[Role][]string, len(defaultGrants))
	for role, ops := range defaultGrants {
		grants[role] = append([]string(nil), ops...)
	}
	return &StaticAuthorizer{
		bindings: make(map[string]Role),
		grants:   grants,
	}
}

// Bind assigns a role to an identity, replacing any previous binding.
func (a *StaticAuthorizer) Bind(identity string, role Role) error {
	if _, ok := roleRank(role); !ok {
		return fmt.Errorf("rbac: unknown role %q", role)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bindings[identity] = role
	return nil
}

type configFile struct {
	Bindings map[string]string   `yaml:"bindings"`
	Grants   map[string][]string `yaml:"grants,omitempty"`
}

// LoadYAML replaces the binding table (and optionally the grant table)
// from a YAML document:
//
//	bindings:
//	  agent-7: developer
//	  ops-team: admin
//	grants:
//	  analyst: [read_file, metrics_read]
func (a *StaticAuthorizer) LoadYAML(data []byte) error {
	var cfg configFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("rbac: parsing config: %w", err)
	}

	bindings := make(map[string]Role, len(cfg.Bindings))
	for identity, roleName := range cfg.Bindings {
		role := Role(roleName)
		if _, ok := roleRank(role); !ok {
			return fmt.Errorf("rbac: identity %q bound to unknown role %q", identity, roleName)
		}
		bindings[identity] = role
	}

	grants := make(map[Role][]string, len(defaultGrants))
	for role, ops := range defaultGrants {
		grants[role] = append([]string(nil), ops...)
	}
	for roleName, ops := range cfg.Grants {
		role := Role(roleName)
		if _, ok := roleRank(role); !ok {
			return fmt.Errorf("rbac: grants for unknown role %q", roleName)
		}
		grants[role] = append([]string(nil), ops...)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.bindings = bindings
	a.grants = grants
	return nil
}

// HasPermission reports whether the identity's role, or any role it
// inherits, grants the operation. Unknown identities are denied without
// error.
func (a *StaticAuthorizer) HasPermission(ctx context.Context, identity, operation string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	role, bound := a.bindings[identity]
	if !bound {
		return false, nil
	}
	rank, _ := roleRank(role)
	for i := 0; i <= rank; i++ {
		for _, grant := range a.grants[roleOrder[i]] {
			if grant == "*" || grant == operation {
				return true, nil
			}
		}
	}
	return false, nil
}

// AuthorizerFunc adapts a function to the Authorizer interface, for tests
// and external integrations.
type AuthorizerFunc func(ctx context.Context, identity, operation string) (bool, error)

func (f AuthorizerFunc) HasPermission(ctx context.Context, identity, operation string) (bool, error) {
	return f(ctx, identity, operation)
}
