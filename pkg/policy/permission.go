package policy

import (
	"context"
	"fmt"
	"slices"

	"github.com/zen-systems/routecore/pkg/config"
	"github.com/zen-systems/routecore/pkg/registry"
)

// ActionInvoke is the action checked before a node runs.
const ActionInvoke = "invoke"

// Actor is the principal a request runs on behalf of.
type Actor struct {
	ID   string `json:"id,omitempty"`
	Role string `json:"role,omitempty"`
}

// PermissionChecker decides whether an actor may perform an action on a
// capability. Errors are treated as a denial.
type PermissionChecker interface {
	CheckPermission(ctx context.Context, actor Actor, action string, resource registry.Capability) (bool, error)
}

// PermissionFunc adapts a function to PermissionChecker.
type PermissionFunc func(ctx context.Context, actor Actor, action string, resource registry.Capability) (bool, error)

// CheckPermission calls f.
func (f PermissionFunc) CheckPermission(ctx context.Context, actor Actor, action string, resource registry.Capability) (bool, error) {
	return f(ctx, actor, action, resource)
}

type role struct {
	kinds   []registry.Kind
	maxRisk registry.RiskClass
	allow   []string
	deny    []string
}

// RoleTable is a static PermissionChecker built from configuration.
type RoleTable struct {
	defaultRole string
	roles       map[string]role
}

// NewRoleTable builds a role table.
func NewRoleTable(cfg config.PermissionsConfig) (*RoleTable, error) {
	t := &RoleTable{defaultRole: cfg.DefaultRole, roles: make(map[string]role, len(cfg.Roles))}
	for name, rc := range cfg.Roles {
		r := role{
			maxRisk: registry.RiskClass(rc.MaxRisk),
			allow:   rc.Allow,
			deny:    rc.Deny,
		}
		if !r.maxRisk.Valid() {
			return nil, fmt.Errorf("role %s: invalid max_risk %q", name, rc.MaxRisk)
		}
		for _, k := range rc.Kinds {
			r.kinds = append(r.kinds, registry.Kind(k))
		}
		t.roles[name] = r
	}
	if _, ok := t.roles[t.defaultRole]; !ok {
		return nil, fmt.Errorf("default role %q not defined", t.defaultRole)
	}
	return t, nil
}

// CheckPermission applies deny, then allow, then kind and risk limits.
// Unknown roles are an error.
func (t *RoleTable) CheckPermission(ctx context.Context, actor Actor, action string, resource registry.Capability) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if action != ActionInvoke {
		return false, fmt.Errorf("unsupported action %q", action)
	}
	name := actor.Role
	if name == "" {
		name = t.defaultRole
	}
	r, ok := t.roles[name]
	if !ok {
		return false, fmt.Errorf("unknown role %q", name)
	}
	if slices.Contains(r.deny, resource.ID) {
		return false, nil
	}
	if slices.Contains(r.allow, resource.ID) {
		return true, nil
	}
	if !slices.Contains(r.kinds, resource.Kind) {
		return false, nil
	}
	return !resource.RiskClass.Exceeds(r.maxRisk), nil
}
