package service

import (
	"sort"
	"strings"

	"github.com/GoPolymarket/batchgate/internal/config"
	"github.com/GoPolymarket/batchgate/internal/model"
)

// FieldResolution is the outcome of resolving a set of requested fields for
// a role. Every requested field ends up in exactly one of the three lists.
type FieldResolution struct {
	Allowed          []string `json:"allowed"`
	Denied           []string `json:"denied"`
	ApprovalRequired []string `json:"approval_required"`
}

// FieldPolicy is the static (role, field) permission table. It is built once
// and only read afterwards, so lookups need no locking.
type FieldPolicy struct {
	perms map[string]map[string]model.FieldPermission
}

func NewFieldPolicy(perms []model.FieldPermission) *FieldPolicy {
	p := &FieldPolicy{perms: make(map[string]map[string]model.FieldPermission)}
	for _, perm := range perms {
		role := normalizeName(perm.Role)
		field := normalizeName(perm.Field)
		if role == "" || field == "" {
			continue
		}
		if p.perms[role] == nil {
			p.perms[role] = make(map[string]model.FieldPermission)
		}
		perm.Role, perm.Field = role, field
		p.perms[role][field] = perm
	}
	return p
}

// FieldPolicyFromConfig expands the per-role lists of the config file.
func FieldPolicyFromConfig(entries []config.PermissionConfig) *FieldPolicy {
	var perms []model.FieldPermission
	for _, e := range entries {
		for _, f := range e.Exportable {
			perms = append(perms, model.FieldPermission{Role: e.Role, Field: f, Exportable: true})
		}
		for _, f := range e.RequiresApproval {
			perms = append(perms, model.FieldPermission{Role: e.Role, Field: f, Exportable: true, RequiresApproval: true})
		}
		for _, f := range e.Denied {
			perms = append(perms, model.FieldPermission{Role: e.Role, Field: f})
		}
	}
	return NewFieldPolicy(perms)
}

// Resolve splits fields into allowed, denied and approval-required. Unknown
// roles and unknown fields are denied.
func (p *FieldPolicy) Resolve(role string, fields []string) FieldResolution {
	res := FieldResolution{
		Allowed:          []string{},
		Denied:           []string{},
		ApprovalRequired: []string{},
	}
	rolePerms := p.perms[normalizeName(role)]
	seen := make(map[string]struct{}, len(fields))
	for _, raw := range fields {
		field := normalizeName(raw)
		if field == "" {
			continue
		}
		if _, dup := seen[field]; dup {
			continue
		}
		seen[field] = struct{}{}

		perm, ok := rolePerms[field]
		switch {
		case !ok || !perm.Exportable:
			res.Denied = append(res.Denied, field)
		case perm.RequiresApproval:
			res.ApprovalRequired = append(res.ApprovalRequired, field)
		default:
			res.Allowed = append(res.Allowed, field)
		}
	}
	return res
}

// IsExportable is the single-field form of Resolve, used as the last filter
// before a value is written into an export payload.
func (p *FieldPolicy) IsExportable(role, field string) bool {
	perm, ok := p.perms[normalizeName(role)][normalizeName(field)]
	return ok && perm.Exportable && !perm.RequiresApproval
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// AllowedFor lists the fields role may export without approval, sorted.
func (p *FieldPolicy) AllowedFor(role string) []string {
	out := make([]string, 0)
	for field, perm := range p.perms[normalizeName(role)] {
		if perm.Exportable && !perm.RequiresApproval {
			out = append(out, field)
		}
	}
	sort.Strings(out)
	return out
}
