package entitlement

import (
	"net/url"
	"strings"

	"rciam.org/internal/hierarchy"
	"rciam.org/internal/registry"
)

// accumulator collects everything the per-membership pass produces that
// the merge step consumes afterwards.
type accumulator struct {
	list []string // emitted entitlements, in order, duplicates allowed

	member map[int]string // couID -> plain "role=member" entitlement
	admin  map[int]string // couID -> ":admins:role=member" entitlement
	inter  map[int][]string

	remove []string // marked for the final pruning pass
}

func newAccumulator() *accumulator {
	return &accumulator{
		member: make(map[int]string),
		admin:  make(map[int]string),
		inter:  make(map[int][]string),
	}
}

func (a *accumulator) add(ent string) {
	a.list = append(a.list, ent)
}

// setMember records the first member entitlement per COU; later ones for
// the same COU never overwrite it.
func (a *accumulator) setMember(couID int, ent string) {
	if _, ok := a.member[couID]; !ok {
		a.member[couID] = ent
	}
}

func (a *accumulator) setAdmin(couID int, ent string) {
	if _, ok := a.admin[couID]; !ok {
		a.admin[couID] = ent
	}
}

// Assemble derives the final entitlement set from the person's
// memberships and the resolved COU ancestor paths. The result is ordered
// and duplicate-free.
func (a *Assembler) Assemble(memberships []registry.Membership, paths map[int]hierarchy.Path) []string {
	var plain, cou []registry.Membership
	for _, m := range memberships {
		if m.GroupName == "" {
			continue
		}
		if m.IsCou() {
			cou = append(cou, m)
		} else {
			plain = append(plain, m)
		}
	}

	acc := newAccumulator()
	a.assemblePlainGroups(acc, plain)
	orphans := a.assembleCouGroups(acc, cou, paths)
	return a.merge(acc, cou, paths, orphans)
}

// assemblePlainGroups emits member/owner entitlements for groups without
// a COU, qualified by the configured group prefix. Plain groups carry no
// nesting, so there is no merge step for them.
func (a *Assembler) assemblePlainGroups(acc *accumulator, plain []registry.Membership) {
	for _, g := range plain {
		var roles []string
		if g.Member {
			roles = append(roles, "member")
		}
		if g.Owner {
			roles = append(roles, "owner")
		}
		for _, role := range roles {
			acc.add(a.cfg.groupURN(a.cfg.GroupPrefix+":"+url.QueryEscape(g.GroupName), role))
			if a.cfg.LegacyURN {
				acc.add(a.cfg.legacyURN("", role, g.GroupName))
			}
		}
	}
}

// assembleCouGroups runs the per-COU emission loop and returns the
// memberships left for the merge step's orphan pass: ":admins" rows that
// failed the whitelist check. Rows for a non-whitelisted root that are
// not admin groups are dropped entirely.
func (a *Assembler) assembleCouGroups(acc *accumulator, cou []registry.Membership, paths map[int]hierarchy.Path) []registry.Membership {
	var orphans []registry.Membership
	for _, m := range cou {
		if a.cfg.Whitelist != nil && !a.cfg.whitelisted(m.GroupName) {
			parent := rootParentName(m.GroupName, paths)
			if !a.cfg.whitelistedEncoded(parent) {
				if m.IsAdmins() {
					orphans = append(orphans, m)
				}
				continue
			}
		}

		rs := DeriveRoles(m, findAdminSibling(cou, m.GroupName), a.cfg.DefaultRoles)
		if !m.IsAdmins() {
			acc.inter[rs.CouID] = rs.Intersection
		}
		a.emitCouRoles(acc, m.GroupName, rs, paths)
	}
	return orphans
}

// emitCouRoles emits one entitlement per role, plus the nested-path
// variant (and a removal mark on the flat one) when the COU sits below a
// root, plus the admin sub-bucket entitlements.
func (a *Assembler) emitCouRoles(acc *accumulator, voName string, rs RoleSet, paths map[int]hierarchy.Path) {
	// The admins sibling row reaches this point only when no whitelist is
	// configured; its entitlements are produced via the owning VO's admin
	// bucket instead.
	if strings.Contains(voName, ":admins") {
		return
	}

	encVo := url.QueryEscape(voName)
	nested, hasNested := paths[rs.CouID]

	for _, role := range rs.Roles {
		ent := a.cfg.groupURN(encVo, role)
		if role == "member" {
			acc.setMember(rs.CouID, ent)
		}
		acc.add(ent)

		// A role that is either COU-specific or explicitly held (not just
		// defaulted) gets the full nested path; the flat form is then
		// redundant and marked for removal. Nested member roles are left
		// to the merge step's candidate emission, where branch collapse
		// applies to them.
		if hasNested && (!a.cfg.isDefaultRole(role) || containsString(rs.Intersection, role)) {
			acc.remove = append(acc.remove, ent)
			if role != "member" {
				acc.add(a.cfg.groupURN(nested.NamePath(len(nested.Names)), role))
			}
		}
		if a.cfg.LegacyURN {
			acc.add(a.cfg.legacyURN("", role, voName))
		}
		if a.cfg.NoRole {
			acc.add(a.cfg.noRoleURN(encVo))
		}
	}

	for _, role := range rs.Admin {
		ent := a.cfg.groupURN(encVo+":admins", role)
		if role == "member" {
			acc.setAdmin(rs.CouID, ent)
		}
		acc.add(ent)
		if a.cfg.LegacyURN {
			acc.add(a.cfg.legacyURN(":admins", role, voName))
		}
		if a.cfg.NoRole {
			acc.add(a.cfg.noRoleURN(encVo))
		}
	}
}

// findAdminSibling locates the "<vo>:admins" row for a COU group.
func findAdminSibling(cou []registry.Membership, voName string) *registry.Membership {
	want := voName + ":admins"
	for i := range cou {
		if cou[i].GroupName == want {
			return &cou[i]
		}
	}
	return nil
}

// rootParentName finds the percent-encoded root segment of the hierarchy
// path containing the named COU, or "" when no path contains it.
func rootParentName(voName string, paths map[int]hierarchy.Path) string {
	enc := url.QueryEscape(voName)
	for _, leaf := range sortedPathKeys(paths) {
		for _, seg := range paths[leaf].Names {
			if seg == enc {
				return paths[leaf].Names[0]
			}
		}
	}
	return ""
}
