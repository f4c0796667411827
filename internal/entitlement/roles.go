package entitlement

import (
	"strings"

	"rciam.org/internal/registry"
)

// RoleSet is the derived role structure for one COU membership. Roles is
// the ordered union of derived tokens and the default roles; Admin holds
// the member/owner roles contributed by the ":admins" sibling group, kept
// apart because they produce ":admins:role=" entitlements only.
// Intersection is the subset of derived tokens that are also default
// roles; the merge step uses it to prune generic member entitlements.
type RoleSet struct {
	CouID        int
	Roles        []string
	Admin        []string
	Intersection []string
}

// DeriveRoles turns one COU membership row into its RoleSet. Tokens come
// from the row's title and affiliation lists plus the owner/member flags,
// lowercased and deduplicated. adminSibling is the "<vo>:admins" row when
// the person holds one, nil otherwise.
func DeriveRoles(m registry.Membership, adminSibling *registry.Membership, defaults []string) RoleSet {
	var tokens []string
	tokens = append(tokens, m.Titles...)
	tokens = append(tokens, m.Affiliations...)
	if m.Owner {
		tokens = append(tokens, "owner")
	}
	if m.Member {
		tokens = append(tokens, "member")
	}

	seen := make(map[string]struct{}, len(tokens)+len(defaults))
	derived := make([]string, 0, len(tokens))
	for _, t := range tokens {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		derived = append(derived, t)
	}

	rs := RoleSet{CouID: m.CouID}
	for _, t := range derived {
		if containsString(defaults, t) {
			rs.Intersection = append(rs.Intersection, t)
		}
	}

	// Every membership carries at least the baseline roles.
	rs.Roles = derived
	for _, d := range defaults {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		rs.Roles = append(rs.Roles, d)
	}

	if adminSibling != nil {
		if adminSibling.Member {
			rs.Admin = append(rs.Admin, "member")
		}
		if adminSibling.Owner {
			rs.Admin = append(rs.Admin, "owner")
		}
	}
	return rs
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
