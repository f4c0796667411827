package entitlement

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"rciam.org/internal/hierarchy"
	"rciam.org/internal/registry"
)

var memberRoleRe = regexp.MustCompile(`(.*):role=member(.*)`)

// merge runs the post-emission fixups: nested candidate construction and
// collapse, root default-role propagation, the orphan pass, dedup, and
// the two pruning passes. Steps that need hierarchy or member data
// naturally no-op when their inputs are empty; orphan emission and dedup
// always run.
func (a *Assembler) merge(acc *accumulator, cou []registry.Membership, paths map[int]hierarchy.Path, orphans []registry.Membership) []string {
	relevant := make(map[int]struct{})
	for _, p := range paths {
		for _, id := range p.IDs {
			relevant[id] = struct{}{}
		}
	}
	filtered := make(map[int]string)
	for id, ent := range acc.member {
		if _, ok := relevant[id]; ok {
			filtered[id] = ent
		}
	}

	leaves := sortedPathKeys(paths)

	// Candidate nested groups: per path, the longest prefix ending at a
	// COU the person is a member of.
	candidates := make(map[string]string) // id-path -> name-path
	var candOrder []string
	for _, leaf := range leaves {
		p := paths[leaf]
		var idPath, namePath string
		for i, id := range p.IDs {
			if _, ok := filtered[id]; ok {
				idPath = p.IDPath(i + 1)
				namePath = p.NamePath(i + 1)
			}
		}
		if idPath == "" {
			continue
		}
		if _, seen := candidates[idPath]; !seen {
			candOrder = append(candOrder, idPath)
		}
		candidates[idPath] = namePath
	}

	// Collapse a branch's shallower candidates into its deepest one.
	if a.cfg.MergeNesting {
		var kept []string
		for _, id := range candOrder {
			shadowed := false
			for _, other := range candOrder {
				if len(id) < len(other) && strings.Contains(other, id) {
					shadowed = true
					break
				}
			}
			if !shadowed {
				kept = append(kept, id)
			}
		}
		candOrder = kept
	}

	for _, idPath := range candOrder {
		acc.add(a.cfg.groupURN(candidates[idPath], "member"))
		for _, seg := range strings.Split(idPath, ":") {
			id, err := strconv.Atoi(seg)
			if err != nil {
				continue
			}
			if _, ok := acc.admin[id]; ok {
				acc.add(a.cfg.groupURN(candidates[idPath]+":admins", "member"))
				break
			}
		}
	}

	// Baseline roles at every whitelisted root the person genuinely holds
	// a role in, so collapsing deeper levels never hides VO membership.
	for _, leaf := range leaves {
		root := paths[leaf].Names[0]
		if a.cfg.Whitelist != nil && !a.cfg.whitelistedEncoded(root) {
			continue
		}
		if !hasRoleData(cou, leaf) {
			continue
		}
		for _, role := range a.cfg.DefaultRoles {
			acc.add(a.cfg.groupURN(root, role))
		}
	}

	// Orphan admin memberships keep their entitlements even when their VO
	// was filtered out.
	for _, m := range orphans {
		if !m.Member && !m.Owner {
			continue
		}
		voName := m.GroupName
		if p, ok := paths[m.CouID]; ok {
			voName = p.NamePath(len(p.Names)) + ":admins"
		}
		if m.Member {
			acc.add(a.cfg.groupURN(voName, "member"))
		}
		if m.Owner {
			acc.add(a.cfg.groupURN(voName, "owner"))
		}
	}

	out := dedupList(acc.list)

	// Prune flat member entitlements of non-root COUs that have a more
	// specific role alternative.
	roots := hierarchy.Roots(paths)
	for _, id := range sortedIntKeys(filtered) {
		if _, ok := roots[id]; ok {
			continue
		}
		for _, role := range acc.inter[id] {
			replaced := memberRoleRe.ReplaceAllString(filtered[id], "${1}:role="+role+"${2}")
			out = removeAll(out, replaced)
		}
	}

	// Drop the flat entitlements marked redundant during emission.
	for _, ent := range acc.remove {
		out = removeAll(out, ent)
	}
	return out
}

// hasRoleData reports whether some membership on the COU carries a title
// or affiliation.
func hasRoleData(cou []registry.Membership, couID int) bool {
	for _, m := range cou {
		if m.CouID == couID && (len(m.Titles) > 0 || len(m.Affiliations) > 0) {
			return true
		}
	}
	return false
}

func dedupList(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func removeAll(list []string, ent string) []string {
	out := list[:0]
	for _, s := range list {
		if s != ent {
			out = append(out, s)
		}
	}
	return out
}

func sortedPathKeys(paths map[int]hierarchy.Path) []int {
	keys := make([]int, 0, len(paths))
	for k := range paths {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func sortedIntKeys(m map[int]string) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
