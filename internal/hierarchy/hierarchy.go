// Package hierarchy reconstructs COU ancestor paths from the registry's
// parent-pointer tree.
package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"rciam.org/internal/registry"
)

// Path is one COU's ancestor chain, root first. IDs and Names stay
// index-aligned so callers can slice both to the same depth. Names are
// percent-encoded, ready for URN assembly.
type Path struct {
	IDs   []int
	Names []string
}

// Root returns the path's root COU id.
func (p Path) Root() int {
	if len(p.IDs) == 0 {
		return 0
	}
	return p.IDs[0]
}

// NamePath joins the encoded names with colons up to depth n (exclusive).
func (p Path) NamePath(n int) string {
	return strings.Join(p.Names[:n], ":")
}

// IDPath joins the ids with colons up to depth n (exclusive).
func (p Path) IDPath(n int) string {
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = strconv.Itoa(p.IDs[i])
	}
	return strings.Join(ids, ":")
}

// Lister is the subset of the registry store the resolver needs.
type Lister interface {
	CouPath(ctx context.Context, couID int) (registry.CouPathRow, error)
}

// Resolve builds the ancestor path for every distinct COU id among the
// given memberships. Root-only COUs carry no nesting and contribute no
// entry. Unknown ids are skipped; any other store error is fatal.
func Resolve(ctx context.Context, store Lister, memberships []registry.Membership) (map[int]Path, error) {
	out := make(map[int]Path)
	for _, m := range memberships {
		if !m.IsCou() || m.GroupName == "" {
			continue
		}
		if _, ok := out[m.CouID]; ok {
			continue
		}
		row, err := store.CouPath(ctx, m.CouID)
		if errors.Is(err, registry.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		path, err := parsePath(row)
		if err != nil {
			return nil, err
		}
		// A path without an ancestor expresses no nesting.
		if len(path.IDs) < 2 {
			continue
		}
		out[m.CouID] = path
	}
	return out, nil
}

// parsePath splits the recursive query's colon-joined name and id strings
// into an aligned Path, percent-encoding each name segment.
func parsePath(row registry.CouPathRow) (Path, error) {
	names := strings.Split(row.NamePath, ":")
	ids := strings.Split(row.IDPath, ":")
	if len(names) != len(ids) {
		return Path{}, fmt.Errorf("hierarchy: misaligned path for cou %d: %q vs %q",
			row.CouID, row.NamePath, row.IDPath)
	}
	p := Path{
		IDs:   make([]int, len(ids)),
		Names: make([]string, len(names)),
	}
	for i := range ids {
		n, err := strconv.Atoi(ids[i])
		if err != nil {
			return Path{}, fmt.Errorf("hierarchy: bad id segment %q for cou %d", ids[i], row.CouID)
		}
		p.IDs[i] = n
		p.Names[i] = url.QueryEscape(names[i])
	}
	return p, nil
}

// Roots returns the set of ids that appear as the root of some path.
func Roots(paths map[int]Path) map[int]struct{} {
	out := make(map[int]struct{}, len(paths))
	for _, p := range paths {
		out[p.Root()] = struct{}{}
	}
	return out
}
