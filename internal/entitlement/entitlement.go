// Package entitlement derives AARC-format entitlement URNs from a
// person's group memberships and the COU hierarchy.
//
// The assembler is pure: one call consumes membership rows plus the
// resolved ancestor paths and returns the final entitlement list. All
// intermediate state (member-entitlement maps, removal marks, per-COU
// role intersections) lives in per-call accumulators.
package entitlement

import "net/url"

// Config carries the URN-shaping knobs. Whitelist nil means no root VO
// filtering; an empty non-nil list filters everything non-admin out.
type Config struct {
	Namespace    string
	Authority    string
	DefaultRoles []string

	Whitelist   []string
	GroupPrefix string

	MergeNesting bool
	LegacyURN    bool
	NoRole       bool
}

// Assembler builds entitlement URNs for one resolution call.
type Assembler struct {
	cfg Config
}

func NewAssembler(cfg Config) *Assembler {
	return &Assembler{cfg: cfg}
}

// groupURN renders the canonical AARC form. voPath is already
// percent-encoded and colon-joined.
func (c Config) groupURN(voPath, role string) string {
	return c.Namespace + ":group:" + voPath + ":role=" + role + "#" + c.Authority
}

// noRoleURN renders the role-less variant emitted alongside the
// canonical form when the no-role toggle is on.
func (c Config) noRoleURN(voPath string) string {
	return c.Namespace + ":group:" + voPath + "#" + c.Authority
}

// legacyURN renders the deprecated pre-AARC form. group is either empty
// or a ":"-prefixed extra segment.
func (c Config) legacyURN(group, role, voName string) string {
	return c.Namespace + ":" + c.Authority + group + ":" + role + "@" + url.QueryEscape(voName)
}

func (c Config) whitelisted(rawName string) bool {
	for _, w := range c.Whitelist {
		if w == rawName {
			return true
		}
	}
	return false
}

// whitelistedEncoded matches a percent-encoded path segment against the
// raw whitelist entries.
func (c Config) whitelistedEncoded(segment string) bool {
	for _, w := range c.Whitelist {
		if url.QueryEscape(w) == segment {
			return true
		}
	}
	return false
}

func (c Config) isDefaultRole(role string) bool {
	for _, r := range c.DefaultRoles {
		if r == role {
			return true
		}
	}
	return false
}
