package entitlement

import (
	"reflect"
	"sort"
	"testing"

	"rciam.org/internal/hierarchy"
	"rciam.org/internal/registry"
)

func testConfig() Config {
	return Config{
		Namespace:    "urn:mace:example.eu",
		Authority:    "example.eu",
		DefaultRoles: []string{"member"},
		GroupPrefix:  "registry",
		MergeNesting: true,
	}
}

func nestedABC() map[int]hierarchy.Path {
	return map[int]hierarchy.Path{
		9: {IDs: []int{3, 5, 9}, Names: []string{"A", "B", "C"}},
	}
}

func assertContains(t *testing.T, ents []string, want string) {
	t.Helper()
	for _, e := range ents {
		if e == want {
			return
		}
	}
	t.Fatalf("missing %q in %v", want, ents)
}

func assertNotContains(t *testing.T, ents []string, unwanted string) {
	t.Helper()
	for _, e := range ents {
		if e == unwanted {
			t.Fatalf("unexpected %q in %v", unwanted, ents)
		}
	}
}

func TestPlainGroup(t *testing.T) {
	a := NewAssembler(testConfig())
	ents := a.Assemble([]registry.Membership{
		{GroupName: "storage-users", Member: true},
	}, nil)

	want := []string{"urn:mace:example.eu:group:registry:storage-users:role=member#example.eu"}
	if !reflect.DeepEqual(ents, want) {
		t.Fatalf("ents = %v, want %v", ents, want)
	}
}

func TestPlainGroupOwnerAndLegacy(t *testing.T) {
	cfg := testConfig()
	cfg.LegacyURN = true
	a := NewAssembler(cfg)
	ents := a.Assemble([]registry.Membership{
		{GroupName: "storage-users", Member: true, Owner: true},
	}, nil)

	assertContains(t, ents, "urn:mace:example.eu:group:registry:storage-users:role=owner#example.eu")
	assertContains(t, ents, "urn:mace:example.eu:example.eu:member@storage-users")
	assertContains(t, ents, "urn:mace:example.eu:example.eu:owner@storage-users")
}

func TestRootDefaultRoles(t *testing.T) {
	cfg := testConfig()
	cfg.Whitelist = []string{"VO1"}
	a := NewAssembler(cfg)

	ents := a.Assemble([]registry.Membership{
		{GroupName: "VO1", CouID: 3, Titles: []string{"faculty"}, Member: true},
	}, nil)

	assertContains(t, ents, "urn:mace:example.eu:group:VO1:role=faculty#example.eu")
	assertContains(t, ents, "urn:mace:example.eu:group:VO1:role=member#example.eu")
}

func TestNestingCollapseSingleMembership(t *testing.T) {
	a := NewAssembler(testConfig())
	ents := a.Assemble([]registry.Membership{
		{GroupName: "C", CouID: 9, Member: true},
	}, nestedABC())

	want := []string{"urn:mace:example.eu:group:A:B:C:role=member#example.eu"}
	if !reflect.DeepEqual(ents, want) {
		t.Fatalf("ents = %v, want %v", ents, want)
	}
}

func TestNestingCollapseTwoLevels(t *testing.T) {
	paths := nestedABC()
	paths[5] = hierarchy.Path{IDs: []int{3, 5}, Names: []string{"A", "B"}}
	members := []registry.Membership{
		{GroupName: "B", CouID: 5, Member: true},
		{GroupName: "C", CouID: 9, Member: true},
	}

	a := NewAssembler(testConfig())
	ents := a.Assemble(members, paths)

	assertContains(t, ents, "urn:mace:example.eu:group:A:B:C:role=member#example.eu")
	assertNotContains(t, ents, "urn:mace:example.eu:group:A:B:role=member#example.eu")
	assertNotContains(t, ents, "urn:mace:example.eu:group:A:role=member#example.eu")
	assertNotContains(t, ents, "urn:mace:example.eu:group:B:role=member#example.eu")
	assertNotContains(t, ents, "urn:mace:example.eu:group:C:role=member#example.eu")
}

func TestNestingNoCollapseKeepsBothLevels(t *testing.T) {
	paths := nestedABC()
	paths[5] = hierarchy.Path{IDs: []int{3, 5}, Names: []string{"A", "B"}}
	members := []registry.Membership{
		{GroupName: "B", CouID: 5, Member: true},
		{GroupName: "C", CouID: 9, Member: true},
	}

	cfg := testConfig()
	cfg.MergeNesting = false
	a := NewAssembler(cfg)
	ents := a.Assemble(members, paths)

	assertContains(t, ents, "urn:mace:example.eu:group:A:B:role=member#example.eu")
	assertContains(t, ents, "urn:mace:example.eu:group:A:B:C:role=member#example.eu")
}

func TestNestedTitleRoleAndRootBaseline(t *testing.T) {
	cfg := testConfig()
	cfg.Whitelist = []string{"A"}
	a := NewAssembler(cfg)

	ents := a.Assemble([]registry.Membership{
		{GroupName: "C", CouID: 9, Titles: []string{"faculty"}, Member: true},
	}, nestedABC())

	want := []string{
		"urn:mace:example.eu:group:A:B:C:role=faculty#example.eu",
		"urn:mace:example.eu:group:A:B:C:role=member#example.eu",
		"urn:mace:example.eu:group:A:role=member#example.eu",
	}
	sort.Strings(ents)
	sort.Strings(want)
	if !reflect.DeepEqual(ents, want) {
		t.Fatalf("ents = %v, want %v", ents, want)
	}
}

func TestWhitelistDropsForeignVO(t *testing.T) {
	cfg := testConfig()
	cfg.Whitelist = []string{"A"}
	a := NewAssembler(cfg)

	ents := a.Assemble([]registry.Membership{
		{GroupName: "other-vo", CouID: 20, Member: true},
	}, nil)

	if len(ents) != 0 {
		t.Fatalf("foreign VO must be filtered out entirely: %v", ents)
	}
}

func TestAdminWhitelistExemption(t *testing.T) {
	cfg := testConfig()
	cfg.Whitelist = []string{"other-vo"}
	a := NewAssembler(cfg)

	ents := a.Assemble([]registry.Membership{
		{GroupName: "VO:admins", CouID: 7, Member: true},
	}, nil)

	want := []string{"urn:mace:example.eu:group:VO:admins:role=member#example.eu"}
	if !reflect.DeepEqual(ents, want) {
		t.Fatalf("ents = %v, want %v", ents, want)
	}
}

func TestAdminSiblingBucket(t *testing.T) {
	a := NewAssembler(testConfig())
	ents := a.Assemble([]registry.Membership{
		{GroupName: "VO", CouID: 5, Member: true},
		{GroupName: "VO:admins", CouID: 5, Member: true, Owner: true},
	}, nil)

	assertContains(t, ents, "urn:mace:example.eu:group:VO:role=member#example.eu")
	assertContains(t, ents, "urn:mace:example.eu:group:VO:admins:role=member#example.eu")
	assertContains(t, ents, "urn:mace:example.eu:group:VO:admins:role=owner#example.eu")
}

func TestNestedAdminVariant(t *testing.T) {
	cfg := testConfig()
	cfg.Whitelist = []string{"A"}
	a := NewAssembler(cfg)

	ents := a.Assemble([]registry.Membership{
		{GroupName: "C", CouID: 9, Member: true},
		{GroupName: "C:admins", CouID: 9, Member: true},
	}, nestedABC())

	assertContains(t, ents, "urn:mace:example.eu:group:A:B:C:role=member#example.eu")
	assertContains(t, ents, "urn:mace:example.eu:group:A:B:C:admins:role=member#example.eu")
	assertContains(t, ents, "urn:mace:example.eu:group:C:admins:role=member#example.eu")
}

func TestNoRoleEntitlements(t *testing.T) {
	cfg := testConfig()
	cfg.NoRole = true
	a := NewAssembler(cfg)

	ents := a.Assemble([]registry.Membership{
		{GroupName: "VO", CouID: 5, Member: true},
	}, nil)

	assertContains(t, ents, "urn:mace:example.eu:group:VO#example.eu")
}

func TestGroupNameEncoding(t *testing.T) {
	a := NewAssembler(testConfig())
	ents := a.Assemble([]registry.Membership{
		{GroupName: "data analysts", Member: true},
	}, nil)

	want := []string{"urn:mace:example.eu:group:registry:data+analysts:role=member#example.eu"}
	if !reflect.DeepEqual(ents, want) {
		t.Fatalf("ents = %v, want %v", ents, want)
	}
}

func TestAssembleDedupAndIdempotence(t *testing.T) {
	paths := nestedABC()
	members := []registry.Membership{
		{GroupName: "storage-users", Member: true},
		{GroupName: "C", CouID: 9, Titles: []string{"faculty"}, Member: true},
		{GroupName: "C:admins", CouID: 9, Member: true},
	}
	a := NewAssembler(testConfig())

	first := a.Assemble(members, paths)
	second := a.Assemble(members, paths)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("assembly not deterministic: %v vs %v", first, second)
	}

	seen := make(map[string]struct{})
	for _, e := range first {
		if _, ok := seen[e]; ok {
			t.Fatalf("duplicate entitlement %q in %v", e, first)
		}
		seen[e] = struct{}{}
	}
}

func TestEmptyGroupNameSkipped(t *testing.T) {
	a := NewAssembler(testConfig())
	ents := a.Assemble([]registry.Membership{
		{GroupName: "", CouID: 9, Member: true},
	}, nil)
	if len(ents) != 0 {
		t.Fatalf("empty group names must not produce entitlements: %v", ents)
	}
}
