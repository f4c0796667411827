package profile

import (
	"reflect"
	"testing"

	"rciam.org/internal/attributes"
	"rciam.org/internal/registry"
)

func TestApplyPrimaryAndVerifiedMail(t *testing.T) {
	r := &Resolver{}
	attrs := attributes.Map{}
	r.Apply(attrs, registry.Profile{
		Given:  "Jane",
		Family: "Doe",
		Emails: []registry.Email{
			{ID: 3, Address: "c@x.org", Verified: true},
			{ID: 1, Address: "a@x.org", Verified: false},
			{ID: 2, Address: "b@x.org", Verified: true},
		},
	})

	if got := attrs.First(AttrMail); got != "a@x.org" {
		t.Fatalf("primary mail = %q, want lowest id", got)
	}
	want := []string{"b@x.org", "c@x.org"}
	if got := attrs[AttrVerifiedEmail]; !reflect.DeepEqual(got, want) {
		t.Fatalf("verified mails = %v, want %v", got, want)
	}
	if attrs.First(AttrGivenName) != "Jane" || attrs.First(AttrFamilyName) != "Doe" {
		t.Fatalf("names not applied: %v", attrs)
	}
}

func TestApplyEmptyProfileSetsNothing(t *testing.T) {
	r := &Resolver{}
	attrs := attributes.Map{}
	r.Apply(attrs, registry.Profile{})
	if len(attrs) != 0 {
		t.Fatalf("empty profile must leave the bag untouched: %v", attrs)
	}
}

func TestApplyIdentifierRemap(t *testing.T) {
	r := &Resolver{IdentMap: map[string]string{"epuid": "eduPersonUniqueId"}}
	attrs := attributes.Map{}
	r.Apply(attrs, registry.Profile{
		Identifiers: []registry.TypedIdentifier{
			{Type: "epuid", Value: "xyz@example.org"},
			{Type: "orcid", Value: "0000-0002-1825-0097"},
		},
	})

	if got := attrs.First("eduPersonUniqueId"); got != "xyz@example.org" {
		t.Fatalf("remapped identifier = %q", got)
	}
	if got := attrs.First("orcid"); got != "0000-0002-1825-0097" {
		t.Fatalf("unmapped type must pass through: %q", got)
	}
}

func TestApplyScopedAffiliationDedup(t *testing.T) {
	r := &Resolver{}
	attrs := attributes.Map{}
	r.Apply(attrs, registry.Profile{
		ScopedAffiliations: []string{"faculty@x.org", "member@x.org", "faculty@x.org"},
	})
	if got := attrs[AttrScopedAffiliation]; len(got) != 2 {
		t.Fatalf("affiliations not deduplicated: %v", got)
	}
}

func TestApplySSHKeys(t *testing.T) {
	attrs := attributes.Map{}
	ApplySSHKeys(attrs, []registry.SSHKey{
		{Type: "RSA", Key: "AAAAB3Nza...", Comment: "laptop"},
		{Type: "ED25519", Key: "AAAAC3Nza..."},
	})
	got := attrs[AttrSSHPublicKey]
	if len(got) != 2 {
		t.Fatalf("want 2 keys, got %v", got)
	}
	if got[0] != "ssh-rsa AAAAB3Nza... laptop" {
		t.Fatalf("rsa entry = %q", got[0])
	}
	if got[1] != "ssh-ed25519 AAAAC3Nza..." {
		t.Fatalf("ed25519 entry = %q", got[1])
	}
}
