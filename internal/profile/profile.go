// Package profile normalizes a person's canonical registry attributes
// into the outgoing attribute bag.
package profile

import (
	"sort"
	"strings"

	"rciam.org/internal/attributes"
	"rciam.org/internal/registry"
)

// Attribute names emitted into the bag.
const (
	AttrGivenName         = "givenName"
	AttrFamilyName        = "sn"
	AttrMail              = "mail"
	AttrVerifiedEmail     = "voPersonVerifiedEmail"
	AttrScopedAffiliation = "eduPersonScopedAffiliation"
	AttrCertificateDN     = "voPersonCertificateDN"
	AttrSSHPublicKey      = "sshPublicKey"
)

// Resolver maps typed registry profile rows onto attribute names. IdentMap
// remaps identifier types to attribute names; unmapped types pass through
// under their raw type name.
type Resolver struct {
	IdentMap map[string]string
}

// Apply merges the person's profile into attrs. Empty fields leave the
// corresponding attribute unset.
func (r *Resolver) Apply(attrs attributes.Map, p registry.Profile) {
	if p.Given != "" {
		attrs.Set(AttrGivenName, p.Given)
	}
	if p.Family != "" {
		attrs.Set(AttrFamilyName, p.Family)
	}

	emails := append([]registry.Email(nil), p.Emails...)
	sort.SliceStable(emails, func(i, j int) bool { return emails[i].ID < emails[j].ID })
	if len(emails) > 0 {
		attrs.Set(AttrMail, emails[0].Address)
	}
	for _, e := range emails {
		if e.Verified {
			attrs.Add(AttrVerifiedEmail, e.Address)
		}
	}

	for _, aff := range dedup(p.ScopedAffiliations) {
		attrs.Add(AttrScopedAffiliation, aff)
	}

	for _, ident := range p.Identifiers {
		name := ident.Type
		if mapped, ok := r.IdentMap[ident.Type]; ok {
			name = mapped
		}
		attrs.Add(name, ident.Value)
	}
}

// ApplyCertificates sets the certificate subject DN attribute. The
// attribute name is configurable because deployments disagree on it.
func ApplyCertificates(attrs attributes.Map, attrName string, subjects []string) {
	if attrName == "" {
		attrName = AttrCertificateDN
	}
	for _, s := range subjects {
		attrs.Add(attrName, s)
	}
}

// ApplySSHKeys renders stored keys in OpenSSH authorized_keys form.
func ApplySSHKeys(attrs attributes.Map, keys []registry.SSHKey) {
	for _, k := range keys {
		entry := sshKeyType(k.Type) + " " + k.Key
		if k.Comment != "" {
			entry += " " + k.Comment
		}
		attrs.Add(AttrSSHPublicKey, entry)
	}
}

// sshKeyType expands the registry's key-type abbreviation to the OpenSSH
// wire name.
func sshKeyType(t string) string {
	switch strings.ToUpper(t) {
	case "DSA":
		return "ssh-dss"
	case "ECDSA":
		return "ecdsa-sha2-nistp256"
	case "ECDSA384":
		return "ecdsa-sha2-nistp384"
	case "ECDSA521":
		return "ecdsa-sha2-nistp521"
	case "ED25519":
		return "ssh-ed25519"
	case "RSA":
		return "ssh-rsa"
	default:
		return strings.ToLower(t)
	}
}

func dedup(in []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
