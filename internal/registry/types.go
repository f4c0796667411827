package registry

import "errors"

// Person status codes as stored by the registry.
const (
	StatusActive              = "A"
	StatusApproved            = "Y"
	StatusConfirmed           = "C"
	StatusDeleted             = "D"
	StatusDenied              = "N"
	StatusDuplicate           = "D2"
	StatusExpired             = "XP"
	StatusGracePeriod         = "GP"
	StatusInvited             = "I"
	StatusPending             = "P"
	StatusPendingApproval     = "PA"
	StatusPendingConfirmation = "PC"
	StatusSuspended           = "S"
	StatusDeclined            = "X"
)

// Org identity status codes.
const (
	OrgStatusRemoved = "RM"
	OrgStatusSynced  = "SY"
)

var (
	ErrNotFound = errors.New("registry: not found")
)

// Person is the registry identity row resolved from a federated identifier.
type Person struct {
	ID     int
	Status string
	CoID   int
}

// Email is one registry email address with its verification flag. ID is the
// registry row id used to pick the oldest address deterministically.
type Email struct {
	ID       int
	Address  string
	Verified bool
}

// TypedIdentifier is an external identifier together with its registry type.
type TypedIdentifier struct {
	Type  string
	Value string
}

// Profile holds a person's canonical attributes, parsed out of the
// registry's delimited aggregate columns at the fetch boundary.
type Profile struct {
	Given              string
	Family             string
	Emails             []Email
	Identifiers        []TypedIdentifier
	ScopedAffiliations []string
	Organizations      []string
}

// Membership is one raw group membership row. CouID is zero for plain
// groups and the COU id for COU-backed groups. Title and affiliation
// values are empty for ":admins" groups.
type Membership struct {
	GroupName    string
	CouID        int
	Titles       []string
	Affiliations []string
	Member       bool
	Owner        bool
}

// IsCou reports whether the membership is backed by a COU.
func (m Membership) IsCou() bool { return m.CouID != 0 }

// IsAdmins reports whether the membership is an ":admins" sibling group.
func (m Membership) IsAdmins() bool {
	return containsAdmins(m.GroupName)
}

// CouPathRow is the raw result of one recursive ancestor walk: the
// colon-joined name path and id path from the hierarchy root down to the
// requested COU. Both strings are index-aligned segment by segment.
type CouPathRow struct {
	CouID    int
	NamePath string
	IDPath   string
}

// OrgIdentifier is an identifier attached to one of the person's linked
// org identities, with the validity window of that identity.
type OrgIdentifier struct {
	Type         string
	Identifier   string
	Login        bool
	OrgID        int
	ValidFrom    string
	ValidThrough string
	Status       string
}

// SSHKey is a stored public key. Type is the registry abbreviation
// (RSA, ED25519, ...).
type SSHKey struct {
	Type    string
	Key     string
	Comment string
}

// TermsRecord is one terms-and-conditions document together with the
// person's latest agreement on it, when any.
type TermsRecord struct {
	ID          int
	Description string
	Modified    string
	CouID       int
	URL         string
	Revision    int

	AgreementID    int
	AgreedAupID    int
	AgreementTime  string
	AgreedRevision int
	HasAgreement   bool
}

// Petition is an enrollment petition row joined with its invitation.
type Petition struct {
	ID               int
	EnrolleePersonID int
	Mail             string
	ExpiresAt        string
	ExpiresUnix      int64
}
