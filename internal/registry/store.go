package registry

import "context"

// Store is the read gateway to the registry database. All query text and
// parameter binding live in the Postgres implementation; callers only see
// typed rows. Every method fails with a wrapped driver error on
// communication problems, which callers must treat as fatal for the
// current resolution.
type Store interface {
	// BasicInfo resolves the person behind a federated org identifier
	// within the CO, or ErrNotFound when no registry record exists.
	BasicInfo(ctx context.Context, coID int, orgIdentifier string) (Person, error)

	// PersonIdentifier returns the person's identifier of the given type,
	// or ErrNotFound.
	PersonIdentifier(ctx context.Context, personID int, identType string) (string, error)

	// Profile fetches the person's canonical attributes, parsed into typed
	// records. Returns ErrNotFound when the person has no profile row.
	Profile(ctx context.Context, personID int) (Profile, error)

	// OrgIdentifiers lists identifiers linked to the person's org
	// identities, restricted to the given types. When loginOnly is non-nil
	// only identifiers with (or without) the login flag are returned.
	OrgIdentifiers(ctx context.Context, personID int, types []string, loginOnly *bool) ([]OrgIdentifier, error)

	// Memberships lists the person's active group memberships in the CO,
	// excluding the synthetic catch-all groups.
	Memberships(ctx context.Context, coID, personID int) ([]Membership, error)

	// CouPath walks the COU tree from the root down to the given COU and
	// returns the full ancestor path, or ErrNotFound for an unknown id.
	CouPath(ctx context.Context, couID int) (CouPathRow, error)

	// CoName returns the active CO's name, used to derive the default
	// group prefix.
	CoName(ctx context.Context, coID int) (string, error)

	// CertificateSubjects lists the person's certificate subject DNs.
	CertificateSubjects(ctx context.Context, personID int) ([]string, error)

	// SSHKeys lists the person's stored SSH public keys.
	SSHKeys(ctx context.Context, personID int) ([]SSHKey, error)

	// TermsAgreed lists terms-and-conditions documents whose current
	// revision the person has agreed to.
	TermsAgreed(ctx context.Context, personID int) ([]TermsRecord, error)

	// TermsPending lists terms-and-conditions documents the person has not
	// agreed to, or has agreed to only in an older revision.
	TermsPending(ctx context.Context, personID int) ([]TermsRecord, error)

	// PetitionByStatus returns the person's CO-level enrollment petition in
	// the given status, or ErrNotFound.
	PetitionByStatus(ctx context.Context, personID int, status string) (Petition, error)
}
