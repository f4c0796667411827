package resolver

import (
	"context"
	"strings"

	"rciam.org/internal/registry"
)

// AUPVO attributes an AUP document to a VO; nil when the document is
// CO-wide.
type AUPVO struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// AUPAgreement is the person's latest agreement on a document.
type AUPAgreement struct {
	ID      int    `json:"id"`
	AupID   int    `json:"aupId"`
	Date    string `json:"date"`
	Version int    `json:"version"`
}

// AUPStatus is one terms-and-conditions document with its agreement
// state, as handed to downstream consumers.
type AUPStatus struct {
	ID          int           `json:"id"`
	Description string        `json:"description"`
	Modified    string        `json:"modified"`
	URL         string        `json:"url"`
	Version     int           `json:"version"`
	VO          *AUPVO        `json:"vo"`
	Agreed      *AUPAgreement `json:"agreed"`
}

// buildAUP merges agreed and pending documents into the AUP status
// model. VO-scoped documents are dropped when the person no longer holds
// a membership on the VO's COU.
func (r *Resolver) buildAUP(ctx context.Context, personID int, memberships []registry.Membership) ([]AUPStatus, error) {
	agreed, err := r.store.TermsAgreed(ctx, personID)
	if err != nil {
		return nil, err
	}
	pending, err := r.store.TermsPending(ctx, personID)
	if err != nil {
		return nil, err
	}

	var out []AUPStatus
	for _, rec := range append(agreed, pending...) {
		st := AUPStatus{
			ID:          rec.ID,
			Description: rec.Description,
			Modified:    rec.Modified,
			URL:         rec.URL,
			Version:     rec.Revision,
		}
		if rec.CouID > 0 {
			vo, ok := aupVO(memberships, rec.CouID)
			if !ok {
				continue
			}
			st.VO = &vo
		}
		if rec.HasAgreement {
			st.Agreed = &AUPAgreement{
				ID:      rec.AgreementID,
				AupID:   rec.AgreedAupID,
				Date:    rec.AgreementTime,
				Version: rec.AgreedRevision,
			}
		}
		out = append(out, st)
	}
	return out, nil
}

// aupVO resolves the VO name for a COU-scoped document from the person's
// memberships. A plain COU membership names the VO directly; when the
// person only holds the ":admins" group, the owning VO name is derived
// from it.
func aupVO(memberships []registry.Membership, couID int) (AUPVO, bool) {
	var admins *registry.Membership
	for i, m := range memberships {
		if m.CouID != couID {
			continue
		}
		if !m.IsAdmins() {
			return AUPVO{ID: couID, Name: m.GroupName}, true
		}
		if admins == nil {
			admins = &memberships[i]
		}
	}
	if admins != nil {
		name, _, _ := strings.Cut(admins.GroupName, ":admins")
		return AUPVO{ID: couID, Name: name}, true
	}
	return AUPVO{}, false
}
