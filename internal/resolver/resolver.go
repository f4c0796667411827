// Package resolver orchestrates one login resolution: registry lookup,
// status gating, enrollment redirects, and the attribute/entitlement
// pipeline. It owns no algorithm itself; it sequences the profile,
// hierarchy, and entitlement packages and turns transitional account
// states into redirects or blocking notices.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"rciam.org/internal/attributes"
	"rciam.org/internal/config"
	"rciam.org/internal/enroll"
	"rciam.org/internal/entitlement"
	"rciam.org/internal/hierarchy"
	"rciam.org/internal/obs"
	"rciam.org/internal/profile"
	"rciam.org/internal/registry"
	"rciam.org/internal/statestore"
)

// Outcome of one resolution.
const (
	KindProceed  = "proceed"
	KindRedirect = "redirect"
	KindNotice   = "notice"
)

// Notice statuses surfaced to the user. They are dictionary keys, not
// human-readable text.
const (
	NoticeSuspended           = "user_suspended"
	NoticeInactive            = "user_error"
	NoticeNoLoginIdentifier   = "org_identity_nologin_banner"
	NoticeIdentifierExpired   = "org_identity_expired_banner"
	NoticeIdentifierRemoved   = "org_identity_removed_banner"
	NoticePendingConfirmation = "resend_confirmation_email"
)

// Notice is a user-facing blocking message.
type Notice struct {
	Level      string            `json:"level"`
	Status     string            `json:"status"`
	ShowResend bool              `json:"show_resend,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// Decision is the outcome of a resolution: proceed with attributes,
// redirect to an enrollment flow, or block with a notice. Exactly one
// branch is populated.
type Decision struct {
	Kind string

	Attributes attributes.Map
	Extra      *Extra

	RedirectURL string
	StateToken  string

	Notice *Notice
}

// Extra carries resolved values that are not plain attributes.
type Extra struct {
	RegistryUserID int         `json:"registry_user_id"`
	CUID           string      `json:"cuid,omitempty"`
	AUP            []AUPStatus `json:"aup,omitempty"`
}

// Request is one login event handed over by the IdP layer.
type Request struct {
	Attributes              attributes.Map
	SPEntityID              string
	AuthenticatingAuthority []string
	IdPTags                 []string
	RemoteIP                string
}

type eventRecorder interface {
	Record(ctx context.Context, identifier, remoteIP string) error
}

type stateSaver interface {
	Save(st statestore.State) (string, error)
}

// Resolver wires the resolution pipeline together.
type Resolver struct {
	cfg     *config.Config
	store   registry.Store
	events  eventRecorder
	states  stateSaver
	enroll  *enroll.Handler
	profile *profile.Resolver
	now     func() time.Time
}

func New(cfg *config.Config, store registry.Store, events eventRecorder, states stateSaver) *Resolver {
	return &Resolver{
		cfg:     cfg,
		store:   store,
		events:  events,
		states:  states,
		enroll:  enroll.NewHandler(store),
		profile: &profile.Resolver{IdentMap: cfg.AttrMap},
		now:     time.Now,
	}
}

// Resolve runs the full chain for one login. Store communication
// failures abort the whole resolution; no partial attribute state is
// ever returned.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Decision, error) {
	start := r.now()
	d, err := r.resolve(ctx, req)
	elapsed := r.now().Sub(start)
	if err != nil {
		obs.ObserveResolution("error", elapsed)
		return Decision{}, err
	}
	obs.ObserveResolution(d.Kind, elapsed)
	return d, nil
}

func (r *Resolver) resolve(ctx context.Context, req Request) (Decision, error) {
	if containsString(r.cfg.SPBlacklist, req.SPEntityID) {
		// Blacklisted services bypass resolution entirely.
		return Decision{Kind: KindProceed, Attributes: req.Attributes.Clone()}, nil
	}

	orgID := req.Attributes.First(r.cfg.UserIDAttribute)
	if orgID == "" {
		return Decision{}, fmt.Errorf("resolver: attribute %q not present in request", r.cfg.UserIDAttribute)
	}

	person, err := r.store.BasicInfo(ctx, r.cfg.CoID, orgID)
	if errors.Is(err, registry.ErrNotFound) {
		return r.signupRedirect(req, orgID)
	}
	if err != nil {
		return Decision{}, err
	}

	obs.LogEvent(map[string]any{
		"level": "debug", "msg": "person resolved",
		"org_id": orgID, "person_id": person.ID, "status": person.Status,
	})

	if d, blocked, err := r.gateStatus(ctx, person); blocked || err != nil {
		return d, err
	}

	if err := r.events.Record(ctx, orgID, req.RemoteIP); err != nil {
		return Decision{}, err
	}

	return r.resolvePersonData(ctx, req, person, orgID)
}

// gateStatus turns transitional person states into notices. blocked is
// false only for Active and GracePeriod accounts.
func (r *Resolver) gateStatus(ctx context.Context, person registry.Person) (Decision, bool, error) {
	switch person.Status {
	case registry.StatusActive, registry.StatusGracePeriod:
		return Decision{}, false, nil
	case registry.StatusSuspended:
		return notice("error", NoticeSuspended, nil), true, nil
	case registry.StatusPendingConfirmation:
		inv, err := r.enroll.PendingInvitation(ctx, person.ID)
		if errors.Is(err, registry.ErrNotFound) {
			// Confirmation pending but no live petition; the registry
			// login flow can re-trigger it.
			return Decision{Kind: KindRedirect, RedirectURL: r.cfg.RegistryURLs.RegistryLogin}, true, nil
		}
		if err != nil {
			return Decision{}, true, err
		}
		d := notice(inv.BannerClass(), NoticePendingConfirmation, map[string]string{
			"send_endpoint": inv.ResendEndpoint,
			"mail":          inv.Mail,
			"window":        inv.Window,
		})
		d.Notice.ShowResend = true
		return d, true, nil
	default:
		return notice("error", NoticeInactive, nil), true, nil
	}
}

// signupRedirect picks the enrollment flow for a user with no registry
// record and parks the resolution state behind a resume token.
func (r *Resolver) signupRedirect(req Request, orgID string) (Decision, error) {
	token, err := r.states.Save(statestore.State{
		OrgIdentifier: orgID,
		Attributes:    req.Attributes.Clone(),
	})
	if err != nil {
		return Decision{}, fmt.Errorf("resolver: save state: %w", err)
	}

	target := r.cfg.RegistryURLs.SignUp
	switch {
	case r.isCommunityIdP(req):
		if r.cfg.RegistryURLs.CommunitySignUpNoAff == "" || r.hasSignupAttributes(req.Attributes, "voPersonExternalAffiliation") {
			target = r.cfg.RegistryURLs.CommunitySignUp
		} else {
			target = r.cfg.RegistryURLs.CommunitySignUpNoAff
		}
	case r.hasSignupAttributes(req.Attributes, profile.AttrScopedAffiliation):
		target = r.cfg.RegistryURLs.SelfSignUp
	}
	return Decision{Kind: KindRedirect, RedirectURL: target, StateToken: token}, nil
}

// isCommunityIdP reports whether the asserting IdP belongs to the
// community flow, by entity id of the last authenticating authority or
// by metadata tag.
func (r *Resolver) isCommunityIdP(req Request) bool {
	if n := len(req.AuthenticatingAuthority); n > 0 {
		if containsString(r.cfg.CommunityIdPs, req.AuthenticatingAuthority[n-1]) {
			return true
		}
	}
	for _, tag := range req.IdPTags {
		if containsString(r.cfg.CommunityIdPTags, tag) {
			return true
		}
	}
	return false
}

// hasSignupAttributes reports whether the bag carries everything the
// richer signup flow needs: an affiliation plus mail and both names.
func (r *Resolver) hasSignupAttributes(attrs attributes.Map, affiliationAttr string) bool {
	return attrs.First(affiliationAttr) != "" &&
		attrs.First(profile.AttrMail) != "" &&
		attrs.First(profile.AttrGivenName) != "" &&
		attrs.First(profile.AttrFamilyName) != ""
}

// resolvePersonData runs the attribute pipeline for an active account.
func (r *Resolver) resolvePersonData(ctx context.Context, req Request, person registry.Person, orgID string) (Decision, error) {
	attrs := req.Attributes.Clone()
	extra := &Extra{RegistryUserID: person.ID}

	loginOnly := true
	orgIdents, err := r.store.OrgIdentifiers(ctx, person.ID, r.cfg.OrgIDTypes, &loginOnly)
	if err != nil {
		return Decision{}, err
	}
	switch {
	case !registry.IsLoginIdentifier(orgIdents, orgID):
		return notice("error", NoticeNoLoginIdentifier, nil), nil
	case registry.IsExpiredIdentifier(orgIdents, orgID, r.now()):
		return notice("error", NoticeIdentifierExpired, nil), nil
	case registry.IsRemovedIdentifier(orgIdents, orgID):
		return notice("error", NoticeIdentifierRemoved, nil), nil
	}

	// Swap the asserted identifier for the registry-scoped one.
	loginID, err := r.store.PersonIdentifier(ctx, person.ID, r.cfg.UserIDType)
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		return Decision{}, err
	}
	if loginID != "" {
		attrs.Set(r.cfg.UserIDAttribute, loginID)
		extra.CUID = loginID
	}

	prof, err := r.store.Profile(ctx, person.ID)
	if errors.Is(err, registry.ErrNotFound) {
		// No profile row; enrollment flows still need the raw identity,
		// so this is not fatal, but entitlement assembly is skipped.
		return Decision{Kind: KindProceed, Attributes: attrs, Extra: extra}, nil
	}
	if err != nil {
		return Decision{}, err
	}
	r.profile.Apply(attrs, prof)

	if r.cfg.Certificate {
		subjects, err := r.store.CertificateSubjects(ctx, person.ID)
		if err != nil {
			return Decision{}, err
		}
		profile.ApplyCertificates(attrs, r.cfg.CertificateDNAttribute, subjects)
	}

	if r.cfg.RetrieveSSHKeys {
		keys, err := r.store.SSHKeys(ctx, person.ID)
		if err != nil {
			return Decision{}, err
		}
		profile.ApplySSHKeys(attrs, keys)
	}

	memberships, err := r.store.Memberships(ctx, r.cfg.CoID, person.ID)
	if err != nil {
		return Decision{}, err
	}

	if r.cfg.RetrieveAUP {
		aup, err := r.buildAUP(ctx, person.ID, memberships)
		if err != nil {
			return Decision{}, err
		}
		extra.AUP = aup
	}

	if len(memberships) == 0 {
		return Decision{Kind: KindProceed, Attributes: attrs, Extra: extra}, nil
	}

	prefix, err := r.groupPrefix(ctx)
	if err != nil {
		return Decision{}, err
	}

	paths, err := hierarchy.Resolve(ctx, r.store, memberships)
	if err != nil {
		return Decision{}, err
	}

	asm := entitlement.NewAssembler(entitlement.Config{
		Namespace:    r.cfg.URNNamespace,
		Authority:    r.cfg.URNAuthority,
		DefaultRoles: r.cfg.VORoles,
		Whitelist:    r.cfg.VOWhitelist,
		GroupPrefix:  prefix,
		MergeNesting: r.cfg.MergeEntitlements,
		LegacyURN:    r.cfg.URNLegacy,
		NoRole:       r.cfg.NoRoleEntitlements,
	})
	ents := asm.Assemble(memberships, paths)
	attrs.Add("eduPersonEntitlement", ents...)

	obs.LogEvent(map[string]any{
		"level": "debug", "msg": "entitlements assembled",
		"person_id": person.ID, "count": len(ents),
	})
	return Decision{Kind: KindProceed, Attributes: attrs, Extra: extra}, nil
}

// groupPrefix returns the configured per-CO prefix, or derives
// "<co-name>:group" from the registry.
func (r *Resolver) groupPrefix(ctx context.Context) (string, error) {
	if p := r.cfg.GroupPrefixFor(r.cfg.CoID); p != "" {
		return p, nil
	}
	name, err := r.store.CoName(ctx, r.cfg.CoID)
	if err != nil {
		return "", err
	}
	return url.QueryEscape(name) + ":group", nil
}

func notice(level, status string, fields map[string]string) Decision {
	return Decision{
		Kind:   KindNotice,
		Notice: &Notice{Level: level, Status: status, Fields: fields},
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
