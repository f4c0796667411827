package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"rciam.org/internal/attributes"
	"rciam.org/internal/config"
	"rciam.org/internal/registry"
	"rciam.org/internal/statestore"
)

type fakeStore struct {
	person    registry.Person
	personErr error

	identifier    string
	identifierErr error

	profile    registry.Profile
	profileErr error

	orgIdents    []registry.OrgIdentifier
	orgIdentsErr error

	memberships    []registry.Membership
	membershipsErr error

	paths  map[int]registry.CouPathRow
	coName string

	certs []string
	keys  []registry.SSHKey

	agreed, pending []registry.TermsRecord

	petition    registry.Petition
	petitionErr error
}

func (f *fakeStore) BasicInfo(context.Context, int, string) (registry.Person, error) {
	return f.person, f.personErr
}

func (f *fakeStore) PersonIdentifier(context.Context, int, string) (string, error) {
	if f.identifierErr != nil {
		return "", f.identifierErr
	}
	if f.identifier == "" {
		return "", registry.ErrNotFound
	}
	return f.identifier, nil
}

func (f *fakeStore) Profile(context.Context, int) (registry.Profile, error) {
	return f.profile, f.profileErr
}

func (f *fakeStore) OrgIdentifiers(context.Context, int, []string, *bool) ([]registry.OrgIdentifier, error) {
	return f.orgIdents, f.orgIdentsErr
}

func (f *fakeStore) Memberships(context.Context, int, int) ([]registry.Membership, error) {
	return f.memberships, f.membershipsErr
}

func (f *fakeStore) CouPath(_ context.Context, couID int) (registry.CouPathRow, error) {
	row, ok := f.paths[couID]
	if !ok {
		return registry.CouPathRow{}, registry.ErrNotFound
	}
	return row, nil
}

func (f *fakeStore) CoName(context.Context, int) (string, error) {
	if f.coName == "" {
		return "", registry.ErrNotFound
	}
	return f.coName, nil
}

func (f *fakeStore) CertificateSubjects(context.Context, int) ([]string, error) {
	return f.certs, nil
}

func (f *fakeStore) SSHKeys(context.Context, int) ([]registry.SSHKey, error) {
	return f.keys, nil
}

func (f *fakeStore) TermsAgreed(context.Context, int) ([]registry.TermsRecord, error) {
	return f.agreed, nil
}

func (f *fakeStore) TermsPending(context.Context, int) ([]registry.TermsRecord, error) {
	return f.pending, nil
}

func (f *fakeStore) PetitionByStatus(context.Context, int, string) (registry.Petition, error) {
	return f.petition, f.petitionErr
}

type fakeEvents struct {
	recorded int
	err      error
}

func (f *fakeEvents) Record(context.Context, string, string) error {
	f.recorded++
	return f.err
}

type fakeStates struct {
	saved []statestore.State
}

func (f *fakeStates) Save(st statestore.State) (string, error) {
	f.saved = append(f.saved, st)
	return "token-1", nil
}

func testCfg() *config.Config {
	return &config.Config{
		CoID:            2,
		UserIDAttribute: "eduPersonPrincipalName",
		UserIDType:      "epuid",
		OrgIDTypes:      []string{"epuid"},
		URNNamespace:    "urn:mace:example.eu",
		URNAuthority:    "example.eu",
		VORoles:         []string{"member"},
		VOGroupPrefix:   map[int]string{2: "registry"},
		AttrMap:         map[string]string{"epuid": "eduPersonUniqueId"},
		RegistryURLs: config.RegistryURLs{
			SelfSignUp:      "https://registry.example.org/self",
			SignUp:          "https://registry.example.org/signup",
			CommunitySignUp: "https://registry.example.org/community",
			RegistryLogin:   "https://registry.example.org/login",
		},
	}
}

func activeStore() *fakeStore {
	return &fakeStore{
		person:     registry.Person{ID: 42, Status: registry.StatusActive, CoID: 2},
		identifier: "cuid-42@example.org",
		orgIdents: []registry.OrgIdentifier{
			{Identifier: "jdoe@example.org", Login: true},
		},
		profile: registry.Profile{
			Given:  "Jane",
			Family: "Doe",
			Emails: []registry.Email{{ID: 1, Address: "jane@example.org", Verified: true}},
		},
		memberships: []registry.Membership{
			{GroupName: "storage-users", Member: true},
		},
	}
}

func newTestResolver(store *fakeStore) (*Resolver, *fakeEvents, *fakeStates) {
	events := &fakeEvents{}
	states := &fakeStates{}
	r := New(testCfg(), store, events, states)
	r.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return r, events, states
}

func loginRequest() Request {
	return Request{
		Attributes: attributes.Map{"eduPersonPrincipalName": {"jdoe@example.org"}},
		RemoteIP:   "192.0.2.1",
	}
}

func TestResolveActivePerson(t *testing.T) {
	store := activeStore()
	r, events, _ := newTestResolver(store)

	d, err := r.Resolve(context.Background(), loginRequest())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Kind != KindProceed {
		t.Fatalf("kind = %q, decision %+v", d.Kind, d)
	}
	if got := d.Attributes.First("eduPersonPrincipalName"); got != "cuid-42@example.org" {
		t.Fatalf("identifier not swapped: %q", got)
	}
	if d.Attributes.First("givenName") != "Jane" {
		t.Fatalf("profile not applied: %v", d.Attributes)
	}
	want := "urn:mace:example.eu:group:registry:storage-users:role=member#example.eu"
	if !d.Attributes.Contains("eduPersonEntitlement", want) {
		t.Fatalf("missing entitlement %q in %v", want, d.Attributes["eduPersonEntitlement"])
	}
	if events.recorded != 1 {
		t.Fatalf("auth events recorded = %d", events.recorded)
	}
	if d.Extra == nil || d.Extra.RegistryUserID != 42 || d.Extra.CUID != "cuid-42@example.org" {
		t.Fatalf("extra = %+v", d.Extra)
	}
}

func TestResolveNestedEntitlements(t *testing.T) {
	store := activeStore()
	store.memberships = []registry.Membership{
		{GroupName: "leaf", CouID: 9, Member: true},
	}
	store.paths = map[int]registry.CouPathRow{
		9: {CouID: 9, NamePath: "root:mid:leaf", IDPath: "3:5:9"},
	}
	r, _, _ := newTestResolver(store)
	r.cfg.MergeEntitlements = true

	d, err := r.Resolve(context.Background(), loginRequest())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := "urn:mace:example.eu:group:root:mid:leaf:role=member#example.eu"
	if !d.Attributes.Contains("eduPersonEntitlement", want) {
		t.Fatalf("missing %q in %v", want, d.Attributes["eduPersonEntitlement"])
	}
}

func TestResolveUnknownUserRedirects(t *testing.T) {
	store := activeStore()
	store.personErr = registry.ErrNotFound
	r, _, states := newTestResolver(store)

	d, err := r.Resolve(context.Background(), loginRequest())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Kind != KindRedirect || d.RedirectURL != "https://registry.example.org/signup" {
		t.Fatalf("decision = %+v", d)
	}
	if d.StateToken != "token-1" || len(states.saved) != 1 {
		t.Fatalf("state not parked: %+v", d)
	}
	if states.saved[0].OrgIdentifier != "jdoe@example.org" {
		t.Fatalf("saved state = %+v", states.saved[0])
	}
}

func TestResolveUnknownUserWithFullAttributesSelfSignup(t *testing.T) {
	store := activeStore()
	store.personErr = registry.ErrNotFound
	r, _, _ := newTestResolver(store)

	req := loginRequest()
	req.Attributes.Set("eduPersonScopedAffiliation", "faculty@example.org")
	req.Attributes.Set("mail", "jane@example.org")
	req.Attributes.Set("givenName", "Jane")
	req.Attributes.Set("sn", "Doe")

	d, err := r.Resolve(context.Background(), req)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.RedirectURL != "https://registry.example.org/self" {
		t.Fatalf("url = %q", d.RedirectURL)
	}
}

func TestResolveUnknownCommunityIdPUser(t *testing.T) {
	store := activeStore()
	store.personErr = registry.ErrNotFound
	r, _, _ := newTestResolver(store)
	r.cfg.CommunityIdPs = []string{"https://idp.community.org"}

	req := loginRequest()
	req.AuthenticatingAuthority = []string{"https://proxy.example.org", "https://idp.community.org"}

	d, err := r.Resolve(context.Background(), req)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.RedirectURL != "https://registry.example.org/community" {
		t.Fatalf("url = %q", d.RedirectURL)
	}
}

func TestResolveSuspended(t *testing.T) {
	store := activeStore()
	store.person.Status = registry.StatusSuspended
	r, events, _ := newTestResolver(store)

	d, err := r.Resolve(context.Background(), loginRequest())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Kind != KindNotice || d.Notice.Status != NoticeSuspended || d.Notice.Level != "error" {
		t.Fatalf("decision = %+v", d)
	}
	if events.recorded != 0 {
		t.Fatal("suspended login must not be recorded")
	}
}

func TestResolvePendingConfirmation(t *testing.T) {
	store := activeStore()
	store.person.Status = registry.StatusPendingConfirmation
	store.petition = registry.Petition{
		ID:          17,
		Mail:        "jane@example.org",
		ExpiresUnix: time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC).Unix(),
	}
	r, _, _ := newTestResolver(store)

	d, err := r.Resolve(context.Background(), loginRequest())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Kind != KindNotice || d.Notice.Status != NoticePendingConfirmation {
		t.Fatalf("decision = %+v", d)
	}
	if d.Notice.Fields["send_endpoint"] != "/registry/co_petitions/resend/17" {
		t.Fatalf("fields = %v", d.Notice.Fields)
	}
	if !d.Notice.ShowResend {
		t.Fatal("resend action not offered")
	}
}

func TestResolvePendingConfirmationWithoutPetition(t *testing.T) {
	store := activeStore()
	store.person.Status = registry.StatusPendingConfirmation
	store.petitionErr = registry.ErrNotFound
	r, _, _ := newTestResolver(store)

	d, err := r.Resolve(context.Background(), loginRequest())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Kind != KindRedirect || d.RedirectURL != "https://registry.example.org/login" {
		t.Fatalf("decision = %+v", d)
	}
}

func TestResolveDeniedStatus(t *testing.T) {
	store := activeStore()
	store.person.Status = registry.StatusDenied
	r, _, _ := newTestResolver(store)

	d, err := r.Resolve(context.Background(), loginRequest())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Kind != KindNotice || d.Notice.Status != NoticeInactive {
		t.Fatalf("decision = %+v", d)
	}
}

func TestResolveNonLoginIdentifier(t *testing.T) {
	store := activeStore()
	store.orgIdents = []registry.OrgIdentifier{
		{Identifier: "jdoe@example.org", Login: false},
	}
	r, _, _ := newTestResolver(store)

	d, err := r.Resolve(context.Background(), loginRequest())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Kind != KindNotice || d.Notice.Status != NoticeNoLoginIdentifier {
		t.Fatalf("decision = %+v", d)
	}
}

func TestResolveExpiredIdentifier(t *testing.T) {
	store := activeStore()
	store.orgIdents = []registry.OrgIdentifier{
		{Identifier: "jdoe@example.org", Login: true, ValidThrough: "2026-01-01 00:00:00"},
	}
	r, _, _ := newTestResolver(store)

	d, err := r.Resolve(context.Background(), loginRequest())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Kind != KindNotice || d.Notice.Status != NoticeIdentifierExpired {
		t.Fatalf("decision = %+v", d)
	}
}

func TestResolveStoreFailureIsFatal(t *testing.T) {
	store := activeStore()
	dbErr := errors.New("connection refused")
	store.membershipsErr = dbErr
	r, _, _ := newTestResolver(store)

	d, err := r.Resolve(context.Background(), loginRequest())
	if !errors.Is(err, dbErr) {
		t.Fatalf("want store error, got %v", err)
	}
	if d.Attributes != nil {
		t.Fatalf("no partial attributes on failure, got %+v", d)
	}
}

func TestResolveBlacklistedSPPassesThrough(t *testing.T) {
	store := activeStore()
	r, events, _ := newTestResolver(store)
	r.cfg.SPBlacklist = []string{"https://sp.example.org"}

	req := loginRequest()
	req.SPEntityID = "https://sp.example.org"

	d, err := r.Resolve(context.Background(), req)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Kind != KindProceed {
		t.Fatalf("decision = %+v", d)
	}
	if d.Attributes.First("eduPersonPrincipalName") != "jdoe@example.org" {
		t.Fatal("attributes must pass through untouched")
	}
	if events.recorded != 0 {
		t.Fatal("blacklisted SP must skip resolution")
	}
}

func TestResolveMissingProfileStillProceeds(t *testing.T) {
	store := activeStore()
	store.profileErr = registry.ErrNotFound
	r, _, _ := newTestResolver(store)

	d, err := r.Resolve(context.Background(), loginRequest())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Kind != KindProceed {
		t.Fatalf("decision = %+v", d)
	}
	if len(d.Attributes["eduPersonEntitlement"]) != 0 {
		t.Fatal("entitlement assembly must be skipped without a profile")
	}
}
