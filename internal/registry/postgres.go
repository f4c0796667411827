package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"rciam.org/internal/obs"
)

// PGStore implements Store against the registry's PostgreSQL schema.
type PGStore struct {
	db *sql.DB
}

var _ Store = (*PGStore)(nil)

// Open connects to the registry database.
func Open(dsn string) (*PGStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &PGStore{db: db}, nil
}

// New wraps an existing connection pool.
func New(db *sql.DB) *PGStore { return &PGStore{db: db} }

func (s *PGStore) Close() error { return s.db.Close() }

func (s *PGStore) DB() *sql.DB { return s.db }

const basicInfoQuery = `select person.id, person.status, person.co_id
 from cm_co_people person
 inner join cm_co_org_identity_links link on person.id = link.co_person_id
 inner join cm_org_identities org on link.org_identity_id = org.id
 inner join cm_identifiers ident on org.id = ident.org_identity_id
 where person.co_id = $1
 and not person.deleted and person.co_person_id is null
 and not link.deleted and link.co_org_identity_link_id is null
 and not org.deleted and org.org_identity_id is null
 and not ident.deleted and ident.identifier_id is null
 and ident.identifier = $2`

func (s *PGStore) BasicInfo(ctx context.Context, coID int, orgIdentifier string) (Person, error) {
	var p Person
	err := s.db.QueryRowContext(ctx, basicInfoQuery, coID, orgIdentifier).
		Scan(&p.ID, &p.Status, &p.CoID)
	if errors.Is(err, sql.ErrNoRows) {
		return Person{}, ErrNotFound
	}
	if err != nil {
		return Person{}, failQuery("basic info", err)
	}
	return p, nil
}

const personIdentQuery = `select ident.identifier
 from cm_identifiers ident
 where ident.co_person_id = $1
 and ident.type = $2
 and not ident.deleted
 and ident.identifier_id is null`

func (s *PGStore) PersonIdentifier(ctx context.Context, personID int, identType string) (string, error) {
	var identifier string
	err := s.db.QueryRowContext(ctx, personIdentQuery, personID, identType).Scan(&identifier)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", failQuery("person identifier", err)
	}
	return identifier, nil
}

// Org identities with status Removed do not contribute affiliations.
const profileQuery = `SELECT string_agg(DISTINCT name.given, ',') AS given,
 string_agg(DISTINCT name.family, ',') AS family,
 string_agg(DISTINCT mail.id::text || ':' || mail.mail || ':' || mail.verified::text, ',') AS mail,
 string_agg(DISTINCT ident.type || ':' || ident.identifier, ',') AS identifier,
 (select string_agg(coi.affiliation || '@' || coi.o, ',')
  from cm_org_identities as coi
  inner join cm_co_org_identity_links ccoil on coi.id = ccoil.org_identity_id and
  not coi.deleted and not ccoil.deleted and
  coi.o is not null and coi.o != '' and
  coi.status != 'RM' and
  coi.affiliation is not null and coi.affiliation != ''
  where ccoil.co_person_id = $1) as scoped_affiliation,
 (select string_agg(coi.o, ',')
  from cm_org_identities as coi
  inner join cm_co_org_identity_links ccoil on coi.id = ccoil.org_identity_id and
  not coi.deleted and not ccoil.deleted and
  coi.o is not null and coi.o != '' and coi.status != 'RM'
  where ccoil.co_person_id = $1) as organization
 FROM cm_co_people person
 LEFT OUTER JOIN cm_names name
 ON person.id = name.co_person_id
 AND person.co_person_id IS NULL
 AND NOT name.deleted
 AND name.name_id IS NULL
 LEFT OUTER JOIN cm_email_addresses mail
 ON person.id = mail.co_person_id
 AND NOT mail.deleted
 AND mail.email_address_id IS NULL
 LEFT OUTER JOIN cm_identifiers ident
 ON person.id = ident.co_person_id
 AND ident.identifier_id IS NULL
 AND NOT ident.deleted
 WHERE NOT person.deleted
 AND name.type = 'official'
 AND person.id = $1
 AND name.primary_name = true
 GROUP BY person.id`

func (s *PGStore) Profile(ctx context.Context, personID int) (Profile, error) {
	var given, family, mail, ident, affiliation, organization sql.NullString
	err := s.db.QueryRowContext(ctx, profileQuery, personID).
		Scan(&given, &family, &mail, &ident, &affiliation, &organization)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, failQuery("profile", err)
	}
	return Profile{
		Given:              given.String,
		Family:             family.String,
		Emails:             parseEmails(mail.String),
		Identifiers:        parseIdentifiers(ident.String),
		ScopedAffiliations: splitList(affiliation.String),
		Organizations:      splitList(organization.String),
	}, nil
}

const orgIdentifiersQuery = `select ident.type,
 ident.identifier,
 ident.login,
 ident.org_identity_id,
 coalesce(coi.valid_from::text, '') as org_valid_from,
 coalesce(coi.valid_through::text, '') as org_valid_through,
 coalesce(coi.status, '') as org_status
 from cm_identifiers as ident
 inner join cm_org_identities coi on ident.org_identity_id = coi.id
 and not ident.deleted
 and ident.identifier_id is null
 and not coi.deleted and coi.org_identity_id is null
 inner join cm_co_org_identity_links ccoil on coi.id = ccoil.org_identity_id
 and not ccoil.deleted
 and ccoil.co_org_identity_link_id is null
 inner join cm_co_people ccp on ccoil.co_person_id = ccp.id
 and not ccp.deleted
 and ccp.co_person_id is null
 where ccp.id = $1
 and ident.type = any($2)`

func (s *PGStore) OrgIdentifiers(ctx context.Context, personID int, types []string, loginOnly *bool) ([]OrgIdentifier, error) {
	query := orgIdentifiersQuery
	args := []any{personID, typeArray(types)}
	if loginOnly != nil {
		query += fmt.Sprintf(" and ident.login = $%d", len(args)+1)
		args = append(args, *loginOnly)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, failQuery("org identifiers", err)
	}
	defer rows.Close()

	var out []OrgIdentifier
	for rows.Next() {
		var oi OrgIdentifier
		if err := rows.Scan(&oi.Type, &oi.Identifier, &oi.Login, &oi.OrgID,
			&oi.ValidFrom, &oi.ValidThrough, &oi.Status); err != nil {
			return nil, failQuery("org identifiers", err)
		}
		out = append(out, oi)
	}
	if err := rows.Err(); err != nil {
		return nil, failQuery("org identifiers", err)
	}
	return out, nil
}

// The VO whitelist holds only root VO/COU names, so filtering cannot happen
// in the query; callers see every active membership except the synthetic
// catch-all groups. Admin groups never carry title/affiliation values.
const membershipsQuery = `SELECT
 DISTINCT substring(groups.name, '^(?:(?:COU?[:])+)?(.+?)(?:[:]mem.+)?$') as group_name,
 string_agg(DISTINCT groups.cou_id::text, ',') as cou_id,
 CASE WHEN groups.name ~ ':admins' THEN null
 ELSE string_agg(DISTINCT nullif(role.affiliation, ''), ',')
 END AS affiliation,
 CASE WHEN groups.name ~ ':admins' THEN null
 ELSE string_agg(DISTINCT nullif(role.title, ''), ',')
 END AS title,
 bool_or(members.member) as member,
 bool_or(members.owner) as owner
 FROM cm_co_groups AS groups
 INNER JOIN cm_co_group_members AS members ON groups.id=members.co_group_id
 AND members.co_group_member_id IS NULL
 AND NOT members.deleted
 AND groups.co_group_id IS NULL
 AND NOT groups.deleted
 AND groups.name not ilike '%members:all'
 AND groups.name not ilike 'CO:admins'
 AND groups.name not ilike 'CO:members:active'
 AND members.co_person_id = $2
 AND groups.co_id = $1
 AND groups.status = 'A'
 LEFT OUTER JOIN cm_cous AS cous ON groups.cou_id = cous.id
 AND NOT cous.deleted
 AND cous.cou_id IS NULL
 LEFT OUTER JOIN cm_co_person_roles AS role ON cous.id = role.cou_id
 AND role.co_person_role_id IS NULL
 AND role.status IN ('A', 'GP')
 AND NOT role.deleted AND role.co_person_id = members.co_person_id
 GROUP BY groups.name`

func (s *PGStore) Memberships(ctx context.Context, coID, personID int) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, membershipsQuery, coID, personID)
	if err != nil {
		return nil, failQuery("memberships", err)
	}
	defer rows.Close()

	var out []Membership
	for rows.Next() {
		var (
			name, couID, affiliation, title sql.NullString
			member, owner                   sql.NullBool
		)
		if err := rows.Scan(&name, &couID, &affiliation, &title, &member, &owner); err != nil {
			return nil, failQuery("memberships", err)
		}
		out = append(out, Membership{
			GroupName:    name.String,
			CouID:        firstInt(couID.String),
			Titles:       splitList(title.String),
			Affiliations: splitList(affiliation.String),
			Member:       member.Bool,
			Owner:        owner.Bool,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, failQuery("memberships", err)
	}
	return out, nil
}

// Depth is capped so a corrupted parent pointer cycle cannot recurse
// forever.
const couPathQuery = `WITH RECURSIVE cous_cte(id, name, parent_id, depth, path, path_id) AS (
 SELECT cc.id, cc.name, cc.parent_id, 1::INT AS depth, cc.name::TEXT AS path, cc.id::TEXT AS path_id
 FROM cm_cous AS cc
 WHERE cc.parent_id IS NULL
 UNION ALL
 SELECT c.id, c.name, c.parent_id, p.depth + 1 AS depth,
 (p.path || ':' || c.name::TEXT),
 (p.path_id || ':' || c.id::TEXT)
 FROM cous_cte AS p, cm_cous AS c
 WHERE c.parent_id = p.id AND p.depth < 32
 )
 SELECT id, path, path_id FROM cous_cte AS ccte where ccte.id = $1`

func (s *PGStore) CouPath(ctx context.Context, couID int) (CouPathRow, error) {
	var row CouPathRow
	err := s.db.QueryRowContext(ctx, couPathQuery, couID).
		Scan(&row.CouID, &row.NamePath, &row.IDPath)
	if errors.Is(err, sql.ErrNoRows) {
		return CouPathRow{}, ErrNotFound
	}
	if err != nil {
		return CouPathRow{}, failQuery("cou path", err)
	}
	return row, nil
}

const coNameQuery = `select name from cm_cos where id = $1 and status = 'A'`

func (s *PGStore) CoName(ctx context.Context, coID int) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, coNameQuery, coID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", failQuery("co name", err)
	}
	return name, nil
}

const certSubjectsQuery = `SELECT DISTINCT(cert.subject)
 FROM cm_co_people AS person
 INNER JOIN cm_co_org_identity_links AS link
 ON person.id = link.co_person_id
 AND not link.deleted AND link.co_org_identity_link_id IS NULL
 AND NOT person.deleted AND person.co_person_id IS NULL
 INNER JOIN cm_org_identities AS org
 ON link.org_identity_id = org.id
 AND org.org_identity_id IS NULL AND NOT org.deleted
 INNER JOIN cm_certs AS cert
 ON org.id = cert.org_identity_id
 AND cert.cert_id IS NULL AND NOT cert.deleted
 WHERE person.id = $1
 AND org.status != 'RM'`

func (s *PGStore) CertificateSubjects(ctx context.Context, personID int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, certSubjectsQuery, personID)
	if err != nil {
		return nil, failQuery("certificates", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var subject sql.NullString
		if err := rows.Scan(&subject); err != nil {
			return nil, failQuery("certificates", err)
		}
		if subject.String != "" {
			out = append(out, subject.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, failQuery("certificates", err)
	}
	return out, nil
}

const sshKeysQuery = `SELECT DISTINCT ssh.type, ssh.skey, coalesce(ssh.comment, '')
 FROM cm_ssh_keys AS ssh
 INNER JOIN cm_co_people AS person
 ON person.id = ssh.co_person_id
 WHERE person.id = $1
 AND NOT person.deleted
 AND person.co_person_id IS NULL
 AND ssh.ssh_key_id IS NULL
 AND NOT ssh.deleted`

func (s *PGStore) SSHKeys(ctx context.Context, personID int) ([]SSHKey, error) {
	rows, err := s.db.QueryContext(ctx, sshKeysQuery, personID)
	if err != nil {
		return nil, failQuery("ssh keys", err)
	}
	defer rows.Close()

	var out []SSHKey
	for rows.Next() {
		var k SSHKey
		if err := rows.Scan(&k.Type, &k.Key, &k.Comment); err != nil {
			return nil, failQuery("ssh keys", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, failQuery("ssh keys", err)
	}
	return out, nil
}

const termsAgreedQuery = `select cctac.id,
 cctac.description,
 cctac.modified::text,
 coalesce(cctac.cou_id, 0),
 cctac.url,
 cctac.revision,
 (select (id::text || '::' || co_terms_and_conditions_id::text || '::' || agreement_time::text)
  from cm_co_t_and_c_agreements
  where co_terms_and_conditions_id = cctac.id
  and co_person_id = $1
  order by agreement_time desc
  limit 1) as last_agreement,
 cctac.revision as agreed_revision
 from cm_co_terms_and_conditions as cctac
 inner join cm_co_people ccp on cctac.co_id = ccp.co_id and
 not ccp.deleted and
 ccp.co_person_id is null and
 not cctac.deleted and
 cctac.co_terms_and_conditions_id is null
 where ccp.id = $1
 and cctac.status = 'A'
 and (cctac.cou_id IN (
 select ccpr.cou_id
 from cm_co_person_roles as ccpr
 where ccpr.co_person_id = $1
 and not ccpr.deleted
 and ccpr.co_person_role_id is null
 ) or cctac.cou_id is null)
 and cctac.id IN (
 select distinct cctaca.co_terms_and_conditions_id
 from cm_co_t_and_c_agreements as cctaca
 inner join cm_co_terms_and_conditions c on cctaca.co_terms_and_conditions_id = c.id
 and cctaca.co_person_id = $1)`

const termsPendingQuery = `select cctac.id,
 cctac.description,
 cctac.modified::text,
 coalesce(cctac.cou_id, 0),
 cctac.url,
 cctac.revision,
 (select (id::text || '::' || co_terms_and_conditions_id::text || '::' || agreement_time::text)
  from cm_co_t_and_c_agreements
  where co_person_id = $1
  and co_terms_and_conditions_id in (select id
  from cm_co_terms_and_conditions
  where co_terms_and_conditions_id = cctac.id)
  order by agreement_time desc
  limit 1) as last_agreement,
 coalesce((select revision from cm_co_terms_and_conditions where id = (select co_terms_and_conditions_id
  from cm_co_t_and_c_agreements
  where co_person_id = $1
  and co_terms_and_conditions_id in (select id
  from cm_co_terms_and_conditions
  where co_terms_and_conditions_id = cctac.id)
  order by agreement_time desc
  limit 1)), 0) as agreed_revision
 from cm_co_terms_and_conditions as cctac
 inner join cm_co_people ccp on cctac.co_id = ccp.co_id and
 not ccp.deleted and
 ccp.co_person_id is null and
 not cctac.deleted and
 cctac.co_terms_and_conditions_id is null
 where ccp.id = $1
 and cctac.status = 'A'
 and (cctac.cou_id IN (select ccpr.cou_id
 from cm_co_person_roles as ccpr
 where ccpr.co_person_id = $1
 and not ccpr.deleted
 and ccpr.co_person_role_id is null
 ) or cctac.cou_id is null)
 and cctac.id NOT IN (
 select distinct cctaca.co_terms_and_conditions_id
 from cm_co_t_and_c_agreements as cctaca
 inner join cm_co_terms_and_conditions c on cctaca.co_terms_and_conditions_id = c.id
 and cctaca.co_person_id = $1)`

func (s *PGStore) TermsAgreed(ctx context.Context, personID int) ([]TermsRecord, error) {
	return s.queryTerms(ctx, termsAgreedQuery, personID)
}

func (s *PGStore) TermsPending(ctx context.Context, personID int) ([]TermsRecord, error) {
	return s.queryTerms(ctx, termsPendingQuery, personID)
}

func (s *PGStore) queryTerms(ctx context.Context, query string, personID int) ([]TermsRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, personID)
	if err != nil {
		return nil, failQuery("terms", err)
	}
	defer rows.Close()

	var out []TermsRecord
	for rows.Next() {
		var (
			rec       TermsRecord
			agreement sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.Description, &rec.Modified, &rec.CouID,
			&rec.URL, &rec.Revision, &agreement, &rec.AgreedRevision); err != nil {
			return nil, failQuery("terms", err)
		}
		if agreement.Valid {
			parseAgreement(&rec, agreement.String)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, failQuery("terms", err)
	}
	return out, nil
}

// The invitation token either expires or is deleted once the user accepts;
// CO-level petitions only (cou_id is null).
const petitionQuery = `select
 ccp.id as petition_id,
 ccp.enrollee_co_person_id,
 cci.mail,
 cci.expires::text,
 date_part('epoch', cci.expires)::bigint
 from cm_co_petitions as ccp
 inner join cm_co_invites cci on ccp.co_invite_id = cci.id and
 not ccp.deleted and
 ccp.co_petition_id is null and
 cci.co_invite_id is null
 where ccp.enrollee_co_person_id = $1
 and ccp.status = $2
 and ccp.cou_id is null`

func (s *PGStore) PetitionByStatus(ctx context.Context, personID int, status string) (Petition, error) {
	var p Petition
	err := s.db.QueryRowContext(ctx, petitionQuery, personID, status).
		Scan(&p.ID, &p.EnrolleePersonID, &p.Mail, &p.ExpiresAt, &p.ExpiresUnix)
	if errors.Is(err, sql.ErrNoRows) {
		return Petition{}, ErrNotFound
	}
	if err != nil {
		return Petition{}, failQuery("petition", err)
	}
	return p, nil
}

// --- helpers ---

// failQuery counts the communication failure for the named query and
// wraps the error.
func failQuery(query string, err error) error {
	obs.RegistryError(query)
	return fmt.Errorf("registry: %s: %w", query, err)
}

// parseAgreement decodes the "id::aupId::time" aggregate.
func parseAgreement(rec *TermsRecord, s string) {
	parts := strings.SplitN(s, "::", 3)
	if len(parts) != 3 {
		return
	}
	id, err1 := strconv.Atoi(parts[0])
	aupID, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return
	}
	rec.AgreementID = id
	rec.AgreedAupID = aupID
	rec.AgreementTime = parts[2]
	rec.HasAgreement = true
}

// firstInt parses the first item of a comma-joined id aggregate.
func firstInt(s string) int {
	if s == "" {
		return 0
	}
	if i := strings.IndexByte(s, ','); i >= 0 {
		s = s[:i]
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// typeArray renders a string slice as a Postgres array literal, so the
// query works through database/sql without driver-specific array types.
func typeArray(types []string) string {
	escaped := make([]string, len(types))
	for i, t := range types {
		escaped[i] = `"` + strings.ReplaceAll(t, `"`, `\"`) + `"`
	}
	return "{" + strings.Join(escaped, ",") + "}"
}
