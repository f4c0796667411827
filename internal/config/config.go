// Package config loads and validates the service configuration. All
// validation happens eagerly at startup; a missing required key is fatal
// and blocks initialization.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("config: invalid configuration")

// RegistryURLs are the enrollment-flow targets the orchestrator redirects
// to. CommunitySignUp and CommunitySignUpNoAff are optional; the rest are
// required.
type RegistryURLs struct {
	SelfSignUp           string `yaml:"self_sign_up"`
	SignUp               string `yaml:"sign_up"`
	CommunitySignUp      string `yaml:"community_sign_up"`
	CommunitySignUpNoAff string `yaml:"community_sign_up_no_aff"`
	RegistryLogin        string `yaml:"registry_login"`
}

type Server struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RateLimit       int           `yaml:"rate_limit"`
	RateBurst       int           `yaml:"rate_burst"`
}

type Database struct {
	DSN string `yaml:"dsn"`
}

type State struct {
	Secret string        `yaml:"secret"`
	TTL    time.Duration `yaml:"ttl"`
}

// Config is the full configuration surface. VO whitelist nil means no
// filtering; GroupPrefix maps CO id to the AARC group prefix, with a
// registry-derived fallback when a CO has no entry.
type Config struct {
	CoID            int      `yaml:"co_id"`
	UserIDAttribute string   `yaml:"user_id_attribute"`
	OrgIDTypes      []string `yaml:"org_id_types"`
	UserIDType      string   `yaml:"user_id_type"`

	URNNamespace       string            `yaml:"urn_namespace"`
	URNAuthority       string            `yaml:"urn_authority"`
	VORoles            []string          `yaml:"vo_roles"`
	VOWhitelist        []string          `yaml:"vo_whitelist"`
	VOGroupPrefix      map[int]string    `yaml:"vo_group_prefix"`
	MergeEntitlements  bool              `yaml:"merge_entitlements"`
	URNLegacy          bool              `yaml:"urn_legacy"`
	NoRoleEntitlements bool              `yaml:"no_role_entitlements"`
	AttrMap            map[string]string `yaml:"attr_map"`

	Certificate            bool   `yaml:"certificate"`
	CertificateDNAttribute string `yaml:"certificate_dn_attribute"`
	RetrieveSSHKeys        bool   `yaml:"retrieve_ssh_keys"`
	RetrieveAUP            bool   `yaml:"retrieve_aup"`

	SPBlacklist      []string     `yaml:"sp_blacklist"`
	CommunityIdPs    []string     `yaml:"community_idps"`
	CommunityIdPTags []string     `yaml:"community_idp_tags"`
	RegistryURLs     RegistryURLs `yaml:"registry_urls"`

	Server   Server   `yaml:"server"`
	Database Database `yaml:"database"`
	State    State    `yaml:"state"`
}

// Load reads, overrides, and validates the configuration. DATABASE_URL
// and STATE_SECRET env vars take precedence over the file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := defaults()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		UserIDAttribute:        "eduPersonPrincipalName",
		UserIDType:             "epuid",
		OrgIDTypes:             []string{"epuid"},
		CertificateDNAttribute: "voPersonCertificateDN",
		CommunityIdPTags:       []string{"community"},
		Server: Server{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       50,
			RateBurst:       100,
		},
		State: State{TTL: 15 * time.Minute},
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("STATE_SECRET"); v != "" {
		c.State.Secret = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("CO_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			c.CoID = id
		}
	}
}

// Validate checks every required key and URL shape.
func (c *Config) Validate() error {
	var problems []string
	if c.CoID <= 0 {
		problems = append(problems, "co_id must be a positive integer")
	}
	if c.UserIDAttribute == "" {
		problems = append(problems, "user_id_attribute is required")
	}
	if c.UserIDType == "" {
		problems = append(problems, "user_id_type is required")
	}
	if len(c.OrgIDTypes) == 0 {
		problems = append(problems, "org_id_types must not be empty")
	}
	if c.URNNamespace == "" {
		problems = append(problems, "urn_namespace is required")
	}
	if c.URNAuthority == "" {
		problems = append(problems, "urn_authority is required")
	}
	if len(c.VORoles) == 0 {
		problems = append(problems, "vo_roles must not be empty")
	}
	if c.Database.DSN == "" {
		problems = append(problems, "database.dsn (or DATABASE_URL) is required")
	}
	if c.State.Secret == "" {
		problems = append(problems, "state.secret (or STATE_SECRET) is required")
	}
	for name, u := range map[string]string{
		"registry_urls.self_sign_up":   c.RegistryURLs.SelfSignUp,
		"registry_urls.sign_up":        c.RegistryURLs.SignUp,
		"registry_urls.registry_login": c.RegistryURLs.RegistryLogin,
	} {
		if u == "" {
			problems = append(problems, name+" is required")
			continue
		}
		if err := checkURL(u); err != nil {
			problems = append(problems, name+": "+err.Error())
		}
	}
	for _, u := range []string{c.RegistryURLs.CommunitySignUp, c.RegistryURLs.CommunitySignUpNoAff} {
		if u == "" {
			continue
		}
		if err := checkURL(u); err != nil {
			problems = append(problems, "registry_urls: "+err.Error())
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %v", ErrInvalid, problems)
	}
	return nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("malformed url %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url %q must be http(s)", raw)
	}
	return nil
}

// GroupPrefixFor returns the configured AARC group prefix for the CO, or
// "" when the registry-derived fallback should be used.
func (c *Config) GroupPrefixFor(coID int) string {
	return c.VOGroupPrefix[coID]
}
