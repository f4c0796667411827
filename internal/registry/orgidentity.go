package registry

import (
	"time"
)

// Checks over the org identifiers linked to a person, evaluated against
// the identifier the IdP asserted for this login.

// IsLoginIdentifier reports whether the asserted identifier appears in
// the list and is flagged as an authenticator.
func IsLoginIdentifier(list []OrgIdentifier, identifier string) bool {
	for _, oi := range list {
		if oi.Identifier == identifier && oi.Login {
			return true
		}
	}
	return false
}

// IsRemovedIdentifier reports whether the asserted identifier's org
// identity is in Removed status.
func IsRemovedIdentifier(list []OrgIdentifier, identifier string) bool {
	for _, oi := range list {
		if oi.Identifier == identifier && oi.Status == OrgStatusRemoved {
			return true
		}
	}
	return false
}

// IsExpiredIdentifier reports whether the asserted identifier's validity
// window excludes now. An identity without validity bounds never
// expires. The first matching identifier decides.
func IsExpiredIdentifier(list []OrgIdentifier, identifier string, now time.Time) bool {
	for _, oi := range list {
		if oi.Identifier != identifier {
			continue
		}
		from := parseTimestamp(oi.ValidFrom)
		through := parseTimestamp(oi.ValidThrough)
		switch {
		case from.IsZero() && through.IsZero():
			return false
		case from.IsZero():
			return now.After(through)
		case through.IsZero():
			return now.Before(from)
		default:
			return !(now.After(from) && !now.After(through))
		}
	}
	return false
}

// parseTimestamp reads the registry's timestamp rendering; a zero time
// means absent.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02T15:04:05Z07:00", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
