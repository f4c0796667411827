package registry

import (
	"strconv"
	"strings"
)

// The registry collapses joined tables into delimited aggregate strings.
// Everything here parses those once, so nothing downstream ever touches the
// wire encoding again.

// splitList splits a comma-joined aggregate, dropping empty items.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseEmails decodes an "id:address:verified" comma-joined aggregate.
// Items that do not carry all three fields are dropped.
func parseEmails(s string) []Email {
	var out []Email
	for _, item := range splitList(s) {
		parts := strings.SplitN(item, ":", 3)
		if len(parts) != 3 || parts[1] == "" {
			continue
		}
		id, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		out = append(out, Email{
			ID:       id,
			Address:  parts[1],
			Verified: parseBool(parts[2]),
		})
	}
	return out
}

// parseIdentifiers decodes a "type:identifier" comma-joined aggregate. The
// identifier itself may contain colons, so only the first one splits.
func parseIdentifiers(s string) []TypedIdentifier {
	var out []TypedIdentifier
	for _, item := range splitList(s) {
		parts := strings.SplitN(item, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			continue
		}
		out = append(out, TypedIdentifier{Type: parts[0], Value: parts[1]})
	}
	return out
}

// parseBool coerces the loose boolean encodings the registry emits
// ("t"/"f", "true"/"false", "1"/"0") into a real bool.
func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "t", "true", "1", "yes", "y":
		return true
	}
	return false
}

func containsAdmins(name string) bool {
	return strings.Contains(name, ":admins")
}
