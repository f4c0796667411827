package attributes

// Map is the attribute bag exchanged with the IdP/session layer: attribute
// name to list of values. Value lists keep insertion order and never hold
// duplicates.
type Map map[string][]string

// Clone returns a deep copy of the bag.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		vals := make([]string, len(v))
		copy(vals, v)
		out[k] = vals
	}
	return out
}

// First returns the first value of the attribute, or "" when unset.
func (m Map) First(name string) string {
	if vals := m[name]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// Set replaces the attribute with the given values. Empty value lists clear
// the attribute instead of leaving an empty entry behind.
func (m Map) Set(name string, values ...string) {
	if len(values) == 0 {
		delete(m, name)
		return
	}
	m[name] = values
}

// Add appends values to the attribute, skipping ones already present.
func (m Map) Add(name string, values ...string) {
	for _, v := range values {
		if m.Contains(name, v) {
			continue
		}
		m[name] = append(m[name], v)
	}
}

// Contains reports whether the attribute already holds the value.
func (m Map) Contains(name, value string) bool {
	for _, v := range m[name] {
		if v == value {
			return true
		}
	}
	return false
}
