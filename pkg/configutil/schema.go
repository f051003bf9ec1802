package configutil

import (
	"sort"
	"strings"
)

// Schema lists the keys a vendor settings map may carry. Key matching
// ignores case, underscores and hyphens.
type Schema struct {
	Required     []string
	Optional     []string
	Secret       []string
	AllowUnknown bool
}

// SettingsError reports every problem found in one settings map.
type SettingsError struct {
	Missing []string
	Unknown []string
}

func (e *SettingsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(e.Unknown, ", "))
	}
	return strings.Join(parts, "; ")
}

// ValidateSettings checks input against schema and returns a *SettingsError
// when a required key is absent or blank, or an unlisted key is present.
// Secret keys count as optional.
func ValidateSettings(input map[string]any, schema Schema) error {
	required := keySet(schema.Required)
	allowed := keySet(schema.Required, schema.Optional, schema.Secret)

	var missing, unknown []string
	for k, v := range input {
		nk := normalizeKey(k)
		if _, ok := allowed[nk]; !ok && !schema.AllowUnknown {
			unknown = append(unknown, k)
		}
		if name, ok := required[nk]; ok {
			if isEmptyValue(v) {
				missing = append(missing, name)
			}
			delete(required, nk)
		}
	}
	for _, name := range required {
		missing = append(missing, name)
	}

	if len(missing) == 0 && len(unknown) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(unknown)
	return &SettingsError{Missing: missing, Unknown: unknown}
}

// Redacted returns a copy of input safe to log: values of the schema's
// secret keys are masked, blank secrets are left blank.
func Redacted(input map[string]any, schema Schema) map[string]any {
	secret := keySet(schema.Secret)
	out := make(map[string]any, len(input))
	for k, v := range input {
		if _, ok := secret[normalizeKey(k)]; ok && !isEmptyValue(v) {
			out[k] = "***"
			continue
		}
		out[k] = v
	}
	return out
}

func keySet(lists ...[]string) map[string]string {
	out := make(map[string]string)
	for _, list := range lists {
		for _, k := range list {
			out[normalizeKey(k)] = k
		}
	}
	return out
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val) == ""
	default:
		return false
	}
}
