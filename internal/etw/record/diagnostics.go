package record

import (
	"unicode"
	"unicode/utf8"

	"github.com/phuslu/log"
)

// Diagnostics enables defensive checks on string fields read through a View.
// Strings are truncated at the first rune that is neither printable nor
// whitespace, and a warning is logged for each truncation.
type Diagnostics struct {
	Log log.Logger
}

// SanitizeString truncates s at the first rune that is neither printable nor
// whitespace. The second result reports whether s was truncated.
func SanitizeString(s string) (string, bool) {
	for i, r := range s {
		if r == utf8.RuneError || !(unicode.IsPrint(r) || unicode.IsSpace(r)) {
			return s[:i], true
		}
	}
	return s, false
}

func (d *Diagnostics) checkString(v *View, s string, offset, next int) string {
	if d == nil {
		return s
	}
	clean, truncated := SanitizeString(s)
	if truncated {
		d.Log.Warn().
			Str("provider", v.ProviderID().String()).
			Uint16("event_id", v.EventID()).
			Int("offset", offset).
			Int("original_len", len(s)).
			Int("truncated_len", len(clean)).
			Msg("Truncated string field with non-printable characters")
	}
	if next > int(v.UserDataLength()) {
		d.Log.Warn().
			Str("provider", v.ProviderID().String()).
			Uint16("event_id", v.EventID()).
			Int("offset", offset).
			Int("next_offset", next).
			Uint16("user_data_len", v.UserDataLength()).
			Msg("String field runs past the end of user data")
	}
	return clean
}
