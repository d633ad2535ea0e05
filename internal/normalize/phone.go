package normalize

import "strings"

// Dial codes for the regions the ingestion sources actually produce.
// Numbers from other regions arrive with an explicit +country prefix.
var regionDialCodes = map[string]string{
	"US": "1",
	"CA": "1",
	"GB": "44",
	"AU": "61",
	"DE": "49",
	"FR": "33",
	"IN": "91",
}

const (
	minPhoneDigits = 7
	maxPhoneDigits = 15 // E.164 upper bound
)

// Phone canonicalizes a raw phone number into E.164 form
// (`+<countrycode><number>`). defaultRegion (ISO 3166-1 alpha-2, e.g. "US")
// supplies the country code when the input has none. Extensions
// ("x123", "ext. 5") are dropped. Returns "" when the number cannot be
// made into a plausible E.164 string.
func Phone(raw, defaultRegion string) string {
	s := stripExtension(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}

	hasPlus := strings.HasPrefix(s, "+")
	digits := digitsOnly(s)
	if len(digits) < minPhoneDigits || len(digits) > maxPhoneDigits {
		return ""
	}

	if hasPlus {
		return "+" + digits
	}

	code := regionDialCodes[strings.ToUpper(defaultRegion)]
	if code == "" {
		code = "1"
	}

	// "1 555 123 4567" from a NANP source already carries its dial code.
	if code == "1" && len(digits) == 11 && digits[0] == '1' {
		return "+" + digits
	}
	// National trunk prefix ("020 7946 ...") is not part of E.164.
	if code != "1" && digits[0] == '0' {
		digits = digits[1:]
		if len(digits) < minPhoneDigits {
			return ""
		}
	}
	return "+" + code + digits
}

// PhoneLast10 returns the fuzzy comparison key for a phone number: its
// last 10 significant digits. Country-code and extension noise differs
// across sources, so the tail digits are the stable part. Returns "" when
// fewer than 10 digits survive normalization.
func PhoneLast10(raw string) string {
	digits := digitsOnly(stripExtension(raw))
	if len(digits) < 10 {
		return ""
	}
	return digits[len(digits)-10:]
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// stripExtension drops trailing extension markers: "x123", "ext 123",
// "ext. 123", "#123".
func stripExtension(s string) string {
	lower := strings.ToLower(s)
	for _, marker := range []string{"ext.", "ext", "#"} {
		if i := strings.Index(lower, marker); i >= 0 {
			return s[:i]
		}
	}
	// Bare "x" splits number from extension only when digits follow.
	if i := strings.IndexByte(lower, 'x'); i > 0 && i < len(lower)-1 {
		rest := digitsOnly(lower[i+1:])
		if rest != "" && rest == strings.TrimSpace(lower[i+1:]) {
			return s[:i]
		}
	}
	return s
}
