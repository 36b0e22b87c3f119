package phone

import (
	"regexp"
	"strings"

	"github.com/qcom/phoneauth/internal/autherr"
)

var (
	// E.164: + followed by a country code that does not start with 0 and up to
	// 15 digits in total.
	e164Pattern = regexp.MustCompile(`^\+[1-9]\d{7,14}$`)

	// Domestic exchange-subscriber number, e.g. 8888-9999 or 88889999.
	domesticPattern = regexp.MustCompile(`^(\d{4})-?(\d{4})$`)

	countryCodePattern = regexp.MustCompile(`^[1-9]\d{0,2}$`)
)

// Normalizer canonicalizes user supplied phone numbers into the E.164 key used
// for all OTP and lockout state.
type Normalizer struct {
	countryCode string
}

// NewNormalizer returns a Normalizer that prefixes domestic numbers with
// defaultCountryCode (digits only, no leading +).
func NewNormalizer(defaultCountryCode string) *Normalizer {
	cc := strings.TrimPrefix(strings.TrimSpace(defaultCountryCode), "+")
	if !countryCodePattern.MatchString(cc) {
		cc = "506"
	}
	return &Normalizer{countryCode: cc}
}

// Normalize returns the canonical form of raw or an *autherr.Error of kind
// InvalidPhoneFormat. The result is stable across calls and Normalize is
// idempotent on its own output.
func (n *Normalizer) Normalize(raw string) (string, error) {
	phone := strings.TrimSpace(raw)
	if phone == "" {
		return "", autherr.InvalidPhoneFormat(raw)
	}

	if e164Pattern.MatchString(phone) {
		return phone, nil
	}

	if m := domesticPattern.FindStringSubmatch(phone); m != nil {
		return "+" + n.countryCode + m[1] + m[2], nil
	}

	return "", autherr.InvalidPhoneFormat(raw)
}

// Mask hides everything but the country code prefix and the last four digits.
// Used by audit sinks when sensitive logging is off.
func Mask(phone string) string {
	if len(phone) <= 4 {
		return "***"
	}
	prefix := ""
	if strings.HasPrefix(phone, "+") && len(phone) > 8 {
		prefix = phone[:4]
	}
	return prefix + "***" + phone[len(phone)-4:]
}
