package fda

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// NormalizeNDC converts a package code in any of the 5-4-2, 5-3-2 or 4-4-2
// layouts to the canonical 11-digit form. Spaces separate segments like
// hyphens do. It returns "" when the code has characters other than digits
// and separators, or does not fit in 11 digits.
func NormalizeNDC(code string) string {
	parts := strings.FieldsFunc(code, func(r rune) bool {
		return r == '-' || unicode.IsSpace(r)
	})
	if len(parts) == 0 {
		return ""
	}
	for _, p := range parts {
		if strings.IndexFunc(p, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
			return ""
		}
	}

	digits := strings.Join(parts, "")
	var out string
	switch {
	case len(digits) == 11:
		out = digits
	case len(parts) == 3:
		out = padLeft(parts[0], 5) + padLeft(parts[1], 4) + padLeft(parts[2], 2)
	case len(parts) == 2:
		out = padLeft(parts[0], 5) + padLeft(parts[1], 4) + "00"
	default:
		out = padLeft(digits, 11)
	}
	if len(out) != 11 {
		return ""
	}
	return out
}

// ProductNDC returns the labeler-product prefix of a package code, the code
// itself when it is already a product code, or "" when it has no hyphens.
func ProductNDC(code string) string {
	code = strings.TrimSpace(code)
	parts := strings.Split(code, "-")
	switch len(parts) {
	case 3:
		return parts[0] + "-" + parts[1]
	case 2:
		return code
	}
	return ""
}

func padLeft(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

var (
	parentheticalPattern = regexp.MustCompile(`\s*\([^)]*\)`)
	descriptorPattern    = regexp.MustCompile(`(?i)\s+(Oral Pill|Oral|Pill|Tablet|Capsule|Injection|Solution)\s*$`)
	packageSizePattern   = regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?)\s+(\w+)`)
	whitespacePattern    = regexp.MustCompile(`\s+`)
	lower                = cases.Lower(language.Und)
	upper                = cases.Upper(language.Und)
)

// CleanDrugName strips parenthetical qualifiers and one trailing dosage-form
// descriptor, then lowercases the name for registry searches.
func CleanDrugName(name string) string {
	cleaned := strings.TrimSpace(parentheticalPattern.ReplaceAllString(name, ""))
	cleaned = strings.TrimSpace(descriptorPattern.ReplaceAllString(cleaned, ""))
	return lower.String(cleaned)
}

// SearchStrategies lists registry queries from most to least specific.
// ingredient may be empty.
func SearchStrategies(cleaned, ingredient string) []string {
	strategies := []string{
		`generic_name:"` + cleaned + `"`,
		`generic_name:` + cleaned,
		`brand_name:"` + cleaned + `"`,
	}
	if words := whitespacePattern.Split(cleaned, -1); len(words) > 1 {
		strategies = append(strategies, `generic_name:"`+words[0]+`"`)
	}
	strategies = append(strategies, `generic_name:"`+upper.String(cleaned)+`"`)
	if ingredient != "" && ingredient != cleaned {
		strategies = append(strategies,
			`generic_name:"`+ingredient+`"`,
			`generic_name:`+ingredient,
		)
	}
	return strategies
}

// ParsePackageSize reads the leading quantity and unit of a packaging
// description such as "100 TABLET in 1 BOTTLE". Unparseable descriptions
// yield 0 UNIT.
func ParsePackageSize(description string) (float64, string) {
	m := packageSizePattern.FindStringSubmatch(strings.TrimSpace(description))
	if m == nil {
		return 0, "UNIT"
	}
	size, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, "UNIT"
	}
	return size, strings.ToUpper(m[2])
}

// ExpirationGrace is how long past its listing expiration a package is
// still considered active.
const ExpirationGrace = 30 * 24 * time.Hour

var inactiveStatuses = []string{"discontinued", "unapproved", "withdrawn"}

// IsActive decides whether a package may be dispensed. Statuses naming a
// discontinued, unapproved or withdrawn product are inactive. Any other
// status, including none, is active unless the listing expired more than
// ExpirationGrace before now. Unparseable dates never expire.
func IsActive(marketingStatus string, expiration *time.Time, now time.Time) bool {
	status := lower.String(strings.TrimSpace(marketingStatus))
	for _, inactive := range inactiveStatuses {
		if strings.Contains(status, inactive) {
			return false
		}
	}
	if expiration == nil {
		return true
	}
	return !expiration.Before(now.Add(-ExpirationGrace))
}

var expirationLayouts = []string{"20060102", "2006-01-02", time.RFC3339}

// ParseExpiration parses a listing expiration date, returning nil when the
// value is empty or malformed.
func ParseExpiration(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range expirationLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t
		}
	}
	return nil
}

