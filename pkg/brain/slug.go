package brain

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/dominikletica/aaviondb/pkg/fault"
)

var (
	slugPattern      = regexp.MustCompile(`^[a-z0-9._-]+$`)
	configKeyPattern = regexp.MustCompile(`^[a-z0-9_-]+(\.[a-z0-9_-]+)*$`)
	collapseDashes   = regexp.MustCompile(`-{2,}`)
)

// ValidateSlug enforces the slug grammar: lowercase [a-z0-9._-]+.
func ValidateSlug(kind, slug string) error {
	if slug == "" {
		return fault.Invalid("%s slug is required", kind)
	}
	if !slugPattern.MatchString(slug) {
		return fault.Invalid("invalid %s slug %q: must match [a-z0-9._-]+", kind, slug).
			WithMeta("reason", "invalid_slug")
	}
	return nil
}

// Slugify folds arbitrary input into the slug grammar: unicode is NFKD
// decomposed with combining marks stripped, letters lowercased, whitespace
// collapsed to single dashes, and anything else outside [a-z0-9._-]
// dropped. The result may still be empty; callers validate afterwards.
func Slugify(input string) string {
	stripMarks := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(stripMarks, input)
	if err != nil {
		folded = input
	}

	var b strings.Builder
	b.Grow(len(folded))
	lastDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(folded)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_':
			b.WriteRune(r)
			lastDash = false
		case r == '-' || unicode.IsSpace(r):
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(collapseDashes.ReplaceAllString(b.String(), "-"), "-")
}

// NormalizeConfigKey lowers and trims a config key and validates the
// dotted form.
func NormalizeConfigKey(key string) (string, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return "", fault.Invalid("config key is required")
	}
	if !configKeyPattern.MatchString(key) {
		return "", fault.Invalid("invalid config key %q: must be lowercase dotted segments", key)
	}
	return key, nil
}
