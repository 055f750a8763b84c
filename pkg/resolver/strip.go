package resolver

import (
	"strings"

	"github.com/dominikletica/aaviondb/pkg/canonical"
)

// Shortcode tags. Resolution rewrites `[ref …]` into the marker pair
// `[ref! …]rendered[/ref!]` (same for query), so a resolved payload can
// always be stripped back to its original shortcodes.
const (
	tagRef   = "ref"
	tagQuery = "query"
)

var shortcodeTags = []string{tagRef, tagQuery}

// StripPayload removes rendered resolver output from every string field,
// restoring normalized shortcodes. The result is canonical JSON.
func StripPayload(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return payload, nil
	}
	value, err := canonical.Decode(payload)
	if err != nil {
		return nil, err
	}
	return canonical.Marshal(stripWalk(value))
}

func stripWalk(v any) any {
	switch t := v.(type) {
	case string:
		return StripString(t)
	case map[string]any:
		for k, item := range t {
			t[k] = stripWalk(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = stripWalk(item)
		}
		return t
	default:
		return v
	}
}

// StripString rewrites `[tag! attrs]…[/tag!]` regions back to
// `[tag attrs]` and normalizes bare shortcodes to the same single-spaced
// attr form, so stripping a resolved string and stripping the original
// agree byte-for-byte.
func StripString(s string) string {
	var out strings.Builder
	i := 0
	for i < len(s) {
		start, tag, attrs, end, resolved := nextMarker(s, i)
		if start < 0 {
			out.WriteString(s[i:])
			break
		}
		out.WriteString(s[i:start])
		if resolved {
			after := matchingClose(s, end, tag)
			if after < 0 {
				// No closing marker: leave the text untouched.
				out.WriteString(s[start:end])
				i = end
				continue
			}
			out.WriteString("[" + tag + " " + normalizeAttrs(attrs) + "]")
			i = after
			continue
		}
		out.WriteString("[" + tag + " " + normalizeAttrs(attrs) + "]")
		i = end
	}
	return out.String()
}

// nextMarker finds the next shortcode or resolved marker at or after
// from. It returns the opener's span plus its raw attrs; resolved marks
// the `tag!` form.
func nextMarker(s string, from int) (start int, tag, attrs string, end int, resolved bool) {
	for i := from; i < len(s); i++ {
		if s[i] != '[' {
			continue
		}
		for _, t := range shortcodeTags {
			rest := s[i+1:]
			switch {
			case strings.HasPrefix(rest, t+"! "):
				if j := strings.IndexByte(rest, ']'); j >= 0 {
					return i, t, rest[len(t)+2 : j], i + 1 + j + 1, true
				}
			case strings.HasPrefix(rest, t+" "):
				if j := strings.IndexByte(rest, ']'); j >= 0 {
					return i, t, rest[len(t)+1 : j], i + 1 + j + 1, false
				}
			}
		}
	}
	return -1, "", "", 0, false
}

// matchingClose scans for the `[/tag!]` matching an already-consumed
// opener, skipping nested resolved markers of the same tag. It returns
// the index just past the closer, or -1.
func matchingClose(s string, from int, tag string) int {
	open := "[" + tag + "! "
	closer := "[/" + tag + "!]"
	depth := 1
	i := from
	for i < len(s) {
		nextClose := strings.Index(s[i:], closer)
		if nextClose < 0 {
			return -1
		}
		nextOpen := strings.Index(s[i:], open)
		if nextOpen >= 0 && nextOpen < nextClose {
			depth++
			i += nextOpen + len(open)
			continue
		}
		depth--
		i += nextClose + len(closer)
		if depth == 0 {
			return i
		}
	}
	return -1
}

// normalizeAttrs collapses whitespace runs to single spaces and trims,
// giving every marker one canonical spelling.
func normalizeAttrs(attrs string) string {
	return strings.Join(strings.Fields(attrs), " ")
}
