package parser

import (
	"net/url"
	"strings"
)

// RelayPath is the local route every rewritten playlist reference points at.
const RelayPath = "/hls"

const uriAttr = `URI="`

// Rewrite returns playlist text in which every sub-resource reference goes back
// through the relay. Each line is handled independently:
//
//   - blank lines are copied as-is;
//   - tag lines ("#...") keep everything except the value of their first URI="..."
//     attribute, which becomes a relay reference;
//   - any other line is a resource reference and is replaced entirely.
//
// References are resolved against base first. A reference that cannot be resolved
// is carried raw into the relay reference. The output always has the same number of
// lines as the input. Rewrite does no I/O.
func Rewrite(text string, base *url.URL) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = RewriteLine(line, base)
	}
	return strings.Join(lines, "\n")
}

// RewriteLine applies the Rewrite rules to a single line.
func RewriteLine(line string, base *url.URL) string {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "":
		return line
	case strings.HasPrefix(trimmed, "#"):
		return rewriteTag(line, base)
	default:
		return RelayURL(Resolve(base, trimmed))
	}
}

// rewriteTag swaps the first URI attribute value for a relay reference. Lines
// without a complete attribute come back unchanged.
func rewriteTag(line string, base *url.URL) string {
	start := strings.Index(line, uriAttr)
	if start < 0 {
		return line
	}
	valueStart := start + len(uriAttr)

	end := strings.IndexByte(line[valueStart:], '"')
	if end < 0 {
		return line
	}
	valueEnd := valueStart + end

	raw := line[valueStart:valueEnd]
	return line[:valueStart] + RelayURL(Resolve(base, raw)) + line[valueEnd:]
}

// Resolve turns ref into an absolute URL string using base. When ref cannot be
// parsed (or base is nil) ref is returned unchanged.
func Resolve(base *url.URL, ref string) string {
	if base == nil {
		return ref
	}
	u, err := base.Parse(ref)
	if err != nil {
		return ref
	}
	return u.String()
}

// RelayURL builds the relay-local reference for an absolute upstream URL.
func RelayURL(target string) string {
	return RelayPath + "?url=" + EncodeComponent(target)
}

// EncodeComponent percent-encodes everything except ALPHA / DIGIT / "-" / "." / "_" / "~".
func EncodeComponent(s string) string {
	// QueryEscape already keeps exactly the unreserved set, but writes spaces as '+'.
	// A literal '+' is escaped to %2B first, so every remaining '+' was a space.
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
