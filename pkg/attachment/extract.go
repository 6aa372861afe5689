package attachment

import (
	"net/url"
	"regexp"
	"strings"
)

// linkPattern matches markdown image/link syntax: ![alt](url) or [text](url).
// Per spec DESIGN NOTES, this is documented here rather than left implicit:
// capture group 1 is the URL inside the parens of either form.
var linkPattern = regexp.MustCompile(`!?\[[^\]]*\]\(([^)\s]+)\)`)

// knownHosts is the allowlist of hosts the cache will fetch from. Anything
// else is ignored rather than attempted, following spec §4.2's "markdown
// links with known hosts" rule.
var knownHosts = map[string]bool{
	"uploads.linear.app":     true,
	"public.linear.app":      true,
	"user-images.githubusercontent.com": true,
	"github.com":             true,
	"raw.githubusercontent.com": true,
}

// ExtractURLs finds attachment URLs in markdown text. Per DESIGN NOTES, the
// source's single regex-scrape is replaced with a two-step algorithm: pull
// every markdown-link target out with linkPattern, then split the remaining
// text on whitespace and validate each token as a bare URL. Duplicates are
// removed. All markdown-link targets come first, in order of appearance,
// followed by the bare URLs in order of appearance; a bare URL that appears
// before a markdown link in the text is still listed after it.
func ExtractURLs(text string) []string {
	seen := make(map[string]bool)
	var out []string

	add := func(raw string) {
		raw = strings.TrimRight(raw, ").,;:!?\"'")
		if raw == "" || seen[raw] {
			return
		}
		if !isKnownAttachmentURL(raw) {
			return
		}
		seen[raw] = true
		out = append(out, raw)
	}

	for _, m := range linkPattern.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}

	for _, token := range strings.Fields(text) {
		if strings.HasPrefix(token, "http://") || strings.HasPrefix(token, "https://") {
			add(token)
		}
	}

	return out
}

func isKnownAttachmentURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	return knownHosts[strings.ToLower(u.Hostname())]
}
