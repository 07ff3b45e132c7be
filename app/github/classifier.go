package github

// URL classifier for the acceleration fallback. A request path carries a full
// upstream URL ("/https://github.com/owner/repo/releases/...") which is
// matched against an ordered set of anchored patterns covering GitHub
// releases, archives, raw blobs, git smart-http, gists, the repos API,
// Hugging Face (including the LFS CDN), docker static downloads and the
// github asset hosts. Anything else is rejected.

import (
	"regexp"
	"strings"
)

// classifyPatterns are tried in order, first match wins. Capture groups feed
// the access check.
var classifyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^https?://github\.com/([^/]+)/([^/]+)/(?:releases|archive)/.*$`),
	regexp.MustCompile(`^https?://github\.com/([^/]+)/([^/]+)/(?:blob|raw)/.*$`),
	regexp.MustCompile(`^https?://github\.com/([^/]+)/([^/]+)/(?:info|git-).*$`),
	regexp.MustCompile(`^https?://raw\.githubusercontent\.com/([^/]+)/([^/]+)/.+$`),
	regexp.MustCompile(`^https?://raw\.github\.com/([^/]+)/([^/]+)/.+$`),
	regexp.MustCompile(`^https?://gist\.github(?:usercontent)?\.com/([^/]+)/.+$`),
	regexp.MustCompile(`^https?://api\.github\.com/repos/([^/]+)/([^/]+)/.*$`),
	regexp.MustCompile(`^https?://huggingface\.co(?:/spaces)?/([^/]+)/(.+)$`),
	regexp.MustCompile(`^https?://cdn-lfs\.hf\.co(?:/spaces)?/([^/]+)/([^/]+)(?:/.*)?$`),
	regexp.MustCompile(`^https?://download\.docker\.com/([^/]+)/.*\.(?:tgz|zip)$`),
	regexp.MustCompile(`^https?://github\.githubassets\.com/([^/]+)/.*$`),
	regexp.MustCompile(`^https?://opengraph\.githubassets\.com/([^/]+)/.*$`),
}

// index of the blob pattern whose match is rewritten to the raw form
const blobPatternIdx = 1

// Target is a classified upstream URL, request scoped.
type Target struct {
	URL     string // upstream URL, blob form already rewritten to raw
	Subject string // access control subject, "owner/repo" or the single captured group
}

// NormalizeRawURL turns the request's raw path into a canonical upstream URL:
// duplicate leading slashes trimmed, https:// prepended when no scheme
// present, a scheme collapsed to a single slash by path cleaning restored.
func NormalizeRawURL(rawPath string) string {
	s := strings.TrimLeft(rawPath, "/")

	switch {
	case strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://"):
		return s
	case strings.HasPrefix(s, "https:/"):
		return "https://" + strings.TrimLeft(s[len("https:/"):], "/")
	case strings.HasPrefix(s, "http:/"):
		return "http://" + strings.TrimLeft(s[len("http:/"):], "/")
	}
	return "https://" + s
}

// Classify matches a normalized URL against the pattern set. The blob form
// gets its first "/blob/" replaced with "/raw/" before upstream dispatch.
func Classify(normalized string) (Target, bool) {
	for i, re := range classifyPatterns {
		m := re.FindStringSubmatch(normalized)
		if m == nil {
			continue
		}

		target := Target{URL: normalized}
		if i == blobPatternIdx {
			target.URL = strings.Replace(normalized, "/blob/", "/raw/", 1)
		}

		switch len(m) {
		case 3:
			target.Subject = m[1] + "/" + m[2]
		case 2:
			target.Subject = m[1]
		}
		return target, true
	}
	return Target{}, false
}
