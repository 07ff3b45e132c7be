package access

// Allow/deny gating for proxied repositories and images. Patterns are shell
// style wildcards ('*' and '?'), matched case-insensitive against the full
// subject, '*' deliberately crosses path separators so "a/*" covers "a/b/c".

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// Reasons returned with a denial, exposed to clients in the 403 body.
const (
	ReasonNotInAllowList = "not in allow list"
	ReasonInDenyList     = "in deny list"
)

// PatternList is a compiled set of wildcard patterns.
type PatternList struct {
	patterns []*regexp.Regexp
}

// NewPatternList compiles wildcard patterns, a malformed pattern fails the
// whole list so configuration mistakes surface at startup.
func NewPatternList(patterns []string) (*PatternList, error) {
	res := &PatternList{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile(wildcardToRegexp(p))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to compile access pattern %q", p)
		}
		res.patterns = append(res.patterns, re)
	}
	return res, nil
}

// Match reports whether any pattern matches the subject.
func (l *PatternList) Match(subject string) bool {
	if l == nil {
		return false
	}
	for _, re := range l.patterns {
		if re.MatchString(subject) {
			return true
		}
	}
	return false
}

// Empty reports whether the list has no patterns.
func (l *PatternList) Empty() bool { return l == nil || len(l.patterns) == 0 }

// wildcardToRegexp converts a wildcard pattern to an anchored
// case-insensitive regexp, all other metacharacters escaped.
func wildcardToRegexp(pattern string) string {
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `.*`)
	escaped = strings.ReplaceAll(escaped, `\?`, `.`)
	return `(?i)^` + escaped + `$`
}

// Policy holds the two independent allow/deny pairs, one keyed by GitHub
// "owner/repo" subjects and one by image references as seen by the proxy.
type Policy struct {
	githubAllow *PatternList
	githubDeny  *PatternList
	dockerAllow *PatternList
	dockerDeny  *PatternList
}

// Lists is the raw pattern pairs from configuration.
type Lists struct {
	GitHubAllow []string
	GitHubDeny  []string
	DockerAllow []string
	DockerDeny  []string
}

// NewPolicy compiles all four lists.
func NewPolicy(lists Lists) (*Policy, error) {
	p := &Policy{}
	var err error
	if p.githubAllow, err = NewPatternList(lists.GitHubAllow); err != nil {
		return nil, err
	}
	if p.githubDeny, err = NewPatternList(lists.GitHubDeny); err != nil {
		return nil, err
	}
	if p.dockerAllow, err = NewPatternList(lists.DockerAllow); err != nil {
		return nil, err
	}
	if p.dockerDeny, err = NewPatternList(lists.DockerDeny); err != nil {
		return nil, err
	}
	return p, nil
}

// CheckGitHub gates an "owner/repo" subject, a trailing ".git" is ignored.
// An empty allow list admits everything, the deny list always checked.
func (p *Policy) CheckGitHub(ownerRepo string) (ok bool, reason string) {
	if p == nil {
		return true, ""
	}
	subject := strings.TrimSuffix(ownerRepo, ".git")
	return check(p.githubAllow, p.githubDeny, subject)
}

// CheckDocker gates a full image reference including any leading registry
// host, e.g. "ghcr.io/user/image".
func (p *Policy) CheckDocker(imageRef string) (ok bool, reason string) {
	if p == nil {
		return true, ""
	}
	return check(p.dockerAllow, p.dockerDeny, imageRef)
}

func check(allow, deny *PatternList, subject string) (bool, string) {
	if !allow.Empty() && !allow.Match(subject) {
		return false, ReasonNotInAllowList
	}
	if deny.Match(subject) {
		return false, ReasonInDenyList
	}
	return true, ""
}
