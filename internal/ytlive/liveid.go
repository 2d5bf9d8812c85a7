package ytlive

import (
	"net/url"
	"regexp"
	"strings"
)

var bareIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{10,}$`)

// ExtractLiveID accepts a bare video id, a URL carrying ?v=, or a URL whose
// last path segment is the id (youtu.be/<id>, /live/<id>). It returns "" when
// nothing usable is found.
func ExtractLiveID(input string) string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return ""
	}
	if bareIDRe.MatchString(trimmed) {
		return trimmed
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	if u.Query().Has("v") {
		return strings.TrimSpace(u.Query().Get("v"))
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	last := segments[len(segments)-1]
	return strings.TrimSpace(last)
}
