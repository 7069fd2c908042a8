package signaling

import (
	"net/http"
	"net/url"
	"strings"
)

// originChecker validates the Origin header of browser upgrade requests
// against a configured allowlist.
//
// Entries are either "*" (allow everything), a full origin
// ("https://app.example.com"), or a wildcard host pattern
// ("*.example.com", any scheme). Non-browser clients that send no Origin
// header are always allowed.
type originChecker struct {
	allowAll bool
	exact    map[string]struct{}
	suffixes []string
}

func newOriginChecker(allowed []string) *originChecker {
	c := &originChecker{exact: make(map[string]struct{})}
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "":
		case entry == "*":
			c.allowAll = true
		case strings.HasPrefix(entry, "*."):
			c.suffixes = append(c.suffixes, strings.ToLower(entry[1:]))
		default:
			c.exact[strings.ToLower(strings.TrimSuffix(entry, "/"))] = struct{}{}
		}
	}
	return c
}

func (c *originChecker) Allow(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if c.allowAll {
		return true
	}

	lowered := strings.ToLower(strings.TrimSuffix(origin, "/"))
	if _, ok := c.exact[lowered]; ok {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, suffix := range c.suffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}
