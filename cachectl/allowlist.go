package cachectl

import "strings"

// Allowlist says which paths may be cached when fetched.  A rule starting
// with "*" matches a path suffix ("*.js"); any other rule matches anywhere
// in the path ("/assets/").
type Allowlist []string

func (a Allowlist) Match(path string) bool {
	for _, rule := range a {
		if rule == "" {
			continue
		}
		if strings.HasPrefix(rule, "*") {
			if strings.HasSuffix(path, rule[1:]) {
				return true
			}
			continue
		}
		if strings.Contains(path, rule) {
			return true
		}
	}
	return false
}
