package pool

import "strings"

// matchGlob matches a task identity string ("point/name") against a
// simple glob pattern supporting '*' (any run of characters) and '?'
// (single character). This is deliberately not filesystem globbing
// (hence no doublestar dependency, see SPEC_FULL.md): identities are not
// paths, and '/' has no special separator meaning here.
func matchGlob(pattern, s string) bool {
	return matchGlobAt(pattern, s)
}

func matchGlobAt(pattern, s string) bool {
	if pattern == "" {
		return s == ""
	}

	switch pattern[0] {
	case '*':
		if matchGlobAt(pattern[1:], s) {
			return true
		}
		for i := 0; i < len(s); i++ {
			if matchGlobAt(pattern[1:], s[i+1:]) {
				return true
			}
		}
		return false
	case '?':
		if s == "" {
			return false
		}
		return matchGlobAt(pattern[1:], s[1:])
	default:
		idx := strings.IndexByte(pattern, '*')
		qidx := strings.IndexByte(pattern, '?')
		cut := idx
		if cut < 0 || (qidx >= 0 && qidx < cut) {
			cut = qidx
		}
		if cut < 0 {
			return pattern == s
		}
		if len(s) < cut || pattern[:cut] != s[:cut] {
			return false
		}
		return matchGlobAt(pattern[cut:], s[cut:])
	}
}

// matchAny reports whether the identity matches any of the given
// globs. An empty glob list matches nothing; a glob of exactly "*"
// matches every identity.
func matchAny(globs []string, id Identity) bool {
	s := id.Name
	full := id.Point.String() + "/" + id.Name
	for _, g := range globs {
		if matchGlob(g, s) || matchGlob(g, full) {
			return true
		}
	}
	return false
}
