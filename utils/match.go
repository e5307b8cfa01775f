package utils

import "strings"

// MatchResource checks if the given value ("METHOD /path" or just a path)
// matches the provided pattern. Patterns may include:
//   - '*' as a whole segment, matching exactly one segment.
//   - A trailing '/*', matching the prefix and anything below it.
//   - Parameter segments (e.g. ':id') matching one non-empty segment.
//
// If the pattern carries a method, the value must carry the same one ('*' matches any).
func MatchResource(value, pattern string) bool {
	_, ok := MatchRoute(value, pattern)
	return ok
}

// MatchRoute is MatchResource that also returns the values bound to the
// pattern's parameters, keyed by name without the ':'.
func MatchRoute(value, pattern string) (map[string]string, bool) {
	valParts := strings.SplitN(value, " ", 2)
	patParts := strings.SplitN(pattern, " ", 2)

	path, pat := value, pattern
	if len(patParts) == 2 {
		if len(valParts) != 2 {
			return nil, false
		}
		if patParts[0] != "*" && !strings.EqualFold(valParts[0], patParts[0]) {
			return nil, false
		}
		path, pat = valParts[1], patParts[1]
	} else if len(valParts) == 2 {
		path = valParts[1]
	}
	return matchPath(path, pat)
}

func matchPath(path, pattern string) (map[string]string, bool) {
	if pattern == "*" || pattern == "/*" {
		return map[string]string{}, true
	}
	vs := splitPath(path)
	ps := splitPath(pattern)
	params := make(map[string]string)

	for i, seg := range ps {
		if seg == "*" && i == len(ps)-1 && strings.HasSuffix(pattern, "/*") {
			// hierarchical wildcard: everything below the prefix, or the prefix itself
			return params, len(vs) >= i
		}
		if i >= len(vs) {
			return nil, false
		}
		switch {
		case seg == "*":
		case strings.HasPrefix(seg, ":"):
			if vs[i] == "" {
				return nil, false
			}
			params[seg[1:]] = vs[i]
		case seg != vs[i]:
			return nil, false
		}
	}
	if len(vs) != len(ps) {
		return nil, false
	}
	return params, true
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
