package routing

import "strings"

// SplitServicePath extracts the first non-empty segment of p and returns it
// with the remainder of the path. The remainder always starts with "/":
//
//	/accounts        -> "accounts", "/"
//	/accounts/       -> "accounts", "/"
//	/accounts/a/b/   -> "accounts", "/a/b/"
//
// ok is false when p has no non-empty segment.
func SplitServicePath(p string) (service, rest string, ok bool) {
	trimmed := strings.TrimLeft(p, "/")
	if trimmed == "" {
		return "", "/", false
	}
	idx := strings.IndexByte(trimmed, '/')
	if idx == -1 {
		return trimmed, "/", true
	}
	return trimmed[:idx], trimmed[idx:], true
}
