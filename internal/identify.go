package pylon

import "strings"

// Identify derives the canonical API identifier for a request:
// the upper-cased method and the cleaned path joined by one space,
// e.g. "POST /v1/chat/completions". The query string and any trailing
// slashes are stripped; the root path stays "/".
func Identify(method, path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimRight(path, "/")
	if path == "" {
		path = "/"
	}
	return strings.ToUpper(method) + " " + path
}
