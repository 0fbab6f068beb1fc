package resource

import "strings"

// cockpitPath is a parsed /cockpit[/@host][/<package-or-hash>/<path>] URL.
type cockpitPath struct {
	Host    string // "" when no @host segment was present
	Package string
	Path    string
}

// parseCockpitPath splits the resource-fetch URL. ok is false for
// "/cockpit" or "/cockpit/" with no package segment (spec.md §4.E: "Path
// /cockpit/ without a package identifier -> 404").
func parseCockpitPath(urlPath string) (cockpitPath, bool) {
	rest := strings.TrimPrefix(urlPath, "/cockpit")
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return cockpitPath{}, false
	}

	segments := strings.Split(rest, "/")

	var host string
	if strings.HasPrefix(segments[0], "@") {
		host = segments[0][1:]
		segments = segments[1:]
	}
	if len(segments) == 0 || segments[0] == "" {
		return cockpitPath{}, false
	}

	pkg := segments[0]
	path := strings.Join(segments[1:], "/")

	return cockpitPath{Host: host, Package: pkg, Path: path}, true
}

// isContentHash reports whether pkg is a content-hash identifier rather
// than a package name (spec.md §4.E: "first component begins with $").
func isContentHash(pkg string) bool {
	return strings.HasPrefix(pkg, "$")
}
