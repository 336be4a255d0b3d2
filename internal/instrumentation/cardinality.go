package instrumentation

import "strings"

// Cardinality management helpers for metrics.
//
// Request paths are client controlled. Recording them verbatim lets any
// client create unbounded label values, so HTTP metrics record the route
// instead.

// PathOther is the label recorded for paths that match no known route.
const PathOther = "other"

// RouteLabel maps a request path to a bounded label value. Known routes are
// kept as is; anything else becomes PathOther.
//
// Example:
//
//	RouteLabel("/auth/token", routes)     // "/auth/token"
//	RouteLabel("/wp-admin.php", routes)   // "other"
func RouteLabel(path string, known []string) string {
	for _, route := range known {
		if path == route {
			return route
		}
		if strings.HasSuffix(route, "/") && strings.HasPrefix(path, route) {
			return route
		}
	}
	return PathOther
}
