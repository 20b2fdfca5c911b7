package cache

import (
	"net/url"
	"strings"
)

// BuildKey derives the cache key for a GET request to the given service.
// The key is the service key plus the request path and sorted query
// string. Tenant-scoped services additionally carry the tenant id so one
// tenant's cached response is never served to another.
func BuildKey(serviceKey, path string, query url.Values, tenantID string, tenantScoped bool) string {
	var b strings.Builder
	b.WriteString(serviceKey)
	b.WriteString(":")
	b.WriteString(path)

	// url.Values.Encode sorts by key, so equivalent queries written in
	// a different order share one entry.
	if encoded := query.Encode(); encoded != "" {
		b.WriteString("?")
		b.WriteString(encoded)
	}

	if tenantScoped {
		b.WriteString("|")
		b.WriteString(tenantID)
	}

	return b.String()
}
