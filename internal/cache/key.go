package cache

import (
	"net/url"
	"strings"
)

// BuildKey returns the fingerprint "METHOD path[?query]". The query is sorted
// by name with exclude removed; repeated values keep request order.
func BuildKey(method, path string, query url.Values, exclude []string) string {
	key := strings.ToUpper(method) + " " + path
	if len(query) == 0 {
		return key
	}

	kept := make(url.Values, len(query))
	for name, values := range query {
		kept[name] = values
	}
	for _, name := range exclude {
		delete(kept, name)
	}
	if len(kept) == 0 {
		return key
	}
	return key + "?" + kept.Encode()
}
