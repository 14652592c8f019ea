// Package fetcher obtains raw usage export bytes from the configured source.
package fetcher

import (
	"context"
	"net/http"
	"strings"
)

// Export is one fetched usage export.
type Export struct {
	Body        []byte
	Headers     map[string]string
	SourceURL   string
	ContentType string
	Method      string // "http" or "file"
}

// Fetcher obtains the current export. Failures carry resilience.KindFetch.
type Fetcher interface {
	Fetch(ctx context.Context) (*Export, error)
}

// flattenHeaders keeps the first value of each header under its lowercase name.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 0 {
			continue
		}
		out[strings.ToLower(k)] = v[0]
	}
	return out
}
