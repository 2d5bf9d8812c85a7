package httpapi

import (
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/you/chat-director/internal/query"
)

// ParseFilters maps /chat/messages query parameters onto a query.Spec.
// Parsing never fails: unknown modes fall back to plain, unknown types to
// all, and a non-numeric limit to the default page size.
func ParseFilters(values url.Values) query.Spec {
	spec := query.Spec{
		Search: strings.TrimSpace(values.Get("search")),
		Type:   query.ParseType(values.Get("type")),
		Author: strings.TrimSpace(values.Get("author")),
		Cursor: strings.TrimSpace(values.Get("cursor")),
		Limit:  parseLimit(values.Get("limit")),
	}

	mode := values.Get("mode")
	if mode == "" {
		mode = values.Get("searchMode")
	}
	spec.Mode = query.ParseMode(mode)

	for _, raw := range values["badges"] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				spec.Badges = append(spec.Badges, part)
			}
		}
	}
	return spec
}

// FiltersFromRequest parses filters from an HTTP request.
func FiltersFromRequest(r *http.Request) query.Spec {
	return ParseFilters(r.URL.Query())
}

// parseLimit returns 0 (engine default) for absent or non-numeric input and
// floors numeric input to at least 1. The upper clamp belongs to the engine.
func parseLimit(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	n := math.Floor(f)
	if n < 1 {
		return 1
	}
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(n)
}
