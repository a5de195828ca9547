package cache

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/samber/lo"
)

// CacheKey identifies one cached page.
type CacheKey struct {
	// Endpoint is the API path (e.g., "/conversions/range")
	Endpoint string

	// Params are the request parameters excluding page and limit
	// (date range, filters)
	Params url.Values

	// Limit is the page size; the same page number under a different size
	// holds different records
	Limit int

	// Page and Token identify the cursor
	Page  int
	Token string
}

// String generates a deterministic cache key string.
// Format: convfetch:endpoint:param1=val1:...:limit=L:page=N[:token=T]
//
// Example:
//
//	convfetch:conversions/range:end_date=2025-06-30:start_date=2025-06-01:limit=100:page=3
func (k CacheKey) String() string {
	parts := []string{"convfetch"}

	endpoint := strings.Trim(k.Endpoint, "/")
	if endpoint != "" {
		parts = append(parts, endpoint)
	}

	// Sorted for determinism
	keys := lo.Keys(k.Params)
	slices.Sort(keys)
	for _, key := range keys {
		values := slices.Clone(k.Params[key])
		slices.Sort(values)
		parts = append(parts, fmt.Sprintf("%s=%s", key, strings.Join(values, ",")))
	}

	if k.Limit > 0 {
		parts = append(parts, fmt.Sprintf("limit=%d", k.Limit))
	}
	parts = append(parts, fmt.Sprintf("page=%d", k.Page))
	if k.Token != "" {
		parts = append(parts, "token="+k.Token)
	}

	return strings.Join(parts, ":")
}
