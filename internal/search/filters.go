package search

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/yungbote/ragbridge-backend/internal/platform/apierr"
)

// Metadata filters come straight from clients, so they are validated against
// a fixed whitelist before any SQL or dense query runs. The allowed keys are
// the ones ingestion writes into document_chunks.metadata.

const (
	maxFilterEntries  = 10
	maxFilterValueLen = 256
)

var allowedFilterKeys = map[string]struct{}{
	"source":     {},
	"author":     {},
	"category":   {},
	"tag":        {},
	"language":   {},
	"department": {},
	"project":    {},
	"status":     {},
	"region":     {},
	"year":       {},
}

// AllowedFilterKeys returns the whitelist sorted, for error messages and
// docs endpoints.
func AllowedFilterKeys() []string {
	keys := make([]string, 0, len(allowedFilterKeys))
	for k := range allowedFilterKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ValidateMetadataFilter rejects unknown keys, oversized values, and
// oversized maps. A nil or empty filter is valid.
func ValidateMetadataFilter(filter map[string]string) error {
	if len(filter) == 0 {
		return nil
	}
	if len(filter) > maxFilterEntries {
		return apierr.Newf(apierr.KindBadRequest, "metadata_filter_too_large",
			"metadata filter has %d entries, maximum is %d", len(filter), maxFilterEntries)
	}
	for key, value := range filter {
		if _, ok := allowedFilterKeys[key]; !ok {
			return apierr.Newf(apierr.KindBadRequest, "metadata_filter_key",
				"metadata filter key %q is not allowed (allowed: %s)", key, strings.Join(AllowedFilterKeys(), ", "))
		}
		if strings.TrimSpace(value) == "" {
			return apierr.Newf(apierr.KindBadRequest, "metadata_filter_value",
				"metadata filter key %q has an empty value", key)
		}
		if utf8.RuneCountInString(value) > maxFilterValueLen {
			return apierr.Newf(apierr.KindBadRequest, "metadata_filter_value",
				"metadata filter value for %q exceeds %d characters", key, maxFilterValueLen)
		}
	}
	return nil
}
