// Package alerting implements the alert rule store, the scheduled
// evaluation engine, the alert lifecycle and notification dispatch.
package alerting

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Fingerprint deterministically identifies the logical alert produced by a
// rule: the hash covers the rule id, the metric name and the sorted label
// filter pairs. Equal fingerprints dedup into one alert.
func Fingerprint(ruleID, metric string, filters map[string]string) string {
	parts := make([]string, 0, len(filters)+2)
	parts = append(parts, ruleID, metric)

	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, filters[k]))
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
