// Package cache provides a content-addressed response cache with per-kind
// TTLs. Keys are derived from normalized request parameters so equivalent
// requests collide regardless of formatting.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var folder = cases.Fold()

// NormalizeText canonicalizes free text for key derivation: trimmed,
// case-folded, inner whitespace collapsed.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(folder.String(s)), " ")
}

// NormalizeTitle canonicalizes display text (locations, company names) to
// title case for stable comparison.
func NormalizeTitle(s string) string {
	return cases.Title(language.English).String(strings.Join(strings.Fields(s), " "))
}

// Key derives a stable cache key from a service name and its normalized
// request parameters. Params are serialized with sorted keys so parameter
// order never changes the digest.
func Key(service string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	canonical := make(map[string]string, len(params))
	for _, k := range keys {
		canonical[k] = NormalizeText(params[k])
	}

	payload, _ := json.Marshal(struct {
		Service string            `json:"service"`
		Params  map[string]string `json:"params"`
	}{Service: service, Params: canonical})

	sum := sha256.Sum256(payload)
	return service + ":" + hex.EncodeToString(sum[:16])
}
