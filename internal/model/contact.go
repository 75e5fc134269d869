package model

import (
	"strings"
	"time"
)

// Contact is a single extracted contact inside a query's result set.
// Raw fields come from preview extraction, Masked fields are what the
// caller sees before payment, and Enriched fields are populated by the
// enrichment stage.
type Contact struct {
	ID         string          `json:"id"`
	SourceURL  string          `json:"source_url,omitempty"`
	Name       string          `json:"name,omitempty"`
	Email      string          `json:"email,omitempty"`
	Phone      string          `json:"phone,omitempty"`
	Title      string          `json:"title,omitempty"`
	Company    string          `json:"company,omitempty"`
	Confidence float64         `json:"confidence"`
	Masked     *Preview        `json:"masked,omitempty"`
	Enriched   *EnrichedFields `json:"enriched,omitempty"`
}

// Preview holds the masked teaser fields exposed before payment. Only the
// masked email is populated; everything else stays hidden.
type Preview struct {
	Email string `json:"email"`
}

// EnrichedFields holds provider-verified contact data.
type EnrichedFields struct {
	Email      string    `json:"email,omitempty"`
	Phone      string    `json:"phone,omitempty"`
	Title      string    `json:"title,omitempty"`
	Company    string    `json:"company,omitempty"`
	LinkedIn   string    `json:"linkedin,omitempty"`
	Confidence float64   `json:"confidence"`
	EnrichedAt time.Time `json:"enriched_at"`
}

// Fingerprint returns a stable dedup key for merging contacts across
// preview engines: the normalized email when present, otherwise
// name+domain of the source URL.
func (c Contact) Fingerprint() string {
	if c.Email != "" {
		return strings.ToLower(strings.TrimSpace(c.Email))
	}
	name := strings.ToLower(strings.TrimSpace(c.Name))
	domain := ""
	if u := c.SourceURL; u != "" {
		u = strings.TrimPrefix(strings.TrimPrefix(u, "https://"), "http://")
		if i := strings.IndexByte(u, '/'); i >= 0 {
			u = u[:i]
		}
		domain = strings.ToLower(u)
	}
	return name + "|" + domain
}
