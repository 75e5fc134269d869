package search

import (
	"regexp"
	"strings"

	"github.com/sells-group/leadflow/internal/model"
	"github.com/sells-group/leadflow/pkg/firecrawl"
)

var (
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phoneRe = regexp.MustCompile(`\+?1?[-. (]*\d{3}[-. )]*\d{3}[-. ]*\d{4}`)

	// File-looking matches the email regex but are markdown artifacts.
	junkEmailSuffixes = []string{".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp"}
)

// extractContacts mines one search hit for contact candidates. Each
// distinct email becomes a contact; a page with phone numbers but no
// emails yields a single lower-confidence contact.
func extractContacts(hit firecrawl.SearchResult) []model.Contact {
	text := hit.Markdown
	if text == "" {
		text = hit.Description
	}
	if text == "" {
		return nil
	}

	confidence := 0.9
	if hit.Markdown == "" {
		confidence = 0.6
	}

	var contacts []model.Contact
	seen := make(map[string]bool)
	for _, email := range emailRe.FindAllString(text, -1) {
		email = strings.ToLower(email)
		if seen[email] || junkEmail(email) {
			continue
		}
		seen[email] = true
		contacts = append(contacts, model.Contact{
			SourceURL:  hit.URL,
			Email:      email,
			Company:    companyFromDomain(emailDomain(email)),
			Confidence: confidence,
		})
	}

	phones := phoneRe.FindAllString(text, -1)
	if len(contacts) == 0 && len(phones) > 0 {
		contacts = append(contacts, model.Contact{
			SourceURL:  hit.URL,
			Name:       hit.Title,
			Phone:      strings.TrimSpace(phones[0]),
			Confidence: 0.5,
		})
	} else if len(contacts) == 1 && len(phones) > 0 {
		contacts[0].Phone = strings.TrimSpace(phones[0])
	}

	return contacts
}

func junkEmail(email string) bool {
	for _, suffix := range junkEmailSuffixes {
		if strings.HasSuffix(email, suffix) {
			return true
		}
	}
	return false
}

func emailDomain(email string) string {
	if i := strings.IndexByte(email, '@'); i >= 0 {
		return email[i+1:]
	}
	return ""
}

// companyFromDomain guesses a display name from an email domain:
// "acme-cardiology.com" -> "Acme Cardiology".
func companyFromDomain(domain string) string {
	if domain == "" {
		return ""
	}
	name := domain
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[:i]
	}
	name = strings.ReplaceAll(name, "-", " ")

	words := strings.Fields(name)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
