package search

import (
	"testing"

	"github.com/sells-group/leadflow/pkg/firecrawl"
)

func TestExtractContacts_Emails(t *testing.T) {
	hit := firecrawl.SearchResult{
		URL:   "https://acme-cardiology.com/team",
		Title: "Our Team",
		Markdown: `# Our Team
Dr. Alice Smith — alice@acme-cardiology.com — (212) 555-0100
Dr. Bob Jones — BOB@acme-cardiology.com
Logo: logo@2x.png`,
	}

	contacts := extractContacts(hit)
	if len(contacts) != 2 {
		t.Fatalf("got %d contacts, want 2", len(contacts))
	}
	if contacts[0].Email != "alice@acme-cardiology.com" {
		t.Errorf("email = %q", contacts[0].Email)
	}
	if contacts[0].Company != "Acme Cardiology" {
		t.Errorf("company = %q", contacts[0].Company)
	}
	if contacts[0].Confidence != 0.9 {
		t.Errorf("confidence = %v, want 0.9", contacts[0].Confidence)
	}
	if contacts[1].Email != "bob@acme-cardiology.com" {
		t.Errorf("second email = %q, want lowercased", contacts[1].Email)
	}
}

func TestExtractContacts_DescriptionOnly(t *testing.T) {
	hit := firecrawl.SearchResult{
		URL:         "https://clinic.example",
		Description: "Contact us at info@clinic.example for appointments.",
	}

	contacts := extractContacts(hit)
	if len(contacts) != 1 {
		t.Fatalf("got %d contacts, want 1", len(contacts))
	}
	if contacts[0].Confidence != 0.6 {
		t.Errorf("confidence = %v, want 0.6 for description-only", contacts[0].Confidence)
	}
}

func TestExtractContacts_PhoneOnly(t *testing.T) {
	hit := firecrawl.SearchResult{
		URL:      "https://clinic.example",
		Title:    "NYC Cardiology Clinic",
		Markdown: "Call us: (212) 555-0199",
	}

	contacts := extractContacts(hit)
	if len(contacts) != 1 {
		t.Fatalf("got %d contacts, want 1", len(contacts))
	}
	if contacts[0].Phone == "" {
		t.Error("expected phone to be set")
	}
	if contacts[0].Name != "NYC Cardiology Clinic" {
		t.Errorf("name = %q", contacts[0].Name)
	}
	if contacts[0].Confidence != 0.5 {
		t.Errorf("confidence = %v, want 0.5", contacts[0].Confidence)
	}
}

func TestExtractContacts_Empty(t *testing.T) {
	if got := extractContacts(firecrawl.SearchResult{URL: "https://x.example"}); got != nil {
		t.Errorf("got %v, want nil", got)
	}
}

func TestCompanyFromDomain(t *testing.T) {
	tests := []struct {
		domain string
		want   string
	}{
		{"acme.com", "Acme"},
		{"acme-cardiology.com", "Acme Cardiology"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := companyFromDomain(tt.domain); got != tt.want {
			t.Errorf("companyFromDomain(%q) = %q, want %q", tt.domain, got, tt.want)
		}
	}
}
