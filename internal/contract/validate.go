package contract

import (
	"fmt"
	"strings"

	"github.com/atlascodex/atlas/internal/anchor"
	"github.com/atlascodex/atlas/internal/models"
)

// maxContractFields bounds generated contracts
const maxContractFields = 16

// ValidateContract rejects malformed and phantom contracts before they are
// finalized. A required field the page samples cannot even hint at is a
// phantom: extraction would drop every entity chasing a field that does not
// exist.
func ValidateContract(c *models.SchemaContract, query string, samples []anchor.Sample) error {
	if len(c.Fields) == 0 {
		return fmt.Errorf("contract has no fields")
	}
	if len(c.Fields) > maxContractFields {
		return fmt.Errorf("contract has %d fields, limit is %d", len(c.Fields), maxContractFields)
	}

	seen := make(map[string]bool)
	for _, f := range c.Fields {
		if f.Name == "" {
			return fmt.Errorf("contract field with empty name")
		}
		if seen[f.Name] {
			return fmt.Errorf("duplicate contract field %q", f.Name)
		}
		seen[f.Name] = true
	}

	vocabulary := buildVocabulary(query, samples)
	for _, f := range c.Fields {
		if f.Kind != models.FieldKindRequired {
			continue
		}
		if !fieldPlausible(f.Name, vocabulary) {
			return fmt.Errorf("required field %q is not grounded in the query or page samples", f.Name)
		}
	}
	return nil
}

// buildVocabulary collects the token set a required field name must draw from
func buildVocabulary(query string, samples []anchor.Sample) map[string]bool {
	vocab := make(map[string]bool)
	add := func(text string) {
		for _, tok := range strings.Fields(strings.ToLower(text)) {
			tok = strings.Trim(tok, ".,;:!?()[]{}\"'")
			if len(tok) >= 3 {
				vocab[tok] = true
			}
		}
	}
	add(query)
	for _, s := range samples {
		add(s.Text)
	}
	// Roles every page can support regardless of wording
	for _, generic := range []string{"title", "name", "description", "link", "url", "text"} {
		vocab[generic] = true
	}
	return vocab
}

// fieldPlausible accepts a field when any of its name parts, or a prefix of
// one, appears in the vocabulary
func fieldPlausible(name string, vocab map[string]bool) bool {
	for _, part := range strings.Split(name, "_") {
		if len(part) < 3 {
			continue
		}
		if vocab[part] {
			return true
		}
		for tok := range vocab {
			if strings.HasPrefix(tok, part) || strings.HasPrefix(part, tok) {
				return true
			}
		}
	}
	return false
}
