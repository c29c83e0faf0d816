package models

import (
	"crypto/sha256"
	"encoding/hex"
)

// EvidenceRecord links an output field to the anchor that justified it.
// Records never hold node handles or raw selectors outside the process
// boundary; selectors are internal-only audit detail and PII-class values
// appear only as hashes unless the request opted in.
type EvidenceRecord struct {
	AnchorID      string `json:"anchor_id"`
	Selector      string `json:"selector,omitempty"` // internal only; stripped at the response edge
	Field         string `json:"field"`
	EntityIndex   int    `json:"entity_index"`
	TextSHA256    string `json:"text_sha256"`
	RedactionMask string `json:"redaction_mask,omitempty"`
}

// PII classes subject to redaction by default
var DefaultPIIClasses = map[FieldType]bool{
	FieldTypeEmail: true,
	FieldTypePhone: true,
}

// FieldTypePhone is not a contract-level type (phones validate as strings),
// but evidence redaction classifies it separately.
const FieldTypePhone FieldType = "phone"

// HashText returns the sha-256 hex digest recorded in evidence
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// RedactionMaskFor produces the mask stored alongside hashed PII values:
// first character kept, the rest starred, length preserved for audit.
func RedactionMaskFor(value string) string {
	if value == "" {
		return ""
	}
	runes := []rune(value)
	mask := make([]rune, len(runes))
	mask[0] = runes[0]
	for i := 1; i < len(runes); i++ {
		mask[i] = '*'
	}
	return string(mask)
}
