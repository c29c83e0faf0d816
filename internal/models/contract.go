package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// FieldKind classifies how a field participates in schema negotiation
type FieldKind string

const (
	FieldKindRequired     FieldKind = "required"     // Absence drops the entity (strict) or fails the job per missing policy
	FieldKindExpected     FieldKind = "expected"     // Pruned or demoted when the page does not support it
	FieldKindDiscoverable FieldKind = "discoverable" // Enters the schema only through promotion quorum
	FieldKindOptional     FieldKind = "optional"     // Kept when present, never enforced
)

// FieldType enumerates the value types the validators understand
type FieldType string

const (
	FieldTypeString        FieldType = "string"
	FieldTypeEmail         FieldType = "email"
	FieldTypeURL           FieldType = "url"
	FieldTypeEnum          FieldType = "enum"
	FieldTypeRichText      FieldType = "richtext"
	FieldTypeNumber        FieldType = "number"
	FieldTypeBoolean       FieldType = "boolean"
	FieldTypeDate          FieldType = "date"
	FieldTypeArrayOfString FieldType = "array-of-string"
)

// ExtractionMode controls how missing required fields are handled
type ExtractionMode string

const (
	ModeStrict ExtractionMode = "strict"
	ModeSoft   ExtractionMode = "soft"
)

// FieldSpec describes a single contract field
type FieldSpec struct {
	Name       string    `json:"name"`
	Kind       FieldKind `json:"kind"`
	Type       FieldType `json:"type"`
	Detectors  []string  `json:"detectors,omitempty"`
	Extractor  string    `json:"extractor,omitempty"`
	Validators []string  `json:"validators,omitempty"`
	EnumValues []string  `json:"enum_values,omitempty"`
	MinSupport int       `json:"min_support,omitempty"`
	MinLength  int       `json:"min_length,omitempty"`
	MaxLength  int       `json:"max_length,omitempty"`
}

// Governance bounds what schema negotiation may add to a contract
type Governance struct {
	AllowNewFields        bool `json:"allow_new_fields"`
	MinSupportThreshold   int  `json:"min_support_threshold"` // K: entities that must carry a proposed field
	MinBlocksThreshold    int  `json:"min_blocks_threshold"`  // M: distinct blocks that must carry it
	MaxDiscoverableFields int  `json:"max_discoverable_fields"`
}

// EvidencePolicy states how much anchoring the contract demands per value
type EvidencePolicy struct {
	RequireAnchors     bool `json:"require_anchors"`
	MinAnchorsPerField int  `json:"min_anchors_per_field"`
}

// Missing-policy actions
const (
	MissingRequiredDropEntity = "drop_entity"
	MissingRequiredFailJob    = "fail_job"
	MissingExpectedOmitField  = "omit_field"
	MissingExpectedNullField  = "null_field"
)

// MissingPolicy states what happens when a field has no on-page value
type MissingPolicy struct {
	Required string `json:"required"` // drop_entity | fail_job
	Expected string `json:"expected"` // omit_field | null_field
}

// SchemaContract is the per-request, deterministic description of what fields
// may appear in the output and under what policy. The contract id is a
// content address: equal canonical payloads always produce equal ids.
type SchemaContract struct {
	ContractID      string         `json:"contract_id"`
	ContractVersion int            `json:"contract_version"`
	Generator       string         `json:"generator"`
	Seed            int64          `json:"seed"`
	GeneratedAt     time.Time      `json:"generated_at"`
	Mode            ExtractionMode `json:"mode"`
	Fields          []FieldSpec    `json:"fields"`
	Governance      Governance     `json:"governance"`
	EvidencePolicy  EvidencePolicy `json:"evidence_policy"`
	MissingPolicy   MissingPolicy  `json:"missing_policy"`
}

// Field returns the FieldSpec for a named field, or nil
func (c *SchemaContract) Field(name string) *FieldSpec {
	for i := range c.Fields {
		if c.Fields[i].Name == name {
			return &c.Fields[i]
		}
	}
	return nil
}

// FieldsOfKind returns the fields of a given kind in declared order
func (c *SchemaContract) FieldsOfKind(kind FieldKind) []FieldSpec {
	var out []FieldSpec
	for _, f := range c.Fields {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

// canonicalContract is the deterministic projection hashed into the contract
// id. Timestamps are excluded so re-generation over the same inputs yields
// the same id.
type canonicalContract struct {
	ContractVersion int            `json:"contract_version"`
	Generator       string         `json:"generator"`
	Seed            int64          `json:"seed"`
	Mode            ExtractionMode `json:"mode"`
	Fields          []FieldSpec    `json:"fields"`
	Governance      Governance     `json:"governance"`
	EvidencePolicy  EvidencePolicy `json:"evidence_policy"`
	MissingPolicy   MissingPolicy  `json:"missing_policy"`
}

// CanonicalPayload serializes the contract deterministically, excluding the
// id and timestamp. Field order is preserved as declared; map-free structs
// keep json.Marshal stable.
func (c *SchemaContract) CanonicalPayload() ([]byte, error) {
	canon := canonicalContract{
		ContractVersion: c.ContractVersion,
		Generator:       c.Generator,
		Seed:            c.Seed,
		Mode:            c.Mode,
		Fields:          c.Fields,
		Governance:      c.Governance,
		EvidencePolicy:  c.EvidencePolicy,
		MissingPolicy:   c.MissingPolicy,
	}
	return json.Marshal(canon)
}

// ComputeID computes and assigns the deterministic contract id
func (c *SchemaContract) ComputeID() (string, error) {
	payload, err := c.CanonicalPayload()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	c.ContractID = hex.EncodeToString(sum[:])
	return c.ContractID, nil
}

// OutputSchema builds the strict JSON Schema for a field set. Every object
// level sets additionalProperties and unevaluatedProperties to false; the
// array root carries minItems >= 1 unless allowEmpty is set.
func OutputSchema(fields []FieldSpec, mode ExtractionMode, allowEmpty bool) map[string]interface{} {
	properties := make(map[string]interface{}, len(fields))
	var required []string

	for _, f := range fields {
		properties[f.Name] = fieldTypeSchema(f)
		if f.Kind == FieldKindRequired {
			required = append(required, f.Name)
		}
	}
	sort.Strings(required)

	items := map[string]interface{}{
		"type":                  "object",
		"properties":            properties,
		"additionalProperties":  false,
		"unevaluatedProperties": false,
	}
	if len(required) > 0 {
		items["required"] = required
	}

	schema := map[string]interface{}{
		"type":  "array",
		"items": items,
	}
	if !allowEmpty {
		schema["minItems"] = 1
	}
	return schema
}

func fieldTypeSchema(f FieldSpec) map[string]interface{} {
	switch f.Type {
	case FieldTypeNumber:
		return map[string]interface{}{"type": "number"}
	case FieldTypeBoolean:
		return map[string]interface{}{"type": "boolean"}
	case FieldTypeEnum:
		vals := make([]interface{}, 0, len(f.EnumValues))
		for _, v := range f.EnumValues {
			vals = append(vals, v)
		}
		return map[string]interface{}{"type": "string", "enum": vals}
	case FieldTypeArrayOfString:
		return map[string]interface{}{
			"type":  "array",
			"items": map[string]interface{}{"type": "string"},
		}
	case FieldTypeEmail:
		return map[string]interface{}{"type": "string", "format": "email"}
	case FieldTypeURL:
		return map[string]interface{}{"type": "string", "format": "uri"}
	case FieldTypeDate:
		return map[string]interface{}{"type": "string", "format": "date"}
	default:
		return map[string]interface{}{"type": "string"}
	}
}

// KnownFieldTypes lists every type the validator library understands
func KnownFieldTypes() []FieldType {
	return []FieldType{
		FieldTypeString, FieldTypeEmail, FieldTypeURL, FieldTypeEnum,
		FieldTypeRichText, FieldTypeNumber, FieldTypeBoolean, FieldTypeDate,
		FieldTypeArrayOfString,
	}
}
