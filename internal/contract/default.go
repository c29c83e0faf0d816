package contract

import (
	"github.com/atlascodex/atlas/internal/detect"
	"github.com/atlascodex/atlas/internal/models"
)

// DefaultContract is the generic list-extraction contract used when the
// model abstains from contract generation. It asks for nothing required, so
// no entity is ever dropped on its account, and leaves discovery to the
// promotion quorum.
func DefaultContract(query string, seed int64) *models.SchemaContract {
	return &models.SchemaContract{
		ContractVersion: contractVersion,
		Generator:       "default",
		Seed:            seed,
		Mode:            ModeForQuery(query),
		Fields: []models.FieldSpec{
			{Name: "title", Kind: models.FieldKindExpected, Type: models.FieldTypeString, Detectors: []string{"heading", "title"}},
			{Name: "description", Kind: models.FieldKindExpected, Type: models.FieldTypeRichText, Detectors: []string{"description"}},
			{Name: "link", Kind: models.FieldKindOptional, Type: models.FieldTypeURL, Detectors: []string{"link"}},
		},
		Governance: defaultGovernance(),
		EvidencePolicy: models.EvidencePolicy{
			RequireAnchors:     true,
			MinAnchorsPerField: 1,
		},
		MissingPolicy: defaultMissingPolicy(),
	}
}

func defaultGovernance() models.Governance {
	return models.Governance{
		AllowNewFields:        true,
		MinSupportThreshold:   2,
		MinBlocksThreshold:    2,
		MaxDiscoverableFields: 5,
	}
}

func defaultMissingPolicy() models.MissingPolicy {
	return models.MissingPolicy{
		Required: models.MissingRequiredDropEntity,
		Expected: models.MissingExpectedOmitField,
	}
}

func defaultDetectors(ft models.FieldType) []string {
	return detect.DetectorsForType(ft)
}
