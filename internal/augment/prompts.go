package augment

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/atlascodex/atlas/internal/anchor"
	"github.com/atlascodex/atlas/internal/models"
)

// maxPromptBlocks bounds how many block samples enter the prompt
const maxPromptBlocks = 5

const systemPrompt = `You augment a deterministic web extraction pass. You see the extraction query, the field contract, what the deterministic pass found and missed, and short text samples from the page, each tagged with an anchor id.

Rules:
- Only claim values you can see verbatim in the provided samples.
- Every claim must cite the anchor id of the sample it came from.
- Never invent fields, values, or anchor ids.
- Propose a new field only when the same label appears in two or more samples.
- If you cannot add anything useful, respond with exactly {"status":"abstain"}.`

// responseSchema is the strict shape of an augmentation response
func responseSchema() map[string]interface{} {
	anchored := map[string]interface{}{
		"type":  "array",
		"items": map[string]interface{}{"type": "string"},
	}
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"completions": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"field":      map[string]interface{}{"type": "string"},
						"value":      map[string]interface{}{"type": "string"},
						"anchor_ids": anchored,
					},
					"required": []interface{}{"field", "value", "anchor_ids"},
				},
			},
			"new_field_proposals": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"name":          map[string]interface{}{"type": "string"},
						"type":          map[string]interface{}{"type": "string"},
						"anchor_ids":    anchored,
						"sample_values": anchored,
					},
					"required": []interface{}{"name", "type", "anchor_ids"},
				},
			},
			"normalizations": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"from":   map[string]interface{}{"type": "string"},
						"to":     map[string]interface{}{"type": "string"},
						"reason": map[string]interface{}{"type": "string"},
					},
					"required": []interface{}{"from", "to"},
				},
			},
		},
	}
}

// buildPrompt assembles the augmentation prompt: query, contract fields,
// deterministic misses and pattern candidates, and bounded page samples
func buildPrompt(query string, contract *models.SchemaContract, findings *models.DeterministicFindings, samples []anchor.Sample) (string, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "Extraction query: %s\n\n", query)

	b.WriteString("Contract fields:\n")
	for _, f := range contract.Fields {
		fmt.Fprintf(&b, "- %s (%s, %s)\n", f.Name, f.Type, f.Kind)
	}

	if len(findings.Misses) > 0 {
		b.WriteString("\nFields the deterministic pass missed:\n")
		for _, m := range findings.Misses {
			fmt.Fprintf(&b, "- %s (%s)\n", m.Field, m.Reason)
		}
	}

	if len(findings.Candidates) > 0 {
		b.WriteString("\nRepeated label patterns seen on the page:\n")
		for _, c := range findings.Candidates {
			fmt.Fprintf(&b, "- %q appears %d times (e.g. anchors %s)\n", c.Label, c.Instances, strings.Join(c.SampleAnchorIDs, ", "))
		}
	}

	bounded := samples
	if len(bounded) > maxPromptBlocks {
		bounded = bounded[:maxPromptBlocks]
	}
	sampleJSON, err := json.Marshal(bounded)
	if err != nil {
		return "", fmt.Errorf("failed to serialize samples: %w", err)
	}
	fmt.Fprintf(&b, "\nPage samples:\n%s\n", string(sampleJSON))

	return b.String(), nil
}
