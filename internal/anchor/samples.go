package anchor

// BuildSamples selects up to k representative anchors across distinct
// blocks. These samples, never selectors, are what the model sees.
func (idx *Index) BuildSamples(k int) []Sample {
	if k <= 0 {
		return nil
	}

	var samples []Sample
	seen := make(map[string]bool)

	for _, blockID := range idx.blockOrder {
		if len(samples) >= k {
			break
		}
		rootID, ok := idx.BlockRoot(blockID)
		if !ok {
			continue
		}
		text, err := idx.TextOf(rootID)
		if err != nil || text == "" {
			continue
		}
		samples = append(samples, Sample{AnchorID: rootID, BlockID: blockID, Text: text})
		seen[rootID] = true
	}

	// Pages without repeated structure still need something to show
	if len(samples) == 0 {
		for _, id := range idx.order {
			if len(samples) >= k {
				break
			}
			if seen[id] {
				continue
			}
			text, err := idx.TextOf(id)
			if err != nil || len(text) < 20 {
				continue
			}
			samples = append(samples, Sample{AnchorID: id, Text: text})
			seen[id] = true
		}
	}

	return samples
}
