package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/atlascodex/atlas/internal/anchor"
	"github.com/atlascodex/atlas/internal/models"
)

// followupPage is the product of one paginated fetch: its own anchor index,
// negotiation pass, and entities, all under the shared contract
type followupPage struct {
	doc      *goquery.Document
	result   *models.ExtractionResult
	fallback bool
}

// nextPageURL finds the next page link, resolved against the current page.
// Recognizes rel=next plus the common pagination class names.
func nextPageURL(doc *goquery.Document, currentURL string) string {
	if doc == nil {
		return ""
	}

	var href string
	for _, sel := range []string{"link[rel=next]", "a[rel=next]", "a.next", ".pagination a.next", "a[aria-label=Next]"} {
		if h, ok := doc.Find(sel).First().Attr("href"); ok && strings.TrimSpace(h) != "" {
			href = strings.TrimSpace(h)
			break
		}
	}
	if href == "" {
		return ""
	}

	base, err := url.Parse(currentURL)
	if err != nil {
		return ""
	}
	next, err := url.Parse(href)
	if err != nil {
		return ""
	}
	resolved := base.ResolveReference(next).String()
	if resolved == currentURL {
		return ""
	}
	return resolved
}

// runFollowupPage processes one paginated page under the shared contract:
// fetch, index, two-track, negotiate, execute. Job state does not re-enter
// earlier stages for followup pages.
func (m *Manager) runFollowupPage(ctx context.Context, job *models.Job, req *models.Request, ct *models.SchemaContract, pageURL, correlationID string) (*followupPage, error) {
	fetched, err := m.fetcher.Fetch(ctx, pageURL, req.Options.ChainType, correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page %s: %w", pageURL, err)
	}

	_, normalized, err := anchor.ContentHash(fetched.HTML)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize page %s: %w", pageURL, err)
	}
	idx, err := anchor.Build(normalized, m.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to index page %s: %w", pageURL, err)
	}

	findings := m.deterministic.Run(idx, ct)
	var augmented *models.AugmentationResult
	if m.client != nil && !tokenBudgetExhausted(req, job.Cost) {
		var cost models.Cost
		augmented, cost = m.augmenter.Run(ctx, idx, ct, findings, req.Query, correlationID)
		job.Cost.Add(cost)
	}

	negotiation := m.negotiator.Negotiate(idx, ct, findings, augmented)
	if negotiation.Status == models.NegotiationError {
		return nil, fmt.Errorf("negotiation failed on page %s: %s", pageURL, negotiation.Reason)
	}

	result, fallback, err := m.executor.Execute(ctx, idx, ct, negotiation.FinalSchema, findings, augmented, req.Options.AllowedPII, !tokenBudgetExhausted(req, job.Cost), correlationID)
	if err != nil {
		return nil, fmt.Errorf("extraction failed on page %s: %w", pageURL, err)
	}

	return &followupPage{doc: idx.Doc(), result: result, fallback: fallback}, nil
}

// mergeResults concatenates a followup page's entities onto the aggregate.
// Evidence entity indexes shift by the existing entity count so they keep
// pointing at the right rows.
func mergeResults(aggregate, page *models.ExtractionResult) {
	offset := len(aggregate.Data)
	aggregate.Data = append(aggregate.Data, page.Data...)

	for _, record := range page.Evidence {
		record.EntityIndex += offset
		aggregate.Evidence = append(aggregate.Evidence, record)
	}

	aggregate.DroppedEntities += page.DroppedEntities
	aggregate.Cost.Add(page.Cost)

	for field, count := range page.PerFieldSupport {
		aggregate.PerFieldSupport[field] += count
	}

	seen := make(map[string]bool, len(aggregate.FieldsOmitted))
	for _, f := range aggregate.FieldsOmitted {
		seen[f] = true
	}
	for _, f := range page.FieldsOmitted {
		if !seen[f] {
			aggregate.FieldsOmitted = append(aggregate.FieldsOmitted, f)
			seen[f] = true
		}
	}
}
