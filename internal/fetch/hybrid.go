package fetch

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"

	"github.com/atlascodex/atlas/internal/interfaces"
)

// HybridStrategy tries the static fetch first and escalates to the browser
// only when the static result looks client-rendered. The common case pays
// one cheap request; the hard case pays both.
type HybridStrategy struct {
	static  interfaces.FetchStrategy
	browser interfaces.FetchStrategy
	logger  arbor.ILogger
}

// NewHybridStrategy composes static and browser strategies
func NewHybridStrategy(static, browser interfaces.FetchStrategy, logger arbor.ILogger) *HybridStrategy {
	return &HybridStrategy{
		static:  static,
		browser: browser,
		logger:  logger,
	}
}

// Name returns the strategy identifier
func (s *HybridStrategy) Name() string {
	return "hybrid"
}

// Fetch runs static first, escalating when the result needs JavaScript
func (s *HybridStrategy) Fetch(ctx context.Context, rawURL string, opts interfaces.FetchOptions) (*interfaces.FetchResult, error) {
	result, err := s.static.Fetch(ctx, rawURL, opts)
	if err == nil && !NeedsRendering(result.HTML) {
		result.Metadata["strategy"] = s.Name()
		return result, nil
	}

	if err != nil {
		if fe, ok := AsFetchError(err); ok && fe.Kind == ErrKindUnreachable {
			// A host the static client cannot reach is not going to answer
			// a browser either
			return nil, err
		}
		s.logger.Debug().Str("url", rawURL).Err(err).Msg("Static fetch failed, escalating to browser")
	} else {
		s.logger.Debug().Str("url", rawURL).Msg("Static result looks client-rendered, escalating to browser")
	}

	browserResult, browserErr := s.browser.Fetch(ctx, rawURL, opts)
	if browserErr != nil {
		if err != nil {
			return nil, err
		}
		return nil, browserErr
	}
	browserResult.Metadata["strategy"] = s.Name()
	browserResult.Metadata["escalated"] = true
	return browserResult, nil
}

// NeedsRendering detects client-rendered shells: framework mount points
// with no visible text, or documents that are nearly all script
func NeedsRendering(html string) bool {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false
	}

	bodyText := strings.TrimSpace(doc.Find("body").Text())
	if len(bodyText) < 50 {
		return true
	}

	// Bare SPA mount points
	for _, sel := range []string{"#root", "#app", "#__next", "[data-reactroot]", "#ng-app"} {
		mount := doc.Find(sel).First()
		if mount.Length() > 0 && len(strings.TrimSpace(mount.Text())) < 20 {
			return true
		}
	}
	return false
}

// DetectFramework names the rendering framework a page was built with, or
// "" for plain HTML. Strategy selection keys success statistics by this.
func DetectFramework(html string) string {
	lower := strings.ToLower(html)
	switch {
	case strings.Contains(lower, "__next_data__") || strings.Contains(lower, "id=\"__next\""):
		return "nextjs"
	case strings.Contains(lower, "data-reactroot") || strings.Contains(lower, "react-dom"):
		return "react"
	case strings.Contains(lower, "ng-version") || strings.Contains(lower, "ng-app"):
		return "angular"
	case strings.Contains(lower, "data-v-app") || strings.Contains(lower, "vue"):
		return "vue"
	case strings.Contains(lower, "wp-content"):
		return "wordpress"
	default:
		return ""
	}
}
