package contract

import (
	"strings"
	"sync"

	md "github.com/JohannesKaufmann/html-to-markdown"

	"github.com/atlascodex/atlas/internal/anchor"
)

// maxOverviewLength bounds the markdown overview in the generator prompt
const maxOverviewLength = 1500

var (
	converterOnce sync.Once
	converter     *md.Converter
)

func markdownConverter() *md.Converter {
	converterOnce.Do(func() {
		converter = md.NewConverter("", true, nil)
	})
	return converter
}

// pageOverview renders the page body as markdown for the generator prompt.
// Markdown keeps the structure the model needs (headings, lists, links)
// while stripping the markup noise that burns tokens. Returns "" when the
// page cannot be rendered; the prompt then carries samples only.
func pageOverview(idx *anchor.Index) string {
	body, err := idx.Doc().Find("body").Html()
	if err != nil || strings.TrimSpace(body) == "" {
		return ""
	}

	markdown, err := markdownConverter().ConvertString(body)
	if err != nil {
		return ""
	}

	markdown = strings.TrimSpace(markdown)
	if len(markdown) > maxOverviewLength {
		cut := markdown[:maxOverviewLength]
		if nl := strings.LastIndexByte(cut, '\n'); nl > maxOverviewLength/2 {
			cut = cut[:nl]
		}
		markdown = cut
	}
	return markdown
}
