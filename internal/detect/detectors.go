package detect

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/atlascodex/atlas/internal/anchor"
	"github.com/atlascodex/atlas/internal/models"
)

// Hit is one detector match: an anchored value with a confidence score.
// Selectors stay out of hits; the anchor id is the only handle callers get.
type Hit struct {
	AnchorID   string
	Value      string
	Confidence float64
}

// Detector finds candidate values for one semantic role in an indexed page
type Detector interface {
	Name() string
	Detect(idx *anchor.Index) []Hit
}

// Registry maps detector names to implementations. Contracts reference
// detectors by these names.
type Registry struct {
	detectors map[string]Detector
}

// NewRegistry builds the full built-in detector set
func NewRegistry() *Registry {
	r := &Registry{detectors: make(map[string]Detector)}
	for _, d := range []Detector{
		&titleDetector{},
		&headingDetector{},
		&descriptionDetector{},
		&linkDetector{},
		&emailDetector{},
		&phoneDetector{},
		&priceDetector{},
		&dateDetector{},
		&imageDetector{},
		&labelValueDetector{},
		&listItemDetector{},
	} {
		r.detectors[d.Name()] = d
	}
	return r
}

// Get returns a detector by name
func (r *Registry) Get(name string) (Detector, bool) {
	d, ok := r.detectors[name]
	return d, ok
}

// Names returns all registered detector names
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.detectors))
	for name := range r.detectors {
		names = append(names, name)
	}
	return names
}

// DetectorsForType maps a field type to the detectors that usually find it.
// Contract generation uses this when the model abstains or omits detectors.
func DetectorsForType(ft models.FieldType) []string {
	switch ft {
	case models.FieldTypeEmail:
		return []string{"email"}
	case models.FieldTypePhone:
		return []string{"phone"}
	case models.FieldTypeURL:
		return []string{"link", "image"}
	case models.FieldTypeNumber:
		return []string{"price", "label_value"}
	case models.FieldTypeDate:
		return []string{"date", "label_value"}
	case models.FieldTypeRichText:
		return []string{"description"}
	default:
		return []string{"heading", "title", "label_value", "list_item"}
	}
}

// selectionHits runs a goquery selection, maps matched nodes back to anchor
// ids, and extracts a value per match
func selectionHits(idx *anchor.Index, sel *goquery.Selection, confidence float64, value func(*goquery.Selection) string) []Hit {
	var hits []Hit
	sel.Each(func(_ int, s *goquery.Selection) {
		if len(s.Nodes) == 0 {
			return
		}
		id, ok := idx.IDForNode(s.Nodes[0])
		if !ok {
			return
		}
		v := anchor.NormalizeText(value(s))
		if v == "" {
			return
		}
		hits = append(hits, Hit{AnchorID: id, Value: v, Confidence: confidence})
	})
	return hits
}

func textValue(s *goquery.Selection) string { return s.Text() }

type titleDetector struct{}

func (d *titleDetector) Name() string { return "title" }

func (d *titleDetector) Detect(idx *anchor.Index) []Hit {
	var hits []Hit
	hits = append(hits, selectionHits(idx, idx.Doc().Find("h1"), 0.9, textValue)...)
	hits = append(hits, selectionHits(idx, idx.Doc().Find(`[class*="title"], [id*="title"]`), 0.7, textValue)...)
	// og:title lives in head, which is not anchored; article titles win anyway
	return dedupeHits(hits)
}

type headingDetector struct{}

func (d *headingDetector) Name() string { return "heading" }

func (d *headingDetector) Detect(idx *anchor.Index) []Hit {
	var hits []Hit
	hits = append(hits, selectionHits(idx, idx.Doc().Find("h1, h2, h3"), 0.85, textValue)...)
	hits = append(hits, selectionHits(idx, idx.Doc().Find("h4, h5, h6, [role=heading]"), 0.6, textValue)...)
	return dedupeHits(hits)
}

type descriptionDetector struct{}

func (d *descriptionDetector) Name() string { return "description" }

func (d *descriptionDetector) Detect(idx *anchor.Index) []Hit {
	var hits []Hit
	hits = append(hits, selectionHits(idx, idx.Doc().Find(`[class*="desc"], [class*="summary"], [class*="bio"], [class*="about"]`), 0.8, textValue)...)
	// Substantial paragraphs as a weaker fallback
	para := selectionHits(idx, idx.Doc().Find("p"), 0.5, textValue)
	for _, h := range para {
		if len(h.Value) >= 40 {
			hits = append(hits, h)
		}
	}
	return dedupeHits(hits)
}

type linkDetector struct{}

func (d *linkDetector) Name() string { return "link" }

func (d *linkDetector) Detect(idx *anchor.Index) []Hit {
	return selectionHits(idx, idx.Doc().Find("a[href]"), 0.8, func(s *goquery.Selection) string {
		href, _ := s.Attr("href")
		if strings.HasPrefix(strings.ToLower(href), "javascript:") || strings.HasPrefix(href, "#") {
			return ""
		}
		return href
	})
}

var emailTextRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

type emailDetector struct{}

func (d *emailDetector) Name() string { return "email" }

func (d *emailDetector) Detect(idx *anchor.Index) []Hit {
	var hits []Hit
	hits = append(hits, selectionHits(idx, idx.Doc().Find(`a[href^="mailto:"]`), 0.95, func(s *goquery.Selection) string {
		href, _ := s.Attr("href")
		addr := strings.TrimPrefix(href, "mailto:")
		return strings.SplitN(addr, "?", 2)[0]
	})...)
	// Plain-text addresses: scan leaf-ish elements so the hit anchors tightly
	hits = append(hits, selectionHits(idx, idx.Doc().Find("span, td, li, p, div"), 0.7, func(s *goquery.Selection) string {
		if s.Children().Length() > 2 {
			return ""
		}
		return emailTextRe.FindString(s.Text())
	})...)
	return dedupeHits(hits)
}

var phoneRe = regexp.MustCompile(`(\+?\d{1,3}[\s.\-]?)?\(?\d{2,4}\)?[\s.\-]?\d{3,4}[\s.\-]?\d{3,4}`)

type phoneDetector struct{}

func (d *phoneDetector) Name() string { return "phone" }

func (d *phoneDetector) Detect(idx *anchor.Index) []Hit {
	var hits []Hit
	hits = append(hits, selectionHits(idx, idx.Doc().Find(`a[href^="tel:"]`), 0.95, func(s *goquery.Selection) string {
		href, _ := s.Attr("href")
		return strings.TrimPrefix(href, "tel:")
	})...)
	hits = append(hits, selectionHits(idx, idx.Doc().Find("span, td, li, p"), 0.6, func(s *goquery.Selection) string {
		if s.Children().Length() > 2 {
			return ""
		}
		m := phoneRe.FindString(s.Text())
		// Digit count filters out years and ids
		digits := 0
		for _, r := range m {
			if r >= '0' && r <= '9' {
				digits++
			}
		}
		if digits < 7 || digits > 15 {
			return ""
		}
		return m
	})...)
	return dedupeHits(hits)
}

var priceRe = regexp.MustCompile(`(?:[$€£¥]|USD|EUR|GBP)\s?\d{1,3}(?:[,.\s]\d{3})*(?:[.,]\d{1,2})?|\d{1,3}(?:[,.\s]\d{3})*(?:[.,]\d{1,2})?\s?(?:[$€£¥]|USD|EUR|GBP)`)

type priceDetector struct{}

func (d *priceDetector) Name() string { return "price" }

func (d *priceDetector) Detect(idx *anchor.Index) []Hit {
	var hits []Hit
	hits = append(hits, selectionHits(idx, idx.Doc().Find(`[class*="price"], [itemprop="price"], [data-price]`), 0.9, func(s *goquery.Selection) string {
		if v, ok := s.Attr("data-price"); ok && v != "" {
			return v
		}
		if v, ok := s.Attr("content"); ok && v != "" {
			return v
		}
		return s.Text()
	})...)
	hits = append(hits, selectionHits(idx, idx.Doc().Find("span, td, p, div, b, strong"), 0.6, func(s *goquery.Selection) string {
		if s.Children().Length() > 1 {
			return ""
		}
		return priceRe.FindString(s.Text())
	})...)
	return dedupeHits(hits)
}

var dateTextRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}|\d{1,2}[/.]\d{1,2}[/.]\d{2,4}|(?i)(?:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+\d{1,2},?\s+\d{4}`)

type dateDetector struct{}

func (d *dateDetector) Name() string { return "date" }

func (d *dateDetector) Detect(idx *anchor.Index) []Hit {
	var hits []Hit
	hits = append(hits, selectionHits(idx, idx.Doc().Find("time"), 0.95, func(s *goquery.Selection) string {
		if v, ok := s.Attr("datetime"); ok && v != "" {
			return v
		}
		return s.Text()
	})...)
	hits = append(hits, selectionHits(idx, idx.Doc().Find(`[class*="date"], [class*="published"], span, td`), 0.6, func(s *goquery.Selection) string {
		if s.Children().Length() > 1 {
			return ""
		}
		return dateTextRe.FindString(s.Text())
	})...)
	return dedupeHits(hits)
}

type imageDetector struct{}

func (d *imageDetector) Name() string { return "image" }

func (d *imageDetector) Detect(idx *anchor.Index) []Hit {
	return selectionHits(idx, idx.Doc().Find("img[src]"), 0.8, func(s *goquery.Selection) string {
		src, _ := s.Attr("src")
		if strings.HasPrefix(src, "data:") {
			return ""
		}
		return src
	})
}

// labelValueDetector finds definition-list and label:value pairs, reporting
// the value side anchored at the value element
type labelValueDetector struct{}

func (d *labelValueDetector) Name() string { return "label_value" }

func (d *labelValueDetector) Detect(idx *anchor.Index) []Hit {
	var hits []Hit
	hits = append(hits, selectionHits(idx, idx.Doc().Find("dd"), 0.85, textValue)...)
	// th/td rows: value is the second cell
	idx.Doc().Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("th, td")
		if cells.Length() != 2 {
			return
		}
		value := cells.Eq(1)
		if len(value.Nodes) == 0 {
			return
		}
		id, ok := idx.IDForNode(value.Nodes[0])
		if !ok {
			return
		}
		v := anchor.NormalizeText(value.Text())
		if v == "" {
			return
		}
		hits = append(hits, Hit{AnchorID: id, Value: v, Confidence: 0.8})
	})
	// "Label: value" spans
	hits = append(hits, selectionHits(idx, idx.Doc().Find("li, p, span"), 0.5, func(s *goquery.Selection) string {
		text := anchor.NormalizeText(s.Text())
		i := strings.Index(text, ":")
		if i <= 0 || i > 40 || i == len(text)-1 {
			return ""
		}
		return strings.TrimSpace(text[i+1:])
	})...)
	return dedupeHits(hits)
}

type listItemDetector struct{}

func (d *listItemDetector) Name() string { return "list_item" }

func (d *listItemDetector) Detect(idx *anchor.Index) []Hit {
	return selectionHits(idx, idx.Doc().Find("li"), 0.7, textValue)
}

// dedupeHits keeps the highest-confidence hit per anchor
func dedupeHits(hits []Hit) []Hit {
	best := make(map[string]int)
	var out []Hit
	for _, h := range hits {
		if i, ok := best[h.AnchorID]; ok {
			if h.Confidence > out[i].Confidence {
				out[i] = h
			}
			continue
		}
		best[h.AnchorID] = len(out)
		out = append(out, h)
	}
	return out
}
