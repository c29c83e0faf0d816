package anchor

import (
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
	"golang.org/x/net/html"

	"github.com/atlascodex/atlas/internal/models"
)

// MaxSampleLength bounds the text sample attached to each anchor
const MaxSampleLength = 200

var emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

// entry holds everything the index knows about one anchored node. Node
// handles never leave this package; callers see only opaque ids.
type entry struct {
	node     *html.Node
	selector string
	text     string
	textHash string
}

// Sample is a representative anchor handed to the model: id plus a short
// text excerpt, never a selector.
type Sample struct {
	AnchorID string `json:"anchor_id"`
	BlockID  string `json:"block_id,omitempty"`
	Text     string `json:"text"`
}

// Index is the per-job map from opaque anchor ids to DOM nodes. Identifiers
// are stable for a given DOM: assignment is a depth-first numbering that
// skips non-content nodes. The index is owned by its job and destroyed with
// it.
type Index struct {
	doc          *goquery.Document
	byID         map[string]*entry
	idOf         map[*html.Node]string
	order        []string
	blockOf      map[string]string
	blockMembers map[string][]string
	blockOrder   []string
	logger       arbor.ILogger
}

// Build parses HTML and assigns every content element an opaque id of the
// form n_<int>. Blocks are detected by sibling-structure similarity.
func Build(rawHTML string, logger arbor.ILogger) (*Index, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML for anchor index: %w", err)
	}

	idx := &Index{
		doc:          doc,
		byID:         make(map[string]*entry),
		idOf:         make(map[*html.Node]string),
		blockOf:      make(map[string]string),
		blockMembers: make(map[string][]string),
		logger:       logger,
	}

	counter := 0
	var assign func(n *html.Node)
	assign = func(n *html.Node) {
		if n.Type == html.CommentNode {
			return
		}
		if n.Type == html.ElementNode {
			tag := strings.ToLower(n.Data)
			if skippedTags[tag] || tag == "head" {
				return
			}
			id := fmt.Sprintf("n_%d", counter)
			counter++
			text := truncate(NormalizeText(nodeText(n)), MaxSampleLength)
			idx.byID[id] = &entry{
				node:     n,
				selector: canonicalSelector(n),
				text:     text,
				textHash: models.HashText(text),
			}
			idx.idOf[n] = id
			idx.order = append(idx.order, id)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			assign(c)
		}
	}
	for _, root := range doc.Nodes {
		assign(root)
	}

	idx.detectBlocks()

	logger.Debug().
		Int("anchors", len(idx.order)).
		Int("blocks", len(idx.blockMembers)).
		Msg("Anchor index built")

	return idx, nil
}

// Lookup reports whether an id resolves to a node
func (idx *Index) Lookup(id string) bool {
	_, ok := idx.byID[id]
	return ok
}

// TextOf returns the short normalized text sample for an anchor
func (idx *Index) TextOf(id string) (string, error) {
	e, ok := idx.byID[id]
	if !ok {
		return "", fmt.Errorf("anchor %s not found", id)
	}
	return e.text, nil
}

// TextHashOf returns the sha-256 of the anchor's text sample
func (idx *Index) TextHashOf(id string) (string, error) {
	e, ok := idx.byID[id]
	if !ok {
		return "", fmt.Errorf("anchor %s not found", id)
	}
	return e.textHash, nil
}

// selectorOf returns the canonical selector for an anchor. Unexported:
// selectors never cross the package boundary except through evidence
// records, which are internal audit detail.
func (idx *Index) selectorOf(id string) (string, error) {
	e, ok := idx.byID[id]
	if !ok {
		return "", fmt.Errorf("anchor %s not found", id)
	}
	return e.selector, nil
}

// EvidenceSelector exposes the canonical selector for audit records only.
// The value must never be sent to the model or returned to callers.
func (idx *Index) EvidenceSelector(id string) string {
	s, err := idx.selectorOf(id)
	if err != nil {
		return ""
	}
	return s
}

// ReExtract re-runs the canonical typed extractor for an anchor. It is the
// cross-check applied to every model-proposed value: a mismatch here means
// the claim is not anchored.
func (idx *Index) ReExtract(id string, fieldType models.FieldType) (string, error) {
	e, ok := idx.byID[id]
	if !ok {
		return "", fmt.Errorf("anchor %s not found", id)
	}

	full := NormalizeText(nodeText(e.node))

	switch fieldType {
	case models.FieldTypeEmail:
		if v := extractEmail(e.node, full); v != "" {
			return v, nil
		}
		return "", fmt.Errorf("no email at anchor %s", id)
	case models.FieldTypeURL:
		if v := extractHref(e.node); v != "" {
			return v, nil
		}
		return "", fmt.Errorf("no url at anchor %s", id)
	default:
		if full == "" {
			return "", fmt.Errorf("no text at anchor %s", id)
		}
		return full, nil
	}
}

// FullTextOf returns the complete normalized text of an anchor's subtree,
// used when assembling richtext values
func (idx *Index) FullTextOf(id string) (string, error) {
	e, ok := idx.byID[id]
	if !ok {
		return "", fmt.Errorf("anchor %s not found", id)
	}
	return NormalizeText(nodeText(e.node)), nil
}

// IDForNode maps a DOM node back to its anchor id. Detectors use this to
// report hits without ever handing nodes to callers.
func (idx *Index) IDForNode(n *html.Node) (string, bool) {
	id, ok := idx.idOf[n]
	return id, ok
}

// Doc exposes the parsed document for detector CSS queries. The document
// stays inside the process; callers translate matches back into anchor ids
// via IDForNode.
func (idx *Index) Doc() *goquery.Document {
	return idx.doc
}

// BlockOf returns the block id containing an anchor, if any
func (idx *Index) BlockOf(id string) (string, bool) {
	block, ok := idx.blockOf[id]
	return block, ok
}

// BlockMap returns a copy of the anchor-to-block mapping
func (idx *Index) BlockMap() map[string]string {
	out := make(map[string]string, len(idx.blockOf))
	for k, v := range idx.blockOf {
		out[k] = v
	}
	return out
}

// Blocks returns block ids in detection order
func (idx *Index) Blocks() []string {
	return append([]string{}, idx.blockOrder...)
}

// BlockRoot returns the anchor id of a block's root element
func (idx *Index) BlockRoot(blockID string) (string, bool) {
	members, ok := idx.blockMembers[blockID]
	if !ok || len(members) == 0 {
		return "", false
	}
	return members[0], true
}

// BlockAnchors returns the anchor ids inside a block, root first
func (idx *Index) BlockAnchors(blockID string) []string {
	return append([]string{}, idx.blockMembers[blockID]...)
}

// Size returns the number of anchored nodes
func (idx *Index) Size() int {
	return len(idx.order)
}

// AnchorIDs returns all ids in depth-first order
func (idx *Index) AnchorIDs() []string {
	return append([]string{}, idx.order...)
}

// nodeText collects the text content of a subtree, skipping non-content
// tags
func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
			return
		}
		if n.Type == html.ElementNode && skippedTags[strings.ToLower(n.Data)] {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// canonicalSelector builds a positional CSS path for a node
func canonicalSelector(n *html.Node) string {
	var parts []string
	for cur := n; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		tag := strings.ToLower(cur.Data)
		pos := 1
		for sib := cur.PrevSibling; sib != nil; sib = sib.PrevSibling {
			if sib.Type == html.ElementNode && strings.EqualFold(sib.Data, cur.Data) {
				pos++
			}
		}
		parts = append([]string{fmt.Sprintf("%s:nth-of-type(%d)", tag, pos)}, parts...)
		if cur.Parent != nil && cur.Parent.Type != html.ElementNode {
			break
		}
	}
	return strings.Join(parts, " > ")
}

func extractEmail(n *html.Node, text string) string {
	// mailto links are authoritative when present
	var mailto string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if mailto != "" {
			return
		}
		if n.Type == html.ElementNode && strings.EqualFold(n.Data, "a") {
			for _, a := range n.Attr {
				if strings.EqualFold(a.Key, "href") && strings.HasPrefix(strings.ToLower(a.Val), "mailto:") {
					mailto = strings.TrimPrefix(a.Val, "mailto:")
					mailto = strings.SplitN(mailto, "?", 2)[0]
					return
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	if mailto != "" {
		if _, err := mail.ParseAddress(mailto); err == nil {
			return mailto
		}
	}
	return emailRe.FindString(text)
}

func extractHref(n *html.Node) string {
	var href string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if href != "" {
			return
		}
		if n.Type == html.ElementNode && (strings.EqualFold(n.Data, "a") || strings.EqualFold(n.Data, "link")) {
			for _, a := range n.Attr {
				if strings.EqualFold(a.Key, "href") {
					if u, err := url.Parse(a.Val); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
						href = a.Val
						return
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return href
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
