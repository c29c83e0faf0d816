package anchor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/html"
)

// Tags whose subtrees never contribute content
var skippedTags = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
	"iframe":   true,
}

// Attribute names that are volatile across renders and must not affect the
// content hash
var volatileAttrs = map[string]bool{
	"nonce":               true,
	"data-timestamp":      true,
	"data-ts":             true,
	"data-reactid":        true,
	"data-react-checksum": true,
	"data-v-app":          true,
	"csrf-token":          true,
	"data-csrf":           true,
}

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	// Auto-generated identifiers: uuids, long digit runs, framework suffixes
	autoGenValueRe = regexp.MustCompile(`(?i)([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}|\d{8,})`)
)

// Normalize produces the canonical DOM serialization used for content
// hashing: comments removed, script/style subtrees removed, whitespace
// collapsed, attributes sorted, volatile attributes stripped. The operation
// is idempotent: Normalize(Normalize(h)) == Normalize(h).
func Normalize(rawHTML string) (string, error) {
	root, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML for normalization: %w", err)
	}

	var b strings.Builder
	normalizeNode(&b, root)
	return b.String(), nil
}

// ContentHash returns the sha-256 hex digest of the normalized serialization
// together with the normalized form itself. Two renders differing only in
// volatile fields yield the same hash.
func ContentHash(rawHTML string) (string, string, error) {
	normalized, err := Normalize(rawHTML)
	if err != nil {
		return "", "", err
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:]), normalized, nil
}

func normalizeNode(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.CommentNode:
		return
	case html.TextNode:
		text := strings.TrimSpace(whitespaceRe.ReplaceAllString(n.Data, " "))
		if text != "" {
			b.WriteString(html.EscapeString(text))
		}
		return
	case html.ElementNode:
		tag := strings.ToLower(n.Data)
		if skippedTags[tag] {
			return
		}
		b.WriteByte('<')
		b.WriteString(tag)
		writeNormalizedAttrs(b, n.Attr)
		b.WriteByte('>')
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			normalizeNode(b, c)
		}
		b.WriteString("</")
		b.WriteString(tag)
		b.WriteByte('>')
		return
	default:
		// Document and doctype nodes: descend without emitting
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			normalizeNode(b, c)
		}
	}
}

func writeNormalizedAttrs(b *strings.Builder, attrs []html.Attribute) {
	kept := make([]html.Attribute, 0, len(attrs))
	for _, a := range attrs {
		key := strings.ToLower(a.Key)
		if volatileAttrs[key] {
			continue
		}
		// Auto-generated ids and anchors defeat content addressing
		if (key == "id" || key == "name") && autoGenValueRe.MatchString(a.Val) {
			continue
		}
		kept = append(kept, html.Attribute{Key: key, Val: a.Val})
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Key < kept[j].Key })

	for _, a := range kept {
		b.WriteByte(' ')
		b.WriteString(a.Key)
		b.WriteString(`="`)
		b.WriteString(html.EscapeString(a.Val))
		b.WriteByte('"')
	}
}

// NormalizeText collapses whitespace in a text value for comparison and
// deduplication
func NormalizeText(text string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))
}
