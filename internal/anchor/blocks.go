package anchor

import (
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"
	"golang.org/x/net/html"
)

// HasContentBlocks reports whether a document yields at least one detected
// repeating block. The acquisition chain uses it to decide whether fetched
// HTML counts as a valid strategy result.
func HasContentBlocks(rawHTML string, logger arbor.ILogger) bool {
	idx, err := Build(rawHTML, logger)
	if err != nil {
		return false
	}
	return len(idx.Blocks()) > 0
}

// minGroupSize is the smallest sibling group that can form blocks
const minGroupSize = 2

// childTagJaccard is the similarity floor for sibling child-tag sets
const childTagJaccard = 0.8

// detectBlocks finds repeated containers by sibling-group heuristics: sets
// of >= 2 siblings with the same tag, overlapping class prefixes, and
// similar immediate child tag sets. Each qualifying sibling becomes a block
// root; outermost assignment wins for nested groups.
func (idx *Index) detectBlocks() {
	blockCounter := 0

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode || n.Type == html.DocumentNode {
			groups := siblingGroups(n)
			for _, group := range groups {
				for _, member := range similarMembers(group) {
					rootID, ok := idx.idOf[member]
					if !ok {
						continue
					}
					if _, assigned := idx.blockOf[rootID]; assigned {
						continue
					}
					blockID := fmt.Sprintf("b_%d", blockCounter)
					blockCounter++
					idx.blockOrder = append(idx.blockOrder, blockID)
					idx.assignBlock(member, blockID)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, root := range idx.doc.Nodes {
		walk(root)
	}
}

// assignBlock marks a block root and all its descendants as members
func (idx *Index) assignBlock(root *html.Node, blockID string) {
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if id, ok := idx.idOf[n]; ok {
			if _, assigned := idx.blockOf[id]; !assigned {
				idx.blockOf[id] = blockID
				idx.blockMembers[blockID] = append(idx.blockMembers[blockID], id)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
}

// siblingGroups partitions a parent's element children by tag
func siblingGroups(parent *html.Node) [][]*html.Node {
	byTag := make(map[string][]*html.Node)
	var tags []string
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		tag := strings.ToLower(c.Data)
		if skippedTags[tag] {
			continue
		}
		if _, seen := byTag[tag]; !seen {
			tags = append(tags, tag)
		}
		byTag[tag] = append(byTag[tag], c)
	}

	var groups [][]*html.Node
	for _, tag := range tags {
		if len(byTag[tag]) >= minGroupSize {
			groups = append(groups, byTag[tag])
		}
	}
	return groups
}

// similarMembers returns the largest subset of a sibling group passing the
// class-prefix and child-structure heuristics against a common reference
// member. A list header or trailing "see all" item excludes itself, not the
// rest of the group.
func similarMembers(group []*html.Node) []*html.Node {
	if len(group) < minGroupSize {
		return nil
	}

	var best []*html.Node
	for _, ref := range group {
		refClasses := classTokens(ref)
		refChildren := childTagSet(ref)

		var members []*html.Node
		for _, member := range group {
			if member != ref {
				if !classesOverlap(refClasses, classTokens(member)) {
					continue
				}
				if jaccard(refChildren, childTagSet(member)) < childTagJaccard {
					continue
				}
			}
			members = append(members, member)
		}
		if len(members) > len(best) {
			best = members
		}
	}

	if len(best) < minGroupSize {
		return nil
	}
	return best
}

func classTokens(n *html.Node) []string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, "class") {
			return strings.Fields(a.Val)
		}
	}
	return nil
}

// classesOverlap: members share a class token or a common prefix of at
// least 3 characters; two classless members also qualify
func classesOverlap(a, b []string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	for _, ca := range a {
		for _, cb := range b {
			if ca == cb {
				return true
			}
			if len(ca) >= 3 && len(cb) >= 3 && ca[:3] == cb[:3] {
				return true
			}
		}
	}
	return false
}

func childTagSet(n *html.Node) map[string]bool {
	set := make(map[string]bool)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			set[strings.ToLower(c.Data)] = true
		}
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	intersection := 0
	for k := range a {
		if b[k] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 1.0
	}
	return float64(intersection) / float64(union)
}
