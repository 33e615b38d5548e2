// Package feed parses RSS 2.0, RSS 1.0 (RDF) and Atom documents into a
// flat list of entry candidates. Parsing is deliberately forgiving:
// namespaces are ignored and element matching happens on local names only,
// because real-world feeds mix prefixes and omit declarations freely.
package feed

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html/charset"
)

// Entry is one feed item before URL normalization and filtering.
type Entry struct {
	Link      string
	Title     string
	Published string // raw timestamp text, pubDate/date or published/updated
}

// node is a minimal element tree, enough to walk a feed the way a DOM
// parser would.
type node struct {
	name     string
	attrs    []xml.Attr
	text     strings.Builder
	children []*node
}

func (n *node) attr(name string) string {
	for _, a := range n.attrs {
		if strings.EqualFold(a.Name.Local, name) {
			return strings.TrimSpace(a.Value)
		}
	}
	return ""
}

// firstChildText returns the trimmed text of the first direct child with
// the given local name.
func (n *node) firstChildText(name string) string {
	for _, child := range n.children {
		if child.name == name {
			return strings.TrimSpace(child.text.String())
		}
	}
	return ""
}

func (n *node) anyDescendant(name string) bool {
	for _, child := range n.children {
		if child.name == name || child.anyDescendant(name) {
			return true
		}
	}
	return false
}

// Parse reads a feed document and returns its entries in document order.
// Byte-order marks and non-UTF-8 encodings declared in the XML prologue
// are handled transparently.
func Parse(r io.Reader) ([]Entry, error) {
	decoder := xml.NewDecoder(r)
	decoder.CharsetReader = charset.NewReaderLabel
	decoder.Strict = false

	root, err := buildTree(decoder)
	if err != nil {
		return nil, fmt.Errorf("parsing feed XML: %w", err)
	}
	if root == nil {
		return nil, fmt.Errorf("parsing feed XML: document has no root element")
	}

	switch root.name {
	case "rss", "rdf":
		return parseRSS(root), nil
	case "feed":
		return parseAtom(root), nil
	}
	// Unrecognized root: decide by which entry shape appears anywhere.
	if root.anyDescendant("item") {
		return parseRSS(root), nil
	}
	if root.anyDescendant("entry") {
		return parseAtom(root), nil
	}
	return nil, nil
}

// ParseString is Parse over an in-memory document.
func ParseString(document string) ([]Entry, error) {
	return Parse(strings.NewReader(document))
}

func buildTree(decoder *xml.Decoder) (*node, error) {
	var root *node
	var stack []*node

	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := token.(type) {
		case xml.StartElement:
			n := &node{name: strings.ToLower(t.Name.Local), attrs: t.Attr}
			if len(stack) == 0 {
				if root != nil {
					return root, nil
				}
				root = n
			} else {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, n)
			}
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text.Write(t)
			}
		}
	}
	return root, nil
}

func parseRSS(root *node) []Entry {
	channel := root
	for _, child := range root.children {
		if child.name == "channel" {
			channel = child
			break
		}
	}

	entries := collectRSSItems(channel)
	if len(entries) == 0 && channel != root {
		// RSS 1.0 places items as siblings of <channel> under the root.
		entries = collectRSSItems(root)
	}
	return entries
}

func collectRSSItems(parent *node) []Entry {
	var entries []Entry
	for _, item := range parent.children {
		if item.name != "item" {
			continue
		}
		link := item.firstChildText("link")
		if link == "" {
			continue
		}
		published := item.firstChildText("pubdate")
		if published == "" {
			published = item.firstChildText("date")
		}
		entries = append(entries, Entry{
			Link:      link,
			Title:     item.firstChildText("title"),
			Published: published,
		})
	}
	return entries
}

func parseAtom(root *node) []Entry {
	var entries []Entry
	for _, entry := range root.children {
		if entry.name != "entry" {
			continue
		}

		var link string
		for _, child := range entry.children {
			if child.name != "link" {
				continue
			}
			href := child.attr("href")
			if href == "" {
				continue
			}
			rel := strings.ToLower(child.attr("rel"))
			if rel == "" || rel == "alternate" {
				link = href
				break
			}
			if link == "" {
				link = href
			}
		}
		if link == "" {
			continue
		}

		published := entry.firstChildText("published")
		if published == "" {
			published = entry.firstChildText("updated")
		}
		entries = append(entries, Entry{
			Link:      link,
			Title:     entry.firstChildText("title"),
			Published: published,
		})
	}
	return entries
}
