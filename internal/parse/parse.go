// Package parse extracts links and metadata from HTML documents.
package parse

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// Page contains the data extracted from one HTML document.
type Page struct {
	// Title tag content
	Title string

	// Meta description
	MetaDescription string

	// Meta robots content
	MetaRobots string

	// Canonical URL (resolved)
	Canonical string

	// Base URL if <base> tag present
	BaseURL string

	// Language from html lang attribute
	Language string

	// First-level headings
	H1 []string

	// Anchors found on the page
	Links []Link

	// Open Graph properties (og:*)
	OpenGraph map[string]string

	// Remaining meta tags by name, plus article:* properties
	MetaTags map[string]string

	// Word count of visible text
	WordCount int

	// Visible text (for signatures)
	TextContent string
}

// Link is one anchor found on a page.
type Link struct {
	URL      string
	Text     string // anchor text
	Rel      string // rel attribute
	NoFollow bool   // rel contains nofollow
}

// Parser parses HTML content relative to a base URL.
type Parser struct {
	baseURL *url.URL
}

// NewParser creates a parser resolving relative links against baseURL.
func NewParser(baseURL string) (*Parser, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	return &Parser{baseURL: u}, nil
}

// Parse walks the document once and extracts page data.
func (p *Parser) Parse(content []byte) (*Page, error) {
	doc, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		return nil, err
	}

	page := &Page{
		H1:        make([]string, 0),
		Links:     make([]Link, 0),
		OpenGraph: make(map[string]string),
		MetaTags:  make(map[string]string),
	}

	var textBuilder strings.Builder
	p.traverse(doc, page, &textBuilder)

	page.TextContent = textBuilder.String()
	page.WordCount = len(strings.Fields(page.TextContent))

	return page, nil
}

// traverse recursively walks the HTML tree.
func (p *Parser) traverse(n *html.Node, page *Page, textBuilder *strings.Builder) {
	if n.Type == html.ElementNode {
		switch n.Data {
		case "html":
			page.Language = getAttr(n, "lang")

		case "base":
			if href := getAttr(n, "href"); href != "" {
				page.BaseURL = href
				if u, err := url.Parse(href); err == nil {
					p.baseURL = p.baseURL.ResolveReference(u)
				}
			}

		case "title":
			if page.Title == "" {
				page.Title = strings.TrimSpace(getTextContent(n))
			}

		case "meta":
			p.parseMeta(n, page)

		case "link":
			if strings.ToLower(getAttr(n, "rel")) == "canonical" {
				page.Canonical = p.resolveURL(getAttr(n, "href"))
			}

		case "a":
			link := p.parseAnchor(n)
			if link.URL != "" {
				page.Links = append(page.Links, link)
			}

		case "h1":
			text := strings.TrimSpace(getTextContent(n))
			if text != "" {
				page.H1 = append(page.H1, text)
			}
		}
	}

	// Collect text content (skip script/style)
	if n.Type == html.TextNode {
		parent := n.Parent
		if parent != nil && parent.Data != "script" && parent.Data != "style" {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				textBuilder.WriteString(text)
				textBuilder.WriteString(" ")
			}
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		p.traverse(c, page, textBuilder)
	}
}

// parseMeta parses a meta tag.
func (p *Parser) parseMeta(n *html.Node, page *Page) {
	name := strings.ToLower(getAttr(n, "name"))
	property := strings.ToLower(getAttr(n, "property"))
	content := getAttr(n, "content")

	switch {
	case name == "description":
		page.MetaDescription = content
	case name == "robots":
		page.MetaRobots = content
	case strings.HasPrefix(property, "og:"):
		page.OpenGraph[property] = content
	case strings.HasPrefix(property, "article:"):
		page.MetaTags[property] = content
	default:
		if name != "" {
			page.MetaTags[name] = content
		}
	}
}

// parseAnchor parses an anchor tag.
func (p *Parser) parseAnchor(n *html.Node) Link {
	href := getAttr(n, "href")
	rel := strings.ToLower(getAttr(n, "rel"))

	// Skip empty, javascript:, mailto:, tel: and fragment links
	if href == "" || strings.HasPrefix(href, "javascript:") ||
		strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "tel:") ||
		strings.HasPrefix(href, "#") {
		return Link{}
	}

	return Link{
		URL:      p.resolveURL(href),
		Text:     strings.TrimSpace(getTextContent(n)),
		Rel:      rel,
		NoFollow: strings.Contains(rel, "nofollow"),
	}
}

// resolveURL resolves a relative URL against the base URL.
func (p *Parser) resolveURL(href string) string {
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return p.baseURL.ResolveReference(ref).String()
}

func getAttr(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

func getTextContent(n *html.Node) string {
	var buf bytes.Buffer
	collectText(n, &buf)
	return buf.String()
}

func collectText(n *html.Node, buf *bytes.Buffer) {
	if n.Type == html.TextNode {
		buf.WriteString(n.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, buf)
	}
}

// ParseHTML parses content relative to baseURL in one call.
func ParseHTML(baseURL string, content []byte) (*Page, error) {
	p, err := NewParser(baseURL)
	if err != nil {
		return nil, err
	}
	return p.Parse(content)
}
