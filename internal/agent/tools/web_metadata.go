package tools

import (
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/net/html/charset"

	"github.com/neboloop/nebochat/internal/agent/ai"
)

// pageMeta is what a single pass over the document collects. The title
// comes from <title> and the description from meta name=description only;
// og:title and og:description are ignored.
type pageMeta struct {
	title       string
	description string
	image       string
}

// ExtractMetadata reads an HTML document in the declared charset and returns
// its title, preview image and description. base resolves a relative
// og:image; missing fields are left empty.
func ExtractMetadata(body io.Reader, contentType string, base *url.URL) (ai.WebPageMetadata, error) {
	r, err := charset.NewReader(body, contentType)
	if err != nil {
		return ai.WebPageMetadata{}, err
	}
	doc, err := html.Parse(r)
	if err != nil {
		return ai.WebPageMetadata{}, err
	}

	var m pageMeta
	collectMeta(doc, &m)

	out := ai.WebPageMetadata{Title: m.title}
	if m.description != "" {
		desc := m.description
		out.Description = &desc
	}

	if m.image != "" {
		thumb := resolveURL(base, m.image)
		out.Thumbnail = &thumb
	}
	return out, nil
}

func collectMeta(n *html.Node, m *pageMeta) {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Title:
			if m.title == "" {
				m.title = collapseSpace(nodeText(n))
			}
		case atom.Meta:
			content := strings.TrimSpace(getAttr(n, "content"))
			if content == "" {
				break
			}
			key := strings.ToLower(getAttr(n, "property"))
			if key == "" {
				key = strings.ToLower(getAttr(n, "name"))
			}
			switch key {
			case "og:image", "og:image:url", "og:image:secure_url":
				if m.image == "" {
					m.image = content
				}
			case "description":
				if m.description == "" {
					m.description = content
				}
			}
		case atom.Svg:
			// <title> inside inline SVG is not the page title
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectMeta(c, m)
	}
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func resolveURL(base *url.URL, ref string) string {
	u, err := url.Parse(ref)
	if err != nil || base == nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

func getAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}
