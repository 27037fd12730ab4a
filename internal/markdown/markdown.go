// Package markdown renders message content and whole transcripts to HTML.
package markdown

import (
	"bytes"
	"html/template"
	"net/url"
	"regexp"
	"time"

	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/neboloop/nebochat/internal/agent/session"
)

var md goldmark.Markdown

func init() {
	// Raw HTML stays escaped: message content comes from the model.
	md = goldmark.New(
		goldmark.WithExtensions(
			extension.GFM, // tables, strikethrough, autolinks, task lists
			highlighting.NewHighlighting(
				highlighting.WithStyle("monokai"),
			),
		),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
		goldmark.WithRendererOptions(
			html.WithHardWraps(),
		),
	)
}

// Render converts markdown content to HTML with GFM extensions, syntax
// highlighting and external links opened in a new tab.
func Render(content string) string {
	if content == "" {
		return ""
	}

	var buf bytes.Buffer
	if err := md.Convert([]byte(content), &buf); err != nil {
		return template.HTMLEscapeString(content)
	}
	return processExternalLinks(buf.String())
}

var linkRe = regexp.MustCompile(`<a href="(https?://[^"]*)"`)

func processExternalLinks(s string) string {
	return linkRe.ReplaceAllString(s, `$0 target="_blank" rel="noopener noreferrer"`)
}

type transcriptMessage struct {
	Role       string
	Status     string
	Time       string
	Body       template.HTML
	Attachment *session.Attachment
	Thumbnail  string
}

type transcriptPage struct {
	Title    string
	Summary  string
	Messages []transcriptMessage
}

var transcriptTmpl = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
<h1>{{.Title}}</h1>
{{- if .Summary}}
<p class="summary">{{.Summary}}</p>
{{- end}}
{{- range $m := .Messages}}
<article class="message {{.Role}} {{.Status}}">
<header><span class="role">{{.Role}}</span> <time>{{.Time}}</time></header>
<div class="content">{{.Body}}</div>
{{- with .Attachment}}
<aside class="attachment">
{{- if .Title}}<h3>{{.Title}}</h3>{{end}}
{{- if $m.Thumbnail}}<img src="{{$m.Thumbnail}}" alt="" loading="lazy">{{end}}
{{- if .Description}}<p>{{.Description}}</p>{{end}}
</aside>
{{- end}}
</article>
{{- end}}
</body>
</html>
`))

// Transcript renders a conversation as a standalone HTML document.
// Messages appear in timestamp order; streaming messages are included
// with their current content.
func Transcript(conv *session.Conversation) (string, error) {
	page := transcriptPage{Title: conv.Title, Summary: conv.Summary}
	if page.Title == "" {
		page.Title = "Conversation " + conv.ID
	}

	for _, m := range conv.Ordered() {
		tm := transcriptMessage{
			Role:   string(m.Role),
			Status: string(m.Status),
			Time:   m.CreatedAt.UTC().Format(time.RFC3339),
			Body:   template.HTML(Render(m.Content)),
		}
		if !m.Attachment.Empty() {
			att := *m.Attachment
			tm.Attachment = &att
			tm.Thumbnail = safeImageURL(att.Thumbnail)
		}
		page.Messages = append(page.Messages, tm)
	}

	var buf bytes.Buffer
	if err := transcriptTmpl.Execute(&buf, page); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// safeImageURL keeps only absolute http(s) URLs
func safeImageURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ""
	}
	return u.String()
}
