package markdown

import (
	"strings"
	"testing"
	"time"

	"github.com/neboloop/nebochat/internal/agent/session"
)

func TestRenderEmpty(t *testing.T) {
	if got := Render(""); got != "" {
		t.Errorf("Render(\"\") = %q, want \"\"", got)
	}
}

func TestRenderBasicMarkdown(t *testing.T) {
	html := Render("**bold** and *italic*")
	if !strings.Contains(html, "<strong>bold</strong>") {
		t.Errorf("Expected <strong>bold</strong>, got: %s", html)
	}
	if !strings.Contains(html, "<em>italic</em>") {
		t.Errorf("Expected <em>italic</em>, got: %s", html)
	}
}

func TestRenderGFMTable(t *testing.T) {
	html := Render("| A | B |\n|---|---|\n| 1 | 2 |")
	if !strings.Contains(html, "<table>") {
		t.Errorf("Expected table HTML, got: %s", html)
	}
}

func TestRenderCodeBlock(t *testing.T) {
	html := Render("```go\nfunc main() {}\n```")
	if !strings.Contains(html, "<pre") {
		t.Errorf("Expected <pre> block, got: %s", html)
	}
}

func TestRenderExternalLinks(t *testing.T) {
	html := Render("[Example](https://example.com)")
	if !strings.Contains(html, `target="_blank" rel="noopener noreferrer"`) {
		t.Errorf("Expected new-tab attributes on external link, got: %s", html)
	}

	html = Render("[page](/about)")
	if strings.Contains(html, `target="_blank"`) {
		t.Errorf("Internal link should NOT have target=_blank, got: %s", html)
	}
}

func TestRenderDropsRawHTML(t *testing.T) {
	html := Render("hi <script>alert(1)</script>")
	if strings.Contains(html, "<script>") {
		t.Errorf("raw HTML must not pass through, got: %s", html)
	}
}

func TestRenderHardWraps(t *testing.T) {
	html := Render("line1\nline2")
	if !strings.Contains(html, "<br") {
		t.Errorf("Expected hard wrap <br>, got: %s", html)
	}
}

func TestTranscript(t *testing.T) {
	conv := session.NewConversation("Lisbon <trip>")
	conv.Summary = "Planning a weekend in Lisbon."

	reply := session.NewMessage(conv.ID, session.RoleAssistant, "That page is **Visit Lisbon**.")
	reply.CreatedAt = time.Date(2026, 1, 1, 10, 0, 1, 0, time.UTC)
	reply.Attachment = &session.Attachment{
		Title:     "Visit Lisbon",
		Thumbnail: "https://example.com/lisbon.jpg",
	}
	user := session.NewMessage(conv.ID, session.RoleUser, "what is https://example.com/lisbon")
	user.CreatedAt = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	// stored out of order on purpose
	conv.Messages = []*session.Message{reply, user}

	out, err := Transcript(conv)
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}

	if !strings.Contains(out, "<title>Lisbon &lt;trip&gt;</title>") {
		t.Errorf("title not escaped: %s", out)
	}
	if !strings.Contains(out, `<p class="summary">Planning a weekend in Lisbon.</p>`) {
		t.Errorf("summary missing: %s", out)
	}
	if !strings.Contains(out, "<strong>Visit Lisbon</strong>") {
		t.Errorf("content not rendered as markdown: %s", out)
	}
	if !strings.Contains(out, `<img src="https://example.com/lisbon.jpg"`) {
		t.Errorf("thumbnail missing: %s", out)
	}
	if strings.Index(out, `class="message user`) > strings.Index(out, `class="message assistant`) {
		t.Errorf("messages not in timestamp order: %s", out)
	}
}

func TestTranscriptRejectsScriptThumbnails(t *testing.T) {
	conv := session.NewConversation("")
	msg := session.NewMessage(conv.ID, session.RoleAssistant, "x")
	msg.Attachment = &session.Attachment{Title: "T", Thumbnail: "javascript:alert(1)"}
	conv.Append(msg)

	out, err := Transcript(conv)
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if strings.Contains(out, "<img") {
		t.Errorf("unsafe thumbnail rendered: %s", out)
	}
	if !strings.Contains(out, "<h1>Conversation "+conv.ID+"</h1>") {
		t.Errorf("expected fallback title: %s", out)
	}
}
