package runner

import (
	"strings"

	"github.com/neboloop/nebochat/internal/agent/tools"
)

// --- Prompt section constants ---
// The reply format itself travels with each request as a response schema,
// so these sections stay valid for free-text summary requests too.

const sectionIdentity = `You are a friendly chat assistant. Answer the user directly and concisely. Use Markdown when it helps readability.`

const sectionWebAnalyser = `## Web pages

When the user shares a URL or asks about a specific web page, call the WebAnalyser tool with that URL before answering. It returns the page title, the og:image thumbnail and the description. Never guess what a page contains; if the tool returns an error, tell the user the page could not be read.`

const sectionMetadata = `## Page metadata

When your reply is about a page you analysed in this turn, copy the WebAnalyser result into the metadata field unchanged. Otherwise set metadata to null.`

// BuildInstructions assembles the session instructions. extra is appended
// verbatim when set; toolNames controls which tool sections are included.
func BuildInstructions(extra string, toolNames []string) string {
	sections := []string{sectionIdentity}

	for _, name := range toolNames {
		if name == tools.WebAnalyserName {
			sections = append(sections, sectionWebAnalyser, sectionMetadata)
			break
		}
	}

	if extra = strings.TrimSpace(extra); extra != "" {
		sections = append(sections, extra)
	}
	return strings.Join(sections, "\n\n")
}
