package ai

import (
	"encoding/json"
	"strings"
)

// WebPageMetadata is what the WebAnalyser tool extracts from a page
type WebPageMetadata struct {
	Title       string  `json:"title"`
	Thumbnail   *string `json:"thumbnail"`
	Description *string `json:"description"`
}

// StructuredMessage is the response contract requested from the backend.
// Fields are copied onto the stored message as they stream in.
type StructuredMessage struct {
	Role     string           `json:"role"`
	Content  string           `json:"content"`
	Metadata *WebPageMetadata `json:"metadata"`
}

// WebPageMetadataSchema is the JSON schema of WebPageMetadata
var WebPageMetadataSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "title": {"type": "string", "description": "Page title from the <title> element"},
    "thumbnail": {"type": ["string", "null"], "description": "URL from the og:image meta element"},
    "description": {"type": ["string", "null"], "description": "Content of the description meta element"}
  },
  "required": ["title", "thumbnail", "description"],
  "additionalProperties": false
}`)

// StructuredMessageSchema describes the assistant reply shape
var StructuredMessageSchema = &ResponseSchema{
	Name:        "StructuredMessage",
	Description: "An assistant chat reply, optionally carrying metadata about a web page analysed with the WebAnalyser tool",
	Schema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "role": {"type": "string", "enum": ["assistant"]},
    "content": {"type": "string", "description": "The reply shown to the user"},
    "metadata": {
      "anyOf": [
        {"type": "null"},
        ` + indent(string(WebPageMetadataSchema), "        ") + `
      ],
      "description": "WebAnalyser result for a URL the user shared, otherwise null"
    }
  },
  "required": ["role", "content", "metadata"],
  "additionalProperties": false
}`),
}

func indent(s, prefix string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), "\n", "\n"+prefix)
}

// DecodePartial decodes the cumulative raw output of a structured generation.
// It returns false until the output contains the start of a JSON object.
func DecodePartial(raw string) (StructuredMessage, bool) {
	var msg StructuredMessage
	doc, _ := RepairPartialJSON(raw)
	if doc == "" {
		return msg, false
	}
	if err := json.Unmarshal([]byte(doc), &msg); err != nil {
		return msg, false
	}
	return msg, true
}
