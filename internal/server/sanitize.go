package server

import (
	"regexp"
	"strings"
)

// Patterns for executable markup that must never reach storage. This is a
// defensive pass before persistence, not a substitute for collaborator-side
// moderation.
var (
	scriptBlockRe  = regexp.MustCompile(`(?is)<\s*script[^>]*>.*?<\s*/\s*script\s*>`)
	scriptTagRe    = regexp.MustCompile(`(?is)<\s*/?\s*script[^>]*>`)
	eventAttrRe    = regexp.MustCompile(`(?i)\son\w+\s*=\s*("[^"]*"|'[^']*'|[^\s>]+)`)
	pseudoProtoRe  = regexp.MustCompile(`(?i)(javascript|vbscript|data)\s*:`)
	iframeObjectRe = regexp.MustCompile(`(?is)<\s*/?\s*(iframe|object|embed)[^>]*>`)
)

// SanitizeContent strips executable markup fragments from message content:
// script elements (tags and body, plus any orphan tag), inline
// event-handler attributes, and pseudo-protocol URIs. The result is
// trimmed; it may be empty if the input was nothing but markup.
func SanitizeContent(content string) string {
	content = scriptBlockRe.ReplaceAllString(content, "")
	content = scriptTagRe.ReplaceAllString(content, "")
	content = iframeObjectRe.ReplaceAllString(content, "")
	content = eventAttrRe.ReplaceAllString(content, "")
	content = pseudoProtoRe.ReplaceAllString(content, "")
	return strings.TrimSpace(content)
}
