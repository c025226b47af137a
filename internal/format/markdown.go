// ABOUTME: Markdown rendering for Zulip message content relayed into Matrix
// ABOUTME: Detects when rendering actually changed the text so plain sends stay plain

package format

import (
	"bytes"
	"html"
	"strings"

	"github.com/yuin/goldmark"
)

// RenderHTML converts Zulip markdown to HTML. The second return reports
// whether rendering changed the text: a message that comes out as a single
// plain paragraph should be sent as an unformatted Matrix event.
func RenderHTML(source string) (string, bool) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(source), &buf); err != nil {
		// Goldmark only fails on writer errors, which bytes.Buffer never
		// produces. Fall back to the raw text anyway.
		return source, false
	}
	rendered := strings.TrimSuffix(buf.String(), "\n")

	if inner, plain := strings.CutPrefix(rendered, "<p>"); plain {
		if inner, plain = strings.CutSuffix(inner, "</p>"); plain {
			if !strings.Contains(inner, "<") && html.UnescapeString(inner) == source {
				return rendered, false
			}
		}
	}
	return rendered, true
}
