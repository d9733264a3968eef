package chat

import "strings"

var htmlEscaper = strings.NewReplacer(
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#x27;",
	"/", "&#x2F;",
)

// SanitizeText escapes HTML-significant characters so stored bodies are safe
// to render verbatim.
func SanitizeText(s string) string {
	return htmlEscaper.Replace(strings.TrimSpace(s))
}
