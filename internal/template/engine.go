// Package template substitutes named placeholders of the form {Column} in
// subject and body templates using a recipient's attribute bag. Matching is
// literal and exact-case; it is plain string replacement, never regex, so
// attribute names containing metacharacters are safe.
package template

import (
	"sort"
	"strings"

	"github.com/mailroomhq/mailroom/internal/domain"
)

const (
	// FallbackNameKey is the synthetic attribute injected when the caller's
	// data carries no name column at all.
	FallbackNameKey = "Name"
	// FallbackNameValue is the value of the synthetic attribute.
	FallbackNameValue = "Candidate"
)

// Render replaces every occurrence of {key} in tpl with the attribute's
// value, for every key present in attrs. Unmatched placeholders are left
// verbatim. Rendering with an empty attribute set is the identity.
//
// Keys are applied in sorted order so output is deterministic regardless of
// map iteration order.
func Render(tpl string, attrs domain.Attributes) string {
	if len(attrs) == 0 {
		return tpl
	}

	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := tpl
	for _, k := range keys {
		out = strings.ReplaceAll(out, "{"+k+"}", attrs[k])
	}
	return out
}

// WithNameFallback returns attrs extended with a synthetic Name attribute
// when the bag has data but no key matching "name" case-insensitively. An
// explicit empty value counts as present and is preserved, and an empty bag
// stays empty so rendering it is still the identity. The input map is not
// mutated.
func WithNameFallback(attrs domain.Attributes) domain.Attributes {
	if len(attrs) == 0 {
		return attrs
	}
	if _, ok := attrs.Lookup(FallbackNameKey); ok {
		return attrs
	}

	extended := make(domain.Attributes, len(attrs)+1)
	for k, v := range attrs {
		extended[k] = v
	}
	extended[FallbackNameKey] = FallbackNameValue
	return extended
}

// TextToHTML converts a plain-text body template to minimal HTML markup:
// blank-line-delimited runs of non-blank lines become paragraphs, single
// newlines inside a paragraph become line breaks, and &, <, > are escaped.
// Placeholder braces are untouched, so the conversion runs once, before
// templating, and placeholders survive it intact.
func TextToHTML(text string) string {
	escaped := escapeHTML(strings.ReplaceAll(text, "\r\n", "\n"))

	var b strings.Builder
	for _, block := range splitParagraphs(escaped) {
		b.WriteString("<p>")
		b.WriteString(strings.Join(block, "<br>"))
		b.WriteString("</p>")
	}
	return b.String()
}

func splitParagraphs(text string) [][]string {
	var paragraphs [][]string
	var current []string

	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			if len(current) > 0 {
				paragraphs = append(paragraphs, current)
				current = nil
			}
			continue
		}
		current = append(current, line)
	}
	if len(current) > 0 {
		paragraphs = append(paragraphs, current)
	}
	return paragraphs
}

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
)

func escapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}
