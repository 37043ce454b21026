package render

import (
	"fmt"
	"strings"
)

const documentShell = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>%s</title>
<style>
  body { font-family: Helvetica, Arial, sans-serif; font-size: 12pt; line-height: 1.5; color: #1a1a1a; margin: 2.5cm 2cm; }
  h1 { font-size: 16pt; margin-bottom: 1em; }
  p { margin: 0 0 0.8em 0; }
</style>
</head>
<body>
%s
</body>
</html>`

// WrapDocument wraps an HTML fragment in a minimal styled shell suitable for
// printing. Content that is already a full document is passed through
// unchanged.
func WrapDocument(title, body string) string {
	if strings.Contains(strings.ToLower(body), "<html") {
		return body
	}
	return fmt.Sprintf(documentShell, htmlTitleEscaper.Replace(title), body)
}

var htmlTitleEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
)
