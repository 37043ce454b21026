// Package render produces per-recipient PDF documents with a headless
// browser and streams them into ZIP archives.
package render

import "context"

// Session drives a single headless renderer instance. Each top-level request
// owns exactly one session: documents are rendered sequentially within it and
// the session is closed on completion or on any error, so no instance leaks
// and no page state is shared across requests.
type Session interface {
	RenderPDF(ctx context.Context, html string) ([]byte, error)
	Close() error
}

// SessionFactory opens renderer sessions.
type SessionFactory interface {
	NewSession(ctx context.Context) (Session, error)
}
