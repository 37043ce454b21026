package render

import (
	"archive/zip"
	"fmt"
	"io"
	"regexp"
	"time"
)

// fallbackEntryName is used when a recipient's address is empty.
const fallbackEntryName = "recipient"

var entryNameSanitizer = regexp.MustCompile(`[^A-Za-z0-9@._-]`)

// EntryName derives an archive entry name from a recipient address: every
// character outside [A-Za-z0-9@._-] is replaced with an underscore,
// whitespace included. Addresses are trimmed at intake, so padding reaching
// here is preserved as underscores rather than second-guessed.
func EntryName(email string) string {
	if email == "" {
		return fallbackEntryName + ".pdf"
	}
	return entryNameSanitizer.ReplaceAllString(email, "_") + ".pdf"
}

// Archive streams PDF documents into a ZIP container. Entries are written to
// the underlying writer as they are added; the full archive is never
// buffered in memory.
type Archive struct {
	zw  *zip.Writer
	now func() time.Time
}

// NewArchive wraps w. The caller must Close the archive to flush the ZIP
// central directory.
func NewArchive(w io.Writer) *Archive {
	return &Archive{zw: zip.NewWriter(w), now: time.Now}
}

// Add writes one rendered PDF as a ZIP entry named after the recipient.
func (a *Archive) Add(email string, pdf []byte) error {
	entry, err := a.zw.CreateHeader(&zip.FileHeader{
		Name:     EntryName(email),
		Method:   zip.Deflate,
		Modified: a.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to create archive entry: %w", err)
	}
	if _, err := entry.Write(pdf); err != nil {
		return fmt.Errorf("failed to write archive entry: %w", err)
	}
	return nil
}

func (a *Archive) Close() error {
	return a.zw.Close()
}
