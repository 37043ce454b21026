package domain

import (
	"fmt"
	"strings"
	"time"
)

// RecipientStatus represents the delivery state of a single recipient row.
// A recipient starts pending and transitions at most once, to sent or error,
// when the sequencer finishes with it. Recipients past a batch's stop index
// stay pending forever.
type RecipientStatus string

const (
	RecipientStatusPending RecipientStatus = "pending"
	RecipientStatusSent    RecipientStatus = "sent"
	RecipientStatusError   RecipientStatus = "error"
)

func (s RecipientStatus) String() string { return string(s) }

func (s RecipientStatus) IsValid() bool {
	switch s {
	case RecipientStatusPending, RecipientStatusSent, RecipientStatusError:
		return true
	}
	return false
}

// IsTerminal reports whether the recipient was reached by the sequencer.
func (s RecipientStatus) IsTerminal() bool {
	return s == RecipientStatusSent || s == RecipientStatusError
}

// Attributes is the open per-recipient attribute bag: the caller's original
// column names mapped to string values, preserved verbatim for re-rendering.
type Attributes map[string]string

// Lookup returns the value for the first key matching name case-insensitively.
func (a Attributes) Lookup(name string) (string, bool) {
	for k, v := range a {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// Recipient is one row within a batch. Index is zero-based, contiguous and
// unique within the batch, and reflects original submission order.
type Recipient struct {
	ID           string
	BatchID      string
	Index        int
	Email        string
	Name         *string
	Attributes   Attributes
	Status       RecipientStatus
	AttemptCount int
	LastError    *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (r *Recipient) Validate() error {
	if strings.TrimSpace(r.Email) == "" {
		return fmt.Errorf("%w: recipient email is required", ErrValidation)
	}
	if r.Index < 0 {
		return fmt.Errorf("%w: recipient index must be >= 0", ErrValidation)
	}
	if !r.Status.IsValid() {
		return fmt.Errorf("%w: invalid recipient status %q", ErrValidation, r.Status)
	}
	return nil
}
