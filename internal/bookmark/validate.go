package bookmark

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// MalformedError reports an event that cannot be merged because a
// required field is missing.
type MalformedError struct {
	Field  string
	Kind   Kind
	Record Record
}

func (e *MalformedError) Error() string {
	if e.Record.ID != "" {
		return fmt.Sprintf("malformed %s event for %s: missing %s", e.Kind, e.Record.ID, e.Field)
	}
	return fmt.Sprintf("malformed %s event: missing %s", e.Kind, e.Field)
}

// IsMalformed reports whether err is (or wraps) a MalformedError.
func IsMalformed(err error) bool {
	var me *MalformedError
	return errors.As(err, &me)
}

// Validate checks the fields an Insert or Update needs: id and owner.
func Validate(kind Kind, r Record) error {
	if strings.TrimSpace(r.ID) == "" {
		return &MalformedError{Field: "id", Kind: kind, Record: r}
	}
	if kind == KindDelete {
		return nil
	}
	if strings.TrimSpace(r.OwnerID) == "" {
		return &MalformedError{Field: "user_id", Kind: kind, Record: r}
	}
	return nil
}

// Validation messages shown to the user for create intents.
const (
	MsgMissingFields = "Please fill in both title and URL."
	MsgInvalidURL    = "Please enter a valid URL (e.g., https://example.com)."
)

// ValidationError is a user-facing rejection of a create intent.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Draft holds the user-supplied fields of a bookmark before the record
// store assigns an id and creation time.
type Draft struct {
	Title string
	URL   string
}

// NewDraft trims and validates user input. The title is NFC-normalized
// so visually identical titles compare equal.
func NewDraft(title, rawURL string) (Draft, error) {
	title = strings.TrimSpace(title)
	rawURL = strings.TrimSpace(rawURL)
	if title == "" || rawURL == "" {
		return Draft{}, &ValidationError{Message: MsgMissingFields}
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Draft{}, &ValidationError{Message: MsgInvalidURL}
	}
	return Draft{
		Title: norm.NFC.String(title),
		URL:   rawURL,
	}, nil
}
