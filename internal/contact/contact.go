// Package contact holds the canonical contact record shared by the job
// handlers and the upstream store clients.
package contact

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by stores when no contact matches the lookup key
	ErrNotFound = errors.New("contact not found")
	// ErrMissingIdentifier means neither id, token nor email is available for a write
	ErrMissingIdentifier = errors.New("contact has no id, token or email")
	// ErrUnknownNewsletter means a slug has no definition in the catalog
	ErrUnknownNewsletter = errors.New("unknown newsletter")
)

// Email formats
const (
	FormatHTML = "H"
	FormatText = "T"
)

// Contact is a transient copy of a record owned by the upstream store
type Contact struct {
	ID               string
	Email            string
	Token            string
	Format           string
	Country          string
	Lang             string
	FirstName        string
	LastName         string
	SourceURL        string
	FxaID            string
	Optin            bool
	CreatedDate      time.Time
	LastModifiedDate time.Time
	Newsletters      []string
}

// Subscribed reports whether the contact is on the given newsletter
func (c *Contact) Subscribed(slug string) bool {
	if c == nil {
		return false
	}
	for _, n := range c.Newsletters {
		if n == slug {
			return true
		}
	}
	return false
}

// Ref returns the identifiers usable to address this contact in a write
func (c *Contact) Ref() Ref {
	if c == nil {
		return Ref{}
	}
	return Ref{ID: c.ID, Token: c.Token, Email: c.Email}
}

// Ref addresses a contact for update and delete. The store id wins over the
// token, which wins over the email.
type Ref struct {
	ID    string
	Token string
	Email string
}

func (r Ref) Validate() error {
	if r.ID == "" && r.Token == "" && r.Email == "" {
		return ErrMissingIdentifier
	}
	return nil
}

// Update is a partial write. Empty strings and nil pointers leave the stored
// value untouched.
type Update struct {
	Email     string
	Token     string
	Format    string
	Country   string
	Lang      string
	FirstName string
	LastName  string
	SourceURL string
	Optin     *bool

	// Newsletters maps slug to target membership
	Newsletters map[string]bool

	// Fields are passed to the store as-is, keyed by the store's field names
	Fields map[string]any
}

// SetOptin is a convenience for assigning the optional opt-in flag
func (u *Update) SetOptin(v bool) {
	u.Optin = &v
}

// Empty reports whether the update carries nothing to write
func (u *Update) Empty() bool {
	return u.Email == "" && u.Token == "" && u.Format == "" && u.Country == "" &&
		u.Lang == "" && u.FirstName == "" && u.LastName == "" && u.SourceURL == "" &&
		u.Optin == nil && len(u.Newsletters) == 0 && len(u.Fields) == 0
}

// NormalizeFormat maps anything starting with "t" or "T" to text, everything else to HTML
func NormalizeFormat(format string) string {
	if format != "" && (format[0] == 'T' || format[0] == 't') {
		return FormatText
	}
	return FormatHTML
}
