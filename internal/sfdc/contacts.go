package sfdc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/austindbirch/basketsync/internal/contact"
	"github.com/austindbirch/basketsync/internal/metrics"
)

const contactPath = "sobjects/Contact"

// NewsletterFields resolves newsletter slugs to their store field names
type NewsletterFields interface {
	VendorFields(ctx context.Context) (map[string]string, error)
}

// Contacts is the contact store: get, create, update and delete by token,
// email or store id.
type Contacts struct {
	client *Client
	fields NewsletterFields
}

func NewContacts(client *Client, fields NewsletterFields) *Contacts {
	return &Contacts{client: client, fields: fields}
}

func observe(op string, start time.Time) {
	metrics.ObserveBackendRequest("sfdc", op, time.Since(start))
}

// Get looks a contact up by token, or by email when token is empty
func (s *Contacts) Get(ctx context.Context, token, email string) (*contact.Contact, error) {
	defer observe("get", time.Now())

	var path string
	switch {
	case token != "":
		path = fmt.Sprintf("%s/%s/%s", contactPath, FieldToken, url.PathEscape(token))
	case email != "":
		path = fmt.Sprintf("%s/%s/%s", contactPath, FieldEmail, url.PathEscape(email))
	default:
		return nil, contact.ErrMissingIdentifier
	}

	fields, err := s.fields.VendorFields(ctx)
	if err != nil {
		return nil, fmt.Errorf("load newsletter fields: %w", err)
	}

	var rec map[string]any
	if err := s.client.Do(ctx, http.MethodGet, path, nil, &rec); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil, contact.ErrNotFound
		}
		return nil, err
	}
	return FromVendor(rec, fields), nil
}

// Create adds a new contact
func (s *Contacts) Create(ctx context.Context, u contact.Update) error {
	defer observe("add", time.Now())

	rec, err := s.record(ctx, u)
	if err != nil {
		return err
	}
	return s.client.Do(ctx, http.MethodPost, contactPath, rec, nil)
}

// Update writes u to the contact addressed by ref
func (s *Contacts) Update(ctx context.Context, ref contact.Ref, u contact.Update) error {
	defer observe("update", time.Now())

	id, err := identifier(ref)
	if err != nil {
		return err
	}
	rec, err := s.record(ctx, u)
	if err != nil {
		return err
	}
	return s.client.Do(ctx, http.MethodPatch, contactPath+"/"+id, rec, nil)
}

// Delete removes the contact addressed by ref
func (s *Contacts) Delete(ctx context.Context, ref contact.Ref) error {
	defer observe("delete", time.Now())

	id, err := identifier(ref)
	if err != nil {
		return err
	}
	return s.client.Do(ctx, http.MethodDelete, contactPath+"/"+id, nil, nil)
}

func (s *Contacts) record(ctx context.Context, u contact.Update) (map[string]any, error) {
	var fields map[string]string
	if len(u.Newsletters) > 0 {
		var err error
		if fields, err = s.fields.VendorFields(ctx); err != nil {
			return nil, fmt.Errorf("load newsletter fields: %w", err)
		}
	}
	return ToVendor(u, fields)
}

// identifier is the store id if known, else "Token__c/<token>" or "Email/<email>"
func identifier(ref contact.Ref) (string, error) {
	switch {
	case ref.ID != "":
		return url.PathEscape(ref.ID), nil
	case ref.Token != "":
		return FieldToken + "/" + url.PathEscape(ref.Token), nil
	case ref.Email != "":
		return FieldEmail + "/" + url.PathEscape(ref.Email), nil
	}
	return "", contact.ErrMissingIdentifier
}
