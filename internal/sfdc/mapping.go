package sfdc

import (
	"fmt"
	"time"

	"github.com/austindbirch/basketsync/internal/contact"
)

// Store field names of the contact attributes we read and write
const (
	FieldID               = "Id"
	FieldEmail            = "Email"
	FieldFirstName        = "FirstName"
	FieldLastName         = "LastName"
	FieldFormat           = "Email_Format__c"
	FieldCountry          = "MailingCountryCode"
	FieldLang             = "Email_Language__c"
	FieldToken            = "Token__c"
	FieldOptin            = "Double_Opt_In__c"
	FieldSourceURL        = "Signup_Source_URL__c"
	FieldCreatedDate      = "CreatedDate"
	FieldLastModifiedDate = "LastModifiedDate"
	FieldFxaID            = "FxA_Id__c"
	FieldSubscriber       = "Subscriber__c"
)

const dateLayout = "2006-01-02T15:04:05.000-0700"

// ToVendor converts an update into a store record. newsletterFields maps
// newsletter slugs to their boolean store field.
func ToVendor(u contact.Update, newsletterFields map[string]string) (map[string]any, error) {
	rec := map[string]any{
		// every contact written through this service is a subscriber
		FieldSubscriber: true,
	}
	setString := func(field, v string) {
		if v != "" {
			rec[field] = v
		}
	}
	setString(FieldEmail, u.Email)
	setString(FieldToken, u.Token)
	setString(FieldFormat, u.Format)
	setString(FieldCountry, u.Country)
	setString(FieldLang, u.Lang)
	setString(FieldFirstName, u.FirstName)
	setString(FieldLastName, u.LastName)
	setString(FieldSourceURL, u.SourceURL)
	if u.Optin != nil {
		rec[FieldOptin] = *u.Optin
	}

	for slug, subscribed := range u.Newsletters {
		field, ok := newsletterFields[slug]
		if !ok || field == "" {
			return nil, fmt.Errorf("%w: %s", contact.ErrUnknownNewsletter, slug)
		}
		rec[field] = subscribed
	}
	for k, v := range u.Fields {
		rec[k] = v
	}
	return rec, nil
}

// FromVendor converts a store record. Format defaults to HTML; country and
// language default to empty.
func FromVendor(rec map[string]any, newsletterFields map[string]string) *contact.Contact {
	slugByField := make(map[string]string, len(newsletterFields))
	for slug, field := range newsletterFields {
		slugByField[field] = slug
	}

	c := &contact.Contact{
		ID:        str(rec[FieldID]),
		Email:     str(rec[FieldEmail]),
		Token:     str(rec[FieldToken]),
		Format:    str(rec[FieldFormat]),
		Country:   str(rec[FieldCountry]),
		Lang:      str(rec[FieldLang]),
		FirstName: str(rec[FieldFirstName]),
		LastName:  str(rec[FieldLastName]),
		SourceURL: str(rec[FieldSourceURL]),
		FxaID:     str(rec[FieldFxaID]),
	}
	if c.Format == "" {
		c.Format = contact.FormatHTML
	}
	c.Optin, _ = rec[FieldOptin].(bool)
	c.CreatedDate = date(rec[FieldCreatedDate])
	c.LastModifiedDate = date(rec[FieldLastModifiedDate])

	for field, v := range rec {
		slug, ok := slugByField[field]
		if !ok {
			continue
		}
		if on, _ := v.(bool); on {
			c.Newsletters = append(c.Newsletters, slug)
		}
	}
	return c
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func date(v any) time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
