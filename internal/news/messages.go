package news

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/austindbirch/basketsync/internal/contact"
	"github.com/austindbirch/basketsync/internal/jobs"
)

// Base message ids. Sends use the language and format qualified form from
// MogrifyMessageID.
const (
	ConfirmationMessage = "confirmation_email"
	RecoveryMessage     = "recovery_message"
)

const defaultLang = "en"

// MogrifyMessageID qualifies a base message id with a language and format:
// ("welcome", "fr", "H") is "fr_welcome", ("welcome", "pt", "T") is
// "pt_welcome_T". An empty lang adds no prefix.
func MogrifyMessageID(id, lang, format string) string {
	if lang != "" {
		code := strings.ToLower(lang)
		if len(code) > 2 {
			code = code[:2]
		}
		id = code + "_" + id
	}
	if format == contact.FormatText {
		id += "_T"
	}
	return id
}

// Messages queues welcome and confirmation sends as send_message jobs
type Messages struct {
	catalog   Catalog
	submitter jobs.Submitter
}

func NewMessages(catalog Catalog, submitter jobs.Submitter) *Messages {
	return &Messages{catalog: catalog, submitter: submitter}
}

// SendWelcomes queues each distinct welcome message of slugs once. A
// newsletter not offered in the contact's language welcomes in English.
func (m *Messages) SendWelcomes(ctx context.Context, c *contact.Contact, slugs []string, format string) error {
	if len(slugs) == 0 || c == nil {
		return nil
	}
	nls, err := m.catalog.Newsletters(ctx, slugs)
	if err != nil {
		return err
	}

	lang := c.Lang
	if lang == "" {
		lang = defaultLang
	}
	welcomes := make(map[string]struct{})
	for _, n := range nls {
		welcome := strings.TrimSpace(n.Welcome)
		if welcome == "" {
			continue
		}
		code := langCode(lang)
		if !n.SupportsLanguage(code) {
			code = defaultLang
		}
		welcomes[MogrifyMessageID(welcome, code, format)] = struct{}{}
	}

	ids := make([]string, 0, len(welcomes))
	for id := range welcomes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		args := SendMessageArgs{MessageID: id, Email: c.Email, Token: c.Token, Format: format}
		if err := SendMessage.Submit(ctx, m.submitter, args); err != nil {
			return fmt.Errorf("queue welcome %s: %w", id, err)
		}
	}
	return nil
}

// SendConfirmNotice queues the opt-in confirmation message. The first of
// slugs with a custom confirmation message overrides the default one.
func (m *Messages) SendConfirmNotice(ctx context.Context, email, token, lang, format string, slugs []string) error {
	if lang == "" {
		lang = defaultLang
	}
	ok, err := supportedLanguage(ctx, m.catalog, lang)
	if err != nil {
		return err
	}
	if !ok {
		return jobs.Fatalf("cannot send confirmation in unsupported language %q", lang)
	}

	message := ConfirmationMessage
	if len(slugs) > 0 {
		nls, err := m.catalog.Newsletters(ctx, slugs)
		if err != nil {
			return err
		}
		for _, n := range nls {
			if n.ConfirmMessage != "" {
				message = n.ConfirmMessage
				break
			}
		}
	}

	args := SendMessageArgs{
		MessageID: MogrifyMessageID(message, lang, format),
		Email:     email,
		Token:     token,
		Format:    format,
	}
	if err := SendMessage.Submit(ctx, m.submitter, args); err != nil {
		return fmt.Errorf("queue confirmation: %w", err)
	}
	return nil
}
