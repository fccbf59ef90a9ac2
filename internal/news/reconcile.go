package news

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/austindbirch/basketsync/internal/contact"
	"github.com/austindbirch/basketsync/internal/jobs"
)

// ContactStore is the upstream contact store
type ContactStore interface {
	// Get returns contact.ErrNotFound when nobody matches
	Get(ctx context.Context, token, email string) (*contact.Contact, error)
	Create(ctx context.Context, u contact.Update) error
	Update(ctx context.Context, ref contact.Ref, u contact.Update) error
	Delete(ctx context.Context, ref contact.Ref) error
}

// GenerateToken mints a contact token
func GenerateToken() string {
	return uuid.NewString()
}

// Request is a subscription change as submitted by the web layer
type Request struct {
	Email          string   `json:"email,omitempty"`
	Token          string   `json:"token,omitempty"`
	Format         string   `json:"format,omitempty"`
	Country        string   `json:"country,omitempty"`
	Lang           string   `json:"lang,omitempty"`
	FirstName      string   `json:"first_name,omitempty"`
	LastName       string   `json:"last_name,omitempty"`
	SourceURL      string   `json:"source_url,omitempty"`
	Newsletters    SlugList `json:"newsletters,omitempty"`
	Optin          bool     `json:"optin,omitempty"`
	TriggerWelcome string   `json:"trigger_welcome,omitempty"`
}

// Result describes a completed reconciliation
type Result struct {
	Token   string
	Created bool
	Delta   Delta
	// Optin is the opt-in state after the write
	Optin bool
}

// Reconciler turns a request and the current contact into exactly one
// create or update on the contact store.
type Reconciler struct {
	store    ContactStore
	catalog  Catalog
	newToken func() string
}

func NewReconciler(store ContactStore, catalog Catalog) *Reconciler {
	return &Reconciler{store: store, catalog: catalog, newToken: GenerateToken}
}

// Upsert reconciles req against current (nil for an unknown contact) and
// returns the contact's token and whether it was created.
func (r *Reconciler) Upsert(ctx context.Context, action ActionType, req Request, current *contact.Contact) (string, bool, error) {
	res, err := r.Reconcile(ctx, action, req, current)
	if err != nil {
		return "", false, err
	}
	return res.Token, res.Created, nil
}

func (r *Reconciler) Reconcile(ctx context.Context, action ActionType, req Request, current *contact.Contact) (*Result, error) {
	u := contact.Update{
		Email:     req.Email,
		Country:   req.Country,
		Lang:      req.Lang,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		SourceURL: req.SourceURL,
	}
	if req.Format != "" {
		u.Format = contact.NormalizeFormat(req.Format)
	}

	requested := []string(req.Newsletters)
	var groups map[string][]string
	if action == Subscribe && len(requested) > 0 {
		var err error
		if groups, err = r.catalog.GroupMembers(ctx, requested); err != nil {
			return nil, err
		}
	}
	var currentSlugs []string
	if current != nil {
		currentSlugs = current.Newsletters
	}
	delta := ParseNewsletters(action, requested, currentSlugs, groups)
	u.Newsletters = delta

	optin := req.Optin || (current != nil && current.Optin)
	switch {
	case req.Optin:
		u.SetOptin(true)
	case !optin:
		// a newsletter without double opt-in waives confirmation for all
		exempt, err := r.waivesConfirmation(ctx, delta.Subscribed())
		if err != nil {
			return nil, err
		}
		u.SetOptin(exempt)
		optin = exempt
	}

	res := &Result{Delta: delta, Optin: optin}
	if current == nil {
		res.Token = r.newToken()
		res.Created = true
		u.Token = res.Token
		if err := r.store.Create(ctx, u); err != nil {
			return nil, writeError(err)
		}
		return res, nil
	}

	ref := current.Ref()
	if err := ref.Validate(); err != nil {
		return nil, jobs.Fatal(err)
	}
	res.Token = current.Token
	if res.Token == "" {
		res.Token = r.newToken()
		u.Token = res.Token
	}
	if err := r.store.Update(ctx, ref, u); err != nil {
		return nil, writeError(err)
	}
	return res, nil
}

func (r *Reconciler) waivesConfirmation(ctx context.Context, slugs []string) (bool, error) {
	if len(slugs) == 0 {
		return false, nil
	}
	nls, err := r.catalog.Newsletters(ctx, slugs)
	if err != nil {
		return false, err
	}
	for _, n := range nls {
		if !n.RequiresDoubleOptin {
			return true, nil
		}
	}
	return false, nil
}

// writeError makes request errors the store rejects before any I/O fatal;
// everything else is returned unchanged for the retry policy.
func writeError(err error) error {
	if errors.Is(err, contact.ErrMissingIdentifier) || errors.Is(err, contact.ErrUnknownNewsletter) {
		return jobs.Fatal(fmt.Errorf("contact write: %w", err))
	}
	return err
}
