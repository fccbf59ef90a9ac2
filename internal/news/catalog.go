package news

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Newsletter is a newsletter definition. Definitions are managed elsewhere;
// jobs only read them.
type Newsletter struct {
	Slug                string
	VendorField         string // boolean field on the contact record
	Languages           []string
	RequiresDoubleOptin bool
	Welcome             string // base welcome message id, empty for none
	ConfirmMessage      string // base confirmation message id, empty for the default
	Active              bool
}

// SupportsLanguage compares two-letter language prefixes
func (n Newsletter) SupportsLanguage(lang string) bool {
	code := langCode(lang)
	for _, l := range n.Languages {
		if langCode(l) == code {
			return true
		}
	}
	return false
}

func langCode(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if len(lang) > 2 {
		return lang[:2]
	}
	return lang
}

// Catalog reads newsletter definitions
type Catalog interface {
	// Newsletters returns the definitions of slugs that exist, in slug order
	Newsletters(ctx context.Context, slugs []string) ([]Newsletter, error)
	// GroupMembers maps each of slugs that names a newsletter group to its member slugs
	GroupMembers(ctx context.Context, slugs []string) (map[string][]string, error)
	// Languages lists every language some newsletter is offered in
	Languages(ctx context.Context) ([]string, error)
}

// Querier is satisfied by *pgxpool.Pool and pgx.Conn
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PGCatalog reads definitions from the basket schema
type PGCatalog struct {
	db Querier
}

func NewPGCatalog(db Querier) *PGCatalog {
	return &PGCatalog{db: db}
}

const (
	newslettersQuery = `
		SELECT slug, vendor_field, languages, requires_double_optin, welcome, confirm_message, active
		FROM basket.newsletters
		WHERE slug = ANY($1)
		ORDER BY slug`
	groupsQuery = `
		SELECT slug, newsletters
		FROM basket.newsletter_groups
		WHERE slug = ANY($1) AND active`
	languagesQuery = `
		SELECT DISTINCT unnest(languages) AS lang
		FROM basket.newsletters
		WHERE active
		ORDER BY lang`
	vendorFieldsQuery = `
		SELECT slug, vendor_field
		FROM basket.newsletters
		WHERE vendor_field <> ''`
)

func (c *PGCatalog) Newsletters(ctx context.Context, slugs []string) ([]Newsletter, error) {
	if len(slugs) == 0 {
		return nil, nil
	}
	rows, err := c.db.Query(ctx, newslettersQuery, slugs)
	if err != nil {
		return nil, fmt.Errorf("query newsletters: %w", err)
	}
	defer rows.Close()

	var out []Newsletter
	for rows.Next() {
		var n Newsletter
		if err := rows.Scan(&n.Slug, &n.VendorField, &n.Languages, &n.RequiresDoubleOptin, &n.Welcome, &n.ConfirmMessage, &n.Active); err != nil {
			return nil, fmt.Errorf("scan newsletter: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (c *PGCatalog) GroupMembers(ctx context.Context, slugs []string) (map[string][]string, error) {
	groups := make(map[string][]string)
	if len(slugs) == 0 {
		return groups, nil
	}
	rows, err := c.db.Query(ctx, groupsQuery, slugs)
	if err != nil {
		return nil, fmt.Errorf("query newsletter groups: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var slug string
		var members []string
		if err := rows.Scan(&slug, &members); err != nil {
			return nil, fmt.Errorf("scan newsletter group: %w", err)
		}
		groups[slug] = members
	}
	return groups, rows.Err()
}

func (c *PGCatalog) Languages(ctx context.Context) ([]string, error) {
	rows, err := c.db.Query(ctx, languagesQuery)
	if err != nil {
		return nil, fmt.Errorf("query newsletter languages: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var lang string
		if err := rows.Scan(&lang); err != nil {
			return nil, fmt.Errorf("scan language: %w", err)
		}
		out = append(out, lang)
	}
	return out, rows.Err()
}

// VendorFields maps every slug to its contact record field
func (c *PGCatalog) VendorFields(ctx context.Context) (map[string]string, error) {
	rows, err := c.db.Query(ctx, vendorFieldsQuery)
	if err != nil {
		return nil, fmt.Errorf("query newsletter fields: %w", err)
	}
	defer rows.Close()

	fields := make(map[string]string)
	for rows.Next() {
		var slug, field string
		if err := rows.Scan(&slug, &field); err != nil {
			return nil, fmt.Errorf("scan newsletter field: %w", err)
		}
		fields[slug] = field
	}
	return fields, rows.Err()
}

// supportedLanguage reports whether any newsletter is offered in lang
func supportedLanguage(ctx context.Context, cat Catalog, lang string) (bool, error) {
	langs, err := cat.Languages(ctx)
	if err != nil {
		return false, err
	}
	code := langCode(lang)
	for _, l := range langs {
		if langCode(l) == code {
			return true, nil
		}
	}
	return false, nil
}
