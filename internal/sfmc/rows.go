package sfmc

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/austindbirch/basketsync/internal/contact"
)

// Data extension columns that identify a subscriber row
const (
	ColumnToken  = "TOKEN"
	ColumnEmail  = "EMAIL_ADDRESS_"
	ColumnFormat = "EMAIL_FORMAT_"
)

type rowSet struct {
	Count int `json:"count"`
	Items []struct {
		Keys   map[string]any `json:"keys"`
		Values map[string]any `json:"values"`
	} `json:"items"`
}

// filterFor builds the row filter on TOKEN, or EMAIL_ADDRESS_ when token is empty
func filterFor(token, email string) (string, error) {
	col, v := ColumnToken, token
	if token == "" {
		col, v = ColumnEmail, email
	}
	if v == "" {
		return "", contact.ErrMissingIdentifier
	}
	return fmt.Sprintf("%s eq '%s'", col, strings.ReplaceAll(v, "'", "''")), nil
}

func rowsetPath(de string) string {
	return "data/v1/customobjectdata/key/" + url.PathEscape(de) + "/rowset"
}

func rowsPath(de string) string {
	return "data/v1/async/dataextensions/key:" + url.PathEscape(de) + "/rows"
}

// GetRow returns fields of the row matching token (or email). ErrNoResults
// when none does; the first row wins when several do.
func (c *Client) GetRow(ctx context.Context, de string, fields []string, token, email string) (map[string]string, error) {
	defer observe("get_row", time.Now())

	filter, err := filterFor(token, email)
	if err != nil {
		return nil, err
	}
	q := url.Values{"$filter": {filter}}
	if len(fields) > 0 {
		q.Set("$fields", strings.Join(fields, ","))
	}

	var rs rowSet
	if err := c.do(ctx, http.MethodGet, rowsetPath(de)+"?"+q.Encode(), nil, &rs); err != nil {
		return nil, err
	}
	if len(rs.Items) == 0 {
		return nil, ErrNoResults
	}

	item := rs.Items[0]
	row := make(map[string]string, len(item.Keys)+len(item.Values))
	for _, m := range []map[string]any{item.Keys, item.Values} {
		for k, v := range m {
			if v == nil {
				row[strings.ToUpper(k)] = ""
				continue
			}
			row[strings.ToUpper(k)] = fmt.Sprint(v)
		}
	}
	if len(fields) == 0 {
		return row, nil
	}
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		if v, ok := row[strings.ToUpper(f)]; ok {
			out[f] = v
		}
	}
	return out, nil
}

func (c *Client) AddRow(ctx context.Context, de string, values map[string]any) error {
	defer observe("add_row", time.Now())
	return c.do(ctx, http.MethodPost, rowsPath(de), map[string]any{"items": []map[string]any{values}}, nil)
}

// UpdateRow changes an existing row. values must carry TOKEN or EMAIL_ADDRESS_.
func (c *Client) UpdateRow(ctx context.Context, de string, values map[string]any) error {
	defer observe("update_row", time.Now())
	return c.do(ctx, http.MethodPatch, rowsPath(de), map[string]any{"items": []map[string]any{values}}, nil)
}

// UpsertRow adds the row or updates it when one with the same key exists
func (c *Client) UpsertRow(ctx context.Context, de string, values map[string]any) error {
	defer observe("upsert_row", time.Now())
	return c.do(ctx, http.MethodPut, rowsPath(de), map[string]any{"items": []map[string]any{values}}, nil)
}

func (c *Client) DeleteRow(ctx context.Context, de, token, email string) error {
	defer observe("delete_row", time.Now())

	filter, err := filterFor(token, email)
	if err != nil {
		return err
	}
	q := url.Values{"$filter": {filter}}
	return c.do(ctx, http.MethodDelete, rowsetPath(de)+"?"+q.Encode(), nil, nil)
}

// SendMail triggers the send identified by messageID to one subscriber
func (c *Client) SendMail(ctx context.Context, messageID, email, token, format string) error {
	defer observe("send_mail", time.Now())

	pref := "HTML"
	if format != "H" {
		pref = "Text"
	}
	body := map[string]any{
		"To": map[string]any{
			"Address":       email,
			"SubscriberKey": token,
			"ContactAttributes": map[string]any{
				"SubscriberAttributes": map[string]string{
					ColumnToken:  token,
					ColumnFormat: format,
				},
			},
		},
		"Options": map[string]string{"EmailTypePreference": pref},
	}
	path := "messaging/v1/messageDefinitionSends/key:" + url.PathEscape(messageID) + "/send"
	return c.do(ctx, http.MethodPost, path, body, nil)
}

// SendSMS sends the SMS message messageID to each number
func (c *Client) SendSMS(ctx context.Context, numbers []string, messageID string) error {
	defer observe("send_sms", time.Now())

	body := map[string]any{
		"mobileNumbers": numbers,
		"Subscribe":     true,
		"Resubscribe":   true,
	}
	path := "sms/v1/messageContact/" + url.PathEscape(messageID) + "/send"
	return c.do(ctx, http.MethodPost, path, body, nil)
}
