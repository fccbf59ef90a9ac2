package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	tokenTTLSeconds    = 1080
	invalidCustomerKey = "Invalid Customer Key"
)

func sfmcError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"message": msg, "errorcode": status})
}

func (f *fakeCRM) handleSFMCToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GrantType    string `json:"grant_type"`
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sfmcError(w, http.StatusBadRequest, "malformed token request")
		return
	}
	if req.GrantType != "client_credentials" || req.ClientID == "" || req.ClientSecret == "" {
		sfmcError(w, http.StatusUnauthorized, "Client authentication failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":      f.newSession("sfmc"),
		"token_type":        "Bearer",
		"expires_in":        tokenTTLSeconds,
		"rest_instance_url": baseURL(r) + "/",
	})
}

func (f *fakeCRM) sfmcSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !f.validSession(r) {
			sfmcError(w, http.StatusUnauthorized, "Not Authorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// parseFilter reads "COLUMN eq 'value'", where a doubled quote escapes one
func parseFilter(filter string) (col, value string, err error) {
	col, rest, ok := strings.Cut(filter, " eq ")
	if !ok {
		return "", "", fmt.Errorf("unsupported filter %q", filter)
	}
	rest = strings.TrimSpace(rest)
	if len(rest) < 2 || rest[0] != '\'' || rest[len(rest)-1] != '\'' {
		return "", "", fmt.Errorf("unsupported filter value %q", rest)
	}
	return strings.ToUpper(strings.TrimSpace(col)), strings.ReplaceAll(rest[1:len(rest)-1], "''", "'"), nil
}

func columnValue(row map[string]any, col string) string {
	for k, v := range row {
		if strings.EqualFold(k, col) {
			if s, ok := v.(string); ok {
				return s
			}
			return fmt.Sprint(v)
		}
	}
	return ""
}

func (f *fakeCRM) handleRowsetGet(w http.ResponseWriter, r *http.Request) {
	col, value, err := parseFilter(r.URL.Query().Get("$filter"))
	if err != nil {
		sfmcError(w, http.StatusBadRequest, err.Error())
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	items := []map[string]any{}
	for _, row := range f.rows[param(r, "de")] {
		if columnValue(row, col) == value {
			items = append(items, map[string]any{"keys": map[string]any{}, "values": row})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(items), "items": items})
}

func (f *fakeCRM) handleRowsetDelete(w http.ResponseWriter, r *http.Request) {
	col, value, err := parseFilter(r.URL.Query().Get("$filter"))
	if err != nil {
		sfmcError(w, http.StatusBadRequest, err.Error())
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	de := param(r, "de")
	kept := f.rows[de][:0]
	for _, row := range f.rows[de] {
		if columnValue(row, col) != value {
			kept = append(kept, row)
		}
	}
	f.rows[de] = kept
	w.WriteHeader(http.StatusNoContent)
}

// rowKey is the TOKEN of a row, falling back to EMAIL_ADDRESS_
func rowKey(row map[string]any) (string, string) {
	if v := columnValue(row, "TOKEN"); v != "" {
		return "TOKEN", v
	}
	return "EMAIL_ADDRESS_", columnValue(row, "EMAIL_ADDRESS_")
}

// handleRows adds (POST), updates (PATCH) or upserts (PUT) data extension rows
func (f *fakeCRM) handleRows(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Items []map[string]any `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Items) == 0 {
		sfmcError(w, http.StatusBadRequest, "items required")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	de := param(r, "de")
	for _, item := range body.Items {
		if r.Method == http.MethodPost {
			f.rows[de] = append(f.rows[de], item)
			continue
		}
		col, value := rowKey(item)
		matched := false
		for _, row := range f.rows[de] {
			if value != "" && columnValue(row, col) == value {
				for k, v := range item {
					row[k] = v
				}
				matched = true
			}
		}
		if !matched && r.Method == http.MethodPut {
			f.rows[de] = append(f.rows[de], item)
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"requestId": uuid.NewString()})
}

func (f *fakeCRM) handleSendMail(w http.ResponseWriter, r *http.Request) {
	id := param(r, "id")
	if f.invalidKeys[id] {
		sfmcError(w, http.StatusBadRequest, invalidCustomerKey)
		return
	}
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		sfmcError(w, http.StatusBadRequest, "malformed send request")
		return
	}
	f.record("email", id, body)
	writeJSON(w, http.StatusAccepted, map[string]string{"requestId": uuid.NewString()})
}

func (f *fakeCRM) handleSendSMS(w http.ResponseWriter, r *http.Request) {
	id := param(r, "id")
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		sfmcError(w, http.StatusBadRequest, "malformed send request")
		return
	}
	if numbers, _ := body["mobileNumbers"].([]any); len(numbers) == 0 {
		sfmcError(w, http.StatusBadRequest, "mobileNumbers required")
		return
	}
	f.record("sms", id, body)
	writeJSON(w, http.StatusAccepted, map[string]string{"tokenId": uuid.NewString()})
}

func (f *fakeCRM) record(kind, id string, body map[string]any) {
	f.mu.Lock()
	f.sends = append(f.sends, sendRecord{Kind: kind, MessageID: id, Body: body})
	f.mu.Unlock()
	f.logger.Plain().WithFields(map[string]any{"kind": kind, "message_id": id}).Info("message sent")
}
