package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	limitInfoHeader = "Sforce-Limit-Info"
	apiDailyLimit   = 15000
	sfdcDateLayout  = "2006-01-02T15:04:05.000-0700"
)

func sfdcError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, []map[string]string{{"errorCode": code, "message": msg}})
}

func (f *fakeCRM) handleSFDCToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("grant_type") != "urn:ietf:params:oauth:grant-type:jwt-bearer" || r.PostForm.Get("assertion") == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_grant",
			"error_description": "jwt bearer assertion required",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": f.newSession("sfdc"),
		"instance_url": baseURL(r),
		"token_type":   "Bearer",
	})
}

// sfdcSession rejects unknown tokens and reports API usage on every response
func (f *fakeCRM) sfdcSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		used := f.reqCount
		f.mu.Unlock()
		w.Header().Set(limitInfoHeader, fmt.Sprintf("api-usage=%d/%d", used, apiDailyLimit))

		if !f.validSession(r) {
			sfdcError(w, http.StatusUnauthorized, "INVALID_SESSION_ID", "Session expired or invalid")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func readRecord(r *http.Request) (map[string]any, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var rec map[string]any
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("malformed record %s: %w", truncate(string(body), 80), err)
	}
	return rec, nil
}

func param(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

// findContact returns the id of the contact addressed by the request path,
// either /{id} or /{field}/{value}. field is empty for the first form.
// Caller holds f.mu.
func (f *fakeCRM) findContact(r *http.Request) (id, field, value string) {
	field, value = param(r, "field"), param(r, "value")
	if value == "" {
		if _, ok := f.contacts[field]; ok {
			return field, "", ""
		}
		return "", "", ""
	}
	for id, rec := range f.contacts {
		if v, ok := rec[field].(string); ok && v == value {
			return id, field, value
		}
	}
	return "", field, value
}

func (f *fakeCRM) handleContactGet(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id, field, value := f.findContact(r)
	if id == "" {
		sfdcError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("Provided external ID field does not exist or is not accessible: %s=%s", field, value))
		return
	}
	writeJSON(w, http.StatusOK, f.contacts[id])
}

// insert stores rec under a new id. Caller holds f.mu.
func (f *fakeCRM) insert(rec map[string]any) string {
	id := "003" + uuid.NewString()[:15]
	now := time.Now().UTC().Format(sfdcDateLayout)
	rec["Id"] = id
	rec["CreatedDate"] = now
	rec["LastModifiedDate"] = now
	f.contacts[id] = rec
	return id
}

func (f *fakeCRM) handleContactCreate(w http.ResponseWriter, r *http.Request) {
	rec, err := readRecord(r)
	if err != nil {
		sfdcError(w, http.StatusBadRequest, "JSON_PARSER_ERROR", err.Error())
		return
	}
	email, _ := rec["Email"].(string)
	if email == "" {
		sfdcError(w, http.StatusBadRequest, "REQUIRED_FIELD_MISSING", "Required fields are missing: [Email]")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.contacts {
		if existing["Email"] == email {
			sfdcError(w, http.StatusBadRequest, "DUPLICATE_VALUE", "duplicate value found: Email")
			return
		}
	}
	id := f.insert(rec)
	f.logger.Plain().WithField("id", id).Info("contact created")
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "success": true, "errors": []string{}})
}

// handleContactUpdate patches a contact. Addressed by external id it upserts.
func (f *fakeCRM) handleContactUpdate(w http.ResponseWriter, r *http.Request) {
	rec, err := readRecord(r)
	if err != nil {
		sfdcError(w, http.StatusBadRequest, "JSON_PARSER_ERROR", err.Error())
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	id, field, value := f.findContact(r)
	if id == "" {
		if field == "" {
			sfdcError(w, http.StatusNotFound, "NOT_FOUND", "The requested resource does not exist")
			return
		}
		rec[field] = value
		id = f.insert(rec)
		f.logger.Plain().WithField("id", id).Info("contact upserted")
		writeJSON(w, http.StatusCreated, map[string]any{"id": id, "success": true, "created": true})
		return
	}

	existing := f.contacts[id]
	for k, v := range rec {
		existing[k] = v
	}
	existing["LastModifiedDate"] = time.Now().UTC().Format(sfdcDateLayout)
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeCRM) handleContactDelete(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, _, _ := f.findContact(r)
	if id == "" {
		sfdcError(w, http.StatusNotFound, "NOT_FOUND", "The requested resource does not exist")
		return
	}
	delete(f.contacts, id)
	f.logger.Plain().WithField("id", id).Info("contact deleted")
	w.WriteHeader(http.StatusNoContent)
}
