package contact

import (
	"errors"
	"testing"
)

func TestNormalizeFormat(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{input: "T", want: FormatText},
		{input: "text", want: FormatText},
		{input: "Text", want: FormatText},
		{input: "H", want: FormatHTML},
		{input: "html", want: FormatHTML},
		{input: "", want: FormatHTML},
		{input: "xml", want: FormatHTML},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := NormalizeFormat(tt.input); got != tt.want {
				t.Errorf("NormalizeFormat(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestRefValidate(t *testing.T) {
	tests := []struct {
		name    string
		ref     Ref
		wantErr error
	}{
		{name: "id only", ref: Ref{ID: "003abc"}},
		{name: "token only", ref: Ref{Token: "tok"}},
		{name: "email only", ref: Ref{Email: "a@example.com"}},
		{name: "nothing", ref: Ref{}, wantErr: ErrMissingIdentifier},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.ref.Validate(); !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestContactHelpers(t *testing.T) {
	var missing *Contact
	if missing.Subscribed("mozilla-foundation") {
		t.Error("nil contact should not be subscribed")
	}
	if err := missing.Ref().Validate(); !errors.Is(err, ErrMissingIdentifier) {
		t.Errorf("nil contact Ref().Validate() = %v", err)
	}

	c := &Contact{Token: "tok", Newsletters: []string{"firefox-tips", "mozilla-foundation"}}
	if !c.Subscribed("firefox-tips") {
		t.Error("expected subscription to firefox-tips")
	}
	if c.Subscribed("about-mozilla") {
		t.Error("unexpected subscription to about-mozilla")
	}
}

func TestUpdateEmpty(t *testing.T) {
	var u Update
	if !u.Empty() {
		t.Error("zero Update should be empty")
	}
	u.SetOptin(false)
	if u.Empty() {
		t.Error("Update with explicit opt-in should not be empty")
	}
	if *u.Optin {
		t.Error("SetOptin(false) stored true")
	}
}
