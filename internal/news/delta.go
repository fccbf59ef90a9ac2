// Package news holds the subscription jobs: contact reconciliation, welcome
// and confirmation dispatch, and the smaller account-sync jobs.
package news

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ActionType selects how requested newsletters combine with current ones
type ActionType int

const (
	// Subscribe adds the requested newsletters, expanding groups
	Subscribe ActionType = iota + 1
	// Unsubscribe removes the requested newsletters
	Unsubscribe
	// Set makes the requested newsletters the exact subscription set
	Set
)

func (a ActionType) String() string {
	switch a {
	case Subscribe:
		return "SUBSCRIBE"
	case Unsubscribe:
		return "UNSUBSCRIBE"
	case Set:
		return "SET"
	}
	return fmt.Sprintf("ActionType(%d)", int(a))
}

// ParseActionType accepts the action names case-insensitively
func ParseActionType(s string) (ActionType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SUBSCRIBE":
		return Subscribe, nil
	case "UNSUBSCRIBE":
		return Unsubscribe, nil
	case "SET":
		return Set, nil
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

func (a ActionType) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts the action name or its number
func (a *ActionType) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		if n < int(Subscribe) || n > int(Set) {
			return fmt.Errorf("unknown action %d", n)
		}
		*a = ActionType(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseActionType(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// SlugList is a list of newsletter slugs. In JSON it is either an array or
// a comma separated string.
type SlugList []string

// ParseSlugs splits a comma separated list, trimming and dropping blanks
func ParseSlugs(s string) SlugList {
	var out SlugList
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (l *SlugList) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*l = ParseSlugs(s)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("newsletters: want string or array: %w", err)
	}
	*l = ParseSlugs(strings.Join(list, ","))
	return nil
}

// Delta maps newsletter slug to target membership
type Delta map[string]bool

// Subscribed lists the slugs set to true, sorted
func (d Delta) Subscribed() []string {
	var out []string
	for slug, on := range d {
		if on {
			out = append(out, slug)
		}
	}
	sort.Strings(out)
	return out
}

// ParseNewsletters computes the delta for an action. groups maps group slugs
// to their members and is only consulted for Subscribe, one level deep.
func ParseNewsletters(action ActionType, requested, current []string, groups map[string][]string) Delta {
	delta := make(Delta)

	if action == Subscribe {
		expanded := make([]string, 0, len(requested))
		for _, slug := range requested {
			if members, ok := groups[slug]; ok && len(members) > 0 {
				expanded = append(expanded, members...)
				continue
			}
			expanded = append(expanded, slug)
		}
		requested = expanded
	}

	if action == Subscribe || action == Set {
		for _, slug := range requested {
			delta[slug] = true
		}
	}

	switch action {
	case Set:
		for _, slug := range current {
			if _, keep := delta[slug]; !keep {
				delta[slug] = false
			}
		}
	case Unsubscribe:
		for _, slug := range requested {
			delta[slug] = false
		}
	}
	return delta
}
