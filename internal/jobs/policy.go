package jobs

import (
	"strings"
	"time"
)

// Messages of transient errors caused by permanently bad input
var DefaultIgnoreMessages = []string{
	"InvalidEmailAddress",
	"An invalid phone number was provided",
}

// Messages of transient errors that are harmless once retries run out
var DefaultIgnoreAfterRetry = []string{
	"There are no valid subscribers",
}

// Policy decides what happens to a job after an attempt
type Policy struct {
	MaxRetries       int
	BaseDelay        time.Duration
	IgnoreMessages   []string
	IgnoreAfterRetry []string
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:       8,
		BaseDelay:        time.Minute,
		IgnoreMessages:   DefaultIgnoreMessages,
		IgnoreAfterRetry: DefaultIgnoreAfterRetry,
	}
}

// Delay returns the backoff before retry number retries+1: BaseDelay * 2^retries
func (p Policy) Delay(retries int) time.Duration {
	if retries < 0 {
		retries = 0
	}
	if retries > 30 {
		retries = 30
	}
	return p.BaseDelay << uint(retries)
}

type Action int

const (
	ActionSucceed Action = iota
	ActionIgnore
	ActionRetry
	ActionFail
)

func (a Action) String() string {
	switch a {
	case ActionSucceed:
		return "succeed"
	case ActionIgnore:
		return "ignore"
	case ActionRetry:
		return "retry"
	case ActionFail:
		return "fail"
	}
	return "unknown"
}

// Decision is the outcome of Policy.Decide
type Decision struct {
	Action    Action
	Kind      Kind
	Delay     time.Duration // set for ActionRetry
	Exhausted bool          // retries ran out on a transient error
	Reason    string
}

// Decide classifies err from an attempt that had already been retried retries times
func (p Policy) Decide(err error, retries int) Decision {
	if err == nil {
		return Decision{Action: ActionSucceed, Reason: "ok"}
	}

	kind := Classify(err)
	switch kind {
	case KindFatal:
		return Decision{Action: ActionFail, Kind: kind, Reason: "fatal"}
	case KindUnclassified:
		return Decision{Action: ActionFail, Kind: kind, Reason: "unclassified"}
	}

	if matchesAny(err, p.IgnoreMessages) {
		return Decision{Action: ActionIgnore, Kind: kind, Reason: "ignored"}
	}
	if retries < p.MaxRetries {
		return Decision{Action: ActionRetry, Kind: kind, Delay: p.Delay(retries), Reason: "transient"}
	}
	if matchesAny(err, p.IgnoreAfterRetry) {
		return Decision{Action: ActionIgnore, Kind: kind, Exhausted: true, Reason: "ignored_after_retry"}
	}
	return Decision{Action: ActionFail, Kind: kind, Exhausted: true, Reason: "retries_exhausted"}
}

// matchesAny is the only place job errors are matched by message text
func matchesAny(err error, patterns []string) bool {
	msg := err.Error()
	for _, p := range patterns {
		if p != "" && strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
