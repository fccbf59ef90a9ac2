// Package maintenance implements the admission gate that defers jobs while
// operators pause writes to the upstream stores.
package maintenance

import (
	"sync/atomic"

	"github.com/austindbirch/basketsync/internal/metrics"
)

// DefaultExempt lists jobs that keep running during maintenance: they either
// do not touch the contact store or are safe to repeat.
var DefaultExempt = []string{
	"news.add_fxa_activity",
	"news.update_student_ambassadors",
	"news.add_sms_user",
	"news.add_sms_user_optin",
}

// Gate is a process-wide maintenance flag with a static exemption set.
// The zero value is not usable; create one with New.
type Gate struct {
	enabled atomic.Bool
	exempt  map[string]struct{}
}

// New returns a gate in the given state. A nil exempt list uses DefaultExempt.
func New(enabled bool, exempt []string) *Gate {
	if exempt == nil {
		exempt = DefaultExempt
	}
	g := &Gate{exempt: make(map[string]struct{}, len(exempt))}
	for _, name := range exempt {
		g.exempt[name] = struct{}{}
	}
	g.SetEnabled(enabled)
	return g
}

func (g *Gate) Enabled() bool {
	return g.enabled.Load()
}

func (g *Gate) SetEnabled(enabled bool) {
	g.enabled.Store(enabled)
	metrics.SetMaintenanceMode(enabled)
}

// Exempt reports whether name runs even during maintenance
func (g *Gate) Exempt(name string) bool {
	_, ok := g.exempt[name]
	return ok
}

// Admit returns false iff maintenance is on and the job is not exempt
func (g *Gate) Admit(name string) bool {
	return !g.Enabled() || g.Exempt(name)
}
