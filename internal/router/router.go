// Package router implements the hybrid backend router (C6): a per-call
// decision engine choosing between the heavy (full browser) and light
// (headless DOM engine) backends, with a circuit breaker and cookie
// reconciliation on escalation.
package router

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/browserkit/broker/internal/cookiesync"
	"github.com/browserkit/broker/internal/driver"
)

// Backend identifies which engine a route decision selected.
type Backend int

const (
	Heavy Backend = iota
	Light
)

func (b Backend) String() string {
	if b == Light {
		return "light"
	}
	return "heavy"
}

var visualOnlyTools = map[string]bool{
	"screenshot": true,
	"pdf":        true,
}

// Decision is the outcome of one routing call.
type Decision struct {
	Backend  Backend
	Fallback bool
}

// Stats exposes router counters for the admin/metrics surface.
type Stats struct {
	CircuitTrips int64
	Fallbacks    int64
	CircuitOpen  bool
}

// Router implements the ordered routing rule set and circuit breaker from
// SPEC_FULL.md §4.4. A hand-rolled state machine is used instead of a
// third-party circuit-breaker library: no example repo in the corpus
// imports one, the state is five fields with two transitions, and the
// ordering guarantee (routing decisions and stats mutations happen
// entirely synchronously, no interleaving) is simpler to guarantee by hand
// than to verify against an external library's semantics.
type Router struct {
	mu sync.Mutex

	enabled      bool
	maxFailures  int
	cooldown     time.Duration
	failureCount int
	circuitOpen  bool
	openedAt     time.Time

	circuitTrips atomic.Int64
	fallbacks    atomic.Int64
}

// Options configures a Router.
type Options struct {
	Enabled     bool
	MaxFailures int
	Cooldown    time.Duration
}

// New returns a router in the closed-circuit state.
func New(opts Options) *Router {
	if opts.MaxFailures < 1 {
		opts.MaxFailures = 3
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	return &Router{
		enabled:     opts.Enabled,
		maxFailures: opts.MaxFailures,
		cooldown:    opts.Cooldown,
	}
}

// Route applies the ordered rule set from SPEC_FULL.md §4.4. lightPage may
// be nil if no light-backend page is available for this call.
func (r *Router) Route(tool string, lightPage driver.Page, lightPageErr error) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return Decision{Backend: Heavy}
	}
	if visualOnlyTools[tool] {
		return Decision{Backend: Heavy}
	}

	if r.circuitOpen {
		if time.Since(r.openedAt) < r.cooldown {
			r.circuitTrips.Add(1)
			return Decision{Backend: Heavy}
		}
		r.circuitOpen = false
		r.failureCount = 0
	}

	if lightPage != nil && lightPageErr == nil && !lightPage.IsClosed() {
		r.recordSuccessLocked()
		return Decision{Backend: Light}
	}

	r.recordFailureLocked()
	return Decision{Backend: Heavy, Fallback: true}
}

func (r *Router) recordSuccessLocked() {
	r.failureCount = 0
}

func (r *Router) recordFailureLocked() {
	r.fallbacks.Add(1)
	r.failureCount++
	if r.failureCount >= r.maxFailures && !r.circuitOpen {
		r.circuitOpen = true
		r.openedAt = time.Now()
		log.Warn().Int("failures", r.failureCount).Msg("router circuit opened")
	}
}

// Stats returns a snapshot of router counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	open := r.circuitOpen
	r.mu.Unlock()
	return Stats{
		CircuitTrips: r.circuitTrips.Load(),
		Fallbacks:    r.fallbacks.Load(),
		CircuitOpen:  open,
	}
}

// EscalationResult is returned by Escalate.
type EscalationResult struct {
	Success       bool
	PreviousURL   string
	NewBackend    Backend
	CookiesSynced bool
	URL           string
}

// Escalate moves a call from the light backend to the heavy backend,
// syncing cookies before navigating (Open Question resolution, §9):
// navigation is best-effort and its failure does not negate CookiesSynced.
// Only cookies the heavy page lacks are written; its existing cookies are
// kept.
func Escalate(lightPage, heavyPage driver.Page, currentURL string) EscalationResult {
	synced := cookiesync.Merge(lightPage, heavyPage) > 0

	if err := heavyPage.Navigate(currentURL); err != nil {
		log.Debug().Err(err).Str("url", currentURL).Msg("escalation navigate failed, continuing best-effort")
	}

	return EscalationResult{
		Success:       true,
		PreviousURL:   currentURL,
		NewBackend:    Heavy,
		CookiesSynced: synced,
		URL:           currentURL,
	}
}
