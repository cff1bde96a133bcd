// Package guard implements the client-side route gate: it resolves the
// current identity and active role before navigation, redirecting
// unauthenticated or ambiguous (multi-role) sessions.
package guard

import (
	"context"
	"errors"
	"net/url"
	"sync"
)

type State int

const (
	StateUnknown State = iota
	StateChecking
	StateAuthenticated
	StateUnauthenticated
)

func (s State) String() string {
	switch s {
	case StateChecking:
		return "checking"
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// ErrUnauthenticated is how a Verifier reports a definitive 401; any other
// error is treated as a transient network failure.
var ErrUnauthenticated = errors.New("unauthenticated")

var ErrUnknownRole = errors.New("role not granted to this identity")

type Identity struct {
	UserID string
	Roles  []string
}

// Verifier performs the session verification round-trip.
type Verifier interface {
	VerifySession(ctx context.Context) (Identity, error)
}

type Decision struct {
	State      State
	Allowed    bool
	ActiveRole string
	// RedirectTo is set when Allowed is false: either the login route with
	// the original target carried as a return param, or the role selection
	// route for unresolved multi-role sessions.
	RedirectTo string
	// Superseded marks a result made stale by a newer navigation; callers
	// must discard it.
	Superseded bool
}

type Guard struct {
	mu       sync.Mutex
	verifier Verifier
	cached   *Identity
	active   string
	seq      uint64

	LoginPath         string
	RoleSelectionPath string

	// States publishes guard state transitions for UI observers.
	States *StateStore[State]
}

func New(verifier Verifier) *Guard {
	return &Guard{
		verifier:          verifier,
		LoginPath:         "/connexion",
		RoleSelectionPath: "/choix-du-role",
		States:            NewStateStore[State](StateUnknown),
	}
}

// Check gates one navigation to targetURL. A cached identity resolves
// synchronously; otherwise the session is verified over the network. A newer
// Check supersedes any in-flight one, whose result is discarded.
func (g *Guard) Check(ctx context.Context, targetURL string) Decision {
	g.mu.Lock()
	if g.cached != nil {
		decision := g.resolveLocked(*g.cached)
		g.mu.Unlock()
		return decision
	}
	g.seq++
	mySeq := g.seq
	g.mu.Unlock()
	g.States.Set(StateChecking)

	identity, err := g.verifier.VerifySession(ctx)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seq != mySeq {
		return Decision{State: StateUnknown, Superseded: true}
	}

	if err != nil {
		if !errors.Is(err, ErrUnauthenticated) && g.cached != nil {
			// Transient failure: trust the cache rather than bouncing the
			// user to login during a connectivity blip.
			return g.resolveLocked(*g.cached)
		}
		g.cached = nil
		g.active = ""
		g.States.Set(StateUnauthenticated)
		return Decision{
			State:      StateUnauthenticated,
			RedirectTo: g.LoginPath + "?redirect=" + url.QueryEscape(targetURL),
		}
	}

	g.cached = &identity
	return g.resolveLocked(identity)
}

func (g *Guard) resolveLocked(identity Identity) Decision {
	g.States.Set(StateAuthenticated)
	switch {
	case len(identity.Roles) == 1:
		g.active = identity.Roles[0]
		return Decision{State: StateAuthenticated, Allowed: true, ActiveRole: g.active}
	case g.active != "" && contains(identity.Roles, g.active):
		return Decision{State: StateAuthenticated, Allowed: true, ActiveRole: g.active}
	default:
		// Multi-role with no prior choice (or no roles yet): the user must
		// pick before entering the app.
		return Decision{State: StateAuthenticated, RedirectTo: g.RoleSelectionPath}
	}
}

// SelectRole records the user's choice from the role selection screen. The
// choice is client-held only and never persisted server-side.
func (g *Guard) SelectRole(role string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cached == nil || !contains(g.cached.Roles, role) {
		return ErrUnknownRole
	}
	g.active = role
	return nil
}

func (g *Guard) ActiveRole() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// SignOut drops the cached identity and active role.
func (g *Guard) SignOut() {
	g.mu.Lock()
	g.cached = nil
	g.active = ""
	g.mu.Unlock()
	g.States.Set(StateUnauthenticated)
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
