package auth

import (
	"slices"
	"sync"

	"github.com/kilupskalvis/replica/internal/broadcast"
	"github.com/kilupskalvis/replica/internal/models"
)

// StatusEvent describes the current session.
type StatusEvent struct {
	Authenticated bool
	Roles         []string
	Credential    string
}

// Indicator derives the session signal from a Provider. It emits when the
// authenticated flag or the role set changes; a token refresh that keeps both
// only updates the credential.
type Indicator struct {
	provider Provider
	events   *broadcast.Broadcaster[StatusEvent]
	sub      *broadcast.Subscription

	// pubMu keeps publishes in the order the states were taken.
	pubMu   sync.Mutex
	mu      sync.Mutex
	current StatusEvent
}

// NewIndicator observes provider and publishes its initial state.
func NewIndicator(provider Provider) *Indicator {
	i := &Indicator{
		provider: provider,
		events:   broadcast.NewReplaying[StatusEvent](),
	}
	i.current = i.snapshot()
	i.events.Publish(i.current)
	i.sub = provider.OnAuthStateChanged(i.refresh)
	return i
}

// Close detaches from the provider.
func (i *Indicator) Close() {
	i.sub.Unsubscribe()
}

// Subscribe registers fn; the current state is delivered immediately.
func (i *Indicator) Subscribe(fn func(StatusEvent)) *broadcast.Subscription {
	return i.events.Subscribe(fn)
}

// Roles returns the current roles. The public role is always present.
func (i *Indicator) Roles() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return slices.Clone(i.current.Roles)
}

// Credential returns the bearer token to present, or "".
func (i *Indicator) Credential() string {
	return i.provider.AccessToken()
}

// IsAuthenticated reports whether a user is signed in.
func (i *Indicator) IsAuthenticated() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.current.Authenticated
}

func (i *Indicator) snapshot() StatusEvent {
	authenticated := i.provider.IsAuthenticated()
	roles := []string{models.PublicRole}
	if authenticated {
		for _, r := range i.provider.UserRoles() {
			if !slices.Contains(roles, r) {
				roles = append(roles, r)
			}
		}
	}
	slices.Sort(roles)
	return StatusEvent{
		Authenticated: authenticated,
		Roles:         roles,
		Credential:    i.provider.AccessToken(),
	}
}

func (i *Indicator) refresh() {
	i.pubMu.Lock()
	defer i.pubMu.Unlock()

	next := i.snapshot()

	i.mu.Lock()
	changed := next.Authenticated != i.current.Authenticated || !slices.Equal(next.Roles, i.current.Roles)
	i.current = next
	i.mu.Unlock()

	if changed {
		i.events.Publish(next)
	}
}
