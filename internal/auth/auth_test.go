package auth

import (
	"sync"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/kilupskalvis/replica/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// signToken issues an HS256 token carrying the given Hasura roles.
func signToken(t *testing.T, sub string, roles ...string) string {
	t.Helper()
	allowed := make([]any, len(roles))
	for i, r := range roles {
		allowed[i] = r
	}
	claims := gojwt.MapClaims{
		"sub": sub,
		HasuraClaimsKey: map[string]any{
			"x-hasura-allowed-roles": allowed,
			"x-hasura-default-role":  "user",
		},
	}
	tok, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

type eventLog struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (l *eventLog) add(ev StatusEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// ==================== TokenProvider Tests ====================

func TestParseRoles(t *testing.T) {
	roles, err := ParseRoles(signToken(t, "u1", "user", "editor"))
	require.NoError(t, err)
	assert.Equal(t, []string{"user", "editor"}, roles)
}

func TestParseRoles_NoHasuraClaims(t *testing.T) {
	tok, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{"sub": "x"}).SignedString([]byte("k"))
	require.NoError(t, err)

	roles, err := ParseRoles(tok)
	require.NoError(t, err)
	assert.Empty(t, roles)
}

func TestParseRoles_Malformed(t *testing.T) {
	_, err := ParseRoles("not-a-jwt")
	assert.Error(t, err)
}

func TestTokenProvider_SetAndClear(t *testing.T) {
	p := NewTokenProvider()
	assert.False(t, p.IsAuthenticated())

	calls := 0
	p.OnAuthStateChanged(func() { calls++ })

	tok := signToken(t, "u1", "user")
	require.NoError(t, p.SetToken(tok))
	assert.True(t, p.IsAuthenticated())
	assert.Equal(t, tok, p.AccessToken())
	assert.Equal(t, []string{"user"}, p.UserRoles())

	p.Clear()
	assert.False(t, p.IsAuthenticated())
	assert.Empty(t, p.UserRoles())
	assert.Equal(t, 2, calls)
}

func TestTokenProvider_RejectsMalformed(t *testing.T) {
	p := NewTokenProvider()
	assert.Error(t, p.SetToken("garbage"))
	assert.False(t, p.IsAuthenticated())
}

// ==================== Indicator Tests ====================

func TestIndicator_AnonymousByDefault(t *testing.T) {
	ind := NewIndicator(NewTokenProvider())
	defer ind.Close()

	assert.False(t, ind.IsAuthenticated())
	assert.Equal(t, []string{models.PublicRole}, ind.Roles())
	assert.Empty(t, ind.Credential())
}

func TestIndicator_ReplaysCurrentState(t *testing.T) {
	ind := NewIndicator(NewTokenProvider())
	defer ind.Close()

	log := &eventLog{}
	ind.Subscribe(log.add)
	require.Equal(t, 1, log.len())
	assert.Equal(t, []string{models.PublicRole}, log.events[0].Roles)
}

func TestIndicator_EmitsOnLoginAndLogout(t *testing.T) {
	p := NewTokenProvider()
	ind := NewIndicator(p)
	defer ind.Close()

	log := &eventLog{}
	ind.Subscribe(log.add)

	require.NoError(t, p.SetToken(signToken(t, "u1", "user")))
	require.Equal(t, 2, log.len())
	assert.True(t, log.events[1].Authenticated)
	assert.Equal(t, []string{models.PublicRole, "user"}, log.events[1].Roles)
	assert.Equal(t, []string{models.PublicRole, "user"}, ind.Roles())

	p.Clear()
	require.Equal(t, 3, log.len())
	assert.False(t, log.events[2].Authenticated)
}

func TestIndicator_RefreshWithSameRolesIsSilent(t *testing.T) {
	p := NewTokenProvider()
	ind := NewIndicator(p)
	defer ind.Close()

	first := signToken(t, "u1", "user")
	require.NoError(t, p.SetToken(first))

	log := &eventLog{}
	ind.Subscribe(log.add)
	require.Equal(t, 1, log.len())

	refreshed := signToken(t, "u1-refreshed", "user")
	require.NoError(t, p.SetToken(refreshed))
	assert.Equal(t, 1, log.len())
	assert.Equal(t, refreshed, ind.Credential())

	require.NoError(t, p.SetToken(signToken(t, "u1", "user", "admin")))
	assert.Equal(t, 2, log.len())
}

func TestIndicator_ConcurrentChangesEndOnCurrentState(t *testing.T) {
	p := NewTokenProvider()
	ind := NewIndicator(p)
	defer ind.Close()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	ind.Subscribe(func(ev StatusEvent) {
		if ev.Authenticated {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
	})
	log := &eventLog{}
	ind.Subscribe(log.add)

	login := make(chan struct{})
	go func() {
		defer close(login)
		_ = p.SetToken(signToken(t, "u1", "user"))
	}()
	<-entered

	logout := make(chan struct{})
	go func() {
		defer close(logout)
		p.Clear()
	}()
	time.Sleep(30 * time.Millisecond)
	close(release)
	<-login
	<-logout

	log.mu.Lock()
	defer log.mu.Unlock()
	require.NotEmpty(t, log.events)
	assert.Equal(t, ind.IsAuthenticated(), log.events[len(log.events)-1].Authenticated)
	assert.False(t, log.events[len(log.events)-1].Authenticated)
}
