package gmailingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type memTokenStore struct {
	tok *oauth2.Token
}

func (m *memTokenStore) Load(ctx context.Context) (*oauth2.Token, error) { return m.tok, nil }
func (m *memTokenStore) Save(ctx context.Context, tok *oauth2.Token) error {
	m.tok = tok
	return nil
}

func TestNewState_ProducesDistinctValues(t *testing.T) {
	a, err := newState()
	require.NoError(t, err)
	b, err := newState()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.NotEmpty(t, a)
}

func TestAuthURL_RegistersPendingState(t *testing.T) {
	store := &memTokenStore{}
	mgr := NewOAuthManager("client-id", "client-secret", "https://example.test/callback", []string{"gmail.readonly"}, store)

	authURL, err := mgr.AuthURL()
	require.NoError(t, err)
	assert.Contains(t, authURL, "client-id")
	assert.Len(t, mgr.pending, 1)
}

func TestHandleCallback_RejectsUnknownState(t *testing.T) {
	store := &memTokenStore{}
	mgr := NewOAuthManager("client-id", "client-secret", "https://example.test/callback", []string{"gmail.readonly"}, store)

	err := mgr.HandleCallback(context.Background(), "never-issued", "some-code")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestHandleCallback_ConsumesStateOnFirstUse(t *testing.T) {
	store := &memTokenStore{}
	mgr := NewOAuthManager("client-id", "client-secret", "https://example.test/callback", []string{"gmail.readonly"}, store)

	_, err := mgr.AuthURL()
	require.NoError(t, err)

	var state string
	for s := range mgr.pending {
		state = s
	}

	// The exchange itself will fail against a fake code with no live
	// provider, but the state must be consumed regardless of that outcome.
	_ = mgr.HandleCallback(context.Background(), state, "fake-code")
	assert.Empty(t, mgr.pending)

	err = mgr.HandleCallback(context.Background(), state, "fake-code")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestPruneExpiredLocked_RemovesOnlyStaleEntries(t *testing.T) {
	mgr := &OAuthManager{pending: map[string]pendingState{
		"fresh": {issuedAt: time.Now()},
		"stale": {issuedAt: time.Now().Add(-2 * stateTTL)},
	}}
	mgr.pruneExpiredLocked()
	assert.Len(t, mgr.pending, 1)
}
