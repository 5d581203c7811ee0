package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tokenServer mimics the OAuth token endpoint. Refresh tokens rotate, so a
// replayed refresh token is rejected with invalid_grant.
type tokenServer struct {
	mu           sync.Mutex
	validRefresh string
	seq          int
	refreshCalls int
	codeCalls    int
	expiresIn    int
	omitRefresh  bool
	// failStatus, when set, answers every request with this status and failBody.
	failStatus int
	failBody   string
	delay      time.Duration
}

func (s *tokenServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if user, pass, ok := r.BasicAuth(); !ok || user != "client-id" || pass != "client-secret" {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
		return
	}
	_ = r.ParseForm()

	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failStatus != 0 {
		w.WriteHeader(s.failStatus)
		_, _ = w.Write([]byte(s.failBody))
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		s.codeCalls++
		if r.PostForm.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_code","error_description":"unknown code"}`))
			return
		}
	case "refresh_token":
		s.refreshCalls++
		if r.PostForm.Get("refresh_token") != s.validRefresh {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"refresh token revoked"}`))
			return
		}
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.seq++
	resp := map[string]interface{}{
		"access_token": fmt.Sprintf("access-%d", s.seq),
		"expires_in":   s.expiresIn,
		"token_type":   "Bearer",
	}
	if !s.omitRefresh {
		s.validRefresh = fmt.Sprintf("refresh-%d", s.seq)
		resp["refresh_token"] = s.validRefresh
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *tokenServer) calls() (refresh, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCalls, s.codeCalls
}

type authFixture struct {
	store   *memoryStore
	server  *tokenServer
	manager *TokenManager
	clock   time.Time
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	ts := &tokenServer{validRefresh: "refresh-0", expiresIn: 3600}
	srv := httptest.NewServer(ts)
	t.Cleanup(srv.Close)

	f := &authFixture{
		store:  newMemoryStore(),
		server: ts,
		clock:  time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	f.manager = NewTokenManager(RevolutConfig{
		AuthURL:        srv.URL,
		BaseURL:        srv.URL,
		ClientID:       "client-id",
		ClientSecret:   "client-secret",
		RedirectURI:    "https://app.example.com/revolut/callback",
		StateSecret:    "state-secret-for-tests-only",
		RequestTimeout: 2 * time.Second,
	}, f.store, nil)
	f.manager.now = func() time.Time { return f.clock }
	return f
}

func TestGetValidAccessTokenReturnsCachedToken(t *testing.T) {
	f := newAuthFixture(t)
	f.store.addConnection("hh-1", "access-0", "refresh-0", f.clock.Add(time.Hour))

	for i := 0; i < 3; i++ {
		token, err := f.manager.GetValidAccessToken(context.Background(), "hh-1")
		require.NoError(t, err)
		assert.Equal(t, "access-0", token)
	}

	refresh, _ := f.server.calls()
	assert.Zero(t, refresh)
}

func TestGetValidAccessTokenRefreshesAfterExpiry(t *testing.T) {
	f := newAuthFixture(t)
	expiry := f.clock
	conn := f.store.addConnection("hh-1", "access-0", "refresh-0", expiry)

	f.clock = expiry.Add(time.Second)
	token, err := f.manager.GetValidAccessToken(context.Background(), "hh-1")
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)

	stored := f.store.connection(conn.ID)
	assert.Equal(t, "access-1", stored.AccessToken)
	assert.Equal(t, "refresh-1", stored.RefreshToken)
	assert.Equal(t, expiry.Add(time.Second).Add(3600*time.Second), stored.ExpiresAt)

	// The second call is served from storage.
	token, err = f.manager.GetValidAccessToken(context.Background(), "hh-1")
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)
	refresh, _ := f.server.calls()
	assert.Equal(t, 1, refresh)

	// The rotated-out refresh token is no longer accepted.
	_, err = f.manager.RefreshAccessTokenDirect(context.Background(), "refresh-0")
	assert.ErrorIs(t, err, ErrConsentExpired)
}

func TestGetValidAccessTokenWithoutConnection(t *testing.T) {
	f := newAuthFixture(t)

	_, err := f.manager.GetValidAccessToken(context.Background(), "hh-missing")
	assert.ErrorIs(t, err, ErrNoActiveConnection)
}

func TestRefreshKeepsRefreshTokenWhenNoneReturned(t *testing.T) {
	f := newAuthFixture(t)
	f.server.omitRefresh = true
	conn := f.store.addConnection("hh-1", "access-0", "refresh-0", f.clock.Add(-time.Minute))

	token, err := f.manager.GetValidAccessToken(context.Background(), "hh-1")
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)
	assert.Equal(t, "refresh-0", f.store.connection(conn.ID).RefreshToken)
}

func TestRefreshConsentExpiredDeactivatesConnection(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "403", status: http.StatusForbidden, body: `{"error":"access_denied"}`},
		{name: "invalid_grant", status: http.StatusBadRequest, body: `{"error":"invalid_grant","error_description":"consent revoked"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAuthFixture(t)
			f.server.failStatus, f.server.failBody = tt.status, tt.body
			conn := f.store.addConnection("hh-1", "access-0", "refresh-0", f.clock.Add(-time.Minute))

			_, err := f.manager.GetValidAccessToken(context.Background(), "hh-1")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConsentExpired)
			assert.True(t, IsTerminal(err))
			assert.False(t, f.store.connection(conn.ID).IsActive)

			_, err = f.manager.GetValidAccessToken(context.Background(), "hh-1")
			assert.ErrorIs(t, err, ErrNoActiveConnection)
		})
	}
}

func TestRefreshServerErrorKeepsConnection(t *testing.T) {
	f := newAuthFixture(t)
	f.server.failStatus, f.server.failBody = http.StatusInternalServerError, `{"error":"server_error"}`
	conn := f.store.addConnection("hh-1", "access-0", "refresh-0", f.clock.Add(-time.Minute))

	_, err := f.manager.GetValidAccessToken(context.Background(), "hh-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuth)
	assert.NotErrorIs(t, err, ErrConsentExpired)
	assert.True(t, f.store.connection(conn.ID).IsActive)
}

func TestRefreshInvalidTokenResponse(t *testing.T) {
	f := newAuthFixture(t)
	f.server.failStatus, f.server.failBody = http.StatusOK, `{"token_type":"Bearer","expires_in":3600}`

	_, err := f.manager.RefreshAccessTokenDirect(context.Background(), "refresh-0")

	var rerr *RevolutError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, KindAuth, rerr.Kind)
	assert.Equal(t, "invalid_token_response", rerr.Code)
}

func TestConcurrentCallersRefreshOnce(t *testing.T) {
	f := newAuthFixture(t)
	f.server.delay = 20 * time.Millisecond
	f.store.addConnection("hh-1", "access-0", "refresh-0", f.clock.Add(-time.Minute))

	var wg sync.WaitGroup
	tokens := make([]string, 8)
	errs := make([]error, 8)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = f.manager.GetValidAccessToken(context.Background(), "hh-1")
		}(i)
	}
	wg.Wait()

	for i := range tokens {
		require.NoError(t, errs[i])
		assert.Equal(t, "access-1", tokens[i])
	}
	refresh, _ := f.server.calls()
	assert.Equal(t, 1, refresh)
}

func TestForceRefresh(t *testing.T) {
	f := newAuthFixture(t)
	f.store.addConnection("hh-1", "access-0", "refresh-0", f.clock.Add(time.Hour))

	token, err := f.manager.ForceRefresh(context.Background(), "hh-1", "access-0")
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)

	// A second caller holding the same stale token gets the rotated one.
	token, err = f.manager.ForceRefresh(context.Background(), "hh-1", "access-0")
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)

	refresh, _ := f.server.calls()
	assert.Equal(t, 1, refresh)
}

func TestAuthorizationURLAndState(t *testing.T) {
	f := newAuthFixture(t)

	raw, err := f.manager.AuthorizationURL("hh-1")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/auth", u.Path)
	q := u.Query()
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "accounts transactions", q.Get("scope"))
	assert.Equal(t, "https://app.example.com/revolut/callback", q.Get("redirect_uri"))

	householdID, err := f.manager.ParseState(q.Get("state"))
	require.NoError(t, err)
	assert.Equal(t, "hh-1", householdID)

	_, err = f.manager.ParseState(q.Get("state") + "x")
	assert.ErrorIs(t, err, ErrValidation)

	f.clock = f.clock.Add(11 * time.Minute)
	_, err = f.manager.ParseState(q.Get("state"))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestAuthorizationURLRequiresHousehold(t *testing.T) {
	f := newAuthFixture(t)

	_, err := f.manager.AuthorizationURL("")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestExchangeCodeForToken(t *testing.T) {
	f := newAuthFixture(t)

	tok, err := f.manager.ExchangeCodeForToken(context.Background(), "good-code", "https://app.example.com/revolut/callback")
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok.AccessToken)
	assert.Equal(t, "refresh-1", tok.RefreshToken)
	assert.Equal(t, 3600, tok.ExpiresIn)

	_, err = f.manager.ExchangeCodeForToken(context.Background(), "bad-code", "https://app.example.com/revolut/callback")
	var rerr *RevolutError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, KindAuth, rerr.Kind)
	assert.Equal(t, "invalid_code", rerr.Code)

	_, err = f.manager.ExchangeCodeForToken(context.Background(), "", "https://app.example.com/revolut/callback")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.manager.ExchangeCodeForToken(context.Background(), "good-code", "not a url")
	assert.ErrorIs(t, err, ErrValidation)

	_, codeCalls := f.server.calls()
	assert.Equal(t, 2, codeCalls)
}

func TestCompleteAuthorizationReplacesActiveConnection(t *testing.T) {
	f := newAuthFixture(t)
	old := f.store.addConnection("hh-1", "old-access", "old-refresh", f.clock.Add(time.Hour))

	conn, err := f.manager.CompleteAuthorization(context.Background(), "hh-1", "good-code", "consent-42")
	require.NoError(t, err)
	assert.Equal(t, "consent-42", conn.ConsentID)
	assert.Equal(t, f.clock.Add(time.Hour), conn.ExpiresAt)

	assert.False(t, f.store.connection(old.ID).IsActive)
	active, err := f.store.GetActiveConnection(context.Background(), "hh-1")
	require.NoError(t, err)
	assert.Equal(t, conn.ID, active.ID)
	assert.Equal(t, "access-1", active.AccessToken)
}

func TestStatusAndDisconnect(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	status, err := f.manager.Status(ctx, "hh-1")
	require.NoError(t, err)
	assert.False(t, status.Connected)

	f.store.addConnection("hh-1", "access-0", "refresh-0", f.clock.Add(time.Hour))
	status, err = f.manager.Status(ctx, "hh-1")
	require.NoError(t, err)
	assert.True(t, status.Connected)
	require.NotNil(t, status.ExpiresAt)

	require.NoError(t, f.manager.Disconnect(ctx, "hh-1"))
	status, err = f.manager.Status(ctx, "hh-1")
	require.NoError(t, err)
	assert.False(t, status.Connected)

	assert.ErrorIs(t, f.manager.Disconnect(ctx, "hh-1"), ErrNoActiveConnection)
}

func TestTokenRequestUsesFormEncoding(t *testing.T) {
	var gotContentType, gotGrant string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		_ = r.ParseForm()
		gotGrant = r.PostForm.Get("grant_type")
		_, _ = w.Write([]byte(`{"access_token":"a","refresh_token":"r","expires_in":60}`))
	}))
	defer srv.Close()

	m := NewTokenManager(RevolutConfig{AuthURL: srv.URL + "/", ClientID: "id", ClientSecret: "secret"}, newMemoryStore(), nil)
	_, err := m.RefreshAccessTokenDirect(context.Background(), "r0")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(gotContentType, "application/x-www-form-urlencoded"))
	assert.Equal(t, "refresh_token", gotGrant)
}
