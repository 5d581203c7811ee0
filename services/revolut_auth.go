package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/LovationAdmin/household-budget/models"
	"github.com/LovationAdmin/household-budget/utils"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	oauthScope    = "accounts transactions"
	stateLifetime = 10 * time.Minute
)

// TokenResponse is the body of a successful POST /token.
type TokenResponse struct {
	AccessToken  string `json:"access_token" validate:"required"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in" validate:"gt=0"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
}

type stateClaims struct {
	HouseholdID string `json:"hid"`
	jwt.RegisteredClaims
}

// TokenManager owns the OAuth exchange, refresh and the stored connection tokens.
type TokenManager struct {
	cfg      RevolutConfig
	client   *http.Client
	store    ConnectionStore
	locker   RefreshLocker
	validate *validator.Validate
	now      func() time.Time
}

func NewTokenManager(cfg RevolutConfig, store ConnectionStore, locker RefreshLocker) *TokenManager {
	if locker == nil {
		locker = NewLocalRefreshLocker()
	}
	return &TokenManager{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.timeout()},
		store:    store,
		locker:   locker,
		validate: validator.New(),
		now:      time.Now,
	}
}

// ========== 1. AUTHORIZATION ==========

// AuthorizationURL returns the consent page URL. The state is a short-lived
// signed token carrying the household id.
func (m *TokenManager) AuthorizationURL(householdID string) (string, error) {
	if err := m.validate.Var(householdID, "required"); err != nil {
		return "", NewValidationError("household id is required", err)
	}

	now := m.now()
	claims := stateClaims{
		HouseholdID: householdID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(stateLifetime)),
		},
	}
	state, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(m.cfg.StateSecret))
	if err != nil {
		return "", fmt.Errorf("sign state: %w", err)
	}

	q := url.Values{}
	q.Set("client_id", m.cfg.ClientID)
	q.Set("response_type", "code")
	q.Set("scope", oauthScope)
	q.Set("state", state)
	q.Set("redirect_uri", m.cfg.RedirectURI)
	return strings.TrimRight(m.cfg.AuthURL, "/") + "/auth?" + q.Encode(), nil
}

// ParseState validates a state issued by AuthorizationURL and returns its household id.
func (m *TokenManager) ParseState(state string) (string, error) {
	var claims stateClaims
	_, err := jwt.ParseWithClaims(state, &claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(m.cfg.StateSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(m.now))
	if err != nil {
		return "", NewValidationError("invalid oauth state", err)
	}
	if claims.HouseholdID == "" {
		return "", NewValidationError("invalid oauth state", errors.New("missing household"))
	}
	return claims.HouseholdID, nil
}

// ========== 2. TOKEN ENDPOINT ==========

// ExchangeCodeForToken trades an authorization code for a token pair.
func (m *TokenManager) ExchangeCodeForToken(ctx context.Context, code, redirectURI string) (*TokenResponse, error) {
	if err := m.validate.Var(code, "required"); err != nil {
		return nil, NewValidationError("authorization code is required", err)
	}
	if err := m.validate.Var(redirectURI, "required,url"); err != nil {
		return nil, NewValidationError("redirect uri is invalid", err)
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)

	tok, status, body, err := m.postToken(ctx, form)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		utils.SafeError("[Revolut] code exchange failed (%d): %s", status, body.code())
		return nil, newAuthError(orDefault(body.code(), "token_exchange_failed"), orDefault(body.message(), "authorization code exchange failed"))
	}
	return tok, nil
}

// RefreshAccessTokenDirect performs one refresh_token grant without touching storage.
// A 403 or invalid_grant means the consent is gone and is terminal.
func (m *TokenManager) RefreshAccessTokenDirect(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	tok, status, body, err := m.postToken(ctx, form)
	if err != nil {
		return nil, err
	}
	if tok != nil {
		return tok, nil
	}

	utils.SafeWarn("[Revolut] token refresh failed (%d): %s", status, body.code())
	if status == http.StatusForbidden || body.code() == "invalid_grant" {
		return nil, newConsentExpiredError(orDefault(body.code(), "consent_expired"), orDefault(body.message(), "consent expired, reconnect your bank"))
	}
	return nil, newAuthError(orDefault(body.code(), "token_refresh_failed"), orDefault(body.message(), "token refresh failed"))
}

// postToken returns a token on 2xx, otherwise the status and parsed error body.
func (m *TokenManager) postToken(ctx context.Context, form url.Values) (*TokenResponse, int, revolutErrorBody, error) {
	var errBody revolutErrorBody

	ctx, cancel := context.WithTimeout(ctx, m.cfg.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(m.cfg.AuthURL, "/")+"/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, errBody, NewValidationError("invalid token request", err)
	}
	req.SetBasicAuth(m.cfg.ClientID, m.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, 0, errBody, newNetworkError(err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = json.Unmarshal(raw, &errBody)
		return nil, resp.StatusCode, errBody, nil
	}

	var tok TokenResponse
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, resp.StatusCode, errBody, newAuthError("invalid_token_response", "token response is not valid JSON")
	}
	if err := m.validate.Struct(tok); err != nil {
		return nil, resp.StatusCode, errBody, newAuthError("invalid_token_response", err.Error())
	}
	return &tok, resp.StatusCode, errBody, nil
}

// ========== 3. STORED CONNECTION ==========

// GetValidAccessToken returns the stored token while it is valid and refreshes it otherwise.
func (m *TokenManager) GetValidAccessToken(ctx context.Context, householdID string) (string, error) {
	conn, err := m.store.GetActiveConnection(ctx, householdID)
	if err != nil {
		return "", err
	}
	if !conn.Expired(m.now()) {
		return conn.AccessToken, nil
	}

	return m.refreshLocked(ctx, householdID, func(c *models.RevolutConnection) bool {
		return c.Expired(m.now())
	})
}

// ForceRefresh rotates the token after the API rejected staleToken, unless
// another caller already rotated it.
func (m *TokenManager) ForceRefresh(ctx context.Context, householdID, staleToken string) (string, error) {
	return m.refreshLocked(ctx, householdID, func(c *models.RevolutConnection) bool {
		return c.AccessToken == staleToken || c.Expired(m.now())
	})
}

func (m *TokenManager) refreshLocked(ctx context.Context, householdID string, needed func(*models.RevolutConnection) bool) (string, error) {
	unlock, err := m.locker.Lock(ctx, householdID)
	if err != nil {
		return "", fmt.Errorf("lock token refresh: %w", err)
	}
	defer unlock()

	conn, err := m.store.GetActiveConnection(ctx, householdID)
	if err != nil {
		return "", err
	}
	if !needed(conn) {
		return conn.AccessToken, nil
	}

	tok, err := m.RefreshAccessTokenDirect(ctx, conn.RefreshToken)
	if err != nil {
		if IsTerminal(err) {
			utils.LogBankingAction("consent expired, deactivating connection", householdID, "")
			if dErr := m.store.DeactivateConnection(ctx, conn.ID); dErr != nil {
				utils.SafeError("[Revolut] deactivate connection %s: %v", utils.MaskID(conn.ID), dErr)
			}
		}
		return "", err
	}

	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		refreshToken = conn.RefreshToken
	}
	expiresAt := m.now().Add(time.Duration(tok.ExpiresIn) * time.Second)

	if err := m.store.UpdateConnectionTokens(ctx, conn.ID, tok.AccessToken, refreshToken, expiresAt); err != nil {
		return "", fmt.Errorf("persist refreshed token: %w", err)
	}

	utils.LogBankingAction("token refreshed", householdID, "expires "+expiresAt.Format(time.RFC3339))
	return tok.AccessToken, nil
}

// CompleteAuthorization exchanges the callback code and stores the new active connection.
func (m *TokenManager) CompleteAuthorization(ctx context.Context, householdID, code, consentID string) (*models.RevolutConnection, error) {
	tok, err := m.ExchangeCodeForToken(ctx, code, m.cfg.RedirectURI)
	if err != nil {
		return nil, err
	}

	now := m.now()
	conn := &models.RevolutConnection{
		ID:           uuid.New().String(),
		HouseholdID:  householdID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    now.Add(time.Duration(tok.ExpiresIn) * time.Second),
		ConsentID:    consentID,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.CreateConnection(ctx, conn); err != nil {
		return nil, err
	}

	utils.LogBankingAction("connection created", householdID, "")
	return conn, nil
}

// Disconnect deactivates the active connection. The row is kept.
func (m *TokenManager) Disconnect(ctx context.Context, householdID string) error {
	conn, err := m.store.GetActiveConnection(ctx, householdID)
	if err != nil {
		return err
	}
	if err := m.store.DeactivateConnection(ctx, conn.ID); err != nil {
		return err
	}
	utils.LogBankingAction("connection deactivated", householdID, "")
	return nil
}

// Status reports the active connection without its tokens.
func (m *TokenManager) Status(ctx context.Context, householdID string) (models.ConnectionStatus, error) {
	conn, err := m.store.GetActiveConnection(ctx, householdID)
	if errors.Is(err, ErrNoActiveConnection) {
		return models.ConnectionStatus{Connected: false}, nil
	}
	if err != nil {
		return models.ConnectionStatus{}, err
	}
	expiresAt := conn.ExpiresAt
	return models.ConnectionStatus{
		Connected:    true,
		ConsentID:    conn.ConsentID,
		ExpiresAt:    &expiresAt,
		LastSyncedAt: conn.LastSyncedAt,
	}, nil
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
