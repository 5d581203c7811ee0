package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/LovationAdmin/household-budget/utils"

	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

// RevolutConfig holds the Open Banking credentials and endpoints.
type RevolutConfig struct {
	BaseURL        string
	AuthURL        string
	ClientID       string
	ClientSecret   string
	RedirectURI    string
	StateSecret    string
	RequestTimeout time.Duration
}

func (c RevolutConfig) timeout() time.Duration {
	if c.RequestTimeout <= 0 {
		return 30 * time.Second
	}
	return c.RequestTimeout
}

// RevolutClient is the authenticated request executor for the resource API.
type RevolutClient struct {
	BaseURL string
	Timeout time.Duration
	Client  *http.Client
}

func NewRevolutClient(cfg RevolutConfig) *RevolutClient {
	return &RevolutClient{
		BaseURL: strings.TrimRight(cfg.BaseURL, "/"),
		Timeout: cfg.timeout(),
		Client:  &http.Client{Timeout: cfg.timeout()},
	}
}

// ========== DTOs ==========

// RevolutAccount is an external account. Balance is signed.
type RevolutAccount struct {
	ID         string
	Name       string
	Currency   string
	IBAN       string
	Type       AccountType
	Balances   []RevolutBalance
	RawType    string
	HasBalance bool
	Balance    decimal.Decimal
}

// RevolutBalance is one balance figure. Amount is signed.
type RevolutBalance struct {
	AccountID string
	Type      string
	Amount    decimal.Decimal
	Currency  string
}

// RevolutTransaction is a booked transaction. Amount is the unsigned magnitude;
// the sign is applied once, when the transaction is imported.
type RevolutTransaction struct {
	ID          string
	AccountID   string
	Amount      decimal.Decimal
	Indicator   string
	Currency    string
	Type        TransactionType
	Description string
	BookingDate time.Time
}

// ========== Vendor payloads ==========

type revolutAmount struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

type revolutBalancePayload struct {
	BalanceType          string        `json:"balanceType"`
	BalanceAmount        revolutAmount `json:"balanceAmount"`
	CreditDebitIndicator string        `json:"creditDebitIndicator"`
}

type revolutAccountPayload struct {
	AccountID      string                  `json:"accountId"`
	ResourceID     string                  `json:"resourceId"`
	Name           string                  `json:"name"`
	Nickname       string                  `json:"nickname"`
	Currency       string                  `json:"currency"`
	IBAN           string                  `json:"iban"`
	AccountType    string                  `json:"accountType"`
	AccountSubType string                  `json:"accountSubType"`
	CashAccount    string                  `json:"cashAccountType"`
	Balances       []revolutBalancePayload `json:"balances"`
}

type revolutTransactionPayload struct {
	TransactionID         string        `json:"transactionId"`
	BookingDate           string        `json:"bookingDate"`
	ValueDate             string        `json:"valueDate"`
	TransactionAmount     revolutAmount `json:"transactionAmount"`
	CreditDebitIndicator  string        `json:"creditDebitIndicator"`
	TransactionType       string        `json:"transactionType"`
	ProprietaryCode       string        `json:"proprietaryBankTransactionCode"`
	RemittanceInformation string        `json:"remittanceInformationUnstructured"`
	CreditorName          string        `json:"creditorName"`
	DebtorName            string        `json:"debtorName"`
}

type accountsEnvelope struct {
	Accounts []revolutAccountPayload `json:"accounts"`
}

type balancesEnvelope struct {
	Balances []revolutBalancePayload `json:"balances"`
}

type transactionsEnvelope struct {
	Transactions struct {
		Booked  []revolutTransactionPayload `json:"booked"`
		Pending []revolutTransactionPayload `json:"pending"`
	} `json:"transactions"`
}

type revolutErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Code             string `json:"code"`
	Message          string `json:"message"`
}

func (b revolutErrorBody) code() string {
	if b.Code != "" {
		return b.Code
	}
	return b.Error
}

func (b revolutErrorBody) message() string {
	if b.Message != "" {
		return b.Message
	}
	return b.ErrorDescription
}

// ========== Request primitive ==========

// do executes one Bearer-authenticated call and decodes the JSON body into out.
func (c *RevolutClient) do(ctx context.Context, method, endpoint, accessToken string, query url.Values, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	target := c.BaseURL + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return NewValidationError("invalid request", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		utils.SafeWarn("[Revolut] %s %s transport error: %v", method, endpoint, err)
		return newNetworkError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return newAPIError(resp.StatusCode, "invalid_response", fmt.Sprintf("decode %s: %v", endpoint, err))
	}
	return nil
}

func statusError(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return newRateLimitError(parseRetryAfter(resp.Header.Get("Retry-After")))
	case http.StatusUnauthorized:
		return newTokenExpiredError("access token rejected")
	case http.StatusForbidden:
		return newConsentExpiredError("", "consent expired or revoked")
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var parsed revolutErrorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		utils.SafeWarn("[Revolut] status %d with unparseable body", resp.StatusCode)
		return newAPIError(resp.StatusCode, "", "")
	}
	return newAPIError(resp.StatusCode, parsed.code(), parsed.message())
}

func parseRetryAfter(v string) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// ========== Endpoints ==========

// GetAccounts lists the connected accounts with their nested balances.
func (c *RevolutClient) GetAccounts(ctx context.Context, accessToken string) ([]RevolutAccount, error) {
	var env accountsEnvelope
	if err := c.do(ctx, http.MethodGet, "/accounts", accessToken, nil, &env); err != nil {
		return nil, err
	}

	accounts := make([]RevolutAccount, 0, len(env.Accounts))
	for _, raw := range env.Accounts {
		accounts = append(accounts, normalizeAccount(raw))
	}
	utils.SafeDebug("[Revolut] fetched %d accounts", len(accounts))
	return accounts, nil
}

// GetBalances returns the signed balances of one account.
func (c *RevolutClient) GetBalances(ctx context.Context, accessToken, accountID string) ([]RevolutBalance, error) {
	var env balancesEnvelope
	endpoint := fmt.Sprintf("/accounts/%s/balances", url.PathEscape(accountID))
	if err := c.do(ctx, http.MethodGet, endpoint, accessToken, nil, &env); err != nil {
		return nil, err
	}
	return normalizeBalances(accountID, env.Balances), nil
}

// GetTransactions returns booked transactions between from and to, inclusive.
func (c *RevolutClient) GetTransactions(ctx context.Context, accessToken, accountID string, from, to time.Time) ([]RevolutTransaction, error) {
	var env transactionsEnvelope
	endpoint := fmt.Sprintf("/accounts/%s/transactions", url.PathEscape(accountID))
	query := url.Values{}
	query.Set("dateFrom", from.Format(dateLayout))
	query.Set("dateTo", to.Format(dateLayout))

	if err := c.do(ctx, http.MethodGet, endpoint, accessToken, query, &env); err != nil {
		return nil, err
	}

	booked := make([]RevolutTransaction, 0, len(env.Transactions.Booked))
	for _, raw := range env.Transactions.Booked {
		booked = append(booked, normalizeTransaction(accountID, raw))
	}
	utils.SafeDebug("[Revolut] account %s: %d booked, %d pending skipped",
		utils.MaskID(accountID), len(booked), len(env.Transactions.Pending))
	return booked, nil
}

// ========== Normalization ==========

func normalizeAccount(raw revolutAccountPayload) RevolutAccount {
	id := raw.AccountID
	if id == "" {
		id = raw.ResourceID
	}

	name := raw.Name
	if name == "" {
		name = raw.Nickname
	}

	rawType := raw.AccountSubType
	if rawType == "" {
		rawType = raw.AccountType
	}
	if rawType == "" {
		rawType = raw.CashAccount
	}

	acc := RevolutAccount{
		ID:       id,
		Name:     name,
		Currency: raw.Currency,
		IBAN:     raw.IBAN,
		Type:     ClassifyAccountType(rawType),
		RawType:  rawType,
		Balances: normalizeBalances(id, raw.Balances),
	}

	if b, ok := PreferredBalance(acc.Balances); ok {
		acc.Balance, acc.HasBalance = b.Amount, true
		if acc.Currency == "" {
			acc.Currency = b.Currency
		}
	}
	return acc
}

func normalizeBalances(accountID string, raw []revolutBalancePayload) []RevolutBalance {
	balances := make([]RevolutBalance, 0, len(raw))
	for _, b := range raw {
		balances = append(balances, RevolutBalance{
			AccountID: accountID,
			Type:      b.BalanceType,
			Amount:    SignedAmount(b.BalanceAmount.Amount, b.CreditDebitIndicator),
			Currency:  b.BalanceAmount.Currency,
		})
	}
	return balances
}

func normalizeTransaction(accountID string, raw revolutTransactionPayload) RevolutTransaction {
	code := raw.TransactionType
	if code == "" {
		code = raw.ProprietaryCode
	}

	description := raw.RemittanceInformation
	if description == "" {
		description = raw.CreditorName
	}
	if description == "" {
		description = raw.DebtorName
	}

	date := raw.BookingDate
	if date == "" {
		date = raw.ValueDate
	}
	booked, err := time.Parse(dateLayout, date)
	if err != nil {
		booked, _ = time.Parse(time.RFC3339, date)
	}

	return RevolutTransaction{
		ID:          raw.TransactionID,
		AccountID:   accountID,
		Amount:      raw.TransactionAmount.Amount.Abs(),
		Indicator:   raw.CreditDebitIndicator,
		Currency:    raw.TransactionAmount.Currency,
		Type:        ClassifyTransactionType(code),
		Description: description,
		BookingDate: booked,
	}
}
