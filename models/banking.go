package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RevolutConnection is the per-household OAuth credential record.
// Tokens are sealed before they reach the database.
type RevolutConnection struct {
	ID           string     `db:"id" json:"id"`
	HouseholdID  string     `db:"household_id" json:"household_id"`
	AccessToken  string     `db:"access_token" json:"-"`
	RefreshToken string     `db:"refresh_token" json:"-"`
	ExpiresAt    time.Time  `db:"expires_at" json:"expires_at"`
	ConsentID    string     `db:"consent_id" json:"consent_id,omitempty"`
	IsActive     bool       `db:"is_active" json:"is_active"`
	LastSyncedAt *time.Time `db:"last_synced_at" json:"last_synced_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// Expired reports whether the access token can no longer be used at now.
func (c *RevolutConnection) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

type SyncType string

const (
	SyncTypeAccounts     SyncType = "accounts"
	SyncTypeBalances     SyncType = "balances"
	SyncTypeTransactions SyncType = "transactions"
	SyncTypeAll          SyncType = "all"
)

// ParseSyncType accepts the wire names used by the sync endpoint. Empty means all.
func ParseSyncType(s string) (SyncType, bool) {
	switch SyncType(s) {
	case "", SyncTypeAll:
		return SyncTypeAll, true
	case SyncTypeAccounts, SyncTypeBalances, SyncTypeTransactions:
		return SyncType(s), true
	}
	return "", false
}

type SyncStatus string

const (
	SyncStatusRunning SyncStatus = "running"
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusPartial SyncStatus = "partial"
	SyncStatusFailed  SyncStatus = "failed"
)

// SyncLog is the audit record of one phase or one full run.
type SyncLog struct {
	ID            string     `db:"id" json:"id"`
	HouseholdID   string     `db:"household_id" json:"household_id"`
	SyncType      SyncType   `db:"sync_type" json:"sync_type"`
	Status        SyncStatus `db:"status" json:"status"`
	RecordsSynced int        `db:"records_synced" json:"records_synced"`
	ErrorMessage  *string    `db:"error_message" json:"error_message,omitempty"`
	StartedAt     time.Time  `db:"started_at" json:"started_at"`
	CompletedAt   *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// Pocket is a local ledger container. RevolutAccountID links it to an external account.
type Pocket struct {
	ID               string          `db:"id" json:"id"`
	HouseholdID      string          `db:"household_id" json:"household_id"`
	Name             string          `db:"name" json:"name"`
	PocketType       string          `db:"pocket_type" json:"pocket_type"`
	Currency         string          `db:"currency" json:"currency"`
	StartingBalance  decimal.Decimal `db:"starting_balance" json:"starting_balance"`
	CurrentBalance   decimal.Decimal `db:"current_balance" json:"current_balance"`
	RevolutAccountID *string         `db:"revolut_account_id" json:"revolut_account_id,omitempty"`
	LastSyncedAt     *time.Time      `db:"last_synced_at" json:"last_synced_at,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// Transaction is a local ledger entry. Amount is signed: debits are negative.
type Transaction struct {
	ID                   string          `db:"id" json:"id"`
	HouseholdID          string          `db:"household_id" json:"household_id"`
	PocketID             string          `db:"pocket_id" json:"pocket_id"`
	RevolutTransactionID *string         `db:"revolut_transaction_id" json:"revolut_transaction_id,omitempty"`
	Amount               decimal.Decimal `db:"amount" json:"amount"`
	Currency             string          `db:"currency" json:"currency"`
	Description          string          `db:"description" json:"description"`
	Category             string          `db:"category" json:"category"`
	TransactionDate      time.Time       `db:"transaction_date" json:"transaction_date"`
	IsImported           bool            `db:"is_imported" json:"is_imported"`
	CreatedAt            time.Time       `db:"created_at" json:"created_at"`
}

// ConnectionStatus is what the dashboard sees of a connection.
type ConnectionStatus struct {
	Connected    bool       `json:"connected"`
	ConsentID    string     `json:"consent_id,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
}

// Request bodies for the Revolut endpoints.
type RevolutCallbackRequest struct {
	Code      string `json:"code" binding:"required" validate:"required"`
	State     string `json:"state" binding:"required" validate:"required"`
	ConsentID string `json:"consent_id"`
}

type SyncRequest struct {
	Type string `json:"type"`
}
