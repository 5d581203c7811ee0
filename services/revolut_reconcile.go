package services

import (
	"strings"
	"time"

	"github.com/LovationAdmin/household-budget/models"

	"github.com/google/uuid"
)

// balancePreference orders vendor balance types, most useful first.
var balancePreference = []string{
	"interimavailable",
	"interimbooked",
	"closingbooked",
	"closingavailable",
	"expected",
}

// PreferredBalance picks the balance to show for an account. Falls back to the first one.
func PreferredBalance(balances []RevolutBalance) (RevolutBalance, bool) {
	if len(balances) == 0 {
		return RevolutBalance{}, false
	}
	for _, want := range balancePreference {
		for _, b := range balances {
			if strings.EqualFold(b.Type, want) {
				return b, true
			}
		}
	}
	return balances[0], true
}

// PocketFromAccount builds the pocket created the first time an account is seen.
// The fetched balance is both starting and current balance. Without one both
// start at zero and the balances phase fills in the current figure.
func PocketFromAccount(householdID string, acc RevolutAccount, now time.Time) *models.Pocket {
	accountID := acc.ID
	name := acc.Name
	if name == "" {
		name = "Revolut " + acc.Currency
	}

	return &models.Pocket{
		ID:               uuid.New().String(),
		HouseholdID:      householdID,
		Name:             strings.TrimSpace(name),
		PocketType:       string(acc.Type),
		Currency:         acc.Currency,
		StartingBalance:  acc.Balance,
		CurrentBalance:   acc.Balance,
		RevolutAccountID: &accountID,
		LastSyncedAt:     &now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// ApplyAccountToPocket overwrites the pocket balance with the fetched one.
// Last write wins; concurrent local edits are not detected. An account that
// came without a balance leaves the stored figure alone.
func ApplyAccountToPocket(p *models.Pocket, acc RevolutAccount, now time.Time) {
	if acc.HasBalance {
		p.CurrentBalance = acc.Balance
	}
	p.LastSyncedAt = &now
	p.UpdatedAt = now
}

// TransactionFromExternal maps a booked transaction onto a ledger entry,
// applying the credit/debit sign.
func TransactionFromExternal(householdID, pocketID string, tx RevolutTransaction, now time.Time) *models.Transaction {
	externalID := tx.ID
	date := tx.BookingDate
	if date.IsZero() {
		date = now
	}

	return &models.Transaction{
		ID:                   uuid.New().String(),
		HouseholdID:          householdID,
		PocketID:             pocketID,
		RevolutTransactionID: &externalID,
		Amount:               SignedAmount(tx.Amount, tx.Indicator),
		Currency:             tx.Currency,
		Description:          tx.Description,
		Category:             CategoryForTransactionType(tx.Type),
		TransactionDate:      date,
		IsImported:           true,
		CreatedAt:            now,
	}
}
