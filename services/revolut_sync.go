package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LovationAdmin/household-budget/models"
	"github.com/LovationAdmin/household-budget/utils"

	"github.com/google/uuid"
)

const DefaultTransactionLookback = 90 * 24 * time.Hour

// RevolutAPI is the resource side of the Open Banking API.
type RevolutAPI interface {
	GetAccounts(ctx context.Context, accessToken string) ([]RevolutAccount, error)
	GetBalances(ctx context.Context, accessToken, accountID string) ([]RevolutBalance, error)
	GetTransactions(ctx context.Context, accessToken, accountID string, from, to time.Time) ([]RevolutTransaction, error)
}

// SyncNotifier is told about every finalized sync log.
type SyncNotifier interface {
	SyncFinished(ctx context.Context, householdID string, result *SyncResult)
}

// SyncResult mirrors the finalized SyncLog of a phase or a full run.
type SyncResult struct {
	LogID         string            `json:"log_id"`
	Type          models.SyncType   `json:"sync_type"`
	Status        models.SyncStatus `json:"status"`
	RecordsSynced int               `json:"records_synced"`
	Errors        []string          `json:"errors,omitempty"`
	StartedAt     time.Time         `json:"started_at"`
	CompletedAt   time.Time         `json:"completed_at"`
}

type SyncOptions struct {
	Notifier SyncNotifier
	Lookback time.Duration
	Now      func() time.Time
}

// SyncService drives the accounts, balances and transactions phases.
// Items inside a phase run sequentially.
type SyncService struct {
	store    BankingStore
	api      RevolutAPI
	tokens   AccessTokenSource
	notifier SyncNotifier
	lookback time.Duration
	now      func() time.Time
}

func NewSyncService(store BankingStore, api RevolutAPI, tokens AccessTokenSource, opts SyncOptions) *SyncService {
	s := &SyncService{
		store:    store,
		api:      api,
		tokens:   tokens,
		notifier: opts.Notifier,
		lookback: opts.Lookback,
		now:      opts.Now,
	}
	if s.lookback <= 0 {
		s.lookback = DefaultTransactionLookback
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

type phaseOutcome struct {
	records int
	errs    []string
}

func (o *phaseOutcome) fail(format string, args ...interface{}) {
	o.errs = append(o.errs, fmt.Sprintf(format, args...))
}

// abortsPhase reports item errors that make the rest of the phase pointless.
func abortsPhase(err error) bool {
	return IsTerminal(err) || IsTokenUnavailable(err) || errors.Is(err, ErrRateLimited)
}

// Sync dispatches to the phase named by syncType.
func (s *SyncService) Sync(ctx context.Context, householdID string, syncType models.SyncType) (*SyncResult, error) {
	switch syncType {
	case models.SyncTypeAccounts:
		return s.SyncAccounts(ctx, householdID)
	case models.SyncTypeBalances:
		return s.SyncBalances(ctx, householdID)
	case models.SyncTypeTransactions:
		return s.SyncTransactions(ctx, householdID)
	case models.SyncTypeAll:
		return s.SyncAll(ctx, householdID)
	}
	return nil, NewValidationError(fmt.Sprintf("unknown sync type %q", syncType), nil)
}

// ========== PHASE 1: ACCOUNTS ==========

// SyncAccounts upserts one pocket per external account.
func (s *SyncService) SyncAccounts(ctx context.Context, householdID string) (*SyncResult, error) {
	return s.runPhase(ctx, householdID, models.SyncTypeAccounts, func(ctx context.Context) (phaseOutcome, error) {
		var out phaseOutcome

		accounts, err := WithRetry(ctx, s.tokens, householdID, DefaultMaxRetries,
			func(ctx context.Context, token string) ([]RevolutAccount, error) {
				return s.api.GetAccounts(ctx, token)
			})
		if err != nil {
			return out, fmt.Errorf("fetch accounts: %w", err)
		}

		for _, acc := range accounts {
			if err := s.reconcileAccount(ctx, householdID, acc); err != nil {
				if abortsPhase(err) {
					return out, fmt.Errorf("account %s: %w", acc.ID, err)
				}
				out.fail("account %s: %v", acc.ID, err)
				continue
			}
			out.records++
		}
		return out, nil
	})
}

func (s *SyncService) reconcileAccount(ctx context.Context, householdID string, acc RevolutAccount) error {
	if acc.ID == "" {
		return errors.New("missing account id")
	}
	if !acc.HasBalance {
		if err := s.fillAccountBalance(ctx, householdID, &acc); err != nil {
			return err
		}
	}
	now := s.now()

	pocket, err := s.store.FindPocketByExternalID(ctx, householdID, acc.ID)
	switch {
	case errors.Is(err, ErrPocketNotFound):
		pocket = PocketFromAccount(householdID, acc, now)
		if err := s.store.CreatePocket(ctx, pocket); err != nil {
			return err
		}
		utils.SafeInfo("[Revolut] created pocket %s for account %s", pocket.ID, utils.MaskID(acc.ID))
		return nil
	case err != nil:
		return err
	}

	ApplyAccountToPocket(pocket, acc, now)
	return s.store.UpdatePocketBalance(ctx, pocket.ID, pocket.CurrentBalance, now)
}

// fillAccountBalance fetches the balance of an account listed without one.
// If the vendor has none either, acc is left without a balance.
func (s *SyncService) fillAccountBalance(ctx context.Context, householdID string, acc *RevolutAccount) error {
	accountID := acc.ID
	balances, err := WithRetry(ctx, s.tokens, householdID, DefaultMaxRetries,
		func(ctx context.Context, token string) ([]RevolutBalance, error) {
			return s.api.GetBalances(ctx, token, accountID)
		})
	if err != nil {
		return fmt.Errorf("fetch balance: %w", err)
	}

	b, ok := PreferredBalance(balances)
	if !ok {
		utils.SafeDebug("[Revolut] no balance for account %s, keeping stored figure", utils.MaskID(accountID))
		return nil
	}
	acc.Balance, acc.HasBalance = b.Amount, true
	if acc.Currency == "" {
		acc.Currency = b.Currency
	}
	return nil
}

// ========== PHASE 2: BALANCES ==========

// SyncBalances refreshes the balance of every linked pocket.
func (s *SyncService) SyncBalances(ctx context.Context, householdID string) (*SyncResult, error) {
	return s.runPhase(ctx, householdID, models.SyncTypeBalances, func(ctx context.Context) (phaseOutcome, error) {
		var out phaseOutcome

		pockets, err := s.linkedPockets(ctx, householdID)
		if err != nil {
			return out, err
		}

		for _, p := range pockets {
			accountID := *p.RevolutAccountID
			balances, err := WithRetry(ctx, s.tokens, householdID, DefaultMaxRetries,
				func(ctx context.Context, token string) ([]RevolutBalance, error) {
					return s.api.GetBalances(ctx, token, accountID)
				})
			if err != nil {
				if abortsPhase(err) {
					return out, fmt.Errorf("account %s: %w", accountID, err)
				}
				out.fail("account %s: %v", accountID, err)
				continue
			}

			balance, ok := PreferredBalance(balances)
			if !ok {
				out.fail("account %s: no balance returned", accountID)
				continue
			}
			if err := s.store.UpdatePocketBalance(ctx, p.ID, balance.Amount, s.now()); err != nil {
				out.fail("account %s: %v", accountID, err)
				continue
			}
			out.records++
		}
		return out, nil
	})
}

// ========== PHASE 3: TRANSACTIONS ==========

// SyncTransactions imports booked transactions since the last sync, skipping
// external ids that were already imported.
func (s *SyncService) SyncTransactions(ctx context.Context, householdID string) (*SyncResult, error) {
	return s.runPhase(ctx, householdID, models.SyncTypeTransactions, func(ctx context.Context) (phaseOutcome, error) {
		var out phaseOutcome
		runStart := s.now()

		conn, err := s.store.GetActiveConnection(ctx, householdID)
		if err != nil {
			return out, err
		}
		windowStart := runStart.Add(-s.lookback)
		if conn.LastSyncedAt != nil {
			windowStart = *conn.LastSyncedAt
		}

		pockets, err := s.linkedPockets(ctx, householdID)
		if err != nil {
			return out, err
		}

		for _, p := range pockets {
			accountID := *p.RevolutAccountID
			txs, err := WithRetry(ctx, s.tokens, householdID, DefaultMaxRetries,
				func(ctx context.Context, token string) ([]RevolutTransaction, error) {
					return s.api.GetTransactions(ctx, token, accountID, windowStart, runStart)
				})
			if err != nil {
				if abortsPhase(err) {
					return out, fmt.Errorf("account %s: %w", accountID, err)
				}
				out.fail("account %s: %v", accountID, err)
				continue
			}

			for _, tx := range txs {
				imported, err := s.importTransaction(ctx, householdID, p.ID, tx)
				if err != nil {
					out.fail("transaction %s: %v", tx.ID, err)
					continue
				}
				if imported {
					out.records++
				}
			}
		}

		// Only a clean run moves the window; a partial one is fetched again.
		if len(out.errs) == 0 {
			if err := s.store.MarkConnectionSynced(ctx, conn.ID, runStart); err != nil {
				out.fail("connection %s: %v", conn.ID, err)
			}
		}
		return out, nil
	})
}

func (s *SyncService) importTransaction(ctx context.Context, householdID, pocketID string, tx RevolutTransaction) (bool, error) {
	if tx.ID == "" {
		return false, errors.New("missing transaction id")
	}

	exists, err := s.store.TransactionExists(ctx, householdID, tx.ID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	err = s.store.InsertTransaction(ctx, TransactionFromExternal(householdID, pocketID, tx, s.now()))
	if errors.Is(err, ErrDuplicateTransaction) {
		return false, nil
	}
	return err == nil, err
}

func (s *SyncService) linkedPockets(ctx context.Context, householdID string) ([]models.Pocket, error) {
	pockets, err := s.store.ListLinkedPockets(ctx, householdID)
	if err != nil {
		return nil, err
	}
	linked := pockets[:0]
	for _, p := range pockets {
		if p.RevolutAccountID != nil && *p.RevolutAccountID != "" {
			linked = append(linked, p)
		}
	}
	return linked, nil
}

// ========== FULL RUN ==========

// SyncAll runs accounts, balances and transactions in that order. A phase
// level failure stops the run.
func (s *SyncService) SyncAll(ctx context.Context, householdID string) (*SyncResult, error) {
	phases := []func(context.Context, string) (*SyncResult, error){
		s.SyncAccounts,
		s.SyncBalances,
		s.SyncTransactions,
	}

	return s.runPhase(ctx, householdID, models.SyncTypeAll, func(ctx context.Context) (phaseOutcome, error) {
		var out phaseOutcome
		for _, phase := range phases {
			res, err := phase(ctx, householdID)
			if res != nil {
				out.records += res.RecordsSynced
				out.errs = append(out.errs, res.Errors...)
			}
			if err != nil {
				return out, err
			}
		}
		return out, nil
	})
}

// SyncActiveConnections runs SyncAll for every connected household, one at a time.
func (s *SyncService) SyncActiveConnections(ctx context.Context) (int, error) {
	conns, err := s.store.ListActiveConnections(ctx)
	if err != nil {
		return 0, err
	}

	synced := 0
	for _, conn := range conns {
		if ctx.Err() != nil {
			return synced, ctx.Err()
		}
		res, err := s.SyncAll(ctx, conn.HouseholdID)
		if err != nil {
			utils.SafeError("[Revolut] scheduled sync failed for household %s: %v", utils.MaskID(conn.HouseholdID), err)
			continue
		}
		utils.SafeInfo("[Revolut] scheduled sync household %s: %s, %d records", utils.MaskID(conn.HouseholdID), res.Status, res.RecordsSynced)
		synced++
	}
	return synced, nil
}

// ========== SYNC LOG LIFECYCLE ==========

func (s *SyncService) runPhase(ctx context.Context, householdID string, syncType models.SyncType, work func(context.Context) (phaseOutcome, error)) (*SyncResult, error) {
	entry := &models.SyncLog{
		ID:          uuid.New().String(),
		HouseholdID: householdID,
		SyncType:    syncType,
		Status:      models.SyncStatusRunning,
		StartedAt:   s.now(),
	}
	if err := s.store.CreateSyncLog(ctx, entry); err != nil {
		return nil, fmt.Errorf("start %s sync: %w", syncType, err)
	}
	utils.SafeInfo("[Revolut] %s sync started for household %s", syncType, utils.MaskID(householdID))

	out, workErr := work(ctx)
	result := s.finalize(ctx, entry, out, workErr)

	if s.notifier != nil {
		s.notifier.SyncFinished(ctx, householdID, result)
	}
	return result, workErr
}

// finalize writes the terminal state of entry. It runs even if ctx was cancelled.
func (s *SyncService) finalize(ctx context.Context, entry *models.SyncLog, out phaseOutcome, workErr error) *SyncResult {
	messages := out.errs
	status := models.SyncStatusSuccess
	switch {
	case workErr != nil:
		status = models.SyncStatusFailed
		messages = append(append([]string{}, out.errs...), workErr.Error())
	case len(out.errs) > 0:
		status = models.SyncStatusPartial
	}

	completed := s.now()
	entry.Status = status
	entry.RecordsSynced = out.records
	entry.CompletedAt = &completed
	if len(messages) > 0 {
		joined := strings.Join(messages, "; ")
		entry.ErrorMessage = &joined
	}

	if err := s.store.FinalizeSyncLog(context.WithoutCancel(ctx), entry); err != nil {
		utils.SafeError("[Revolut] finalize sync log %s: %v", entry.ID, err)
	}

	utils.SafeInfo("[Revolut] %s sync %s: %d records, %d errors", entry.SyncType, status, out.records, len(out.errs))
	return &SyncResult{
		LogID:         entry.ID,
		Type:          entry.SyncType,
		Status:        status,
		RecordsSynced: out.records,
		Errors:        out.errs,
		StartedAt:     entry.StartedAt,
		CompletedAt:   completed,
	}
}
