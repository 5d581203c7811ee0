package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/LovationAdmin/household-budget/models"
	"github.com/LovationAdmin/household-budget/utils"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

var (
	ErrPocketNotFound       = errors.New("pocket not found")
	ErrDuplicateTransaction = errors.New("transaction already imported")
	ErrSyncLogFinalized     = errors.New("sync log already finalized")
)

// ConnectionStore persists Revolut OAuth connections.
type ConnectionStore interface {
	GetActiveConnection(ctx context.Context, householdID string) (*models.RevolutConnection, error)
	ListActiveConnections(ctx context.Context) ([]models.RevolutConnection, error)
	CreateConnection(ctx context.Context, conn *models.RevolutConnection) error
	UpdateConnectionTokens(ctx context.Context, connectionID, accessToken, refreshToken string, expiresAt time.Time) error
	MarkConnectionSynced(ctx context.Context, connectionID string, syncedAt time.Time) error
	DeactivateConnection(ctx context.Context, connectionID string) error
}

// PocketStore reads and writes the pockets linked to external accounts.
type PocketStore interface {
	FindPocketByExternalID(ctx context.Context, householdID, accountID string) (*models.Pocket, error)
	CreatePocket(ctx context.Context, pocket *models.Pocket) error
	UpdatePocketBalance(ctx context.Context, pocketID string, balance decimal.Decimal, syncedAt time.Time) error
	ListLinkedPockets(ctx context.Context, householdID string) ([]models.Pocket, error)
}

// TransactionStore imports ledger entries.
type TransactionStore interface {
	TransactionExists(ctx context.Context, householdID, externalID string) (bool, error)
	InsertTransaction(ctx context.Context, tx *models.Transaction) error
}

// SyncLogStore holds the sync audit trail.
type SyncLogStore interface {
	CreateSyncLog(ctx context.Context, entry *models.SyncLog) error
	FinalizeSyncLog(ctx context.Context, entry *models.SyncLog) error
	ListSyncLogs(ctx context.Context, householdID string, limit int) ([]models.SyncLog, error)
}

// BankingStore is everything the sync core needs from the database.
type BankingStore interface {
	ConnectionStore
	PocketStore
	TransactionStore
	SyncLogStore
}

// PostgresBankingStore implements BankingStore. Tokens are sealed at rest.
type PostgresBankingStore struct {
	db     *sqlx.DB
	sealer *utils.TokenSealer
}

func NewPostgresBankingStore(db *sqlx.DB, sealer *utils.TokenSealer) *PostgresBankingStore {
	return &PostgresBankingStore{db: db, sealer: sealer}
}

const connectionColumns = `id, household_id, access_token, refresh_token, expires_at, consent_id, is_active, last_synced_at, created_at, updated_at`

// ========== CONNECTIONS ==========

func (s *PostgresBankingStore) GetActiveConnection(ctx context.Context, householdID string) (*models.RevolutConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM revolut_connections WHERE household_id = $1 AND is_active = TRUE LIMIT 1`

	var conn models.RevolutConnection
	if err := s.db.GetContext(ctx, &conn, query, householdID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoActiveConnection
		}
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}

	if err := s.openTokens(&conn); err != nil {
		return nil, err
	}
	return &conn, nil
}

func (s *PostgresBankingStore) ListActiveConnections(ctx context.Context) ([]models.RevolutConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM revolut_connections WHERE is_active = TRUE ORDER BY created_at`

	var conns []models.RevolutConnection
	if err := s.db.SelectContext(ctx, &conns, query); err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	for i := range conns {
		if err := s.openTokens(&conns[i]); err != nil {
			return nil, err
		}
	}
	return conns, nil
}

// CreateConnection inserts conn as the household's only active connection.
func (s *PostgresBankingStore) CreateConnection(ctx context.Context, conn *models.RevolutConnection) error {
	access, refresh, err := s.sealTokens(conn.AccessToken, conn.RefreshToken)
	if err != nil {
		return err
	}

	return utils.WithTransaction(ctx, s.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE revolut_connections SET is_active = FALSE, updated_at = NOW()
			WHERE household_id = $1 AND is_active = TRUE
		`, conn.HouseholdID); err != nil {
			return fmt.Errorf("failed to deactivate previous connection: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO revolut_connections (id, household_id, access_token, refresh_token, expires_at, consent_id, is_active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $7)
		`, conn.ID, conn.HouseholdID, access, refresh, conn.ExpiresAt, conn.ConsentID, conn.CreatedAt); err != nil {
			return fmt.Errorf("failed to save connection: %w", err)
		}
		return nil
	})
}

// UpdateConnectionTokens writes the rotated token pair and expiry in one statement.
func (s *PostgresBankingStore) UpdateConnectionTokens(ctx context.Context, connectionID, accessToken, refreshToken string, expiresAt time.Time) error {
	access, refresh, err := s.sealTokens(accessToken, refreshToken)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE revolut_connections
		SET access_token = $1, refresh_token = $2, expires_at = $3, updated_at = NOW()
		WHERE id = $4 AND is_active = TRUE
	`, access, refresh, expiresAt, connectionID)
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}
	return requireOneRow(res, ErrNoActiveConnection)
}

func (s *PostgresBankingStore) MarkConnectionSynced(ctx context.Context, connectionID string, syncedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE revolut_connections SET last_synced_at = $1, updated_at = NOW() WHERE id = $2`,
		syncedAt, connectionID)
	if err != nil {
		return fmt.Errorf("failed to mark connection synced: %w", err)
	}
	return nil
}

// DeactivateConnection never deletes: the row stays for audit.
func (s *PostgresBankingStore) DeactivateConnection(ctx context.Context, connectionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE revolut_connections SET is_active = FALSE, updated_at = NOW() WHERE id = $1`,
		connectionID)
	if err != nil {
		return fmt.Errorf("failed to deactivate connection: %w", err)
	}
	return nil
}

func (s *PostgresBankingStore) sealTokens(access, refresh string) (string, string, error) {
	sealedAccess, err := s.sealer.Seal(access)
	if err != nil {
		return "", "", fmt.Errorf("failed to seal access token: %w", err)
	}
	sealedRefresh, err := s.sealer.Seal(refresh)
	if err != nil {
		return "", "", fmt.Errorf("failed to seal refresh token: %w", err)
	}
	return sealedAccess, sealedRefresh, nil
}

func (s *PostgresBankingStore) openTokens(conn *models.RevolutConnection) error {
	access, err := s.sealer.Open(conn.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to open access token: %w", err)
	}
	refresh, err := s.sealer.Open(conn.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to open refresh token: %w", err)
	}
	conn.AccessToken, conn.RefreshToken = access, refresh
	return nil
}

// ========== POCKETS ==========

const pocketColumns = `id, household_id, name, pocket_type, currency, starting_balance, current_balance, revolut_account_id, last_synced_at, created_at, updated_at`

func (s *PostgresBankingStore) FindPocketByExternalID(ctx context.Context, householdID, accountID string) (*models.Pocket, error) {
	query := `SELECT ` + pocketColumns + ` FROM pockets WHERE household_id = $1 AND revolut_account_id = $2 LIMIT 1`

	var pocket models.Pocket
	if err := s.db.GetContext(ctx, &pocket, query, householdID, accountID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPocketNotFound
		}
		return nil, fmt.Errorf("failed to find pocket: %w", err)
	}
	return &pocket, nil
}

func (s *PostgresBankingStore) CreatePocket(ctx context.Context, p *models.Pocket) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pockets (id, household_id, name, pocket_type, currency, starting_balance, current_balance, revolut_account_id, last_synced_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`, p.ID, p.HouseholdID, p.Name, p.PocketType, p.Currency, p.StartingBalance, p.CurrentBalance, p.RevolutAccountID, p.LastSyncedAt, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create pocket: %w", err)
	}
	return nil
}

func (s *PostgresBankingStore) UpdatePocketBalance(ctx context.Context, pocketID string, balance decimal.Decimal, syncedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pockets SET current_balance = $1, last_synced_at = $2, updated_at = NOW() WHERE id = $3`,
		balance, syncedAt, pocketID)
	if err != nil {
		return fmt.Errorf("failed to update pocket balance: %w", err)
	}
	return requireOneRow(res, ErrPocketNotFound)
}

func (s *PostgresBankingStore) ListLinkedPockets(ctx context.Context, householdID string) ([]models.Pocket, error) {
	query := `SELECT ` + pocketColumns + ` FROM pockets WHERE household_id = $1 AND revolut_account_id IS NOT NULL ORDER BY name`

	var pockets []models.Pocket
	if err := s.db.SelectContext(ctx, &pockets, query, householdID); err != nil {
		return nil, fmt.Errorf("failed to list linked pockets: %w", err)
	}
	return pockets, nil
}

// ========== TRANSACTIONS ==========

func (s *PostgresBankingStore) TransactionExists(ctx context.Context, householdID, externalID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM transactions WHERE household_id = $1 AND revolut_transaction_id = $2)`,
		householdID, externalID)
	if err != nil {
		return false, fmt.Errorf("failed to check transaction: %w", err)
	}
	return exists, nil
}

// InsertTransaction maps a unique violation on the external id to ErrDuplicateTransaction.
func (s *PostgresBankingStore) InsertTransaction(ctx context.Context, t *models.Transaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (id, household_id, pocket_id, revolut_transaction_id, amount, currency, description, category, transaction_date, is_imported, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, t.ID, t.HouseholdID, t.PocketID, t.RevolutTransactionID, t.Amount, t.Currency, t.Description, t.Category, t.TransactionDate, t.IsImported, t.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateTransaction
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// ========== SYNC LOGS ==========

func (s *PostgresBankingStore) CreateSyncLog(ctx context.Context, entry *models.SyncLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_logs (id, household_id, sync_type, status, records_synced, started_at)
		VALUES ($1, $2, $3, $4, 0, $5)
	`, entry.ID, entry.HouseholdID, entry.SyncType, entry.Status, entry.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create sync log: %w", err)
	}
	return nil
}

// FinalizeSyncLog only touches rows that are still running.
func (s *PostgresBankingStore) FinalizeSyncLog(ctx context.Context, entry *models.SyncLog) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_logs SET status = $1, records_synced = $2, error_message = $3, completed_at = $4
		WHERE id = $5 AND status = 'running'
	`, entry.Status, entry.RecordsSynced, entry.ErrorMessage, entry.CompletedAt, entry.ID)
	if err != nil {
		return fmt.Errorf("failed to finalize sync log: %w", err)
	}
	return requireOneRow(res, ErrSyncLogFinalized)
}

func (s *PostgresBankingStore) ListSyncLogs(ctx context.Context, householdID string, limit int) ([]models.SyncLog, error) {
	var logs []models.SyncLog
	err := s.db.SelectContext(ctx, &logs, `
		SELECT id, household_id, sync_type, status, records_synced, error_message, started_at, completed_at
		FROM sync_logs WHERE household_id = $1
		ORDER BY started_at DESC LIMIT $2
	`, householdID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync logs: %w", err)
	}
	return logs, nil
}

func requireOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
