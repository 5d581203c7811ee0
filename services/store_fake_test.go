package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/LovationAdmin/household-budget/models"

	"github.com/shopspring/decimal"
)

// memoryStore is an in-memory BankingStore with the same constraints as the
// Postgres schema: one active connection per household and unique external ids.
type memoryStore struct {
	mu           sync.Mutex
	connections  map[string]*models.RevolutConnection
	pockets      map[string]*models.Pocket
	transactions map[string]*models.Transaction
	logs         map[string]*models.SyncLog
	logOrder     []string

	// failPocketWrites fails pocket creation and updates for these account ids.
	failPocketWrites map[string]error
	tokenUpdates     int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		connections:      make(map[string]*models.RevolutConnection),
		pockets:          make(map[string]*models.Pocket),
		transactions:     make(map[string]*models.Transaction),
		logs:             make(map[string]*models.SyncLog),
		failPocketWrites: make(map[string]error),
	}
}

func (s *memoryStore) activeLocked(householdID string) *models.RevolutConnection {
	for _, c := range s.connections {
		if c.HouseholdID == householdID && c.IsActive {
			return c
		}
	}
	return nil
}

func (s *memoryStore) GetActiveConnection(_ context.Context, householdID string) (*models.RevolutConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.activeLocked(householdID)
	if c == nil {
		return nil, ErrNoActiveConnection
	}
	cp := *c
	return &cp, nil
}

func (s *memoryStore) ListActiveConnections(_ context.Context) ([]models.RevolutConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RevolutConnection
	for _, c := range s.connections {
		if c.IsActive {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HouseholdID < out[j].HouseholdID })
	return out, nil
}

func (s *memoryStore) CreateConnection(_ context.Context, conn *models.RevolutConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev := s.activeLocked(conn.HouseholdID); prev != nil {
		prev.IsActive = false
	}
	cp := *conn
	s.connections[conn.ID] = &cp
	return nil
}

func (s *memoryStore) UpdateConnectionTokens(_ context.Context, connectionID, accessToken, refreshToken string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[connectionID]
	if !ok || !c.IsActive {
		return ErrNoActiveConnection
	}
	c.AccessToken, c.RefreshToken, c.ExpiresAt = accessToken, refreshToken, expiresAt
	s.tokenUpdates++
	return nil
}

func (s *memoryStore) MarkConnectionSynced(_ context.Context, connectionID string, syncedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[connectionID]
	if !ok {
		return ErrNoActiveConnection
	}
	c.LastSyncedAt = &syncedAt
	return nil
}

func (s *memoryStore) DeactivateConnection(_ context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[connectionID]
	if !ok {
		return ErrNoActiveConnection
	}
	c.IsActive = false
	return nil
}

func (s *memoryStore) FindPocketByExternalID(_ context.Context, householdID, accountID string) (*models.Pocket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pockets {
		if p.HouseholdID == householdID && p.RevolutAccountID != nil && *p.RevolutAccountID == accountID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPocketNotFound
}

func (s *memoryStore) CreatePocket(_ context.Context, pocket *models.Pocket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pocket.RevolutAccountID != nil {
		if err := s.failPocketWrites[*pocket.RevolutAccountID]; err != nil {
			return err
		}
	}
	cp := *pocket
	s.pockets[pocket.ID] = &cp
	return nil
}

func (s *memoryStore) UpdatePocketBalance(_ context.Context, pocketID string, balance decimal.Decimal, syncedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pockets[pocketID]
	if !ok {
		return ErrPocketNotFound
	}
	if p.RevolutAccountID != nil {
		if err := s.failPocketWrites[*p.RevolutAccountID]; err != nil {
			return err
		}
	}
	p.CurrentBalance = balance
	p.LastSyncedAt = &syncedAt
	p.UpdatedAt = syncedAt
	return nil
}

func (s *memoryStore) ListLinkedPockets(_ context.Context, householdID string) ([]models.Pocket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Pocket
	for _, p := range s.pockets {
		if p.HouseholdID == householdID && p.RevolutAccountID != nil {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return *out[i].RevolutAccountID < *out[j].RevolutAccountID })
	return out, nil
}

func txKey(householdID, externalID string) string { return householdID + "/" + externalID }

func (s *memoryStore) TransactionExists(_ context.Context, householdID, externalID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.transactions[txKey(householdID, externalID)]
	return ok, nil
}

func (s *memoryStore) InsertTransaction(_ context.Context, tx *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := txKey(tx.HouseholdID, *tx.RevolutTransactionID)
	if _, ok := s.transactions[key]; ok {
		return ErrDuplicateTransaction
	}
	cp := *tx
	s.transactions[key] = &cp
	return nil
}

func (s *memoryStore) CreateSyncLog(_ context.Context, entry *models.SyncLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.logs[entry.ID] = &cp
	s.logOrder = append(s.logOrder, entry.ID)
	return nil
}

func (s *memoryStore) FinalizeSyncLog(_ context.Context, entry *models.SyncLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[entry.ID]
	if !ok || l.Status != models.SyncStatusRunning {
		return ErrSyncLogFinalized
	}
	cp := *entry
	s.logs[entry.ID] = &cp
	return nil
}

func (s *memoryStore) ListSyncLogs(_ context.Context, householdID string, limit int) ([]models.SyncLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SyncLog
	for i := len(s.logOrder) - 1; i >= 0 && len(out) < limit; i-- {
		if l := s.logs[s.logOrder[i]]; l.HouseholdID == householdID {
			out = append(out, *l)
		}
	}
	return out, nil
}

// helpers for assertions

func (s *memoryStore) syncLogs() []models.SyncLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.SyncLog, 0, len(s.logOrder))
	for _, id := range s.logOrder {
		out = append(out, *s.logs[id])
	}
	return out
}

func (s *memoryStore) transactionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transactions)
}

func (s *memoryStore) pocketCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pockets)
}

func (s *memoryStore) connection(id string) models.RevolutConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.connections[id]
}

func (s *memoryStore) addConnection(householdID, access, refresh string, expiresAt time.Time) *models.RevolutConnection {
	conn := &models.RevolutConnection{
		ID:           "conn-" + householdID,
		HouseholdID:  householdID,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
		IsActive:     true,
	}
	_ = s.CreateConnection(context.Background(), conn)
	return conn
}

var _ BankingStore = (*memoryStore)(nil)
