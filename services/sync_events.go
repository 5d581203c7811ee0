package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/LovationAdmin/household-budget/utils"

	goredis "github.com/redis/go-redis/v9"
)

const (
	SyncEventStream   = "revolut:sync"
	SyncEventFinished = "sync.finished"
)

// SyncEvent is the payload written to the sync event stream.
type SyncEvent struct {
	Type        string      `json:"type"`
	HouseholdID string      `json:"household_id"`
	Timestamp   time.Time   `json:"timestamp"`
	Result      *SyncResult `json:"result"`
}

// RedisSyncPublisher appends finished syncs to a Redis stream for other services.
type RedisSyncPublisher struct {
	client *goredis.Client
	stream string
	maxLen int64
}

func NewRedisSyncPublisher(client *goredis.Client) *RedisSyncPublisher {
	return &RedisSyncPublisher{client: client, stream: SyncEventStream, maxLen: 10000}
}

func (p *RedisSyncPublisher) Publish(ctx context.Context, householdID string, result *SyncResult) error {
	payload, err := json.Marshal(SyncEvent{
		Type:        SyncEventFinished,
		HouseholdID: householdID,
		Timestamp:   time.Now().UTC(),
		Result:      result,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	args := &goredis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{"event": payload},
	}
	if _, err := p.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// SyncFinished implements SyncNotifier. A failed publish does not fail the sync.
func (p *RedisSyncPublisher) SyncFinished(ctx context.Context, householdID string, result *SyncResult) {
	if err := p.Publish(context.WithoutCancel(ctx), householdID, result); err != nil {
		utils.SafeWarn("[SyncEvents] %v", err)
	}
}

// MultiNotifier fans a notification out to several notifiers.
type MultiNotifier []SyncNotifier

func (m MultiNotifier) SyncFinished(ctx context.Context, householdID string, result *SyncResult) {
	for _, n := range m {
		if n != nil {
			n.SyncFinished(ctx, householdID, result)
		}
	}
}
