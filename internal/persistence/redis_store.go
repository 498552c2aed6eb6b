package persistence

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/loom/pkg/api"
)

// RedisIdempotencyStore keeps idempotency slots in Redis, leaning on native
// key expiry for slot TTLs. Key structure:
//
//	<prefix>idem:<tenant>:<key> => gob-encoded redisSlotPayload
//
// Multi-instance deployments share dedup state through Redis while keeping
// executions and events in the SQL stores.
type RedisIdempotencyStore struct {
	client *redis.Client
	prefix string
}

var _ IdempotencyStore = (*RedisIdempotencyStore)(nil)

type redisSlotPayload struct {
	TenantID   string
	Key        string
	TargetID   string
	TargetKind string
	ExpiresAt  int64
}

// NewRedisIdempotencyStore creates a RedisIdempotencyStore.
// prefix is optional but recommended (e.g. "loom:").
func NewRedisIdempotencyStore(client *redis.Client, prefix string) *RedisIdempotencyStore {
	if prefix == "" {
		prefix = "loom:"
	}
	return &RedisIdempotencyStore{client: client, prefix: prefix}
}

func (s *RedisIdempotencyStore) key(tenantID, key string) string {
	return s.prefix + "idem:" + tenantID + ":" + key
}

func (s *RedisIdempotencyStore) GetSlot(ctx context.Context, tenantID, key string) (*api.IdempotencySlot, error) {
	data, err := s.client.Get(ctx, s.key(tenantID, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}

	var payload redisSlotPayload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&payload); err != nil {
		return nil, err
	}
	slot := &api.IdempotencySlot{
		TenantID:   payload.TenantID,
		Key:        payload.Key,
		TargetID:   payload.TargetID,
		TargetKind: payload.TargetKind,
	}
	if payload.ExpiresAt != 0 {
		slot.ExpiresAt = time.Unix(0, payload.ExpiresAt)
	}
	return slot, nil
}

func (s *RedisIdempotencyStore) PutSlot(ctx context.Context, slot api.IdempotencySlot) error {
	payload := redisSlotPayload{
		TenantID:   slot.TenantID,
		Key:        slot.Key,
		TargetID:   slot.TargetID,
		TargetKind: slot.TargetKind,
	}
	var ttl time.Duration
	if !slot.ExpiresAt.IsZero() {
		payload.ExpiresAt = slot.ExpiresAt.UnixNano()
		ttl = time.Until(slot.ExpiresAt)
		if ttl <= 0 {
			ttl = time.Millisecond
		}
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&payload); err != nil {
		return err
	}

	// SET NX PX: the slot registers only while the key is free. A present
	// key is live by definition here, Redis reclaims expired ones itself.
	key := s.key(slot.TenantID, slot.Key)
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.client.SetNX(ctx, key, buf.Bytes(), ttl).Result()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		held, err := s.GetSlot(ctx, slot.TenantID, slot.Key)
		if errors.Is(err, ErrSlotNotFound) {
			// Expired between SETNX and the lookup; claim again.
			continue
		}
		if err != nil {
			return err
		}
		if held.TargetID == slot.TargetID {
			return s.client.Set(ctx, key, buf.Bytes(), ttl).Err()
		}
		return ErrSlotConflict
	}
	return ErrSlotConflict
}

func (s *RedisIdempotencyStore) DeleteSlot(ctx context.Context, tenantID, key string) error {
	return s.client.Del(ctx, s.key(tenantID, key)).Err()
}

// ExpireSlots is a no-op for Redis: slots carry native TTLs and are
// reclaimed by the server itself.
func (s *RedisIdempotencyStore) ExpireSlots(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

// RedisNotifier broadcasts appended events through Redis pub/sub so
// subscribers on other processes observe state changes. Like the in-memory
// notifier it is best-effort: reconnecting consumers reconcile via the
// event store.
type RedisNotifier struct {
	client *redis.Client
	prefix string
}

var _ Notifier = (*RedisNotifier)(nil)

// NewRedisNotifier creates a RedisNotifier with the given key prefix.
func NewRedisNotifier(client *redis.Client, prefix string) *RedisNotifier {
	if prefix == "" {
		prefix = "loom:"
	}
	return &RedisNotifier{client: client, prefix: prefix}
}

func (n *RedisNotifier) channel(executionID string) string {
	return n.prefix + "events:" + executionID
}

func (n *RedisNotifier) Publish(ctx context.Context, executionID string, events []api.Event) {
	for _, ev := range events {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(&ev); err != nil {
			continue
		}
		_ = n.client.Publish(ctx, n.channel(executionID), buf.Bytes()).Err()
	}
}

func (n *RedisNotifier) Subscribe(executionID string) (<-chan api.Event, func()) {
	sub := n.client.Subscribe(context.Background(), n.channel(executionID))
	out := make(chan api.Event, subscriberBuffer)

	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev api.Event
			if err := gob.NewDecoder(bytes.NewReader([]byte(msg.Payload))).Decode(&ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			default:
			}
		}
	}()

	cancel := func() { _ = sub.Close() }
	return out, cancel
}
