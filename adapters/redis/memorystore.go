package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vaultkv/vaultkv"
)

// MemoryStore is a vaultkv.MemoryStore backed by a single Redis key per
// entry, with Redis's own EXPIRE doing the TTL eviction the coordination map
// needs (SPEC_FULL.md section 6).
type MemoryStore struct {
	conn *Connection
}

// NewMemoryStore wraps conn as a vaultkv.MemoryStore. A nil conn falls back
// to the package-level singleton connection opened via OpenConnection.
func NewMemoryStore(conn *Connection) *MemoryStore {
	return &MemoryStore{conn: conn}
}

func (m *MemoryStore) getConnection() (*Connection, error) {
	if m.conn != nil {
		return m.conn, nil
	}
	if connection == nil {
		return nil, errors.New("redis connection is not open; call OpenConnection first")
	}
	return connection, nil
}

// Get reads key's current value.
func (m *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	conn, err := m.getConnection()
	if err != nil {
		return "", false, err
	}
	v, err := conn.Client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Set unconditionally writes key with the given TTL.
func (m *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	conn, err := m.getConnection()
	if err != nil {
		return err
	}
	return conn.Client.Set(ctx, key, value, ttl).Err()
}

// Remove deletes key.
func (m *MemoryStore) Remove(ctx context.Context, key string) error {
	conn, err := m.getConnection()
	if err != nil {
		return err
	}
	if err := conn.Client.Del(ctx, key).Err(); err != nil && err != redis.Nil {
		return err
	}
	return nil
}

// Update applies mutator to key's current value and, if mutator accepts,
// persists the result under a Redis WATCH/MULTI optimistic transaction so
// the read-mutate-write is atomic against concurrent Updates on the same
// key — the property vaultkv's lease CAS and refresh loop depend on.
func (m *MemoryStore) Update(ctx context.Context, key string, mutator vaultkv.MemoryStoreMutator, ttl time.Duration) (bool, error) {
	conn, err := m.getConnection()
	if err != nil {
		return false, err
	}

	var applied bool
	txErr := conn.Client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Result()
		found := true
		if err == redis.Nil {
			found, err = false, nil
		}
		if err != nil {
			return err
		}
		var prevPtr *string
		if found {
			prevPtr = &cur
		}

		next, ok := mutator(prevPtr, found)
		if !ok {
			applied = false
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, key)
			} else {
				pipe.Set(ctx, key, *next, ttl)
			}
			return nil
		})
		if err != nil {
			return err
		}
		applied = true
		return nil
	}, key)

	if errors.Is(txErr, redis.TxFailedErr) {
		// Another writer changed key between our Get and our MULTI/EXEC;
		// the caller's CAS precondition must be re-evaluated, so report a
		// clean "not applied" rather than a hard error.
		return false, nil
	}
	if txErr != nil {
		return false, txErr
	}
	return applied, nil
}
