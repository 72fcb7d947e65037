package cassandra

import (
	"context"
	"fmt"

	"github.com/gocql/gocql"
)

// ShardStore is a vaultkv.ShardStore backed by the shards table, one row
// per "<fileId>-<index>" shard key. It is a distinct type from DataStore
// (datastore.go) — set both as StoreConfig.DataStore and
// StoreConfig.ShardStore, since DataStore doesn't implement this interface.
type ShardStore struct {
	connection *Connection
}

// NewShardStore wraps conn as a vaultkv.ShardStore. A nil conn falls back
// to the global connection. Typically constructed alongside NewDataStore
// against the same Connection.
func NewShardStore(conn *Connection) *ShardStore {
	return &ShardStore{connection: conn}
}

func (b *ShardStore) getConnection() (*Connection, error) {
	if b.connection != nil {
		return b.connection, nil
	}
	return GetGlobalConnection()
}

// PutShard writes one shard blob, overwriting any existing value for key.
func (b *ShardStore) PutShard(ctx context.Context, key string, data []byte) error {
	conn, err := b.getConnection()
	if err != nil {
		return err
	}
	qry := conn.Session.Query(fmt.Sprintf("INSERT INTO %s.shards (key, data) VALUES (?, ?);", conn.Config.Keyspace), key, data).WithContext(ctx)
	if conn.Config.ConsistencyBook.ShardPut > gocql.Any {
		qry.Consistency(conn.Config.ConsistencyBook.ShardPut)
	}
	return qry.Exec()
}

// GetShard fetches one shard blob. found is false if key has no row.
func (b *ShardStore) GetShard(ctx context.Context, key string) ([]byte, bool, error) {
	conn, err := b.getConnection()
	if err != nil {
		return nil, false, err
	}
	qry := conn.Session.Query(fmt.Sprintf("SELECT data FROM %s.shards WHERE key = ?;", conn.Config.Keyspace), key).WithContext(ctx)
	if conn.Config.ConsistencyBook.ShardGet > gocql.Any {
		qry.Consistency(conn.Config.ConsistencyBook.ShardGet)
	}
	var data []byte
	if err := qry.Scan(&data); err != nil {
		if err == gocql.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// RemoveShard deletes one shard blob. Removing an absent shard is not an error.
func (b *ShardStore) RemoveShard(ctx context.Context, key string) error {
	conn, err := b.getConnection()
	if err != nil {
		return err
	}
	qry := conn.Session.Query(fmt.Sprintf("DELETE FROM %s.shards WHERE key = ?;", conn.Config.Keyspace), key).WithContext(ctx)
	if conn.Config.ConsistencyBook.ShardRemove > gocql.Any {
		qry.Consistency(conn.Config.ConsistencyBook.ShardRemove)
	}
	return qry.Exec()
}
