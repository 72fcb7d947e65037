package cassandra

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gocql/gocql"

	"github.com/vaultkv/vaultkv"
)

// maxCASAttempts bounds DataStore.Update's lightweight-transaction retry
// loop before it gives up and reports the contention as transient.
const maxCASAttempts = 5

// statusError lets RetryDataStore classify Cassandra-side failures using
// vaultkv's numeric status-code convention without vaultkv importing gocql.
type statusError struct {
	code int
	err  error
}

func (e *statusError) Error() string   { return e.err.Error() }
func (e *statusError) Unwrap() error   { return e.err }
func (e *statusError) StatusCode() int { return e.code }

// DataStore is a vaultkv.DataStore backed by the records and
// record_versions tables, using Cassandra lightweight transactions for the
// compare-and-set Update needs (SPEC_FULL.md section 6).
//
// DataStore does not itself implement vaultkv.ShardStore: shard blobs live
// in a separate table served by ShardStore (shardstore.go). A StoreConfig
// wired to this package must therefore set both fields explicitly:
//
//	cfg := &vaultkv.StoreConfig{
//		DataStore:  cassandra.NewDataStore(conn),
//		ShardStore: cassandra.NewShardStore(conn),
//		...
//	}
type DataStore struct {
	connection *Connection
}

// NewDataStore wraps conn as a vaultkv.DataStore. A nil conn falls back to
// the global connection. Pair it with NewShardStore and set both on
// StoreConfig — see the DataStore doc comment.
func NewDataStore(conn *Connection) *DataStore {
	return &DataStore{connection: conn}
}

func (d *DataStore) getConnection() (*Connection, error) {
	if d.connection != nil {
		return d.connection, nil
	}
	return GetGlobalConnection()
}

type recordRow struct {
	data     []byte
	fileRef  []byte
	applied  []string
	pending  gocql.UUID
	orphans  []string
	userIDs  []int64
	version  string
}

func decodeRecord(row recordRow) vaultkv.Record {
	rec := vaultkv.Record{
		AppliedMigrations: row.applied,
		Orphans:           row.orphans,
		UserIDs:           row.userIDs,
	}
	if len(row.data) > 0 {
		rec.Data = json.RawMessage(row.data)
	}
	if len(row.fileRef) > 0 {
		var fr vaultkv.FileRef
		if err := json.Unmarshal(row.fileRef, &fr); err == nil {
			rec.FileRef = &fr
		}
	}
	if row.pending != (gocql.UUID{}) {
		id, err := vaultkv.ParseUUID(row.pending.String())
		if err == nil {
			rec.PendingTx = &id
		}
	}
	return rec
}

func encodeFileRef(fr *vaultkv.FileRef) ([]byte, error) {
	if fr == nil {
		return nil, nil
	}
	return json.Marshal(fr)
}

// Get fetches key's current value.
func (d *DataStore) Get(ctx context.Context, key string) (vaultkv.DataStoreValue, bool, error) {
	conn, err := d.getConnection()
	if err != nil {
		return vaultkv.DataStoreValue{}, false, err
	}
	var row recordRow
	qry := conn.Session.Query(fmt.Sprintf(
		"SELECT data, file_ref, applied_migrations, pending_tx, orphans, user_ids, version FROM %s.records WHERE key = ?;",
		conn.Config.Keyspace), key).WithContext(ctx)
	if conn.Config.ConsistencyBook.RecordGet > gocql.Any {
		qry.Consistency(conn.Config.ConsistencyBook.RecordGet)
	}
	if err := qry.Scan(&row.data, &row.fileRef, &row.applied, &row.pending, &row.orphans, &row.userIDs, &row.version); err != nil {
		if err == gocql.ErrNotFound {
			return vaultkv.DataStoreValue{}, false, nil
		}
		return vaultkv.DataStoreValue{}, false, &statusError{code: 500, err: err}
	}
	return vaultkv.DataStoreValue{Record: decodeRecord(row), Version: row.version}, true, nil
}

// Set unconditionally overwrites key and appends a new version row.
func (d *DataStore) Set(ctx context.Context, key string, value vaultkv.Record, userIDs []int64) error {
	conn, err := d.getConnection()
	if err != nil {
		return err
	}
	fileRefBlob, err := encodeFileRef(value.FileRef)
	if err != nil {
		return &statusError{code: 500, err: err}
	}
	var pending gocql.UUID
	if value.PendingTx != nil {
		pending, _ = gocql.ParseUUID(value.PendingTx.String())
	}
	version := gocql.TimeUUID()

	qry := conn.Session.Query(fmt.Sprintf(
		"UPDATE %s.records SET data=?, file_ref=?, applied_migrations=?, pending_tx=?, orphans=?, user_ids=?, version=? WHERE key=?;",
		conn.Config.Keyspace), []byte(value.Data), fileRefBlob, value.AppliedMigrations, pending, value.Orphans, userIDs, version.String(), key).WithContext(ctx)
	if conn.Config.ConsistencyBook.RecordSet > gocql.Any {
		qry.Consistency(conn.Config.ConsistencyBook.RecordSet)
	}
	if err := qry.Exec(); err != nil {
		return &statusError{code: 500, err: err}
	}
	return d.appendVersion(ctx, conn, key, version, value, userIDs)
}

func (d *DataStore) appendVersion(ctx context.Context, conn *Connection, key string, version gocql.UUID, value vaultkv.Record, userIDs []int64) error {
	fileRefBlob, _ := encodeFileRef(value.FileRef)
	qry := conn.Session.Query(fmt.Sprintf(
		"INSERT INTO %s.record_versions (key, version, data, file_ref, applied_migrations, orphans, user_ids) VALUES (?,?,?,?,?,?,?);",
		conn.Config.Keyspace), key, version, []byte(value.Data), fileRefBlob, value.AppliedMigrations, value.Orphans, userIDs).WithContext(ctx)
	if err := qry.Exec(); err != nil {
		return &statusError{code: 500, err: err}
	}
	return nil
}

// Update atomically applies mutator to key's current value via a Cassandra
// lightweight transaction on the version column, retrying on CAS contention
// up to maxCASAttempts before reporting it as transient.
func (d *DataStore) Update(ctx context.Context, key string, mutator vaultkv.UpdateMutator, userIDs []int64) (string, bool, error) {
	conn, err := d.getConnection()
	if err != nil {
		return "", false, err
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		val, found, err := d.Get(ctx, key)
		if err != nil {
			return "", false, err
		}

		var prev *vaultkv.Record
		if found {
			r := val.Record
			prev = &r
		}
		next, err := mutator(prev)
		if err != nil {
			return "", false, err
		}
		if next == nil {
			return "", true, nil
		}

		fileRefBlob, err := encodeFileRef(next.FileRef)
		if err != nil {
			return "", false, &statusError{code: 500, err: err}
		}
		var pending gocql.UUID
		if next.PendingTx != nil {
			pending, _ = gocql.ParseUUID(next.PendingTx.String())
		}
		newVersion := gocql.TimeUUID()

		var applied bool
		if !found {
			m := map[string]interface{}{}
			qry := conn.Session.Query(fmt.Sprintf(
				"INSERT INTO %s.records (key, data, file_ref, applied_migrations, pending_tx, orphans, user_ids, version) VALUES (?,?,?,?,?,?,?,?) IF NOT EXISTS;",
				conn.Config.Keyspace), key, []byte(next.Data), fileRefBlob, next.AppliedMigrations, pending, next.Orphans, userIDs, newVersion.String()).WithContext(ctx)
			applied, err = qry.MapScanCAS(m)
		} else {
			m := map[string]interface{}{}
			qry := conn.Session.Query(fmt.Sprintf(
				"UPDATE %s.records SET data=?, file_ref=?, applied_migrations=?, pending_tx=?, orphans=?, user_ids=?, version=? WHERE key=? IF version=?;",
				conn.Config.Keyspace), []byte(next.Data), fileRefBlob, next.AppliedMigrations, pending, next.Orphans, userIDs, newVersion.String(), key, val.Version).WithContext(ctx)
			applied, err = qry.MapScanCAS(m)
		}
		if err != nil {
			return "", false, &statusError{code: 500, err: err}
		}
		if !applied {
			continue // someone else updated key between our Get and our CAS; retry
		}

		if err := d.appendVersion(ctx, conn, key, newVersion, *next, userIDs); err != nil {
			return "", false, err
		}
		return newVersion.String(), false, nil
	}
	return "", false, &statusError{code: 503, err: fmt.Errorf("exhausted %d CAS attempts updating key %q", maxCASAttempts, key)}
}

// Remove deletes key.
func (d *DataStore) Remove(ctx context.Context, key string) error {
	conn, err := d.getConnection()
	if err != nil {
		return err
	}
	qry := conn.Session.Query(fmt.Sprintf("DELETE FROM %s.records WHERE key = ?;", conn.Config.Keyspace), key).WithContext(ctx)
	if conn.Config.ConsistencyBook.RecordRemove > gocql.Any {
		qry.Consistency(conn.Config.ConsistencyBook.RecordRemove)
	}
	if err := qry.Exec(); err != nil {
		return &statusError{code: 500, err: err}
	}
	return nil
}

// ListVersions lists key's prior versions, most recent first (the
// record_versions table's clustering order on its timeuuid version column).
func (d *DataStore) ListVersions(ctx context.Context, key string, params vaultkv.VersionListParams) ([]string, error) {
	conn, err := d.getConnection()
	if err != nil {
		return nil, err
	}
	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}
	iter := conn.Session.Query(fmt.Sprintf(
		"SELECT version FROM %s.record_versions WHERE key = ? LIMIT ?;", conn.Config.Keyspace), key, limit).WithContext(ctx).Iter()
	var versions []string
	var v gocql.UUID
	for iter.Scan(&v) {
		versions = append(versions, v.String())
	}
	if err := iter.Close(); err != nil {
		return nil, &statusError{code: 500, err: err}
	}
	return versions, nil
}

// GetVersion fetches key's value as of a specific version.
func (d *DataStore) GetVersion(ctx context.Context, key, version string) (vaultkv.Record, error) {
	conn, err := d.getConnection()
	if err != nil {
		return vaultkv.Record{}, err
	}
	vid, err := gocql.ParseUUID(version)
	if err != nil {
		return vaultkv.Record{}, &statusError{code: 400, err: err}
	}
	var row recordRow
	qry := conn.Session.Query(fmt.Sprintf(
		"SELECT data, file_ref, applied_migrations, orphans, user_ids FROM %s.record_versions WHERE key = ? AND version = ?;",
		conn.Config.Keyspace), key, vid).WithContext(ctx)
	if err := qry.Scan(&row.data, &row.fileRef, &row.applied, &row.orphans, &row.userIDs); err != nil {
		if err == gocql.ErrNotFound {
			return vaultkv.Record{}, &statusError{code: 404, err: fmt.Errorf("key %q has no version %q", key, version)}
		}
		return vaultkv.Record{}, &statusError{code: 500, err: err}
	}
	return decodeRecord(row), nil
}

// Budget reports the remaining request budget for opType. Cassandra has no
// native per-tenant request quota the way a managed cloud KV does, so this
// returns a generous fixed allowance: enough that background orphan
// cleanup paces itself without ever meaningfully throttling on this
// backend, while still honoring the DataStore contract callers rely on.
func (d *DataStore) Budget(ctx context.Context, opType string) int {
	return 10000
}
