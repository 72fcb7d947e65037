package vaultkv

import (
	"context"
	"fmt"
)

// TxFunc receives a snapshot of every key participating in a transaction,
// keyed by key, and returns the full set of next values. The returned map
// must have exactly the same key set as the snapshot it was given;
// SPEC_FULL.md 4.9 treats adding or dropping a key as ErrTxKeysModified.
// Returning an error aborts the transaction with no durable effect.
type TxFunc func(ctx context.Context, values map[string]any) (map[string]any, error)

// txCommitted is the sole marker value a transaction's durable linearization
// key can hold: `tx/<name>/<txId>` is either absent (transaction never
// committed) or holds this exact string (spec.md section 3/6).
const txCommitted = "committed"

func markerKey(cfg *StoreConfig, txID string) string {
	return fmt.Sprintf("tx/%s/%s", cfg.Name, txID)
}

func recordKeyFor(cfg *StoreConfig, key string) string {
	return fmt.Sprintf("records/%s/%s", cfg.Name, key)
}

// writeCommittedMarker durably writes the marker that makes a transaction's
// commit irreversible (SPEC_FULL.md 4.9 step 4, the linearization point).
func writeCommittedMarker(ctx context.Context, cfg *StoreConfig, txID string) error {
	return RetryDataStore(ctx, "writeCommittedMarker", func(ctx context.Context) error {
		return cfg.DataStore.Set(ctx, markerKey(cfg, txID), Record{Data: []byte(txCommitted)}, nil)
	})
}

// readMarker reports whether txID's marker exists and, if so, whether its
// value is the committed enum string.
func readMarker(ctx context.Context, cfg *StoreConfig, txID string) (committed bool, found bool, err error) {
	var val DataStoreValue
	err = RetryDataStore(ctx, "readMarker", func(ctx context.Context) error {
		var err error
		val, found, err = cfg.DataStore.Get(ctx, markerKey(cfg, txID))
		return err
	})
	if err != nil || !found {
		return false, found, err
	}
	return string(val.Record.Data) == txCommitted, true, nil
}

func deleteMarker(ctx context.Context, cfg *StoreConfig, txID string) {
	_ = RetryDataStore(ctx, "deleteMarker", func(ctx context.Context) error {
		return cfg.DataStore.Remove(ctx, markerKey(cfg, txID))
	})
}

// runTx executes fn under exclusive access to every session in sessions
// simultaneously (via MultiAdd), then commits whatever changed using a
// two-phase protocol: every dirty key's record is rewritten in place to its
// final value with PendingTx set, claiming it; once every key is prepared
// this way, the marker is written as the linearization point; a final pass
// clears PendingTx on each record, since its data is already correct.
func runTx(ctx context.Context, cfg *StoreConfig, keys []string, sessions []*Session, fn TxFunc) error {
	queues := make([]*SerialQueue, len(sessions))
	for i, s := range sessions {
		queues[i] = s.queue
	}

	_, err := MultiAdd(ctx, queues, func(ctx context.Context) (any, error) {
		return nil, runTxLocked(ctx, cfg, keys, sessions, fn)
	})
	return err
}

func runTxLocked(ctx context.Context, cfg *StoreConfig, keys []string, sessions []*Session, fn TxFunc) error {
	for _, s := range sessions {
		if !s.Locked() {
			return NewError(ErrLockLost, "Tx", fmt.Errorf("session for a participating key lost its lease"))
		}
	}

	before := make(map[string]any, len(keys))
	for i, k := range keys {
		v, err := sessions[i].cloneWorking()
		if err != nil {
			return err
		}
		before[k] = v
	}

	after, err := fn(ctx, before)
	if err != nil {
		return err
	}
	if len(after) != len(before) {
		return NewError(ErrTxKeysModified, "Tx", fmt.Errorf("transaction function returned %d keys, expected %d", len(after), len(before)))
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			return NewError(ErrTxKeysModified, "Tx", fmt.Errorf("transaction function dropped key %q", k))
		}
	}

	var dirtyKeys []string
	for _, k := range keys {
		patch, err := diffGeneric(cfg.Marshaler, before[k], after[k])
		if err != nil {
			return err
		}
		if len(patch) > 0 {
			dirtyKeys = append(dirtyKeys, k)
		}
	}
	if len(dirtyKeys) == 0 {
		return nil
	}

	shardStore := shardStoreOf(cfg)
	sessionByKey := make(map[string]*Session, len(keys))
	for i, k := range keys {
		sessionByKey[k] = sessions[i]
	}

	encoded := make(map[string]EncodeResult, len(dirtyKeys))
	newRecords := make(map[string]Record, len(dirtyKeys))
	for _, k := range dirtyKeys {
		sess := sessionByKey[k]
		if err := sess.validate(after[k]); err != nil {
			return err
		}
		enc, err := Encode(cfg.Marshaler, after[k], cfg.InlineReserve, cfg.MaxChunkSize)
		if err != nil {
			return err
		}
		if err := PutShards(ctx, shardStore, enc); err != nil {
			rollbackEncoded(ctx, shardStore, encoded)
			return err
		}
		encoded[k] = enc
		rec := Record{
			FileRef:           enc.FileRef,
			AppliedMigrations: sess.appliedMigrations,
			UserIDs:           sess.userIDs,
		}
		if enc.Inline != nil {
			rec.Data = enc.Inline
		}
		if sess.fileRef != nil {
			rec.Orphans = append(append([]string(nil), sess.fileRef.Shards...), sess.orphans...)
		}
		newRecords[k] = rec
	}

	txID := NewUUID().String()
	txUUID, _ := ParseUUID(txID)

	// Prepare: write each dirty key's final value directly, tagged with
	// PendingTx, re-verifying this session's lease inside the mutator
	// (SPEC_FULL.md section 5). No marker exists yet, so a crash here
	// leaves every prepared key recoverable by rolling back to its prior
	// version.
	prepared := make([]string, 0, len(dirtyKeys))
	for _, k := range dirtyKeys {
		sess := sessionByKey[k]
		recKey := recordKeyFor(cfg, k)
		rec := newRecords[k]
		rec.PendingTx = &txUUID
		err := RetryDataStore(ctx, "Tx.prepare", func(ctx context.Context) error {
			_, aborted, err := cfg.DataStore.Update(ctx, recKey, func(prev *Record) (*Record, error) {
				if !sess.Locked() {
					return nil, nil
				}
				if prev != nil && prev.PendingTx != nil {
					return nil, nil
				}
				next := rec
				return &next, nil
			}, sess.userIDs)
			if err != nil {
				return err
			}
			if aborted {
				return NewError(ErrLockLost, "Tx.prepare", fmt.Errorf("key %q unavailable for prepare (lease lost or already mid-transaction)", k))
			}
			return nil
		})
		if err != nil {
			abortPrepared(ctx, cfg, prepared, sessionByKey)
			rollbackEncoded(ctx, shardStore, encoded)
			return err
		}
		prepared = append(prepared, k)
	}

	if err := writeCommittedMarker(ctx, cfg, txID); err != nil {
		abortPrepared(ctx, cfg, prepared, sessionByKey)
		rollbackEncoded(ctx, shardStore, encoded)
		return err
	}

	for _, k := range dirtyKeys {
		if err := commitRecord(ctx, cfg, sessionByKey[k], k, sessionByKey[k].userIDs); err != nil {
			// The marker is already committed, so a crash past this point
			// is recovered by the next load's recoverPendingTx clearing
			// PendingTx on the now-final data; this error just means some
			// record writes still need to be driven through.
			return NewError(ErrBackendTransient, "Tx.commit", err)
		}
	}
	// commitRecord skips a participant whose lease was lost, leaving its
	// PendingTx set; keep the marker so that key's next load rolls forward.
	keepMarker := false
	for _, k := range dirtyKeys {
		if !sessionByKey[k].Locked() {
			keepMarker = true
		}
	}
	if !keepMarker {
		deleteMarker(ctx, cfg, txID)
	}

	for _, k := range dirtyKeys {
		sess := sessionByKey[k]
		oldFileRef := sess.fileRef
		sess.working = after[k]
		sess.fileRef = encoded[k].FileRef
		sess.orphans = nil
		sess.dirty = false
		if oldFileRef != nil && cfg.DataStore.Budget(ctx, orphanCleanupOp) > 0 {
			RemoveShards(ctx, shardStore, oldFileRef.Shards)
		}
		sess.notifyChange(before[k], after[k])
	}
	return nil
}

// commitRecord clears PendingTx on an already-prepared record: the record's
// Data/FileRef were written in full during prepare, so this step only
// removes the in-progress marker. A lost lease or a record that has already
// been cleared (e.g. by a concurrent recoverPendingTx) is tolerated: the
// durable marker already says committed, so a subsequent load resolves the
// key on its own.
func commitRecord(ctx context.Context, cfg *StoreConfig, sess *Session, key string, userIDs []int64) error {
	recKey := recordKeyFor(cfg, key)
	return RetryDataStore(ctx, "Tx.commitRecord", func(ctx context.Context) error {
		_, _, err := cfg.DataStore.Update(ctx, recKey, func(prev *Record) (*Record, error) {
			if !sess.Locked() {
				return nil, nil
			}
			if prev == nil || prev.PendingTx == nil {
				return nil, nil
			}
			next := *prev
			next.PendingTx = nil
			return &next, nil
		}, userIDs)
		return err
	})
}

// abortPrepared undoes an already-prepared key's write by restoring the
// version immediately prior to the one prepare wrote (SPEC_FULL.md 4.9's
// "restore prior state from the prior version, via DataStore versioning").
func abortPrepared(ctx context.Context, cfg *StoreConfig, prepared []string, sessionByKey map[string]*Session) {
	for _, k := range prepared {
		sess := sessionByKey[k]
		if _, err := rollbackToPriorVersion(ctx, cfg, k, sess.userIDs); err != nil {
			cfg.log(LogWarn, "tx abort: failed to roll back prepared key", map[string]any{"key": k, "error": err.Error()})
		}
	}
}

// rollbackToPriorVersion restores key's record to the version immediately
// preceding its current one, clearing PendingTx on the restored value. If no
// prior version exists (prepare created the record from nothing), the
// record is removed instead.
func rollbackToPriorVersion(ctx context.Context, cfg *StoreConfig, key string, userIDs []int64) (Record, error) {
	recKey := recordKeyFor(cfg, key)
	var versions []string
	if err := RetryDataStore(ctx, "rollbackToPriorVersion.ListVersions", func(ctx context.Context) error {
		var err error
		versions, err = cfg.DataStore.ListVersions(ctx, recKey, VersionListParams{Limit: 2})
		return err
	}); err != nil {
		return Record{}, err
	}

	if len(versions) < 2 {
		err := RetryDataStore(ctx, "rollbackToPriorVersion.Remove", func(ctx context.Context) error {
			return cfg.DataStore.Remove(ctx, recKey)
		})
		return Record{}, err
	}

	var prior Record
	if err := RetryDataStore(ctx, "rollbackToPriorVersion.GetVersion", func(ctx context.Context) error {
		var err error
		prior, err = cfg.DataStore.GetVersion(ctx, recKey, versions[1])
		return err
	}); err != nil {
		return Record{}, err
	}
	prior.PendingTx = nil

	err := RetryDataStore(ctx, "rollbackToPriorVersion.Update", func(ctx context.Context) error {
		_, _, err := cfg.DataStore.Update(ctx, recKey, func(prev *Record) (*Record, error) {
			out := prior
			return &out, nil
		}, userIDs)
		return err
	})
	if err != nil {
		return Record{}, err
	}
	return prior, nil
}

func rollbackEncoded(ctx context.Context, shardStore ShardStore, encoded map[string]EncodeResult) {
	for _, enc := range encoded {
		RemoveShards(ctx, shardStore, enc.newShardKeys())
	}
}

// recoverPendingTx resolves a record found with a non-nil PendingTx at load
// time by consulting that transaction's marker (SPEC_FULL.md 4.9). Prepare
// always writes the record's final Data/FileRef directly, so a committed
// marker means only PendingTx itself needs clearing (roll forward); a
// missing or absent marker means the transaction never committed, so the
// record is rolled back to the version prior to the one prepare wrote (roll
// back, via DataStore versioning).
func recoverPendingTx(ctx context.Context, cfg *StoreConfig, key string, rec Record) (Record, error) {
	txID := rec.PendingTx.String()
	committed, found, err := readMarker(ctx, cfg, txID)
	if err != nil {
		return Record{}, err
	}
	recKey := recordKeyFor(cfg, key)

	if found && committed {
		err := RetryDataStore(ctx, "recoverPendingTx.rollforward", func(ctx context.Context) error {
			_, _, err := cfg.DataStore.Update(ctx, recKey, func(prev *Record) (*Record, error) {
				if prev == nil || prev.PendingTx == nil {
					return nil, nil
				}
				next := *prev
				next.PendingTx = nil
				return &next, nil
			}, rec.UserIDs)
			return err
		})
		if err != nil {
			return Record{}, err
		}
		deleteMarker(ctx, cfg, txID)
		var val DataStoreValue
		var gotFound bool
		if err := RetryDataStore(ctx, "recoverPendingTx.rollforward.Get", func(ctx context.Context) error {
			var err error
			val, gotFound, err = cfg.DataStore.Get(ctx, recKey)
			return err
		}); err != nil {
			return Record{}, err
		}
		if !gotFound {
			return Record{}, nil
		}
		return val.Record, nil
	}

	resolved, err := rollbackToPriorVersion(ctx, cfg, key, rec.UserIDs)
	if err != nil {
		return Record{}, NewError(ErrTxRecoveryFailed, "recoverPendingTx", err)
	}
	if found {
		deleteMarker(ctx, cfg, txID)
	}
	return resolved, nil
}
