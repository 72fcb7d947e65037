package vaultkv

import (
	"context"
	"fmt"
	"sync"
)

// loadState tracks an in-flight Store.Load call: done is closed when the
// load finishes one way or another, and cancel lets a concurrent Unload cut
// it short.
type loadState struct {
	done   chan struct{}
	cancel context.CancelFunc
}

// Store is the top-level handle applications use: one per logical
// collection of keys (StoreConfig.Name), fanning out to one Session per
// loaded key (SPEC_FULL.md 4.8).
type Store struct {
	cfg *StoreConfig

	mu       sync.Mutex
	sessions map[string]*Session
	loading  map[string]*loadState
	closed   bool
}

// NewStore constructs a Store from cfg, applying defaults for any zero
// fields. cfg.Name, cfg.DataStore, cfg.MemoryStore, and cfg.Template are
// required; a ShardStore must be resolvable either from cfg.ShardStore or
// by cfg.DataStore itself implementing ShardStore.
func NewStore(cfg *StoreConfig) (*Store, error) {
	if cfg.Name == "" {
		return nil, NewError(Unknown, "NewStore", fmt.Errorf("Name is required"))
	}
	if cfg.DataStore == nil || cfg.MemoryStore == nil {
		return nil, NewError(Unknown, "NewStore", fmt.Errorf("DataStore and MemoryStore are required"))
	}
	if cfg.Template == nil {
		return nil, NewError(Unknown, "NewStore", fmt.Errorf("Template is required"))
	}
	if cfg.ShardStore == nil {
		if _, ok := cfg.DataStore.(ShardStore); !ok {
			return nil, NewError(Unknown, "NewStore", fmt.Errorf("ShardStore is required: set StoreConfig.ShardStore, or use a DataStore that also implements ShardStore"))
		}
	}
	if err := ValidateMigrationChain(cfg.Migrations); err != nil {
		return nil, NewError(Unknown, "NewStore", err)
	}
	return &Store{
		cfg:      cfg.withDefaults(),
		sessions: make(map[string]*Session),
		loading:  make(map[string]*loadState),
	}, nil
}

// Load ensures key has an Active session, loading it if necessary. Calling
// Load again for a key whose load is already in flight returns
// ErrLoadInProgress; calling it for an already-loaded key is a no-op.
func (st *Store) Load(ctx context.Context, key string) error {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return NewError(ErrStoreClosed, "Store.Load", nil)
	}
	if _, ok := st.sessions[key]; ok {
		st.mu.Unlock()
		return nil
	}
	if _, inFlight := st.loading[key]; inFlight {
		st.mu.Unlock()
		return NewError(ErrLoadInProgress, "Store.Load", nil)
	}
	loadCtx, cancel := context.WithCancel(ctx)
	ls := &loadState{done: make(chan struct{}), cancel: cancel}
	st.loading[key] = ls
	st.mu.Unlock()

	sess, err := loadSession(loadCtx, st.cfg, key)

	st.mu.Lock()
	delete(st.loading, key)
	close(ls.done)
	if err != nil {
		st.mu.Unlock()
		if loadCtx.Err() != nil && ctx.Err() == nil {
			return NewError(ErrLoadCancelled, "Store.Load", err)
		}
		return err
	}
	if st.closed {
		st.mu.Unlock()
		_ = sess.Unload(context.Background())
		return NewError(ErrStoreClosed, "Store.Load", nil)
	}
	st.sessions[key] = sess
	st.mu.Unlock()
	return nil
}

func (st *Store) session(key string) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil, NewError(ErrStoreClosed, "", nil)
	}
	sess, ok := st.sessions[key]
	if !ok {
		return nil, NewError(ErrKeyNotLoaded, "", nil)
	}
	return sess, nil
}

// Get returns a deep copy of key's current working value.
func (st *Store) Get(ctx context.Context, key string) (any, error) {
	sess, err := st.session(key)
	if err != nil {
		return nil, err
	}
	return sess.Get(ctx)
}

// Update runs mutator against key's working copy; see Session.Update.
func (st *Store) Update(ctx context.Context, key string, mutator func(data any) (bool, error)) (bool, error) {
	sess, err := st.session(key)
	if err != nil {
		return false, err
	}
	return sess.Update(ctx, mutator)
}

// UpdateImmutable runs fn against a snapshot of key's working copy; see
// Session.UpdateImmutable.
func (st *Store) UpdateImmutable(ctx context.Context, key string, fn func(data any) (next any, changed bool, err error)) (bool, error) {
	sess, err := st.session(key)
	if err != nil {
		return false, err
	}
	return sess.UpdateImmutable(ctx, fn)
}

// Save flushes key's working copy if dirty.
func (st *Store) Save(ctx context.Context, key string) error {
	sess, err := st.session(key)
	if err != nil {
		return err
	}
	return sess.Save(ctx)
}

// Unload flushes and releases key's session. A key with no loaded session
// and no load in flight is a no-op; a key whose Load is still in flight is
// cancelled and waited on, surfacing ErrLoadCancelled to that Load call.
func (st *Store) Unload(ctx context.Context, key string) error {
	st.mu.Lock()
	sess, ok := st.sessions[key]
	if ok {
		delete(st.sessions, key)
	}
	ls, loading := st.loading[key]
	st.mu.Unlock()

	if loading {
		ls.cancel()
		<-ls.done
	}
	if !ok {
		return nil
	}
	return sess.Unload(ctx)
}

// ProbeLockActive reports whether key currently has a live lease held by
// any process, without loading it.
func (st *Store) ProbeLockActive(ctx context.Context, key string) (bool, error) {
	lockKey := fmt.Sprintf("locks/%s/%s", st.cfg.Name, key)
	return ProbeLockActive(ctx, st.cfg.MemoryStore, lockKey)
}

// Peek reads and migrates key's value in memory only, bypassing the session
// registry entirely: no lease is taken, no write-back occurs even if
// migrations ran, and a concurrent pendingTx on the record is surfaced as-is
// rather than resolved (SPEC_FULL.md 9, open question (b)). Peek is a
// cluster-wide read and always reads through to DataStore, so it never
// returns a value staler than the last write any cluster member committed.
func (st *Store) Peek(ctx context.Context, key string) (any, error) {
	recordKey := fmt.Sprintf("records/%s/%s", st.cfg.Name, key)
	var val DataStoreValue
	var found bool
	err := RetryDataStore(ctx, "Store.Peek", func(ctx context.Context) error {
		var err error
		val, found, err = st.cfg.DataStore.Get(ctx, recordKey)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return st.cfg.Template(), nil
	}

	out := st.cfg.Template()
	if err := Decode(ctx, st.cfg.Marshaler, shardStoreOf(st.cfg), val.Record, out); err != nil {
		return nil, err
	}
	migrated, _, err := ApplyMigrations(st.cfg.Migrations, val.Record.AppliedMigrations, out)
	if err != nil {
		return nil, err
	}
	return migrated, nil
}

// ListVersions lists key's prior record versions, most recent first.
func (st *Store) ListVersions(ctx context.Context, key string, params VersionListParams) ([]string, error) {
	recordKey := fmt.Sprintf("records/%s/%s", st.cfg.Name, key)
	var versions []string
	err := RetryDataStore(ctx, "Store.ListVersions", func(ctx context.Context) error {
		var err error
		versions, err = st.cfg.DataStore.ListVersions(ctx, recordKey, params)
		return err
	})
	return versions, err
}

// ReadVersion decodes key's value as of a specific version, applying
// migrations in memory only (the same no-write-back rule as Peek).
func (st *Store) ReadVersion(ctx context.Context, key, version string) (any, error) {
	recordKey := fmt.Sprintf("records/%s/%s", st.cfg.Name, key)
	var rec Record
	err := RetryDataStore(ctx, "Store.ReadVersion", func(ctx context.Context) error {
		var err error
		rec, err = st.cfg.DataStore.GetVersion(ctx, recordKey, version)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := st.cfg.Template()
	if err := Decode(ctx, st.cfg.Marshaler, shardStoreOf(st.cfg), rec, out); err != nil {
		return nil, err
	}
	migrated, _, err := ApplyMigrations(st.cfg.Migrations, rec.AppliedMigrations, out)
	if err != nil {
		return nil, err
	}
	return migrated, nil
}

// Tx runs fn as a two-phase-committed transaction across keys. See runTx in
// txn.go for the commit protocol.
func (st *Store) Tx(ctx context.Context, keys []string, fn TxFunc) error {
	sessions := make([]*Session, len(keys))
	for i, k := range keys {
		if err := st.Load(ctx, k); err != nil && CodeOf(err) != ErrLoadInProgress {
			return err
		}
		sess, err := st.session(k)
		if err != nil {
			return err
		}
		sessions[i] = sess
	}
	return runTx(ctx, st.cfg, keys, sessions, fn)
}

// Close unloads every session, flushing dirty working copies, and refuses
// all future operations with ErrStoreClosed.
func (st *Store) Close(ctx context.Context) error {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil
	}
	st.closed = true
	sessions := st.sessions
	st.sessions = make(map[string]*Session)
	loading := st.loading
	st.loading = make(map[string]*loadState)
	st.mu.Unlock()

	for _, ls := range loading {
		ls.cancel()
		<-ls.done
	}

	var firstErr error
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()
			if err := sess.Unload(ctx); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(sess)
	}
	wg.Wait()
	return firstErr
}
