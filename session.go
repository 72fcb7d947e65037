package vaultkv

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/vaultkv/vaultkv/jsonpatch"
)

// sessionState is the per-key state machine from SPEC_FULL.md 4.7:
// Loading -> Active -> (Unloading -> Closed) | LockLost -> Closed.
type sessionState int

const (
	sessionLoading sessionState = iota
	sessionActive
	sessionUnloading
	sessionLockLost
	sessionClosed
)

// Session owns one key's lease, working copy, and serial write queue. All
// mutation goes through queue so that concurrent callers of the same key see
// strictly serialized reads and writes.
type Session struct {
	cfg   *StoreConfig
	key   string
	lease *Lease
	queue *SerialQueue

	mu                sync.Mutex
	state             sessionState
	working           any
	version           string
	appliedMigrations []string
	fileRef           *FileRef
	orphans           []string
	userIDs           []int64
	dirty             bool

	autosaveStop chan struct{}
	autosaveDone chan struct{}
}

// loadSession acquires key's lease, fetches (or seeds) its record, runs it
// through migration and schema validation, and returns an Active session.
func loadSession(ctx context.Context, cfg *StoreConfig, key string) (*Session, error) {
	lockKey := fmt.Sprintf("locks/%s/%s", cfg.Name, key)
	lease, err := AcquireLease(ctx, cfg.MemoryStore, lockKey, cfg.LeaseTTL, cfg.LeaseRefreshInterval, cfg.LockAcquireDeadline)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:          cfg,
		key:          key,
		lease:        lease,
		queue:        NewSerialQueue(cfg.QueueItemTimeout),
		state:        sessionLoading,
		autosaveStop: make(chan struct{}),
		autosaveDone: make(chan struct{}),
	}

	if err := s.hydrate(ctx); err != nil {
		_ = lease.Release(context.Background())
		s.queue.Close()
		return nil, err
	}

	lease.OnLost(func() { s.markLockLost() })

	s.mu.Lock()
	s.state = sessionActive
	s.mu.Unlock()

	go s.autosaveLoop()
	return s, nil
}

func (s *Session) hydrate(ctx context.Context) error {
	recordKey := fmt.Sprintf("records/%s/%s", s.cfg.Name, s.key)

	var val DataStoreValue
	var found bool
	err := RetryDataStore(ctx, "Session.hydrate.Get", func(ctx context.Context) error {
		var err error
		val, found, err = s.cfg.DataStore.Get(ctx, recordKey)
		return err
	})
	if err != nil {
		return err
	}

	if !found {
		var initial any
		if s.cfg.ImportLegacyData != nil {
			initial, err = s.cfg.ImportLegacyData(ctx, s.key)
			if err != nil {
				return NewError(Unknown, "Session.hydrate", err)
			}
		}
		if initial == nil {
			initial = s.cfg.Template()
		}
		migrated, newApplied, err := ApplyMigrations(s.cfg.Migrations, nil, initial)
		if err != nil {
			return err
		}
		if err := s.validate(migrated); err != nil {
			return err
		}
		s.working = migrated
		s.version = ""
		s.appliedMigrations = newApplied
		s.dirty = len(newApplied) > 0
		return nil
	}

	rec := val.Record
	if rec.PendingTx != nil {
		resolved, err := recoverPendingTx(ctx, s.cfg, s.key, rec)
		if err != nil {
			return err
		}
		rec = resolved
	}

	out := s.cfg.Template()
	if err := Decode(ctx, s.cfg.Marshaler, shardStoreOf(s.cfg), rec, out); err != nil {
		return err
	}

	migrated, newApplied, err := ApplyMigrations(s.cfg.Migrations, rec.AppliedMigrations, out)
	if err != nil {
		return err
	}
	if err := s.validate(migrated); err != nil {
		return err
	}

	s.working = migrated
	s.version = val.Version
	s.appliedMigrations = newApplied
	s.fileRef = rec.FileRef
	s.orphans = rec.Orphans
	s.userIDs = rec.UserIDs
	// A migration ran: mark the session dirty so the next save (explicit,
	// autosave or Unload) persists it; hydrate itself does not write.
	if len(newApplied) != len(rec.AppliedMigrations) {
		s.dirty = true
	}
	return nil
}

// shardStoreOf resolves cfg's ShardStore: an explicit StoreConfig.ShardStore
// takes precedence, falling back to asserting it off DataStore for backends
// (or test fakes) that implement both on one type.
func shardStoreOf(cfg *StoreConfig) ShardStore {
	if cfg.ShardStore != nil {
		return cfg.ShardStore
	}
	ss, _ := cfg.DataStore.(ShardStore)
	return ss
}

func (s *Session) validate(value any) error {
	if s.cfg.SchemaCheck == nil {
		return nil
	}
	if ok, reason := s.cfg.SchemaCheck(value); !ok {
		return NewError(ErrSchemaInvalid, "Session.validate", fmt.Errorf("%s", reason))
	}
	return nil
}

func (s *Session) checkActive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case sessionActive:
		return nil
	case sessionLockLost:
		return NewError(ErrLockLost, "Session", nil)
	default:
		return NewError(ErrSessionClosed, "Session", nil)
	}
}

// Get returns a deep copy of the current working value.
func (s *Session) Get(ctx context.Context) (any, error) {
	if err := s.checkActive(); err != nil {
		return nil, err
	}
	res, err := s.queue.Add(func(ctx context.Context) (any, error) {
		return s.cloneWorking()
	}).Wait(ctx)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Session) cloneWorking() (any, error) {
	out := s.cfg.Template()
	buf, err := s.cfg.Marshaler.Marshal(s.working)
	if err != nil {
		return nil, NewError(Unknown, "Session.cloneWorking", err)
	}
	if err := s.cfg.Marshaler.Unmarshal(buf, out); err != nil {
		return nil, NewError(Unknown, "Session.cloneWorking", err)
	}
	return out, nil
}

// Update runs mutator against a mutable clone of the working copy, in
// place; the clone only replaces the working copy when mutator reports a
// change. mutator reports whether it made a change; false leaves the
// working copy byte-identical and suppresses change callbacks (SPEC_FULL.md
// 4.7, 8). mutator's bool result type rules out a non-boolean return, so
// Update never reports ErrBadTransform.
func (s *Session) Update(ctx context.Context, mutator func(data any) (bool, error)) (bool, error) {
	if err := s.checkActive(); err != nil {
		return false, err
	}
	res, err := s.queue.Add(func(ctx context.Context) (any, error) {
		before, err := s.cloneWorking()
		if err != nil {
			return nil, err
		}
		draft, err := s.cloneWorking()
		if err != nil {
			return nil, err
		}
		changed, err := mutator(draft)
		if err != nil {
			return nil, err
		}
		if !changed {
			return false, nil
		}
		if err := s.validate(draft); err != nil {
			return nil, err
		}
		s.working = draft
		after, err := s.cloneWorking()
		if err != nil {
			return nil, err
		}
		s.dirty = true
		s.notifyChange(before, after)
		return true, nil
	}).Wait(ctx)
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// UpdateImmutable runs fn against a snapshot of the working copy and, if fn
// reports a change, replaces the working copy with fn's returned value.
func (s *Session) UpdateImmutable(ctx context.Context, fn func(data any) (next any, changed bool, err error)) (bool, error) {
	if err := s.checkActive(); err != nil {
		return false, err
	}
	res, err := s.queue.Add(func(ctx context.Context) (any, error) {
		before, err := s.cloneWorking()
		if err != nil {
			return nil, err
		}
		next, changed, err := fn(before)
		if err != nil {
			return nil, err
		}
		if !changed {
			return false, nil
		}
		if err := s.validate(next); err != nil {
			return nil, err
		}
		s.working = next
		after, err := s.cloneWorking()
		if err != nil {
			return nil, err
		}
		s.dirty = true
		s.notifyChange(before, after)
		return true, nil
	}).Wait(ctx)
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// notifyChange runs the jsonpatch diff purely to decide whether anything
// actually changed at the wire level (a mutator can report changed=true on a
// value that serializes identically); callbacks still receive the full
// before/after values, not the patch.
func (s *Session) notifyChange(before, after any) {
	if len(s.cfg.ChangeCallbacks) == 0 {
		return
	}
	ops, err := diffGeneric(s.cfg.Marshaler, before, after)
	if err != nil || len(ops) == 0 {
		return
	}
	for _, cb := range s.cfg.ChangeCallbacks {
		cb(s.key, after, before)
	}
}

func diffGeneric(m Marshaler, before, after any) (jsonpatch.Patch, error) {
	bb, err := m.Marshal(before)
	if err != nil {
		return nil, err
	}
	ab, err := m.Marshal(after)
	if err != nil {
		return nil, err
	}
	var bv, av any
	if err := json.Unmarshal(bb, &bv); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(ab, &av); err != nil {
		return nil, err
	}
	return jsonpatch.CreatePatch(bv, av), nil
}

// Save persists the working copy if it is dirty: encode, write any new
// shards, conditionally update the record (verifying this session still
// owns the lease), then best-effort clean up the previous file's shards
// (SPEC_FULL.md 4.7).
func (s *Session) Save(ctx context.Context) error {
	if err := s.checkActive(); err != nil {
		return err
	}
	return s.enqueueSave(ctx)
}

func (s *Session) enqueueSave(ctx context.Context) error {
	_, err := s.queue.Add(func(ctx context.Context) (any, error) {
		return nil, s.save(ctx)
	}).Wait(ctx)
	return err
}

func (s *Session) save(ctx context.Context) error {
	if !s.dirty {
		return nil
	}
	if !s.lease.IsLocked() {
		return NewError(ErrLockLost, "Session.save", nil)
	}

	enc, err := Encode(s.cfg.Marshaler, s.working, s.cfg.InlineReserve, s.cfg.MaxChunkSize)
	if err != nil {
		return err
	}
	shardStore := shardStoreOf(s.cfg)
	if err := PutShards(ctx, shardStore, enc); err != nil {
		return err
	}

	prevFileRef := s.fileRef
	recordKey := fmt.Sprintf("records/%s/%s", s.cfg.Name, s.key)

	var orphanedShards []string
	var newVersion string
	updateErr := RetryDataStore(ctx, "Session.save.Update", func(ctx context.Context) error {
		version, aborted, err := s.cfg.DataStore.Update(ctx, recordKey, func(prev *Record) (*Record, error) {
			if !s.lease.IsLocked() {
				return nil, nil
			}
			next := &Record{
				Data:              nil,
				FileRef:           enc.FileRef,
				AppliedMigrations: s.appliedMigrations,
				UserIDs:           s.userIDs,
			}
			if enc.Inline != nil {
				next.Data = enc.Inline
			}
			if prevFileRef != nil {
				next.Orphans = append(append([]string(nil), prevFileRef.Shards...), s.orphans...)
				orphanedShards = next.Orphans
			}
			return next, nil
		}, s.userIDs)
		if err != nil {
			return err
		}
		if aborted {
			return NewError(ErrLockLost, "Session.save", fmt.Errorf("lease no longer held while saving %q", s.key))
		}
		newVersion = version
		return nil
	})
	if updateErr != nil {
		RemoveShards(context.Background(), shardStore, enc.newShardKeys())
		return updateErr
	}

	s.version = newVersion
	s.fileRef = enc.FileRef
	s.dirty = false

	if len(orphanedShards) > 0 && s.cfg.DataStore.Budget(ctx, orphanCleanupOp) > 0 {
		failed := RemoveShards(ctx, shardStore, orphanedShards)
		s.clearOrphans(ctx, recordKey, failed)
	}
	return nil
}

// orphanCleanupOp is the opType Budget is asked to pace (SPEC_FULL.md 4.7
// step 5: "waiting for budget").
const orphanCleanupOp = "orphan-cleanup"

// newShardKeys returns the shard keys this encode result introduced, for
// rollback on a failed conditional write.
func (e EncodeResult) newShardKeys() []string {
	if e.FileRef == nil {
		return nil
	}
	return e.FileRef.Shards
}

// clearOrphans writes back the record's Orphans list, dropping everything
// that cleanup actually removed. Best-effort: a failure here just leaves a
// stale Orphans entry for the next save or an external sweep to retry, it
// does not fail the save that already committed.
func (s *Session) clearOrphans(ctx context.Context, recordKey string, stillOrphaned []string) {
	_ = RetryDataStore(ctx, "Session.clearOrphans", func(ctx context.Context) error {
		_, _, err := s.cfg.DataStore.Update(ctx, recordKey, func(prev *Record) (*Record, error) {
			if prev == nil {
				return nil, nil
			}
			next := *prev
			next.Orphans = stillOrphaned
			return &next, nil
		}, s.userIDs)
		return err
	})
}

func (s *Session) autosaveLoop() {
	defer close(s.autosaveDone)
	t := time.NewTicker(s.cfg.AutosaveInterval)
	defer t.Stop()
	for {
		select {
		case <-s.autosaveStop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.QueueItemTimeout)
			_ = s.Save(ctx)
			cancel()
		}
	}
}

func (s *Session) markLockLost() {
	s.mu.Lock()
	if s.state != sessionActive && s.state != sessionLoading {
		s.mu.Unlock()
		return
	}
	s.state = sessionLockLost
	s.mu.Unlock()
	s.cfg.log(LogWarn, "lease lost, session no longer writable", map[string]any{"key": s.key})
}

// Unload flushes a dirty working copy, releases the lease, and stops the
// session's background work. Safe to call once; a second call is a no-op.
func (s *Session) Unload(ctx context.Context) error {
	s.mu.Lock()
	if s.state == sessionClosed || s.state == sessionUnloading {
		s.mu.Unlock()
		return nil
	}
	wasActive := s.state == sessionActive
	s.state = sessionUnloading
	s.mu.Unlock()

	close(s.autosaveStop)
	<-s.autosaveDone

	var saveErr error
	if wasActive {
		saveErr = s.enqueueSave(ctx)
	}

	s.queue.Close()
	_ = s.lease.Release(ctx)

	s.mu.Lock()
	s.state = sessionClosed
	s.mu.Unlock()

	if saveErr != nil && CodeOf(saveErr) != ErrLockLost {
		return saveErr
	}
	return nil
}

// Locked reports whether this session's lease is still held.
func (s *Session) Locked() bool {
	return s.lease.IsLocked()
}
