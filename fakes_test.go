package vaultkv

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakeDataStore is an in-memory vaultkv.DataStore for tests, with one
// store-wide monotonic version counter and a linear version history per key.
type fakeDataStore struct {
	mu       sync.Mutex
	records  map[string]Record
	versions map[string][]string
	history  map[string]map[string]Record
	seq      int
	shards   map[string][]byte
}

func newFakeDataStore() *fakeDataStore {
	return &fakeDataStore{
		records:  make(map[string]Record),
		versions: make(map[string][]string),
		history:  make(map[string]map[string]Record),
		shards:   make(map[string][]byte),
	}
}

func (f *fakeDataStore) nextVersion() string {
	f.seq++
	return fmt.Sprintf("v%d", f.seq)
}

func (f *fakeDataStore) Get(ctx context.Context, key string) (DataStoreValue, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[key]
	if !ok {
		return DataStoreValue{}, false, nil
	}
	versions := f.versions[key]
	return DataStoreValue{Record: rec, Version: versions[len(versions)-1]}, true, nil
}

func (f *fakeDataStore) Set(ctx context.Context, key string, value Record, userIDs []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	value.UserIDs = userIDs
	v := f.nextVersion()
	f.records[key] = value
	f.versions[key] = append(f.versions[key], v)
	if f.history[key] == nil {
		f.history[key] = make(map[string]Record)
	}
	f.history[key][v] = value
	return nil
}

func (f *fakeDataStore) Update(ctx context.Context, key string, mutator UpdateMutator, userIDs []int64) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, ok := f.records[key]
	var prevPtr *Record
	if ok {
		prevPtr = &prev
	}
	next, err := mutator(prevPtr)
	if err != nil {
		return "", false, err
	}
	if next == nil {
		return "", true, nil
	}
	next.UserIDs = userIDs
	v := f.nextVersion()
	f.records[key] = *next
	f.versions[key] = append(f.versions[key], v)
	if f.history[key] == nil {
		f.history[key] = make(map[string]Record)
	}
	f.history[key][v] = *next
	return v, false, nil
}

func (f *fakeDataStore) Remove(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, key)
	return nil
}

func (f *fakeDataStore) ListVersions(ctx context.Context, key string, params VersionListParams) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.versions[key]
	out := make([]string, len(all))
	for i, v := range all {
		out[len(all)-1-i] = v
	}
	if params.Limit > 0 && len(out) > params.Limit {
		out = out[:params.Limit]
	}
	return out, nil
}

func (f *fakeDataStore) GetVersion(ctx context.Context, key, version string) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.history[key][version]
	if !ok {
		return Record{}, NewError(Unknown, "GetVersion", fmt.Errorf("no such version"))
	}
	return rec, nil
}

func (f *fakeDataStore) Budget(ctx context.Context, opType string) int {
	return 1000
}

func (f *fakeDataStore) PutShard(ctx context.Context, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shards[key] = append([]byte(nil), data...)
	return nil
}

func (f *fakeDataStore) GetShard(ctx context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.shards[key]
	return d, ok, nil
}

func (f *fakeDataStore) RemoveShard(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.shards, key)
	return nil
}

// fakeMemoryStore is an in-memory vaultkv.MemoryStore for tests. TTLs are
// honored against a fake clock so lease-expiry tests don't need to sleep.
type fakeMemoryStore struct {
	mu      sync.Mutex
	entries map[string]fakeEntry
	clock   func() time.Time
}

type fakeEntry struct {
	value   string
	expires time.Time
}

func newFakeMemoryStore() *fakeMemoryStore {
	return &fakeMemoryStore{entries: make(map[string]fakeEntry), clock: time.Now}
}

func (f *fakeMemoryStore) live(key string) (string, bool) {
	e, ok := f.entries[key]
	if !ok {
		return "", false
	}
	if !e.expires.IsZero() && f.clock().After(e.expires) {
		delete(f.entries, key)
		return "", false
	}
	return e.value, true
}

func (f *fakeMemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.live(key)
	return v, ok, nil
}

func (f *fakeMemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = f.clock().Add(ttl)
	}
	f.entries[key] = fakeEntry{value: value, expires: exp}
	return nil
}

func (f *fakeMemoryStore) Remove(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, key)
	return nil
}

func (f *fakeMemoryStore) Update(ctx context.Context, key string, mutator MemoryStoreMutator, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, found := f.live(key)
	var prevPtr *string
	if found {
		prevPtr = &v
	}
	next, ok := mutator(prevPtr, found)
	if !ok {
		return false, nil
	}
	if next == nil {
		delete(f.entries, key)
		return true, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = f.clock().Add(ttl)
	}
	f.entries[key] = fakeEntry{value: *next, expires: exp}
	return true, nil
}
