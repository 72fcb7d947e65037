package vaultkv

import (
	"context"
	"time"
)

// Default timing constants from SPEC_FULL.md section 5.
const (
	DefaultLeaseTTL             = 90 * time.Second
	DefaultLeaseRefreshInterval = 60 * time.Second
	DefaultAutosaveInterval     = 5 * time.Minute
	DefaultQueueItemTimeout     = 60 * time.Second
	DefaultLockAcquireDeadline  = 30 * time.Second

	// DefaultMaxChunkSize is the per-shard size bound: 4MB minus a ~10KB
	// reserve for record metadata (section 3).
	DefaultMaxChunkSize = 4*1024*1024 - 10*1024
	// DefaultInlineReserve is the maximum inline payload size before the
	// codec starts sharding (section 4.4).
	DefaultInlineReserve = DefaultMaxChunkSize
)

// StoreConfig configures a Store's lifecycle-wide policy. Name scopes the
// record, transaction-marker and lock keys (records/<name>/..., tx/<name>/...,
// locks/<name>/...). Shard keys are not scoped by Name: they are
// "<fileId>-<index>", with a fresh UUID as fileId.
type StoreConfig struct {
	Name string

	DataStore    DataStore
	MemoryStore  MemoryStore
	// ShardStore persists large-payload shards (section 4.4). May be left
	// nil when DataStore itself implements ShardStore (as the test fakes
	// do); production adapters that split the two concerns into separate
	// types, such as adapters/cassandra's DataStore and ShardStore, must
	// set this explicitly.
	ShardStore ShardStore

	// Template returns a pointer to a fresh zero-value document (e.g.
	// &MyType{}) for keys with no existing record; the core unmarshals
	// directly into what it returns, so it must be a pointer. Required.
	Template func() any
	// SchemaCheck validates every value crossing a load/update boundary.
	// May be nil to skip validation.
	SchemaCheck SchemaCheck
	// Migrations is the append-only chain applied to newly-loaded data.
	Migrations []Migration
	// ImportLegacyData, if set, supplies the initial value for a key with
	// no existing record instead of Template.
	ImportLegacyData func(ctx context.Context, key string) (any, error)
	// ChangeCallbacks are invoked after every committed update.
	ChangeCallbacks []ChangeCallback
	// LogSink receives structured log events. Defaults to a slog-backed sink.
	LogSink LogSink

	// Marshaler controls how in-memory values are encoded for storage and
	// sharding. Defaults to DefaultMarshaler (encoding/json).
	Marshaler Marshaler

	LeaseTTL             time.Duration
	LeaseRefreshInterval time.Duration
	AutosaveInterval     time.Duration
	QueueItemTimeout     time.Duration
	LockAcquireDeadline  time.Duration
	MaxChunkSize         int
	InlineReserve        int
}

func (c *StoreConfig) withDefaults() *StoreConfig {
	cfg := *c
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.LeaseRefreshInterval == 0 {
		cfg.LeaseRefreshInterval = DefaultLeaseRefreshInterval
	}
	if cfg.AutosaveInterval == 0 {
		cfg.AutosaveInterval = DefaultAutosaveInterval
	}
	if cfg.QueueItemTimeout == 0 {
		cfg.QueueItemTimeout = DefaultQueueItemTimeout
	}
	if cfg.LockAcquireDeadline == 0 {
		cfg.LockAcquireDeadline = DefaultLockAcquireDeadline
	}
	if cfg.MaxChunkSize == 0 {
		cfg.MaxChunkSize = DefaultMaxChunkSize
	}
	if cfg.InlineReserve == 0 {
		cfg.InlineReserve = cfg.MaxChunkSize
	}
	if cfg.Marshaler == nil {
		cfg.Marshaler = DefaultMarshaler
	}
	if cfg.LogSink == nil {
		cfg.LogSink = slogSink
	}
	return &cfg
}

func (c *StoreConfig) log(level LogLevel, message string, context map[string]any) {
	if c.LogSink != nil {
		c.LogSink(level, message, context)
	}
}
