package vaultkv

import (
	"context"
	"fmt"

	"github.com/golang/snappy"
	"golang.org/x/sync/errgroup"
)

// ShardStore persists and fetches individual shard blobs, addressed by the
// "<fileId>-<index>" keys this codec assigns (SPEC_FULL.md 4.4). Adapters
// implement this on top of their DataStore backend's raw blob table.
type ShardStore interface {
	PutShard(ctx context.Context, key string, data []byte) error
	GetShard(ctx context.Context, key string) (data []byte, found bool, err error)
	RemoveShard(ctx context.Context, key string) error
}

// EncodeResult is what Encode produces: either an inline payload or a file
// reference, the new shards that must be written before the owning record,
// and nothing else — orphan bookkeeping happens at the session/save layer
// because it depends on the record's *previous* file reference.
type EncodeResult struct {
	Inline  []byte // non-nil when the payload fit inline
	FileRef *FileRef
	// Shards holds the snappy-compressed bytes for each new shard key in
	// FileRef.Shards, for the caller to PutShard.
	Shards map[string][]byte
}

// Encode serializes payload with m and, if it fits within inlineReserve
// bytes, returns it inline; otherwise partitions it into shards of at most
// maxChunkSize bytes (before compression), each addressed by a fresh
// content-unique file ID.
func Encode(m Marshaler, payload any, inlineReserve, maxChunkSize int) (EncodeResult, error) {
	serialized, err := m.Marshal(payload)
	if err != nil {
		return EncodeResult{}, NewError(Unknown, "Encode", err)
	}

	if len(serialized) <= inlineReserve {
		return EncodeResult{Inline: serialized}, nil
	}

	fileID := NewUUID().String()
	var shardKeys []string
	shards := make(map[string][]byte)
	for offset := 0; offset < len(serialized); offset += maxChunkSize {
		end := offset + maxChunkSize
		if end > len(serialized) {
			end = len(serialized)
		}
		idx := len(shardKeys)
		key := fmt.Sprintf("%s-%d", fileID, idx)
		shardKeys = append(shardKeys, key)
		shards[key] = snappy.Encode(nil, serialized[offset:end])
	}

	return EncodeResult{
		FileRef: &FileRef{ID: fileID, Shards: shardKeys, Count: len(shardKeys)},
		Shards:  shards,
	}, nil
}

// Decode returns the deserialized payload for a record, fetching and
// reassembling shards concurrently if the record is sharded. It fails with
// ErrIncompleteShards if any named shard is missing.
func Decode(ctx context.Context, m Marshaler, shardStore ShardStore, rec Record, out any) error {
	if !rec.IsSharded() {
		if len(rec.Data) == 0 {
			return nil
		}
		if err := m.Unmarshal(rec.Data, out); err != nil {
			return NewError(Unknown, "Decode", err)
		}
		return nil
	}

	ref := rec.FileRef
	if ref.Count != len(ref.Shards) {
		return NewError(ErrIncompleteShards, "Decode", fmt.Errorf("file %s declares count=%d but lists %d shard keys", ref.ID, ref.Count, len(ref.Shards)))
	}

	parts := make([][]byte, len(ref.Shards))
	g, gctx := errgroup.WithContext(ctx)
	for i, key := range ref.Shards {
		i, key := i, key
		g.Go(func() error {
			data, found, err := shardStore.GetShard(gctx, key)
			if err != nil {
				return NewError(ErrBackendTransient, "Decode", err)
			}
			if !found {
				return NewError(ErrIncompleteShards, "Decode", fmt.Errorf("missing shard %s", key))
			}
			raw, err := snappy.Decode(nil, data)
			if err != nil {
				return NewError(Unknown, "Decode", err)
			}
			parts[i] = raw
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	total := 0
	for _, p := range parts {
		total += len(p)
	}
	full := make([]byte, 0, total)
	for _, p := range parts {
		full = append(full, p...)
	}

	if err := m.Unmarshal(full, out); err != nil {
		return NewError(Unknown, "Decode", err)
	}
	return nil
}

// PutShards writes every shard in res.Shards (no-op if res is inline). On
// any failure it removes whatever shards of the same new file it had
// already written, per SPEC_FULL.md 4.7 save-pipeline step 4.
func PutShards(ctx context.Context, shardStore ShardStore, res EncodeResult) error {
	if res.FileRef == nil {
		return nil
	}
	written := make([]string, 0, len(res.FileRef.Shards))
	for _, key := range res.FileRef.Shards {
		if err := shardStore.PutShard(ctx, key, res.Shards[key]); err != nil {
			for _, w := range written {
				_ = shardStore.RemoveShard(ctx, w)
			}
			return NewError(ErrBackendTransient, "PutShards", err)
		}
		written = append(written, key)
	}
	return nil
}

// RemoveShards best-effort deletes every shard key listed, tolerating
// already-missing shards (orphan cleanup idempotence, SPEC_FULL.md 8).
func RemoveShards(ctx context.Context, shardStore ShardStore, keys []string) []string {
	var failed []string
	for _, key := range keys {
		if err := shardStore.RemoveShard(ctx, key); err != nil {
			failed = append(failed, key)
		}
	}
	return failed
}
