package vaultkv

import (
	"context"
	"testing"
)

func TestLoadSessionAtMostOneOwner(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig("sess1").withDefaults()

	s1, err := loadSession(ctx, cfg, "k")
	if err != nil {
		t.Fatal(err)
	}
	defer s1.Unload(ctx)

	_, err = loadSession(ctx, cfg, "k")
	if CodeOf(err) != ErrLockUnavailable {
		t.Fatalf("second loadSession for the same key should fail with ErrLockUnavailable, got %v", err)
	}
}

func TestSessionUpdateImmutableSuppressesCallbackOnNoop(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig("sess2")
	calls := 0
	cfg.ChangeCallbacks = []ChangeCallback{func(key string, newVal, oldVal any) { calls++ }}
	cfg = cfg.withDefaults()

	s, err := loadSession(ctx, cfg, "k")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Unload(ctx)

	changed, err := s.UpdateImmutable(ctx, func(data any) (any, bool, error) {
		return data, false, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Fatal("fn reported no change, UpdateImmutable should report false")
	}
	if calls != 0 {
		t.Fatalf("change callback should not fire on a no-op update, fired %d times", calls)
	}
}

func TestSessionUpdateInvokesChangeCallbackWithBeforeAfter(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig("sess3")
	var seenBefore, seenAfter *testDoc
	cfg.ChangeCallbacks = []ChangeCallback{func(key string, newVal, oldVal any) {
		seenAfter = newVal.(*testDoc)
		seenBefore = oldVal.(*testDoc)
	}}
	cfg = cfg.withDefaults()

	s, err := loadSession(ctx, cfg, "k")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Unload(ctx)

	_, err = s.Update(ctx, func(data any) (bool, error) {
		data.(*testDoc).X = 9
		return true, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if seenBefore == nil || seenAfter == nil {
		t.Fatal("change callback was not invoked")
	}
	if seenBefore.X != 0 || seenAfter.X != 9 {
		t.Fatalf("before=%#v after=%#v", seenBefore, seenAfter)
	}
}

func TestSessionUpdateFalseLeavesWorkingCopyUnchanged(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig("sess4").withDefaults()
	s, err := loadSession(ctx, cfg, "k")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Unload(ctx)

	if _, err := s.Update(ctx, func(data any) (bool, error) {
		data.(*testDoc).X = 5
		return true, nil
	}); err != nil {
		t.Fatal(err)
	}

	before, _ := s.Get(ctx)
	changed, err := s.Update(ctx, func(data any) (bool, error) {
		data.(*testDoc).X = 999 // mutate, but report unchanged
		return false, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Fatal("Update should report false when the mutator does")
	}
	after, err := s.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if before.(*testDoc).X != after.(*testDoc).X {
		t.Fatalf("working copy changed despite Update reporting false: before=%#v after=%#v", before, after)
	}
}

func TestSessionSequentialUpdatesOrdered(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig("sess5").withDefaults()
	s, err := loadSession(ctx, cfg, "k")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Unload(ctx)

	for i := 1; i <= 10; i++ {
		i := i
		if _, err := s.Update(ctx, func(data any) (bool, error) {
			data.(*testDoc).X += i
			return true, nil
		}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.(*testDoc).X != 55 {
		t.Fatalf("expected sum 55 from sequential updates, got %d", got.(*testDoc).X)
	}
}

func TestSessionSaveCleansUpOrphanedShards(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig("sess6")
	cfg.MaxChunkSize = 10
	cfg.InlineReserve = 10
	cfg = cfg.withDefaults()
	ds := cfg.DataStore.(*fakeDataStore)

	s, err := loadSession(ctx, cfg, "k")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Unload(ctx)

	if _, err := s.Update(ctx, func(data any) (bool, error) {
		data.(*testDoc).X = 111111111
		return true, nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx); err != nil {
		t.Fatal(err)
	}
	firstShardCount := len(ds.shards)
	if firstShardCount == 0 {
		t.Fatal("expected the oversized document to be sharded")
	}

	if _, err := s.Update(ctx, func(data any) (bool, error) {
		data.(*testDoc).X = 222222222
		return true, nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx); err != nil {
		t.Fatal(err)
	}

	if len(ds.shards) != firstShardCount {
		t.Fatalf("expected the first save's shards to be cleaned up, old count=%d new count=%d", firstShardCount, len(ds.shards))
	}
}

func TestSessionUnloadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig("sess7").withDefaults()
	s, err := loadSession(ctx, cfg, "k")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Unload(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Unload(ctx); err != nil {
		t.Fatalf("second Unload should be a no-op, got %v", err)
	}
}

func TestSessionUnloadFlushesDirtyWorkingCopy(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig("sess8").withDefaults()
	s, err := loadSession(ctx, cfg, "k")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Update(ctx, func(data any) (bool, error) {
		data.(*testDoc).X = 3
		return true, nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.Unload(ctx); err != nil {
		t.Fatal(err)
	}

	s2, err := loadSession(ctx, cfg, "k")
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Unload(ctx)
	got, err := s2.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.(*testDoc).X != 3 {
		t.Fatalf("Unload should have flushed the dirty working copy, got %#v", got)
	}
}
