package vaultkv

import (
	"context"
	"testing"
)

func txTestStore(t *testing.T, name string) *Store {
	t.Helper()
	return mustStore(t, testConfig(name))
}

func TestTxCommitsAcrossMultipleKeys(t *testing.T) {
	ctx := context.Background()
	st := txTestStore(t, "tx1")

	if err := st.Load(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := st.Load(ctx, "b"); err != nil {
		t.Fatal(err)
	}

	err := st.Tx(ctx, []string{"a", "b"}, func(ctx context.Context, values map[string]any) (map[string]any, error) {
		values["a"].(*testDoc).X = 1
		values["b"].(*testDoc).X = 2
		return values, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	a, err := st.Get(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	b, err := st.Get(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if a.(*testDoc).X != 1 || b.(*testDoc).X != 2 {
		t.Fatalf("a=%#v b=%#v", a, b)
	}
}

func TestTxRejectsKeySetMismatch(t *testing.T) {
	ctx := context.Background()
	st := txTestStore(t, "tx2")
	if err := st.Load(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := st.Load(ctx, "b"); err != nil {
		t.Fatal(err)
	}

	err := st.Tx(ctx, []string{"a", "b"}, func(ctx context.Context, values map[string]any) (map[string]any, error) {
		delete(values, "b")
		return values, nil
	})
	if CodeOf(err) != ErrTxKeysModified {
		t.Fatalf("expected ErrTxKeysModified, got %v", err)
	}
}

func TestTxFnErrorAbortsWithNoDurableEffect(t *testing.T) {
	ctx := context.Background()
	st := txTestStore(t, "tx3")
	if err := st.Load(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	boom := NewError(Unknown, "test", nil)
	err := st.Tx(ctx, []string{"a"}, func(ctx context.Context, values map[string]any) (map[string]any, error) {
		values["a"].(*testDoc).X = 77
		return nil, boom
	})
	if err == nil {
		t.Fatal("expected the transaction to fail")
	}

	got, err := st.Get(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if got.(*testDoc).X != 0 {
		t.Fatalf("aborted transaction must not leave a durable effect, got %#v", got)
	}
}

func TestTxNoopWhenNothingChanges(t *testing.T) {
	ctx := context.Background()
	st := txTestStore(t, "tx4")
	if err := st.Load(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	err := st.Tx(ctx, []string{"a"}, func(ctx context.Context, values map[string]any) (map[string]any, error) {
		return values, nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// TestRecoverPendingTxRollsForwardWhenMarkerCommitted exercises the case
// where prepare already wrote the transaction's final value directly (this
// design's prepare phase, unlike a flag-only marker) and the marker made it
// to "committed" before a crash: recovery must only clear PendingTx, keeping
// the data prepare wrote.
func TestRecoverPendingTxRollsForwardWhenMarkerCommitted(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig("tx5").withDefaults()
	ds := cfg.DataStore.(*fakeDataStore)

	recKey := recordKeyFor(cfg, "a")
	if err := ds.Set(ctx, recKey, Record{Data: []byte(`{"x":0,"y":0}`)}, nil); err != nil {
		t.Fatal(err)
	}

	txID := NewUUID().String()
	id, err := ParseUUID(txID)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := ds.Update(ctx, recKey, func(prev *Record) (*Record, error) {
		return &Record{Data: []byte(`{"x":5,"y":0}`), PendingTx: &id}, nil
	}, nil); err != nil {
		t.Fatal(err)
	}
	if err := writeCommittedMarker(ctx, cfg, txID); err != nil {
		t.Fatal(err)
	}

	val, found, err := ds.Get(ctx, recKey)
	if err != nil || !found {
		t.Fatal(err)
	}

	resolved, err := recoverPendingTx(ctx, cfg, "a", val.Record)
	if err != nil {
		t.Fatal(err)
	}
	if resolved.PendingTx != nil {
		t.Fatal("resolved record should have PendingTx cleared")
	}
	if string(resolved.Data) != `{"x":5,"y":0}` {
		t.Fatalf("expected roll-forward to keep prepare's final data, got %s", resolved.Data)
	}

	if _, found, _ := readMarker(ctx, cfg, txID); found {
		t.Fatal("marker should be deleted after roll-forward")
	}
}

// TestRecoverPendingTxRollsBackWhenMarkerMissing models a crash between
// prepare writing a key's final value and the marker ever being written: no
// marker exists, so recovery must restore the version prior to the one
// prepare wrote, via DataStore versioning.
func TestRecoverPendingTxRollsBackWhenMarkerMissing(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig("tx6").withDefaults()
	ds := cfg.DataStore.(*fakeDataStore)

	recKey := recordKeyFor(cfg, "a")
	if err := ds.Set(ctx, recKey, Record{Data: []byte(`{"x":3,"y":0}`)}, nil); err != nil {
		t.Fatal(err)
	}

	txID := NewUUID().String()
	id, err := ParseUUID(txID)
	if err != nil {
		t.Fatal(err)
	}
	var prepared Record
	if _, _, err := ds.Update(ctx, recKey, func(prev *Record) (*Record, error) {
		prepared = Record{Data: []byte(`{"x":999,"y":0}`), PendingTx: &id}
		return &prepared, nil
	}, nil); err != nil {
		t.Fatal(err)
	}

	resolved, err := recoverPendingTx(ctx, cfg, "a", prepared)
	if err != nil {
		t.Fatal(err)
	}
	if resolved.PendingTx != nil {
		t.Fatal("resolved record should have PendingTx cleared")
	}
	if string(resolved.Data) != `{"x":3,"y":0}` {
		t.Fatalf("rollback should restore the prior version's data, got %s", resolved.Data)
	}
}

// TestRecoverPendingTxRollsBackWhenMarkerNotCommitted covers a marker found
// with a value other than the committed enum string: treated the same as a
// missing marker (roll back), and the stray marker is cleaned up.
func TestRecoverPendingTxRollsBackWhenMarkerNotCommitted(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig("tx7").withDefaults()
	ds := cfg.DataStore.(*fakeDataStore)

	recKey := recordKeyFor(cfg, "a")
	if err := ds.Set(ctx, recKey, Record{Data: []byte(`{"x":3,"y":0}`)}, nil); err != nil {
		t.Fatal(err)
	}

	txID := NewUUID().String()
	id, err := ParseUUID(txID)
	if err != nil {
		t.Fatal(err)
	}
	var prepared Record
	if _, _, err := ds.Update(ctx, recKey, func(prev *Record) (*Record, error) {
		prepared = Record{Data: []byte(`{"x":9,"y":0}`), PendingTx: &id}
		return &prepared, nil
	}, nil); err != nil {
		t.Fatal(err)
	}
	if err := ds.Set(ctx, markerKey(cfg, txID), Record{Data: []byte("garbage")}, nil); err != nil {
		t.Fatal(err)
	}

	resolved, err := recoverPendingTx(ctx, cfg, "a", prepared)
	if err != nil {
		t.Fatal(err)
	}
	if string(resolved.Data) != `{"x":3,"y":0}` {
		t.Fatalf("a marker that isn't exactly \"committed\" must roll back, not forward; got %s", resolved.Data)
	}
	if _, found, _ := readMarker(ctx, cfg, txID); found {
		t.Fatal("stray marker should be deleted once recovery resolves it")
	}
}

func TestHydrateRecoversFromPendingTxOnLoad(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig("tx8").withDefaults()
	ds := cfg.DataStore.(*fakeDataStore)

	recKey := recordKeyFor(cfg, "a")
	if err := ds.Set(ctx, recKey, Record{Data: []byte(`{"x":0,"y":0}`)}, nil); err != nil {
		t.Fatal(err)
	}

	txID := NewUUID().String()
	id, err := ParseUUID(txID)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := ds.Update(ctx, recKey, func(prev *Record) (*Record, error) {
		return &Record{Data: []byte(`{"x":12,"y":0}`), PendingTx: &id}, nil
	}, nil); err != nil {
		t.Fatal(err)
	}
	if err := writeCommittedMarker(ctx, cfg, txID); err != nil {
		t.Fatal(err)
	}

	st, err := NewStore(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Load(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	got, err := st.Get(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if got.(*testDoc).X != 12 {
		t.Fatalf("load should roll the committed transaction forward, got %#v", got)
	}
}
