package engine

import (
	"os"
	"testing"
	"time"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := New(dir, "dump.kvdb")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func uptr(n uint64) *uint64 { return &n }

func TestSetGetDel(t *testing.T) {
	e := newTestEngine(t)
	e.Set("a", []byte("1"), nil)
	v := e.Get("a")
	bb, ok := v.(BulkBytes)
	if !ok || string(bb) != "1" {
		t.Fatalf("unexpected value: %#v", v)
	}
	if n := e.Del([]string{"a", "missing"}); n != 1 {
		t.Fatalf("expected 1 deleted, got %d", n)
	}
	if e.Get("a") != nil {
		t.Fatal("expected key gone after Del")
	}
}

func TestGetTypeAndKeys(t *testing.T) {
	e := newTestEngine(t)
	e.Set("a", []byte("x"), nil)
	if got := e.GetType("a"); got != "string" {
		t.Fatalf("expected string type, got %q", got)
	}
	if got := e.GetType("missing"); got != "none" {
		t.Fatalf("expected none type, got %q", got)
	}
	keys := e.Keys()
	if len(keys) != 1 || keys[0] != "a" {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestSetExpiryReaped(t *testing.T) {
	e := newTestEngine(t)
	ttl := 10 * time.Millisecond
	e.Set("a", []byte("x"), &ttl)
	if e.Get("a") == nil {
		t.Fatal("expected key present immediately after Set")
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.Get("a") == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected expired key to be reaped")
}

func TestXAddAutoIDMonotonic(t *testing.T) {
	e := newTestEngine(t)
	id1, err := e.XAdd("s", nil, []FieldValue{{Field: []byte("f"), Value: []byte("v")}})
	if err != nil {
		t.Fatalf("XAdd: %v", err)
	}
	id2, err := e.XAdd("s", nil, []FieldValue{{Field: []byte("f"), Value: []byte("v2")}})
	if err != nil {
		t.Fatalf("XAdd: %v", err)
	}
	if id2.Compare(id1) <= 0 {
		t.Fatalf("expected id2 > id1, got %s <= %s", id2, id1)
	}
}

func TestXAddExplicitIDRules(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.XAdd("s", &StreamIDSpec{MS: 0, Seq: uptr(0)}, nil); err != ErrStreamIDZero {
		t.Fatalf("expected ErrStreamIDZero, got %v", err)
	}

	id, err := e.XAdd("s", &StreamIDSpec{MS: 5, Seq: uptr(1)}, nil)
	if err != nil {
		t.Fatalf("XAdd: %v", err)
	}
	if id.MS != 5 || id.Seq != 1 {
		t.Fatalf("unexpected id %s", id)
	}

	if _, err := e.XAdd("s", &StreamIDSpec{MS: 5, Seq: uptr(1)}, nil); err != ErrStreamIDInvalid {
		t.Fatalf("expected ErrStreamIDInvalid for a repeated id, got %v", err)
	}
	if _, err := e.XAdd("s", &StreamIDSpec{MS: 4, Seq: uptr(9)}, nil); err != ErrStreamIDInvalid {
		t.Fatalf("expected ErrStreamIDInvalid for a smaller ms, got %v", err)
	}
}

func TestXAddPartialSpecDerivesSeq(t *testing.T) {
	e := newTestEngine(t)
	id1, err := e.XAdd("s", &StreamIDSpec{MS: 100}, nil)
	if err != nil {
		t.Fatalf("XAdd: %v", err)
	}
	if id1.Seq != 0 {
		t.Fatalf("expected first entry at a fresh ms to get seq 0, got %d", id1.Seq)
	}
	id2, err := e.XAdd("s", &StreamIDSpec{MS: 100}, nil)
	if err != nil {
		t.Fatalf("XAdd: %v", err)
	}
	if id2.Seq != 1 {
		t.Fatalf("expected second entry at the same ms to get seq 1, got %d", id2.Seq)
	}
}

func TestXAddWrongType(t *testing.T) {
	e := newTestEngine(t)
	e.Set("k", []byte("x"), nil)
	if _, err := e.XAdd("k", nil, nil); err != ErrWrongType {
		t.Fatalf("expected ErrWrongType, got %v", err)
	}
}

func TestXRangeInclusiveBounds(t *testing.T) {
	e := newTestEngine(t)
	for i := uint64(1); i <= 3; i++ {
		if _, err := e.XAdd("s", &StreamIDSpec{MS: i, Seq: uptr(0)}, []FieldValue{{Field: []byte("f"), Value: []byte("v")}}); err != nil {
			t.Fatalf("XAdd: %v", err)
		}
	}
	entries, err := e.XRange("s", &StreamIDSpec{MS: 1, Seq: uptr(0)}, &StreamIDSpec{MS: 2, Seq: uptr(0)}, 0)
	if err != nil {
		t.Fatalf("XRange: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries in range, got %d", len(entries))
	}
}

func TestXRangeMissingKeyIsEmpty(t *testing.T) {
	e := newTestEngine(t)
	entries, err := e.XRange("missing", nil, nil, 0)
	if err != nil {
		t.Fatalf("XRange: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(entries))
	}
}

func TestXReadReturnsEntriesAfterID(t *testing.T) {
	e := newTestEngine(t)
	id1, _ := e.XAdd("s", &StreamIDSpec{MS: 1, Seq: uptr(0)}, nil)
	_, _ = e.XAdd("s", &StreamIDSpec{MS: 2, Seq: uptr(0)}, nil)

	results, err := e.XRead([]XReadQuery{{Key: "s", After: id1}}, 0)
	if err != nil {
		t.Fatalf("XRead: %v", err)
	}
	if len(results) != 1 || len(results[0]) != 1 {
		t.Fatalf("expected one entry after id1, got %#v", results)
	}
	if results[0][0].ID.MS != 2 {
		t.Fatalf("expected the ms=2 entry, got %s", results[0][0].ID)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	e.Set("a", []byte("1"), nil)
	e.Set("b", []byte("2"), nil)

	if err := e.WriteSnapshot(); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	e2, err := New(e.Dir(), e.FileName())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	defer e2.Close()

	if bb, ok := e2.Get("a").(BulkBytes); !ok || string(bb) != "1" {
		t.Fatalf("expected key a to survive reload, got %#v", e2.Get("a"))
	}
	if bb, ok := e2.Get("b").(BulkBytes); !ok || string(bb) != "2" {
		t.Fatalf("expected key b to survive reload, got %#v", e2.Get("b"))
	}
}

func TestOnSnapshotHookFiresAfterWriteSnapshot(t *testing.T) {
	e := newTestEngine(t)
	fired := make(chan struct{}, 1)
	e.OnSnapshot(func() { fired <- struct{}{} })

	if err := e.WriteSnapshot(); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	select {
	case <-fired:
	default:
		t.Fatal("expected OnSnapshot hook to fire after WriteSnapshot")
	}
}

func TestOnSnapshotHookFiresAfterWriteSnapshotData(t *testing.T) {
	src := newTestEngine(t)
	src.Set("k", []byte("v"), nil)
	if err := src.WriteSnapshot(); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	data, err := os.ReadFile(src.path())
	if err != nil {
		t.Fatalf("read snapshot file: %v", err)
	}

	dst := newTestEngine(t)
	fired := make(chan struct{}, 1)
	dst.OnSnapshot(func() { fired <- struct{}{} })

	if err := dst.WriteSnapshotData(data); err != nil {
		t.Fatalf("WriteSnapshotData: %v", err)
	}
	select {
	case <-fired:
	default:
		t.Fatal("expected OnSnapshot hook to fire after WriteSnapshotData")
	}
	if bb, ok := dst.Get("k").(BulkBytes); !ok || string(bb) != "v" {
		t.Fatalf("expected installed snapshot data to be loaded, got %#v", dst.Get("k"))
	}
}

func TestWriteSnapshotDataDropsStaleKeys(t *testing.T) {
	src := newTestEngine(t)
	src.Set("fresh", []byte("1"), nil)
	if err := src.WriteSnapshot(); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	data, err := os.ReadFile(src.path())
	if err != nil {
		t.Fatalf("read snapshot file: %v", err)
	}

	dst := newTestEngine(t)
	dst.Set("stale", []byte("old"), nil)
	dst.Set("fresh", []byte("0"), nil)

	if err := dst.WriteSnapshotData(data); err != nil {
		t.Fatalf("WriteSnapshotData: %v", err)
	}

	if dst.Get("stale") != nil {
		t.Fatalf("expected key absent from installed snapshot to be removed, got %#v", dst.Get("stale"))
	}
	if bb, ok := dst.Get("fresh").(BulkBytes); !ok || string(bb) != "1" {
		t.Fatalf("expected installed snapshot's value to win, got %#v", dst.Get("fresh"))
	}
}
