package amakv

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/xenomorphtech/amakv/internal/logging"
)

func testOptions() *Options {
	opts := DefaultOptions()
	opts.CreateIfMissing = true
	opts.CreateMissingColumnFamilies = true
	opts.Logger = logging.Discard
	return opts
}

// openTestDB opens a fresh database in a temp dir and closes it when
// the test ends.
func openTestDB(t *testing.T, opts *Options, cfds ...ColumnFamilyDescriptor) (DB, []ColumnFamilyHandle) {
	t.Helper()
	if opts == nil {
		opts = testOptions()
	}
	db, handles, err := Open(t.TempDir(), opts, cfds)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db, handles
}

func mustPut(t *testing.T, db DB, cf ColumnFamilyHandle, key, value string) {
	t.Helper()
	if err := db.PutCF(nil, cf, []byte(key), []byte(value)); err != nil {
		t.Fatal(err)
	}
}

func mustGet(t *testing.T, db DB, ro *ReadOptions, cf ColumnFamilyHandle, key string) string {
	t.Helper()
	v, found, err := db.GetCF(ro, cf, []byte(key))
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatalf("key %q not found", key)
	}
	return string(v)
}

func mustNotFind(t *testing.T, db DB, ro *ReadOptions, cf ColumnFamilyHandle, key string) {
	t.Helper()
	v, found, err := db.GetCF(ro, cf, []byte(key))
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatalf("key %q unexpectedly found: %q", key, v)
	}
}

func TestPutGetDelete(t *testing.T) {
	db, _ := openTestDB(t, nil)

	mustNotFind(t, db, nil, nil, "k")

	mustPut(t, db, nil, "k", "v1")
	if got := mustGet(t, db, nil, nil, "k"); got != "v1" {
		t.Errorf("get = %q", got)
	}

	mustPut(t, db, nil, "k", "v2")
	if got := mustGet(t, db, nil, nil, "k"); got != "v2" {
		t.Errorf("overwrite = %q", got)
	}

	if err := db.Delete(nil, []byte("k")); err != nil {
		t.Fatal(err)
	}
	mustNotFind(t, db, nil, nil, "k")

	// Deleting an absent key succeeds.
	if err := db.Delete(nil, []byte("never-existed")); err != nil {
		t.Fatal(err)
	}
}

func TestEmptyValueDiffersFromMissing(t *testing.T) {
	db, _ := openTestDB(t, nil)

	mustPut(t, db, nil, "empty", "")
	v, found, err := db.Get(nil, []byte("empty"))
	if err != nil || !found {
		t.Fatalf("found=%t err=%v", found, err)
	}
	if len(v) != 0 {
		t.Errorf("value = %q", v)
	}
}

func TestWriteBatchAtomic(t *testing.T) {
	db, handles := openTestDB(t, nil, ColumnFamilyDescriptor{Name: "aux"})
	aux := handles[0]

	wb := NewWriteBatch()
	wb.Put([]byte("a"), []byte("1"))
	wb.PutCF(aux, []byte("b"), []byte("2"))
	wb.Delete([]byte("a"))
	if wb.Count() != 3 {
		t.Fatalf("count = %d", wb.Count())
	}
	if err := db.Write(nil, wb); err != nil {
		t.Fatal(err)
	}

	mustNotFind(t, db, nil, nil, "a")
	if got := mustGet(t, db, nil, aux, "b"); got != "2" {
		t.Errorf("aux b = %q", got)
	}

	// Empty batch is a no-op.
	if err := db.Write(nil, NewWriteBatch()); err != nil {
		t.Fatal(err)
	}
	if err := db.Write(nil, nil); err != nil {
		t.Fatal(err)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	db, _ := openTestDB(t, nil)

	mustPut(t, db, nil, "k", "v1")
	snap := db.GetSnapshot()
	defer db.ReleaseSnapshot(snap)

	mustPut(t, db, nil, "k", "v2")
	mustPut(t, db, nil, "later", "x")

	ro := DefaultReadOptions()
	ro.Snapshot = snap
	if got := mustGet(t, db, ro, nil, "k"); got != "v1" {
		t.Errorf("snapshot read = %q", got)
	}
	mustNotFind(t, db, ro, nil, "later")

	// Current reads see the new state.
	if got := mustGet(t, db, nil, nil, "k"); got != "v2" {
		t.Errorf("current read = %q", got)
	}
}

func TestSnapshotSurvivesFlush(t *testing.T) {
	db, _ := openTestDB(t, nil)

	mustPut(t, db, nil, "k", "v1")
	snap := db.GetSnapshot()
	defer db.ReleaseSnapshot(snap)

	mustPut(t, db, nil, "k", "v2")
	if err := db.Flush(nil, nil); err != nil {
		t.Fatal(err)
	}

	ro := DefaultReadOptions()
	ro.Snapshot = snap
	if got := mustGet(t, db, ro, nil, "k"); got != "v1" {
		t.Errorf("snapshot read after flush = %q", got)
	}
}

func TestColumnFamilyCreateAndUse(t *testing.T) {
	db, _ := openTestDB(t, nil)

	cf, err := db.CreateColumnFamily("users", nil)
	if err != nil {
		t.Fatal(err)
	}
	if cf.Name() != "users" || cf.ID() == DefaultColumnFamilyID {
		t.Fatalf("handle = %q id %d", cf.Name(), cf.ID())
	}

	// Same key in different families is independent.
	mustPut(t, db, nil, "k", "default-v")
	mustPut(t, db, cf, "k", "users-v")
	if got := mustGet(t, db, nil, nil, "k"); got != "default-v" {
		t.Errorf("default k = %q", got)
	}
	if got := mustGet(t, db, nil, cf, "k"); got != "users-v" {
		t.Errorf("users k = %q", got)
	}

	if _, err := db.CreateColumnFamily("users", nil); !errors.Is(err, ErrColumnFamilyExists) {
		t.Errorf("duplicate create = %v", err)
	}
}

func TestDropColumnFamily(t *testing.T) {
	db, _ := openTestDB(t, nil)

	cf, err := db.CreateColumnFamily("scratch", nil)
	if err != nil {
		t.Fatal(err)
	}
	mustPut(t, db, cf, "k", "v")

	if err := db.DropColumnFamily(cf); err != nil {
		t.Fatal(err)
	}

	// The handle is dead after the drop.
	if _, _, err := db.GetCF(nil, cf, []byte("k")); !errors.Is(err, ErrInvalidColumnFamilyHandle) {
		t.Errorf("get after drop = %v", err)
	}
	if err := db.PutCF(nil, cf, []byte("k"), []byte("v")); !errors.Is(err, ErrInvalidColumnFamilyHandle) {
		t.Errorf("put after drop = %v", err)
	}
	if err := db.DropColumnFamily(cf); !errors.Is(err, ErrInvalidColumnFamilyHandle) {
		t.Errorf("double drop = %v", err)
	}

	// The default family cannot be dropped.
	if err := db.DropColumnFamily(nil); !errors.Is(err, ErrCannotDropDefaultCF) {
		t.Errorf("drop default = %v", err)
	}
}

func TestReopenPersistsData(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()

	db, handles, err := Open(dir, opts, []ColumnFamilyDescriptor{{Name: "aux"}})
	if err != nil {
		t.Fatal(err)
	}
	mustPut(t, db, nil, "flushed", "f1")
	if err := db.Flush(nil, nil); err != nil {
		t.Fatal(err)
	}
	mustPut(t, db, handles[0], "buffered", "b1")
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db2, handles2, err := Open(dir, opts, []ColumnFamilyDescriptor{{Name: "aux"}})
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()

	if got := mustGet(t, db2, nil, nil, "flushed"); got != "f1" {
		t.Errorf("flushed = %q", got)
	}
	if got := mustGet(t, db2, nil, handles2[0], "buffered"); got != "b1" {
		t.Errorf("buffered = %q", got)
	}
}

func TestOpenFlags(t *testing.T) {
	dir := t.TempDir()

	// Missing database without CreateIfMissing.
	opts := testOptions()
	opts.CreateIfMissing = false
	if _, _, err := Open(dir, opts, nil); !errors.Is(err, ErrDBDoesNotExist) {
		t.Errorf("open missing = %v", err)
	}

	// Create, close, then refuse to reopen with ErrorIfExists.
	db, _, err := Open(dir, testOptions(), nil)
	if err != nil {
		t.Fatal(err)
	}
	db.Close()

	opts = testOptions()
	opts.ErrorIfExists = true
	if _, _, err := Open(dir, opts, nil); !errors.Is(err, ErrDBExists) {
		t.Errorf("open existing = %v", err)
	}
}

func TestOpenUnknownColumnFamily(t *testing.T) {
	dir := t.TempDir()
	db, _, err := Open(dir, testOptions(), nil)
	if err != nil {
		t.Fatal(err)
	}
	db.Close()

	opts := testOptions()
	opts.CreateMissingColumnFamilies = false
	if _, _, err := Open(dir, opts, []ColumnFamilyDescriptor{{Name: "ghost"}}); !errors.Is(err, ErrColumnFamilyNotFound) {
		t.Errorf("open with unknown cf = %v", err)
	}
}

func TestInvalidOptions(t *testing.T) {
	opts := testOptions()
	opts.WriteBufferSize = -1
	if _, _, err := Open(t.TempDir(), opts, nil); !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("negative buffer = %v", err)
	}

	opts = testOptions()
	opts.CompactionTrigger = 1
	if _, _, err := Open(t.TempDir(), opts, nil); !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("trigger 1 = %v", err)
	}

	opts = testOptions()
	opts.Compression = CompressionType(0x7F)
	if _, _, err := Open(t.TempDir(), opts, nil); !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("bad compression = %v", err)
	}
}

func TestClosedDB(t *testing.T) {
	db, _ := openTestDB(t, nil)
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	if err := db.Put(nil, []byte("k"), []byte("v")); !errors.Is(err, ErrDBClosed) {
		t.Errorf("put = %v", err)
	}
	if _, _, err := db.Get(nil, []byte("k")); !errors.Is(err, ErrDBClosed) {
		t.Errorf("get = %v", err)
	}
	if _, err := db.BeginTransaction(); !errors.Is(err, ErrDBClosed) {
		t.Errorf("begin = %v", err)
	}
	if err := db.Close(); !errors.Is(err, ErrDBClosed) {
		t.Errorf("double close = %v", err)
	}
}

func TestOpenReadOnly(t *testing.T) {
	dir := t.TempDir()
	db, _, err := Open(dir, testOptions(), nil)
	if err != nil {
		t.Fatal(err)
	}
	mustPut(t, db, nil, "flushed", "f")
	if err := db.Flush(nil, nil); err != nil {
		t.Fatal(err)
	}
	mustPut(t, db, nil, "buffered", "b")
	db.Close()

	ro, _, err := OpenReadOnly(dir, testOptions(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ro.Close()

	if got := mustGet(t, ro, nil, nil, "flushed"); got != "f" {
		t.Errorf("flushed = %q", got)
	}
	if got := mustGet(t, ro, nil, nil, "buffered"); got != "b" {
		t.Errorf("buffered = %q", got)
	}
	if err := ro.Put(nil, []byte("x"), []byte("y")); !errors.Is(err, ErrReadOnly) {
		t.Errorf("put on read-only = %v", err)
	}
	if _, err := ro.CreateColumnFamily("x", nil); !errors.Is(err, ErrReadOnly) {
		t.Errorf("create cf on read-only = %v", err)
	}
}

func TestSyncWrite(t *testing.T) {
	db, _ := openTestDB(t, nil)
	wo := &WriteOptions{Sync: true}
	if err := db.Put(wo, []byte("durable"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	if got := mustGet(t, db, nil, nil, "durable"); got != "v" {
		t.Errorf("get = %q", got)
	}
}

func TestLargeValues(t *testing.T) {
	db, _ := openTestDB(t, nil)

	big := bytes.Repeat([]byte("payload-"), 64*1024) // 512KB
	if err := db.Put(nil, []byte("big"), big); err != nil {
		t.Fatal(err)
	}
	v, found, err := db.Get(nil, []byte("big"))
	if err != nil || !found || !bytes.Equal(v, big) {
		t.Fatalf("big value: found=%t len=%d err=%v", found, len(v), err)
	}

	if err := db.Flush(nil, nil); err != nil {
		t.Fatal(err)
	}
	v, found, err = db.Get(nil, []byte("big"))
	if err != nil || !found || !bytes.Equal(v, big) {
		t.Fatalf("big value after flush: found=%t len=%d err=%v", found, len(v), err)
	}
}

// Two column families, concurrent transactions, a conflict, and reads
// at three points in time.
func TestMultiFamilyTransactionScenario(t *testing.T) {
	db, handles := openTestDB(t, nil,
		ColumnFamilyDescriptor{Name: "a"},
		ColumnFamilyDescriptor{Name: "b"},
	)
	a, b := handles[0], handles[1]

	mustPut(t, db, a, "k1", "v1")
	if got := mustGet(t, db, nil, a, "k1"); got != "v1" {
		t.Fatalf("initial read = %q", got)
	}
	mustPut(t, db, b, "other", "unrelated")

	t1, err := db.BeginTransaction()
	if err != nil {
		t.Fatal(err)
	}
	if err := t1.PutCF(a, []byte("k1"), []byte("v2")); err != nil {
		t.Fatal(err)
	}

	// T2 begins after T1's uncommitted write and still sees v1.
	t2, err := db.BeginTransaction()
	if err != nil {
		t.Fatal(err)
	}
	if v, found, err := t2.GetCF(a, []byte("k1")); err != nil || !found || string(v) != "v1" {
		t.Fatalf("t2 read = %q found=%t err=%v", v, found, err)
	}

	if err := t1.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := t2.Rollback(); err != nil {
		t.Fatal(err)
	}

	// A transaction begun after the commit sees v2.
	t3, err := db.BeginTransaction()
	if err != nil {
		t.Fatal(err)
	}
	if v, _, err := t3.GetCF(a, []byte("k1")); err != nil || string(v) != "v2" {
		t.Fatalf("t3 read = %q err=%v", v, err)
	}
	if err := t3.Rollback(); err != nil {
		t.Fatal(err)
	}
}

func TestManyKeys(t *testing.T) {
	opts := testOptions()
	opts.WriteBufferSize = 16 * 1024 // force flushes along the way
	db, _ := openTestDB(t, opts)

	const n = 2000
	for i := 0; i < n; i++ {
		mustPut(t, db, nil, fmt.Sprintf("key-%05d", i), fmt.Sprintf("value-%05d", i))
	}
	for _, i := range []int{0, 1, n / 3, n / 2, n - 2, n - 1} {
		key := fmt.Sprintf("key-%05d", i)
		if got := mustGet(t, db, nil, nil, key); got != fmt.Sprintf("value-%05d", i) {
			t.Errorf("%s = %q", key, got)
		}
	}
}
