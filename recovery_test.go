package amakv

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/xenomorphtech/amakv/internal/vfs"
)

// crash abandons the database without flushing or writing a manifest,
// releasing only the file lock and WAL handle so the directory can be
// reopened.
func crash(t *testing.T, db DB) {
	t.Helper()
	impl, ok := db.(*dbImpl)
	if !ok {
		t.Fatal("not a dbImpl")
	}
	impl.closed.Store(true)
	impl.bg.Wait()
	impl.releaseResources()
}

func walFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.wal"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) == 0 {
		t.Fatal("no wal files found")
	}
	return matches
}

func TestRecoveryReplaysWALAfterCrash(t *testing.T) {
	dir := t.TempDir()
	db, _, err := Open(dir, testOptions(), nil)
	if err != nil {
		t.Fatal(err)
	}
	mustPut(t, db, nil, "k1", "v1")
	mustPut(t, db, nil, "k2", "v2")
	if err := db.Delete(nil, []byte("k1")); err != nil {
		t.Fatal(err)
	}
	crash(t, db)

	db2, _, err := Open(dir, testOptions(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()

	mustNotFind(t, db2, nil, nil, "k1")
	if got := mustGet(t, db2, nil, nil, "k2"); got != "v2" {
		t.Errorf("k2 = %q", got)
	}
}

func TestRecoverySequenceResumes(t *testing.T) {
	dir := t.TempDir()
	db, _, err := Open(dir, testOptions(), nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"a", "b", "c"} {
		mustPut(t, db, nil, k, "old")
	}
	before := db.(*dbImpl).lastSequence.Load()
	crash(t, db)

	db2, _, err := Open(dir, testOptions(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()

	if after := db2.(*dbImpl).lastSequence.Load(); after < before {
		t.Fatalf("sequence went backward: %d -> %d", before, after)
	}
	// New writes supersede recovered versions.
	mustPut(t, db2, nil, "b", "new")
	if got := mustGet(t, db2, nil, nil, "b"); got != "new" {
		t.Errorf("b = %q", got)
	}
}

func TestRecoverySkipsFlushedRecords(t *testing.T) {
	dir := t.TempDir()
	db, _, err := Open(dir, testOptions(), nil)
	if err != nil {
		t.Fatal(err)
	}
	mustPut(t, db, nil, "k", "v1")
	if err := db.Flush(nil, nil); err != nil {
		t.Fatal(err)
	}
	mustPut(t, db, nil, "k", "v2")
	crash(t, db)

	db2, _, err := Open(dir, testOptions(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()

	if got := mustGet(t, db2, nil, nil, "k"); got != "v2" {
		t.Errorf("k = %q", got)
	}
}

func TestRecoveryToleratesTruncatedTail(t *testing.T) {
	dir := t.TempDir()
	db, _, err := Open(dir, testOptions(), nil)
	if err != nil {
		t.Fatal(err)
	}
	wo := &WriteOptions{Sync: true}
	if err := db.Put(wo, []byte("first"), []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := db.Put(wo, []byte("second"), []byte("v2")); err != nil {
		t.Fatal(err)
	}
	crash(t, db)

	// Tear the final record, as a crashed write would.
	walPath := walFiles(t, dir)[0]
	info, err := os.Stat(walPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(walPath, info.Size()-4); err != nil {
		t.Fatal(err)
	}

	db2, _, err := Open(dir, testOptions(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()

	if got := mustGet(t, db2, nil, nil, "first"); got != "v1" {
		t.Errorf("first = %q", got)
	}
	mustNotFind(t, db2, nil, nil, "second")
}

func TestRecoveryRejectsMidLogCorruption(t *testing.T) {
	dir := t.TempDir()
	db, _, err := Open(dir, testOptions(), nil)
	if err != nil {
		t.Fatal(err)
	}
	wo := &WriteOptions{Sync: true}
	for _, k := range []string{"aaaa", "bbbb", "cccc"} {
		if err := db.Put(wo, []byte(k), []byte("vvvv")); err != nil {
			t.Fatal(err)
		}
	}
	crash(t, db)

	// Damage the first record's payload; the later records remain
	// readable, so this is corruption of committed data.
	walPath := walFiles(t, dir)[0]
	data, err := os.ReadFile(walPath)
	if err != nil {
		t.Fatal(err)
	}
	data[10] ^= 0xFF
	if err := os.WriteFile(walPath, data, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, _, err := Open(dir, testOptions(), nil); !errors.Is(err, ErrCorruption) {
		t.Fatalf("open = %v, want ErrCorruption", err)
	}
}

func TestRecoveryDropsUnsyncedData(t *testing.T) {
	dir := t.TempDir()
	ffs := vfs.NewFaultInjectionFS(vfs.Default())
	opts := testOptions()
	opts.FS = ffs

	db, _, err := Open(dir, opts, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Put(&WriteOptions{Sync: true}, []byte("durable"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := db.Put(nil, []byte("volatile"), []byte("v")); err != nil {
		t.Fatal(err)
	}

	// Power loss: everything after the last fsync is gone.
	if err := ffs.DropUnsyncedData(); err != nil {
		t.Fatal(err)
	}
	crash(t, db)

	db2, _, err := Open(dir, opts, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()

	if got := mustGet(t, db2, nil, nil, "durable"); got != "v" {
		t.Errorf("durable = %q", got)
	}
	mustNotFind(t, db2, nil, nil, "volatile")
}

func TestWriteFailsWhenWALUnavailable(t *testing.T) {
	dir := t.TempDir()
	ffs := vfs.NewFaultInjectionFS(vfs.Default())
	opts := testOptions()
	opts.FS = ffs

	db, _, err := Open(dir, opts, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	ffs.InjectWriteError("")
	if err := db.Put(nil, []byte("k"), []byte("v")); err == nil {
		t.Fatal("expected write error")
	}
	ffs.ClearErrors()

	// The failed commit left nothing behind.
	mustNotFind(t, db, nil, nil, "k")

	// Writes work again once the fault clears.
	mustPut(t, db, nil, "k", "v")
	if got := mustGet(t, db, nil, nil, "k"); got != "v" {
		t.Errorf("k = %q", got)
	}
}

func TestSyncFailureAborts(t *testing.T) {
	dir := t.TempDir()
	ffs := vfs.NewFaultInjectionFS(vfs.Default())
	opts := testOptions()
	opts.FS = ffs

	db, _, err := Open(dir, opts, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	ffs.InjectSyncError()
	err = db.Put(&WriteOptions{Sync: true}, []byte("k"), []byte("v"))
	ffs.ClearErrors()
	if err == nil {
		t.Fatal("expected sync error")
	}
	mustNotFind(t, db, nil, nil, "k")
}

func TestSyncFailureNotReplayedAfterCrash(t *testing.T) {
	dir := t.TempDir()
	ffs := vfs.NewFaultInjectionFS(vfs.Default())
	opts := testOptions()
	opts.FS = ffs

	db, _, err := Open(dir, opts, nil)
	if err != nil {
		t.Fatal(err)
	}

	ffs.InjectSyncError()
	if err := db.Put(&WriteOptions{Sync: true}, []byte("ghost"), []byte("boo")); err == nil {
		t.Fatal("expected sync error")
	}
	ffs.ClearErrors()
	mustNotFind(t, db, nil, nil, "ghost")

	// The next commit takes the sequence the aborted one gave back; its
	// record must be the only one left in the log.
	mustPut(t, db, nil, "real", "v")
	crash(t, db)

	db2, _, err := Open(dir, opts, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()

	mustNotFind(t, db2, nil, nil, "ghost")
	if got := mustGet(t, db2, nil, nil, "real"); got != "v" {
		t.Errorf("real = %q", got)
	}
}

func TestRecoveryRemovesOrphanedRuns(t *testing.T) {
	dir := t.TempDir()
	db, _, err := Open(dir, testOptions(), nil)
	if err != nil {
		t.Fatal(err)
	}
	mustPut(t, db, nil, "k", "v")
	if err := db.Flush(nil, nil); err != nil {
		t.Fatal(err)
	}
	crash(t, db)

	// A crash between writing a run and the manifest update leaves a
	// file no column family references.
	orphan := filepath.Join(dir, "000099.run")
	if err := os.WriteFile(orphan, []byte("half-built"), 0o644); err != nil {
		t.Fatal(err)
	}

	db2, _, err := Open(dir, testOptions(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()

	if _, err := os.Stat(orphan); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("orphaned run still present: %v", err)
	}
	if got := mustGet(t, db2, nil, nil, "k"); got != "v" {
		t.Errorf("k = %q", got)
	}
}

func TestRecoverySkipsDroppedColumnFamily(t *testing.T) {
	dir := t.TempDir()
	db, _, err := Open(dir, testOptions(), nil)
	if err != nil {
		t.Fatal(err)
	}
	cf, err := db.CreateColumnFamily("temp", nil)
	if err != nil {
		t.Fatal(err)
	}
	mustPut(t, db, cf, "stale", "x")
	mustPut(t, db, nil, "keep", "y")
	if err := db.DropColumnFamily(cf); err != nil {
		t.Fatal(err)
	}
	crash(t, db)

	// The WAL still holds records for the dropped family; replay must
	// skip them.
	db2, _, err := Open(dir, testOptions(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()

	if got := mustGet(t, db2, nil, nil, "keep"); got != "y" {
		t.Errorf("keep = %q", got)
	}
	if _, _, err := Open(dir, testOptions(), nil); err == nil {
		t.Error("second concurrent open should fail on the file lock")
	}
}

func TestDisableWALSkipsDurability(t *testing.T) {
	dir := t.TempDir()
	db, _, err := Open(dir, testOptions(), nil)
	if err != nil {
		t.Fatal(err)
	}
	wo := &WriteOptions{DisableWAL: true}
	if err := db.Put(wo, []byte("ephemeral"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	if got := mustGet(t, db, nil, nil, "ephemeral"); got != "v" {
		t.Fatalf("live read = %q", got)
	}
	crash(t, db)

	db2, _, err := Open(dir, testOptions(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()
	mustNotFind(t, db2, nil, nil, "ephemeral")
}
