package amakv

import (
	"errors"
	"testing"
)

func mustBegin(t *testing.T, db DB) Transaction {
	t.Helper()
	tx, err := db.BeginTransaction()
	if err != nil {
		t.Fatal(err)
	}
	return tx
}

func TestTransactionCommit(t *testing.T) {
	db, _ := openTestDB(t, nil)

	tx := mustBegin(t, db)
	if err := tx.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}

	// Uncommitted writes are invisible outside the transaction.
	mustNotFind(t, db, nil, nil, "k")

	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if got := mustGet(t, db, nil, nil, "k"); got != "v" {
		t.Errorf("after commit = %q", got)
	}
}

func TestTransactionReadYourWrites(t *testing.T) {
	db, _ := openTestDB(t, nil)
	mustPut(t, db, nil, "k", "base")

	tx := mustBegin(t, db)
	defer tx.Rollback()

	if v, found, err := tx.Get([]byte("k")); err != nil || !found || string(v) != "base" {
		t.Fatalf("initial read = %q found=%t err=%v", v, found, err)
	}

	if err := tx.Put([]byte("k"), []byte("mine")); err != nil {
		t.Fatal(err)
	}
	if v, _, err := tx.Get([]byte("k")); err != nil || string(v) != "mine" {
		t.Fatalf("read-your-writes = %q err=%v", v, err)
	}

	// A buffered delete shadows both the put and the base value.
	if err := tx.Delete([]byte("k")); err != nil {
		t.Fatal(err)
	}
	if _, found, err := tx.Get([]byte("k")); err != nil || found {
		t.Fatalf("after buffered delete: found=%t err=%v", found, err)
	}

	// The last buffered operation wins.
	if err := tx.Put([]byte("k"), []byte("again")); err != nil {
		t.Fatal(err)
	}
	if v, _, err := tx.Get([]byte("k")); err != nil || string(v) != "again" {
		t.Fatalf("after re-put = %q err=%v", v, err)
	}
}

func TestTransactionSnapshotReads(t *testing.T) {
	db, _ := openTestDB(t, nil)
	mustPut(t, db, nil, "k", "v1")

	tx := mustBegin(t, db)
	defer tx.Rollback()

	// A write committed after begin is invisible to the transaction.
	mustPut(t, db, nil, "k", "v2")
	if v, _, err := tx.Get([]byte("k")); err != nil || string(v) != "v1" {
		t.Fatalf("snapshot read = %q err=%v", v, err)
	}
}

func TestTransactionWriteConflict(t *testing.T) {
	db, _ := openTestDB(t, nil)
	mustPut(t, db, nil, "k", "base")

	t1 := mustBegin(t, db)
	t2 := mustBegin(t, db)

	if err := t1.Put([]byte("k"), []byte("from-t1")); err != nil {
		t.Fatal(err)
	}
	if err := t2.Put([]byte("k"), []byte("from-t2")); err != nil {
		t.Fatal(err)
	}

	if err := t1.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := t2.Commit(); !errors.Is(err, ErrConflict) {
		t.Fatalf("t2 commit = %v, want ErrConflict", err)
	}

	// The losing transaction applied nothing.
	if got := mustGet(t, db, nil, nil, "k"); got != "from-t1" {
		t.Errorf("winner = %q", got)
	}
}

func TestTransactionNoConflictOnDisjointKeys(t *testing.T) {
	db, _ := openTestDB(t, nil)

	t1 := mustBegin(t, db)
	t2 := mustBegin(t, db)
	if err := t1.Put([]byte("x"), []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := t2.Put([]byte("y"), []byte("2")); err != nil {
		t.Fatal(err)
	}

	if err := t1.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := t2.Commit(); err != nil {
		t.Fatal(err)
	}
	if mustGet(t, db, nil, nil, "x") != "1" || mustGet(t, db, nil, nil, "y") != "2" {
		t.Error("both commits should apply")
	}
}

func TestTransactionSameKeyDifferentFamilies(t *testing.T) {
	db, handles := openTestDB(t, nil, ColumnFamilyDescriptor{Name: "aux"})
	aux := handles[0]

	t1 := mustBegin(t, db)
	t2 := mustBegin(t, db)
	if err := t1.Put([]byte("k"), []byte("default")); err != nil {
		t.Fatal(err)
	}
	if err := t2.PutCF(aux, []byte("k"), []byte("aux")); err != nil {
		t.Fatal(err)
	}

	if err := t1.Commit(); err != nil {
		t.Fatal(err)
	}
	// Same user key in a different family is not a conflict.
	if err := t2.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestGetForUpdateConflict(t *testing.T) {
	db, _ := openTestDB(t, nil)
	mustPut(t, db, nil, "watched", "v")

	t1 := mustBegin(t, db)
	if _, _, err := t1.GetForUpdateCF(nil, []byte("watched")); err != nil {
		t.Fatal(err)
	}
	if err := t1.Put([]byte("unrelated"), []byte("x")); err != nil {
		t.Fatal(err)
	}

	// Another writer commits to the watched key.
	mustPut(t, db, nil, "watched", "changed")

	if err := t1.Commit(); !errors.Is(err, ErrConflict) {
		t.Fatalf("commit = %v, want ErrConflict", err)
	}
	mustNotFind(t, db, nil, nil, "unrelated")
}

func TestReadWriteConflict(t *testing.T) {
	db, _ := openTestDB(t, nil)
	mustPut(t, db, nil, "watched", "v")

	t1 := mustBegin(t, db)
	if _, _, err := t1.GetCF(nil, []byte("watched")); err != nil {
		t.Fatal(err)
	}
	if err := t1.Put([]byte("unrelated"), []byte("x")); err != nil {
		t.Fatal(err)
	}

	// Another writer commits to the key t1 read.
	mustPut(t, db, nil, "watched", "changed")

	// The plain read joined the conflict set, so the commit fails and
	// applies nothing.
	if err := t1.Commit(); !errors.Is(err, ErrConflict) {
		t.Fatalf("commit = %v, want ErrConflict", err)
	}
	mustNotFind(t, db, nil, nil, "unrelated")
}

func TestReadOfEarlierCommitDoesNotConflict(t *testing.T) {
	db, _ := openTestDB(t, nil)
	mustPut(t, db, nil, "k", "v")

	t1 := mustBegin(t, db)
	if _, _, err := t1.GetCF(nil, []byte("k")); err != nil {
		t.Fatal(err)
	}
	if err := t1.Put([]byte("out"), []byte("x")); err != nil {
		t.Fatal(err)
	}

	// "k" last changed before the transaction began, so the tracked
	// read is still valid.
	if err := t1.Commit(); err != nil {
		t.Fatal(err)
	}
	if got := mustGet(t, db, nil, nil, "out"); got != "x" {
		t.Errorf("out = %q", got)
	}
}

func TestTransactionRollback(t *testing.T) {
	db, _ := openTestDB(t, nil)

	tx := mustBegin(t, db)
	if err := tx.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}
	mustNotFind(t, db, nil, nil, "k")
}

func TestTransactionTerminalStates(t *testing.T) {
	db, _ := openTestDB(t, nil)

	tx := mustBegin(t, db)
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := tx.Put([]byte("k"), []byte("v")); !errors.Is(err, ErrTransactionDone) {
		t.Errorf("put after commit = %v", err)
	}
	if _, _, err := tx.Get([]byte("k")); !errors.Is(err, ErrTransactionDone) {
		t.Errorf("get after commit = %v", err)
	}
	if err := tx.Commit(); !errors.Is(err, ErrTransactionDone) {
		t.Errorf("double commit = %v", err)
	}
	if err := tx.Rollback(); !errors.Is(err, ErrTransactionDone) {
		t.Errorf("rollback after commit = %v", err)
	}

	// A conflicting commit is terminal too.
	t1 := mustBegin(t, db)
	t2 := mustBegin(t, db)
	t1.Put([]byte("c"), []byte("1"))
	t2.Put([]byte("c"), []byte("2"))
	if err := t1.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := t2.Commit(); !errors.Is(err, ErrConflict) {
		t.Fatal(err)
	}
	if err := t2.Put([]byte("c"), []byte("3")); !errors.Is(err, ErrTransactionDone) {
		t.Errorf("put after conflict = %v", err)
	}
}

func TestEmptyTransactionCommit(t *testing.T) {
	db, _ := openTestDB(t, nil)
	tx := mustBegin(t, db)
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestTransactionAcrossFlush(t *testing.T) {
	db, _ := openTestDB(t, nil)
	mustPut(t, db, nil, "k", "v1")

	tx := mustBegin(t, db)
	if v, _, err := tx.Get([]byte("k")); err != nil || string(v) != "v1" {
		t.Fatalf("read = %q err=%v", v, err)
	}

	mustPut(t, db, nil, "k", "v2")
	if err := db.Flush(nil, nil); err != nil {
		t.Fatal(err)
	}

	// The flushed newer version stays invisible to the snapshot.
	if v, _, err := tx.Get([]byte("k")); err != nil || string(v) != "v1" {
		t.Fatalf("read after flush = %q err=%v", v, err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}
}
