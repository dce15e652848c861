// Package amakv is an embeddable, ordered key-value storage engine
// with column families, optimistic transactions, and snapshots.
//
// Keys and values are arbitrary byte strings. Keys are ordered
// bytewise within each column family, an independent keyspace sharing
// the database's write-ahead log and sequence numbering. Every commit
// receives one strictly increasing sequence number; snapshots pin a
// sequence and observe exactly the commits at or below it.
//
// Writes go to a per-family in-memory buffer after being appended to
// the WAL. Full buffers are flushed to immutable sorted-run files,
// which compaction later merges, discarding versions no live snapshot
// can observe. Crash recovery replays the WAL tail on open.
//
// Basic usage:
//
//	opts := amakv.DefaultOptions()
//	opts.CreateIfMissing = true
//	db, _, err := amakv.Open("/tmp/db", opts, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Put(nil, []byte("k"), []byte("v")); err != nil {
//		log.Fatal(err)
//	}
//	value, found, err := db.Get(nil, []byte("k"))
//
// Transactions buffer writes locally, read through a snapshot taken at
// BeginTransaction, and validate at Commit:
//
//	txn, _ := db.BeginTransaction()
//	txn.Put([]byte("k"), []byte("v2"))
//	if err := txn.Commit(); errors.Is(err, amakv.ErrConflict) {
//		// another transaction touched a tracked key; retry
//	}
package amakv
