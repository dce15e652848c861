package run

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/xenomorphtech/amakv/internal/compression"
	"github.com/xenomorphtech/amakv/internal/dbformat"
	"github.com/xenomorphtech/amakv/internal/vfs"
)

// buildRun writes a run file from ordered (key, seq, type, value)
// entries and reopens it for reading.
func buildRun(t *testing.T, opts BuilderOptions, add func(b *Builder)) *Reader {
	t.Helper()
	fs := vfs.Default()
	path := filepath.Join(t.TempDir(), "000001.run")

	f, err := fs.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	b := NewBuilder(f, opts)
	add(b)
	if err := b.Finish(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	rf, err := fs.OpenRandomAccess(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rf.Close() })

	r, err := NewReader(rf, true)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func mustAdd(t *testing.T, b *Builder, key string, seq dbformat.SequenceNumber, typ dbformat.ValueType, value string) {
	t.Helper()
	if err := b.Add(dbformat.NewInternalKey([]byte(key), seq, typ), []byte(value)); err != nil {
		t.Fatal(err)
	}
}

func TestRunBuildAndGet(t *testing.T) {
	r := buildRun(t, DefaultBuilderOptions(), func(b *Builder) {
		mustAdd(t, b, "apple", 3, dbformat.TypeValue, "red")
		mustAdd(t, b, "banana", 2, dbformat.TypeValue, "yellow")
		mustAdd(t, b, "cherry", 1, dbformat.TypeDeletion, "")
	})

	v, found, deleted, err := r.Get([]byte("apple"), 10)
	if err != nil || !found || deleted || string(v) != "red" {
		t.Fatalf("apple: %q found=%t deleted=%t err=%v", v, found, deleted, err)
	}

	// Sequence visibility: nothing at apple below seq 3.
	if _, found, _, err := r.Get([]byte("apple"), 2); err != nil || found {
		t.Fatalf("apple@2: found=%t err=%v", found, err)
	}

	// Tombstones surface as found+deleted.
	if _, found, deleted, err := r.Get([]byte("cherry"), 10); err != nil || !found || !deleted {
		t.Fatalf("cherry: found=%t deleted=%t err=%v", found, deleted, err)
	}

	if _, found, _, err := r.Get([]byte("durian"), 10); err != nil || found {
		t.Fatalf("durian: found=%t err=%v", found, err)
	}
}

func TestRunBuilderMetadata(t *testing.T) {
	fs := vfs.Default()
	path := filepath.Join(t.TempDir(), "000002.run")
	f, err := fs.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	b := NewBuilder(f, DefaultBuilderOptions())
	mustAdd(t, b, "aaa", 5, dbformat.TypeValue, "1")
	mustAdd(t, b, "zzz", 9, dbformat.TypeValue, "2")
	if err := b.Finish(); err != nil {
		t.Fatal(err)
	}

	if b.NumEntries() != 2 {
		t.Errorf("NumEntries = %d", b.NumEntries())
	}
	if b.FileSize() == 0 {
		t.Error("FileSize = 0 after Finish")
	}
	if !bytes.Equal(b.SmallestKey().UserKey(), []byte("aaa")) {
		t.Errorf("SmallestKey = %q", b.SmallestKey().UserKey())
	}
	if !bytes.Equal(b.LargestKey().UserKey(), []byte("zzz")) {
		t.Errorf("LargestKey = %q", b.LargestKey().UserKey())
	}
	if b.MaxSequence() != 9 {
		t.Errorf("MaxSequence = %d", b.MaxSequence())
	}
}

func TestRunBuilderRejectsOutOfOrder(t *testing.T) {
	fs := vfs.Default()
	path := filepath.Join(t.TempDir(), "000003.run")
	f, err := fs.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	b := NewBuilder(f, DefaultBuilderOptions())
	mustAdd(t, b, "m", 1, dbformat.TypeValue, "v")
	if err := b.Add(dbformat.NewInternalKey([]byte("a"), 2, dbformat.TypeValue), []byte("v")); err == nil {
		t.Error("expected error for out-of-order key")
	}
}

func TestRunMultiBlock(t *testing.T) {
	opts := DefaultBuilderOptions()
	opts.BlockSize = 128 // force many small blocks
	const n = 500

	r := buildRun(t, opts, func(b *Builder) {
		for i := 0; i < n; i++ {
			mustAdd(t, b, fmt.Sprintf("key-%04d", i), dbformat.SequenceNumber(i+1), dbformat.TypeValue, fmt.Sprintf("value-%04d", i))
		}
	})

	if r.NumBlocks() < 2 {
		t.Fatalf("expected multiple blocks, got %d", r.NumBlocks())
	}
	for _, i := range []int{0, 1, n / 2, n - 2, n - 1} {
		key := fmt.Sprintf("key-%04d", i)
		v, found, deleted, err := r.Get([]byte(key), dbformat.MaxSequenceNumber)
		if err != nil || !found || deleted {
			t.Fatalf("%s: found=%t deleted=%t err=%v", key, found, deleted, err)
		}
		if want := fmt.Sprintf("value-%04d", i); string(v) != want {
			t.Errorf("%s = %q, want %q", key, v, want)
		}
	}
}

func TestRunIterator(t *testing.T) {
	opts := DefaultBuilderOptions()
	opts.BlockSize = 64
	const n = 100

	r := buildRun(t, opts, func(b *Builder) {
		for i := 0; i < n; i++ {
			mustAdd(t, b, fmt.Sprintf("k%03d", i), 1, dbformat.TypeValue, fmt.Sprintf("v%03d", i))
		}
	})

	it := r.NewIterator()

	// Full forward scan.
	i := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		uk := dbformat.InternalKey(it.Key()).UserKey()
		if want := fmt.Sprintf("k%03d", i); string(uk) != want {
			t.Fatalf("forward entry %d = %q", i, uk)
		}
		i++
	}
	if err := it.Error(); err != nil {
		t.Fatal(err)
	}
	if i != n {
		t.Fatalf("forward scan saw %d entries", i)
	}

	// Full backward scan.
	i = n - 1
	for it.SeekToLast(); it.Valid(); it.Prev() {
		uk := dbformat.InternalKey(it.Key()).UserKey()
		if want := fmt.Sprintf("k%03d", i); string(uk) != want {
			t.Fatalf("backward entry %d = %q", i, uk)
		}
		i--
	}
	if i != -1 {
		t.Fatalf("backward scan stopped at %d", i+1)
	}

	// Seek lands on the first internal key >= target, across block
	// boundaries.
	it.Seek(dbformat.NewInternalKey([]byte("k050"), dbformat.MaxSequenceNumber, dbformat.ValueTypeForSeek))
	if !it.Valid() {
		t.Fatal("seek k050 invalid")
	}
	if uk := dbformat.InternalKey(it.Key()).UserKey(); string(uk) != "k050" {
		t.Errorf("seek k050 landed on %q", uk)
	}

	it.Seek(dbformat.NewInternalKey([]byte("k0505"), dbformat.MaxSequenceNumber, dbformat.ValueTypeForSeek))
	if !it.Valid() {
		t.Fatal("seek k0505 invalid")
	}
	if uk := dbformat.InternalKey(it.Key()).UserKey(); string(uk) != "k051" {
		t.Errorf("seek k0505 landed on %q", uk)
	}

	it.Seek(dbformat.NewInternalKey([]byte("zzz"), dbformat.MaxSequenceNumber, dbformat.ValueTypeForSeek))
	if it.Valid() {
		t.Error("seek past the last key should invalidate")
	}
}

func TestRunCompressionVariants(t *testing.T) {
	for _, ctype := range []compression.Type{compression.None, compression.Snappy, compression.LZ4, compression.Zstd} {
		t.Run(ctype.String(), func(t *testing.T) {
			opts := DefaultBuilderOptions()
			opts.Compression = ctype

			r := buildRun(t, opts, func(b *Builder) {
				for i := 0; i < 50; i++ {
					mustAdd(t, b, fmt.Sprintf("key-%02d", i), 1, dbformat.TypeValue, "repetitive repetitive repetitive")
				}
			})
			v, found, _, err := r.Get([]byte("key-25"), 10)
			if err != nil || !found || string(v) != "repetitive repetitive repetitive" {
				t.Fatalf("get: %q found=%t err=%v", v, found, err)
			}
		})
	}
}

func TestRunBloomFilterRejects(t *testing.T) {
	r := buildRun(t, DefaultBuilderOptions(), func(b *Builder) {
		for i := 0; i < 100; i++ {
			mustAdd(t, b, fmt.Sprintf("present-%03d", i), 1, dbformat.TypeValue, "v")
		}
	})

	for i := 0; i < 100; i++ {
		if !r.MayContain([]byte(fmt.Sprintf("present-%03d", i))) {
			t.Fatalf("false negative for present-%03d", i)
		}
	}
	misses := 0
	for i := 0; i < 100; i++ {
		if !r.MayContain([]byte(fmt.Sprintf("absent-%03d", i))) {
			misses++
		}
	}
	if misses == 0 {
		t.Error("bloom filter never rejected an absent key")
	}
}

func TestRunFooterRoundTrip(t *testing.T) {
	f := &Footer{
		IndexHandle: BlockHandle{Offset: 123, Size: 456},
		BloomHandle: BlockHandle{Offset: 789, Size: 10},
	}
	got, err := DecodeFooter(f.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if *got != *f {
		t.Errorf("footer round trip: %+v != %+v", got, f)
	}

	bad := f.Encode()
	bad[len(bad)-1] ^= 0xFF // clobber the magic
	if _, err := DecodeFooter(bad); err == nil {
		t.Error("expected error for bad magic")
	}
}
