// Command amakv-dump lists the keys of a column family and the size of
// each value, reading the database without taking the write lock.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/xenomorphtech/amakv"
)

func main() {
	var (
		path    = flag.String("path", "", "database directory")
		cfName  = flag.String("cf", amakv.DefaultColumnFamilyName, "column family to dump")
		values  = flag.Bool("values", false, "print values instead of value sizes")
		maxKeys = flag.Int("limit", 0, "stop after this many keys (0 = all)")
	)
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "usage: amakv-dump -path <dir> [-cf <name>] [-values] [-limit <n>]")
		os.Exit(2)
	}
	if err := dump(*path, *cfName, *values, *maxKeys); err != nil {
		fmt.Fprintf(os.Stderr, "amakv-dump: %v\n", err)
		os.Exit(1)
	}
}

func dump(path, cfName string, printValues bool, limit int) error {
	db, handles, err := amakv.OpenReadOnly(path, nil, []amakv.ColumnFamilyDescriptor{{Name: cfName}})
	if err != nil {
		return err
	}
	defer db.Close()

	it, err := db.NewIteratorCF(nil, handles[0])
	if err != nil {
		return err
	}
	defer it.Close()

	count := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if printValues {
			fmt.Printf("%q\t%q\n", it.Key(), it.Value())
		} else {
			fmt.Printf("%q\t%d\n", it.Key(), len(it.Value()))
		}
		count++
		if limit > 0 && count >= limit {
			break
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%d keys in %q\n", count, cfName)
	return nil
}
