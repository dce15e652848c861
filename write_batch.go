package amakv

// write_batch.go implements the atomic multi-operation write batch.

import "github.com/xenomorphtech/amakv/internal/batch"

// WriteBatch collects put and delete operations across column families
// and applies them atomically through DB.Write. Operations are applied
// in insertion order; the whole batch commits under one sequence
// number.
type WriteBatch struct {
	rep *batch.WriteBatch
}

// NewWriteBatch creates an empty write batch.
func NewWriteBatch() *WriteBatch {
	return &WriteBatch{rep: batch.New()}
}

// Put adds a key-value pair to the default column family.
func (wb *WriteBatch) Put(key, value []byte) {
	wb.rep.Put(key, value)
}

// PutCF adds a key-value pair to the given column family. A nil handle
// targets the default column family.
func (wb *WriteBatch) PutCF(cf ColumnFamilyHandle, key, value []byte) {
	wb.rep.PutCF(columnFamilyID(cf), key, value)
}

// Delete adds a deletion of key in the default column family.
func (wb *WriteBatch) Delete(key []byte) {
	wb.rep.Delete(key)
}

// DeleteCF adds a deletion of key in the given column family. A nil
// handle targets the default column family.
func (wb *WriteBatch) DeleteCF(cf ColumnFamilyHandle, key []byte) {
	wb.rep.DeleteCF(columnFamilyID(cf), key)
}

// Count returns the number of operations in the batch.
func (wb *WriteBatch) Count() int {
	return int(wb.rep.Count())
}

// Clear removes all operations from the batch.
func (wb *WriteBatch) Clear() {
	wb.rep.Clear()
}

func columnFamilyID(cf ColumnFamilyHandle) uint32 {
	if cf == nil {
		return DefaultColumnFamilyID
	}
	return cf.ID()
}
