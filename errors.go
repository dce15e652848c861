package amakv

// errors.go defines the sentinel errors of the public API.

import "errors"

var (
	// ErrDBClosed is returned when an operation is attempted on a
	// closed database, or through an iterator or transaction that
	// outlived it.
	ErrDBClosed = errors.New("amakv: database is closed")

	// ErrReadOnly is returned for mutating operations on a database
	// opened with OpenReadOnly.
	ErrReadOnly = errors.New("amakv: database is read-only")

	// ErrConflict is returned by Transaction.Commit when another
	// transaction committed to one of this transaction's tracked keys
	// after its snapshot was taken.
	ErrConflict = errors.New("amakv: transaction conflict")

	// ErrTransactionDone is returned when an operation is attempted on
	// a transaction that already committed or rolled back.
	ErrTransactionDone = errors.New("amakv: transaction already finished")

	// ErrIteratorClosed is returned when a closed iterator is used.
	ErrIteratorClosed = errors.New("amakv: iterator is closed")

	// ErrColumnFamilyNotFound is returned when the named column family
	// does not exist.
	ErrColumnFamilyNotFound = errors.New("amakv: column family not found")

	// ErrColumnFamilyExists is returned when creating a column family
	// whose name is already registered.
	ErrColumnFamilyExists = errors.New("amakv: column family already exists")

	// ErrInvalidColumnFamilyHandle is returned when a handle does not
	// belong to this database or its column family was dropped.
	ErrInvalidColumnFamilyHandle = errors.New("amakv: invalid column family handle")

	// ErrCannotDropDefaultCF is returned when attempting to drop the
	// default column family.
	ErrCannotDropDefaultCF = errors.New("amakv: cannot drop default column family")

	// ErrInvalidOptions is returned when configuration values are
	// missing or inconsistent.
	ErrInvalidOptions = errors.New("amakv: invalid options")

	// ErrDBExists is returned by Open when ErrorIfExists is set and the
	// database directory already holds a database.
	ErrDBExists = errors.New("amakv: database already exists")

	// ErrDBDoesNotExist is returned by Open when CreateIfMissing is not
	// set and no database exists at the path.
	ErrDBDoesNotExist = errors.New("amakv: database does not exist")

	// ErrCorruption is returned when persistent state fails validation
	// during recovery or reads.
	ErrCorruption = errors.New("amakv: corruption detected")
)
