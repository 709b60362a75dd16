package nvs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized is returned by any operation performed before a
	// successful Open/mount, or after Open has failed.
	ErrNotInitialized = errors.New("nvs: storage not initialized")
	// ErrNotFound is returned when an item, namespace, or blob chunk
	// does not exist.
	ErrNotFound = errors.New("nvs: not found")
	// ErrNotEnoughSpace is returned when a write cannot be satisfied
	// even after requesting a fresh page (or, for namespaces, when no
	// free namespace index remains).
	ErrNotEnoughSpace = errors.New("nvs: not enough space")
	// ErrValueTooLong is returned when a blob exceeds the maximum size
	// representable by the partition's page count.
	ErrValueTooLong = errors.New("nvs: value too long for this partition")
	// ErrReadOnly is returned when a write/erase is attempted through a
	// Handle opened read-only.
	ErrReadOnly = errors.New("nvs: handle is read-only")
	// ErrHandlesOpen is returned by Reinit when handles from a prior
	// mount are still outstanding.
	ErrHandlesOpen = errors.New("nvs: cannot re-init while handles are open")
	// ErrInvalidKey is returned for a key longer than page.MaxKeyLength
	// or a wildcard/empty key passed where a concrete one is required.
	ErrInvalidKey = errors.New("nvs: invalid key")
	// ErrTypeMismatch names the case of an item that exists under the
	// requested (ns,key) but as a different datatype. No Storage
	// operation returns it: lookups filter on datatype, so such a read
	// reports ErrNotFound.
	ErrTypeMismatch = errors.New("nvs: type mismatch")
)

// ErrNamespaceNotFound indicates createOrOpenNamespace was called with
// canCreate=false for a name that has never been registered.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrNamespaceNotFound struct {
	Name  string
	cause error
}

func (e *ErrNamespaceNotFound) Error() string {
	return fmt.Sprintf("nvs: namespace %q not found", e.Name)
}

func (e *ErrNamespaceNotFound) Unwrap() error { return e.cause }

// ErrCorruptItem indicates an entry's payload failed its CRC32 check on
// read, or that a blob's chunks did not add up to the size recorded in
// its BLOB_IDX. It carries enough context to locate the offending entry for
// diagnostics without needing DebugDump.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrCorruptItem struct {
	NSIndex uint8
	Key     string
	Sector  int
	cause   error
}

func (e *ErrCorruptItem) Error() string {
	return fmt.Sprintf("nvs: corrupt item ns=%d key=%q sector=%d", e.NSIndex, e.Key, e.Sector)
}

func (e *ErrCorruptItem) Unwrap() error { return e.cause }
